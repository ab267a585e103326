package stats

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/surge-downloader/batchdl/internal/engine/types"
)

func TestCollector_Record(t *testing.T) {
	c := NewCollector()

	c.RecordAttempt()
	c.RecordAttempt()
	c.RecordAttempt()
	c.Record(types.Outcome{State: types.StateCompleted, Bytes: 2000, Elapsed: time.Second})
	c.Record(types.Outcome{State: types.StateCompleted, Bytes: 6000, Elapsed: time.Second})
	c.Record(types.Outcome{State: types.StateFailed, Err: &types.Error{Kind: types.KindResource}})
	c.Record(types.Outcome{State: types.StateSkipped, Skip: types.SkipDuplicate})
	c.Record(types.Outcome{State: types.StateSkipped, Skip: types.SkipExisting})
	c.Record(types.Outcome{State: types.StateFailed, Err: errors.New("boom")})
	c.ObserveStatus(200)
	c.ObserveStatus(200)
	c.ObserveStatus(503)
	c.AddBytes(8000)

	s := c.Snapshot()
	assert.Equal(t, int64(3), s.Attempted)
	assert.Equal(t, int64(2), s.Succeeded)
	assert.Equal(t, int64(2), s.Failed)
	assert.Equal(t, int64(1), s.SkippedDuplicate)
	assert.Equal(t, int64(1), s.SkippedExisting)
	assert.Equal(t, int64(2), s.Skipped())
	assert.Equal(t, int64(8000), s.Bytes)
	assert.Equal(t, int64(2), s.StatusCodes[200])
	assert.Equal(t, int64(1), s.StatusCodes[503])
	assert.Equal(t, int64(1), s.ErrorKinds["resource"])
	assert.Equal(t, int64(1), s.ErrorKinds["unknown"])
	assert.InDelta(t, 4000.0, s.Throughput, 0.001)
	assert.Equal(t, time.Second, s.AvgDuration)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate(), 1e-9)
}

func TestCollector_SnapshotIsCopy(t *testing.T) {
	c := NewCollector()
	c.ObserveStatus(404)
	s := c.Snapshot()
	s.StatusCodes[404] = 99
	assert.Equal(t, int64(1), c.Snapshot().StatusCodes[404])
}

func TestCollector_RecentWindowBounded(t *testing.T) {
	c := NewCollector()
	for i := 0; i < recentWindow+25; i++ {
		c.Record(types.Outcome{State: types.StateCompleted, Bytes: int64(i), Elapsed: time.Millisecond})
	}
	s := c.Snapshot()
	assert.Len(t, s.Recent, recentWindow)
	assert.Equal(t, int64(recentWindow+25), s.Succeeded)
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordAttempt()
			c.ObserveStatus(200)
			c.Record(types.Outcome{State: types.StateCompleted, Bytes: 10, Elapsed: time.Millisecond})
			_ = c.Snapshot()
		}()
	}
	wg.Wait()
	s := c.Snapshot()
	assert.Equal(t, int64(50), s.Attempted)
	assert.Equal(t, int64(50), s.Succeeded)
}

func TestSuccessRate_NoAttempts(t *testing.T) {
	assert.Zero(t, DownloadStats{}.SuccessRate())
}
