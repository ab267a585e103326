// Package stats aggregates per-task outcomes into run-level counters.
package stats

import (
	"sync"
	"time"

	"github.com/surge-downloader/batchdl/internal/engine/cache"
	"github.com/surge-downloader/batchdl/internal/engine/ratelimit"
	"github.com/surge-downloader/batchdl/internal/engine/types"
)

// recentWindow is how many completed transfers feed the throughput figure.
const recentWindow = 100

// Transfer is one completed download.
type Transfer struct {
	Bytes    int64
	Duration time.Duration
	At       time.Time
}

// DownloadStats is a read-only snapshot.
type DownloadStats struct {
	Attempted        int64            `json:"attempted"`
	Succeeded        int64            `json:"succeeded"`
	Failed           int64            `json:"failed"`
	SkippedDuplicate int64            `json:"skipped_duplicate"`
	SkippedExisting  int64            `json:"skipped_existing"`
	Bytes            int64            `json:"bytes"`
	StatusCodes      map[int]int64    `json:"status_codes"`
	ErrorKinds       map[string]int64 `json:"error_kinds"`
	Recent           []Transfer       `json:"-"`
	Throughput       float64          `json:"throughput_bps"` // over Recent
	AvgDuration      time.Duration    `json:"avg_duration"`
	Elapsed          time.Duration    `json:"elapsed"`

	RateLimit ratelimit.Stats `json:"rate_limit"`
	Cache     cache.Stats     `json:"cache"`
}

// Skipped is the total of both skip reasons.
func (s DownloadStats) Skipped() int64 { return s.SkippedDuplicate + s.SkippedExisting }

// SuccessRate is succeeded over attempted, 0 with no attempts.
func (s DownloadStats) SuccessRate() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Attempted)
}

// Collector is safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	s         DownloadStats
	recent    []Transfer
	next      int
	startedAt time.Time
	now       func() time.Time
}

// NewCollector starts the elapsed clock.
func NewCollector() *Collector {
	c := &Collector{now: time.Now}
	c.startedAt = c.now()
	c.s.StatusCodes = make(map[int]int64)
	c.s.ErrorKinds = make(map[string]int64)
	return c
}

// RecordAttempt counts a task that went to the network.
func (c *Collector) RecordAttempt() {
	c.mu.Lock()
	c.s.Attempted++
	c.mu.Unlock()
}

// AddBytes counts payload bytes written to disk.
func (c *Collector) AddBytes(n int64) {
	c.mu.Lock()
	c.s.Bytes += n
	c.mu.Unlock()
}

// ObserveStatus counts a response status.
func (c *Collector) ObserveStatus(code int) {
	c.mu.Lock()
	c.s.StatusCodes[code]++
	c.mu.Unlock()
}

// Record folds a terminal outcome in.
func (c *Collector) Record(o types.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case o.Skip == types.SkipDuplicate:
		c.s.SkippedDuplicate++
	case o.Skip == types.SkipExisting:
		c.s.SkippedExisting++
	case o.State == types.StateCompleted:
		c.s.Succeeded++
		c.pushLocked(Transfer{Bytes: o.Bytes, Duration: o.Elapsed, At: c.now()})
	default:
		c.s.Failed++
		c.s.ErrorKinds[types.KindOf(o.Err).String()]++
	}
}

func (c *Collector) pushLocked(t Transfer) {
	if len(c.recent) < recentWindow {
		c.recent = append(c.recent, t)
		return
	}
	c.recent[c.next] = t
	c.next = (c.next + 1) % recentWindow
}

// Snapshot copies the current counters.
func (c *Collector) Snapshot() DownloadStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.s
	out.StatusCodes = make(map[int]int64, len(c.s.StatusCodes))
	for k, v := range c.s.StatusCodes {
		out.StatusCodes[k] = v
	}
	out.ErrorKinds = make(map[string]int64, len(c.s.ErrorKinds))
	for k, v := range c.s.ErrorKinds {
		out.ErrorKinds[k] = v
	}
	out.Recent = append([]Transfer(nil), c.recent...)
	out.Elapsed = c.now().Sub(c.startedAt)

	var bytes int64
	var dur time.Duration
	for _, t := range c.recent {
		bytes += t.Bytes
		dur += t.Duration
	}
	if len(c.recent) > 0 {
		out.AvgDuration = dur / time.Duration(len(c.recent))
	}
	if dur > 0 {
		out.Throughput = float64(bytes) / dur.Seconds()
	}
	return out
}
