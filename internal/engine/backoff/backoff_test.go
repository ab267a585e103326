package backoff

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/batchdl/internal/engine/types"
)

func testConfig() Config {
	return Config{
		Base:    time.Second,
		Factor:  2,
		Ceiling: 60 * time.Second,
		Idle:    5 * time.Minute,
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero base", func(c *Config) { c.Base = 0 }},
		{"shrinking factor", func(c *Config) { c.Factor = 0.9 }},
		{"ceiling below base", func(c *Config) { c.Ceiling = time.Millisecond }},
		{"zero idle", func(c *Config) { c.Idle = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.True(t, types.IsConfig(err))
		})
	}
}

func TestDelayFor_MonotonicAndBounded(t *testing.T) {
	b, err := New(testConfig())
	require.NoError(t, err)

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	prev := time.Duration(0)
	for i, w := range want {
		d := b.DelayFor("host")
		assert.Equal(t, w*time.Second, d, "attempt %d", i)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 60*time.Second)
		prev = d
	}
	assert.Equal(t, len(want), b.Attempts("host"))

	b.Reset("host")
	assert.Equal(t, 0, b.Attempts("host"))
	assert.Equal(t, time.Second, b.DelayFor("host"))
}

func TestUnjittered_HugeAttempt(t *testing.T) {
	b, err := New(testConfig())
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, b.Unjittered(10_000))
	assert.Equal(t, time.Second, b.Unjittered(-3))
}

func TestDelayFor_JitterRange(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = true
	b, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("k%d", i%7)
		attempt := b.Attempts(key)
		base := b.Unjittered(attempt)
		d := b.DelayFor(key)
		assert.GreaterOrEqual(t, d, base/2)
		assert.LessOrEqual(t, d, base*3/2)
	}
}

func TestDelayFor_JitterBounds(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = true
	b, err := New(cfg)
	require.NoError(t, err)

	b.random = func() float64 { return 0 }
	assert.Equal(t, 500*time.Millisecond, b.DelayFor("a"))

	b.random = func() float64 { return 0.999999 }
	d := b.DelayFor("b")
	assert.InDelta(t, float64(1500*time.Millisecond), float64(d), float64(time.Millisecond))
}

func TestDelayFor_KeysIndependent(t *testing.T) {
	b, err := New(testConfig())
	require.NoError(t, err)

	b.DelayFor("a")
	b.DelayFor("a")
	assert.Equal(t, time.Second, b.DelayFor("b"))
	assert.Equal(t, 4*time.Second, b.DelayFor("a"))
}

func TestSweep_DropsIdleKeys(t *testing.T) {
	b, err := New(testConfig())
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		b.DelayFor(fmt.Sprintf("url-%d", i))
	}
	assert.Equal(t, 50, b.Len())

	now = now.Add(6 * time.Minute)
	b.DelayFor("fresh")
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 0, b.Attempts("url-3"))
}

func TestFromEngineConfig(t *testing.T) {
	cfg := FromEngineConfig(types.DefaultConfig())
	assert.Equal(t, types.DefaultRetryDelay, cfg.Base)
	assert.Equal(t, types.DefaultMaxRetryDelay, cfg.Ceiling)
	assert.True(t, cfg.Jitter)

	_, err := New(cfg)
	assert.NoError(t, err)
}
