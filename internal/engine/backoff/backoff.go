// Package backoff computes per-key exponential retry delays.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/surge-downloader/batchdl/internal/engine/types"
)

// Config describes the delay curve.
type Config struct {
	Base    time.Duration
	Factor  float64
	Ceiling time.Duration
	Jitter  bool
	Idle    time.Duration // keys untouched this long are dropped
}

type state struct {
	attempts int
	last     time.Time
}

// Backoff tracks attempt counts per key. Safe for concurrent use.
type Backoff struct {
	cfg Config

	mu        sync.Mutex
	keys      map[string]*state
	lastSweep time.Time

	now    func() time.Time
	random func() float64
}

// New validates cfg and returns a Backoff.
func New(cfg Config) (*Backoff, error) {
	switch {
	case cfg.Base <= 0:
		return nil, types.NewConfigError("new backoff", fmt.Errorf("base delay must be positive, got %s", cfg.Base))
	case cfg.Factor < 1:
		return nil, types.NewConfigError("new backoff", fmt.Errorf("factor must be at least 1, got %v", cfg.Factor))
	case cfg.Ceiling < cfg.Base:
		return nil, types.NewConfigError("new backoff", fmt.Errorf("ceiling %s is below base %s", cfg.Ceiling, cfg.Base))
	case cfg.Idle <= 0:
		return nil, types.NewConfigError("new backoff", fmt.Errorf("idle window must be positive, got %s", cfg.Idle))
	}
	return &Backoff{
		cfg:    cfg,
		keys:   make(map[string]*state),
		now:    time.Now,
		random: rand.Float64,
	}, nil
}

// FromEngineConfig maps the engine retry settings onto a backoff Config.
func FromEngineConfig(c types.Config) Config {
	return Config{
		Base:    c.RetryDelay,
		Factor:  c.BackoffFactor,
		Ceiling: c.MaxRetryDelay,
		Jitter:  c.BackoffJitter,
		Idle:    c.BackoffIdle,
	}
}

// Unjittered is min(base * factor^attempt, ceiling).
func (b *Backoff) Unjittered(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.cfg.Base) * math.Pow(b.cfg.Factor, float64(attempt))
	if math.IsInf(d, 0) || d > float64(b.cfg.Ceiling) {
		return b.cfg.Ceiling
	}
	return time.Duration(d)
}

// DelayFor returns the delay before the next attempt for key and counts
// the attempt. With jitter the result is uniform in [0.5d, 1.5d].
func (b *Backoff) DelayFor(key string) time.Duration {
	b.mu.Lock()
	now := b.now()
	b.sweepLocked(now)

	st, ok := b.keys[key]
	if !ok {
		st = &state{}
		b.keys[key] = st
	}
	attempt := st.attempts
	st.attempts++
	st.last = now
	b.mu.Unlock()

	d := b.Unjittered(attempt)
	if b.cfg.Jitter {
		d = time.Duration(float64(d) * (0.5 + b.random()))
	}
	return d
}

// Reset forgets key, so the next delay starts at base again.
func (b *Backoff) Reset(key string) {
	b.mu.Lock()
	delete(b.keys, key)
	b.mu.Unlock()
}

// Attempts reports how many delays have been handed out for key.
func (b *Backoff) Attempts(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.keys[key]; ok {
		return st.attempts
	}
	return 0
}

// Len is the number of tracked keys.
func (b *Backoff) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

// sweepLocked drops idle keys, at most once per quarter window.
func (b *Backoff) sweepLocked(now time.Time) {
	if now.Sub(b.lastSweep) < b.cfg.Idle/4 {
		return
	}
	b.lastSweep = now
	for k, st := range b.keys {
		if now.Sub(st.last) > b.cfg.Idle {
			delete(b.keys, k)
		}
	}
}
