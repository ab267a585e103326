// Package ratelimit implements the token bucket that admits every network
// call made by one engine instance.
package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/surge-downloader/batchdl/internal/engine/types"
	"github.com/surge-downloader/batchdl/internal/utils"
)

// Stats summarises how much waiting the limiter imposed.
type Stats struct {
	Acquired  int64         `json:"acquired"`
	Waits     int64         `json:"waits"`
	TotalWait time.Duration `json:"total_wait"`
	MaxWait   time.Duration `json:"max_wait"`
}

// AvgWait is the mean wait over acquisitions that had to wait.
func (s Stats) AvgWait() time.Duration {
	if s.Waits == 0 {
		return 0
	}
	return s.TotalWait / time.Duration(s.Waits)
}

// Limiter is a lazily refilled token bucket. The bucket starts full.
//
// Acquirers queue on a single turn token so the one at the front is the only
// one sleeping for refill; the rest block on the turn channel and can still
// observe cancellation. Order at the front is whoever the runtime wakes, not
// arrival order.
type Limiter struct {
	capacity float64
	rate     float64 // tokens per second

	turn chan struct{}

	mu     sync.Mutex
	tokens float64
	last   time.Time
	stats  Stats

	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used for wait diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(lim *Limiter) {
		if l != nil {
			lim.logger = l
		}
	}
}

// WithClock replaces the time source and sleep function. Used by tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(lim *Limiter) {
		if now != nil {
			lim.now = now
		}
		if sleep != nil {
			lim.sleep = sleep
		}
	}
}

// New builds a bucket of capacity requests refilling at requests/window.
func New(requests int, window time.Duration, opts ...Option) (*Limiter, error) {
	if requests < 1 {
		return nil, types.NewConfigError("new rate limiter", fmt.Errorf("requests per window must be at least 1, got %d", requests))
	}
	if window <= 0 {
		return nil, types.NewConfigError("new rate limiter", fmt.Errorf("window must be positive, got %s", window))
	}

	l := &Limiter{
		capacity: float64(requests),
		rate:     float64(requests) / window.Seconds(),
		turn:     make(chan struct{}, 1),
		now:      time.Now,
		sleep:    utils.SleepWithContext,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tokens = l.capacity
	l.last = l.now()
	return l, nil
}

// Capacity is the maximum number of tokens the bucket holds.
func (l *Limiter) Capacity() float64 { return l.capacity }

// Rate is the refill rate in tokens per second.
func (l *Limiter) Rate() float64 { return l.rate }

// Acquire blocks until n tokens are available and debits them. Asking for
// more than the capacity, or for a non-positive or NaN amount, fails immediately
// with a configuration error.
func (l *Limiter) Acquire(ctx context.Context, n float64) error {
	if math.IsNaN(n) || n <= 0 || n > l.capacity {
		return &types.Error{
			Kind: types.KindConfig,
			Op:   "acquire",
			Err:  fmt.Errorf("%w: requested %.2f, capacity %.0f", types.ErrTokensExceedCapacity, n, l.capacity),
		}
	}

	select {
	case l.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.turn }()

	start := l.now()
	waited := false
	for {
		l.mu.Lock()
		l.refillLocked()
		if l.tokens >= n {
			l.tokens -= n
			l.stats.Acquired++
			if waited {
				w := l.now().Sub(start)
				l.stats.Waits++
				l.stats.TotalWait += w
				if w > l.stats.MaxWait {
					l.stats.MaxWait = w
				}
			}
			l.mu.Unlock()
			return nil
		}
		deficit := n - l.tokens
		l.mu.Unlock()

		wait := time.Duration(deficit / l.rate * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if !waited {
			l.logger.Debug("rate limit reached, waiting", "wait", wait, "tokens", n)
		}
		waited = true
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// refillLocked credits elapsed time. Caller holds l.mu.
func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
		l.last = now
	}
}

// Tokens returns the current token count after refill.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

// Stats returns a snapshot of acquisition statistics.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
