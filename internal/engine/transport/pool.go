package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// pool bounds concurrent requests globally and per host. The underlying
// http.Transport owns the actual sockets; slots here make callers queue
// instead of the transport dialing past its limits.
type pool struct {
	global  *semaphore.Weighted
	perHost int64

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
	inUse map[string]int
}

func newPool(global, perHost int) *pool {
	return &pool{
		global:  semaphore.NewWeighted(int64(global)),
		perHost: int64(perHost),
		hosts:   make(map[string]*semaphore.Weighted),
		inUse:   make(map[string]int),
	}
}

func (p *pool) hostSem(host string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.hosts[host]
	if !ok {
		s = semaphore.NewWeighted(p.perHost)
		p.hosts[host] = s
	}
	return s
}

// acquire blocks until a slot for host is free. The returned release is
// safe to call more than once.
func (p *pool) acquire(ctx context.Context, host string) (func(), error) {
	hs := p.hostSem(host)
	if err := hs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := p.global.Acquire(ctx, 1); err != nil {
		hs.Release(1)
		return nil, err
	}

	p.mu.Lock()
	p.inUse[host]++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.inUse[host]--
			if p.inUse[host] == 0 {
				delete(p.inUse, host)
			}
			p.mu.Unlock()
			p.global.Release(1)
			hs.Release(1)
		})
	}, nil
}

func (p *pool) active(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[host]
}

func (p *pool) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, v := range p.inUse {
		n += v
	}
	return n
}

// breaker trips a host after threshold consecutive exhausted fetches.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu    sync.Mutex
	hosts map[string]*breakerState
}

type breakerState struct {
	failures  int
	openUntil time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		hosts:     make(map[string]*breakerState),
	}
}

func (b *breaker) allow(host string) bool {
	if b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.hosts[host]
	if !ok {
		return true
	}
	if !st.openUntil.IsZero() && b.now().Before(st.openUntil) {
		return false
	}
	return true
}

func (b *breaker) success(host string) {
	if b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	delete(b.hosts, host)
	b.mu.Unlock()
}

// failure records an exhausted fetch and reports whether the host tripped.
func (b *breaker) failure(host string) bool {
	if b.threshold <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.hosts[host]
	if !ok {
		st = &breakerState{}
		b.hosts[host] = st
	}
	st.failures++
	if st.failures >= b.threshold {
		st.openUntil = b.now().Add(b.cooldown)
		st.failures = 0
		return true
	}
	return false
}
