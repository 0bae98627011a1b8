// Package apirate rate-limits the admin HTTP front on a per-client-key
// basis, grounded on the donor's pkg/auth/limiter.go: a small in-process
// pool of golang.org/x/time/rate limiters keyed by caller identity rather
// than a shared external limiter service.
package apirate

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limits configures the per-key token bucket.
type Limits struct {
	RPS   float64
	Burst int
}

// Pool lazily creates and caches a rate.Limiter per key.
type Pool struct {
	mu     sync.Mutex
	m      map[string]*rate.Limiter
	limits Limits
}

// New returns a Pool enforcing limits per distinct key.
func New(limits Limits) *Pool {
	return &Pool{m: make(map[string]*rate.Limiter), limits: limits}
}

func (p *Pool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.m[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.limits.RPS), p.limits.Burst)
		p.m[key] = l
	}
	return l
}

// Allow reports whether a request identified by key may proceed right now,
// consuming one token if so.
func (p *Pool) Allow(key string) bool {
	return p.get(key).Allow()
}
