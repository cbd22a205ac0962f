// Package ratelimit guards the listener against connection floods from a
// single remote address, independent of the per-session command limiter
// each accepted connection gets once it has a Session.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiter hands out a token-bucket limiter per remote IP, evicting
// limiters that have gone idle so the map does not grow unbounded under a
// slowly rotating set of transient clients.
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates an IPLimiter allowing rps connection attempts per second,
// per address, with the given burst allowance.
func New(rps float64, burst int) *IPLimiter {
	l := &IPLimiter{
		limiters: make(map[string]*entry),
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
	}
	return l
}

// Allow reports whether a new connection attempt from addr should proceed.
func (l *IPLimiter) Allow(addr string) bool {
	l.mu.Lock()
	e, ok := l.limiters[addr]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[addr] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// Sweep evicts limiters that have not been used since idleTTL. Intended to
// be called periodically from a background goroutine.
func (l *IPLimiter) Sweep() {
	cutoff := time.Now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, addr)
		}
	}
}
