// Package ratelimit implements the per-IP guest throttling of spec §4.7:
// "Rate limits are applied per source IP on both access and send." Two
// implementations satisfy ports.RateLimiter: IPLimiter here, an in-process
// per-key token bucket for a single server instance; internal/store/
// rediscache's distributed counter, for multi-instance deployments, trades
// golang.org/x/time/rate's in-memory bucket for a Lua EVAL script against a
// shared Redis instance.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vaultchat/internal/ports"
)

// entry pairs a per-key token bucket with the last time it was consulted,
// so idle keys can be swept instead of accumulating forever across the
// lifetime of a long-running process.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter grounds spec §4.7's per-source-IP throttle on the teacher's
// `core/virtual_machine.go` HTTP middleware (`rate.NewLimiter` plus a
// `limiter.Allow()` check returning 429), generalized from one process-wide
// limiter to one limiter per key so a single abusive IP cannot exhaust the
// budget shared by every other guest.
type IPLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*entry

	idleTimeout time.Duration
}

// New constructs an IPLimiter allowing rps requests per second per key, with
// the given burst, per the guest rate-limit parameters named in spec §6's
// environment variable list. idleTimeout controls how long a key's bucket
// is retained after its last Allow call before Sweep reclaims it.
func New(rps float64, burst int, idleTimeout time.Duration) *IPLimiter {
	return &IPLimiter{
		rps:         rate.Limit(rps),
		burst:       burst,
		entries:     make(map[string]*entry),
		idleTimeout: idleTimeout,
	}
}

var _ ports.RateLimiter = (*IPLimiter)(nil)

// Allow implements ports.RateLimiter: reports whether key (a source IP, or
// an IP+route composite for distinguishing access from send per spec §4.7)
// may proceed, consuming one token from its bucket if so.
func (l *IPLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = time.Now()
	lim := e.limiter
	l.mu.Unlock()

	return lim.Allow(), nil
}

// Sweep removes buckets idle for longer than idleTimeout, bounding the map's
// memory growth under a long-lived set of distinct guest IPs. Callers
// (cmd/server) run this periodically on a background ticker; it performs no
// I/O and is safe to call concurrently with Allow.
func (l *IPLimiter) Sweep() {
	cutoff := time.Now().Add(-l.idleTimeout)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

// Len reports the number of distinct keys currently tracked, used by
// internal/metrics to surface rate-limiter memory pressure.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
