// Package ratelimit provides a process-local, per-key token-bucket limiter
// with opportunistic garbage collection of idle buckets.
//
// It backs both the HTTP edge limiter (per user/IP) and the push
// notification window (one dispatch per group and actor). State is not
// shared between processes; horizontally scaled deployments enforce limits
// per instance.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// gcEvery is the number of lookups between idle-bucket sweeps.
const gcEvery = 5000

// visitor holds a single rate limiter and the last time it was seen.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed is a per-key token-bucket limiter. Buckets are created on demand and
// evicted after TTL of inactivity. Safe for concurrent use.
type Keyed struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	// Now is the clock used for token accounting and GC; tests override it.
	Now func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
}

// New returns a limiter refilling at limit tokens per second with the given
// burst. Idle buckets are dropped after ttl (10 minutes when <= 0).
func New(limit rate.Limit, burst int, ttl time.Duration) *Keyed {
	if burst <= 0 {
		burst = 1
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Keyed{
		limit:    limit,
		burst:    burst,
		ttl:      ttl,
		Now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// NewWindow returns a limiter allowing one event per key per window. Buckets
// outlive the window by a margin so a key is never forgotten mid-window.
func NewWindow(window time.Duration) *Keyed {
	return New(rate.Every(window), 1, 2*window)
}

// Allow reports whether an event for key may happen now, consuming a token
// when it may.
func (k *Keyed) Allow(key string) bool {
	now := k.Now()
	return k.get(key, now).AllowN(now, 1)
}

// Check is Allow that also reports, on denial, how long until a token is
// available. The wait is 0 when the bucket never refills. A denied call
// consumes nothing.
func (k *Keyed) Check(key string) (bool, time.Duration) {
	now := k.Now()
	r := k.get(key, now).ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	d := r.DelayFrom(now)
	if d <= 0 {
		return true, 0
	}
	r.CancelAt(now)
	if d == rate.InfDuration {
		return false, 0
	}
	return false, d
}

// Len returns the number of tracked buckets.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.visitors)
}

// get returns (and touches) the limiter for key, creating it if absent.
//
// GC runs before touching the requested visitor so an idle bucket can be
// evicted even when it is the one being fetched.
func (k *Keyed) get(key string, now time.Time) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lookups++
	if k.lookups >= gcEvery {
		for id, v := range k.visitors {
			if now.Sub(v.lastSeen) >= k.ttl {
				delete(k.visitors, id)
			}
		}
		k.lookups = 0
	}

	if v, ok := k.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(k.limit, k.burst)
	k.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}
