package network

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateTracker holds one token bucket per source IP. A non-positive
// perSecond disables limiting.
type rateTracker struct {
	mu        sync.Mutex
	sources   map[string]*sourceLimiter
	perSecond float64
	burst     int
}

func newRateTracker(perSecond float64, burst int) *rateTracker {
	if burst < 1 {
		burst = 1
	}
	return &rateTracker{
		sources:   make(map[string]*sourceLimiter),
		perSecond: perSecond,
		burst:     burst,
	}
}

func (rt *rateTracker) allow(ip string, now time.Time) bool {
	if rt.perSecond <= 0 {
		return true
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	src, ok := rt.sources[ip]
	if !ok {
		src = &sourceLimiter{limiter: rate.NewLimiter(rate.Limit(rt.perSecond), rt.burst)}
		rt.sources[ip] = src
	}
	src.lastSeen = now
	return src.limiter.AllowN(now, 1)
}

// prune drops buckets idle for longer than idle.
func (rt *rateTracker) prune(now time.Time, idle time.Duration) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	removed := 0
	for ip, src := range rt.sources {
		if now.Sub(src.lastSeen) > idle {
			delete(rt.sources, ip)
			removed++
		}
	}
	return removed
}
