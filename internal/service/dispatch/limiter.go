package dispatch

import (
	"sync"

	"golang.org/x/time/rate"
)

// PoolLimiter is a token bucket per pool. A pool that exceeds its rate gets
// empty claims with a pause hint instead of waiting.
type PoolLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewPoolLimiter creates a PoolLimiter. It returns nil when rps is not
// positive, which disables limiting.
func NewPoolLimiter(rps float64, burst int) *PoolLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &PoolLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether poolID may claim now.
func (l *PoolLimiter) Allow(poolID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[poolID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[poolID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
