package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter manages per-connection inbound message limits.
// Each connection gets its own token bucket keyed by connection id.
type RateLimiter struct {
	limit rate.Limit
	burst int

	clients sync.Map // map[uint64]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing perSecond sustained messages with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limit: limit, burst: burst}
}

// CheckLimit reports whether the connection may process another message.
func (rl *RateLimiter) CheckLimit(connID uint64) bool {
	v, ok := rl.clients.Load(connID)
	if !ok {
		v, _ = rl.clients.LoadOrStore(connID, rate.NewLimiter(rl.limit, rl.burst))
	}
	return v.(*rate.Limiter).Allow()
}

// RemoveClient drops limiter state on disconnect.
func (rl *RateLimiter) RemoveClient(connID uint64) {
	rl.clients.Delete(connID)
}

// Burst returns the configured burst size
func (rl *RateLimiter) Burst() int { return rl.burst }

// Rate returns the sustained rate in messages per second
func (rl *RateLimiter) Rate() float64 { return float64(rl.limit) }
