package limits

import (
	"sync"
	"time"

	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter rate limits upgrade attempts per client IP and globally.
//
// Uses token bucket algorithm (golang.org/x/time/rate). Per-IP entries idle
// for longer than the TTL are swept once a minute.
type ConnectionRateLimiter struct {
	// Per-IP buckets, swept by cleanupLoop
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int           // Max burst upgrades per IP
	ipRate     float64       // Sustained upgrades/sec per IP
	ipTTL      time.Duration // Forget an IP after this long without attempts

	// Shared by every client, checked before the per-IP bucket
	globalLimiter *rate.Limiter

	logger zerolog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate limiting
type ConnectionRateLimiterConfig struct {
	// Per-IP limits
	IPBurst int           // Max burst connections per IP (default: 10)
	IPRate  float64       // Sustained connections/sec per IP (default: 1.0)
	IPTTL   time.Duration // Forget idle IPs after this duration (default: 5 minutes)

	// Global limits
	GlobalBurst int     // Max burst connections system-wide (default: 300)
	GlobalRate  float64 // Sustained connections/sec system-wide (default: 50.0)

	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates a connection rate limiter and starts its sweeper.
// Call Stop on shutdown.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	go crl.cleanupLoop()

	crl.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return crl
}

// CheckConnectionAllowed checks the global bucket first, then the caller's IP bucket.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	if !crl.globalLimiter.Allow() {
		monitoring.IncrementConnectionRateLimit("global")
		return false
	}

	if !crl.ipLimiter(ip).Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("per_ip")
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	entry, ok := crl.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)}
		crl.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			crl.cleanup(time.Now())
		case <-crl.stopCleanup:
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup(now time.Time) int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}
	return removed
}

// Stop ends the sweeper goroutine. Safe to call more than once.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() { close(crl.stopCleanup) })
}
