// ratelimit.go throttles temporary URL issuance with a per-client token bucket.
// Signing is cheap for the service but every issued URL is a capability, so a
// runaway client is cut off with 429 before it reaches the storage backend.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/safego"
)

const (
	defaultCleanupInterval = 5 * time.Minute
	idleEntryTTL           = 10 * time.Minute
)

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a client may spend n more tokens. A charge larger
// than the bucket capacity is clamped to it, so one large request drains the
// bucket instead of never fitting.
type Limiter interface {
	AllowN(ctx context.Context, key string, n int) (Decision, error)
	Limit() int
}

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained refill rate
	RequestsPerMinute int
	// BurstSize is the bucket capacity
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
}

// RateLimitConfigFrom converts the server.rate_limit settings. A burst of
// zero falls back to the per-minute rate.
func RateLimitConfigFrom(rc config.RateLimitConfig) RateLimitConfig {
	burst := rc.BurstSize
	if burst <= 0 {
		burst = rc.RequestsPerMinute
	}
	return RateLimitConfig{
		RequestsPerMinute: rc.RequestsPerMinute,
		BurstSize:         burst,
		CleanupInterval:   defaultCleanupInterval,
	}
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter is an in-process token bucket limiter keyed by client
type RateLimiter struct {
	config  RateLimitConfig
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter starts a limiter and its idle-entry sweeper
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	rl := &RateLimiter{
		config:  cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
	safego.GoNamed("rate-limit-cleanup", rl.cleanup)
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > idleEntryTTL {
			delete(rl.buckets, key)
		}
	}
}

// Stop ends the sweeper; it is safe to call more than once
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Allow takes one token for key
func (rl *RateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	return rl.AllowN(ctx, key, 1)
}

// AllowN takes n tokens for key, or none when fewer are available
func (rl *RateLimiter) AllowN(_ context.Context, key string, n int) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	burst := float64(rl.config.BurstSize)
	perSecond := float64(rl.config.RequestsPerMinute) / 60.0
	cost := min(float64(max(n, 1)), burst)
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, lastUpdate: now}
		rl.buckets[key] = b
	} else {
		b.tokens = min(burst, b.tokens+now.Sub(b.lastUpdate).Seconds()*perSecond)
		b.lastUpdate = now
	}

	if b.tokens < cost {
		wait := time.Minute
		if perSecond > 0 {
			wait = time.Duration((cost - b.tokens) / perSecond * float64(time.Second))
		}
		return Decision{Remaining: int(b.tokens), RetryAfter: wait}, nil
	}
	b.tokens -= cost
	return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
}

// Limit reports the configured requests per minute
func (rl *RateLimiter) Limit() int { return rl.config.RequestsPerMinute }

// RateLimitMiddleware rejects requests beyond the limiter's budget with 429.
// Each request costs one token.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !EnforceRateLimit(c, limiter, 1) {
			return
		}
		c.Next()
	}
}

// EnforceRateLimit charges n tokens to the calling client, sets the rate
// limit headers and aborts with 429 when the budget is exhausted. It reports
// whether the request may proceed. Handlers whose cost depends on the body
// call it after binding. A limiter error lets the request through:
// throttling must not take the service down with its backing store.
func EnforceRateLimit(c *gin.Context, limiter Limiter, n int) bool {
	d, err := limiter.AllowN(c.Request.Context(), rateLimitKey(c), n)
	if err != nil {
		slog.Warn("rate limiter unavailable; allowing request", "error", err)
		return true
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

	if !d.Allowed {
		wait := retryAfterSeconds(d.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(wait))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded",
			"retry_after": wait,
		})
		return false
	}
	return true
}

// retryAfterSeconds rounds d up to whole seconds, at least one
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// rateLimitKey identifies the client by address; the API has no user identity
func rateLimitKey(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
