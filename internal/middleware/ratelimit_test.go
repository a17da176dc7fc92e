package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/content-service/content-service/internal/config"
)

// testClock is a manually advanced clock for the limiter
type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, rpm, burst int) (*RateLimiter, *testClock) {
	t.Helper()
	clk := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour, // the sweeper never fires during a test
	})
	rl.now = clk.now
	t.Cleanup(rl.Stop)
	return rl, clk
}

func allow(rl *RateLimiter, key string) Decision {
	d, _ := rl.Allow(context.Background(), key)
	return d
}

func TestRateLimitConfigFrom(t *testing.T) {
	got := RateLimitConfigFrom(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 600, BurstSize: 100})
	if got.RequestsPerMinute != 600 || got.BurstSize != 100 {
		t.Errorf("RateLimitConfigFrom() = %+v", got)
	}
	if got.CleanupInterval != defaultCleanupInterval {
		t.Errorf("CleanupInterval = %v, want %v", got.CleanupInterval, defaultCleanupInterval)
	}

	got = RateLimitConfigFrom(config.RateLimitConfig{RequestsPerMinute: 30})
	if got.BurstSize != 30 {
		t.Errorf("BurstSize with zero burst = %d, want the per-minute rate 30", got.BurstSize)
	}
}

func TestRateLimiter_AllowsUpToBurstSize(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 3)

	for i := range 3 {
		d := allow(rl, "client")
		if !d.Allowed {
			t.Fatalf("request %d denied within burst", i+1)
		}
		if want := 2 - i; d.Remaining != want {
			t.Errorf("request %d remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}
	if allow(rl, "client").Allowed {
		t.Error("request beyond burst was allowed")
	}
}

func TestRateLimiter_TokensRefillOverTime(t *testing.T) {
	rl, clk := newTestLimiter(t, 60, 1) // one token per second

	if !allow(rl, "client").Allowed {
		t.Fatal("first request denied")
	}
	if allow(rl, "client").Allowed {
		t.Fatal("second request allowed with an empty bucket")
	}

	clk.advance(500 * time.Millisecond)
	if allow(rl, "client").Allowed {
		t.Error("request allowed after half a refill interval")
	}
	clk.advance(600 * time.Millisecond)
	if !allow(rl, "client").Allowed {
		t.Error("request denied after a full refill interval")
	}
}

func TestRateLimiter_RefillCappedAtBurst(t *testing.T) {
	rl, clk := newTestLimiter(t, 600, 2)

	allow(rl, "client")
	clk.advance(time.Hour)

	allowed := 0
	for range 5 {
		if allow(rl, "client").Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed %d requests after a long idle period, want burst 2", allowed)
	}
}

func TestRateLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(t, 1, 1)

	if !allow(rl, "ip:10.0.0.1").Allowed {
		t.Fatal("first client denied")
	}
	if !allow(rl, "ip:10.0.0.2").Allowed {
		t.Error("second client denied by the first client's budget")
	}
}

func TestRateLimiter_SweepRemovesIdleEntries(t *testing.T) {
	rl, clk := newTestLimiter(t, 600, 10)

	allow(rl, "stale")
	clk.advance(idleEntryTTL / 2)
	allow(rl, "fresh")
	clk.advance(idleEntryTTL/2 + time.Second)

	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.buckets["stale"]; ok {
		t.Error("idle entry survived the sweep")
	}
	if _, ok := rl.buckets["fresh"]; !ok {
		t.Error("recently used entry was swept")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1})
	rl.Stop()
	rl.Stop()
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func newRateLimitRouter(limiter Limiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(limiter))
	r.POST("/api/v1/storage/temporary-url", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func sendFrom(r http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/storage/temporary-url", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_AllowedHeaders(t *testing.T) {
	rl, _ := newTestLimiter(t, 120, 10)
	w := sendFrom(newRateLimitRouter(rl), "10.0.0.1:1234")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "120" {
		t.Errorf("X-RateLimit-Limit = %q, want 120", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", got)
	}
}

func TestRateLimitMiddleware_Blocked(t *testing.T) {
	rl, _ := newTestLimiter(t, 1, 1)
	r := newRateLimitRouter(rl)

	if w := sendFrom(r, "10.0.0.2:1234"); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := sendFrom(r, "10.0.0.2:1234")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60 for one request per minute", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}

	// another client is unaffected
	if w := sendFrom(r, "10.0.0.3:1234"); w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
}

func TestRateLimiter_RetryAfterFromRefillRate(t *testing.T) {
	rl, clk := newTestLimiter(t, 30, 1) // one token every two seconds

	allow(rl, "client")
	clk.advance(500 * time.Millisecond)
	d := allow(rl, "client")
	if d.Allowed {
		t.Fatal("request allowed with an empty bucket")
	}
	if d.RetryAfter != 1500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 1.5s", d.RetryAfter)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{200 * time.Millisecond, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, tc := range cases {
		if got := retryAfterSeconds(tc.in); got != tc.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// failingLimiter simulates an unreachable shared limiter
type failingLimiter struct{}

func (failingLimiter) AllowN(context.Context, string, int) (Decision, error) {
	return Decision{}, errors.New("dial tcp 127.0.0.1:6379: connection refused")
}
func (failingLimiter) Limit() int { return 10 }

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	w := sendFrom(newRateLimitRouter(failingLimiter{}), "10.0.0.9:1234")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the limiter is unavailable", w.Code)
	}
}

func TestRateLimiter_AllowNChargesEveryToken(t *testing.T) {
	rl, clk := newTestLimiter(t, 60, 5)
	ctx := context.Background()

	d, _ := rl.AllowN(ctx, "client", 3)
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("AllowN(3) = %+v, want allowed with 2 remaining", d)
	}
	d, _ = rl.AllowN(ctx, "client", 3)
	if d.Allowed {
		t.Fatal("AllowN(3) allowed with 2 tokens left")
	}
	if d.Remaining != 2 {
		t.Errorf("denied charge consumed tokens: remaining = %d, want 2", d.Remaining)
	}
	if d.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want the one second the missing token takes", d.RetryAfter)
	}

	clk.advance(time.Second)
	if d, _ = rl.AllowN(ctx, "client", 3); !d.Allowed {
		t.Error("AllowN(3) denied after refill")
	}
}

func TestRateLimiter_AllowNClampsToBurst(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 4)
	ctx := context.Background()

	d, _ := rl.AllowN(ctx, "client", 50)
	if !d.Allowed {
		t.Fatal("charge above capacity never fits a full bucket")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want the bucket drained", d.Remaining)
	}
	if allow(rl, "client").Allowed {
		t.Error("request allowed after a draining charge")
	}
}

func TestEnforceRateLimit_ChargesCount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, _ := newTestLimiter(t, 60, 3)
	r := gin.New()
	r.POST("/batch", func(c *gin.Context) {
		if !EnforceRateLimit(c, rl, 2) {
			return
		}
		c.Status(http.StatusOK)
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/batch", nil)
		req.RemoteAddr = "10.0.0.7:5555"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := send()
	if w.Code != http.StatusOK {
		t.Fatalf("first batch status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("X-RateLimit-Remaining = %q, want 1", got)
	}
	w = send()
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second batch status = %d, want 429 with one token left", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
}
