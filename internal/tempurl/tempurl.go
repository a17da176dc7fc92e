// Package tempurl issues provider-signed, time-limited download URLs and caches
// them.
//
// Entries are keyed by provider:fileKey:expiresInSeconds and served until
// expiresIn minus a safety buffer (5 minutes by default) has elapsed, so a
// cached URL always has at least the buffer left on its real signature. When
// expiresIn does not exceed the buffer nothing is cached and every call signs
// afresh. A URL is never signed for an object that does not exist.
package tempurl

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/internal/telemetry"
)

// Defaults applied when the configuration leaves a field unset
const (
	DefaultExpiresIn    = time.Hour
	DefaultMaxEntries   = 1000
	DefaultSafetyBuffer = 5 * time.Minute
	batchConcurrency    = 8
	// signTimeout bounds a shared signature, which no longer follows any one
	// caller's context
	signTimeout = 30 * time.Second
)

// Backend yields the active storage adapter; *factory.Factory satisfies it
type Backend interface {
	Create(ctx context.Context) (storage.Service, error)
}

// Options for one request. Provider is advisory: the active backend always
// signs, and a mismatch is only logged.
type Options struct {
	Provider  storage.Provider `json:"provider,omitempty"`
	ExpiresIn time.Duration    `json:"expiresIn,omitempty"`
}

// Result is an issued temporary URL
type Result struct {
	FileKey   string           `json:"fileKey"`
	URL       string           `json:"url"`
	Provider  storage.Provider `json:"provider"`
	ExpiresAt time.Time        `json:"expiresAt"`
	ExpiresIn time.Duration    `json:"expiresIn"`
	Cached    bool             `json:"cached"`
}

// BatchResult is the outcome for one key of GenerateTemporaryURLs
type BatchResult struct {
	FileKey string
	Result  *Result
	Err     error
}

// Stats is a snapshot of cache effectiveness
type Stats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"maxEntries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	SharedHits int64   `json:"sharedHits"`
	HitRate    float64 `json:"hitRate"`
}

// Service issues and caches temporary URLs
type Service struct {
	backend          Backend
	cache            *cache
	shared           SharedCache
	group            singleflight.Group
	maxEntries       int
	defaultExpiresIn time.Duration
	safetyBuffer     time.Duration
	now              func() time.Time

	hits       atomic.Int64
	misses     atomic.Int64
	sharedHits atomic.Int64
}

// Option customises a Service
type Option func(*Service)

// WithSharedCache adds a cross-replica cache tier
func WithSharedCache(sc SharedCache) Option {
	return func(s *Service) { s.shared = sc }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service over backend using the storage.temp_url settings
func New(backend Backend, cfg config.TempURLConfig, opts ...Option) *Service {
	s := &Service{
		backend:          backend,
		maxEntries:       cfg.MaxEntries,
		defaultExpiresIn: cfg.DefaultExpiresIn,
		safetyBuffer:     cfg.SafetyBuffer,
		now:              time.Now,
	}
	if s.maxEntries <= 0 {
		s.maxEntries = DefaultMaxEntries
	}
	if s.defaultExpiresIn <= 0 {
		s.defaultExpiresIn = DefaultExpiresIn
	}
	if s.safetyBuffer <= 0 {
		s.safetyBuffer = DefaultSafetyBuffer
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = newCache(s.maxEntries)
	return s
}

// CacheTTL is how long a URL signed for expiresIn may be served from cache.
// Zero means it must not be cached.
func (s *Service) CacheTTL(expiresIn time.Duration) time.Duration {
	return max(expiresIn-s.safetyBuffer, 0)
}

// GenerateTemporaryURL returns a signed GET URL for key
func (s *Service) GenerateTemporaryURL(ctx context.Context, key string, opts Options) (*Result, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	expiresIn := opts.ExpiresIn
	if expiresIn == 0 {
		expiresIn = s.defaultExpiresIn
	}
	// Cache keys carry whole seconds, so a fraction would share another expiry's entry
	if expiresIn < time.Second || expiresIn%time.Second != 0 {
		return nil, storage.NewError(storage.CategoryConfig, "temporary_url", opts.Provider, key,
			fmt.Sprintf("expiresIn must be a whole number of seconds, at least one, got %s", expiresIn), nil)
	}

	svc, err := s.backend.Create(ctx)
	if err != nil {
		return nil, err
	}
	provider := svc.Provider()
	if opts.Provider != "" && opts.Provider != provider {
		slog.Warn("temporary url requested for a provider other than the active one; using the active provider",
			"requested", opts.Provider, "active", provider, "key", key)
		telemetry.TempURLProviderOverridesTotal.WithLabelValues(string(opts.Provider)).Inc()
	}

	cacheKey := CacheKey(provider, key, expiresIn)
	if e, ok := s.cache.get(cacheKey, s.now()); ok {
		s.hits.Add(1)
		telemetry.TempURLCacheRequestsTotal.WithLabelValues("hit").Inc()
		return resultFrom(e, true), nil
	}

	if e := s.sharedGet(ctx, cacheKey); e != nil {
		s.sharedHits.Add(1)
		telemetry.TempURLCacheRequestsTotal.WithLabelValues("shared_hit").Inc()
		s.cache.add(e)
		return resultFrom(e, true), nil
	}

	s.misses.Add(1)
	telemetry.TempURLCacheRequestsTotal.WithLabelValues("miss").Inc()

	// Concurrent misses on one cache key share a single signature. It runs
	// detached from the first caller so that caller leaving does not fail the
	// others; each caller still stops waiting when its own context ends.
	ch := s.group.DoChan(cacheKey, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), signTimeout)
		defer cancel()
		return s.sign(sctx, svc, key, cacheKey, expiresIn)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return resultFrom(r.Val.(*Entry), false), nil
	}
}

func (s *Service) sign(ctx context.Context, svc storage.Service, key, cacheKey string, expiresIn time.Duration) (*Entry, error) {
	provider := svc.Provider()
	exists, err := svc.FileExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, storage.NewError(storage.CategoryFileNotFound, "temporary_url", provider, key, "file not found", nil)
	}

	u, err := svc.GenerateTemporaryURL(ctx, key, expiresIn)
	if err != nil {
		return nil, storage.Classify(err, storage.CategorySigning, "temporary_url", provider, key)
	}
	telemetry.TempURLIssuedTotal.WithLabelValues(string(provider)).Inc()

	now := s.now()
	ttl := s.CacheTTL(expiresIn)
	e := &Entry{
		CacheKey:  cacheKey,
		FileKey:   key,
		Provider:  provider,
		URL:       u,
		ExpiresAt: now.Add(expiresIn),
		ExpiresIn: expiresIn,
		StaleAt:   now.Add(ttl),
	}
	if ttl <= 0 {
		return e, nil
	}
	s.cache.add(e)
	if s.shared != nil {
		if err := s.shared.Set(ctx, e, ttl); err != nil {
			slog.Warn("shared temporary url cache write failed", "key", key, "error", err)
		}
	}
	return e, nil
}

func (s *Service) sharedGet(ctx context.Context, cacheKey string) *Entry {
	if s.shared == nil {
		return nil
	}
	e, ok, err := s.shared.Get(ctx, cacheKey)
	if err != nil {
		slog.Warn("shared temporary url cache read failed", "cache_key", cacheKey, "error", err)
		return nil
	}
	if !ok || !s.now().Before(e.StaleAt) {
		return nil
	}
	return e
}

// GenerateTemporaryURLs signs keys concurrently. Failures are reported per key
// and never abort the batch; results keep the order of keys.
func (s *Service) GenerateTemporaryURLs(ctx context.Context, keys []string, opts Options) []BatchResult {
	out := make([]BatchResult, len(keys))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			res, err := s.GenerateTemporaryURL(ctx, key, opts)
			out[i] = BatchResult{FileKey: key, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ClearCache drops the cached URLs of key, limited to provider when set.
// It returns the number of process-cache entries removed.
func (s *Service) ClearCache(ctx context.Context, key string, provider storage.Provider) int {
	n := s.cache.removeFileKey(key, provider)
	if s.shared != nil {
		if err := s.shared.Delete(ctx, key, provider); err != nil {
			slog.Warn("shared temporary url cache delete failed", "key", key, "error", err)
		}
	}
	return n
}

// ClearProvider drops every cached URL signed by provider from both tiers.
// It returns the number of process-cache entries removed.
func (s *Service) ClearProvider(ctx context.Context, provider storage.Provider) int {
	n := s.cache.removeProvider(provider)
	if s.shared != nil {
		if err := s.shared.DeleteProvider(ctx, provider); err != nil {
			slog.Warn("shared temporary url cache delete failed", "provider", provider, "error", err)
		}
	}
	return n
}

// ClearAllCache empties both cache tiers and returns the process-cache entry count removed
func (s *Service) ClearAllCache(ctx context.Context) int {
	n := s.cache.purge()
	if s.shared != nil {
		if err := s.shared.Clear(ctx); err != nil {
			slog.Warn("shared temporary url cache clear failed", "error", err)
		}
	}
	slog.Info("temporary url cache cleared", "entries", n)
	return n
}

// Stats reports cache size and hit rate
func (s *Service) Stats() Stats {
	st := Stats{
		Entries:    s.cache.len(),
		MaxEntries: s.maxEntries,
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		SharedHits: s.sharedHits.Load(),
	}
	if total := st.Hits + st.SharedHits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits+st.SharedHits) / float64(total)
	}
	return st
}

// Close releases the shared cache connection
func (s *Service) Close() error {
	if s.shared != nil {
		return s.shared.Close()
	}
	return nil
}

func resultFrom(e *Entry, cached bool) *Result {
	return &Result{
		FileKey:   e.FileKey,
		URL:       e.URL,
		Provider:  e.Provider,
		ExpiresAt: e.ExpiresAt,
		ExpiresIn: e.ExpiresIn,
		Cached:    cached,
	}
}
