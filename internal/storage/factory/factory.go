// Package factory selects, builds and caches the process-wide storage backend.
//
// The provider named by storage.provider is built through a dispatch table
// that has exactly one builder per storage.Providers entry. Build failures
// follow a two-tier policy: classified storage errors (bad configuration,
// refused memory backend) propagate to the caller, while unclassified failures
// degrade to a default MinIO configuration so the process stays up.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/retry"
	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/internal/storage/aliyun"
	"github.com/content-service/content-service/internal/storage/memory"
	"github.com/content-service/content-service/internal/storage/minio"
	"github.com/content-service/content-service/internal/storage/s3"
	"github.com/content-service/content-service/internal/telemetry"
)

// Builder constructs one provider adapter from the full configuration
type Builder func(cfg *config.Config, pc storage.PipelineConfig) (storage.Service, error)

// Builders is the dispatch table, one entry per storage.Providers member
var Builders = map[storage.Provider]Builder{
	storage.ProviderMinio: func(cfg *config.Config, pc storage.PipelineConfig) (storage.Service, error) {
		return minio.New(&cfg.Storage.Minio, pc)
	},
	storage.ProviderAliyun: func(cfg *config.Config, pc storage.PipelineConfig) (storage.Service, error) {
		return aliyun.New(&cfg.Storage.Aliyun, pc)
	},
	storage.ProviderS3: func(cfg *config.Config, pc storage.PipelineConfig) (storage.Service, error) {
		return s3.New(&cfg.Storage.S3, pc)
	},
	storage.ProviderMemory: func(cfg *config.Config, pc storage.PipelineConfig) (storage.Service, error) {
		return memory.New(&cfg.Storage.Memory, cfg.App.Environment, pc)
	},
}

// FallbackMinioConfig is the backend used when the configured one cannot be
// built for an unclassified reason: a local MinIO with its stock credentials.
func FallbackMinioConfig() config.MinioStorageConfig {
	return config.MinioStorageConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "content",
	}
}

// bucketEnsurer is implemented by adapters that can create their buckets
type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// Loader supplies the configuration for each build
type Loader func() (*config.Config, error)

// Option customises a Factory
type Option func(*Factory)

// WithBuilder overrides the builder for one provider
func WithBuilder(p storage.Provider, b Builder) Option {
	return func(f *Factory) { f.builders[p] = b }
}

// WithoutInstrumentation disables the metrics decorator
func WithoutInstrumentation() Option {
	return func(f *Factory) { f.instrument = false }
}

// Factory owns the single live storage.Service of the process
type Factory struct {
	mu         sync.Mutex
	load       Loader
	builders   map[storage.Provider]Builder
	instrument bool

	instance storage.Service
	provider storage.Provider
	degraded bool
}

// New creates a factory that reads configuration through load on every build
func New(load Loader, opts ...Option) *Factory {
	f := &Factory{
		load:       load,
		builders:   make(map[storage.Provider]Builder, len(Builders)),
		instrument: true,
	}
	for p, b := range Builders {
		f.builders[p] = b
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Static returns a factory over a fixed configuration value
func Static(cfg *config.Config, opts ...Option) *Factory {
	return New(func() (*config.Config, error) { return cfg, nil }, opts...)
}

// Create returns the cached backend, building it on first use. Concurrent
// first calls build exactly one instance.
func (f *Factory) Create(ctx context.Context) (storage.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.instance != nil {
		return f.instance, nil
	}

	svc, degraded, err := f.build(ctx)
	if err != nil {
		return nil, err
	}
	if f.instrument {
		svc = Instrument(svc)
	}
	f.instance = svc
	f.provider = svc.Provider()
	f.degraded = degraded
	telemetry.StorageFactoryBuildsTotal.WithLabelValues(string(f.provider)).Inc()
	slog.Info("storage backend ready", "provider", f.provider, "degraded", degraded)
	return svc, nil
}

func (f *Factory) build(ctx context.Context) (storage.Service, bool, error) {
	cfg, err := f.load()
	if err != nil {
		return f.fallback(ctx, nil, fmt.Errorf("load storage configuration: %w", err))
	}

	provider, err := storage.ParseProvider(cfg.Storage.Provider)
	if err != nil {
		return nil, false, err
	}
	builder, ok := f.builders[provider]
	if !ok {
		return nil, false, storage.NewError(storage.CategoryConfig, "init", provider, "",
			"no builder registered for provider", nil)
	}

	svc, err := builder(cfg, PipelineConfig(cfg))
	if err != nil {
		if storage.IsClassified(err) {
			return nil, false, err
		}
		return f.fallback(ctx, cfg, err)
	}

	if err := ensureBucket(ctx, cfg, svc); err != nil {
		return nil, false, err
	}
	return withRetry(cfg, svc), false, nil
}

// fallback builds the default MinIO backend after an unclassified failure.
// cfg may be nil when the configuration itself could not be loaded.
func (f *Factory) fallback(ctx context.Context, cfg *config.Config, cause error) (storage.Service, bool, error) {
	slog.Error("storage backend build failed; falling back to default minio configuration",
		"error", cause)
	telemetry.StorageFactoryFallbacksTotal.Inc()

	fb := &config.Config{}
	if cfg != nil {
		fb.App = cfg.App
		fb.Storage.Environment = cfg.Storage.Environment
		fb.Storage.PathPrefix = cfg.Storage.PathPrefix
		fb.Storage.ProxyServingPath = cfg.Storage.ProxyServingPath
		fb.Storage.Retry = cfg.Storage.Retry
	}
	if fb.App.Environment == "" {
		fb.App.Environment = "development"
	}
	fb.Storage.Provider = string(storage.ProviderMinio)
	fb.Storage.Minio = FallbackMinioConfig()

	svc, err := minio.New(&fb.Storage.Minio, PipelineConfig(fb))
	if err != nil {
		return nil, false, fmt.Errorf("fallback storage backend: %w (original error: %v)", err, cause)
	}
	return withRetry(fb, svc), true, nil
}

// Current returns the cached backend without building one
func (f *Factory) Current() storage.Service {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instance
}

// GetStorageProvider returns the configured provider without forcing a build.
// Once built, it reports the provider actually in use, which differs from the
// configuration after a fallback.
func (f *Factory) GetStorageProvider() storage.Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.instance != nil {
		return f.provider
	}
	cfg, err := f.load()
	if err != nil {
		return storage.ProviderMinio
	}
	p, err := storage.ParseProvider(cfg.Storage.Provider)
	if err != nil {
		return storage.ProviderMinio
	}
	return p
}

// Degraded reports whether the live backend is the fallback
func (f *Factory) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// Reset drops the cached backend; the next Create rebuilds it
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instance = nil
	f.provider = ""
	f.degraded = false
}

// SetLoader swaps the configuration source, e.g. after a config file reload.
// The cached backend is kept until Reset.
func (f *Factory) SetLoader(load Loader) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.load = load
}

// PipelineConfig derives the upload pipeline defaults from cfg
func PipelineConfig(cfg *config.Config) storage.PipelineConfig {
	return storage.PipelineConfig{
		Environment: cfg.KeyEnvironment(),
		PathPrefix:  cfg.Storage.PathPrefix,
		URLs:        storage.NewProxyTranslator(cfg.Storage.ProxyServingPath),
	}
}

// RetryConfig maps the storage.retry section onto the executor's config
func RetryConfig(rc config.RetryConfig) retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxAttempts,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.Multiplier,
		AddJitter:    rc.Jitter,
	}
}

func withRetry(cfg *config.Config, svc storage.Service) storage.Service {
	if !cfg.Storage.Retry.Enabled {
		return svc
	}
	return storage.WithRetry(svc, RetryConfig(cfg.Storage.Retry))
}

func ensureBucket(ctx context.Context, cfg *config.Config, svc storage.Service) error {
	var auto bool
	switch svc.Provider() {
	case storage.ProviderMinio:
		auto = cfg.Storage.Minio.AutoCreateBucket
	case storage.ProviderS3:
		auto = cfg.Storage.S3.AutoCreateBucket
	}
	if !auto {
		return nil
	}
	be, ok := svc.(bucketEnsurer)
	if !ok {
		return nil
	}
	return be.EnsureBucket(ctx)
}
