package factory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/internal/storage/memory"
	"github.com/content-service/content-service/internal/telemetry"
)

func memoryConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.Environment = "test"
	cfg.Storage.Provider = "memory"
	return cfg
}

func mustCreate(t *testing.T, f *Factory) storage.Service {
	t.Helper()
	svc, err := f.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return svc
}

// ---------------------------------------------------------------------------
// Dispatch table
// ---------------------------------------------------------------------------

func TestBuilders_CoverEveryProvider(t *testing.T) {
	for _, p := range storage.Providers {
		if _, ok := Builders[p]; !ok {
			t.Errorf("no builder for %s", p)
		}
	}
	if len(Builders) != len(storage.Providers) {
		t.Errorf("len(Builders) = %d, want %d", len(Builders), len(storage.Providers))
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_ReturnsSingleton(t *testing.T) {
	f := Static(memoryConfig())
	a := mustCreate(t, f)
	b := mustCreate(t, f)

	if a != b {
		t.Error("Create() returned two different instances")
	}
	if a.Provider() != storage.ProviderMemory {
		t.Errorf("Provider() = %q, want memory", a.Provider())
	}
	if f.Degraded() {
		t.Error("Degraded() = true, want false")
	}
}

func TestCreate_ConcurrentFirstCallsBuildOnce(t *testing.T) {
	var builds atomic.Int32
	f := Static(memoryConfig(), WithBuilder(storage.ProviderMemory,
		func(cfg *config.Config, pc storage.PipelineConfig) (storage.Service, error) {
			builds.Add(1)
			time.Sleep(10 * time.Millisecond)
			return memory.New(&cfg.Storage.Memory, cfg.App.Environment, pc)
		}))

	var wg sync.WaitGroup
	results := make([]storage.Service, 16)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.Create(context.Background())
		}(i)
	}
	wg.Wait()

	if n := builds.Load(); n != 1 {
		t.Errorf("builds = %d, want 1", n)
	}
	for i, svc := range results {
		if errs[i] != nil {
			t.Errorf("caller %d: Create() error: %v", i, errs[i])
		}
		if svc != results[0] {
			t.Errorf("caller %d got a different instance", i)
		}
	}
}

func TestCreate_MemoryGatePropagates(t *testing.T) {
	cfg := memoryConfig()
	cfg.App.Environment = "production"
	f := Static(cfg)

	svc, err := f.Create(context.Background())
	if svc != nil {
		t.Errorf("Create() service = %v, want nil", svc)
	}
	if !errors.Is(err, storage.ErrConfig) {
		t.Fatalf("Create() error = %v, want config error", err)
	}
	if f.Current() != nil {
		t.Error("Current() should stay nil after a failed build")
	}
}

func TestCreate_ClassifiedConfigErrorPropagates(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Provider = "minio"
	cfg.Storage.Minio = config.MinioStorageConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"}

	before := testutil.ToFloat64(telemetry.StorageFactoryFallbacksTotal)
	_, err := Static(cfg).Create(context.Background())
	if !errors.Is(err, storage.ErrConfig) {
		t.Fatalf("Create() error = %v, want config error", err)
	}
	if !strings.Contains(err.Error(), "bucket") {
		t.Errorf("error %q does not mention the bucket", err)
	}
	if after := testutil.ToFloat64(telemetry.StorageFactoryFallbacksTotal); after != before {
		t.Errorf("fallbacks counter moved from %v to %v", before, after)
	}
}

func TestCreate_UnknownProviderIsConfigError(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Provider = "ftp"
	if _, err := Static(cfg).Create(context.Background()); !errors.Is(err, storage.ErrConfig) {
		t.Errorf("Create() error = %v, want config error", err)
	}
}

func TestCreate_UnclassifiedBuildErrorFallsBack(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.PathPrefix = "tenant"
	f := Static(cfg, WithBuilder(storage.ProviderMemory,
		func(*config.Config, storage.PipelineConfig) (storage.Service, error) {
			return nil, errors.New("sdk exploded")
		}))

	before := testutil.ToFloat64(telemetry.StorageFactoryFallbacksTotal)
	svc := mustCreate(t, f)

	if svc.Provider() != storage.ProviderMinio {
		t.Errorf("Provider() = %q, want minio fallback", svc.Provider())
	}
	if !f.Degraded() {
		t.Error("Degraded() = false, want true")
	}
	if f.GetStorageProvider() != storage.ProviderMinio {
		t.Errorf("GetStorageProvider() = %q, want minio", f.GetStorageProvider())
	}
	if after := testutil.ToFloat64(telemetry.StorageFactoryFallbacksTotal); after != before+1 {
		t.Errorf("fallbacks counter = %v, want %v", after, before+1)
	}
}

func TestCreate_LoaderFailureFallsBack(t *testing.T) {
	f := New(func() (*config.Config, error) { return nil, errors.New("config file unreadable") })
	svc := mustCreate(t, f)
	if svc.Provider() != storage.ProviderMinio {
		t.Errorf("Provider() = %q, want minio fallback", svc.Provider())
	}
	if !f.Degraded() {
		t.Error("Degraded() = false, want true")
	}
}

func TestCreate_RetryEnabledWrapsService(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Retry = config.RetryConfig{Enabled: true, MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2}

	svc := mustCreate(t, Static(cfg, WithoutInstrumentation()))
	if svc == storage.Unwrap(svc) {
		t.Error("service is not wrapped with retry")
	}
	if _, ok := storage.Unwrap(svc).(*memory.MemoryStorage); !ok {
		t.Errorf("Unwrap() = %T, want *memory.MemoryStorage", storage.Unwrap(svc))
	}
}

func TestCreate_RetryReturnsFinalErrorsWithoutBackoff(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Retry = config.RetryConfig{Enabled: true, MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	svc := mustCreate(t, Static(cfg))
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"missing key", func() error {
			_, err := svc.GetFileInfo(ctx, "test/private/common/missing.bin")
			return err
		}, storage.ErrFileNotFound},
		{"traversal key", func() error {
			return svc.DeleteFile(ctx, "test/private/../etc/passwd")
		}, storage.ErrConfig},
		{"empty upload", func() error {
			_, err := svc.UploadFile(ctx, storage.File{OriginalName: "empty.txt", MimeType: "text/plain"}, storage.UploadOptions{})
			return err
		}, storage.ErrInvalidFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			err := tt.call()
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if strings.Contains(err.Error(), "attempts") {
				t.Errorf("error %q was retried", err)
			}
			if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
				t.Errorf("call took %v, want a single attempt", elapsed)
			}
		})
	}
}

func TestCreate_InstrumentationRecordsOperations(t *testing.T) {
	svc := mustCreate(t, Static(memoryConfig()))

	counter := telemetry.StorageOperationsTotal.WithLabelValues("memory", "download", "file_not_found")
	before := testutil.ToFloat64(counter)
	_, err := svc.DownloadFile(context.Background(), "test/private/common/missing.bin")
	if !errors.Is(err, storage.ErrFileNotFound) {
		t.Fatalf("DownloadFile() error = %v, want not found", err)
	}
	if after := testutil.ToFloat64(counter); after != before+1 {
		t.Errorf("operations counter = %v, want %v", after, before+1)
	}
}

// ---------------------------------------------------------------------------
// GetStorageProvider / Reset / SetLoader
// ---------------------------------------------------------------------------

func TestGetStorageProvider_DoesNotBuild(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Provider = "Aliyun"
	f := Static(cfg)

	if f.GetStorageProvider() != storage.ProviderAliyun {
		t.Errorf("GetStorageProvider() = %q, want aliyun", f.GetStorageProvider())
	}
	if f.Current() != nil {
		t.Error("GetStorageProvider() built the backend")
	}
}

func TestReset_ForcesRebuild(t *testing.T) {
	f := Static(memoryConfig())
	a := mustCreate(t, f)

	f.Reset()
	if f.Current() != nil {
		t.Error("Current() after Reset() should be nil")
	}

	if b := mustCreate(t, f); a == b {
		t.Error("Create() after Reset() returned the old instance")
	}
}

func TestSetLoader_AppliesAfterReset(t *testing.T) {
	f := Static(memoryConfig())
	mustCreate(t, f)

	next := &config.Config{}
	next.Storage.Provider = "minio"
	next.Storage.Minio = config.MinioStorageConfig{Endpoint: "minio.internal:9000", AccessKey: "a", SecretKey: "b", Bucket: "media"}
	f.SetLoader(func() (*config.Config, error) { return next, nil })

	if f.GetStorageProvider() != storage.ProviderMemory {
		t.Errorf("GetStorageProvider() before Reset = %q, want memory", f.GetStorageProvider())
	}
	f.Reset()
	svc := mustCreate(t, f)
	if svc.Provider() != storage.ProviderMinio {
		t.Errorf("Provider() = %q, want minio", svc.Provider())
	}
	if f.Degraded() {
		t.Error("Degraded() = true, want false")
	}
}

func TestPipelineConfig_UsesKeyEnvironment(t *testing.T) {
	cfg := &config.Config{}
	cfg.App.Environment = "production"
	cfg.Storage.Environment = "prod"
	cfg.Storage.PathPrefix = "cms"
	cfg.Storage.ProxyServingPath = "https://cdn.example.com/files/"

	pc := PipelineConfig(cfg)
	if pc.Environment != "prod" {
		t.Errorf("Environment = %q, want prod", pc.Environment)
	}
	if pc.PathPrefix != "cms" {
		t.Errorf("PathPrefix = %q, want cms", pc.PathPrefix)
	}
	if got := pc.URLs.ServingPath(); got != "https://cdn.example.com/files" {
		t.Errorf("ServingPath() = %q", got)
	}
}
