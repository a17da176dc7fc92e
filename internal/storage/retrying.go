package storage

import (
	"context"
	"io"
	"time"

	"github.com/content-service/content-service/internal/retry"
)

// WithRetry decorates svc so that each call is re-attempted with backoff.
// Configuration, invalid-file, not-found and permission failures are final and
// return after the first attempt; every other failure is retried. Uploads are
// safe to repeat because UploadFile mints a new key per attempt, at the cost of
// a possible orphaned object after a partial success. ListObjects is passed
// through untouched.
func WithRetry(svc Service, cfg retry.Config) Service {
	if r, ok := svc.(*retryingService); ok {
		svc = r.Service
	}
	return &retryingService{Service: svc, cfg: cfg}
}

// Unwrap returns the service beneath any retry decorator
func Unwrap(svc Service) Service {
	if r, ok := svc.(*retryingService); ok {
		return r.Service
	}
	return svc
}

type retryingService struct {
	Service
	cfg retry.Config
}

func (r *retryingService) UploadFile(ctx context.Context, file File, opts UploadOptions) (*FileResult, error) {
	return retry.DoWithResult(ctx, r.cfg, func() (*FileResult, error) {
		v, err := r.Service.UploadFile(ctx, file, opts)
		return v, final(err)
	})
}

func (r *retryingService) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	return retry.DoWithResult(ctx, r.cfg, func() (io.ReadCloser, error) {
		v, err := r.Service.DownloadFile(ctx, key)
		return v, final(err)
	})
}

func (r *retryingService) DeleteFile(ctx context.Context, key string) error {
	return retry.Do(ctx, r.cfg, func() error {
		return final(r.Service.DeleteFile(ctx, key))
	})
}

func (r *retryingService) FileExists(ctx context.Context, key string) (bool, error) {
	return retry.DoWithResult(ctx, r.cfg, func() (bool, error) {
		v, err := r.Service.FileExists(ctx, key)
		return v, final(err)
	})
}

func (r *retryingService) GetFileInfo(ctx context.Context, key string) (*FileInfo, error) {
	return retry.DoWithResult(ctx, r.cfg, func() (*FileInfo, error) {
		v, err := r.Service.GetFileInfo(ctx, key)
		return v, final(err)
	})
}

func (r *retryingService) GenerateTemporaryURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	return retry.DoWithResult(ctx, r.cfg, func() (string, error) {
		v, err := r.Service.GenerateTemporaryURL(ctx, key, expiresIn)
		return v, final(err)
	})
}

func (r *retryingService) UploadBuffer(ctx context.Context, data []byte, key string, metadata map[string]string) (*BufferResult, error) {
	return retry.DoWithResult(ctx, r.cfg, func() (*BufferResult, error) {
		v, err := r.Service.UploadBuffer(ctx, data, key, metadata)
		return v, final(err)
	})
}

func (r *retryingService) CreateThumbnail(ctx context.Context, key string, opts ThumbnailOptions) (*FileResult, error) {
	return retry.DoWithResult(ctx, r.cfg, func() (*FileResult, error) {
		v, err := r.Service.CreateThumbnail(ctx, key, opts)
		return v, final(err)
	})
}

// final stops the backoff for failures that a repeat cannot fix
func final(err error) error {
	switch CategoryOf(err) {
	case CategoryConfig, CategoryInvalidFile, CategoryFileNotFound, CategoryPermission:
		return retry.NonRetryable(err)
	}
	return err
}
