package factory

import (
	"context"
	"io"
	"time"

	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/internal/telemetry"
)

// Instrument decorates svc so every call is counted and timed in the
// storage_operations metrics. ListObjects is passed through untouched.
func Instrument(svc storage.Service) storage.Service {
	if _, ok := svc.(*instrumented); ok {
		return svc
	}
	return &instrumented{Service: svc, provider: string(svc.Provider())}
}

type instrumented struct {
	storage.Service
	provider string
}

func (s *instrumented) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(storage.CategoryOf(err))
		if result == "" {
			result = string(storage.CategoryUnknown)
		}
	}
	telemetry.ObserveStorageOp(s.provider, op, result, start)
}

func (s *instrumented) UploadFile(ctx context.Context, file storage.File, opts storage.UploadOptions) (*storage.FileResult, error) {
	start := time.Now()
	res, err := s.Service.UploadFile(ctx, file, opts)
	s.observe("upload", start, err)
	return res, err
}

func (s *instrumented) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.Service.DownloadFile(ctx, key)
	s.observe("download", start, err)
	return rc, err
}

func (s *instrumented) DeleteFile(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Service.DeleteFile(ctx, key)
	s.observe("delete", start, err)
	return err
}

func (s *instrumented) FileExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := s.Service.FileExists(ctx, key)
	s.observe("exists", start, err)
	return ok, err
}

func (s *instrumented) GetFileInfo(ctx context.Context, key string) (*storage.FileInfo, error) {
	start := time.Now()
	info, err := s.Service.GetFileInfo(ctx, key)
	s.observe("stat", start, err)
	return info, err
}

func (s *instrumented) GenerateTemporaryURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	start := time.Now()
	u, err := s.Service.GenerateTemporaryURL(ctx, key, expiresIn)
	s.observe("sign", start, err)
	return u, err
}

func (s *instrumented) UploadBuffer(ctx context.Context, data []byte, key string, metadata map[string]string) (*storage.BufferResult, error) {
	start := time.Now()
	res, err := s.Service.UploadBuffer(ctx, data, key, metadata)
	s.observe("upload_buffer", start, err)
	return res, err
}

func (s *instrumented) CreateThumbnail(ctx context.Context, key string, opts storage.ThumbnailOptions) (*storage.FileResult, error) {
	start := time.Now()
	res, err := s.Service.CreateThumbnail(ctx, key, opts)
	s.observe("create_thumbnail", start, err)
	return res, err
}
