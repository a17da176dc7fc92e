// Package memory implements an in-process storage backend for tests. It keeps
// objects in maps guarded by a mutex and signs URLs with a fake memory:// scheme.
//
// The constructor refuses to run outside a test environment so that a
// misconfigured deployment can never silently store uploads in RAM.
package memory

import (
	"bytes"
	"context"
	"crypto/md5" // #nosec G501 -- ETag emulation only
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appconfig "github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/pkg/checksum"
)

// testEnvironments are the runtime environments in which the backend may be built
var testEnvironments = map[string]bool{"test": true, "testing": true}

// IsTestEnvironment reports whether env unlocks the memory backend
func IsTestEnvironment(env string) bool {
	return testEnvironments[strings.ToLower(strings.TrimSpace(env))]
}

type object struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
	etag        string
}

// MemoryStorage implements storage.Service over in-memory maps
type MemoryStorage struct {
	mu              sync.RWMutex
	buckets         map[string]map[string]*object
	bucket          string
	thumbnailBucket string
	pipeline        *storage.Pipeline
	signSeq         atomic.Int64
}

// New creates a memory backend. runtimeEnv is the application environment and
// must be "test" or "testing".
func New(cfg *appconfig.MemoryStorageConfig, runtimeEnv string, pc storage.PipelineConfig) (*MemoryStorage, error) {
	if !IsTestEnvironment(runtimeEnv) {
		return nil, storage.NewError(storage.CategoryConfig, "init", storage.ProviderMemory, "",
			fmt.Sprintf("memory storage is only available in test environments (app.environment=%q)", runtimeEnv), nil)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "memory"
	}
	s := &MemoryStorage{
		buckets:         map[string]map[string]*object{bucket: {}},
		bucket:          bucket,
		thumbnailBucket: cfg.ThumbnailBucket,
	}
	if s.thumbnailBucket != "" {
		s.buckets[s.thumbnailBucket] = map[string]*object{}
	}

	pc.Provider = storage.ProviderMemory
	s.pipeline = storage.NewPipeline(pc, s)
	return s, nil
}

// Provider returns storage.ProviderMemory
func (s *MemoryStorage) Provider() storage.Provider { return storage.ProviderMemory }

func (s *MemoryStorage) bucketFor(key string) string {
	if s.thumbnailBucket != "" && storage.IsThumbnailPath(key) {
		return s.thumbnailBucket
	}
	return s.bucket
}

// PutObject stores a copy of data
func (s *MemoryStorage) PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return storage.NewError(storage.CategoryConnection, "put", storage.ProviderMemory, key, "context done", err)
	}
	buf := bytes.Clone(data)
	sum := md5.Sum(buf) // #nosec G401 -- ETag emulation only
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[s.bucketFor(key)][key] = &object{
		data:        buf,
		contentType: contentType,
		metadata:    meta,
		modified:    time.Now().UTC(),
		etag:        hex.EncodeToString(sum[:]),
	}
	return nil
}

func (s *MemoryStorage) get(key string) (*object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[s.bucketFor(key)][key]
	return obj, ok
}

func notFound(op, key string) error {
	return storage.NewError(storage.CategoryFileNotFound, op, storage.ProviderMemory, key, "file not found", nil)
}

// UploadFile stores file under a freshly minted key
func (s *MemoryStorage) UploadFile(ctx context.Context, file storage.File, opts storage.UploadOptions) (*storage.FileResult, error) {
	return s.pipeline.Upload(ctx, file, opts)
}

// DownloadFile returns a reader over a snapshot of the object
func (s *MemoryStorage) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	obj, ok := s.get(key)
	if !ok {
		return nil, notFound("download", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// DeleteFile removes key; absent keys are not an error
func (s *MemoryStorage) DeleteFile(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[s.bucketFor(key)], key)
	return nil
}

// FileExists reports whether key is stored
func (s *MemoryStorage) FileExists(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	_, ok := s.get(key)
	return ok, nil
}

// GetFileInfo returns the stored metadata of key
func (s *MemoryStorage) GetFileInfo(ctx context.Context, key string) (*storage.FileInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	obj, ok := s.get(key)
	if !ok {
		return nil, notFound("stat", key)
	}
	tags := storage.DecodeTags(obj.metadata)
	return &storage.FileInfo{
		FileKey:      key,
		Size:         int64(len(obj.data)),
		MimeType:     obj.contentType,
		LastModified: obj.modified,
		ETag:         obj.etag,
		Checksum:     tags[checksum.MetadataKey],
		Tags:         tags,
	}, nil
}

// GenerateTemporaryURL returns a fake signed URL. Each call yields a distinct
// signature so callers can tell a regenerated URL from a cached one.
func (s *MemoryStorage) GenerateTemporaryURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	if expiresIn <= 0 {
		return "", storage.NewError(storage.CategorySigning, "sign", storage.ProviderMemory, key, "expiry must be positive", nil)
	}
	q := url.Values{}
	q.Set("X-Expires", fmt.Sprintf("%d", int64(expiresIn/time.Second)))
	q.Set("X-Signature", fmt.Sprintf("%d", s.signSeq.Add(1)))
	return fmt.Sprintf("memory://%s/%s?%s", s.bucketFor(key), url.PathEscape(key), q.Encode()), nil
}

// ListObjects pages through the primary bucket in key order
func (s *MemoryStorage) ListObjects(ctx context.Context, opts storage.ListOptions) *storage.ObjectIterator {
	size := opts.EffectivePageSize()
	return storage.NewObjectIterator(ctx, func(ctx context.Context, cursor string) ([]storage.ObjectInfo, string, error) {
		s.mu.RLock()
		keys := make([]string, 0)
		for k := range s.buckets[s.bucket] {
			if strings.HasPrefix(k, opts.Prefix) && k > cursor {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		more := len(keys) > size
		if more {
			keys = keys[:size]
		}
		page := make([]storage.ObjectInfo, 0, len(keys))
		for _, k := range keys {
			obj := s.buckets[s.bucket][k]
			page = append(page, storage.ObjectInfo{Name: k, Size: int64(len(obj.data)), LastModified: obj.modified, ETag: obj.etag})
		}
		s.mu.RUnlock()

		next := ""
		if more {
			next = keys[len(keys)-1]
		}
		return page, next, nil
	})
}

// UploadBuffer writes data under key
func (s *MemoryStorage) UploadBuffer(ctx context.Context, data []byte, key string, metadata map[string]string) (*storage.BufferResult, error) {
	return s.pipeline.UploadBuffer(ctx, data, key, metadata)
}

// CreateThumbnail derives a thumbnail for an existing object
func (s *MemoryStorage) CreateThumbnail(ctx context.Context, key string, opts storage.ThumbnailOptions) (*storage.FileResult, error) {
	return s.pipeline.CreateThumbnail(ctx, s, key, opts)
}

// Len returns the number of stored objects across all buckets
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.buckets {
		n += len(b)
	}
	return n
}

var _ storage.Service = (*MemoryStorage)(nil)
