// Package minio implements the MinIO storage backend on minio-go. Originals are
// written to the configured bucket and thumbnails to a dedicated bucket when
// one is set. Signed URLs may be rewritten onto a custom domain that fronts the
// cluster, so clients never see the internal endpoint.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	appconfig "github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/pkg/checksum"
)

// MaxPresignExpiry is the longest expiry S3 signature v4 allows
const MaxPresignExpiry = 7 * 24 * time.Hour

// MinioStorage implements storage.Service for MinIO and other S3-compatible
// servers reachable through minio-go
type MinioStorage struct {
	client          *minio.Client
	bucket          string
	thumbnailBucket string
	region          string
	customDomain    *url.URL
	pipeline        *storage.Pipeline
}

// New creates a MinIO backend. No request is made until the first operation.
func New(cfg *appconfig.MinioStorageConfig, pc storage.PipelineConfig) (*MinioStorage, error) {
	if cfg.Endpoint == "" {
		return nil, configError("minio endpoint is required", nil)
	}
	if cfg.Bucket == "" {
		return nil, configError("minio bucket name is required", nil)
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, configError("minio access_key and secret_key are required", nil)
	}

	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, configError(fmt.Sprintf("invalid minio endpoint %q", cfg.Endpoint), err)
	}

	s := &MinioStorage{
		client:          client,
		bucket:          cfg.Bucket,
		thumbnailBucket: cfg.ThumbnailBucket,
		region:          cfg.Region,
	}
	if cfg.CustomDomain != "" {
		s.customDomain, err = parseDomain(cfg.CustomDomain)
		if err != nil {
			return nil, configError(fmt.Sprintf("invalid minio custom_domain %q", cfg.CustomDomain), err)
		}
	}

	pc.Provider = storage.ProviderMinio
	s.pipeline = storage.NewPipeline(pc, s)
	return s, nil
}

// splitEndpoint accepts host:port or a full URL. A URL scheme overrides useSSL.
func splitEndpoint(endpoint string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimRight(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimRight(strings.TrimPrefix(endpoint, "http://"), "/"), false
	}
	return strings.TrimRight(endpoint, "/"), useSSL
}

func parseDomain(d string) (*url.URL, error) {
	if !strings.Contains(d, "://") {
		d = "https://" + d
	}
	u, err := url.Parse(d)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// Provider returns storage.ProviderMinio
func (s *MinioStorage) Provider() storage.Provider { return storage.ProviderMinio }

func (s *MinioStorage) bucketFor(key string) string {
	if s.thumbnailBucket != "" && storage.IsThumbnailPath(key) {
		return s.thumbnailBucket
	}
	return s.bucket
}

// EnsureBucket creates the primary and thumbnail buckets if they don't exist
func (s *MinioStorage) EnsureBucket(ctx context.Context) error {
	buckets := []string{s.bucket}
	if s.thumbnailBucket != "" && s.thumbnailBucket != s.bucket {
		buckets = append(buckets, s.thumbnailBucket)
	}
	for _, b := range buckets {
		exists, err := s.client.BucketExists(ctx, b)
		if err != nil {
			return classify(err, storage.CategoryBucket, "ensure_bucket", b)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, b, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return classify(err, storage.CategoryBucket, "ensure_bucket", b)
		}
	}
	return nil
}

// PutObject writes data to the bucket owning key
func (s *MinioStorage) PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, s.bucketFor(key), key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return classify(err, storage.CategoryUpload, "put", key)
	}
	return nil
}

// UploadFile stores file under a freshly minted key
func (s *MinioStorage) UploadFile(ctx context.Context, file storage.File, opts storage.UploadOptions) (*storage.FileResult, error) {
	return s.pipeline.Upload(ctx, file, opts)
}

// UploadBuffer writes data under key
func (s *MinioStorage) UploadBuffer(ctx context.Context, data []byte, key string, metadata map[string]string) (*storage.BufferResult, error) {
	return s.pipeline.UploadBuffer(ctx, data, key, metadata)
}

// CreateThumbnail derives a thumbnail for an existing object
func (s *MinioStorage) CreateThumbnail(ctx context.Context, key string, opts storage.ThumbnailOptions) (*storage.FileResult, error) {
	return s.pipeline.CreateThumbnail(ctx, s, key, opts)
}

// DownloadFile streams an object. The first response is awaited so that a
// missing key surfaces here rather than on the first Read.
func (s *MinioStorage) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucketFor(key), key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err, storage.CategoryDownload, "download", key)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classify(err, storage.CategoryDownload, "download", key)
	}
	return obj, nil
}

// DeleteFile removes key. S3 semantics make deleting an absent key a no-op.
func (s *MinioStorage) DeleteFile(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	err := s.client.RemoveObject(ctx, s.bucketFor(key), key, minio.RemoveObjectOptions{})
	if err != nil {
		err = classify(err, storage.CategoryDelete, "delete", key)
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// FileExists stats key
func (s *MinioStorage) FileExists(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	_, err := s.client.StatObject(ctx, s.bucketFor(key), key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	err = classify(err, storage.CategoryConnection, "exists", key)
	if storage.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// GetFileInfo stats key and decodes its user metadata
func (s *MinioStorage) GetFileInfo(ctx context.Context, key string) (*storage.FileInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	info, err := s.client.StatObject(ctx, s.bucketFor(key), key, minio.StatObjectOptions{})
	if err != nil {
		return nil, classify(err, storage.CategoryDownload, "stat", key)
	}
	tags := storage.DecodeTags(info.UserMetadata)
	return &storage.FileInfo{
		FileKey:      key,
		Size:         info.Size,
		MimeType:     info.ContentType,
		LastModified: info.LastModified,
		ETag:         strings.Trim(info.ETag, `"`),
		Checksum:     tags[checksum.MetadataKey],
		Tags:         tags,
	}, nil
}

// GenerateTemporaryURL presigns a GET for key after confirming it exists
func (s *MinioStorage) GenerateTemporaryURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	if expiresIn < time.Second || expiresIn > MaxPresignExpiry {
		return "", storage.NewError(storage.CategorySigning, "sign", storage.ProviderMinio, key,
			fmt.Sprintf("expiry %s must be between 1s and %s", expiresIn, MaxPresignExpiry), nil)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucketFor(key), key, expiresIn, nil)
	if err != nil {
		return "", classify(err, storage.CategorySigning, "sign", key)
	}
	if s.customDomain != nil {
		u.Scheme = s.customDomain.Scheme
		u.Host = s.customDomain.Host
		if s.customDomain.Path != "" {
			u.Path = s.customDomain.Path + u.Path
			u.RawPath = ""
		}
	}
	return u.String(), nil
}

// ListObjects pages through the primary bucket. Each page runs its own
// minio-go listing bounded by StartAfter and abandoned once the page is full.
func (s *MinioStorage) ListObjects(ctx context.Context, opts storage.ListOptions) *storage.ObjectIterator {
	size := opts.EffectivePageSize()
	return storage.NewObjectIterator(ctx, func(ctx context.Context, cursor string) ([]storage.ObjectInfo, string, error) {
		pctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch := s.client.ListObjects(pctx, s.bucket, minio.ListObjectsOptions{
			Prefix:     opts.Prefix,
			Recursive:  opts.Recursive,
			StartAfter: cursor,
			MaxKeys:    size,
		})
		page := make([]storage.ObjectInfo, 0, size)
		for obj := range ch {
			if obj.Err != nil {
				return nil, "", classify(obj.Err, storage.CategoryBucket, "list", opts.Prefix)
			}
			page = append(page, storage.ObjectInfo{
				Name:         obj.Key,
				Size:         obj.Size,
				LastModified: obj.LastModified,
				ETag:         strings.Trim(obj.ETag, `"`),
			})
			if len(page) == size {
				break
			}
		}
		next := ""
		if len(page) == size {
			next = page[len(page)-1].Name
		}
		return page, next, nil
	})
}

// classify maps a minio-go error onto the storage taxonomy
func classify(err error, fallback storage.Category, op, key string) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	cat := fallback
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NotFound":
		cat = storage.CategoryFileNotFound
	case resp.Code == "NoSuchBucket":
		cat = storage.CategoryBucket
	case resp.Code == "AccessDenied" || resp.Code == "InvalidAccessKeyId" ||
		resp.Code == "SignatureDoesNotMatch" || resp.StatusCode == http.StatusForbidden:
		cat = storage.CategoryPermission
	case resp.StatusCode == http.StatusNotFound:
		cat = storage.CategoryFileNotFound
	case resp.StatusCode >= http.StatusInternalServerError, storage.IsTransport(err):
		cat = storage.CategoryConnection
	}
	msg := resp.Message
	if msg == "" {
		msg = op + " failed"
	}
	return storage.NewError(cat, op, storage.ProviderMinio, key, msg, err)
}

func configError(msg string, cause error) error {
	return storage.NewError(storage.CategoryConfig, "init", storage.ProviderMinio, "", msg, cause)
}

var _ storage.Service = (*MinioStorage)(nil)
