// Package aliyun implements the Aliyun OSS storage backend on
// aliyun-oss-go-sdk. Signed URLs are produced locally by the SDK; when a CNAME
// is bound to the bucket (custom_endpoint) a second client signs against it, and
// a cdn_domain rewrites the host of every signed URL.
package aliyun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	appconfig "github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/pkg/checksum"
)

const (
	metaHeaderPrefix = "X-Oss-Meta-"

	// MaxSignExpiry caps signed URL lifetime
	MaxSignExpiry = 7 * 24 * time.Hour
)

// AliyunStorage implements storage.Service for Aliyun OSS
type AliyunStorage struct {
	bucket          *oss.Bucket
	thumbnailBucket *oss.Bucket
	signer          *oss.Bucket
	thumbSigner     *oss.Bucket
	cdn             *url.URL
	pipeline        *storage.Pipeline
}

// New creates an OSS backend. The SDK makes no request until the first operation.
func New(cfg *appconfig.AliyunStorageConfig, pc storage.PipelineConfig) (*AliyunStorage, error) {
	endpoint := cfg.GetEndpoint()
	if endpoint == "" {
		return nil, configError("aliyun region or endpoint is required", nil)
	}
	if cfg.Bucket == "" {
		return nil, configError("aliyun bucket name is required", nil)
	}
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return nil, configError("aliyun access_key_id and access_key_secret are required", nil)
	}

	client, err := oss.New(endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, configError(fmt.Sprintf("invalid aliyun endpoint %q", endpoint), err)
	}

	s := &AliyunStorage{}
	if s.bucket, err = client.Bucket(cfg.Bucket); err != nil {
		return nil, configError(fmt.Sprintf("invalid aliyun bucket %q", cfg.Bucket), err)
	}
	s.signer = s.bucket
	if cfg.ThumbnailBucket != "" {
		if s.thumbnailBucket, err = client.Bucket(cfg.ThumbnailBucket); err != nil {
			return nil, configError(fmt.Sprintf("invalid aliyun thumbnail bucket %q", cfg.ThumbnailBucket), err)
		}
		s.thumbSigner = s.thumbnailBucket
	}

	if cfg.CustomEndpoint != "" {
		cname, err := oss.New(cfg.CustomEndpoint, cfg.AccessKeyID, cfg.AccessKeySecret, oss.UseCname(true))
		if err != nil {
			return nil, configError(fmt.Sprintf("invalid aliyun custom_endpoint %q", cfg.CustomEndpoint), err)
		}
		if s.signer, err = cname.Bucket(cfg.Bucket); err != nil {
			return nil, configError("invalid aliyun custom_endpoint bucket", err)
		}
		// A CNAME is bound to one bucket; thumbnails in another bucket keep the default host.
	}

	if cfg.CDNDomain != "" {
		d := cfg.CDNDomain
		if !strings.Contains(d, "://") {
			d = "https://" + d
		}
		s.cdn, err = url.Parse(d)
		if err != nil || s.cdn.Host == "" {
			return nil, configError(fmt.Sprintf("invalid aliyun cdn_domain %q", cfg.CDNDomain), err)
		}
	}

	pc.Provider = storage.ProviderAliyun
	s.pipeline = storage.NewPipeline(pc, s)
	return s, nil
}

// Provider returns storage.ProviderAliyun
func (s *AliyunStorage) Provider() storage.Provider { return storage.ProviderAliyun }

func (s *AliyunStorage) bucketFor(key string) *oss.Bucket {
	if s.thumbnailBucket != nil && storage.IsThumbnailPath(key) {
		return s.thumbnailBucket
	}
	return s.bucket
}

func (s *AliyunStorage) signerFor(key string) *oss.Bucket {
	if s.thumbSigner != nil && storage.IsThumbnailPath(key) {
		return s.thumbSigner
	}
	return s.signer
}

// PutObject writes data with its content type and X-Oss-Meta headers
func (s *AliyunStorage) PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	opts := []oss.Option{oss.WithContext(ctx), oss.ContentType(contentType)}
	for k, v := range metadata {
		opts = append(opts, oss.Meta(k, v))
	}
	if err := s.bucketFor(key).PutObject(key, bytes.NewReader(data), opts...); err != nil {
		return classify(err, storage.CategoryUpload, "put", key)
	}
	return nil
}

// UploadFile stores file under a freshly minted key
func (s *AliyunStorage) UploadFile(ctx context.Context, file storage.File, opts storage.UploadOptions) (*storage.FileResult, error) {
	return s.pipeline.Upload(ctx, file, opts)
}

// UploadBuffer writes data under key
func (s *AliyunStorage) UploadBuffer(ctx context.Context, data []byte, key string, metadata map[string]string) (*storage.BufferResult, error) {
	return s.pipeline.UploadBuffer(ctx, data, key, metadata)
}

// CreateThumbnail derives a thumbnail for an existing object
func (s *AliyunStorage) CreateThumbnail(ctx context.Context, key string, opts storage.ThumbnailOptions) (*storage.FileResult, error) {
	return s.pipeline.CreateThumbnail(ctx, s, key, opts)
}

// DownloadFile streams an object
func (s *AliyunStorage) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	body, err := s.bucketFor(key).GetObject(key, oss.WithContext(ctx))
	if err != nil {
		return nil, classify(err, storage.CategoryDownload, "download", key)
	}
	return body, nil
}

// DeleteFile removes key. OSS treats deleting an absent key as success.
func (s *AliyunStorage) DeleteFile(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := s.bucketFor(key).DeleteObject(key, oss.WithContext(ctx)); err != nil {
		err = classify(err, storage.CategoryDelete, "delete", key)
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// FileExists checks key with a HEAD request
func (s *AliyunStorage) FileExists(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	ok, err := s.bucketFor(key).IsObjectExist(key, oss.WithContext(ctx))
	if err != nil {
		err = classify(err, storage.CategoryConnection, "exists", key)
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// GetFileInfo reads the object's headers and decodes its X-Oss-Meta tags
func (s *AliyunStorage) GetFileInfo(ctx context.Context, key string) (*storage.FileInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	h, err := s.bucketFor(key).GetObjectDetailedMeta(key, oss.WithContext(ctx))
	if err != nil {
		return nil, classify(err, storage.CategoryDownload, "stat", key)
	}

	raw := make(map[string]string)
	for name, vals := range h {
		if rest, ok := strings.CutPrefix(http.CanonicalHeaderKey(name), metaHeaderPrefix); ok && len(vals) > 0 {
			raw[rest] = vals[0]
		}
	}
	tags := storage.DecodeTags(raw)

	size, _ := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	modified, _ := time.Parse(http.TimeFormat, h.Get("Last-Modified"))
	return &storage.FileInfo{
		FileKey:      key,
		Size:         size,
		MimeType:     h.Get("Content-Type"),
		LastModified: modified,
		ETag:         strings.Trim(h.Get("ETag"), `"`),
		Checksum:     tags[checksum.MetadataKey],
		Tags:         tags,
	}, nil
}

// GenerateTemporaryURL signs a GET for key after confirming it exists
func (s *AliyunStorage) GenerateTemporaryURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	if expiresIn < time.Second || expiresIn > MaxSignExpiry {
		return "", storage.NewError(storage.CategorySigning, "sign", storage.ProviderAliyun, key,
			fmt.Sprintf("expiry %s must be between 1s and %s", expiresIn, MaxSignExpiry), nil)
	}
	signed, err := s.signerFor(key).SignURL(key, oss.HTTPGet, int64(expiresIn/time.Second))
	if err != nil {
		return "", classify(err, storage.CategorySigning, "sign", key)
	}
	if s.cdn == nil {
		return signed, nil
	}
	u, err := url.Parse(signed)
	if err != nil {
		return "", storage.NewError(storage.CategorySigning, "sign", storage.ProviderAliyun, key, "unparseable signed URL", err)
	}
	u.Scheme, u.Host = s.cdn.Scheme, s.cdn.Host
	return u.String(), nil
}

// ListObjects pages through the primary bucket with ListObjectsV2
// continuation tokens.
func (s *AliyunStorage) ListObjects(ctx context.Context, opts storage.ListOptions) *storage.ObjectIterator {
	size := opts.EffectivePageSize()
	return storage.NewObjectIterator(ctx, func(ctx context.Context, cursor string) ([]storage.ObjectInfo, string, error) {
		lopts := []oss.Option{oss.WithContext(ctx), oss.Prefix(opts.Prefix), oss.MaxKeys(size)}
		if !opts.Recursive {
			lopts = append(lopts, oss.Delimiter("/"))
		}
		if cursor != "" {
			lopts = append(lopts, oss.ContinuationToken(cursor))
		}
		res, err := s.bucket.ListObjectsV2(lopts...)
		if err != nil {
			return nil, "", classify(err, storage.CategoryBucket, "list", opts.Prefix)
		}
		page := make([]storage.ObjectInfo, 0, len(res.Objects))
		for _, o := range res.Objects {
			page = append(page, storage.ObjectInfo{
				Name:         o.Key,
				Size:         o.Size,
				LastModified: o.LastModified,
				ETag:         strings.Trim(o.ETag, `"`),
			})
		}
		next := ""
		if res.IsTruncated {
			next = res.NextContinuationToken
		}
		return page, next, nil
	})
}

// classify maps an OSS SDK error onto the storage taxonomy
func classify(err error, fallback storage.Category, op, key string) error {
	if err == nil {
		return nil
	}
	cat := fallback
	msg := op + " failed"
	if se, ok := asServiceError(err); ok {
		if se.Message != "" {
			msg = se.Message
		}
		switch {
		case se.Code == "NoSuchKey":
			cat = storage.CategoryFileNotFound
		case se.Code == "NoSuchBucket":
			cat = storage.CategoryBucket
		case se.Code == "AccessDenied" || se.Code == "InvalidAccessKeyId" ||
			se.Code == "SignatureDoesNotMatch" || se.StatusCode == http.StatusForbidden:
			cat = storage.CategoryPermission
		case se.StatusCode == http.StatusNotFound:
			cat = storage.CategoryFileNotFound
		case se.StatusCode >= http.StatusInternalServerError:
			cat = storage.CategoryConnection
		}
	} else if storage.IsTransport(err) {
		cat = storage.CategoryConnection
	}
	return storage.NewError(cat, op, storage.ProviderAliyun, key, msg, err)
}

func asServiceError(err error) (oss.ServiceError, bool) {
	var se oss.ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	var sp *oss.ServiceError
	if errors.As(err, &sp) && sp != nil {
		return *sp, true
	}
	return oss.ServiceError{}, false
}

func configError(msg string, cause error) error {
	return storage.NewError(storage.CategoryConfig, "init", storage.ProviderAliyun, "", msg, cause)
}

var _ storage.Service = (*AliyunStorage)(nil)
