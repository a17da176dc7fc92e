// Package storage defines the provider-agnostic object storage contract used by
// the content service, together with the pieces every provider shares: the
// storage key scheme, the boundary (proxy) URL translator, the error taxonomy,
// key validation, the lazy object iterator and the upload pipeline.
//
// Provider adapters live in subpackages (minio, aliyun, s3, memory) and are
// selected by the factory package. Adapters are the only code that inspects
// raw SDK errors; everything above them speaks the Category taxonomy.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Provider names one backend in the closed set of supported providers
type Provider string

const (
	ProviderMinio  Provider = "minio"
	ProviderAliyun Provider = "aliyun"
	ProviderS3     Provider = "s3"
	ProviderMemory Provider = "memory"
)

// Providers lists every supported provider. The factory asserts it has a
// builder for each entry.
var Providers = []Provider{ProviderMinio, ProviderAliyun, ProviderS3, ProviderMemory}

// ParseProvider maps a configuration string onto the closed provider set
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", NewError(CategoryConfig, "parse_provider", "", "",
		fmt.Sprintf("unsupported storage provider %q (must be minio, aliyun, s3, or memory)", s), nil)
}

func (p Provider) String() string { return string(p) }

// Service is the contract every provider adapter implements
type Service interface {
	// Provider reports which backend this adapter talks to
	Provider() Provider

	// UploadFile mints a fresh key for file, stores it with its metadata and,
	// when requested, a derived thumbnail. Thumbnail failures never fail the upload.
	UploadFile(ctx context.Context, file File, opts UploadOptions) (*FileResult, error)

	// DownloadFile streams an object. Returns a FileNotFound error when absent.
	DownloadFile(ctx context.Context, key string) (io.ReadCloser, error)

	// DeleteFile removes an object. Deleting an absent key succeeds.
	DeleteFile(ctx context.Context, key string) error

	// FileExists reports presence. Absence is (false, nil); transport failures
	// are Connection errors.
	FileExists(ctx context.Context, key string) (bool, error)

	// GetFileInfo stats an object and decodes its metadata tags
	GetFileInfo(ctx context.Context, key string) (*FileInfo, error)

	// GenerateTemporaryURL asks the provider to sign a time-limited GET URL.
	// Signing is local to the SDK and does not check that the object exists;
	// callers that must not sign for absent objects check FileExists first.
	GenerateTemporaryURL(ctx context.Context, key string, expiresIn time.Duration) (string, error)

	// ListObjects returns a lazy forward-only iterator over objects under a prefix
	ListObjects(ctx context.Context, opts ListOptions) *ObjectIterator

	// UploadBuffer writes raw bytes under an explicit key, bypassing key minting
	UploadBuffer(ctx context.Context, data []byte, key string, metadata map[string]string) (*BufferResult, error)

	// CreateThumbnail derives and stores a thumbnail for an existing image object
	CreateThumbnail(ctx context.Context, key string, opts ThumbnailOptions) (*FileResult, error)
}

// File is an uploaded file as handed over by the HTTP layer
type File struct {
	Buffer       []byte
	OriginalName string
	MimeType     string
	Size         int64
}

// FileResult describes a stored upload
type FileResult struct {
	FileKey      string `json:"fileKey"`
	URL          string `json:"url"`
	ThumbnailKey string `json:"thumbnailKey,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
	OriginalName string `json:"originalName"`
	Checksum     string `json:"checksum,omitempty"`
}

// FileInfo is a point-in-time snapshot of an object's metadata
type FileInfo struct {
	FileKey      string            `json:"fileKey"`
	Size         int64             `json:"size"`
	MimeType     string            `json:"mimeType"`
	LastModified time.Time         `json:"lastModified"`
	ETag         string            `json:"etag,omitempty"`
	Checksum     string            `json:"checksum,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// BufferResult describes a raw buffer write
type BufferResult struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}
