package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/content-service/content-service/internal/storage/thumbnail"
	"github.com/content-service/content-service/pkg/checksum"
)

// Metadata keys written on every upload
const (
	MetaBusiness     = "business"
	MetaAccessType   = "access-type"
	MetaOriginalName = "original-name"
	MetaSourceKey    = "source-key"
)

// ObjectWriter is the raw write primitive a provider adapter hands to the
// upload pipeline. Metadata values arrive already URL-encoded.
type ObjectWriter interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
}

// PipelineConfig carries the process defaults used when minting keys
type PipelineConfig struct {
	Provider    Provider
	Environment string
	PathPrefix  string
	URLs        *ProxyTranslator
}

// Pipeline implements the provider-independent half of UploadFile,
// UploadBuffer and CreateThumbnail on top of an adapter's ObjectWriter.
type Pipeline struct {
	cfg    PipelineConfig
	writer ObjectWriter
	newID  func() string
}

// NewPipeline builds a pipeline writing through w
func NewPipeline(cfg PipelineConfig, w ObjectWriter) *Pipeline {
	if cfg.URLs == nil {
		cfg.URLs = NewProxyTranslator("")
	}
	return &Pipeline{cfg: cfg, writer: w, newID: uuid.NewString}
}

// URL returns the boundary URL of key for this pipeline's provider
func (p *Pipeline) URL(key string) string {
	return p.cfg.URLs.GenerateProxyURL(key, p.cfg.Provider)
}

// Upload mints a key, writes file and optionally its thumbnail
func (p *Pipeline) Upload(ctx context.Context, file File, opts UploadOptions) (*FileResult, error) {
	if err := ValidateFile(file); err != nil {
		return nil, withProvider(err, p.cfg.Provider)
	}
	opts = opts.WithDefaults(p.cfg.Environment, p.cfg.PathPrefix)
	if err := opts.Validate().Err("upload"); err != nil {
		return nil, withProvider(err, p.cfg.Provider)
	}

	contentType := file.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := GeneratePath(PathOptions{
		PathPrefix:  opts.PathPrefix,
		Environment: opts.Environment,
		AccessType:  opts.AccessType,
		Business:    opts.Business,
		Filename:    p.newID() + Extension(file.OriginalName, contentType),
	})
	if err := ValidateKey(key); err != nil {
		return nil, withProvider(err, p.cfg.Provider)
	}

	sum := checksum.Sum(file.Buffer)
	meta := EncodeTags(opts.Metadata)
	meta[MetaBusiness] = url.QueryEscape(opts.Business)
	meta[MetaAccessType] = string(opts.AccessType)
	meta[MetaOriginalName] = url.QueryEscape(file.OriginalName)
	meta[checksum.MetadataKey] = sum

	if err := p.writer.PutObject(ctx, key, file.Buffer, contentType, meta); err != nil {
		return nil, Classify(err, CategoryUpload, "upload", p.cfg.Provider, key)
	}

	result := &FileResult{
		FileKey:      key,
		URL:          p.URL(key),
		Size:         int64(len(file.Buffer)),
		MimeType:     contentType,
		OriginalName: file.OriginalName,
		Checksum:     sum,
	}

	if opts.GenerateThumbnail && thumbnail.Supported(contentType) {
		thumbKey, err := p.writeThumbnail(ctx, key, file.Buffer, contentType, opts.Thumbnail)
		if err != nil {
			slog.Warn("thumbnail generation failed; continuing without thumbnail",
				"provider", p.cfg.Provider, "key", key, "error", err)
		} else {
			result.ThumbnailKey = thumbKey
			result.ThumbnailURL = p.URL(thumbKey)
		}
	}

	return result, nil
}

// UploadBuffer writes data under an explicit key
func (p *Pipeline) UploadBuffer(ctx context.Context, data []byte, key string, metadata map[string]string) (*BufferResult, error) {
	if err := ValidateKey(key); err != nil {
		return nil, withProvider(err, p.cfg.Provider)
	}

	contentType := metadata["content-type"]
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := EncodeTags(metadata)
	delete(meta, "content-type")
	meta[checksum.MetadataKey] = checksum.Sum(data)

	if err := p.writer.PutObject(ctx, key, data, contentType, meta); err != nil {
		return nil, Classify(err, CategoryUpload, "upload_buffer", p.cfg.Provider, key)
	}
	return &BufferResult{Key: key, Size: int64(len(data)), URL: p.URL(key)}, nil
}

// CreateThumbnail reads key through src and writes its thumbnail sibling
func (p *Pipeline) CreateThumbnail(ctx context.Context, src Service, key string, opts ThumbnailOptions) (*FileResult, error) {
	if err := ValidateKey(key); err != nil {
		return nil, withProvider(err, p.cfg.Provider)
	}
	info, err := src.GetFileInfo(ctx, key)
	if err != nil {
		return nil, err
	}
	if !thumbnail.Supported(info.MimeType) {
		return nil, NewError(CategoryInvalidFile, "create_thumbnail", p.cfg.Provider, key,
			fmt.Sprintf("content type %q is not a supported image", info.MimeType), nil)
	}

	rc, err := src.DownloadFile(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, NewError(CategoryDownload, "create_thumbnail", p.cfg.Provider, key, "read source image", err)
	}

	thumbKey, err := p.writeThumbnail(ctx, key, data, info.MimeType, opts.WithDefaults())
	if err != nil {
		return nil, err
	}
	return &FileResult{
		FileKey:      key,
		URL:          p.URL(key),
		ThumbnailKey: thumbKey,
		ThumbnailURL: p.URL(thumbKey),
		Size:         info.Size,
		MimeType:     info.MimeType,
		OriginalName: info.Tags[MetaOriginalName],
		Checksum:     info.Checksum,
	}, nil
}

func (p *Pipeline) writeThumbnail(ctx context.Context, key string, data []byte, contentType string, opts ThumbnailOptions) (string, error) {
	thumbKey, err := GenerateThumbnailPath(key)
	if err != nil {
		return "", NewError(CategoryInvalidFile, "create_thumbnail", p.cfg.Provider, key, "key has no thumbnail sibling", err)
	}
	out, err := thumbnail.Generate(data, contentType, opts.Width, opts.Height, opts.Quality)
	if err != nil {
		return "", NewError(CategoryInvalidFile, "create_thumbnail", p.cfg.Provider, key, "transform failed", err)
	}
	meta := map[string]string{
		MetaSourceKey:        url.QueryEscape(key),
		checksum.MetadataKey: checksum.Sum(out),
	}
	if err := p.writer.PutObject(ctx, thumbKey, out, contentType, meta); err != nil {
		return "", Classify(err, CategoryUpload, "create_thumbnail", p.cfg.Provider, thumbKey)
	}
	return thumbKey, nil
}

// Extension picks the key extension: the original name's, else one derived from
// the content type, else none.
func Extension(originalName, contentType string) string {
	if ext := strings.ToLower(path.Ext(originalName)); ext != "" && len(ext) <= 10 && !strings.ContainsAny(ext, " /\\") {
		return ext
	}
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "application/pdf":
		return ".pdf"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// EncodeTags URL-encodes metadata values so non-ASCII text survives providers
// that only accept ASCII headers. Keys are lowercased.
func EncodeTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags)+4)
	for k, v := range tags {
		out[strings.ToLower(k)] = url.QueryEscape(v)
	}
	return out
}

// DecodeTags reverses EncodeTags. Keys are lowercased since providers return
// metadata names in canonical header case.
func DecodeTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if dv, err := url.QueryUnescape(v); err == nil {
			v = dv
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

func withProvider(err error, p Provider) error {
	if se, ok := AsError(err); ok && se.Provider == "" {
		cp := *se
		cp.Provider = p
		return &cp
	}
	return err
}
