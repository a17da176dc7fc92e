package storage

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxKeyLength is the longest storage key accepted anywhere
const MaxKeyLength = 1024

// Thumbnail defaults
const (
	DefaultThumbnailWidth   = 200
	DefaultThumbnailHeight  = 200
	DefaultThumbnailQuality = 80
)

// ThumbnailOptions sizes a derived thumbnail
type ThumbnailOptions struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	Quality int `json:"quality"`
}

// WithDefaults fills zero fields with 200x200 at quality 80
func (o ThumbnailOptions) WithDefaults() ThumbnailOptions {
	if o.Width <= 0 {
		o.Width = DefaultThumbnailWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultThumbnailHeight
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultThumbnailQuality
	}
	return o
}

// UploadOptions controls key minting and post-processing of an upload
type UploadOptions struct {
	Business          string
	AccessType        AccessType
	Environment       string
	PathPrefix        string
	GenerateThumbnail bool
	Thumbnail         ThumbnailOptions
	// Metadata is stored as URL-encoded object tags, e.g. uploaded-by
	Metadata map[string]string
}

// WithDefaults fills unset fields. env and prefix are the process defaults.
func (o UploadOptions) WithDefaults(env, prefix string) UploadOptions {
	if o.Business == "" {
		o.Business = DefaultBusiness
	}
	if o.AccessType == "" {
		o.AccessType = AccessPrivate
	}
	if o.Environment == "" {
		o.Environment = env
	}
	if o.PathPrefix == "" {
		o.PathPrefix = prefix
	}
	o.Thumbnail = o.Thumbnail.WithDefaults()
	return o
}

// ValidationResult collects every problem found, not just the first
type ValidationResult struct {
	Problems []string
}

// Valid reports whether no problems were found
func (r ValidationResult) Valid() bool { return len(r.Problems) == 0 }

func (r *ValidationResult) addf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Err returns nil when valid, otherwise a Config error listing every problem
func (r ValidationResult) Err(op string) error {
	if r.Valid() {
		return nil
	}
	return NewError(CategoryConfig, op, "", "", strings.Join(r.Problems, "; "), nil)
}

// Validate checks already-defaulted options
func (o UploadOptions) Validate() ValidationResult {
	var r ValidationResult
	if !o.AccessType.Valid() {
		r.addf("access type %q must be private or public", o.AccessType)
	}
	if o.Environment == "" {
		r.addf("environment is required")
	}
	for name, v := range map[string]string{"business": o.Business, "environment": o.Environment} {
		if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") || hasControl(v) {
			r.addf("%s %q must be a single path segment", name, v)
		}
	}
	if strings.Contains(o.PathPrefix, "..") || hasControl(o.PathPrefix) {
		r.addf("path prefix %q is not allowed", o.PathPrefix)
	}
	if o.Business == ThumbnailDir {
		r.addf("business %q is reserved", o.Business)
	}
	return r
}

// ValidateFile rejects empty or inconsistent uploads
func ValidateFile(f File) error {
	if len(f.Buffer) == 0 {
		return NewError(CategoryInvalidFile, "upload", "", "", "file is empty", nil)
	}
	if f.Size > 0 && f.Size != int64(len(f.Buffer)) {
		return NewError(CategoryInvalidFile, "upload", "", "",
			fmt.Sprintf("declared size %d does not match buffer length %d", f.Size, len(f.Buffer)), nil)
	}
	return nil
}

// ValidateKey rejects keys that could escape their prefix or confuse providers:
// traversal, double slashes, control or dangerous characters, and overlong keys.
func ValidateKey(key string) error {
	var problem string
	switch {
	case strings.TrimSpace(key) == "":
		problem = "key is empty"
	case len(key) > MaxKeyLength:
		problem = fmt.Sprintf("key exceeds %d bytes", MaxKeyLength)
	case strings.Contains(key, ".."):
		problem = "key contains path traversal"
	case strings.Contains(key, "//"):
		problem = "key contains empty path segment"
	case strings.HasPrefix(key, "/"):
		problem = "key must be relative"
	case strings.ContainsAny(key, "\\<>\"|?*"):
		problem = "key contains a disallowed character"
	case hasControl(key):
		problem = "key contains control characters"
	default:
		return nil
	}
	return NewError(CategoryConfig, "validate_key", "", truncateKey(key), problem, nil)
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func truncateKey(key string) string {
	if len(key) > 64 {
		return key[:64] + "..."
	}
	return key
}
