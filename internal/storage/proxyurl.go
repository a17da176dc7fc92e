package storage

import (
	"net/url"
	"strings"
)

// StorageMarker is the fixed, deployment-independent prefix persisted in
// records. It always decodes, even after the serving path is reconfigured.
const StorageMarker = "/api/v1/storage/files"

// ProxyTranslator maps storage keys to boundary URLs and back, so that stored
// URLs never expose raw provider endpoints.
type ProxyTranslator struct {
	servingPath string
}

// NewProxyTranslator resolves the serving path once. servingPath may be a full
// URL (https://cdn.example.com/files) or root-relative (/files); empty selects
// StorageMarker.
func NewProxyTranslator(servingPath string) *ProxyTranslator {
	sp := strings.TrimSpace(servingPath)
	sp = strings.TrimRight(sp, "/")
	if sp == "" {
		sp = StorageMarker
	}
	if !strings.Contains(sp, "://") && !strings.HasPrefix(sp, "/") {
		sp = "/" + sp
	}
	return &ProxyTranslator{servingPath: sp}
}

// ServingPath returns the resolved serving path
func (t *ProxyTranslator) ServingPath() string {
	return t.servingPath
}

// GenerateProxyURL returns the boundary URL for keyOrURL. Input already in
// serving-path form passes through unchanged; anything else is reduced to a
// bare key, percent-encoded and tagged with the provider.
func (t *ProxyTranslator) GenerateProxyURL(keyOrURL string, provider Provider) string {
	if keyOrURL == "" {
		return ""
	}
	if strings.HasPrefix(keyOrURL, t.servingPath+"/") {
		return keyOrURL
	}

	var key string
	if looksLikeURL(keyOrURL) || t.IsProxyURL(keyOrURL) {
		key = t.ExtractFileKey(keyOrURL)
	} else {
		key = NormalizePath(keyOrURL)
	}

	u := t.servingPath + "/" + url.PathEscape(key)
	if provider != "" {
		u += "?provider=" + url.QueryEscape(string(provider))
	}
	return u
}

// ExtractFileKey is the inverse of GenerateProxyURL. It understands the
// serving-path form, the storage-marker form, OSS virtual-hosted URLs and
// S3-compatible path-style URLs, and finally degrades to the last path segment.
func (t *ProxyTranslator) ExtractFileKey(raw string) string {
	if raw == "" {
		return ""
	}

	if rest, ok := strings.CutPrefix(raw, t.servingPath+"/"); ok {
		return decodeKey(rest)
	}
	if _, rest, ok := strings.Cut(raw, StorageMarker+"/"); ok {
		return decodeKey(rest)
	}
	if !looksLikeURL(raw) {
		if IsValidPath(raw) {
			return NormalizePath(raw)
		}
		return lastSegment(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return lastSegment(raw)
	}
	path := strings.TrimPrefix(u.EscapedPath(), "/")
	if p, err := url.PathUnescape(path); err == nil {
		path = p
	}

	// bucket.oss-region.aliyuncs.com/key
	if strings.HasSuffix(u.Hostname(), ".aliyuncs.com") && strings.Count(u.Hostname(), ".") >= 3 {
		return NormalizePath(path)
	}

	// endpoint/bucket/key
	if segs := splitKey(path); len(segs) >= 2 {
		return strings.Join(segs[1:], "/")
	}

	return lastSegment(path)
}

// IsProxyURL reports whether s is in serving-path or storage-marker form
func (t *ProxyTranslator) IsProxyURL(s string) bool {
	return strings.HasPrefix(s, t.servingPath+"/") || strings.Contains(s, StorageMarker+"/")
}

func decodeKey(rest string) string {
	rest, _, _ = strings.Cut(rest, "?")
	rest, _, _ = strings.Cut(rest, "#")
	if k, err := url.PathUnescape(rest); err == nil {
		return k
	}
	return rest
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func lastSegment(s string) string {
	s, _, _ = strings.Cut(s, "?")
	segs := splitKey(s)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}
