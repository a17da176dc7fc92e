// tempurl.go implements the temporary URL endpoints: single and batch issuance,
// cache statistics and cache invalidation.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/content-service/content-service/internal/middleware"
	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/internal/tempurl"
)

// maxBatchKeys bounds one batch request
const maxBatchKeys = 100

// TempURLHandlers serves /api/v1/storage/temporary-url
type TempURLHandlers struct {
	svc *tempurl.Service
	// batchLimiter charges a batch one token per key; nil disables it
	batchLimiter middleware.Limiter
}

// NewTempURLHandlers creates a new temporary URL handlers instance. A non-nil
// limiter throttles batch issuance by key count.
func NewTempURLHandlers(svc *tempurl.Service, limiter middleware.Limiter) *TempURLHandlers {
	return &TempURLHandlers{svc: svc, batchLimiter: limiter}
}

// TemporaryURLRequest asks for a signed URL for one object
type TemporaryURLRequest struct {
	Key string `json:"key" binding:"required"`
	// Provider is advisory; the active backend always signs
	Provider string `json:"provider"`
	// ExpiresIn is the URL lifetime in seconds; zero uses the configured default
	ExpiresIn int64 `json:"expiresIn" binding:"gte=0"`
}

// BatchTemporaryURLRequest asks for signed URLs for several objects
type BatchTemporaryURLRequest struct {
	Keys      []string `json:"keys" binding:"required,min=1"`
	Provider  string   `json:"provider"`
	ExpiresIn int64    `json:"expiresIn" binding:"gte=0"`
}

// TemporaryURLResponse is an issued URL
type TemporaryURLResponse struct {
	FileKey   string           `json:"fileKey"`
	URL       string           `json:"url"`
	Provider  storage.Provider `json:"provider"`
	ExpiresAt time.Time        `json:"expiresAt"`
	ExpiresIn int64            `json:"expiresIn"`
	Cached    bool             `json:"cached"`
}

// BatchItem is one entry of a batch response; exactly one of Result or Error is set
type BatchItem struct {
	FileKey  string                `json:"fileKey"`
	Result   *TemporaryURLResponse `json:"result,omitempty"`
	Error    string                `json:"error,omitempty"`
	Category storage.Category      `json:"category,omitempty"`
	Status   int                   `json:"status"`
}

func responseFrom(r *tempurl.Result) *TemporaryURLResponse {
	return &TemporaryURLResponse{
		FileKey:   r.FileKey,
		URL:       r.URL,
		Provider:  r.Provider,
		ExpiresAt: r.ExpiresAt,
		ExpiresIn: int64(r.ExpiresIn / time.Second),
		Cached:    r.Cached,
	}
}

// options validates the advisory provider and converts the lifetime
func options(provider string, expiresIn int64) (tempurl.Options, error) {
	opts := tempurl.Options{ExpiresIn: time.Duration(expiresIn) * time.Second}
	if provider != "" {
		p, err := storage.ParseProvider(provider)
		if err != nil {
			return opts, err
		}
		opts.Provider = p
	}
	return opts, nil
}

// Generate issues a signed URL for one object
// POST /api/v1/storage/temporary-url
func (h *TempURLHandlers) Generate(c *gin.Context) {
	var req TemporaryURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts, err := options(req.Provider, req.ExpiresIn)
	if err != nil {
		respondError(c, err)
		return
	}

	res, err := h.svc.GenerateTemporaryURL(c.Request.Context(), req.Key, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, responseFrom(res))
}

// GenerateBatch issues signed URLs for several objects. The response is 200
// even when some keys fail; each item carries its own status. Each key costs
// one rate limit token.
// POST /api/v1/storage/temporary-url/batch
func (h *TempURLHandlers) GenerateBatch(c *gin.Context) {
	var req BatchTemporaryURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Keys) > maxBatchKeys {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many keys in one batch", "max": maxBatchKeys})
		return
	}
	if h.batchLimiter != nil && !middleware.EnforceRateLimit(c, h.batchLimiter, len(req.Keys)) {
		return
	}
	opts, err := options(req.Provider, req.ExpiresIn)
	if err != nil {
		respondError(c, err)
		return
	}

	results := h.svc.GenerateTemporaryURLs(c.Request.Context(), req.Keys, opts)
	items := make([]BatchItem, len(results))
	failed := 0
	for i, r := range results {
		items[i] = BatchItem{FileKey: r.FileKey, Status: http.StatusOK}
		if r.Err != nil {
			body := bodyFor(r.Err)
			items[i].Error = body.Error
			items[i].Category = body.Category
			items[i].Status = statusFor(r.Err)
			failed++
			continue
		}
		items[i].Result = responseFrom(r.Result)
	}
	c.JSON(http.StatusOK, gin.H{
		"results":   items,
		"succeeded": len(items) - failed,
		"failed":    failed,
	})
}

// Stats reports cache effectiveness
// GET /api/v1/storage/temporary-url/stats
func (h *TempURLHandlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats())
}

// ClearCache drops cached URLs. With ?key= only that object's URLs are
// dropped (optionally limited by ?provider=), with only ?provider= every URL
// that provider signed, and with neither the whole cache.
// DELETE /api/v1/storage/temporary-url/cache
func (h *TempURLHandlers) ClearCache(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.Query("key")

	var provider storage.Provider
	if raw := c.Query("provider"); raw != "" {
		p, err := storage.ParseProvider(raw)
		if err != nil {
			respondError(c, err)
			return
		}
		provider = p
	}

	var cleared int
	scope := "all"
	switch {
	case key != "":
		if err := storage.ValidateKey(key); err != nil {
			respondError(c, err)
			return
		}
		cleared = h.svc.ClearCache(ctx, key, provider)
		scope = "key"
	case provider != "":
		cleared = h.svc.ClearProvider(ctx, provider)
		scope = "provider"
	default:
		cleared = h.svc.ClearAllCache(ctx)
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared, "scope": scope})
}
