// storage.go implements the storage operations endpoints: backend status, a
// manual connection test and rebuilding the backend from current configuration.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/content-service/content-service/internal/health"
	"github.com/content-service/content-service/internal/tempurl"
)

// StorageHandlers serves /api/v1/storage
type StorageHandlers struct {
	health   *health.Service
	tempURLs *tempurl.Service
}

// NewStorageHandlers creates a new storage handlers instance
func NewStorageHandlers(h *health.Service, t *tempurl.Service) *StorageHandlers {
	return &StorageHandlers{health: h, tempURLs: t}
}

// GetStatus returns the latest health snapshot and cache statistics
// GET /api/v1/storage/status
func (h *StorageHandlers) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"storage":      h.health.Status(),
		"tempUrlCache": h.tempURLs.Stats(),
	})
}

// TestConnection probes the active backend now
// POST /api/v1/storage/test-connection
func (h *StorageHandlers) TestConnection(c *gin.Context) {
	res := h.health.TestConnection(c.Request.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}

// Reinitialize drops the active backend and rebuilds it. Cached URLs of the
// old backend are dropped through the health service's reinitialize hooks.
// POST /api/v1/storage/reinitialize
func (h *StorageHandlers) Reinitialize(c *gin.Context) {
	st, err := h.health.ReinitializeStorage(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "storage reinitialized",
		"storage": st,
	})
}
