// Package api wires the HTTP routes of the content service.
//
// The surface is operational: liveness and readiness for the orchestrator,
// storage status and lifecycle endpoints, and temporary URL issuance. Upload
// and download controllers live in the applications that embed the storage
// layer, not here.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/content-service/content-service/internal/api/admin"
	"github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/health"
	"github.com/content-service/content-service/internal/middleware"
	"github.com/content-service/content-service/internal/tempurl"
)

// Version is reported by GET /version; cmd/server overrides it at link time
var Version = "0.1.0"

// Dependencies are the long-lived services the routes are served from
type Dependencies struct {
	Config   *config.Config
	Health   *health.Service
	TempURLs *tempurl.Service
	// Limiter throttles temporary URL issuance; nil builds an in-process
	// limiter from server.rate_limit when rate limiting is enabled
	Limiter middleware.Limiter
	Logger  *slog.Logger
}

// BackgroundServices holds goroutine-owning resources created by the router.
// The caller stops them after the HTTP server has drained.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops the router's background goroutines
func (bg *BackgroundServices) Shutdown() {
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
}

// NewRouter creates and configures the Gin router
func NewRouter(deps Dependencies) (*gin.Engine, *BackgroundServices) {
	cfg := deps.Config
	bg := &BackgroundServices{}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(deps.Logger))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler())
	router.GET("/ready", readinessHandler(deps.Health))
	router.GET("/version", versionHandler(cfg))

	limiter := rateLimiter(cfg, deps.Limiter, bg)
	storageHandlers := admin.NewStorageHandlers(deps.Health, deps.TempURLs)
	tempURLHandlers := admin.NewTempURLHandlers(deps.TempURLs, limiter)

	v1 := router.Group("/api/v1/storage")
	{
		v1.GET("/status", storageHandlers.GetStatus)
		v1.POST("/test-connection", storageHandlers.TestConnection)
		v1.POST("/reinitialize", storageHandlers.Reinitialize)

		v1.GET("/temporary-url/stats", tempURLHandlers.Stats)
		v1.DELETE("/temporary-url/cache", tempURLHandlers.ClearCache)

		// the batch handler charges per key after binding the body
		v1.POST("/temporary-url/batch", tempURLHandlers.GenerateBatch)
		if limiter != nil {
			v1.POST("/temporary-url", middleware.RateLimitMiddleware(limiter), tempURLHandlers.Generate)
		} else {
			v1.POST("/temporary-url", tempURLHandlers.Generate)
		}
	}

	return router, bg
}

// rateLimiter picks the limiter for the issuance routes, or nil when disabled
func rateLimiter(cfg *config.Config, given middleware.Limiter, bg *BackgroundServices) middleware.Limiter {
	if !cfg.Server.RateLimit.Enabled {
		return nil
	}
	if given != nil {
		return given
	}
	rl := middleware.NewRateLimiter(middleware.RateLimitConfigFrom(cfg.Server.RateLimit))
	bg.rateLimiters = append(bg.rateLimiters, rl)
	return rl
}

// healthCheckHandler is the liveness probe. It never touches the storage
// backend so a slow provider cannot get the process restarted.
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessProbeTimeout bounds the live probe behind GET /ready
const readinessProbeTimeout = 5 * time.Second

// readinessHandler runs a live probe and reports ready only when the backend
// is built and answering.
func readinessHandler(h *health.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessProbeTimeout)
		defer cancel()
		st := h.CheckNow(ctx)

		checks := gin.H{
			"storage":  "healthy",
			"provider": st.Provider,
			"degraded": st.Degraded,
		}
		if !st.Initialized || !st.Healthy {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":        cfg.App.Name,
			"version":     Version,
			"api_version": "v1",
		})
	}
}
