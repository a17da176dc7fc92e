// Package middleware provides the Gin middleware of the content service HTTP API.
// All of it is registered in internal/api/router.go ahead of the route handlers.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/content-service/content-service/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request.
//
// The path label is the matched route template (c.FullPath()), e.g.
// /api/v1/storage/temporary-url. Unmatched requests use "<no-route>" so unknown
// paths cannot inflate label cardinality.
//
// Register it after gin.Recovery() and RequestIDMiddleware so the final status
// is captured:
//
//	router.Use(gin.Recovery())
//	router.Use(RequestIDMiddleware())
//	router.Use(MetricsMiddleware())
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
