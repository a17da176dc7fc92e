package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier in both directions
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request identifier
	RequestIDKey = "request_id"

	maxRequestIDLength = 128
)

// RequestIDMiddleware makes sure every request has an identifier.
//
// An inbound X-Request-ID (from a load balancer or the caller) is reused when
// it is short enough to be a plausible identifier; otherwise a UUID v4 is
// minted. The value is stored under RequestIDKey and echoed in the response so
// clients can correlate a failed temporary URL request with server logs.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}

// GetRequestID returns the identifier set by RequestIDMiddleware, or ""
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
