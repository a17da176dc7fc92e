package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/content-service/content-service/internal/storage"
)

// statusFor maps a storage failure to the HTTP status returned to callers
func statusFor(err error) int {
	switch storage.CategoryOf(err) {
	case storage.CategoryFileNotFound:
		return http.StatusNotFound
	case storage.CategoryConfig, storage.CategoryInvalidFile:
		return http.StatusBadRequest
	case storage.CategoryPermission:
		return http.StatusForbidden
	case storage.CategoryConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error    string           `json:"error"`
	Category storage.Category `json:"category,omitempty"`
	Key      string           `json:"key,omitempty"`
}

func bodyFor(err error) errorBody {
	body := errorBody{Error: err.Error(), Category: storage.CategoryOf(err)}
	var se *storage.Error
	if errors.As(err, &se) {
		body.Error = se.Message
		body.Key = se.Key
	}
	if body.Error == "" {
		body.Error = err.Error()
	}
	return body
}

// respondError writes err as JSON and attaches it to the context for the
// request logger. Server-side failures hide provider detail from the caller.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := statusFor(err)
	body := bodyFor(err)
	if status == http.StatusInternalServerError {
		body.Error = "internal storage error"
	}
	c.AbortWithStatusJSON(status, body)
}
