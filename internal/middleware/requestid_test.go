package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// newRequestIDRouter echoes the context request id back in X-Context-Request-ID
func newRequestIDRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		c.Header("X-Context-Request-ID", GetRequestID(c))
		c.Status(http.StatusOK)
	})
	return r
}

func requestWithID(r http.Handler, id string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id != "" {
		req.Header.Set(RequestIDHeader, id)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestIDMiddleware_GeneratesUUIDWhenAbsent(t *testing.T) {
	w := requestWithID(newRequestIDRouter(), "")

	id := w.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("expected a UUID request id, got %q: %v", id, err)
	}
}

func TestRequestIDMiddleware_PropagatesIncomingID(t *testing.T) {
	const upstreamID = "lb-7f3a9c21"
	w := requestWithID(newRequestIDRouter(), upstreamID)

	if got := w.Header().Get(RequestIDHeader); got != upstreamID {
		t.Errorf("expected response X-Request-ID %q, got %q", upstreamID, got)
	}
}

func TestRequestIDMiddleware_ReplacesOversizedID(t *testing.T) {
	huge := strings.Repeat("a", maxRequestIDLength+1)
	w := requestWithID(newRequestIDRouter(), huge)

	got := w.Header().Get(RequestIDHeader)
	if got == huge {
		t.Fatal("oversized inbound request id was echoed back")
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Errorf("expected a generated UUID, got %q", got)
	}
}

func TestRequestIDMiddleware_StoresIDInContext(t *testing.T) {
	w := requestWithID(newRequestIDRouter(), "")

	responseID := w.Header().Get(RequestIDHeader)
	contextID := w.Header().Get("X-Context-Request-ID")
	if contextID == "" {
		t.Error("request ID was not stored in gin.Context under RequestIDKey")
	}
	if responseID != contextID {
		t.Errorf("response header ID %q does not match context ID %q", responseID, contextID)
	}
}

func TestRequestIDMiddleware_DifferentIDsPerRequest(t *testing.T) {
	r := newRequestIDRouter()

	ids := make(map[string]struct{}, 10)
	for i := range 10 {
		id := requestWithID(r, "").Header().Get(RequestIDHeader)
		if _, seen := ids[id]; seen {
			t.Errorf("duplicate request ID %q on iteration %d", id, i)
		}
		ids[id] = struct{}{}
	}
}

func TestGetRequestID_WithoutMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if got := GetRequestID(c); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
}
