package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkm/opr-stac/internal/observability"
)

func serve(h http.Handler, reqID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRecovery(t *testing.T) {
	for name, v := range map[string]any{
		"error":  http.ErrAbortHandler,
		"string": "something went wrong",
		"int":    42,
	} {
		t.Run(name, func(t *testing.T) {
			var logBuf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logBuf, nil))
			h := middleware.RequestID(Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(v)
			})))

			w := serve(h, "test-req-123")
			require.Equal(t, http.StatusInternalServerError, w.Code)

			var resp STACError
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, ErrCodeServerError, resp.Code)
			assert.Equal(t, "test-req-123", resp.RequestID)
			assert.Contains(t, logBuf.String(), "panic recovered")
		})
	}
}

func TestRecoveryPassesThrough(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	assert.Equal(t, http.StatusTeapot, serve(h, "").Code)
}

func TestContentTypeJSON(t *testing.T) {
	h := ContentTypeJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	assert.Equal(t, "application/json", serve(h, "").Header().Get("Content-Type"))

	h = ContentTypeJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteGeoJSON(w, http.StatusOK, map[string]any{})
	}))
	assert.Equal(t, "application/geo+json", serve(h, "").Header().Get("Content-Type"))
}

func TestRequestLogger(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	h := middleware.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})))

	serve(h, "abc")
	out := logBuf.String()
	assert.Contains(t, out, "method=GET")
	assert.Contains(t, out, "path=/test")
	assert.Contains(t, out, "status=404")
	assert.Contains(t, out, "request_id=abc")
	assert.Contains(t, out, "duration=")
}

func TestRequestID(t *testing.T) {
	var captured string
	h := middleware.RequestID(RequestIDResponse(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	})))

	w := serve(h, "")
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Equal(t, w.Header().Get(RequestIDHeader), captured)

	w = serve(h, "custom-request-id-123")
	assert.Equal(t, "custom-request-id-123", w.Header().Get(RequestIDHeader))

	assert.Empty(t, GetRequestID(context.Background()))
}

func TestRequestMetricsMiddleware(t *testing.T) {
	m := observability.NewMetricsForTesting()
	r := chi.NewRouter()
	r.Use(RequestMetrics(m))
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {})

	for _, target := range []string{"/items/1", "/items/2", "/other"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/items/{id}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "unmatched", "404")))
}
