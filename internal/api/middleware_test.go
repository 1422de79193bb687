package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/plugapi/internal/dispatch"
	"github.com/gaspardpetit/plugapi/internal/endpoint"
	"github.com/gaspardpetit/plugapi/internal/logx"
)

func TestRequestIDMiddleware(t *testing.T) {
	chain := MiddlewareChain(0)
	var captured string
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = chiMiddleware.GetReqID(r.Context())
	})
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rr, req)
	if captured == "" {
		t.Fatalf("missing request id")
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	h := APIKeyMiddleware("sekret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	// missing header
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	// wrong key
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	// correct key
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	// auth disabled
	h = APIKeyMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func serveChain(h http.Handler, limit int64, req *http.Request) *httptest.ResponseRecorder {
	chain := MiddlewareChain(limit)
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func captureLog(t *testing.T, lvl zerolog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevLevel, prevLog := zerolog.GlobalLevel(), logx.Log
	zerolog.SetGlobalLevel(lvl)
	logx.SetOutput(&buf)
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(prevLevel)
		logx.Log = prevLog
	})
	return &buf
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestDebugBodyPreviewIsCapped(t *testing.T) {
	buf := captureLog(t, zerolog.DebugLevel)
	payload := strings.Repeat("a", 64) + strings.Repeat("b", 64)
	var got []byte
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	})
	rr := serveChain(h, 64, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(payload)))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, payload, string(got))

	lines := logLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "http request", lines[0]["message"])
	assert.Equal(t, strings.Repeat("a", 64), lines[0]["body"])
	assert.EqualValues(t, http.StatusAccepted, lines[1]["status"])
}

func TestRequestLogCarriesPluginRoute(t *testing.T) {
	buf := captureLog(t, zerolog.InfoLevel)
	rec := endpoint.Record{
		Method: endpoint.MethodGet,
		Path:   "/api/users/:id",
		Plugin: "users",
		Source: "users.lua",
		Handler: func(w *endpoint.Response, r *http.Request) (any, error) {
			return "ok", nil
		},
	}
	rr := serveChain(dispatch.Wrap(rec), 0, httptest.NewRequest(http.MethodGet, "/api/users/7", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "http", line["message"])
	assert.Equal(t, "users", line["plugin"])
	assert.Equal(t, "users.lua", line["file"])
	assert.Equal(t, "GET /api/users/:id", line["route"])
	assert.Equal(t, "success", line["outcome"])
	assert.EqualValues(t, rr.Body.Len(), line["bytes"])
	assert.Contains(t, line, "took")
	assert.NotContains(t, line, "body")
}

func TestRequestLogCarriesBuiltinPattern(t *testing.T) {
	buf := captureLog(t, zerolog.InfoLevel)
	r := chi.NewRouter()
	for _, m := range MiddlewareChain(0) {
		r.Use(m)
	}
	r.Get("/admin/plugins/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/plugins/x", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "/admin/plugins/{name}", lines[0]["route"])
	assert.NotContains(t, lines[0], "plugin")
}
