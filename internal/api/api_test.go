package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/plugapi/internal/dispatch"
	"github.com/gaspardpetit/plugapi/internal/endpoint"
	"github.com/gaspardpetit/plugapi/internal/kv"
	"github.com/gaspardpetit/plugapi/internal/plugin"
	"github.com/gaspardpetit/plugapi/internal/script"
)

type testServer struct {
	root string
	mgr  *plugin.Manager
	h    http.Handler
}

func newTestServer(t *testing.T, apiKey string, files map[string]string) *testServer {
	t.Helper()
	root := filepath.Join(t.TempDir(), "plugins")
	for name, src := range files {
		writeFile(t, root, name, src)
	}
	table := dispatch.NewTable()
	mgr := plugin.NewManager(plugin.Options{Root: root, Script: script.Options{KV: kv.NewMemoryStore()}, Binder: table})
	t.Cleanup(mgr.Close)
	if _, err := mgr.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	a := &API{Plugins: mgr, Routes: table, Version: "test", Started: time.Now()}
	r := chi.NewRouter()
	a.Mount(r, apiKey)
	r.NotFound(table.ServeHTTP)
	r.MethodNotAllowed(table.ServeHTTP)
	return &testServer{root: root, mgr: mgr, h: r}
}

func writeFile(t *testing.T, root, name, src string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(src), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (s *testServer) do(t *testing.T, method, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

var twoNamespaces = map[string]string{
	"a/one.lua": `return { name = "one", get = function() return 1 end }`,
	"b/two.lua": `return function() return 2 end`,
}

func TestListPluginsGroupsByNamespace(t *testing.T) {
	s := newTestServer(t, "", twoNamespaces)
	for _, path := range []string{"/api/plugins", "/api"} {
		rr := s.do(t, http.MethodGet, path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rr.Code)
		}
		body := decode[struct {
			Success   bool                         `json:"success"`
			Total     int                          `json:"total"`
			Plugins   []string                     `json:"plugins"`
			Endpoints map[string][]json.RawMessage `json:"endpoints"`
		}](t, rr)
		if !body.Success || body.Total != 3 {
			t.Fatalf("%s: unexpected body %s", path, rr.Body.String())
		}
		if len(body.Endpoints["a"]) != 1 || len(body.Endpoints["b"]) != 2 || len(body.Endpoints) != 2 {
			t.Fatalf("%s: unexpected groups %s", path, rr.Body.String())
		}
		if strings.Join(body.Plugins, ",") != "one,two" {
			t.Fatalf("%s: plugins %v", path, body.Plugins)
		}
	}
	rr := s.do(t, http.MethodGet, "/api/plugins", "")
	if !strings.Contains(rr.Body.String(), `"file":"a/one.lua"`) || !strings.Contains(rr.Body.String(), `"params":[]`) {
		t.Fatalf("endpoint entry fields missing: %s", rr.Body.String())
	}
}

func TestGetPlugin(t *testing.T) {
	s := newTestServer(t, "", map[string]string{
		"a/one.lua": `return { name = "one", version = "2.0.0", get = function() return 1 end }`,
		"bad.lua":   `return function(`,
	})
	rr := s.do(t, http.MethodGet, "/api/plugins/one", "")
	body := decode[map[string]any](t, rr)
	if rr.Code != http.StatusOK || body["version"] != "2.0.0" || body["shape"] != "per-verb" || body["state"] != "registered" || body["namespace"] != "a" {
		t.Fatalf("unexpected detail: %s", rr.Body.String())
	}
	rr = s.do(t, http.MethodGet, "/api/plugins/bad", "")
	body = decode[map[string]any](t, rr)
	if rr.Code != http.StatusOK || body["state"] != "failed" || body["error"] == nil {
		t.Fatalf("unexpected failed detail: %s", rr.Body.String())
	}
	if rr := s.do(t, http.MethodGet, "/api/plugins/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestReloadEndpoint(t *testing.T) {
	s := newTestServer(t, "", map[string]string{"v.lua": `return function() return "v1" end`})
	writeFile(t, s.root, "v.lua", `return function() return "v2" end`)

	for i, path := range []string{"/plugins/v/reload", "/api/plugins/v/reload"} {
		rr := s.do(t, http.MethodPost, path, "")
		body := decode[map[string]any](t, rr)
		if rr.Code != http.StatusOK || body["success"] != true || body["plugin"] != "v" {
			t.Fatalf("%s: unexpected %d %s", path, rr.Code, rr.Body.String())
		}
		if got := body["generation"].(float64); got != float64(i+2) {
			t.Fatalf("%s: generation %v", path, got)
		}
	}
	rr := s.do(t, http.MethodGet, "/api/v", "")
	if !strings.Contains(rr.Body.String(), `"v2"`) {
		t.Fatalf("reloaded handler not served: %s", rr.Body.String())
	}

	writeFile(t, s.root, "v.lua", `return function(`)
	rr = s.do(t, http.MethodPost, "/plugins/v/reload", "")
	body := decode[map[string]any](t, rr)
	if rr.Code != http.StatusInternalServerError || body["success"] != false || body["plugin"] != "v" || body["error"] == "" {
		t.Fatalf("unexpected failure response: %d %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(t, http.MethodGet, "/api/v", ""); !strings.Contains(rr.Body.String(), `"v2"`) {
		t.Fatalf("previous version should keep serving: %s", rr.Body.String())
	}

	if rr := s.do(t, http.MethodPost, "/plugins/nope/reload", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	s := newTestServer(t, "sekret", twoNamespaces)
	for _, c := range []struct{ method, path string }{
		{http.MethodPost, "/plugins/one/reload"},
		{http.MethodPost, "/api/plugins/one/reload"},
		{http.MethodPost, "/api/plugins/rescan"},
		{http.MethodDelete, "/api/plugins/one"},
	} {
		if rr := s.do(t, c.method, c.path, ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", c.method, c.path, rr.Code)
		}
	}
	if rr := s.do(t, http.MethodGet, "/api/plugins", ""); rr.Code != http.StatusOK {
		t.Fatalf("listing should stay public, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, "/plugins/one/reload", "sekret"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rr.Code)
	}
}

func TestUnloadAndRescan(t *testing.T) {
	s := newTestServer(t, "", twoNamespaces)
	rr := s.do(t, http.MethodDelete, "/api/plugins/two", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unload: %d %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(t, http.MethodGet, "/api/b/two", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unloaded route still served: %d", rr.Code)
	}
	if rr := s.do(t, http.MethodDelete, "/api/plugins/two", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for second unload, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodPost, "/api/plugins/rescan", "")
	body := decode[struct {
		Success bool          `json:"success"`
		Report  plugin.Report `json:"report"`
	}](t, rr)
	if !body.Success || body.Report.Endpoints != 3 || body.Report.ID == "" {
		t.Fatalf("unexpected rescan: %s", rr.Body.String())
	}
	if rr := s.do(t, http.MethodGet, "/api/b/two", ""); rr.Code != http.StatusOK {
		t.Fatalf("rescan should restore route, got %d", rr.Code)
	}
}

func TestPluginRoutesFallThrough(t *testing.T) {
	s := newTestServer(t, "", map[string]string{"hooks/in.lua": `return { handler = function() return "ok" end, method = "POST" }`})
	if rr := s.do(t, http.MethodPost, "/api/hooks/in", ""); rr.Code != http.StatusOK {
		t.Fatalf("plugin route: %d", rr.Code)
	}
	rr := s.do(t, http.MethodGet, "/api/hooks/in", "")
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), dispatch.NotFoundHint) {
		t.Fatalf("expected fallback, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(t, http.MethodPost, "/healthz", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("method mismatch should use the fallback, got %d", rr.Code)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	records := []endpoint.Record{
		{Method: endpoint.MethodGet, Path: "/api/users/:id", Plugin: "users", Params: []endpoint.Param{{Name: "verbose", Type: "boolean"}}},
		{Method: endpoint.MethodPost, Path: "/api/ai/chat", Plugin: "chat", Description: "chat", Params: []endpoint.Param{{Name: "prompt", Required: true}}},
	}
	doc := OpenAPIDocument("1.0.0", records)
	if err := doc.Validate(context.Background()); err != nil {
		t.Fatalf("invalid document: %v", err)
	}
	item := doc.Paths.Find("/api/users/{id}")
	if item == nil || item.Get == nil || len(item.Get.Parameters) != 2 {
		t.Fatalf("missing users operation")
	}
	if item.Get.Parameters[0].Value.In != openapi3.ParameterInPath {
		t.Fatalf("expected path parameter first")
	}

	s := newTestServer(t, "", twoNamespaces)
	rr := s.do(t, http.MethodGet, "/api/openapi.json", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"/api/b/two"`) {
		t.Fatalf("unexpected openapi response: %s", rr.Body.String())
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "", twoNamespaces)
	rr := s.do(t, http.MethodGet, "/healthz", "")
	body := decode[map[string]any](t, rr)
	if rr.Code != http.StatusOK || body["status"] != "ok" || body["plugins"].(float64) != 2 || body["endpoints"].(float64) != 3 {
		t.Fatalf("unexpected health: %s", rr.Body.String())
	}
}

func TestEventsStream(t *testing.T) {
	s := newTestServer(t, "", map[string]string{"e.lua": `return function() return 1 end`})
	srv := httptest.NewServer(s.h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/plugins/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	// The subscription starts after the handshake, so reload until an event
	// arrives.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	defer wg.Wait()
	defer close(stop)
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_, _ = s.mgr.Reload(ctx, "e")
			}
		}
	}()

	_, msg, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev plugin.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != plugin.EventReloaded {
		t.Fatalf("unexpected event type %q", ev.Type)
	}
	if ev.Source != "e.lua" || ev.Plugin != "e" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
