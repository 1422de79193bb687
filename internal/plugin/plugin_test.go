package plugin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/plugapi/internal/dispatch"
	"github.com/gaspardpetit/plugapi/internal/endpoint"
	"github.com/gaspardpetit/plugapi/internal/kv"
	"github.com/gaspardpetit/plugapi/internal/script"
)

type fixture struct {
	root  string
	m     *Manager
	table *dispatch.Table
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	return newFixtureWorkers(t, files, 1)
}

func newFixtureWorkers(t *testing.T, files map[string]string, workers int) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "plugins")
	f := &fixture{root: root, table: dispatch.NewTable()}
	for name, src := range files {
		f.write(t, name, src)
	}
	f.m = NewManager(Options{
		Root:    root,
		Workers: workers,
		Script:  script.Options{KV: kv.NewMemoryStore()},
		Binder:  f.table,
	})
	t.Cleanup(f.m.Close)
	return f
}

func (f *fixture) write(t *testing.T, name, src string) {
	t.Helper()
	p := filepath.Join(f.root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
}

func (f *fixture) scan(t *testing.T) *Report {
	t.Helper()
	rep, err := f.m.Scan(context.Background())
	require.NoError(t, err)
	return rep
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.table.ServeHTTP(rec, req)
	return rec
}

func keys(records []endpoint.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Key())
	}
	sort.Strings(out)
	return out
}

const notFoundBody = `{"success":false,"error":"Endpoint not found","hint":"Check GET /api for available endpoints"}`

func TestShapesProduceRecords(t *testing.T) {
	cases := []struct {
		name  string
		file  string
		src   string
		shape Shape
		want  []string
	}{
		{
			name:  "bare",
			file:  "tools/echo.lua",
			src:   `return function(req, res) return req.method end`,
			shape: ShapeBare,
			want:  []string{"GET /api/tools/echo", "POST /api/tools/echo"},
		},
		{
			name:  "meta single method",
			file:  "tools/hook.lua",
			src:   `return { handler = function() return 1 end, method = "post" }`,
			shape: ShapeMeta,
			want:  []string{"POST /api/tools/hook"},
		},
		{
			name:  "meta methods list",
			file:  "tools/multi.lua",
			src:   `return { handler = function() return 1 end, methods = { "GET", "put", "bogus" } }`,
			shape: ShapeMeta,
			want:  []string{"GET /api/tools/multi", "PUT /api/tools/multi"},
		},
		{
			name:  "meta default methods",
			file:  "tools/plain.lua",
			src:   `return { handler = function() return 1 end, description = "plain" }`,
			shape: ShapeMeta,
			want:  []string{"GET /api/tools/plain", "POST /api/tools/plain"},
		},
		{
			name:  "per verb",
			file:  "video/clip.lua",
			src:   `return { GET = function() return "g" end, delete = { handler = function() return "d" end } }`,
			shape: ShapePerVerb,
			want:  []string{"DELETE /api/video/clip", "GET /api/video/clip"},
		},
		{
			name: "router function",
			file: "chatgpt.lua",
			src: `return function(app, routes, name)
				app.get("/chatgpt/text", function() return "t" end)
				app.post("chatgpt//image", function() return "i" end)
			end`,
			shape: ShapeRouter,
			want:  []string{"GET /chatgpt/text", "POST /chatgpt/image"},
		},
		{
			name: "router table",
			file: "wrapped.lua",
			src: `return { name = "wrapped", router = function(app)
				app:all("/wrapped/any", function() return 1 end)
			end }`,
			shape: ShapeRouter,
			want: []string{
				"DELETE /wrapped/any", "GET /wrapped/any", "PATCH /wrapped/any",
				"POST /wrapped/any", "PUT /wrapped/any",
			},
		},
		{
			name: "routes list",
			file: "users.lua",
			src: `return { routes = {
				{ method = "GET", path = "/api/users", handler = function() return {} end },
				{ method = "GET", path = "/api/users/:id", handler = function(req) return req.params.id end },
			} }`,
			shape: ShapeRoutes,
			want:  []string{"GET /api/users", "GET /api/users/:id"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t, map[string]string{c.file: c.src})
			f.scan(t)
			entries := f.m.Registry().Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, c.shape, entries[0].Shape)
			assert.Equal(t, c.want, keys(f.m.Registry().Endpoints()))
			for _, r := range entries[0].Endpoints {
				assert.Equal(t, c.file, r.Source)
				assert.NotNil(t, r.Params)
			}
		})
	}
}

func TestUnknownExportIsSkippedWithWarning(t *testing.T) {
	f := newFixture(t, map[string]string{
		"nothing.lua": `local x = 1`,
		"number.lua":  `return 42`,
		"ok.lua":      `return function() return 1 end`,
	})
	rep := f.scan(t)
	assert.Equal(t, []string{"ok"}, f.m.Registry().Plugins())
	assert.Len(t, rep.Warnings, 2)
	assert.Contains(t, strings.Join(rep.Warnings, "\n"), "unrecognized export of type number")
	assert.Equal(t, 2, rep.Endpoints)
}

func TestBareFunctionServesGetAndPost(t *testing.T) {
	f := newFixture(t, map[string]string{"ai/chat.lua": `return function(req) return { method = req.method } end`})
	f.scan(t)
	assert.Equal(t, []string{"GET /api/ai/chat", "POST /api/ai/chat"}, keys(f.m.Registry().Endpoints()))
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := f.do(t, method, "/api/ai/chat", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true,"data":{"method":"`+method+`"}}`, rec.Body.String())
	}
}

func TestPostOnlyMetaRejectsGet(t *testing.T) {
	f := newFixture(t, map[string]string{"hooks/in.lua": `return { handler = function(req) return req.json end, method = "POST" }`})
	f.scan(t)
	rec := f.do(t, http.MethodGet, "/api/hooks/in", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, notFoundBody, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/hooks/in", `{"a":1}`)
	assert.JSONEq(t, `{"success":true,"data":{"a":1}}`, rec.Body.String())
}

func TestPerVerbIsolation(t *testing.T) {
	f := newFixture(t, map[string]string{"items.lua": `return {
		get = function() return "listing" end,
		post = function() return "creating" end,
	}`})
	f.scan(t)
	assert.JSONEq(t, `{"success":true,"data":"listing"}`, f.do(t, http.MethodGet, "/api/items", "").Body.String())
	assert.JSONEq(t, `{"success":true,"data":"creating"}`, f.do(t, http.MethodPost, "/api/items", "").Body.String())
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/items", "").Code)
}

func TestSuccessEnvelope(t *testing.T) {
	f := newFixture(t, map[string]string{"x.lua": `return function() return { x = 1 } end`})
	f.scan(t)
	rec := f.do(t, http.MethodGet, "/api/x", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"x":1}}`, rec.Body.String())
}

func TestHandlerErrorKeepsServing(t *testing.T) {
	f := newFixture(t, map[string]string{
		"boom.lua": `return function() error("boom") end`,
		"fine.lua": `return function() return "fine" end`,
	})
	f.scan(t)
	rec := f.do(t, http.MethodGet, "/api/boom", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"boom"}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/fine", "").Code)
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodGet, "/api/boom", "").Code)
}

func TestFailingModuleIsSkipped(t *testing.T) {
	f := newFixture(t, map[string]string{
		"broken.lua":   `return function(`,
		"throws.lua":   `error("at load")`,
		"requires.lua": `local x = require("missing.module") return function() end`,
		"good.lua":     `return function() return 1 end`,
	})
	rep := f.scan(t)
	assert.Equal(t, []string{"good"}, f.m.Registry().Plugins())
	assert.Len(t, rep.Failed, 3)
	for _, r := range f.m.Registry().Endpoints() {
		assert.Equal(t, "good.lua", r.Source)
	}
	e, ok := f.m.Registry().Lookup("throws")
	require.True(t, ok)
	assert.Equal(t, StateFailed, e.State)
	assert.Contains(t, e.LastError, "at load")
}

func TestNamespacesFromFolders(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a/one.lua": `return function() return 1 end`,
		"b/two.lua": `return { get = function() return 2 end }`,
	})
	rep := f.scan(t)
	assert.Equal(t, 3, rep.Endpoints)
	groups := map[string]int{}
	for _, r := range f.m.Registry().Endpoints() {
		groups[endpoint.Namespace(r.Path)]++
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, groups)
	assert.Equal(t, []string{"a/one.lua", "b/two.lua"}, f.m.Registry().Sources())
}

func TestDiscoverSkipsHiddenAndForeignFiles(t *testing.T) {
	f := newFixture(t, map[string]string{
		".hidden/x.lua": `return function() end`,
		"a/.secret.lua": `return function() end`,
		"a/readme.md":   `# docs`,
		"a/b/deep.lua":  `return function() end`,
		"a/first.lua":   `return function() end`,
		"z.lua":         `return function() end`,
	})
	cands, err := Discover(f.root)
	require.NoError(t, err)
	var got []string
	for _, c := range cands {
		got = append(got, c.Source)
	}
	assert.Equal(t, []string{"a/b/deep.lua", "a/first.lua", "z.lua"}, got)
	assert.Equal(t, "a/b", cands[0].Namespace)
	assert.Equal(t, "deep", cands[0].Base)
}

func TestMissingRootIsCreated(t *testing.T) {
	f := newFixture(t, nil)
	rep := f.scan(t)
	assert.Zero(t, rep.Plugins)
	st, err := os.Stat(f.root)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestRescanIsIdempotent(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a/one.lua": `return function() return 1 end`,
		"b/two.lua": `return { get = function() return 2 end }`,
	})
	f.scan(t)
	first := keys(f.m.Registry().Endpoints())
	f.scan(t)
	assert.Equal(t, first, keys(f.m.Registry().Endpoints()))
	assert.Len(t, f.table.Bound(), len(first))
}

func TestRescanPrunesDeletedFiles(t *testing.T) {
	f := newFixture(t, map[string]string{
		"keep.lua": `return function() return 1 end`,
		"gone.lua": `return function() return 2 end`,
	})
	f.scan(t)
	require.NoError(t, os.Remove(filepath.Join(f.root, "gone.lua")))
	rep := f.scan(t)
	assert.Equal(t, []string{"gone.lua"}, rep.Pruned)
	assert.Equal(t, []string{"keep"}, f.m.Registry().Plugins())
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/gone", "").Code)
}

func TestParallelScanKeepsDiscoveryOrder(t *testing.T) {
	files := map[string]string{}
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		files[n+"/m.lua"] = `return function() return "` + n + `" end`
	}
	f := newFixtureWorkers(t, files, 4)
	f.scan(t)
	assert.Equal(t, []string{"a/m.lua", "b/m.lua", "c/m.lua", "d/m.lua", "e/m.lua", "f/m.lua", "g/m.lua", "h/m.lua"}, f.m.Registry().Sources())
	assert.JSONEq(t, `{"success":true,"data":"e"}`, f.do(t, http.MethodGet, "/api/e/m", "").Body.String())
}

func TestDuplicateVerbsLastWins(t *testing.T) {
	f := newFixture(t, map[string]string{"dup.lua": `return {
		handler = function() return "meta" end,
		methods = { "GET", "POST" },
		post = function() return "verb" end,
	}`})
	f.scan(t)
	assert.Equal(t, []string{"GET /api/dup", "POST /api/dup"}, keys(f.m.Registry().Endpoints()))
	assert.JSONEq(t, `{"success":true,"data":"meta"}`, f.do(t, http.MethodGet, "/api/dup", "").Body.String())
	assert.JSONEq(t, `{"success":true,"data":"verb"}`, f.do(t, http.MethodPost, "/api/dup", "").Body.String())
}

func TestMetadataAndParams(t *testing.T) {
	f := newFixture(t, map[string]string{"svc/weather.lua": `return {
		name = "forecast", version = "1.2.0", description = "weather lookups",
		handler = function(req) return req.query.city end,
		params = { { name = "city", type = "string", required = true, description = "city name" }, "units" },
	}`})
	f.scan(t)
	e, ok := f.m.Registry().Lookup("forecast")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", e.Version)
	assert.Equal(t, "svc", e.Namespace)
	require.NotEmpty(t, e.Endpoints)
	assert.Equal(t, "forecast", e.Endpoints[0].Plugin)
	assert.Equal(t, []endpoint.Param{
		{Name: "city", Type: "string", Required: true, Description: "city name"},
		{Name: "units"},
	}, e.Endpoints[0].Params)
	assert.JSONEq(t, `{"success":true,"data":"oslo"}`, f.do(t, http.MethodGet, "/api/svc/weather?city=oslo", "").Body.String())
}

func TestRouterReplayedInEveryPooledState(t *testing.T) {
	f := newFixture(t, map[string]string{"chat.lua": `return function(app, routes, name)
		table.insert(routes, { plugin = name, endpoints = {
			{ method = "GET", path = "/chat/slow", description = "slow call" },
		} })
		app.get("/chat/slow", function(req) return name .. ":" .. req.query.n end)
		app.post("/chat/echo", function(req) return req.json end)
	end`})
	f.scan(t)

	e, ok := f.m.Registry().Lookup("chat")
	require.True(t, ok)
	for _, r := range e.Endpoints {
		if r.Path == "/chat/slow" {
			assert.Equal(t, "slow call", r.Description)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n := string(rune('a' + i))
			rec := f.do(t, http.MethodGet, "/chat/slow?n="+n, "")
			assert.JSONEq(t, `{"success":true,"data":"chat:`+n+`"}`, rec.Body.String())
		}(i)
	}
	wg.Wait()
}

func TestRoutesListPathParams(t *testing.T) {
	f := newFixture(t, map[string]string{"users.lua": `return { name = "users", routes = {
		{ method = "GET", path = "/api/users/:id", handler = function(req) return { id = req.params.id } end },
		{ method = "DELETE", path = "/api/users/:id", handler = function(req, res) res:status(204):send() end },
	} }`})
	f.scan(t)
	assert.JSONEq(t, `{"success":true,"data":{"id":"7"}}`, f.do(t, http.MethodGet, "/api/users/7", "").Body.String())
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/users/7", "").Code)
}

func TestReloadReplacesBehavior(t *testing.T) {
	f := newFixture(t, map[string]string{"v.lua": `return function() return "v1" end`})
	f.scan(t)
	assert.JSONEq(t, `{"success":true,"data":"v1"}`, f.do(t, http.MethodGet, "/api/v", "").Body.String())

	f.write(t, "v.lua", `return { get = function() return "v2" end }`)
	e, err := f.m.Reload(context.Background(), "v")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Generation)
	assert.Equal(t, StateReloaded, e.State)
	assert.Equal(t, 1, e.Reloads)

	assert.JSONEq(t, `{"success":true,"data":"v2"}`, f.do(t, http.MethodGet, "/api/v", "").Body.String())
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v", "").Code)
}

func TestReloadFailureKeepsPreviousRoutes(t *testing.T) {
	f := newFixture(t, map[string]string{"v.lua": `return function() return "v1" end`})
	f.scan(t)

	f.write(t, "v.lua", `return function(`)
	_, err := f.m.Reload(context.Background(), "v.lua")
	var rf *ReloadFailure
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "v", rf.Plugin)
	var le *LoadError
	assert.ErrorAs(t, err, &le)

	assert.JSONEq(t, `{"success":true,"data":"v1"}`, f.do(t, http.MethodGet, "/api/v", "").Body.String())
	e, ok := f.m.Registry().Get("v.lua")
	require.True(t, ok)
	assert.Equal(t, StateRegistered, e.State)
	assert.Equal(t, uint64(1), e.Generation)
	assert.NotEmpty(t, e.LastError)

	f.write(t, "v.lua", `return function() return "v3" end`)
	e, err = f.m.Reload(context.Background(), "v")
	require.NoError(t, err)
	assert.Empty(t, e.LastError)
	assert.JSONEq(t, `{"success":true,"data":"v3"}`, f.do(t, http.MethodGet, "/api/v", "").Body.String())
}

func TestReloadNewFileAndUnknownTarget(t *testing.T) {
	f := newFixture(t, nil)
	f.scan(t)
	f.write(t, "late/added.lua", `return function() return "late" end`)

	e, err := f.m.Reload(context.Background(), "late/added.lua")
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, e.State)
	assert.JSONEq(t, `{"success":true,"data":"late"}`, f.do(t, http.MethodGet, "/api/late/added", "").Body.String())

	_, err = f.m.Reload(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPluginNotFound)
	_, err = f.m.Reload(context.Background(), "../outside.lua")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestUnloadRetractsRoutes(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.lua": `return function() return "a" end`,
		"b.lua": `return function() return "b" end`,
	})
	f.scan(t)
	removed, err := f.m.Unload("a")
	require.NoError(t, err)
	assert.Equal(t, StateRemoved, removed.State)
	assert.Equal(t, []string{"b"}, f.m.Registry().Plugins())
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/a", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/b", "").Code)

	_, err = f.m.Unload("a")
	assert.True(t, errors.Is(err, ErrPluginNotFound))
}

func TestGenerationIsMonotonic(t *testing.T) {
	f := newFixture(t, map[string]string{"g.lua": `return function() return 1 end`})
	f.scan(t)
	var last uint64
	for i := 0; i < 3; i++ {
		e, err := f.m.Reload(context.Background(), "g")
		require.NoError(t, err)
		assert.Greater(t, e.Generation, last)
		last = e.Generation
	}
	_, err := f.m.Unload("g")
	require.NoError(t, err)
	e, err := f.m.Reload(context.Background(), "g.lua")
	require.NoError(t, err)
	assert.Greater(t, e.Generation, last)
}

func TestConcurrentReloadsOfOneModule(t *testing.T) {
	f := newFixture(t, map[string]string{"c.lua": `return function() return 1 end`})
	f.scan(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.Reload(context.Background(), "c")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(9), f.m.Registry().Generation("c.lua"))
	assert.Len(t, f.table.Bound(), 2)
}

func TestRefreshSkipsUnchangedContent(t *testing.T) {
	f := newFixture(t, map[string]string{"r.lua": `return function() return 1 end`})
	f.scan(t)
	file := filepath.Join(f.root, "r.lua")

	require.NoError(t, f.m.Refresh(context.Background(), file))
	assert.Equal(t, uint64(1), f.m.Registry().Generation("r.lua"))

	f.write(t, "r.lua", `return function() return 2 end`)
	require.NoError(t, f.m.Refresh(context.Background(), file))
	assert.Equal(t, uint64(2), f.m.Registry().Generation("r.lua"))

	require.NoError(t, os.Remove(file))
	require.NoError(t, f.m.Refresh(context.Background(), file))
	assert.Empty(t, f.m.Registry().Plugins())
}

func TestRegistryEvents(t *testing.T) {
	f := newFixture(t, map[string]string{"e.lua": `return function() return 1 end`})
	events, cancel := f.m.Registry().Subscribe()
	defer cancel()

	f.scan(t)
	_, err := f.m.Reload(context.Background(), "e")
	require.NoError(t, err)
	_, err = f.m.Unload("e")
	require.NoError(t, err)

	var got []EventType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
			assert.Equal(t, "e.lua", ev.Source)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
	assert.Equal(t, []EventType{EventRegistered, EventReloaded, EventRemoved}, got)
}

func TestWatchReloadsChangedFiles(t *testing.T) {
	f := newFixture(t, map[string]string{"w.lua": `return function() return "one" end`})
	f.scan(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := f.m.Watch(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	f.write(t, "w.lua", `return function() return "two" end`)
	assert.Eventually(t, func() bool {
		return strings.Contains(f.do(t, http.MethodGet, "/api/w", "").Body.String(), `"two"`)
	}, 3*time.Second, 20*time.Millisecond)

	f.write(t, "fresh/new.lua", `return function() return "new" end`)
	assert.Eventually(t, func() bool {
		return f.do(t, http.MethodGet, "/api/fresh/new", "").Code == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(f.root, "w.lua")))
	assert.Eventually(t, func() bool {
		return f.do(t, http.MethodGet, "/api/w", "").Code == http.StatusNotFound
	}, 3*time.Second, 20*time.Millisecond)
}

func TestTablePathOverridesDerivedRoute(t *testing.T) {
	f := newFixture(t, map[string]string{
		"svc.lua":  `return { path = "/custom", get = function() return "g" end, put = { handler = function() return "p" end } }`,
		"meta.lua": `return { path = "/m", handler = function() return "h" end, method = "GET", post = function() return "p" end }`,
		"own.lua":  `return { path = "/base", get = { path = "/elsewhere", handler = function() return 1 end } }`,
	})
	f.scan(t)
	assert.Equal(t, []string{"GET /custom", "GET /elsewhere", "GET /m", "POST /m", "PUT /custom"}, keys(f.m.Registry().Endpoints()))
	assert.JSONEq(t, `{"success":true,"data":"g"}`, f.do(t, http.MethodGet, "/custom", "").Body.String())
	assert.JSONEq(t, `{"success":true,"data":"p"}`, f.do(t, http.MethodPost, "/m", "").Body.String())
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/svc", "").Code)
}

func TestRouterDocsPerMethod(t *testing.T) {
	f := newFixture(t, map[string]string{"any.lua": `return function(app, routes, name)
		table.insert(routes, { method = "GET", path = "/any", description = "read" })
		table.insert(routes, { method = "DELETE", path = "/any", description = "drop" })
		app.all("/any", function(req) return req.method end)
		app.options("/any", function() return 1 end)
	end`})
	f.scan(t)
	e, ok := f.m.Registry().Lookup("any")
	require.True(t, ok)
	docs := map[endpoint.Method]string{}
	for _, r := range e.Endpoints {
		docs[r.Method] = r.Description
	}
	assert.Len(t, e.Endpoints, len(endpoint.Methods))
	assert.Equal(t, "read", docs[endpoint.MethodGet])
	assert.Equal(t, "drop", docs[endpoint.MethodDelete])
	assert.Equal(t, "", docs[endpoint.MethodPost])
	require.Len(t, e.Warnings, 1)
	assert.Contains(t, e.Warnings[0], "OPTIONS")
}

func TestReloadUnderTrafficServesEveryRequest(t *testing.T) {
	f := newFixture(t, map[string]string{"x.lua": `return function() return "ok" end`})
	f.scan(t)

	stop := make(chan struct{})
	var failures, served sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n := 0
			for {
				select {
				case <-stop:
					served.Store(i, n)
					return
				default:
				}
				rec := f.do(t, http.MethodGet, "/api/x", "")
				if rec.Code != http.StatusOK {
					failures.Store(i, rec.Body.String())
				}
				n++
			}
		}(i)
	}
	for i := 0; i < 100; i++ {
		_, err := f.m.Reload(context.Background(), "x")
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	failures.Range(func(k, v any) bool {
		t.Errorf("worker %v got %v", k, v)
		return true
	})
	total := 0
	served.Range(func(_, v any) bool {
		total += v.(int)
		return true
	})
	assert.Positive(t, total)
}

func TestCancelledScanClosesLoadedModules(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.lua": `return function() return "a" end`,
		"b.lua": `return function() return "b" end`,
	})
	ctx, cancel := context.WithCancel(context.Background())
	var loaded []*script.Module
	f.m.afterLoad = func(r loadResult) {
		if r.entry != nil {
			loaded = append(loaded, r.entry.module)
		}
		cancel()
	}
	_, err := f.m.Scan(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, loaded, 1)
	err = loaded[0].With(context.Background(), func(*script.VM) error { return nil })
	assert.ErrorIs(t, err, script.ErrModuleClosed)
	assert.Empty(t, f.m.Registry().Entries())
}
