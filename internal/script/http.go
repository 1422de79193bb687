package script

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/gaspardpetit/plugapi/internal/endpoint"
)

// Handler adapts the function at ref into the plugin handler contract.
func Handler(m *Module, ref Ref) endpoint.HandlerFunc {
	return func(w *endpoint.Response, r *http.Request) (any, error) {
		body, err := readBody(r, m.opts.BodyLimit)
		if err != nil {
			return nil, err
		}
		var out any
		err = m.With(r.Context(), func(vm *VM) error {
			fn, err := vm.Resolve(ref)
			if err != nil {
				return err
			}
			L := vm.L
			req := newRequestTable(L, r, body)
			res := newResponseObject(L, w)
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, req, res); err != nil {
				return HandlerError(err)
			}
			out = ToGo(L.Get(-1))
			L.Pop(1)
			return nil
		})
		return out, err
	}
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, &endpoint.StatusError{Status: http.StatusBadRequest, Message: "read body: " + err.Error()}
	}
	if int64(len(b)) > limit {
		return nil, &endpoint.StatusError{Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
	}
	return b, nil
}

func newRequestTable(L *lua.LState, r *http.Request, body []byte) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("method", lua.LString(r.Method))
	t.RawSetString("path", lua.LString(r.URL.Path))
	t.RawSetString("query", valuesTable(L, r.URL.Query()))

	params := L.NewTable()
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, k := range rctx.URLParams.Keys {
			if k == "*" || i >= len(rctx.URLParams.Values) {
				continue
			}
			params.RawSetString(k, lua.LString(rctx.URLParams.Values[i]))
		}
	}
	t.RawSetString("params", params)

	headers := L.NewTable()
	for k, v := range r.Header {
		if len(v) > 0 {
			headers.RawSetString(strings.ToLower(k), lua.LString(v[0]))
		}
	}
	t.RawSetString("headers", headers)
	t.RawSetString("body", lua.LString(body))

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case len(body) > 0 && (ct == "application/json" || strings.HasSuffix(ct, "+json")):
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			t.RawSetString("json", ToLua(L, v))
		}
	case len(body) > 0 && ct == "application/x-www-form-urlencoded":
		if form, err := url.ParseQuery(string(body)); err == nil {
			t.RawSetString("form", valuesTable(L, form))
		}
	}

	id := middleware.GetReqID(r.Context())
	if id == "" {
		id = uuid.NewString()
	}
	t.RawSetString("id", lua.LString(id))
	return t
}

func valuesTable(L *lua.LState, vals url.Values) *lua.LTable {
	t := L.NewTable()
	for k, v := range vals {
		if len(v) > 0 {
			t.RawSetString(k, lua.LString(v[0]))
		}
	}
	return t
}

// newResponseObject exposes w to Lua. Methods accept both res:m() and
// res.m() call styles.
func newResponseObject(L *lua.LState, w *endpoint.Response) *lua.LTable {
	self := L.NewTable()
	arg := func(L *lua.LState, n int) lua.LValue {
		if L.Get(1) == lua.LValue(self) {
			n++
		}
		return L.Get(n)
	}
	ret := func(L *lua.LState) int {
		L.Push(self)
		return 1
	}
	L.SetFuncs(self, map[string]lua.LGFunction{
		"status": func(L *lua.LState) int {
			if n, ok := arg(L, 1).(lua.LNumber); ok {
				w.SetStatus(int(n))
			}
			return ret(L)
		},
		"header": func(L *lua.LState) int {
			k, v := arg(L, 1), arg(L, 2)
			if !w.Written() && k != lua.LNil {
				w.Header().Set(k.String(), L.ToStringMeta(v).String())
			}
			return ret(L)
		},
		"json": func(L *lua.LState) int {
			b, err := json.Marshal(ToGo(arg(L, 1)))
			if err != nil {
				L.RaiseError("json: %v", err)
				return 0
			}
			if !w.Written() {
				w.Header().Set("Content-Type", "application/json")
			}
			_, _ = w.Write(b)
			return ret(L)
		},
		"send": func(L *lua.LState) int {
			body := arg(L, 1)
			if ct, ok := arg(L, 2).(lua.LString); ok && !w.Written() {
				w.Header().Set("Content-Type", string(ct))
			}
			if body == lua.LNil {
				w.WriteHeader(w.Status())
				return ret(L)
			}
			_, _ = io.WriteString(w, L.ToStringMeta(body).String())
			return ret(L)
		},
		"redirect": func(L *lua.LState) int {
			code := http.StatusFound
			if n, ok := arg(L, 2).(lua.LNumber); ok {
				code = int(n)
			}
			w.Header().Set("Location", arg(L, 1).String())
			w.WriteHeader(code)
			return ret(L)
		},
		"sent": func(L *lua.LState) int {
			L.Push(lua.LBool(w.Written()))
			return 1
		},
	})
	return self
}

var wherePrefix = regexp.MustCompile(`^[^\s:]+:\d+:\s*`)

// HandlerError converts a Lua error into a Go error. error("boom") yields
// "boom" without the position prefix; error({status=400, message="x"})
// yields an *endpoint.StatusError.
func HandlerError(err error) error {
	apiErr, ok := err.(*lua.ApiError)
	if !ok || apiErr.Object == nil {
		return err
	}
	switch obj := apiErr.Object.(type) {
	case *lua.LTable:
		se := &endpoint.StatusError{Status: http.StatusInternalServerError, Message: "plugin error"}
		if n, ok := obj.RawGetString("status").(lua.LNumber); ok {
			se.Status = int(n)
		}
		if msg, ok := obj.RawGetString("message").(lua.LString); ok {
			se.Message = string(msg)
		} else if msg, ok := obj.RawGetString("error").(lua.LString); ok {
			se.Message = string(msg)
		}
		return se
	case lua.LString:
		return fmt.Errorf("%s", wherePrefix.ReplaceAllString(string(obj), ""))
	default:
		return fmt.Errorf("%s", wherePrefix.ReplaceAllString(obj.String(), ""))
	}
}
