package script

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"

	"github.com/gaspardpetit/plugapi/internal/logx"
)

// libEnv is what the plugin libraries of one state see.
type libEnv struct {
	module *Module
}

// installLibraries preloads json, kv and log for require and also exposes
// them as globals.
func installLibraries(L *lua.LState, env *libEnv) {
	libs := map[string]map[string]lua.LGFunction{
		"json": {
			"encode": jsonEncode,
			"decode": jsonDecode,
			"get":    jsonGet,
			"set":    jsonSet,
		},
		"kv": {
			"get": env.kvGet,
			"set": env.kvSet,
			"del": env.kvDel,
		},
		"log": {
			"debug": env.logAt(zerolog.DebugLevel),
			"info":  env.logAt(zerolog.InfoLevel),
			"warn":  env.logAt(zerolog.WarnLevel),
			"error": env.logAt(zerolog.ErrorLevel),
		},
	}
	for name, funcs := range libs {
		mod := L.SetFuncs(L.NewTable(), funcs)
		L.SetGlobal(name, mod)
		L.PreloadModule(name, func(L *lua.LState) int {
			L.Push(mod)
			return 1
		})
	}
}

func jsonEncode(L *lua.LState) int {
	b, err := json.Marshal(ToGo(L.CheckAny(1)))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(b))
	return 1
}

func jsonDecode(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(ToLua(L, v))
	return 1
}

// jsonGet reads a gjson path out of a JSON document.
func jsonGet(L *lua.LState) int {
	res := gjson.Get(L.CheckString(1), L.CheckString(2))
	if !res.Exists() {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(ToLua(L, res.Value()))
	return 1
}

// jsonSet writes value at an sjson path and returns the new document.
func jsonSet(L *lua.LState) int {
	out, err := sjson.Set(L.CheckString(1), L.CheckString(2), ToGo(L.Get(3)))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(out))
	return 1
}

func stateContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (e *libEnv) kvKey(key string) string { return e.module.Name() + ":" + key }

func (e *libEnv) kvGet(L *lua.LState) int {
	store := e.module.opts.KV
	if store == nil {
		L.RaiseError("kv store not configured")
		return 0
	}
	v, ok, err := store.Get(stateContext(L), e.kvKey(L.CheckString(1)))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

func (e *libEnv) kvSet(L *lua.LState) int {
	store := e.module.opts.KV
	if store == nil {
		L.RaiseError("kv store not configured")
		return 0
	}
	key := L.CheckString(1)
	val := L.ToStringMeta(L.CheckAny(2)).String()
	ttl := time.Duration(float64(L.OptNumber(3, 0)) * float64(time.Second))
	if err := store.Set(stateContext(L), e.kvKey(key), val, ttl); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (e *libEnv) kvDel(L *lua.LState) int {
	store := e.module.opts.KV
	if store == nil {
		L.RaiseError("kv store not configured")
		return 0
	}
	if err := store.Delete(stateContext(L), e.kvKey(L.CheckString(1))); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (e *libEnv) logAt(level zerolog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		l := logx.Plugin(e.module.Name())
		ev := l.WithLevel(level)
		if fields, ok := ToGo(L.Get(2)).(map[string]any); ok {
			ev = ev.Fields(fields)
		}
		ev.Msg(L.ToStringMeta(L.Get(1)).String())
		return 0
	}
}
