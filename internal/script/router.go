package script

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Binding is one app.<verb>(path, fn) call made by a router export.
type Binding struct {
	Method string
	Path   string
	Index  int
}

// RunRouter calls a router function as fn(app, routes, name). Each bind call
// on app is recorded and its handler kept in the state so Route refs resolve.
// The routes table the router filled is returned for documentation.
func (vm *VM) RunRouter(fn *lua.LFunction, name string) ([]Binding, *lua.LTable, error) {
	L := vm.L
	vm.routed = vm.routed[:0]
	var bindings []Binding

	app := L.NewTable()
	bind := func(method string) lua.LGFunction {
		return func(L *lua.LState) int {
			start := 1
			if L.Get(1) == lua.LValue(app) {
				start = 2
			}
			path := L.CheckString(start)
			var handler *lua.LFunction
			for i := L.GetTop(); i > start; i-- {
				if f, ok := L.Get(i).(*lua.LFunction); ok {
					handler = f
					break
				}
			}
			if handler == nil {
				L.ArgError(start+1, "handler function expected")
				return 0
			}
			bindings = append(bindings, Binding{Method: method, Path: path, Index: len(vm.routed)})
			vm.routed = append(vm.routed, handler)
			L.Push(app)
			return 1
		}
	}
	funcs := map[string]lua.LGFunction{"all": bind("ALL")}
	// HEAD and OPTIONS are recorded so the normalizer can report them.
	for _, m := range []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"} {
		funcs[strings.ToLower(m)] = bind(m)
	}
	// Middleware registration has no equivalent; accept and ignore it.
	funcs["use"] = func(L *lua.LState) int {
		L.Push(app)
		return 1
	}
	L.SetFuncs(app, funcs)

	routes := L.NewTable()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, app, routes, lua.LString(name)); err != nil {
		return nil, nil, HandlerError(err)
	}
	return bindings, routes, nil
}
