// Package script runs plugin modules written in Lua.
//
// A module file is compiled once per load. Every request borrows a state
// from the module's pool; states are created on demand from the shared
// compiled chunk, so the module's top-level code runs once per pooled
// state. gopher-lua states are not goroutine-safe and are never shared
// between concurrent requests.
package script

import (
	lua "github.com/yuin/gopher-lua"
)

// openSafeLibraries opens the standard libraries plugins are allowed to use.
// io and debug are never opened; os is reduced to its clock functions.
func openSafeLibraries(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
		{lua.OsLibName, lua.OpenOs},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}

// installSandbox removes the functions that reach the file system or load
// arbitrary code.
func installSandbox(L *lua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	if osTbl, ok := L.GetGlobal("os").(*lua.LTable); ok {
		safe := L.NewTable()
		for _, name := range []string{"time", "date", "clock", "difftime"} {
			safe.RawSetString(name, osTbl.RawGetString(name))
		}
		L.SetGlobal("os", safe)
		setLoaded(L, "os", safe)
	}

	// With empty search paths require only resolves preloaded modules.
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))
	}
}

func setLoaded(L *lua.LState, name string, v lua.LValue) {
	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}
	if loaded, ok := L.GetField(pkg, "loaded").(*lua.LTable); ok {
		loaded.RawSetString(name, v)
	}
}

// newSandboxedState returns a state with the safe libraries and the plugin
// libraries installed.
func newSandboxedState(env *libEnv) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)
	installSandbox(L)
	installLibraries(L, env)
	return L
}
