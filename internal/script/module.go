package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/gaspardpetit/plugapi/internal/kv"
)

// Extension is the file suffix of plugin modules.
const Extension = ".lua"

// DefaultBodyLimit caps request bodies handed to Lua handlers.
const DefaultBodyLimit = 10 << 20

// ErrModuleClosed is returned when a module is used after Close.
var ErrModuleClosed = errors.New("module closed")

// Options configures the environment modules run in.
type Options struct {
	KV        kv.Store
	BodyLimit int64
}

// VM is one Lua state of a module together with the module export it
// produced and, for router modules, the functions the router bound.
type VM struct {
	L      *lua.LState
	Export lua.LValue
	routed []*lua.LFunction
}

// Module is a compiled plugin file and its pool of states.
type Module struct {
	path  string
	proto *lua.FunctionProto
	opts  Options
	name  atomic.Value

	mu      sync.Mutex
	free    []*VM
	closed  bool
	retired bool
	inUse   int
	setup   func(*VM) error
	primary *VM
}

// Load reads, compiles and runs the module at path once. The returned
// module's primary state holds the export for inspection.
func Load(path string, opts Options) (*Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Compile(path, src, opts)
}

// Compile builds a module from source. path is used for the chunk name and
// the default plugin name.
func Compile(path string, src []byte, opts Options) (*Module, error) {
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = DefaultBodyLimit
	}
	if opts.KV == nil {
		opts.KV = kv.NewMemoryStore()
	}
	chunkName := filepath.Base(path)
	chunk, err := parse.Parse(bytes.NewReader(src), chunkName)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	proto, err := lua.Compile(chunk, chunkName)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	m := &Module{path: path, proto: proto, opts: opts}
	m.name.Store(strings.TrimSuffix(chunkName, filepath.Ext(chunkName)))
	vm, err := m.newVM()
	if err != nil {
		return nil, err
	}
	m.primary = vm
	m.free = append(m.free, vm)
	return m, nil
}

// Path returns the file the module was loaded from.
func (m *Module) Path() string { return m.path }

// Name returns the plugin name used to scope logs and kv keys.
func (m *Module) Name() string { return m.name.Load().(string) }

// SetName changes the plugin name.
func (m *Module) SetName(name string) {
	if name != "" {
		m.name.Store(name)
	}
}

// Primary returns the state created by Load. It must only be used before
// the module starts serving requests.
func (m *Module) Primary() *VM { return m.primary }

// SetSetup installs a hook run on every state created after this call.
func (m *Module) SetSetup(fn func(*VM) error) {
	m.mu.Lock()
	m.setup = fn
	m.mu.Unlock()
}

func (m *Module) newVM() (vm *VM, err error) {
	env := &libEnv{module: m}
	L := newSandboxedState(env)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
		if err != nil {
			vm = nil
			L.Close()
		}
	}()
	L.Push(L.NewFunctionFromProto(m.proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	vm = &VM{L: L, Export: L.Get(-1)}
	L.Pop(1)

	m.mu.Lock()
	setup := m.setup
	m.mu.Unlock()
	if setup != nil {
		if err := setup(vm); err != nil {
			return nil, err
		}
	}
	return vm, nil
}

func (m *Module) acquire() (*VM, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrModuleClosed
	}
	m.inUse++
	if n := len(m.free); n > 0 {
		vm := m.free[n-1]
		m.free = m.free[:n-1]
		m.mu.Unlock()
		return vm, nil
	}
	m.mu.Unlock()
	vm, err := m.newVM()
	if err != nil {
		m.mu.Lock()
		m.inUse--
		m.mu.Unlock()
	}
	return vm, err
}

func (m *Module) release(vm *VM, discard bool) {
	m.mu.Lock()
	m.inUse--
	if m.closed || m.retired || discard {
		m.mu.Unlock()
		vm.L.Close()
		return
	}
	m.free = append(m.free, vm)
	m.mu.Unlock()
}

// With borrows a state for the duration of fn. The state is bound to ctx,
// so cancelling ctx aborts running Lua code. States left unusable by a
// cancelled call or a panic are discarded.
func (m *Module) With(ctx context.Context, fn func(*VM) error) (err error) {
	vm, err := m.acquire()
	if err != nil {
		return err
	}
	discard := false
	vm.L.SetContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
			discard = true
		}
		if ctx.Err() != nil {
			discard = true
		}
		if !discard {
			vm.L.RemoveContext()
			vm.L.SetTop(0)
		}
		m.release(vm, discard)
	}()
	return fn(vm)
}

// Retire stops pooling states. Idle states are closed now and borrowed ones
// when they are returned. Requests that still reach a retired module are
// served from a fresh state, so a module replaced by a reload keeps
// answering the requests routed to it before the swap.
func (m *Module) Retire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired || m.closed {
		return
	}
	m.retired = true
	for _, vm := range m.free {
		vm.L.Close()
	}
	m.free = nil
}

// InUse reports how many states are currently borrowed.
func (m *Module) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}

// Close releases every pooled state and rejects further calls with
// ErrModuleClosed. Borrowed states are closed when they are returned.
func (m *Module) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, vm := range m.free {
		vm.L.Close()
	}
	m.free = nil
}

// Ref locates a function inside a module export so that it can be resolved
// again in any state of the pool.
type Ref struct {
	Keys  []lua.LValue
	Route int
}

// Field references export[k1][k2]...; no keys means the export itself.
func Field(keys ...any) Ref {
	r := Ref{Route: -1}
	for _, k := range keys {
		switch v := k.(type) {
		case int:
			r.Keys = append(r.Keys, lua.LNumber(v))
		case string:
			r.Keys = append(r.Keys, lua.LString(v))
		case lua.LValue:
			r.Keys = append(r.Keys, v)
		}
	}
	return r
}

// Route references the n-th function bound by a router export.
func Route(n int) Ref { return Ref{Route: n} }

func (r Ref) String() string {
	if r.Route >= 0 {
		return "route#" + strconv.Itoa(r.Route)
	}
	parts := []string{"export"}
	for _, k := range r.Keys {
		parts = append(parts, k.String())
	}
	return strings.Join(parts, ".")
}

// Resolve returns the function r points at in this state.
func (vm *VM) Resolve(r Ref) (*lua.LFunction, error) {
	var v lua.LValue
	if r.Route >= 0 {
		if r.Route >= len(vm.routed) {
			return nil, fmt.Errorf("%s: router bound %d handlers", r, len(vm.routed))
		}
		return vm.routed[r.Route], nil
	}
	v = vm.Export
	for _, k := range r.Keys {
		t, ok := v.(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("%s: not a table at %s", r, k)
		}
		v = t.RawGet(k)
	}
	fn, ok := v.(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%s is %s, not a function", r, v.Type())
	}
	return fn, nil
}
