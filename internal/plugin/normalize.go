package plugin

import (
	"fmt"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/gaspardpetit/plugapi/internal/endpoint"
	"github.com/gaspardpetit/plugapi/internal/script"
)

// Shape is the export form a module was recognized as.
type Shape int

const (
	ShapeUnknown Shape = iota
	// ShapeBare is function(req, res).
	ShapeBare
	// ShapeMeta is { handler = fn, method|methods = ..., params, description }.
	ShapeMeta
	// ShapePerVerb is { get = fn|{handler=fn}, post = ..., ... }.
	ShapePerVerb
	// ShapeRouter is function(app, routes, name) or { router = fn }.
	ShapeRouter
	// ShapeRoutes is { routes = { { method, path, handler }, ... } }.
	ShapeRoutes
)

func (s Shape) String() string {
	switch s {
	case ShapeBare:
		return "bare"
	case ShapeMeta:
		return "meta"
	case ShapePerVerb:
		return "per-verb"
	case ShapeRouter:
		return "router"
	case ShapeRoutes:
		return "routes"
	default:
		return "unknown"
	}
}

func (s Shape) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// routerArity is the declared parameter count from which a bare function is
// treated as a router: function(app, routes, name).
const routerArity = 3

// Unit is one module handed to the normalizer.
type Unit struct {
	Module    *script.Module
	Source    string
	Namespace string
	Base      string
}

// Meta is the descriptive metadata a table export may declare.
type Meta struct {
	Name        string
	Version     string
	Description string
}

// Normalized is the outcome of normalizing one module.
type Normalized struct {
	Shape    Shape
	Meta     Meta
	Records  []endpoint.Record
	Warnings []*NormalizationWarning
}

// Classify inspects an export once and returns its shape.
func Classify(v lua.LValue) Shape {
	switch ex := v.(type) {
	case *lua.LFunction:
		if ex.Proto != nil && int(ex.Proto.NumParameters) >= routerArity {
			return ShapeRouter
		}
		return ShapeBare
	case *lua.LTable:
		if _, ok := ex.RawGetString("router").(*lua.LFunction); ok {
			return ShapeRouter
		}
		if _, ok := ex.RawGetString("handler").(*lua.LFunction); ok {
			return ShapeMeta
		}
		if len(verbKeys(ex)) > 0 {
			return ShapePerVerb
		}
		if _, ok := ex.RawGetString("routes").(*lua.LTable); ok {
			return ShapeRoutes
		}
	}
	return ShapeUnknown
}

// Normalize converts a module export into endpoint records. Handlers are
// never invoked; router exports are called once to collect their bindings,
// and replayed in every pooled state the module creates later.
//
// Table exports are applied in a fixed order: handler, per-verb keys, routes
// list. A later declaration of the same (method, path) inside one module
// replaces the earlier one.
func Normalize(u Unit) (*Normalized, error) {
	vm := u.Module.Primary()
	n := &Normalized{Shape: Classify(vm.Export), Meta: Meta{Name: u.Base}}
	tbl, _ := vm.Export.(*lua.LTable)
	if tbl != nil {
		if name := stringField(tbl, "name"); name != "" {
			n.Meta.Name = name
		}
		n.Meta.Version = stringField(tbl, "version")
		n.Meta.Description = stringField(tbl, "description")
	}
	u.Module.SetName(n.Meta.Name)

	acc := &accumulator{unit: u, plugin: n.Meta.Name, index: map[string]int{}}
	derived := endpoint.DerivePath(u.Namespace, u.Base)

	switch n.Shape {
	case ShapeUnknown:
		reason := "export is nil"
		if vm.Export != lua.LNil {
			reason = fmt.Sprintf("unrecognized export of type %s", vm.Export.Type())
		}
		acc.warn("%s", reason)
	case ShapeBare:
		acc.add(endpoint.DefaultMethods, derived, script.Field(), handlerDoc{})
	case ShapeRouter:
		ref := script.Field()
		if tbl != nil {
			ref = script.Field("router")
		}
		if err := acc.router(ref); err != nil {
			return nil, err
		}
	default:
		acc.table(tbl, derived)
	}
	n.Records = acc.records
	n.Warnings = acc.warnings
	return n, nil
}

// handlerDoc is the per-handler documentation.
type handlerDoc struct {
	params      []endpoint.Param
	description string
}

type accumulator struct {
	unit     Unit
	plugin   string
	records  []endpoint.Record
	index    map[string]int
	warnings []*NormalizationWarning
}

func (a *accumulator) warn(format string, args ...any) {
	a.warnings = append(a.warnings, &NormalizationWarning{File: a.unit.Source, Reason: fmt.Sprintf(format, args...)})
}

func (a *accumulator) add(methods []endpoint.Method, path string, ref script.Ref, s handlerDoc) {
	h := script.Handler(a.unit.Module, ref)
	for _, m := range methods {
		rec := endpoint.Record{
			Method:      m,
			Path:        path,
			Handler:     h,
			Source:      a.unit.Source,
			Plugin:      a.plugin,
			Params:      s.params,
			Description: s.description,
		}
		if rec.Params == nil {
			rec.Params = []endpoint.Param{}
		}
		if i, ok := a.index[rec.Key()]; ok {
			a.records[i] = rec
			continue
		}
		a.index[rec.Key()] = len(a.records)
		a.records = append(a.records, rec)
	}
}

func (a *accumulator) table(t *lua.LTable, derived string) {
	// An explicit table-level path replaces the derived route for every
	// declaration that does not name its own.
	base := pathOr(t, derived)
	if fn, ok := t.RawGetString("handler").(*lua.LFunction); ok && fn != nil {
		methods := a.methods(t, "methods", "method")
		if methods == nil {
			methods = endpoint.DefaultMethods
		}
		a.add(methods, base, script.Field("handler"), a.docOf(t))
	}

	for _, vk := range verbKeys(t) {
		switch v := t.RawGetString(vk.key).(type) {
		case *lua.LFunction:
			a.add([]endpoint.Method{vk.method}, base, script.Field(vk.key), handlerDoc{})
		case *lua.LTable:
			if _, ok := v.RawGetString("handler").(*lua.LFunction); !ok {
				a.warn("%s: handler function expected", vk.key)
				continue
			}
			a.add([]endpoint.Method{vk.method}, pathOr(v, base), script.Field(vk.key, "handler"), a.docOf(v))
		default:
			a.warn("%s: function or table expected, got %s", vk.key, v.Type())
		}
	}

	if routes, ok := t.RawGetString("routes").(*lua.LTable); ok {
		for i := 1; i <= routes.Len(); i++ {
			r, ok := routes.RawGetInt(i).(*lua.LTable)
			if !ok {
				a.warn("routes[%d]: table expected", i)
				continue
			}
			if _, ok := r.RawGetString("handler").(*lua.LFunction); !ok {
				a.warn("routes[%d]: handler function expected", i)
				continue
			}
			methods := a.methods(r, "methods", "method")
			if methods == nil {
				methods = endpoint.DefaultMethods
			}
			a.add(methods, pathOr(r, base), script.Field("routes", i, "handler"), a.docOf(r))
		}
	}
}

func (a *accumulator) router(ref script.Ref) error {
	mod := a.unit.Module
	fn, err := mod.Primary().Resolve(ref)
	if err != nil {
		return &LoadError{File: a.unit.Source, Err: err}
	}
	bindings, routes, err := mod.Primary().RunRouter(fn, a.plugin)
	if err != nil {
		return &LoadError{File: a.unit.Source, Err: fmt.Errorf("router: %w", err)}
	}
	docs := routerDocs(routes)
	for _, b := range bindings {
		var methods []endpoint.Method
		if b.Method == "ALL" {
			methods = endpoint.Methods
		} else if m, err := endpoint.ParseMethod(b.Method); err == nil {
			methods = []endpoint.Method{m}
		} else {
			a.warn("router: %v for %s", err, b.Path)
			continue
		}
		path := endpoint.CleanPath(b.Path)
		for _, m := range methods {
			a.add([]endpoint.Method{m}, path, script.Route(b.Index), docs[string(m)+" "+path])
		}
	}

	want := len(bindings)
	name := a.plugin
	mod.SetSetup(func(vm *script.VM) error {
		fn, err := vm.Resolve(ref)
		if err != nil {
			return err
		}
		got, _, err := vm.RunRouter(fn, name)
		if err != nil {
			return err
		}
		if len(got) != want {
			return fmt.Errorf("router bound %d handlers, expected %d", len(got), want)
		}
		return nil
	})
	return nil
}

// routerDocs reads the documentation a router pushed into its routes table.
// Entries are either {method, path, description} or
// {plugin = ..., endpoints = {{method, path, description}, ...}}.
func routerDocs(routes *lua.LTable) map[string]handlerDoc {
	out := map[string]handlerDoc{}
	if routes == nil {
		return out
	}
	var visit func(t *lua.LTable)
	visit = func(t *lua.LTable) {
		if eps, ok := t.RawGetString("endpoints").(*lua.LTable); ok {
			for i := 1; i <= eps.Len(); i++ {
				if e, ok := eps.RawGetInt(i).(*lua.LTable); ok {
					visit(e)
				}
			}
			return
		}
		m, err := endpoint.ParseMethod(stringField(t, "method"))
		path := stringField(t, "path")
		if err != nil || path == "" {
			return
		}
		out[string(m)+" "+endpoint.CleanPath(path)] = handlerDoc{
			params:      parseParams(t.RawGetString("params")),
			description: stringField(t, "description"),
		}
	}
	for i := 1; i <= routes.Len(); i++ {
		if t, ok := routes.RawGetInt(i).(*lua.LTable); ok {
			visit(t)
		}
	}
	return out
}

func (a *accumulator) docOf(t *lua.LTable) handlerDoc {
	return handlerDoc{
		params:      parseParams(t.RawGetString("params")),
		description: stringField(t, "description"),
	}
}

// methods reads verb declarations from the first present key. Unknown verbs
// are dropped with a warning; nil means nothing was declared.
func (a *accumulator) methods(t *lua.LTable, keys ...string) []endpoint.Method {
	for _, k := range keys {
		var tokens []string
		switch v := t.RawGetString(k).(type) {
		case lua.LString:
			tokens = []string{string(v)}
		case *lua.LTable:
			for i := 1; i <= v.Len(); i++ {
				tokens = append(tokens, lua.LVAsString(v.RawGetInt(i)))
			}
		default:
			continue
		}
		out := make([]endpoint.Method, 0, len(tokens))
		for _, tok := range tokens {
			m, err := endpoint.ParseMethod(tok)
			if err != nil {
				a.warn("%s: %v", k, err)
				continue
			}
			out = append(out, m)
		}
		return out
	}
	return nil
}

type verbKey struct {
	key    string
	method endpoint.Method
}

// verbKeys finds per-verb keys in canonical verb order. Keys match
// case-insensitively; when several casings exist the lexically first wins.
func verbKeys(t *lua.LTable) []verbKey {
	found := map[endpoint.Method][]string{}
	t.ForEach(func(k, _ lua.LValue) {
		ks, ok := k.(lua.LString)
		if !ok {
			return
		}
		if m, err := endpoint.ParseMethod(string(ks)); err == nil && strings.TrimSpace(string(ks)) == string(ks) {
			found[m] = append(found[m], string(ks))
		}
	})
	var out []verbKey
	for _, m := range endpoint.Methods {
		keys := found[m]
		if len(keys) == 0 {
			continue
		}
		sort.Strings(keys)
		out = append(out, verbKey{key: keys[0], method: m})
	}
	return out
}

func parseParams(v lua.LValue) []endpoint.Param {
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	var out []endpoint.Param
	for i := 1; i <= t.Len(); i++ {
		switch p := t.RawGetInt(i).(type) {
		case lua.LString:
			out = append(out, endpoint.Param{Name: string(p)})
		case *lua.LTable:
			out = append(out, endpoint.Param{
				Name:        stringField(p, "name"),
				Type:        stringField(p, "type"),
				Required:    lua.LVAsBool(p.RawGetString("required")),
				Description: stringField(p, "description"),
			})
		}
	}
	return out
}

func stringField(t *lua.LTable, key string) string {
	switch v := t.RawGetString(key).(type) {
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return v.String()
	default:
		return ""
	}
}

func pathOr(t *lua.LTable, def string) string {
	if p := stringField(t, "path"); p != "" {
		return endpoint.CleanPath(p)
	}
	return def
}
