// Package plugin discovers Lua plugin modules, normalizes their exports into
// endpoint records and keeps the registry and dispatcher in step across
// scans, reloads and unloads.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gaspardpetit/plugapi/internal/endpoint"
	"github.com/gaspardpetit/plugapi/internal/fs"
	"github.com/gaspardpetit/plugapi/internal/kv"
	"github.com/gaspardpetit/plugapi/internal/logx"
	"github.com/gaspardpetit/plugapi/internal/metrics"
	"github.com/gaspardpetit/plugapi/internal/script"
)

// Binder receives the full record set after every registry change.
type Binder interface {
	Sync(records []endpoint.Record)
}

// Options configures a Manager.
type Options struct {
	Root    string
	Workers int
	Script  script.Options
	Binder  Binder
}

// Manager owns the registry of one server and every module loaded into it.
type Manager struct {
	root    string
	workers int
	opts    script.Options
	reg     *Registry
	binder  Binder

	scanMu sync.Mutex
	syncMu sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// afterLoad observes each sequential load result; used by tests.
	afterLoad func(loadResult)
}

func NewManager(o Options) *Manager {
	if o.Root == "" {
		o.Root = "plugins"
	}
	if o.Script.KV == nil {
		o.Script.KV = kv.NewMemoryStore()
	}
	return &Manager{
		root:    filepath.Clean(o.Root),
		workers: o.Workers,
		opts:    o.Script,
		reg:     NewRegistry(),
		binder:  o.Binder,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Registry returns the registry the manager maintains.
func (m *Manager) Registry() *Registry { return m.reg }

// Root returns the plugin root directory.
func (m *Manager) Root() string { return m.root }

// lockSource serializes work on one source; different sources proceed in
// parallel.
func (m *Manager) lockSource(source string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[source]
	if !ok {
		l = &sync.Mutex{}
		m.locks[source] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// sync pushes the registry's records to the binder, then retires the modules
// of replaced entries. Requests already routed to them still complete.
func (m *Manager) sync(retired ...*Entry) {
	m.syncMu.Lock()
	if m.binder != nil {
		m.binder.Sync(m.reg.Endpoints())
	}
	metrics.SetPluginsLoaded(len(m.reg.Plugins()))
	m.syncMu.Unlock()
	for _, e := range retired {
		if e != nil && e.module != nil {
			e.module.Retire()
		}
	}
}

// resolve finds the candidate key refers to: a plugin name, a source, a
// file base name, or a module file under the root.
func (m *Manager) resolve(key string) (Candidate, error) {
	if e, ok := m.reg.Lookup(key); ok {
		return newCandidate(m.root, e.Source), nil
	}
	rel := strings.TrimPrefix(filepath.ToSlash(key), "/")
	if !strings.HasSuffix(rel, script.Extension) {
		rel += script.Extension
	}
	target := filepath.Join(m.root, filepath.FromSlash(rel))
	rel, ok := fs.Rel(m.root, target)
	if !ok || fs.HasHiddenElement(rel) {
		return Candidate{}, fmt.Errorf("%q: %w", key, ErrPluginNotFound)
	}
	if st, err := os.Stat(target); err != nil || st.IsDir() {
		return Candidate{}, fmt.Errorf("%q: %w", key, ErrPluginNotFound)
	}
	return newCandidate(m.root, rel), nil
}

// Reload re-reads, recompiles and re-registers the module key refers to.
// On failure the previous registration keeps serving and a *ReloadFailure
// is returned.
func (m *Manager) Reload(ctx context.Context, key string) (*Entry, error) {
	c, err := m.resolve(key)
	if err != nil {
		return nil, err
	}
	return m.reload(ctx, c)
}

func (m *Manager) reload(ctx context.Context, c Candidate) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := m.lockSource(c.Source)
	res := m.load(c)
	prev, err := m.apply(res)
	unlock()
	if err != nil {
		metrics.RecordReload(false)
		name := c.Base
		if e, ok := m.reg.Get(c.Source); ok {
			name = e.Name
		}
		return nil, &ReloadFailure{Plugin: name, Err: err}
	}
	m.sync(prev)
	metrics.RecordReload(true)
	e, _ := m.reg.Get(c.Source)
	logx.Log.Info().
		Str("file", c.Source).
		Str("plugin", e.Name).
		Uint64("generation", e.Generation).
		Int("endpoints", len(e.Endpoints)).
		Msg("plugin reloaded")
	return e, nil
}

// Unload removes the plugin key refers to and retracts its routes.
func (m *Manager) Unload(key string) (*Entry, error) {
	e, ok := m.reg.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, ErrPluginNotFound)
	}
	unlock := m.lockSource(e.Source)
	removed, ok := m.reg.Remove(e.Source)
	unlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, ErrPluginNotFound)
	}
	m.sync(e)
	logx.Log.Info().Str("file", e.Source).Str("plugin", e.Name).Msg("plugin unloaded")
	return removed, nil
}

// Refresh brings the registry in line with one file under the root: the file
// is reloaded when its content changed and unloaded when it is gone.
func (m *Manager) Refresh(ctx context.Context, file string) error {
	rel, ok := fs.Rel(m.root, file)
	if !ok || fs.HasHiddenElement(rel) || filepath.Ext(rel) != script.Extension {
		return nil
	}
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		if _, ok := m.reg.Get(rel); !ok {
			return nil
		}
		_, err := m.Unload(rel)
		return err
	}
	if e, ok := m.reg.Get(rel); ok && e.State.Live() {
		if sum, err := fs.Hash(file); err == nil && sum == e.Checksum {
			return nil
		}
	}
	_, err := m.reload(ctx, newCandidate(m.root, rel))
	return err
}

// Close releases every loaded module. The manager must not be used
// afterwards.
func (m *Manager) Close() {
	for _, e := range m.reg.Entries() {
		if e.module != nil {
			e.module.Close()
		}
	}
}
