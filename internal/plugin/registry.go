package plugin

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gaspardpetit/plugapi/internal/endpoint"
	"github.com/gaspardpetit/plugapi/internal/script"
)

// Entry is the registry view of one module. Entries are immutable once
// stored; every change installs a new entry.
type Entry struct {
	Name        string            `json:"name"`
	Source      string            `json:"file"`
	Path        string            `json:"-"`
	Namespace   string            `json:"namespace"`
	Shape       Shape             `json:"shape"`
	Version     string            `json:"version,omitempty"`
	Description string            `json:"description,omitempty"`
	State       State             `json:"state"`
	Generation  uint64            `json:"generation"`
	Reloads     int               `json:"reloads"`
	LoadedAt    time.Time         `json:"loadedAt"`
	LastError   string            `json:"error,omitempty"`
	Checksum    string            `json:"checksum,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Endpoints   []endpoint.Record `json:"endpoints"`

	module *script.Module
}

// Base returns the file base name of the module without extension.
func (e *Entry) Base() string {
	return strings.TrimSuffix(path.Base(e.Source), path.Ext(e.Source))
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

// EventType names a registry change.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventReloaded   EventType = "reloaded"
	EventFailed     EventType = "failed"
	EventRemoved    EventType = "removed"
)

// Event is published to subscribers on every registry change.
type Event struct {
	Type       EventType `json:"type"`
	Plugin     string    `json:"plugin"`
	Source     string    `json:"file"`
	Generation uint64    `json:"generation"`
	Endpoints  int       `json:"endpoints"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

const subscriberBuffer = 32

// Registry holds the plugin entries of one server, in discovery order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*Entry
	gens    map[string]uint64

	subMu sync.Mutex
	subs  map[chan Event]struct{}

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		gens:    make(map[string]uint64),
		subs:    make(map[chan Event]struct{}),
		now:     time.Now,
	}
}

// Register installs e for its source, replacing any previous entry in place.
// The generation is bumped and the previous entry, if any, returned.
func (r *Registry) Register(e *Entry) *Entry {
	e = e.clone()
	r.mu.Lock()
	prev := r.entries[e.Source]
	r.gens[e.Source]++
	e.Generation = r.gens[e.Source]
	e.LoadedAt = r.now()
	e.LastError = ""
	typ := EventRegistered
	if prev != nil && prev.State.Live() {
		e.State = StateReloaded
		e.Reloads = prev.Reloads + 1
		typ = EventReloaded
	} else {
		e.State = StateRegistered
		if prev != nil {
			e.Reloads = prev.Reloads
		}
	}
	r.put(e)
	r.mu.Unlock()
	r.publish(Event{Type: typ, Plugin: e.Name, Source: e.Source, Generation: e.Generation, Endpoints: len(e.Endpoints)})
	return prev
}

// Fail records a load failure. A live entry for the same source keeps
// serving with LastError set; otherwise a failed entry without endpoints is
// stored so the failure can be inspected.
func (r *Registry) Fail(source, file string, err error) *Entry {
	r.mu.Lock()
	prev := r.entries[source]
	var e *Entry
	if prev != nil && prev.State.Live() {
		e = prev.clone()
	} else {
		e = &Entry{Source: source, Path: file, State: StateFailed, Generation: r.gens[source]}
		e.Name = e.Base()
		e.Namespace = namespaceOf(source)
		if prev != nil {
			e.Name = prev.Name
			e.Reloads = prev.Reloads
		}
	}
	e.LastError = err.Error()
	r.put(e)
	r.mu.Unlock()
	r.publish(Event{Type: EventFailed, Plugin: e.Name, Source: source, Generation: e.Generation, Error: e.LastError})
	return e
}

func (r *Registry) put(e *Entry) {
	if _, ok := r.entries[e.Source]; !ok {
		r.order = append(r.order, e.Source)
	}
	r.entries[e.Source] = e
}

// Remove drops the entry for source and returns it. The generation counter
// of the source is kept so a later registration still moves forward.
func (r *Registry) Remove(source string) (*Entry, bool) {
	r.mu.Lock()
	prev, ok := r.entries[source]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.entries, source)
	for i, s := range r.order {
		if s == source {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	removed := prev.clone()
	removed.State = StateRemoved
	removed.Endpoints = nil
	r.publish(Event{Type: EventRemoved, Plugin: prev.Name, Source: source, Generation: prev.Generation})
	return removed, true
}

// Get returns the entry stored for source.
func (r *Registry) Get(source string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[source]
	return e, ok
}

// Lookup resolves key by plugin name, then by source, then by file base
// name. Live entries are preferred over failed ones for the same key.
func (r *Registry) Lookup(key string) (*Entry, bool) {
	key = strings.TrimPrefix(strings.ReplaceAll(key, "\\", "/"), "/")
	r.mu.RLock()
	defer r.mu.RUnlock()
	match := func(pred func(*Entry) bool) *Entry {
		var failed *Entry
		for _, s := range r.order {
			e := r.entries[s]
			if !pred(e) {
				continue
			}
			if e.State.Live() {
				return e
			}
			if failed == nil {
				failed = e
			}
		}
		return failed
	}
	for _, pred := range []func(*Entry) bool{
		func(e *Entry) bool { return e.Name == key },
		func(e *Entry) bool { return e.Source == key },
		func(e *Entry) bool { return e.Base() == key },
	} {
		if e := match(pred); e != nil {
			return e, true
		}
	}
	return nil, false
}

// Entries returns every entry in discovery order, failed ones included.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, s := range r.order {
		out = append(out, r.entries[s])
	}
	return out
}

// Sources lists the sources of every entry in discovery order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Plugins lists the names of registered plugins.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := []string{}
	for _, s := range r.order {
		if e := r.entries[s]; e.State.Live() {
			names = append(names, e.Name)
		}
	}
	return names
}

// Endpoints concatenates the records of registered plugins in discovery
// order.
func (r *Registry) Endpoints() []endpoint.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []endpoint.Record
	for _, s := range r.order {
		if e := r.entries[s]; e.State.Live() {
			out = append(out, e.Endpoints...)
		}
	}
	return out
}

// Generation returns the current generation of source, zero if it was never
// registered.
func (r *Registry) Generation(source string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gens[source]
}

// Subscribe returns a channel receiving registry events until cancel is
// called. Slow subscribers miss events rather than block the registry.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, ch)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) publish(ev Event) {
	ev.Time = r.now()
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// namespaceOf returns the folder part of a slash separated source.
func namespaceOf(source string) string {
	dir := path.Dir(source)
	if dir == "." {
		return ""
	}
	return dir
}
