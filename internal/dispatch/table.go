// Package dispatch binds endpoint records to HTTP routes. The route set is
// rebuilt from scratch on every change and swapped in atomically, so
// in-flight requests finish on the router they started on.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gaspardpetit/plugapi/internal/endpoint"
	"github.com/gaspardpetit/plugapi/internal/logx"
	"github.com/gaspardpetit/plugapi/internal/metrics"
)

type snapshot struct {
	mux     *chi.Mux
	records []endpoint.Record
}

// Table is the swappable plugin router.
type Table struct {
	cur atomic.Pointer[snapshot]
}

func NewTable() *Table {
	t := &Table{}
	t.Sync(nil)
	return t
}

// Sync replaces the route set with records. For two records sharing a
// (method, path) the later one wins. Records the router rejects are logged
// and skipped. A trailing slash is ignored, and HEAD falls back to the
// GET route when no HEAD route is bound.
func (t *Table) Sync(records []endpoint.Record) {
	mux := chi.NewRouter()
	mux.Use(chiMiddleware.StripSlashes, chiMiddleware.GetHead)
	mux.NotFound(NotFound)
	mux.MethodNotAllowed(NotFound)

	slot := make(map[string]int, len(records))
	var bound []endpoint.Record
	for _, rec := range records {
		if err := bind(mux, rec); err != nil {
			logx.Log.Error().Str("file", rec.Source).Str("method", string(rec.Method)).Str("path", rec.Path).Err(err).Msg("route rejected")
			continue
		}
		if i, ok := slot[rec.Key()]; ok {
			logx.Log.Warn().Str("file", rec.Source).Str("route", rec.Key()).Str("shadowed", bound[i].Source).Msg("route overrides earlier registration")
			bound[i] = rec
			continue
		}
		slot[rec.Key()] = len(bound)
		bound = append(bound, rec)
	}
	t.cur.Store(&snapshot{mux: mux, records: bound})
	metrics.SetEndpointsBound(len(bound))
}

func bind(mux *chi.Mux, rec endpoint.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
		}
	}()
	mux.MethodFunc(string(rec.Method), endpoint.RoutePattern(rec.Path), Wrap(rec))
	return nil
}

// Bound returns the records currently served, one per (method, path).
func (t *Table) Bound() []endpoint.Record {
	return t.cur.Load().records
}

// ServeHTTP routes r through the current snapshot with a fresh route
// context, so the table can be mounted below another chi router.
func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := t.cur.Load()
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext())
	s.mux.ServeHTTP(w, r.WithContext(ctx))
}
