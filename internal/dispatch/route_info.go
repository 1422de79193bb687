package dispatch

import (
	"context"
	"sync"
)

// RouteInfo describes how a request was dispatched to a plugin. The request
// logger installs one per request and Wrap fills it in.
type RouteInfo struct {
	mu      sync.Mutex
	plugin  string
	file    string
	route   string
	outcome string
}

type routeInfoKey struct{}

// WithRouteInfo returns a context carrying an empty RouteInfo.
func WithRouteInfo(ctx context.Context) (context.Context, *RouteInfo) {
	ri := &RouteInfo{}
	return context.WithValue(ctx, routeInfoKey{}, ri), ri
}

func routeInfoFrom(ctx context.Context) *RouteInfo {
	ri, _ := ctx.Value(routeInfoKey{}).(*RouteInfo)
	return ri
}

func (ri *RouteInfo) set(plugin, file, route, outcome string) {
	if ri == nil {
		return
	}
	ri.mu.Lock()
	ri.plugin, ri.file, ri.route, ri.outcome = plugin, file, route, outcome
	ri.mu.Unlock()
}

// Get returns the plugin, source file, route key and envelope outcome of the
// request. ok is false when no plugin handled it.
func (ri *RouteInfo) Get() (plugin, file, route, outcome string, ok bool) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.plugin, ri.file, ri.route, ri.outcome, ri.route != ""
}
