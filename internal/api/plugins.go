// Package api serves the introspection and admin endpoints of the plugin
// server.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/plugapi/internal/dispatch"
	"github.com/gaspardpetit/plugapi/internal/endpoint"
	"github.com/gaspardpetit/plugapi/internal/logx"
	"github.com/gaspardpetit/plugapi/internal/plugin"
)

// API serves plugin introspection and management.
type API struct {
	Plugins        *plugin.Manager
	Routes         *dispatch.Table
	Version        string
	Started        time.Time
	AllowedOrigins []string
}

type listResponse struct {
	Success   bool                         `json:"success"`
	Total     int                          `json:"total"`
	Plugins   []string                     `json:"plugins"`
	Endpoints map[string][]endpoint.Record `json:"endpoints"`
}

// ListPlugins returns registered plugin names and their endpoints grouped by
// namespace.
func (a *API) ListPlugins(w http.ResponseWriter, r *http.Request) {
	reg := a.Plugins.Registry()
	records := reg.Endpoints()
	groups := make(map[string][]endpoint.Record)
	for _, rec := range records {
		ns := endpoint.Namespace(rec.Path)
		groups[ns] = append(groups[ns], rec)
	}
	dispatch.WriteJSON(w, http.StatusOK, listResponse{
		Success:   true,
		Total:     len(records),
		Plugins:   reg.Plugins(),
		Endpoints: groups,
	})
}

type pluginResponse struct {
	Success bool `json:"success"`
	*plugin.Entry
}

// GetPlugin returns the metadata of one plugin, including failed ones.
func (a *API) GetPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	e, ok := a.Plugins.Registry().Lookup(name)
	if !ok {
		writeNotFound(w, name)
		return
	}
	dispatch.WriteJSON(w, http.StatusOK, pluginResponse{Success: true, Entry: e})
}

type reloadResponse struct {
	Success    bool   `json:"success"`
	Plugin     string `json:"plugin"`
	Generation uint64 `json:"generation,omitempty"`
	Endpoints  int    `json:"endpoints"`
	Error      string `json:"error,omitempty"`
}

// ReloadPlugin re-reads one plugin from disk. The response confirms the
// attempt; a failed reload leaves the previous version serving.
func (a *API) ReloadPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	e, err := a.Plugins.Reload(r.Context(), name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, plugin.ErrPluginNotFound) {
			status = http.StatusNotFound
		}
		var rf *plugin.ReloadFailure
		if errors.As(err, &rf) {
			name = rf.Plugin
		}
		logx.Log.Error().Str("plugin", name).Err(err).Msg("reload")
		dispatch.WriteJSON(w, status, reloadResponse{Plugin: name, Error: err.Error()})
		return
	}
	dispatch.WriteJSON(w, http.StatusOK, reloadResponse{
		Success:    true,
		Plugin:     e.Name,
		Generation: e.Generation,
		Endpoints:  len(e.Endpoints),
	})
}

// UnloadPlugin removes one plugin and retracts its routes.
func (a *API) UnloadPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	e, err := a.Plugins.Unload(name)
	if err != nil {
		writeNotFound(w, name)
		return
	}
	dispatch.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"plugin":  e.Name,
		"file":    e.Source,
		"state":   e.State,
	})
}

// Rescan walks the plugin root again and returns the scan report.
func (a *API) Rescan(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Plugins.Scan(r.Context())
	if err != nil {
		logx.Log.Error().Err(err).Msg("rescan")
		dispatch.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dispatch.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "report": rep})
}

func writeNotFound(w http.ResponseWriter, name string) {
	dispatch.WriteJSON(w, http.StatusNotFound, reloadResponse{Plugin: name, Error: plugin.ErrPluginNotFound.Error()})
}
