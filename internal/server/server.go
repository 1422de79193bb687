// Package server assembles the HTTP handler of the plugin server.
package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/plugapi/internal/api"
	"github.com/gaspardpetit/plugapi/internal/config"
	"github.com/gaspardpetit/plugapi/internal/dispatch"
	"github.com/gaspardpetit/plugapi/internal/metrics"
)

// New constructs the HTTP handler for the server and the metrics registry
// its collectors were registered with. Requests matching no built-in route
// go to a static file when one exists and then to the plugin routes.
func New(cfg config.ServerConfig, a *api.API, routes *dispatch.Table) (http.Handler, *prometheus.Registry) {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain(int64(cfg.BodyLimit)) {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	if a.AllowedOrigins == nil {
		a.AllowedOrigins = cfg.AllowedOrigins
	}
	a.Mount(r, cfg.APIKey)

	if cfg.MetricsListenAddr() == "" {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	fallback := staticOr(cfg.StaticDir, routes)
	r.NotFound(fallback)
	r.MethodNotAllowed(fallback)
	return r, preg
}

// MetricsHandler serves the registry on a dedicated listener.
func MetricsHandler(preg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	return mux
}

// staticOr serves files from dir for GET and HEAD requests naming an
// existing file, and hands everything else to next.
func staticOr(dir string, next http.Handler) http.HandlerFunc {
	if dir == "" {
		return next.ServeHTTP
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return next.ServeHTTP
	}
	files := http.FileServer(http.Dir(dir))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			name := path.Clean("/" + r.URL.Path)
			if name == "/" {
				name = "/index.html"
			}
			if st, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err == nil && !st.IsDir() {
				files.ServeHTTP(w, r)
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}
