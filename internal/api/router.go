package api

import "github.com/go-chi/chi/v5"

// Mount registers the introspection and admin routes on r. Admin routes
// require apiKey when it is set.
func (a *API) Mount(r chi.Router, apiKey string) {
	admin := APIKeyMiddleware(apiKey)
	r.Get("/healthz", a.Health)
	r.Get("/api", a.ListPlugins)
	r.Get("/api/openapi.json", a.OpenAPI)
	r.Route("/api/plugins", func(pr chi.Router) {
		pr.Get("/", a.ListPlugins)
		pr.Get("/events", a.Events)
		pr.Get("/{name}", a.GetPlugin)
		pr.Group(func(g chi.Router) {
			g.Use(admin)
			g.Post("/rescan", a.Rescan)
			g.Post("/{name}/reload", a.ReloadPlugin)
			g.Delete("/{name}", a.UnloadPlugin)
		})
	})
	r.With(admin).Post("/plugins/{name}/reload", a.ReloadPlugin)
}
