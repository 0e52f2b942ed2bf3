// Package admin exposes the tracking registry and the change log over a small
// HTTP API, protected by a shared bearer token.
package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the admin API under /admin.
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers, authToken string) {
	r := chi.NewRouter()
	r.Use(authMiddleware(authToken))

	r.Route("/entities", func(r chi.Router) {
		r.Get("/", handlers.listEntities)
		r.Route("/{entity}", func(r chi.Router) {
			r.Get("/", handlers.getEntity)
			r.Post("/track", handlers.trackEntity)
			r.Delete("/track", handlers.untrackEntity)
			r.Post("/columns/logged", handlers.addLoggedColumns)
			r.Post("/columns/indexed", handlers.addIndexedColumns)
		})
	})

	r.Get("/partitions", handlers.listPartitions)
	r.Get("/records/indexed", handlers.recordsByIndexed)
	r.Get("/records/{entity}/{pk}", handlers.recordsByKey)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
