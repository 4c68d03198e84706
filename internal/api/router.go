package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hetangai/generation-engine/internal/notify"
	"github.com/hetangai/generation-engine/internal/observability"
	"github.com/hetangai/generation-engine/internal/settings"
	"github.com/hetangai/generation-engine/internal/task"
)

// Deps carries everything the router serves.
type Deps struct {
	Logger   *observability.Logger
	Image    *task.Engine
	Video    *task.Engine
	Settings *settings.Store
	Hub      *notify.Hub
}

// NewRouter builds the HTTP surface: task routes per media kind, the
// settings store, the SSE event feed, and health.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "ok",
			"service":           "generation-engine",
			"image_pool_size":   deps.Image.PoolSize(),
			"video_pool_size":   deps.Video.PoolSize(),
			"settings_db":       deps.Settings.Path(),
			"settings_db_bytes": deps.Settings.FileSize(),
		})
	})

	// Long-lived SSE connection; the server runs with no write timeout so
	// this route can stream indefinitely.
	r.Get("/events", deps.Hub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/image/tasks", NewTaskHandler(deps.Logger, deps.Image).Routes())
		r.Mount("/video/tasks", NewTaskHandler(deps.Logger, deps.Video).Routes())
		r.Mount("/settings", NewSettingsHandler(deps.Logger, deps.Settings, deps.Image, deps.Video).Routes())
	})

	return r
}
