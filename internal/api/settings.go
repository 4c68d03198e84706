package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hetangai/generation-engine/internal/observability"
	"github.com/hetangai/generation-engine/internal/settings"
	"github.com/hetangai/generation-engine/internal/task"
)

// SettingsHandler serves the settings store over HTTP. A pool-size update is
// applied to the engines immediately.
type SettingsHandler struct {
	logger  *observability.Logger
	store   *settings.Store
	engines []*task.Engine
}

// NewSettingsHandler creates the settings handler.
func NewSettingsHandler(logger *observability.Logger, store *settings.Store, engines ...*task.Engine) *SettingsHandler {
	return &SettingsHandler{
		logger:  logger.WithComponent("settings-api"),
		store:   store,
		engines: engines,
	}
}

// Routes mounts the settings endpoints.
func (h *SettingsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.GetAll)
	r.Put("/", h.Update)
	r.Get("/{key}", h.GetOne)
	return r
}

// GetAll handles GET /.
func (h *SettingsHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	values, err := h.store.All()
	if err != nil {
		h.logger.Error().Err(err).Msg("settings read failed")
		writeError(w, http.StatusInternalServerError, "settings read failed")
		return
	}
	writeJSON(w, http.StatusOK, values)
}

// Update handles PUT /. The body is a partial key-value map; unknown keys are
// rejected before anything is written.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	for key := range updates {
		if _, ok := settings.Defaults[key]; !ok {
			writeError(w, http.StatusBadRequest, "unknown setting: "+key)
			return
		}
	}

	poolChanged := false
	for key, value := range updates {
		if err := h.store.Set(key, value); err != nil {
			h.logger.Error().Str("key", key).Err(err).Msg("setting write failed")
			writeError(w, http.StatusInternalServerError, "setting write failed")
			return
		}
		if key == settings.KeyPoolSize {
			poolChanged = true
		}
	}

	if poolChanged {
		size := h.store.PoolSize()
		for _, engine := range h.engines {
			engine.ResizePool(size)
		}
	}

	values, err := h.store.All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "settings read failed")
		return
	}
	writeJSON(w, http.StatusOK, values)
}

// GetOne handles GET /{key}.
func (h *SettingsHandler) GetOne(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := settings.Defaults[key]; !ok {
		writeError(w, http.StatusNotFound, "unknown setting: "+key)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"key":   key,
		"value": h.store.Get(key),
	})
}
