package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hetangai/generation-engine/internal/observability"
	"github.com/hetangai/generation-engine/internal/task"
)

// TaskHandler serves the task routes for one engine.
type TaskHandler struct {
	logger *observability.Logger
	engine *task.Engine
}

// NewTaskHandler creates a task handler bound to one engine.
func NewTaskHandler(logger *observability.Logger, engine *task.Engine) *TaskHandler {
	return &TaskHandler{
		logger: logger.WithComponent(string(engine.Kind()) + "-api"),
		engine: engine,
	}
}

// Routes mounts the task endpoints. Retry exists only for retryable engines.
func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Submit)
	r.Get("/", h.List)
	r.Delete("/", h.Clear)
	r.Get("/{taskId}", h.Get)
	r.Delete("/{taskId}", h.Delete)
	r.Post("/{taskId}/cancel", h.Cancel)
	r.Get("/{taskId}/artifact", h.Artifact)
	r.Post("/{taskId}/save", h.Save)
	if h.engine.Kind() == task.MediaVideo {
		r.Post("/{taskId}/retry", h.Retry)
	}
	return r
}

// SubmitRequestDTO is the task submission body.
type SubmitRequestDTO struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model,omitempty"`
	Mode           string `json:"mode,omitempty"`
	ImageBase64    string `json:"image_base64,omitempty"`
	EndImageBase64 string `json:"end_image_base64,omitempty"`
}

// Submit handles POST /. The task is queued; the response carries its
// initial pending summary.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if req.Mode == "" {
		req.Mode = task.DefaultMode(h.engine.Kind())
	}
	if !task.ValidMode(h.engine.Kind(), req.Mode) {
		writeError(w, http.StatusBadRequest, "invalid mode: "+req.Mode)
		return
	}
	if (req.Mode == task.ModeImg2Img || req.Mode == task.ModeImg2Video) && req.ImageBase64 == "" {
		writeError(w, http.StatusBadRequest, "image_base64 is required for "+req.Mode)
		return
	}

	summary := h.engine.Submit(task.Submission{
		Prompt:         req.Prompt,
		Model:          req.Model,
		Mode:           req.Mode,
		ImageBase64:    req.ImageBase64,
		EndImageBase64: req.EndImageBase64,
	})
	writeJSON(w, http.StatusAccepted, summary)
}

// List handles GET /.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	tasks := h.engine.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// Get handles GET /{taskId}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	summary, ok := h.engine.Get(chi.URLParam(r, "taskId"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Cancel handles POST /{taskId}/cancel. Only pending tasks can be cancelled;
// a running task is stopped by deleting it instead.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	if !h.engine.Cancel(id) {
		writeError(w, http.StatusConflict, "task is not pending")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

// Delete handles DELETE /{taskId}.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.engine.Delete(chi.URLParam(r, "taskId")) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear handles DELETE /. Only finished tasks are removed.
func (h *TaskHandler) Clear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": h.engine.ClearTerminal()})
}

// Retry handles POST /{taskId}/retry.
func (h *TaskHandler) Retry(w http.ResponseWriter, r *http.Request) {
	summary, ok := h.engine.Retry(chi.URLParam(r, "taskId"))
	if !ok {
		writeError(w, http.StatusConflict, "task cannot be retried")
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

// Artifact handles GET /{taskId}/artifact, serving the raw artifact bytes.
func (h *TaskHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	data, contentType, err := h.engine.FetchArtifact(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrNoArtifact) {
			writeError(w, http.StatusNotFound, "artifact not available")
			return
		}
		h.logger.Warn().Str("task_id", id).Err(err).Msg("artifact fetch failed")
		writeError(w, http.StatusBadGateway, "artifact fetch failed")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// SaveRequestDTO is the save-to-directory body.
type SaveRequestDTO struct {
	Path string `json:"path"`
}

// Save handles POST /{taskId}/save, writing the artifact into the caller's
// chosen directory.
func (h *TaskHandler) Save(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")

	var req SaveRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	path, err := h.engine.SaveTo(r.Context(), id, req.Path)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, task.ErrNoArtifact):
			writeError(w, http.StatusConflict, "task has no artifact")
		default:
			h.logger.Warn().Str("task_id", id).Err(err).Msg("artifact save failed")
			writeError(w, http.StatusInternalServerError, "artifact save failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file_path": path})
}
