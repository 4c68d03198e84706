package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hetangai/generation-engine/internal/download"
	"github.com/hetangai/generation-engine/internal/extract"
	"github.com/hetangai/generation-engine/internal/llm"
	"github.com/hetangai/generation-engine/internal/notify"
	"github.com/hetangai/generation-engine/internal/observability"
	"github.com/hetangai/generation-engine/internal/settings"
)

// Errors surfaced to the API layer.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrNoArtifact   = errors.New("task has no artifact")
)

// Settings is the slice of the settings store the engine reads. Values are
// looked up fresh on every run so changes apply without a restart.
type Settings interface {
	Get(key string) string
	PoolSize() int
}

// Submission carries the request fields for a new task.
type Submission struct {
	Prompt         string
	Model          string
	Mode           string
	ImageBase64    string
	EndImageBase64 string
}

// Engine drives the full task lifecycle for one media kind: store, worker
// pool, streaming client, extraction, auto-download, and notifications.
type Engine struct {
	profile    Profile
	store      *Store
	pool       *WorkerPool
	client     *llm.Client
	settings   Settings
	downloader *download.Downloader
	publisher  notify.Publisher
	logger     *observability.Logger
}

// NewEngine assembles an engine around the given profile. The worker pool is
// sized from the settings store.
func NewEngine(profile Profile, st Settings, client *llm.Client, dl *download.Downloader, pub notify.Publisher, logger *observability.Logger) *Engine {
	return &Engine{
		profile:    profile,
		store:      NewStore(profile.Kind),
		pool:       NewWorkerPool(st.PoolSize()),
		client:     client,
		settings:   st,
		downloader: dl,
		publisher:  pub,
		logger:     logger.WithComponent(profile.Channel + "-engine"),
	}
}

// Kind returns the media kind this engine serves.
func (e *Engine) Kind() MediaKind {
	return e.profile.Kind
}

// newTaskID returns a short random id, long enough to avoid collisions within
// one session's task list.
func newTaskID() string {
	return uuid.NewString()[:8]
}

// Submit registers a new task and queues it for execution. An empty model
// falls back to the configured default for this media kind.
func (e *Engine) Submit(sub Submission) Summary {
	if sub.Model == "" {
		sub.Model = e.defaultModel()
	}

	t := &Task{
		ID:             newTaskID(),
		Prompt:         sub.Prompt,
		Model:          sub.Model,
		Mode:           sub.Mode,
		ImageBase64:    sub.ImageBase64,
		EndImageBase64: sub.EndImageBase64,
		Status:         StatusPending,
		CreatedAt:      now(),
	}
	h := &Handle{}
	summary := e.store.add(t, h)

	id := t.ID
	e.pool.Submit(h, func() { e.execute(id) })

	e.logger.Info().Str("task_id", id).Str("mode", t.Mode).Str("model", t.Model).Msg("task submitted")
	return summary
}

// Get returns one task summary.
func (e *Engine) Get(id string) (Summary, bool) {
	return e.store.Get(id)
}

// List returns all task summaries in submission order.
func (e *Engine) List() []Summary {
	return e.store.List()
}

// Cancel aborts a still-pending task. Tasks already running are not
// interrupted here; deleting the record stops them at the next stream line.
func (e *Engine) Cancel(id string) bool {
	if !e.store.Cancel(id) {
		return false
	}
	e.publish(id, notify.Event{"type": "cancelled"})
	return true
}

// Delete removes a task record in any state.
func (e *Engine) Delete(id string) bool {
	return e.store.Delete(id)
}

// ClearTerminal removes all finished tasks and returns the count.
func (e *Engine) ClearTerminal() int {
	return e.store.ClearTerminal()
}

// Artifact returns the result artifact of a done task.
func (e *Engine) Artifact(id string) (extract.Artifact, bool) {
	return e.store.Artifact(id)
}

// FetchArtifact returns a done task's artifact bytes, fetching URL artifacts
// from upstream.
func (e *Engine) FetchArtifact(ctx context.Context, id string) ([]byte, string, error) {
	artifact, ok := e.store.Artifact(id)
	if !ok {
		return nil, "", ErrNoArtifact
	}
	data, err := e.downloader.Fetch(ctx, artifact, e.profile.DownloadTimeout)
	if err != nil {
		return nil, "", err
	}
	contentType := "image/jpeg"
	if e.profile.Kind == MediaVideo {
		contentType = "video/mp4"
	}
	return data, contentType, nil
}

// SaveTo writes a done task's artifact into dir using the standard naming
// scheme and records the resulting path on the task.
func (e *Engine) SaveTo(ctx context.Context, id, dir string) (string, error) {
	summary, ok := e.store.Get(id)
	if !ok {
		return "", ErrTaskNotFound
	}
	artifact, ok := e.store.Artifact(id)
	if !ok {
		return "", ErrNoArtifact
	}

	path, err := e.downloader.Save(ctx, download.SaveRequest{
		Dir:          dir,
		Prefix:       e.profile.FilePrefix,
		Ext:          e.profile.FileExt,
		Prompt:       summary.Prompt,
		Artifact:     artifact,
		FetchTimeout: e.profile.DownloadTimeout,
	})
	if err != nil {
		return "", err
	}
	e.store.setFilePath(id, path)
	return path, nil
}

// Retry requeues a failed or cancelled task, reusing its kept reference
// payloads. Only retryable profiles accept it.
func (e *Engine) Retry(id string) (Summary, bool) {
	if !e.profile.Retryable {
		return Summary{}, false
	}
	h := &Handle{}
	summary, ok := e.store.retry(id, h)
	if !ok {
		return Summary{}, false
	}
	e.pool.Submit(h, func() { e.execute(id) })
	e.publish(id, notify.Event{"type": "status", "status": string(StatusPending)})
	e.logger.Info().Str("task_id", id).Msg("task requeued")
	return summary, true
}

// ResizePool changes the worker count. In-flight and queued work on the old
// pool still completes.
func (e *Engine) ResizePool(size int) {
	e.pool.Resize(size)
	e.logger.Info().Int("size", size).Msg("worker pool resized")
}

// PoolSize returns the current worker count.
func (e *Engine) PoolSize() int {
	return e.pool.Size()
}

// Shutdown drains the worker pool.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// execute is the whole per-task flow: transition to running, stream the
// generation, extract the artifact, finish the record.
func (e *Engine) execute(id string) {
	spec, ok := e.store.beginRunning(id)
	if !ok {
		return
	}
	e.publish(id, notify.Event{"type": "status", "status": string(StatusRunning)})

	apiKey := strings.TrimSpace(e.settings.Get(settings.KeyAPIKey))
	if apiKey == "" {
		e.fail(id, msgConfigureAPIKey)
		return
	}

	var content strings.Builder
	err := e.client.Stream(context.Background(), llm.StreamRequest{
		BaseURL: e.baseURL(),
		APIKey:  apiKey,
		Model:   spec.Model,
		Content: e.profile.BuildContent(spec),
		Timeout: e.profile.StreamTimeout,
	}, llm.StreamCallbacks{
		Cancelled: func() bool {
			st, ok := e.store.statusOf(id)
			return !ok || st != StatusRunning
		},
		OnReasoning: func(text string) {
			if e.store.appendProgress(id, text) {
				e.publish(id, notify.Event{"type": "progress", "progress_text": text})
			}
		},
		OnContent: func(chunk string) {
			content.WriteString(chunk)
		},
	})
	if err != nil {
		e.finishError(id, err)
		return
	}

	artifact, found := e.profile.Extract(content.String())
	if !found {
		msg := e.profile.NoArtifactMessage
		if e.profile.ScanFailureMarkers {
			if reason, ok := e.failureReason(id); ok {
				msg = reason
			}
		}
		e.fail(id, msg)
		return
	}

	if !e.store.setDone(id, artifact) {
		return
	}
	e.logger.Info().Str("task_id", id).Str("artifact_kind", string(artifact.Kind)).Msg("task completed")

	event := notify.Event{"type": "done"}
	switch e.profile.Kind {
	case MediaVideo:
		event["result_video"] = artifact.Data
	default:
		event["result_image"] = artifact.Data
		event["result_image_type"] = string(artifact.Kind)
	}
	if path := e.autoDownload(id, spec.Prompt, artifact); path != "" {
		event["file_path"] = path
	}
	e.publish(id, event)
}

// finishError maps a stream failure onto the task record. A cancellation is
// not an error: the record already left running (or is gone), so nothing is
// written.
func (e *Engine) finishError(id string, err error) {
	switch {
	case errors.Is(err, llm.ErrCancelled):
		e.logger.Debug().Str("task_id", id).Msg("stream aborted by cancellation")
	case errors.Is(err, llm.ErrTimeout):
		e.fail(id, msgTimeout)
	case errors.Is(err, llm.ErrUnreachable):
		e.fail(id, msgUnreachable)
	default:
		var httpErr *llm.HTTPError
		if errors.As(err, &httpErr) {
			e.fail(id, fmt.Sprintf("API 请求失败: %d", httpErr.Status))
			return
		}
		e.fail(id, err.Error())
	}
}

func (e *Engine) fail(id, msg string) {
	if !e.store.setError(id, msg, e.profile.KeepRefsOnFailure) {
		return
	}
	e.logger.Warn().Str("task_id", id).Str("reason", msg).Msg("task failed")
	e.publish(id, notify.Event{"type": "error", "error": msg})
}

// failureReason scans the progress narration in arrival order for a line
// with an upstream failure marker; the first hit is the surfaced reason.
func (e *Engine) failureReason(id string) (string, bool) {
	for _, line := range e.store.progressSnapshot(id) {
		for _, marker := range failureMarkers {
			if strings.Contains(line, marker) {
				return line, true
			}
		}
	}
	return "", false
}

// autoDownload saves the artifact when auto-download is enabled and a
// download directory is configured. Failures are logged, never surfaced: the
// task stays done.
func (e *Engine) autoDownload(id, prompt string, artifact extract.Artifact) string {
	if e.settings.Get(settings.KeyAutoDownload) != "true" {
		return ""
	}
	dir := strings.TrimSpace(e.settings.Get(settings.KeyDownloadPath))
	if dir == "" {
		return ""
	}

	path, err := e.downloader.Save(context.Background(), download.SaveRequest{
		Dir:          dir,
		Prefix:       e.profile.FilePrefix,
		Ext:          e.profile.FileExt,
		Prompt:       prompt,
		Artifact:     artifact,
		FetchTimeout: e.profile.DownloadTimeout,
	})
	if err != nil {
		e.logger.Warn().Str("task_id", id).Err(err).Msg("auto-download failed")
		return ""
	}
	e.store.setFilePath(id, path)
	return path
}

func (e *Engine) defaultModel() string {
	if e.profile.Kind == MediaVideo {
		return e.settings.Get(settings.KeyVideoModel)
	}
	return e.settings.Get(settings.KeyImageModel)
}

func (e *Engine) baseURL() string {
	if e.profile.BaseURLFromSettings {
		if v := strings.TrimSpace(e.settings.Get(settings.KeyAPIBaseURL)); v != "" {
			return v
		}
	}
	return e.profile.BaseURL
}

// publish tags the event with the task id and hands it to the publisher.
// Delivery problems never affect the task.
func (e *Engine) publish(id string, event notify.Event) {
	if e.publisher == nil {
		return
	}
	event["task_id"] = id

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.publisher.Publish(ctx, e.profile.Channel, event); err != nil {
		e.logger.Debug().Str("task_id", id).Err(err).Msg("event publish failed")
	}
}
