// Package task implements the generation task engine: the task store, the
// bounded worker pool, and the orchestrator that drives the streaming client
// and artifact extraction for one media kind.
package task

import (
	"github.com/hetangai/generation-engine/internal/extract"
)

// Status is a task lifecycle state.
type Status string

// Lifecycle states. Transitions are monotonic: pending -> running ->
// {done, error, cancelled}, with the explicit video-only retry path
// {error, cancelled} -> pending.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions happen short of a retry.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// MediaKind selects which engine flavor a store/engine serves.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Generation modes accepted on submission.
const (
	ModeText2Img   = "text2img"
	ModeImg2Img    = "img2img"
	ModeText2Video = "text2video"
	ModeImg2Video  = "img2video"
)

// DefaultMode returns the prompt-only mode for a media kind.
func DefaultMode(kind MediaKind) string {
	if kind == MediaVideo {
		return ModeText2Video
	}
	return ModeText2Img
}

// ValidMode reports whether mode is accepted for a media kind.
func ValidMode(kind MediaKind, mode string) bool {
	switch kind {
	case MediaVideo:
		return mode == ModeText2Video || mode == ModeImg2Video
	default:
		return mode == ModeText2Img || mode == ModeImg2Img
	}
}

// Task is the mutable record for one submitted generation job. All field
// access after creation happens under the owning Store's lock.
type Task struct {
	ID     string
	Prompt string
	Model  string
	Mode   string

	// Reference payloads, present only for img2img / img2video. Cleared
	// once no longer needed to bound memory.
	ImageBase64    string
	EndImageBase64 string

	Status    Status
	Progress  []string
	Result    extract.Artifact
	Error     string
	CreatedAt int64
	FilePath  string
}

// Summary is the external task view. It never carries reference-image
// payloads. Result fields are populated according to the media kind.
type Summary struct {
	ID              string   `json:"id"`
	Prompt          string   `json:"prompt"`
	Model           string   `json:"model"`
	Mode            string   `json:"mode"`
	Status          Status   `json:"status"`
	Progress        []string `json:"progress"`
	ResultImage     string   `json:"result_image,omitempty"`
	ResultImageType string   `json:"result_image_type,omitempty"`
	ResultVideo     string   `json:"result_video,omitempty"`
	Error           string   `json:"error"`
	CreatedAt       int64    `json:"created_at"`
	FilePath        string   `json:"file_path"`
}

// summarize builds the external view for kind. Progress is copied so callers
// never alias the record's slice.
func summarize(t *Task, kind MediaKind) Summary {
	s := Summary{
		ID:        t.ID,
		Prompt:    t.Prompt,
		Model:     t.Model,
		Mode:      t.Mode,
		Status:    t.Status,
		Progress:  append([]string(nil), t.Progress...),
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
		FilePath:  t.FilePath,
	}
	switch kind {
	case MediaVideo:
		s.ResultVideo = t.Result.Data
	default:
		s.ResultImage = t.Result.Data
		s.ResultImageType = string(t.Result.Kind)
	}
	return s
}
