package task

import (
	"time"

	"github.com/hetangai/generation-engine/internal/extract"
	"github.com/hetangai/generation-engine/internal/llm"
)

// Localized user-facing messages, matched to the product UI.
const (
	msgConfigureAPIKey = "请先在设置中配置 API Key"
	msgTimeout         = "请求超时，请重试"
	msgUnreachable     = "无法连接到 API 服务器"
	msgNoImage         = "未能从响应中提取图片"
	msgNoVideo         = "未能从响应中提取视频"
)

// failureMarkers flag a narration line that carries the upstream failure
// reason; such a line beats the generic no-artifact message.
var failureMarkers = []string{"❌", "失败"}

// Profile is the strategy object that turns the generic engine into the
// image or video flavor: payload shape, extraction grammar, endpoint,
// timeouts, download naming, and retry eligibility.
type Profile struct {
	Kind    MediaKind
	Channel string

	// BaseURL is the deployment default; when BaseURLFromSettings is set
	// a non-empty api_base_url setting overrides it.
	BaseURL             string
	BaseURLFromSettings bool

	StreamTimeout   time.Duration
	DownloadTimeout time.Duration

	FilePrefix string
	FileExt    string

	Retryable          bool
	KeepRefsOnFailure  bool
	ScanFailureMarkers bool
	NoArtifactMessage  string

	Extract      func(content string) (extract.Artifact, bool)
	BuildContent func(spec runSpec) any
}

// MediaOptions carries the deployment-configurable parts of a profile.
type MediaOptions struct {
	BaseURL         string
	StreamTimeout   time.Duration
	DownloadTimeout time.Duration
}

// ImageProfile returns the image engine profile.
func ImageProfile(opts MediaOptions) Profile {
	return Profile{
		Kind:                MediaImage,
		Channel:             "image",
		BaseURL:             opts.BaseURL,
		BaseURLFromSettings: true,
		StreamTimeout:       opts.StreamTimeout,
		DownloadTimeout:     opts.DownloadTimeout,
		FilePrefix:          "hetangai",
		FileExt:             "jpg",
		Retryable:           false,
		KeepRefsOnFailure:   false,
		ScanFailureMarkers:  false,
		NoArtifactMessage:   msgNoImage,
		Extract:             extract.Image,
		BuildContent:        imageContent,
	}
}

// VideoProfile returns the video engine profile. Video tasks are retryable,
// so reference frames survive a failure.
func VideoProfile(opts MediaOptions) Profile {
	return Profile{
		Kind:               MediaVideo,
		Channel:            "video",
		BaseURL:            opts.BaseURL,
		StreamTimeout:      opts.StreamTimeout,
		DownloadTimeout:    opts.DownloadTimeout,
		FilePrefix:         "hetangai_video",
		FileExt:            "mp4",
		Retryable:          true,
		KeepRefsOnFailure:  true,
		ScanFailureMarkers: true,
		NoArtifactMessage:  msgNoVideo,
		Extract:            extract.Video,
		BuildContent:       videoContent,
	}
}

// imageContent builds the request content: a multimodal array for img2img
// with a reference image, a plain prompt string otherwise.
func imageContent(spec runSpec) any {
	if spec.Mode == ModeImg2Img && spec.ImageBase64 != "" {
		return []llm.ContentPart{
			{Type: "text", Text: spec.Prompt},
			{Type: "image_url", ImageURL: llm.DataURI(spec.ImageBase64)},
		}
	}
	return spec.Prompt
}

// videoContent builds the request content: first frame plus an optional end
// frame for img2video, a plain prompt string otherwise.
func videoContent(spec runSpec) any {
	if spec.Mode == ModeImg2Video && spec.ImageBase64 != "" {
		parts := []llm.ContentPart{
			{Type: "text", Text: spec.Prompt},
			{Type: "image_url", ImageURL: llm.DataURI(spec.ImageBase64)},
		}
		if spec.EndImageBase64 != "" {
			parts = append(parts, llm.ContentPart{
				Type:     "image_url",
				ImageURL: llm.DataURI(spec.EndImageBase64),
			})
		}
		return parts
	}
	return spec.Prompt
}
