// Package extract pulls a final artifact reference out of free-form model
// output. The upstream model embeds the artifact inconsistently, so each
// media kind applies an ordered rule set: structured markdown first, bare
// heuristics last, first match wins.
package extract

import (
	"regexp"
	"strings"
)

// Kind discriminates how the artifact data should be interpreted.
type Kind string

const (
	// KindBase64 means Data holds a raw base64 payload.
	KindBase64 Kind = "base64"
	// KindURL means Data holds an absolute URL.
	KindURL Kind = "url"
)

// Artifact is an extracted artifact reference.
type Artifact struct {
	Data string
	Kind Kind
}

var (
	markdownImageRe = regexp.MustCompile(`!\[.*?\]\((.+?)\)`)
	base64PayloadRe = regexp.MustCompile(`base64,([A-Za-z0-9+/=\s]+)`)
	dataURIRe       = regexp.MustCompile(`data:image/[^;]+;base64,([A-Za-z0-9+/=\s]+)`)
	imageURLRe      = regexp.MustCompile(`(?i)(https?://\S+\.(?:jpg|jpeg|png|webp|gif)\S*)`)

	videoTagRe   = regexp.MustCompile(`<video\s+src=['"]([^'"]+)['"]`)
	videoURLRe   = regexp.MustCompile(`(?i)(https?://\S+\.(?:mp4|webm|mov)\S*)`)
	sandboxURLRe = regexp.MustCompile(`(https://storage\.googleapis\.com/ai-sandbox-videofx/video/[^\s'"<>]+)`)
)

// Image extracts an image artifact from content. Rules, in order: a markdown
// image whose target is a data URI, a markdown image whose target is an
// absolute URL, a bare data URI, a bare URL with a known image extension.
func Image(content string) (Artifact, bool) {
	if m := markdownImageRe.FindStringSubmatch(content); m != nil {
		src := strings.TrimSpace(m[1])
		if strings.HasPrefix(src, "data:image/") {
			if b := base64PayloadRe.FindStringSubmatch(src); b != nil {
				return Artifact{Data: compactBase64(b[1]), Kind: KindBase64}, true
			}
		}
		if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
			return Artifact{Data: src, Kind: KindURL}, true
		}
	}

	if b := dataURIRe.FindStringSubmatch(content); b != nil {
		return Artifact{Data: compactBase64(b[1]), Kind: KindBase64}, true
	}

	if m := imageURLRe.FindStringSubmatch(content); m != nil {
		return Artifact{Data: m[1], Kind: KindURL}, true
	}

	return Artifact{}, false
}

// Video extracts a video artifact from content. Rules, in order: a <video>
// tag's src attribute, a bare URL with a known video extension, a Google
// sandbox storage URL.
func Video(content string) (Artifact, bool) {
	if m := videoTagRe.FindStringSubmatch(content); m != nil {
		return Artifact{Data: m[1], Kind: KindURL}, true
	}

	if m := videoURLRe.FindStringSubmatch(content); m != nil {
		return Artifact{Data: m[1], Kind: KindURL}, true
	}

	if m := sandboxURLRe.FindStringSubmatch(content); m != nil {
		return Artifact{Data: m[1], Kind: KindURL}, true
	}

	return Artifact{}, false
}

// compactBase64 strips the whitespace and newlines models sometimes wrap
// long payloads with.
func compactBase64(payload string) string {
	payload = strings.ReplaceAll(payload, "\n", "")
	return strings.ReplaceAll(payload, " ", "")
}
