// Package download materializes finished artifacts on disk. URL artifacts
// are fetched over HTTP; base64 artifacts are decoded in place.
package download

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/hetangai/generation-engine/internal/extract"
	"github.com/hetangai/generation-engine/internal/observability"
)

// promptSanitizeRe keeps word characters and CJK ideographs; everything else
// is stripped from the filename fragment.
var promptSanitizeRe = regexp.MustCompile(`[^\w\x{4e00}-\x{9fff}]`)

const promptFragmentRunes = 10

// Downloader saves artifacts to the user's download directory.
type Downloader struct {
	httpClient *http.Client
	logger     *observability.Logger
}

// NewDownloader creates a Downloader. Fetch timeouts come per request, not
// from the shared client.
func NewDownloader(logger *observability.Logger) *Downloader {
	return &Downloader{
		httpClient: &http.Client{},
		logger:     logger.WithComponent("download"),
	}
}

// SaveRequest describes one artifact save.
type SaveRequest struct {
	Dir          string
	Prefix       string
	Ext          string
	Prompt       string
	Artifact     extract.Artifact
	FetchTimeout time.Duration
}

// Save fetches or decodes the artifact and writes it under req.Dir, creating
// the directory if needed. It returns the full path of the written file.
func (d *Downloader) Save(ctx context.Context, req SaveRequest) (string, error) {
	data, err := d.Fetch(ctx, req.Artifact, req.FetchTimeout)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	path := filepath.Join(req.Dir, Filename(req.Prefix, req.Prompt, req.Ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	d.logger.Info().Str("path", path).Int("bytes", len(data)).Msg("artifact saved")
	return path, nil
}

// Fetch returns the raw artifact bytes.
func (d *Downloader) Fetch(ctx context.Context, artifact extract.Artifact, timeout time.Duration) ([]byte, error) {
	switch artifact.Kind {
	case extract.KindURL:
		return d.fetchURL(ctx, artifact.Data, timeout)
	default:
		data, err := base64.StdEncoding.DecodeString(artifact.Data)
		if err != nil {
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
		return data, nil
	}
}

func (d *Downloader) fetchURL(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch artifact: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Filename builds "{prefix}_{timestamp}_{promptFragment}.{ext}". The prompt
// fragment is the sanitized prompt truncated to ten runes; it may be empty.
func Filename(prefix, prompt, ext string) string {
	ts := now().Format("20060102_150405")
	fragment := promptSanitizeRe.ReplaceAllString(prompt, "")
	if runes := []rune(fragment); len(runes) > promptFragmentRunes {
		fragment = string(runes[:promptFragmentRunes])
	}
	return fmt.Sprintf("%s_%s_%s.%s", prefix, ts, fragment, ext)
}

// now is stubbed in tests.
var now = time.Now
