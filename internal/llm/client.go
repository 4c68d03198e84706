// Package llm provides the streaming chat-completions client the generation
// engines drive. One call opens one HTTP POST with a streaming body and
// decodes the line-oriented event stream until it ends, fails, or is
// cancelled.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hetangai/generation-engine/internal/observability"
)

// Message represents a chat message. Content is either a plain string or a
// []ContentPart for multimodal requests.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart represents a part of multimodal message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference, typically a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// Request is the chat-completions request body.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// DataURI wraps a base64 payload as a JPEG data URI content part.
func DataURI(base64Payload string) *ImageURL {
	return &ImageURL{URL: "data:image/jpeg;base64," + base64Payload}
}

// StreamRequest describes one streaming generation call.
type StreamRequest struct {
	BaseURL string
	APIKey  string
	Model   string
	Content any // string or []ContentPart
	Timeout time.Duration
}

// StreamCallbacks receives decoded events. Cancelled is consulted before
// each received line; returning true aborts the request with ErrCancelled
// and no further callbacks. Nil callbacks are skipped.
type StreamCallbacks struct {
	Cancelled   func() bool
	OnReasoning func(text string)
	OnContent   func(chunk string)
}

// Client is the streaming chat-completions client.
type Client struct {
	httpClient *http.Client
	logger     *observability.Logger
}

// NewClient creates a streaming client. The per-request timeout comes from
// each StreamRequest, not the shared http.Client.
func NewClient(logger *observability.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     logger.WithComponent("llm"),
	}
}

// Stream performs one streaming generation request. It returns nil when the
// stream terminates normally (the [DONE] sentinel or EOF), ErrCancelled on
// cooperative cancellation, and a classified transport or HTTP error
// otherwise.
func (c *Client) Stream(ctx context.Context, req StreamRequest, cb StreamCallbacks) error {
	body, err := json.Marshal(Request{
		Model:    req.Model,
		Messages: []Message{{Role: "user", Content: req.Content}},
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	url := strings.TrimRight(req.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Status: resp.StatusCode, Body: string(snippet)}
	}

	err = decodeStream(ctx, resp.Body, cancel, cb)
	if err != nil {
		return err
	}

	c.logger.Debug().Str("model", req.Model).Msg("stream completed")
	return nil
}
