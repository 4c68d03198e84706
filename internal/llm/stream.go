package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	// Inline base64 images arrive as single very long lines.
	scanInitialBuf = 64 * 1024
	scanMaxBuf     = 16 * 1024 * 1024
)

// chunk mirrors the slice of the streamed response body the engine cares
// about. Anything else in the object is ignored.
type chunk struct {
	Choices []struct {
		Delta struct {
			ReasoningContent string `json:"reasoning_content"`
			Content          string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// decodeStream consumes the event stream line by line. The upstream framing
// is SSE-shaped but not strict: events may be split across physical lines,
// and a "data:" payload may be a JSON fragment completed by later lines.
// The fragment buffer accumulates until it parses; a blank line is an event
// boundary and resets it. Malformed or incomplete fragments are never fatal.
func decodeStream(ctx context.Context, body io.Reader, abort context.CancelFunc, cb StreamCallbacks) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, scanInitialBuf), scanMaxBuf)

	var fragment strings.Builder

	for scanner.Scan() {
		if cb.Cancelled != nil && cb.Cancelled() {
			abort()
			return ErrCancelled
		}

		line := scanner.Text()
		if line == "" {
			fragment.Reset()
			continue
		}

		if strings.HasPrefix(line, dataPrefix) {
			payload := line[len(dataPrefix):]
			if strings.TrimSpace(payload) == doneSentinel {
				return nil
			}
			fragment.Reset()
			fragment.WriteString(payload)
		} else {
			fragment.WriteString(line)
		}

		var c chunk
		if err := json.Unmarshal([]byte(fragment.String()), &c); err != nil {
			// Partial JSON; keep accumulating.
			continue
		}
		fragment.Reset()

		if len(c.Choices) == 0 {
			continue
		}
		delta := c.Choices[0].Delta

		if text := strings.TrimSpace(delta.ReasoningContent); text != "" && cb.OnReasoning != nil {
			cb.OnReasoning(text)
		}
		if delta.Content != "" && cb.OnContent != nil {
			cb.OnContent(delta.Content)
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return classifyTransportError(err)
	}
	return nil
}
