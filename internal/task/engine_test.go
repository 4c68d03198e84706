package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetangai/generation-engine/internal/download"
	"github.com/hetangai/generation-engine/internal/llm"
	"github.com/hetangai/generation-engine/internal/notify"
	"github.com/hetangai/generation-engine/internal/observability"
	"github.com/hetangai/generation-engine/internal/settings"
)

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeSettings(values map[string]string) *fakeSettings {
	if values == nil {
		values = map[string]string{}
	}
	if _, ok := values[settings.KeyAPIKey]; !ok {
		values[settings.KeyAPIKey] = "test-key"
	}
	return &fakeSettings{values: values}
}

func (f *fakeSettings) Get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

func (f *fakeSettings) PoolSize() int { return 2 }

type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capturePublisher) Publish(_ context.Context, _ string, event notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturePublisher) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e["type"].(string))
	}
	return out
}

func (c *capturePublisher) find(eventType string) (notify.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e["type"] == eventType {
			return e, true
		}
	}
	return nil, false
}

// sseBody frames each payload as one event and terminates the stream.
func sseBody(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: " + p + "\n\n")
	}
	b.WriteString("data: [DONE]\n")
	return b.String()
}

func reasoningEvent(text string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"reasoning_content":%q}}]}`, text)
}

func contentEvent(text string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, text)
}

func newImageEngine(t *testing.T, baseURL string, st Settings, pub notify.Publisher) *Engine {
	t.Helper()
	e := NewEngine(ImageProfile(MediaOptions{
		BaseURL:         baseURL,
		StreamTimeout:   2 * time.Second,
		DownloadTimeout: 2 * time.Second,
	}), st, llm.NewClient(observability.Nop()), download.NewDownloader(observability.Nop()), pub, observability.Nop())
	t.Cleanup(e.Shutdown)
	return e
}

func newVideoEngine(t *testing.T, baseURL string, st Settings, pub notify.Publisher) *Engine {
	t.Helper()
	e := NewEngine(VideoProfile(MediaOptions{
		BaseURL:         baseURL,
		StreamTimeout:   2 * time.Second,
		DownloadTimeout: 2 * time.Second,
	}), st, llm.NewClient(observability.Nop()), download.NewDownloader(observability.Nop()), pub, observability.Nop())
	t.Cleanup(e.Shutdown)
	return e
}

func waitStatus(t *testing.T, e *Engine, id string, want Status) Summary {
	t.Helper()
	var summary Summary
	require.Eventually(t, func() bool {
		s, ok := e.Get(id)
		if !ok {
			return false
		}
		summary = s
		return s.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return summary
}

func TestEngine_ImageSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(
			reasoningEvent("  正在生成图片...  "),
			contentEvent("here: ![img](data:image/png;base64,QUJDRA==)"),
		))
	}))
	defer srv.Close()

	pub := &capturePublisher{}
	e := newImageEngine(t, srv.URL, newFakeSettings(nil), pub)

	submitted := e.Submit(Submission{Prompt: "a pond at dusk", Model: "m1", Mode: ModeText2Img})
	assert.Len(t, submitted.ID, 8)
	assert.Equal(t, StatusPending, submitted.Status)

	summary := waitStatus(t, e, submitted.ID, StatusDone)
	assert.Equal(t, "QUJDRA==", summary.ResultImage)
	assert.Equal(t, "base64", summary.ResultImageType)
	assert.Contains(t, summary.Progress, "正在生成图片...")
	assert.Empty(t, summary.Error)

	// The done event lands just after the status flips.
	require.Eventually(t, func() bool {
		types := pub.types()
		return len(types) == 3 && types[2] == "done"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"status", "progress", "done"}, pub.types())

	// Push events carry the payloads the UI renders from.
	progress, ok := pub.find("progress")
	require.True(t, ok)
	assert.Equal(t, "正在生成图片...", progress["progress_text"])

	done, ok := pub.find("done")
	require.True(t, ok)
	assert.Equal(t, submitted.ID, done["task_id"])
	assert.Equal(t, "QUJDRA==", done["result_image"])
	assert.Equal(t, "base64", done["result_image_type"])
}

func TestEngine_MissingAPIKey(t *testing.T) {
	st := newFakeSettings(map[string]string{settings.KeyAPIKey: ""})
	e := newImageEngine(t, "http://127.0.0.1:1", st, nil)

	submitted := e.Submit(Submission{Prompt: "a pond", Mode: ModeText2Img})
	summary := waitStatus(t, e, submitted.ID, StatusError)
	assert.Equal(t, "请先在设置中配置 API Key", summary.Error)
}

func TestEngine_NoArtifactInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(contentEvent("sorry, nothing came out")))
	}))
	defer srv.Close()

	e := newImageEngine(t, srv.URL, newFakeSettings(nil), nil)
	submitted := e.Submit(Submission{Prompt: "a pond", Mode: ModeText2Img})
	summary := waitStatus(t, e, submitted.ID, StatusError)
	assert.Equal(t, "未能从响应中提取图片", summary.Error)
}

func TestEngine_VideoFailureMarkerBeatsGenericError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(
			reasoningEvent("开始生成"),
			reasoningEvent("❌ 生成失败：配额不足"),
			reasoningEvent("任务失败，请稍后再试"),
		))
	}))
	defer srv.Close()

	e := newVideoEngine(t, srv.URL, newFakeSettings(nil), nil)
	submitted := e.Submit(Submission{Prompt: "a pond", Mode: ModeText2Video})
	summary := waitStatus(t, e, submitted.ID, StatusError)

	// The first marker line wins over later ones.
	assert.Equal(t, "❌ 生成失败：配额不足", summary.Error)
}

func TestEngine_VideoDoneEventCarriesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(contentEvent(`<video src="https://v.example.com/out.mp4">`)))
	}))
	defer srv.Close()

	pub := &capturePublisher{}
	e := newVideoEngine(t, srv.URL, newFakeSettings(nil), pub)

	submitted := e.Submit(Submission{Prompt: "a pond", Mode: ModeText2Video})
	waitStatus(t, e, submitted.ID, StatusDone)

	var done notify.Event
	require.Eventually(t, func() bool {
		var ok bool
		done, ok = pub.find("done")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "https://v.example.com/out.mp4", done["result_video"])
	assert.NotContains(t, done, "result_image")
}

func TestEngine_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	e := NewEngine(ImageProfile(MediaOptions{
		BaseURL:         srv.URL,
		StreamTimeout:   50 * time.Millisecond,
		DownloadTimeout: time.Second,
	}), newFakeSettings(nil), llm.NewClient(observability.Nop()), download.NewDownloader(observability.Nop()), nil, observability.Nop())
	t.Cleanup(e.Shutdown)

	submitted := e.Submit(Submission{Prompt: "a pond", Mode: ModeText2Img})
	summary := waitStatus(t, e, submitted.ID, StatusError)
	assert.Equal(t, "请求超时，请重试", summary.Error)
}

func TestEngine_Unreachable(t *testing.T) {
	e := newImageEngine(t, "http://127.0.0.1:1", newFakeSettings(nil), nil)
	submitted := e.Submit(Submission{Prompt: "a pond", Mode: ModeText2Img})
	summary := waitStatus(t, e, submitted.ID, StatusError)
	assert.Equal(t, "无法连接到 API 服务器", summary.Error)
}

func TestEngine_UpstreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	e := newImageEngine(t, srv.URL, newFakeSettings(nil), nil)
	submitted := e.Submit(Submission{Prompt: "a pond", Mode: ModeText2Img})
	summary := waitStatus(t, e, submitted.ID, StatusError)
	assert.Equal(t, "API 请求失败: 402", summary.Error)
}

func TestEngine_CancelQueuedTask(t *testing.T) {
	gate := make(chan struct{})
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-gate
		io.WriteString(w, sseBody(contentEvent("![i](data:image/png;base64,QUJD)")))
	}))
	defer srv.Close()

	pub := &capturePublisher{}
	e := NewEngine(ImageProfile(MediaOptions{
		BaseURL:         srv.URL,
		StreamTimeout:   5 * time.Second,
		DownloadTimeout: time.Second,
	}), newFakeSettings(nil), llm.NewClient(observability.Nop()), download.NewDownloader(observability.Nop()), pub, observability.Nop())
	t.Cleanup(e.Shutdown)
	e.ResizePool(1)

	first := e.Submit(Submission{Prompt: "one", Mode: ModeText2Img})
	require.Eventually(t, func() bool { return requests.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	second := e.Submit(Submission{Prompt: "two", Mode: ModeText2Img})
	require.True(t, e.Cancel(second.ID))
	assert.False(t, e.Cancel(first.ID), "running task is not cancellable")

	close(gate)
	waitStatus(t, e, first.ID, StatusDone)

	summary, ok := e.Get(second.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, summary.Status)
	assert.Equal(t, int32(1), requests.Load(), "cancelled task never reached the API")
}

func TestEngine_AutoDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(contentEvent("![i](data:image/png;base64,QUJDRA==)")))
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := newFakeSettings(map[string]string{
		settings.KeyAutoDownload: "true",
		settings.KeyDownloadPath: dir,
	})
	e := newImageEngine(t, srv.URL, st, nil)

	submitted := e.Submit(Submission{Prompt: "荷塘月色", Mode: ModeText2Img})
	summary := waitStatus(t, e, submitted.ID, StatusDone)

	require.Eventually(t, func() bool {
		s, _ := e.Get(submitted.ID)
		summary = s
		return s.FilePath != ""
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, dir, filepath.Dir(summary.FilePath))
	name := filepath.Base(summary.FilePath)
	assert.True(t, strings.HasPrefix(name, "hetangai_"), name)
	assert.True(t, strings.HasSuffix(name, "_荷塘月色.jpg"), name)

	data, err := os.ReadFile(summary.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "ABCD", string(data))
}

func TestEngine_VideoRetryKeepsReferenceImage(t *testing.T) {
	var calls atomic.Int32
	var bodies [][]byte
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		if calls.Add(1) == 1 {
			io.WriteString(w, sseBody(contentEvent("no artifact this time")))
			return
		}
		io.WriteString(w, sseBody(contentEvent(`<video src="https://v.example.com/out.mp4">`)))
	}))
	defer srv.Close()

	e := newVideoEngine(t, srv.URL, newFakeSettings(nil), nil)

	submitted := e.Submit(Submission{
		Prompt:      "animate this",
		Mode:        ModeImg2Video,
		ImageBase64: "cmVmLWZyYW1l",
	})
	summary := waitStatus(t, e, submitted.ID, StatusError)
	assert.Equal(t, "未能从响应中提取视频", summary.Error)

	retried, ok := e.Retry(submitted.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, retried.Status)

	summary = waitStatus(t, e, submitted.ID, StatusDone)
	assert.Equal(t, "https://v.example.com/out.mp4", summary.ResultVideo)

	// Both requests carried the reference frame.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	for _, body := range bodies {
		assert.Contains(t, string(body), "data:image/jpeg;base64,cmVmLWZyYW1l")
	}
}

func TestEngine_RetryRejectedForImages(t *testing.T) {
	e := newImageEngine(t, "http://127.0.0.1:1", newFakeSettings(map[string]string{settings.KeyAPIKey: ""}), nil)
	submitted := e.Submit(Submission{Prompt: "a pond", Mode: ModeText2Img})
	waitStatus(t, e, submitted.ID, StatusError)

	_, ok := e.Retry(submitted.ID)
	assert.False(t, ok)
}

func TestEngine_DefaultModelFromSettings(t *testing.T) {
	var mu sync.Mutex
	var got llm.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		io.WriteString(w, sseBody(contentEvent("![i](data:image/png;base64,QUJD)")))
	}))
	defer srv.Close()

	st := newFakeSettings(map[string]string{settings.KeyImageModel: "custom-model"})
	e := newImageEngine(t, srv.URL, st, nil)

	submitted := e.Submit(Submission{Prompt: "a pond", Mode: ModeText2Img})
	assert.Equal(t, "custom-model", submitted.Model)
	waitStatus(t, e, submitted.ID, StatusDone)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "custom-model", got.Model)
}

func TestEngine_BaseURLOverrideFromSettings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(contentEvent("![i](data:image/png;base64,QUJD)")))
	}))
	defer srv.Close()

	// The profile default points nowhere; the settings override wins.
	st := newFakeSettings(map[string]string{settings.KeyAPIBaseURL: srv.URL})
	e := newImageEngine(t, "http://127.0.0.1:1", st, nil)

	submitted := e.Submit(Submission{Prompt: "a pond", Mode: ModeText2Img})
	waitStatus(t, e, submitted.ID, StatusDone)
}
