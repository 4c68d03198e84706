package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetangai/generation-engine/internal/observability"
)

func TestHub_PublishReachesAllSubscribers(t *testing.T) {
	h := NewHub(observability.Nop())

	ch1, cancel1 := h.Subscribe()
	ch2, cancel2 := h.Subscribe()
	defer cancel1()
	defer cancel2()

	require.NoError(t, h.Publish(context.Background(), "image", Event{"type": "done", "task_id": "abc"}))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case event := <-ch:
			assert.Equal(t, "done", event["type"])
			assert.Equal(t, "image", event["channel"])
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(observability.Nop())
	_, cancel := h.Subscribe()
	defer cancel()

	// Never read; the buffer fills and publishes keep succeeding.
	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, h.Publish(context.Background(), "image", Event{"type": "progress"}))
	}
}

func TestHub_CancelRemovesSubscriber(t *testing.T) {
	h := NewHub(observability.Nop())
	ch, cancel := h.Subscribe()
	require.Equal(t, 1, h.SubscriberCount())

	cancel()
	assert.Equal(t, 0, h.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)

	// Idempotent.
	cancel()
}

func TestHub_ServeHTTPStreamsEvents(t *testing.T) {
	h := NewHub(observability.Nop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, h.Publish(context.Background(), "video", Event{"type": "done", "task_id": "xyz"}))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)

	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &event))
	assert.Equal(t, "done", event["type"])
	assert.Equal(t, "xyz", event["task_id"])
	assert.Equal(t, "video", event["channel"])
}

func TestHub_ServeHTTPChannelFilter(t *testing.T) {
	h := NewHub(observability.Nop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events?channel=video")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return h.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, h.Publish(context.Background(), "image", Event{"type": "done", "task_id": "img"}))
	require.NoError(t, h.Publish(context.Background(), "video", Event{"type": "done", "task_id": "vid"}))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	// The image event was filtered out; the first data line is the video one.
	assert.Contains(t, line, `"task_id":"vid"`)
}

func TestMulti_FansOut(t *testing.T) {
	h1 := NewHub(observability.Nop())
	h2 := NewHub(observability.Nop())
	ch1, cancel1 := h1.Subscribe()
	ch2, cancel2 := h2.Subscribe()
	defer cancel1()
	defer cancel2()

	require.NoError(t, Multi(h1, h2).Publish(context.Background(), "image", Event{"type": "status"}))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case event := <-ch:
			assert.Equal(t, "status", event["type"])
		case <-time.After(time.Second):
			t.Fatal("publisher skipped a target")
		}
	}
}
