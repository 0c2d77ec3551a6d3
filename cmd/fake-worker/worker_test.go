package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aistudio2api-go/internal/bridge"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type harness struct {
	reg *bridge.Registry
}

func startHarness(t *testing.T, w *worker) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	reg := bridge.NewRegistry(time.Second)
	go func() { _ = reg.Run(ctx) }()

	r := gin.New()
	r.GET("/", bridge.Handler(reg))
	srv := httptest.NewServer(r)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.run(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})

	require.Eventually(t, reg.HasLiveConnection, 2*time.Second, 10*time.Millisecond)
	return &harness{reg: reg}
}

func (h *harness) roundTrip(t *testing.T, req bridge.ProxyRequest) []bridge.Event {
	t.Helper()
	q := h.reg.CreateQueue(req.RequestID)
	defer h.reg.ReleaseQueue(req.RequestID)
	require.NoError(t, h.reg.Send(context.Background(), req))

	var got []bridge.Event
	for {
		ev, err := q.Dequeue(context.Background(), 2*time.Second)
		require.NoError(t, err)
		got = append(got, ev)
		if ev.Type == bridge.EventStreamEnd || ev.Type == bridge.EventError {
			return got
		}
	}
}

func strPtr(s string) *string { return &s }

func chunkData(events []bridge.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == bridge.EventChunk {
			b.WriteString(ev.Data)
		}
	}
	return b.String()
}

func TestWorkerEchoesUnknownPaths(t *testing.T) {
	h := startHarness(t, &worker{authIndex: 2})

	events := h.roundTrip(t, bridge.ProxyRequest{
		RequestID:     "r1",
		Path:          "/v1beta/models",
		Method:        "GET",
		StreamingMode: "real",
	})
	require.Len(t, events, 3)
	assert.Equal(t, bridge.EventResponseHeaders, events[0].Type)
	assert.Equal(t, 200, events[0].Status)
	assert.Equal(t, "2", events[0].Headers["x-fake-auth-index"])
	assert.Equal(t, "/v1beta/models", gjson.Get(chunkData(events), "path").String())
	assert.Equal(t, "GET", gjson.Get(chunkData(events), "method").String())
}

func TestWorkerGeminiFakeModeReturnsWholeDocument(t *testing.T) {
	h := startHarness(t, &worker{authIndex: 1})

	events := h.roundTrip(t, bridge.ProxyRequest{
		RequestID:     "r2",
		Path:          "/v1beta/models/gemini-pro:streamGenerateContent",
		Method:        "POST",
		StreamingMode: "fake",
		Body:          strPtr(`{"contents":[{"role":"user","parts":[{"text":"hello there"}]}]}`),
	})
	payload := chunkData(events)
	require.True(t, gjson.Valid(payload), payload)
	assert.Equal(t, "Echo: hello there", gjson.Get(payload, "candidates.0.content.parts.0.text").String())
	assert.Equal(t, "gemini-pro", gjson.Get(payload, "modelVersion").String())
	assert.Equal(t, "STOP", gjson.Get(payload, "candidates.0.finishReason").String())
}

func TestWorkerOpenAIStreamsInRealMode(t *testing.T) {
	h := startHarness(t, &worker{authIndex: 1})

	events := h.roundTrip(t, bridge.ProxyRequest{
		RequestID:     "r3",
		Path:          "/v1/chat/completions",
		Method:        "POST",
		StreamingMode: "real",
		Body:          strPtr(`{"model":"gpt-x","stream":true,"messages":[{"role":"user","content":"a b"}]}`),
	})
	assert.Equal(t, "text/event-stream", events[0].Headers["content-type"])
	payload := chunkData(events)
	assert.True(t, strings.HasSuffix(payload, "data: [DONE]\n\n"))

	var text strings.Builder
	for _, line := range strings.Split(payload, "\n") {
		data := strings.TrimPrefix(line, "data: ")
		if data == line || data == "[DONE]" {
			continue
		}
		text.WriteString(gjson.Get(data, "choices.0.delta.content").String())
	}
	assert.Equal(t, "Echo: a b", text.String())
}

func TestWorkerScriptedErrors(t *testing.T) {
	h := startHarness(t, &worker{authIndex: 1})

	events := h.roundTrip(t, bridge.ProxyRequest{
		RequestID:     "r4",
		Path:          "/v1beta/models/gemini-pro:generateContent",
		Method:        "POST",
		StreamingMode: "real",
		Body:          strPtr(`{"fake_error":429}`),
	})
	require.Len(t, events, 1)
	assert.Equal(t, bridge.EventError, events[0].Type)
	assert.Equal(t, 429, events[0].Status)
	assert.Contains(t, events[0].Message, "429")
}

func TestWorkerErrorStatusFlag(t *testing.T) {
	h := startHarness(t, &worker{authIndex: 1, errorStatus: 503})

	events := h.roundTrip(t, bridge.ProxyRequest{RequestID: "r5", Path: "/x", Method: "GET"})
	require.Len(t, events, 1)
	assert.Equal(t, 503, events[0].Status)
}

func TestWorkerHonoursCancel(t *testing.T) {
	w := &worker{authIndex: 1, replyDelay: 5 * time.Second}
	h := startHarness(t, w)

	q := h.reg.CreateQueue("r6")
	defer h.reg.ReleaseQueue("r6")
	require.NoError(t, h.reg.Send(context.Background(), bridge.ProxyRequest{RequestID: "r6", Path: "/x", Method: "GET"}))
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.inflight["r6"] != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.reg.Send(context.Background(), bridge.NewCancelRequest("r6")))
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.inflight["r6"] == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	assert.Error(t, err)
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"a ", "b ", "c"}, words("a b c"))
	assert.Equal(t, "a b c", strings.Join(words("a b c"), ""))
	assert.Empty(t, words(""))
}
