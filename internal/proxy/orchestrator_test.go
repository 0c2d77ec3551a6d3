package proxy_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aistudio2api-go/internal/bridge"
	"aistudio2api-go/internal/bridge/bridgetest"
	"aistudio2api-go/internal/config"
	"aistudio2api-go/internal/driver/drivertest"
	apperrors "aistudio2api-go/internal/errors"
	"aistudio2api-go/internal/events"
	"aistudio2api-go/internal/proxy"
	"aistudio2api-go/internal/runtime"
	"aistudio2api-go/internal/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fixedSettings struct{ cfg *config.Config }

func (s fixedSettings) Effective() *config.Config { return s.cfg }

type credList []int

func (c credList) AvailableIndices() []int { return c }

type fixture struct {
	reg    *bridge.Registry
	worker *bridgetest.Worker
	drv    *drivertest.StaticDriver
	orch   *proxy.Orchestrator
	stats  *stats.UsageStats
	hub    *events.Hub
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Proxy.MaxRetries = 1
	cfg.Proxy.RetryDelay = 0
	cfg.Proxy.ReplyTimeout = 2 * time.Second
	cfg.Proxy.ChunkIdleTimeout = 500 * time.Millisecond
	cfg.Proxy.KeepAliveInterval = 20 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, indices []int, cfg *config.Config, respond bridgetest.Responder) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := bridge.NewRegistry(time.Second)
	go func() { _ = reg.Run(ctx) }()

	f := &fixture{
		reg:   reg,
		drv:   drivertest.New(indices[0]),
		stats: stats.NewUsageStats(),
		hub:   events.NewHub(),
	}
	if respond != nil {
		f.worker = bridgetest.NewWorker(reg, respond).Attach()
	}
	tasks := runtime.NewTaskManager(ctx)
	t.Cleanup(tasks.StopAll)

	orch, err := proxy.New(proxy.Options{
		Registry: reg,
		Creds:    credList(indices),
		Driver:   f.drv,
		Settings: fixedSettings{cfg: cfg},
		Stats:    f.stats,
		Tasks:    tasks,
		Events:   f.hub,
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) do(req proxy.Request) (*httptest.ResponseRecorder, error) {
	rec := httptest.NewRecorder()
	err := f.orch.Dispatch(context.Background(), rec, req)
	return rec, err
}

func post(path, body string) proxy.Request {
	return proxy.Request{
		Method: http.MethodPost,
		Path:   path,
		Header: http.Header{"Content-Type": {"application/json"}},
		Query:  url.Values{},
		Body:   []byte(body),
	}
}

func alwaysFail(status int, message string) bridgetest.Responder {
	return func(_ bridge.ProxyRequest, reply bridgetest.Reply) {
		reply(bridgetest.Error(status, message))
	}
}

func okJSON(body string) bridgetest.Responder {
	return func(_ bridge.ProxyRequest, reply bridgetest.Reply) {
		reply(bridgetest.Headers(200, map[string]string{"content-type": "application/json"}))
		reply(bridgetest.Chunk(body))
		reply(bridgetest.StreamClose())
	}
}

func errorMessage(rec *httptest.ResponseRecorder) string {
	return gjson.Get(rec.Body.String(), "error.message").String()
}

func TestCorrectStatus(t *testing.T) {
	cases := []struct {
		status  int
		message string
		want    int
	}{
		{500, "upstream said HTTP 429 Too Many Requests", 429},
		{500, "got status code 403 from backend", 403},
		{500, `{"error":{"code": 503,"message":"overloaded"}}`, 503},
		{500, "nothing to see", 500},
		{429, "HTTP 429", 429},
		{500, "HTTP 200 OK", 500},
		{502, `"code":999`, 502},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, proxy.CorrectStatus(tc.status, tc.message), tc.message)
	}
}

func TestNextIndexIsCyclic(t *testing.T) {
	for n := 2; n <= 5; n++ {
		available := make([]int, n)
		for i := range available {
			available[i] = (i + 1) * 2
		}
		start := available[n/2]
		cur := start
		seen := map[int]bool{}
		for i := 0; i < n; i++ {
			next, ok := proxy.NextIndex(available, cur)
			require.True(t, ok)
			seen[next] = true
			cur = next
		}
		assert.Equal(t, start, cur, "n=%d", n)
		assert.Len(t, seen, n)
	}

	next, ok := proxy.NextIndex([]int{5, 1, 3}, 2)
	require.True(t, ok)
	assert.Equal(t, 1, next)
	next, _ = proxy.NextIndex([]int{5, 1, 3}, 5)
	assert.Equal(t, 1, next)
	_, ok = proxy.NextIndex(nil, 1)
	assert.False(t, ok)
}

func TestRelayForwardsStatusHeadersAndChunks(t *testing.T) {
	f := newFixture(t, []int{1}, testConfig(), func(_ bridge.ProxyRequest, reply bridgetest.Reply) {
		reply(bridgetest.Headers(201, map[string]string{
			"content-type":   "text/plain",
			"content-length": "999",
			"x-upstream":     "yes",
		}))
		reply(bridgetest.Chunk("hello "))
		reply(bridgetest.Chunk("world"))
		reply(bridgetest.StreamClose())
	})

	req := post("/v1beta/models/gemini-2.5-pro:streamGenerateContent", `{"contents":[]}`)
	req.Query.Set("alt", "sse")
	req.Header.Set("X-Custom", "a")
	rec, err := f.do(req)
	require.NoError(t, err)

	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Length"))
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Zero(t, f.reg.PendingCount())

	sent := f.worker.Requests()
	require.Len(t, sent, 1)
	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:streamGenerateContent", sent[0].Path)
	assert.Equal(t, http.MethodPost, sent[0].Method)
	assert.Equal(t, "sse", sent[0].QueryParams["alt"])
	assert.Equal(t, "a", sent[0].Headers["x-custom"])
	assert.Equal(t, config.StreamingModeReal, sent[0].StreamingMode)
	require.NotNil(t, sent[0].Body)
	assert.Equal(t, `{"contents":[]}`, *sent[0].Body)
	assert.NotEmpty(t, sent[0].RequestID)
}

func TestRelayIdleChunkTimeoutEndsStream(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.ChunkIdleTimeout = 100 * time.Millisecond
	f := newFixture(t, []int{1}, cfg, func(_ bridge.ProxyRequest, reply bridgetest.Reply) {
		reply(bridgetest.Headers(200, nil))
		reply(bridgetest.Chunk("partial"))
	})

	rec, err := f.do(proxy.Request{Method: http.MethodGet, Path: "/v1beta/models"})
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
	assert.Nil(t, f.worker.Requests()[0].Body)
}

func TestFailureThresholdRotatesOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.FailureThreshold = 3
	f := newFixture(t, []int{1, 2, 3}, cfg, alwaysFail(500, "backend exploded"))

	for i := 1; i <= 2; i++ {
		rec, err := f.do(post("/v1/chat/completions", `{}`))
		require.Error(t, err)
		assert.Equal(t, 500, rec.Code)
		assert.NotContains(t, errorMessage(rec), "switched")
		assert.Empty(t, f.drv.Switches())
		assert.Equal(t, i, f.orch.Status().ConsecutiveFailures)
	}

	rec, err := f.do(post("/v1/chat/completions", `{}`))
	var up *apperrors.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, 500, rec.Code)
	assert.Contains(t, errorMessage(rec), "backend exploded")
	assert.Contains(t, errorMessage(rec), "switched to credential 2")
	assert.Equal(t, []int{2}, f.drv.Switches())

	st := f.orch.Status()
	assert.Equal(t, 2, st.CurrentIndex)
	assert.Zero(t, st.ConsecutiveFailures)
	require.NotNil(t, st.CycleStartIndex)
	assert.Equal(t, 1, *st.CycleStartIndex)
}

func TestImmediateSwitchBypassesThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.FailureThreshold = 10
	cfg.Proxy.ImmediateSwitchStatusCodes = []int{429}
	f := newFixture(t, []int{1, 2}, cfg, alwaysFail(429, "quota exhausted"))

	rec, err := f.do(post("/v1beta/models/gemini-2.5-pro:generateContent", `{}`))
	require.Error(t, err)
	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, []int{2}, f.drv.Switches())
	assert.Zero(t, f.orch.Status().ConsecutiveFailures)
}

func TestImmediateSwitchUsesCorrectedStatus(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.ImmediateSwitchStatusCodes = []int{429}
	f := newFixture(t, []int{1, 2}, cfg, alwaysFail(500, "proxy said: status code 429"))

	rec, err := f.do(post("/v1/chat/completions", `{}`))
	require.Error(t, err)
	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, []int{2}, f.drv.Switches())
}

func TestCircuitOpensAfterFullCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.FailureThreshold = 1
	var failing atomic.Bool
	failing.Store(true)
	f := newFixture(t, []int{1, 2, 3}, cfg, func(req bridge.ProxyRequest, reply bridgetest.Reply) {
		if failing.Load() {
			reply(bridgetest.Error(503, "unavailable"))
			return
		}
		okJSON(`{"ok":true}`)(req, reply)
	})

	var circuit []proxy.CircuitChange
	var mu sync.Mutex
	f.hub.Subscribe(events.TopicCircuitChanged, func(_ context.Context, ev events.Event) {
		mu.Lock()
		circuit = append(circuit, ev.Payload.(proxy.CircuitChange))
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		_, err := f.do(post("/v1/chat/completions", `{}`))
		require.Error(t, err)
	}
	assert.Equal(t, []int{2, 3, 1}, f.drv.Switches())
	assert.Equal(t, 1, f.drv.CurrentIndex())
	assert.True(t, f.orch.Status().CircuitOpen)

	rec, err := f.do(post("/v1/chat/completions", `{}`))
	require.Error(t, err)
	assert.Equal(t, []int{2, 3, 1}, f.drv.Switches(), "open circuit must not rotate again")
	assert.Equal(t, "unavailable", errorMessage(rec))

	failing.Store(false)
	rec, err = f.do(post("/v1/chat/completions", `{}`))
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	st := f.orch.Status()
	assert.False(t, st.CircuitOpen)
	assert.Nil(t, st.CycleStartIndex)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, circuit, 2)
	assert.True(t, circuit[0].Open)
	assert.Equal(t, 1, circuit[0].CycleStart)
	assert.False(t, circuit[1].Open)
}

func TestManualSwitchClearsOpenCircuit(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.FailureThreshold = 1
	f := newFixture(t, []int{1, 2}, cfg, alwaysFail(500, "boom"))

	for i := 0; i < 2; i++ {
		_, _ = f.do(post("/v1/chat/completions", `{}`))
	}
	require.True(t, f.orch.Status().CircuitOpen)

	from, to, err := f.orch.SwitchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, from)
	assert.Equal(t, 2, to)
	assert.False(t, f.orch.Status().CircuitOpen)
}

func TestRetriesUntilSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.MaxRetries = 3
	cfg.Proxy.RetryDelay = 10 * time.Millisecond
	var calls atomic.Int32
	f := newFixture(t, []int{1}, cfg, func(req bridge.ProxyRequest, reply bridgetest.Reply) {
		if calls.Add(1) < 3 {
			reply(bridgetest.Error(500, "transient"))
			return
		}
		okJSON(`{"done":true}`)(req, reply)
	})

	rec, err := f.do(post("/v1/chat/completions", `{}`))
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"done":true}`, rec.Body.String())

	sent := f.worker.Requests()
	require.Len(t, sent, 3)
	assert.Equal(t, sent[0].RequestID, sent[2].RequestID)
}

func TestNonHTTPErrorIsNotRetried(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.MaxRetries = 3
	cfg.Proxy.FailureThreshold = 1
	f := newFixture(t, []int{1, 2}, cfg, alwaysFail(0, "browser crashed"))

	rec, err := f.do(post("/v1/chat/completions", `{}`))
	require.Error(t, err)
	assert.Equal(t, 500, rec.Code)
	assert.Len(t, f.worker.Requests(), 1)
	assert.Empty(t, f.drv.Switches())
}

func TestRotationRejections(t *testing.T) {
	single := newFixture(t, []int{1}, testConfig(), okJSON(`{}`))
	_, _, err := single.orch.SwitchNext(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrSwitchRejected)

	f := newFixture(t, []int{1, 2}, testConfig(), okJSON(`{}`))
	f.drv.SetDelay(300 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, _, err := f.orch.SwitchNext(context.Background())
		done <- err
	}()
	require.Eventually(t, f.orch.Switching, time.Second, 5*time.Millisecond)

	_, _, err = f.orch.SwitchNext(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrSwitchInProgress)

	rec, err := f.do(post("/v1/chat/completions", `{}`))
	assert.ErrorIs(t, err, apperrors.ErrSystemBusy)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, f.worker.Requests())

	require.NoError(t, <-done)
	assert.False(t, f.orch.Switching())
	assert.Equal(t, 2, f.drv.CurrentIndex())
}

func TestFailedSwitchKeepsCredential(t *testing.T) {
	f := newFixture(t, []int{1, 2}, testConfig(), okJSON(`{}`))
	f.drv.FailOn(2, errors.New("login wall"))

	_, _, err := f.orch.SwitchNext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login wall")
	assert.Equal(t, 1, f.drv.CurrentIndex())
	assert.False(t, f.orch.Switching())
}

func TestDispatchWithoutWorker(t *testing.T) {
	f := newFixture(t, []int{1}, testConfig(), nil)
	rec, err := f.do(post("/v1/chat/completions", `{}`))
	assert.ErrorIs(t, err, apperrors.ErrNoConnection)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no_connection", gjson.Get(rec.Body.String(), "error.code").String())
}

func TestDispatchSendFailure(t *testing.T) {
	f := newFixture(t, []int{1}, testConfig(), okJSON(`{}`))
	f.worker.FailSends(errors.New("broken pipe"))
	rec, err := f.do(post("/v1/chat/completions", `{}`))
	assert.ErrorIs(t, err, apperrors.ErrNoConnection)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDispatchTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.ReplyTimeout = 50 * time.Millisecond
	f := newFixture(t, []int{1}, cfg, func(bridge.ProxyRequest, bridgetest.Reply) {})

	rec, err := f.do(post("/v1beta/models/gemini-2.5-pro:generateContent", `{}`))
	assert.ErrorIs(t, err, apperrors.ErrDispatchTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "DEADLINE_EXCEEDED", gjson.Get(rec.Body.String(), "error.status").String())
}

func TestConnectionLossFailsPendingRequest(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.ReplyTimeout = 0
	f := newFixture(t, []int{1}, cfg, func(bridge.ProxyRequest, bridgetest.Reply) {})
	f.reg.SetGracePeriod(50 * time.Millisecond)

	type result struct {
		rec *httptest.ResponseRecorder
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := f.do(post("/v1/chat/completions", `{}`))
		done <- result{rec, err}
	}()
	require.Eventually(t, func() bool { return f.reg.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	f.worker.Detach()

	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, apperrors.ErrQueueClosed)
		assert.Equal(t, http.StatusServiceUnavailable, res.rec.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("request was not failed after the grace period")
	}
}

func TestClientCancelSendsCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.ReplyTimeout = 0
	f := newFixture(t, []int{1}, cfg, func(bridge.ProxyRequest, bridgetest.Reply) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.orch.Dispatch(ctx, httptest.NewRecorder(), post("/v1/chat/completions", `{}`))
	}()
	require.Eventually(t, func() bool { return len(f.worker.Requests()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancel")
	}
	assert.Equal(t, []string{f.worker.Requests()[0].RequestID}, f.worker.Cancels())
	assert.Zero(t, f.reg.PendingCount())
}

func TestCompletedRequestSendsNoCancel(t *testing.T) {
	f := newFixture(t, []int{1}, testConfig(), okJSON(`{}`))
	_, err := f.do(post("/v1/chat/completions", `{}`))
	require.NoError(t, err)
	assert.Empty(t, f.worker.Cancels())
}

func TestFakeModeNonStreamed(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.StreamingMode = config.StreamingModeFake
	f := newFixture(t, []int{1}, cfg, okJSON(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`))

	rec, err := f.do(post("/v1beta/models/gemini-2.5-pro:generateContent", `{}`))
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hi", gjson.Get(rec.Body.String(), "candidates.0.content.parts.0.text").String())
	assert.Equal(t, config.StreamingModeFake, f.worker.Requests()[0].StreamingMode)
}

func TestFakeModeRejectsMalformedPayload(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.StreamingMode = config.StreamingModeFake
	f := newFixture(t, []int{1}, cfg, okJSON(`not json`))

	rec, err := f.do(post("/v1/chat/completions", `{}`))
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFakeModeStreamedWithKeepAlive(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.StreamingMode = config.StreamingModeFake
	payload := `{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`
	f := newFixture(t, []int{1}, cfg, func(req bridge.ProxyRequest, reply bridgetest.Reply) {
		time.Sleep(150 * time.Millisecond)
		okJSON(payload)(req, reply)
	})

	rec, err := f.do(post("/v1beta/models/gemini-2.5-pro:streamGenerateContent", `{}`))
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	keepAlive := "data: " + string(proxy.KeepAliveFrame("/v1beta/models/x:streamGenerateContent", "", time.Now())) + "\n\n"
	assert.Contains(t, body, keepAlive)
	assert.Contains(t, body, "data: "+payload+"\n\n")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Less(t, strings.LastIndex(body, keepAlive), strings.Index(body, payload))
}

func TestFakeModeStreamedErrorBecomesFrame(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.StreamingMode = config.StreamingModeFake
	cfg.Proxy.FailureThreshold = 1
	f := newFixture(t, []int{1, 2}, cfg, alwaysFail(500, "model overloaded"))

	rec, err := f.do(post("/v1beta/models/gemini-2.5-pro:streamGenerateContent", `{}`))
	require.Error(t, err)
	assert.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"proxy_error"`)
	assert.Contains(t, body, "[proxy] received status 500, switching credential...")
	assert.Contains(t, body, "switched to credential 2")
	assert.Contains(t, body, "model overloaded")
	assert.NotContains(t, body, "[DONE]")
}

func TestKeepAliveFrameShapes(t *testing.T) {
	now := time.Unix(1700000000, 0)

	openai := proxy.KeepAliveFrame("/v1/chat/completions", "abc", now)
	assert.Equal(t, "chatcmpl-abc", gjson.GetBytes(openai, "id").String())
	assert.Equal(t, "chat.completion.chunk", gjson.GetBytes(openai, "object").String())
	assert.Equal(t, int64(1700000000), gjson.GetBytes(openai, "created").Int())
	assert.Equal(t, "gpt-4", gjson.GetBytes(openai, "model").String())
	assert.True(t, gjson.GetBytes(openai, "choices.0.delta").IsObject())
	assert.Equal(t, gjson.Null, gjson.GetBytes(openai, "choices.0.finish_reason").Type)

	gemini := proxy.KeepAliveFrame("/v1beta/models/gemini-2.5-pro:generateContent", "abc", now)
	assert.Equal(t, "model", gjson.GetBytes(gemini, "candidates.0.content.role").String())
	assert.Equal(t, "", gjson.GetBytes(gemini, "candidates.0.content.parts.0.text").String())

	assert.Equal(t, "{}", string(proxy.KeepAliveFrame("/v1/embeddings", "abc", now)))
}

func TestUsageRotationRunsAfterResponse(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.SwitchOnUses = 2
	f := newFixture(t, []int{1, 2}, cfg, okJSON(`{}`))

	var switched []proxy.Switched
	var mu sync.Mutex
	f.hub.Subscribe(events.TopicCredentialSwitched, func(_ context.Context, ev events.Event) {
		mu.Lock()
		switched = append(switched, ev.Payload.(proxy.Switched))
		mu.Unlock()
	})

	_, err := f.do(proxy.Request{Method: http.MethodGet, Path: "/v1beta/models"})
	require.NoError(t, err)
	_, err = f.do(post("/v1beta/models/gemini-2.5-pro:generateContent", `{}`))
	require.NoError(t, err)
	assert.Empty(t, f.drv.Switches())
	assert.Equal(t, int64(1), f.orch.Status().UsageCount)

	_, err = f.do(post("/v1beta/models/gemini-2.5-pro:streamGenerateContent", `{}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.drv.Switches()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{2}, f.drv.Switches())
	require.Eventually(t, func() bool { return f.orch.Status().UsageCount == 0 }, time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, switched, 1)
	assert.Equal(t, proxy.Switched{From: 1, To: 2, Reason: "usage", Timestamp: switched[0].Timestamp}, switched[0])
	mu.Unlock()

	snap := f.stats.Snapshot()
	assert.Equal(t, int64(3), snap.TotalCalls)
	assert.Equal(t, int64(2), snap.AccountCalls[1].Models["gemini-2.5-pro"])
}
