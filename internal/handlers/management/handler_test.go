package management

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"aistudio2api-go/internal/config"
	"aistudio2api-go/internal/credential"
	"aistudio2api-go/internal/proxy"
	"aistudio2api-go/internal/runtime"
	"aistudio2api-go/internal/stats"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeController struct {
	status    proxy.Status
	switchErr error
	switches  int
}

func (f *fakeController) Status() proxy.Status { return f.status }

func (f *fakeController) SwitchNext(context.Context) (int, int, error) {
	f.switches++
	if f.switchErr != nil {
		return 1, 1, f.switchErr
	}
	return 1, 2, nil
}

type staticTasks []runtime.TaskInfo

func (s staticTasks) List() []runtime.TaskInfo { return s }

type testEnv struct {
	handler *Handler
	router  *gin.Engine
	stack   *config.Stack
	pool    *credential.Pool
	stats   *stats.UsageStats
	control *fakeController
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	for _, name := range []string{"auth-1.json", "auth-2.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{"cookies":[]}`), 0o600))
	}
	pool, err := credential.NewPool(context.Background(), credential.NewFileSource(dir))
	require.NoError(t, err)

	stack, err := config.NewStaticStack(config.Layer{}, config.Layer{})
	require.NoError(t, err)

	env := &testEnv{
		stack:   stack,
		pool:    pool,
		stats:   stats.NewUsageStats(),
		control: &fakeController{status: proxy.Status{CurrentIndex: 1}},
	}
	h := NewHandler(stack, pool, env.stats, env.control, nil)
	r := gin.New()
	r.POST("/dashboard/verify-key", h.VerifyKey)
	h.RegisterRoutes(r.Group("/dashboard"))
	r.POST("/switch", h.Switch)
	env.handler = h
	env.router = r
	return env
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestUpdateConfigApplies(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/dashboard/config", map[string]any{
		"streamingMode":              "fake",
		"failureThreshold":           "4",
		"switchOnUses":               10,
		"maxRetries":                 "5",
		"retryDelay":                 500,
		"immediateSwitchStatusCodes": []any{429, "503", "x"},
		"debugMode":                  true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, gjson.Get(rec.Body.String(), "success").Bool())

	cfg := env.stack.Effective()
	assert.Equal(t, config.StreamingModeFake, cfg.Proxy.StreamingMode)
	assert.Equal(t, 4, cfg.Proxy.FailureThreshold)
	assert.Equal(t, 10, cfg.Proxy.SwitchOnUses)
	assert.Equal(t, 5, cfg.Proxy.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Proxy.RetryDelay)
	assert.Equal(t, []int{429, 503}, cfg.Proxy.ImmediateSwitchStatusCodes)
	assert.True(t, cfg.Security.Debug)
}

func TestUpdateConfigFallbacks(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/dashboard/config", map[string]any{
		"failureThreshold": "abc",
		"maxRetries":       -2,
		"retryDelay":       0,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	cfg := env.stack.Effective()
	assert.Equal(t, 0, cfg.Proxy.FailureThreshold)
	assert.Equal(t, defaultMaxRetries, cfg.Proxy.MaxRetries)
	assert.Equal(t, defaultRetryDelayMS*time.Millisecond, cfg.Proxy.RetryDelay)

	rec = env.do(http.MethodPost, "/dashboard/config", map[string]any{"maxRetries": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.stack.Effective().Proxy.MaxRetries)
}

func TestUpdateConfigRejectsInvalidMode(t *testing.T) {
	env := newTestEnv(t)
	before := env.stack.Effective().Proxy.StreamingMode

	rec := env.do(http.MethodPost, "/dashboard/config", map[string]any{"streamingMode": "turbo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "success").Bool())
	assert.Equal(t, before, env.stack.Effective().Proxy.StreamingMode)

	rec = env.do(http.MethodPost, "/dashboard/config", map[string]any{"streamingMode": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddAndRemoveTemporaryAccount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/dashboard/accounts", map[string]any{
		"index":    "5",
		"authData": `{"cookies":[{"name":"SID"}]}`,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []int{1, 2, 5}, env.pool.AvailableIndices())
	_, ok := env.stats.Snapshot().AccountCalls[5]
	assert.True(t, ok)

	rec = env.do(http.MethodPost, "/dashboard/accounts", map[string]any{
		"index":    6,
		"authData": map[string]any{"cookies": []any{}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodDelete, "/dashboard/accounts/5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{1, 2, 6}, env.pool.AvailableIndices())
}

func TestAddAccountValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing index", map[string]any{"authData": "{}"}},
		{"missing data", map[string]any{"index": 3}},
		{"broken json string", map[string]any{"index": 3, "authData": "{broken"}},
		{"not an object", map[string]any{"index": 3, "authData": "[1,2]"}},
		{"negative index", map[string]any{"index": -1, "authData": "{}"}},
		{"permanent index", map[string]any{"index": 1, "authData": "{}"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/dashboard/accounts", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, gjson.Get(rec.Body.String(), "success").Bool())
		})
	}
	assert.Equal(t, []int{1, 2}, env.pool.AvailableIndices())
}

func TestRemoveAccountRefusesPermanent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodDelete, "/dashboard/accounts/1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(http.MethodDelete, "/dashboard/accounts/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []int{1, 2}, env.pool.AvailableIndices())
}

func TestGetData(t *testing.T) {
	env := newTestEnv(t)
	start := 1
	env.control.status = proxy.Status{CurrentIndex: 2, ConsecutiveFailures: 1, CycleStartIndex: &start, UsageCount: 3}
	env.stats.RecordRequest(2, "gemini-pro")

	rec := env.do(http.MethodGet, "/dashboard/data", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Equal(t, "file", gjson.Get(body, "status.authMode").String())
	assert.Equal(t, "disabled", gjson.Get(body, "status.apiKeyAuth").String())
	assert.Equal(t, int64(2), gjson.Get(body, "auth.currentAuthIndex").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "auth.failureCount").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "auth.cycleStartIndex").Int())
	assert.Len(t, gjson.Get(body, "auth.accounts").Array(), 2)
	assert.Equal(t, int64(1), gjson.Get(body, "stats.totalCalls").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "stats.accountCalls.2.models.gemini-pro").Int())
	assert.Equal(t, config.StreamingModeReal, gjson.Get(body, "config.proxy.streaming_mode").String())
	assert.False(t, gjson.Get(body, "status.workerConnected").Exists())
}

func TestGetDataListsTasks(t *testing.T) {
	env := newTestEnv(t)
	env.handler.SetTasks(staticTasks{
		{Name: "bridge-registry", Status: runtime.TaskStatusRunning},
		{Name: "scheduled-rotation", Status: runtime.TaskStatusFailed, Error: "boom"},
	})

	rec := env.do(http.MethodGet, "/dashboard/data", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := gjson.Get(rec.Body.String(), "status.tasks").Array()
	require.Len(t, tasks, 2)
	assert.Equal(t, "bridge-registry", tasks[0].Get("name").String())
	assert.Equal(t, "running", tasks[0].Get("status").String())
	assert.Equal(t, "boom", tasks[1].Get("error").String())
}

func TestVerifyKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/dashboard/verify-key", map[string]any{"key": "anything"})
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err := env.stack.ApplyRuntime(config.Layer{APIKeys: &[]string{"secret"}})
	require.NoError(t, err)

	rec = env.do(http.MethodPost, "/dashboard/verify-key", map[string]any{"key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(http.MethodPost, "/dashboard/verify-key", map[string]any{"key": "secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "success").Bool())
}

func TestSwitch(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/switch", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "switched credential from index 1 to 2", rec.Body.String())

	env.control.switchErr = errors.New("only one credential")
	rec = env.do(http.MethodPost, "/switch", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "only one credential")
	assert.Equal(t, 2, env.control.switches)
}
