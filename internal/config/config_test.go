package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"aistudio2api-go/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 8889, cfg.Server.HTTPPort)
	assert.Equal(t, 9998, cfg.Server.WSPort)
	assert.Equal(t, StreamingModeReal, cfg.Proxy.StreamingMode)
	assert.Equal(t, 3, cfg.Proxy.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Proxy.RetryDelay)
	assert.Equal(t, 20*time.Minute, cfg.Proxy.ReplyTimeout)
	assert.Equal(t, 5*time.Second, cfg.Proxy.GracePeriod)
	assert.Zero(t, cfg.Proxy.FailureThreshold)
	assert.Zero(t, cfg.Proxy.SwitchOnUses)
}

func TestLoadFileLayerYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("http_port: 9000\nstreaming_mode: fake\nimmediate_switch_status_codes: [429, 200, 503]\n"), 0o644))
	layer, err := LoadFileLayer(yamlPath)
	require.NoError(t, err)
	require.NotNil(t, layer.HTTPPort)
	assert.Equal(t, 9000, *layer.HTTPPort)
	assert.Equal(t, "fake", *layer.StreamingMode)
	assert.Nil(t, layer.WSPort)

	jsonPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"failure_threshold": 3, "api_keys": [" a ", ""]}`), 0o644))
	layer, err = LoadFileLayer(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 3, *layer.FailureThreshold)

	_, err = LoadFileLayer(filepath.Join(dir, "missing.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestLayerPrecedence(t *testing.T) {
	file := Layer{
		HTTPPort:         Ptr(9000),
		FailureThreshold: Ptr(2),
		StreamingMode:    Ptr(StreamingModeFake),
	}
	env := Layer{
		FailureThreshold: Ptr(5),
	}
	stack, err := NewStaticStack(file, env)
	require.NoError(t, err)

	cfg := stack.Effective()
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 5, cfg.Proxy.FailureThreshold)
	assert.Equal(t, StreamingModeFake, cfg.Proxy.StreamingMode)

	cfg, err = stack.ApplyRuntime(Layer{FailureThreshold: Ptr(1), ImmediateSwitchStatusCodes: &[]int{429, 302}})
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Proxy.FailureThreshold)
	assert.Equal(t, []int{429}, cfg.Proxy.ImmediateSwitchStatusCodes)
	assert.True(t, cfg.Proxy.IsImmediateSwitch(429))

	// A later patch keeps earlier runtime overrides it does not touch.
	cfg, err = stack.ApplyRuntime(Layer{StreamingMode: Ptr(StreamingModeReal)})
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Proxy.FailureThreshold)
	assert.Equal(t, StreamingModeReal, cfg.Proxy.StreamingMode)

	cfg = stack.ResetRuntime()
	assert.Equal(t, 5, cfg.Proxy.FailureThreshold)
	assert.Equal(t, StreamingModeFake, cfg.Proxy.StreamingMode)
}

func TestApplyRuntimeRejectsInvalid(t *testing.T) {
	stack, err := NewStaticStack(Layer{}, Layer{})
	require.NoError(t, err)
	before := stack.Effective()

	_, err = stack.ApplyRuntime(Layer{StreamingMode: Ptr("bogus")})
	require.Error(t, err)
	assert.Same(t, before, stack.Effective())
	assert.Nil(t, stack.RuntimeLayer().StreamingMode)
}

func TestEffectiveIsNotSharedAcrossChanges(t *testing.T) {
	stack, err := NewStaticStack(Layer{APIKeys: &[]string{"k1"}}, Layer{})
	require.NoError(t, err)
	first := stack.Effective()

	_, err = stack.ApplyRuntime(Layer{MaxRetries: Ptr(5)})
	require.NoError(t, err)
	assert.Equal(t, 3, first.Proxy.MaxRetries)
	assert.Equal(t, 5, stack.Effective().Proxy.MaxRetries)
	assert.Equal(t, []string{"k1"}, stack.Effective().Security.APIKeys)
}

func TestEnvLayer(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("STREAMING_MODE", "fake")
	t.Setenv("API_KEYS", "one, two ,,")
	t.Setenv("IMMEDIATE_SWITCH_STATUS_CODES", "429, 503, 200, x")
	t.Setenv("DEBUG_MODE", "true")
	t.Setenv("INITIAL_AUTH_INDEX", "-1")
	t.Setenv("MAX_RETRIES", "not-a-number")

	layer := EnvLayer()
	assert.Equal(t, 7000, *layer.HTTPPort)
	assert.Equal(t, "fake", *layer.StreamingMode)
	assert.Equal(t, []string{"one", "two"}, *layer.APIKeys)
	assert.True(t, *layer.Debug)
	assert.Nil(t, layer.InitialAuthIndex)
	assert.Nil(t, layer.MaxRetries)

	cfg := Defaults()
	layer.applyTo(cfg)
	assert.Equal(t, []int{429, 503}, cfg.Proxy.ImmediateSwitchStatusCodes)
}

func TestReloadFilePublishesChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("failure_threshold: 1\n"), 0o644))

	stack, err := NewStack(path)
	require.NoError(t, err)
	assert.Equal(t, 1, stack.Effective().Proxy.FailureThreshold)

	hub := events.NewHub()
	stack.SetEventPublisher(hub)
	var got []ChangeEvent
	hub.Subscribe(events.TopicConfigUpdated, func(_ context.Context, evt events.Event) {
		got = append(got, evt.Payload.(ChangeEvent))
	})

	require.NoError(t, os.WriteFile(path, []byte("failure_threshold: 4\n"), 0o644))
	require.NoError(t, stack.ReloadFile())
	assert.Equal(t, 4, stack.Effective().Proxy.FailureThreshold)
	require.Len(t, got, 1)
	assert.Equal(t, LayerFile, got[0].Layer)
	assert.Equal(t, 1, got[0].Previous.Proxy.FailureThreshold)

	require.NoError(t, os.WriteFile(path, []byte("streaming_mode: nope\n"), 0o644))
	require.Error(t, stack.ReloadFile())
	assert.Equal(t, 4, stack.Effective().Proxy.FailureThreshold)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Server.WSPort = cfg.Server.HTTPPort
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Credentials.Source = CredentialSourceRedis
	assert.Error(t, Validate(cfg))
	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, Validate(cfg))

	cfg = Defaults()
	cfg.Proxy.MaxRetries = 0
	assert.Error(t, Validate(cfg))
}

func TestCheckDashboardKey(t *testing.T) {
	cfg := Defaults()
	assert.True(t, CheckDashboardKey(cfg, ""))

	cfg.Security.APIKeys = []string{"secret"}
	assert.True(t, CheckDashboardKey(cfg, "secret"))
	assert.False(t, CheckDashboardKey(cfg, "wrong"))
	assert.False(t, CheckDashboardKey(cfg, ""))

	hash, err := bcrypt.GenerateFromPassword([]byte("admin-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Security.DashboardKeyHash = string(hash)
	assert.True(t, CheckDashboardKey(cfg, "admin-pass"))
	assert.False(t, CheckDashboardKey(nil, "secret"))
}
