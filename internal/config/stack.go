package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"aistudio2api-go/internal/events"

	log "github.com/sirupsen/logrus"
)

// Layer names in precedence order, lowest first.
const (
	LayerDefaults = "defaults"
	LayerFile     = "file"
	LayerEnv      = "env"
	LayerRuntime  = "runtime"
)

// Stack merges configuration layers with a fixed precedence:
// defaults < file < env < runtime. Each layer is immutable once applied;
// changing one swaps in a new value and recomputes the effective Config.
type Stack struct {
	mu        sync.Mutex
	path      string
	file      Layer
	env       Layer
	runtime   Layer
	lastMod   time.Time
	effective atomic.Pointer[Config]
	publisher events.Publisher
	onChange  []func(*Config)
}

// NewStack loads the file layer from path (if it exists) and the environment
// layer, and validates the result.
func NewStack(path string) (*Stack, error) {
	s := &Stack{path: ResolvePath(path)}

	file, err := LoadFileLayer(s.path)
	switch {
	case err == nil:
		s.file = file
		s.lastMod = modTime(s.path)
		log.WithField("path", s.path).Info("configuration loaded")
	case errors.Is(err, os.ErrNotExist):
		log.WithField("path", s.path).Warn("using default configuration (no config file found)")
	default:
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	s.env = EnvLayer()
	cfg := s.merge(s.file, s.env, s.runtime)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	s.effective.Store(cfg)
	return s, nil
}

// NewStaticStack builds a stack from in-memory layers. Used by tests and tools.
func NewStaticStack(file, env Layer) (*Stack, error) {
	s := &Stack{file: file, env: env}
	cfg := s.merge(file, env, Layer{})
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	s.effective.Store(cfg)
	return s, nil
}

// Effective returns the current merged configuration. Callers must not mutate it.
func (s *Stack) Effective() *Config {
	return s.effective.Load()
}

// Path returns the watched config file path, empty when none.
func (s *Stack) Path() string { return s.path }

// RuntimeLayer returns the active runtime overrides.
func (s *Stack) RuntimeLayer() Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}

// SetEventPublisher wires the event hub used to broadcast config updates.
func (s *Stack) SetEventPublisher(p events.Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// OnChange registers a callback invoked with the new effective config.
func (s *Stack) OnChange(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// ApplyRuntime overlays patch onto the runtime layer. The candidate config is
// validated before it replaces the current one.
func (s *Stack) ApplyRuntime(patch Layer) (*Config, error) {
	s.mu.Lock()
	runtime := s.runtime.Overlay(patch)
	cfg := s.merge(s.file, s.env, runtime)
	if err := Validate(cfg); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	old := s.effective.Load()
	s.runtime = runtime
	s.effective.Store(cfg)
	s.mu.Unlock()

	s.emitChange(LayerRuntime, old, cfg)
	return cfg, nil
}

// ResetRuntime drops every runtime override.
func (s *Stack) ResetRuntime() *Config {
	s.mu.Lock()
	s.runtime = Layer{}
	cfg := s.merge(s.file, s.env, s.runtime)
	old := s.effective.Load()
	s.effective.Store(cfg)
	s.mu.Unlock()

	s.emitChange(LayerRuntime, old, cfg)
	return cfg
}

// ReloadFile re-reads the file layer. An invalid file leaves the current
// configuration in place.
func (s *Stack) ReloadFile() error {
	if s.path == "" {
		return nil
	}
	file, err := LoadFileLayer(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cfg := s.merge(file, s.env, s.runtime)
	if err := Validate(cfg); err != nil {
		s.mu.Unlock()
		return err
	}
	old := s.effective.Load()
	s.file = file
	s.lastMod = modTime(s.path)
	s.effective.Store(cfg)
	s.mu.Unlock()

	s.emitChange(LayerFile, old, cfg)
	logConfigChanges(old, cfg)
	return nil
}

func (s *Stack) merge(file, env, runtime Layer) *Config {
	cfg := Defaults()
	file.applyTo(cfg)
	env.applyTo(cfg)
	runtime.applyTo(cfg)
	return cfg.clone()
}

// ChangeEvent is the payload broadcast when configuration changes.
type ChangeEvent struct {
	Layer     string    `json:"layer"`
	Path      string    `json:"path,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Config    *Config   `json:"config"`
	Previous  *Config   `json:"previous,omitempty"`
}

func (s *Stack) emitChange(layer string, oldCfg, newCfg *Config) {
	s.mu.Lock()
	callbacks := make([]func(*Config), len(s.onChange))
	copy(callbacks, s.onChange)
	publisher := s.publisher
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(newCfg)
	}
	if publisher != nil {
		publisher.Publish(context.Background(), events.TopicConfigUpdated, ChangeEvent{
			Layer:     layer,
			Path:      s.path,
			UpdatedAt: time.Now().UTC(),
			Config:    newCfg,
			Previous:  oldCfg,
		}, map[string]string{"layer": layer})
	}
}

func logConfigChanges(old, new *Config) {
	if old == nil || new == nil {
		return
	}
	if old.Proxy.StreamingMode != new.Proxy.StreamingMode {
		log.WithFields(log.Fields{"field": "streaming_mode", "old": old.Proxy.StreamingMode, "new": new.Proxy.StreamingMode}).Info("config changed")
	}
	if old.Proxy.FailureThreshold != new.Proxy.FailureThreshold {
		log.WithFields(log.Fields{"field": "failure_threshold", "old": old.Proxy.FailureThreshold, "new": new.Proxy.FailureThreshold}).Info("config changed")
	}
	if old.Proxy.SwitchOnUses != new.Proxy.SwitchOnUses {
		log.WithFields(log.Fields{"field": "switch_on_uses", "old": old.Proxy.SwitchOnUses, "new": new.Proxy.SwitchOnUses}).Info("config changed")
	}
	if old.Proxy.MaxRetries != new.Proxy.MaxRetries {
		log.WithFields(log.Fields{"field": "max_retries", "old": old.Proxy.MaxRetries, "new": new.Proxy.MaxRetries}).Info("config changed")
	}
	if old.Security.Debug != new.Security.Debug {
		log.WithFields(log.Fields{"field": "debug", "old": old.Security.Debug, "new": new.Security.Debug}).Info("config changed")
	}
	if old.Server.HTTPPort != new.Server.HTTPPort || old.Server.WSPort != new.Server.WSPort {
		log.Warn("listener ports changed in config file; restart required to take effect")
	}
}

func modTime(path string) time.Time {
	if info, err := os.Stat(path); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}
