package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"aistudio2api-go/internal/config"
	log "github.com/sirupsen/logrus"
)

var (
	logMux        sync.Mutex
	logFileHandle *os.File
)

// Setup configures the global logrus logger from the effective configuration.
// It is idempotent; the most recent call wins, so it can be re-run when debug
// mode is toggled at runtime.
func Setup(cfg *config.Config) error {
	logMux.Lock()
	defer logMux.Unlock()

	debug := cfg != nil && cfg.Security.Debug

	var formatter log.Formatter = &log.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	if debug {
		formatter = &log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		}
	}
	log.SetFormatter(formatter)

	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	writers := []io.Writer{os.Stdout}

	if logFileHandle != nil {
		_ = logFileHandle.Close()
		logFileHandle = nil
	}

	if cfg != nil && cfg.Security.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Security.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.Security.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFileHandle = file
		writers = append(writers, file)
	}

	log.SetOutput(io.MultiWriter(writers...))
	return nil
}

// LogEffective prints a one-shot summary of the settings that shape request handling.
func LogEffective(cfg *config.Config) {
	if cfg == nil {
		return
	}
	log.WithFields(log.Fields{
		"http":                   fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		"ws_port":                cfg.Server.WSPort,
		"streaming_mode":         cfg.Proxy.StreamingMode,
		"debug":                  cfg.Security.Debug,
		"initial_auth_index":     cfg.Credentials.InitialAuthIndex,
		"switch_on_uses":         cfg.Proxy.SwitchOnUses,
		"failure_threshold":      cfg.Proxy.FailureThreshold,
		"immediate_switch_codes": cfg.Proxy.ImmediateSwitchStatusCodes,
		"api_keys":               len(cfg.Security.APIKeys),
		"credential_source":      cfg.Credentials.Source,
	}).Info("effective configuration")
}
