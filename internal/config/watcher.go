package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the file layer whenever the config file changes. It blocks
// until ctx is done. When fsnotify is unavailable it falls back to polling.
func (s *Stack) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to create file watcher, falling back to polling")
		return s.poll(ctx, 5*time.Second)
	}
	defer watcher.Close()

	// Watch the directory as well to catch atomic writes (rename operations).
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		log.WithError(err).WithField("path", s.path).Warn("failed to watch config directory, falling back to polling")
		return s.poll(ctx, 5*time.Second)
	}
	log.WithField("path", s.path).Info("config watcher started using fsnotify")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	target := filepath.Clean(s.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, s.checkAndReload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watcher error")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stack) poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.WithField("interval", interval.String()).Info("config watcher started using polling")
	for {
		select {
		case <-ticker.C:
			s.checkAndReload()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stack) checkAndReload() {
	s.mu.Lock()
	last := s.lastMod
	s.mu.Unlock()

	mod := modTime(s.path)
	if mod.IsZero() || !mod.After(last) {
		return
	}
	if err := s.ReloadFile(); err != nil {
		log.WithError(err).WithField("path", s.path).Warn("failed to reload config")
	}
}
