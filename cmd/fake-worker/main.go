// Command fake-worker is a development stand-in for the browser worker. It
// dials the gateway's bridge, answers proxied requests with canned Gemini or
// OpenAI shaped replies and can be scripted to fail. It accepts the launcher
// flags, so it can be configured as the driver's launcher_path.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aistudio2api-go/internal/constants"

	log "github.com/sirupsen/logrus"
)

func main() {
	wsURL := flag.String("ws-url", "ws://127.0.0.1:9998", "Bridge WebSocket URL")
	authIndex := flag.Int("auth-index", 0, "Credential index this session runs with")
	flag.String("storage-state", "", "Storage state file (ignored)")
	flag.String("script", "", "Worker script (ignored)")
	errorStatus := flag.Int("error-status", 0, "Answer every request with this upstream error status")
	chunkDelay := flag.Duration("chunk-delay", 50*time.Millisecond, "Pause between streamed chunks")
	replyDelay := flag.Duration("reply-delay", 0, "Pause before the first reply event")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &worker{
		authIndex:   *authIndex,
		errorStatus: *errorStatus,
		chunkDelay:  *chunkDelay,
		replyDelay:  *replyDelay,
	}
	entry := log.WithFields(log.Fields{"ws_url": *wsURL, "auth_index": *authIndex})
	for {
		err := w.run(ctx, *wsURL)
		if ctx.Err() != nil {
			entry.Info("fake worker stopped")
			return
		}
		entry.WithError(err).Warn("bridge connection ended, redialing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(constants.WorkerReconnectDelay):
		}
	}
}
