package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"aistudio2api-go/internal/bridge"
	apperrors "aistudio2api-go/internal/errors"
	"aistudio2api-go/internal/handlers/common"

	"github.com/tidwall/gjson"
)

// relay forwards the worker's status, headers and chunks as they arrive.
func (o *Orchestrator) relay(ctx context.Context, w http.ResponseWriter, x *exchange) error {
	ev, err := o.awaitFirst(ctx, x, nil)
	if err != nil {
		common.WriteError(w, x.req.Path, err)
		return err
	}
	o.recordSuccess()

	flusher, _ := w.(http.Flusher)
	headersSent := false
	writeHead := func(status int, headers map[string]string) {
		if headersSent {
			return
		}
		headersSent = true
		for name, value := range headers {
			if strings.EqualFold(name, "content-length") {
				continue
			}
			w.Header().Set(name, value)
		}
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}

	for {
		switch ev.Type {
		case bridge.EventResponseHeaders:
			writeHead(ev.Status, ev.Headers)
		case bridge.EventChunk:
			writeHead(http.StatusOK, nil)
			if ev.Data != "" {
				if _, err := w.Write([]byte(ev.Data)); err != nil {
					return fmt.Errorf("write chunk: %w", err)
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		case bridge.EventStreamEnd:
			writeHead(http.StatusOK, nil)
			return nil
		case bridge.EventError:
			upErr := &apperrors.UpstreamError{Status: CorrectStatus(ev.Status, ev.Message), Message: ev.Message}
			if !headersSent {
				common.WriteError(w, x.req.Path, upErr)
			}
			return upErr
		}

		ev, err = x.queue.Dequeue(ctx, x.proxy.ChunkIdleTimeout)
		if err != nil {
			if errors.Is(err, bridge.ErrQueueTimeout) {
				x.log.Debug("no chunk within the idle window, ending stream")
				writeHead(http.StatusOK, nil)
				return nil
			}
			if !headersSent && ctx.Err() == nil {
				common.WriteError(w, x.req.Path, err)
			}
			return err
		}
	}
}

// emulate waits for the complete reply and writes it once. Streamed shapes
// get SSE headers up front and keep-alive frames until the reply is ready.
func (o *Orchestrator) emulate(ctx context.Context, w http.ResponseWriter, x *exchange) error {
	streamed := strings.Contains(x.req.Path, ":stream")

	var stream *sseStream
	stopKeepAlive := func() {}
	var notify func(string)
	if streamed {
		stream = newSSEStream(w)
		stopKeepAlive = stream.keepAlive(x.proxy.KeepAliveInterval, func() []byte {
			return KeepAliveFrame(x.req.Path, x.id, time.Now())
		})
		defer stopKeepAlive()
		notify = stream.proxyError
	}

	fail := func(err error) error {
		stopKeepAlive()
		if stream != nil {
			if ctx.Err() == nil {
				stream.proxyError(apperrors.FromError(err).Message)
			}
			return err
		}
		common.WriteError(w, x.req.Path, err)
		return err
	}

	first, err := o.awaitFirst(ctx, x, notify)
	if err != nil {
		return fail(err)
	}
	o.recordSuccess()

	payload, err := collectPayload(ctx, x, first)
	if err != nil {
		return fail(err)
	}
	stopKeepAlive()

	if stream != nil {
		stream.data([]byte(payload))
		stream.done()
		return nil
	}

	if strings.TrimSpace(payload) == "" || !gjson.Valid(payload) {
		err := apperrors.New(http.StatusInternalServerError, "invalid_upstream_response", "server_error", "worker returned an empty or malformed JSON payload")
		common.WriteAPIError(w, x.req.Path, err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write([]byte(payload))
	return err
}

// collectPayload drains chunks until the end marker. first is the already
// received header or data event.
func collectPayload(ctx context.Context, x *exchange, first bridge.Event) (string, error) {
	var b strings.Builder
	ev := first
	for {
		switch ev.Type {
		case bridge.EventChunk:
			b.WriteString(ev.Data)
		case bridge.EventStreamEnd:
			return b.String(), nil
		case bridge.EventError:
			return "", &apperrors.UpstreamError{Status: CorrectStatus(ev.Status, ev.Message), Message: ev.Message}
		}
		var err error
		ev, err = x.queue.Dequeue(ctx, x.proxy.ReplyTimeout)
		if err != nil {
			return "", err
		}
	}
}
