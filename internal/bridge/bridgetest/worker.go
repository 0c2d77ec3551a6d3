// Package bridgetest provides an in-memory worker for exercising the bridge
// without a WebSocket.
package bridgetest

import (
	"context"
	"encoding/json"
	"sync"

	"aistudio2api-go/internal/bridge"

	"github.com/tidwall/gjson"
)

// Reply sends one event back for the request being handled. request_id is
// filled in automatically.
type Reply func(msg map[string]any)

// Responder scripts the worker's answer to a proxied request.
type Responder func(req bridge.ProxyRequest, reply Reply)

// Worker is a bridge.Transport that answers requests through a Responder.
type Worker struct {
	reg     *bridge.Registry
	respond Responder

	mu       sync.Mutex
	requests []bridge.ProxyRequest
	cancels  []string
	sendErr  error
	closed   bool
}

func NewWorker(reg *bridge.Registry, respond Responder) *Worker {
	return &Worker{reg: reg, respond: respond}
}

// Attach connects the worker to its registry.
func (w *Worker) Attach() *Worker {
	w.reg.Connect(w)
	return w
}

// Detach reports the worker's connection as closed.
func (w *Worker) Detach() {
	w.reg.Closed(w)
}

// FailSends makes every subsequent Send return err.
func (w *Worker) FailSends(err error) {
	w.mu.Lock()
	w.sendErr = err
	w.mu.Unlock()
}

func (w *Worker) Send(_ context.Context, data []byte) error {
	w.mu.Lock()
	if w.sendErr != nil {
		err := w.sendErr
		w.mu.Unlock()
		return err
	}
	if gjson.GetBytes(data, "event_type").String() == "cancel_request" {
		w.cancels = append(w.cancels, gjson.GetBytes(data, "request_id").String())
		w.mu.Unlock()
		return nil
	}
	var req bridge.ProxyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		w.mu.Unlock()
		return err
	}
	w.requests = append(w.requests, req)
	respond := w.respond
	w.mu.Unlock()

	if respond != nil {
		go respond(req, func(msg map[string]any) {
			msg["request_id"] = req.RequestID
			raw, _ := json.Marshal(msg)
			w.reg.Deliver(w, raw)
		})
	}
	return nil
}

func (w *Worker) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *Worker) RemoteAddr() string { return "bridgetest" }

// Requests returns every proxied request seen so far.
func (w *Worker) Requests() []bridge.ProxyRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]bridge.ProxyRequest(nil), w.requests...)
}

// Cancels returns the request ids of received cancel events.
func (w *Worker) Cancels() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.cancels...)
}

func (w *Worker) IsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func Headers(status int, headers map[string]string) map[string]any {
	if headers == nil {
		headers = map[string]string{}
	}
	return map[string]any{"event_type": "response_headers", "status": status, "headers": headers}
}

func Chunk(data string) map[string]any {
	return map[string]any{"event_type": "chunk", "data": data}
}

func Error(status int, message string) map[string]any {
	return map[string]any{"event_type": "error", "status": status, "message": message}
}

func StreamClose() map[string]any {
	return map[string]any{"event_type": "stream_close"}
}
