package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"aistudio2api-go/internal/bridge"
	"aistudio2api-go/internal/stats"

	ws "github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type worker struct {
	authIndex   int
	errorStatus int
	chunkDelay  time.Duration
	replyDelay  time.Duration

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	mu sync.Mutex
	ws *ws.Conn
}

func (c *conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(ws.TextMessage, data)
}

// run holds one bridge connection until it fails or ctx ends.
func (w *worker) run(ctx context.Context, url string) error {
	c, _, err := ws.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}
	log.WithField("auth_index", w.authIndex).Info("connected to bridge")

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = c.Close()
		wg.Wait()
	}()
	go func() {
		<-connCtx.Done()
		_ = c.Close()
	}()

	out := &conn{ws: c}
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return fmt.Errorf("read bridge: %w", err)
		}
		msg := gjson.ParseBytes(data)
		if msg.Get("event_type").String() == "cancel_request" {
			w.cancel(msg.Get("request_id").String())
			continue
		}
		var req bridge.ProxyRequest
		if err := json.Unmarshal(data, &req); err != nil || req.RequestID == "" {
			log.WithError(err).Warn("ignoring malformed bridge message")
			continue
		}
		reqCtx := w.track(connCtx, req.RequestID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.cancel(req.RequestID)
			w.serve(reqCtx, out, req)
		}()
	}
}

func (w *worker) track(ctx context.Context, requestID string) context.Context {
	reqCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.inflight == nil {
		w.inflight = make(map[string]context.CancelFunc)
	}
	w.inflight[requestID] = cancel
	w.mu.Unlock()
	return reqCtx
}

func (w *worker) cancel(requestID string) {
	w.mu.Lock()
	cancel, ok := w.inflight[requestID]
	delete(w.inflight, requestID)
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

func (w *worker) serve(ctx context.Context, out *conn, req bridge.ProxyRequest) {
	entry := log.WithFields(log.Fields{
		"request_id": req.RequestID,
		"path":       req.Path,
		"mode":       req.StreamingMode,
	})
	entry.Debug("request received")

	if !sleepCtx(ctx, w.replyDelay) {
		entry.Info("request canceled before reply")
		return
	}

	body := ""
	if req.Body != nil {
		body = *req.Body
	}
	if status := w.scriptedStatus(body); status != 0 {
		entry.WithField("status", status).Info("answering with scripted error")
		_ = out.send(map[string]any{
			"event_type": "error",
			"request_id": req.RequestID,
			"status":     status,
			"message":    fmt.Sprintf("fake upstream returned HTTP %d", status),
		})
		return
	}

	contentType, chunks := buildReply(req, body)
	if err := out.send(map[string]any{
		"event_type": "response_headers",
		"request_id": req.RequestID,
		"status":     http.StatusOK,
		"headers":    map[string]string{"content-type": contentType, "x-fake-auth-index": fmt.Sprint(w.authIndex)},
	}); err != nil {
		return
	}
	for i, chunk := range chunks {
		if i > 0 && !sleepCtx(ctx, w.chunkDelay) {
			entry.Info("request canceled mid-stream")
			return
		}
		if err := out.send(map[string]any{
			"event_type": "chunk",
			"request_id": req.RequestID,
			"data":       chunk,
		}); err != nil {
			return
		}
	}
	_ = out.send(map[string]any{"event_type": "stream_close", "request_id": req.RequestID})
	entry.WithField("chunks", len(chunks)).Debug("request answered")
}

// scriptedStatus is the flag status, or the body's fake_error field.
func (w *worker) scriptedStatus(body string) int {
	if w.errorStatus != 0 {
		return w.errorStatus
	}
	if body != "" && gjson.Valid(body) {
		return int(gjson.Get(body, "fake_error").Int())
	}
	return 0
}

// buildReply returns the content type and the chunk payloads for req. In fake
// streaming mode the gateway expects the complete JSON document, so streamed
// shapes are only produced in real mode.
func buildReply(req bridge.ProxyRequest, body string) (string, []string) {
	model := stats.ModelFromRequest(req.Path, []byte(body))
	realMode := req.StreamingMode != "fake"

	switch {
	case strings.Contains(req.Path, "/chat/completions"):
		text := "Echo: " + lastOpenAIText(body)
		if realMode && gjson.Get(body, "stream").Bool() {
			return "text/event-stream", openAIStream(req.RequestID, model, text)
		}
		return "application/json", split(openAICompletion(req.RequestID, model, text))
	case strings.Contains(req.Path, ":generateContent"), strings.Contains(req.Path, ":streamGenerateContent"):
		text := "Echo: " + lastGeminiText(body)
		if realMode && strings.Contains(req.Path, ":stream") {
			var chunks []string
			for _, word := range words(text) {
				chunks = append(chunks, "data: "+geminiResponse(model, word, "")+"\n\n")
			}
			chunks = append(chunks, "data: "+geminiResponse(model, "", "STOP")+"\n\n")
			return "text/event-stream", chunks
		}
		return "application/json", split(geminiResponse(model, text, "STOP"))
	default:
		doc, _ := sjson.Set(`{}`, "path", req.Path)
		doc, _ = sjson.Set(doc, "method", req.Method)
		return "application/json", []string{doc}
	}
}

func lastOpenAIText(body string) string {
	msgs := gjson.Get(body, "messages").Array()
	if len(msgs) == 0 {
		return ""
	}
	content := msgs[len(msgs)-1].Get("content")
	if content.IsArray() {
		return content.Get("0.text").String()
	}
	return content.String()
}

func lastGeminiText(body string) string {
	contents := gjson.Get(body, "contents").Array()
	if len(contents) == 0 {
		return ""
	}
	return contents[len(contents)-1].Get("parts.0.text").String()
}

func geminiResponse(model, text, finish string) string {
	doc := `{"candidates":[{"content":{"role":"model","parts":[]},"index":0}]}`
	if text != "" {
		doc, _ = sjson.Set(doc, "candidates.0.content.parts.-1", map[string]string{"text": text})
	}
	if finish != "" {
		doc, _ = sjson.Set(doc, "candidates.0.finishReason", finish)
	}
	doc, _ = sjson.Set(doc, "modelVersion", model)
	return doc
}

func openAICompletion(id, model, text string) string {
	doc := `{"object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant"},"finish_reason":"stop"}]}`
	doc, _ = sjson.Set(doc, "id", "chatcmpl-"+id)
	doc, _ = sjson.Set(doc, "created", time.Now().Unix())
	doc, _ = sjson.Set(doc, "model", model)
	doc, _ = sjson.Set(doc, "choices.0.message.content", text)
	return doc
}

func openAIStream(id, model, text string) []string {
	var chunks []string
	for _, word := range words(text) {
		doc := `{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{}}]}`
		doc, _ = sjson.Set(doc, "id", "chatcmpl-"+id)
		doc, _ = sjson.Set(doc, "model", model)
		doc, _ = sjson.Set(doc, "choices.0.delta.content", word)
		chunks = append(chunks, "data: "+doc+"\n\n")
	}
	return append(chunks, "data: [DONE]\n\n")
}

// words splits text keeping the separating spaces, so the chunks join back
// into text.
func words(text string) []string {
	fields := strings.SplitAfter(text, " ")
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// split cuts a document in two so the gateway has to reassemble it.
func split(doc string) []string {
	if len(doc) < 2 {
		return []string{doc}
	}
	mid := len(doc) / 2
	return []string{doc[:mid], doc[mid:]}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
