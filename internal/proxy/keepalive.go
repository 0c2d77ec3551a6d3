package proxy

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"aistudio2api-go/internal/handlers/common"
	"aistudio2api-go/internal/monitoring"

	"github.com/tidwall/sjson"
)

const (
	openAIChunkTemplate = `{"id":"","object":"chat.completion.chunk","created":0,"model":"gpt-4","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	geminiChunkTemplate = `{"candidates":[{"content":{"parts":[{"text":""}],"role":"model"},"finishReason":null,"index":0,"safetyRatings":[]}]}`
)

// KeepAliveFrame builds an empty frame in the shape the target API's
// clients expect from a stream.
func KeepAliveFrame(path, requestID string, now time.Time) []byte {
	switch {
	case strings.Contains(path, "chat/completions"):
		frame, _ := sjson.SetBytes([]byte(openAIChunkTemplate), "id", "chatcmpl-"+requestID)
		frame, _ = sjson.SetBytes(frame, "created", now.Unix())
		return frame
	case strings.Contains(path, "generateContent"), strings.Contains(path, "streamGenerateContent"):
		return []byte(geminiChunkTemplate)
	default:
		return []byte("{}")
	}
}

// proxyErrorFrame is the payload of an in-band error or notice.
func proxyErrorFrame(message string) []byte {
	frame, _ := sjson.SetBytes([]byte(`{"error":{}}`), "error.message", "[proxy] "+message)
	frame, _ = sjson.SetBytes(frame, "error.type", "proxy_error")
	frame, _ = sjson.SetBytes(frame, "error.code", "proxy_error")
	return frame
}

// sseStream serializes writes between the handler and the keep-alive loop.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	failed  bool
}

func newSSEStream(w http.ResponseWriter) *sseStream {
	common.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	return &sseStream{w: w, flusher: flusher}
}

func (s *sseStream) data(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	if err := common.SSEWriteRaw(s.w, s.flusher, payload); err != nil {
		s.failed = true
	}
}

func (s *sseStream) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	if err := common.SSEWriteDone(s.w, s.flusher); err != nil {
		s.failed = true
	}
}

func (s *sseStream) proxyError(message string) {
	s.data(proxyErrorFrame(message))
}

// keepAlive writes a keep-alive frame every interval until the returned stop
// function is called. stop waits for the loop to exit.
func (s *sseStream) keepAlive(interval time.Duration, frame func() []byte) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.data(frame())
				monitoring.KeepAliveFramesTotal.Inc()
			case <-quit:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			wg.Wait()
		})
	}
}
