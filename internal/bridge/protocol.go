package bridge

import (
	"github.com/tidwall/gjson"
)

// EventType identifies a reply event sent by the worker.
type EventType string

const (
	EventResponseHeaders EventType = "response_headers"
	EventChunk           EventType = "chunk"
	EventError           EventType = "error"
	// EventStreamEnd is produced locally from the worker's stream_close.
	EventStreamEnd EventType = "stream_end"

	wireStreamClose   = "stream_close"
	wireCancelRequest = "cancel_request"
)

// Event is a decoded reply event.
type Event struct {
	Type      EventType
	RequestID string
	Status    int
	Headers   map[string]string
	Data      string
	Message   string
}

// IsError reports whether the event is an error event.
func (e Event) IsError() bool { return e.Type == EventError }

// ProxyRequest asks the worker to perform one HTTP request upstream.
type ProxyRequest struct {
	RequestID     string            `json:"request_id"`
	Path          string            `json:"path"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers"`
	QueryParams   map[string]string `json:"query_params"`
	StreamingMode string            `json:"streaming_mode"`
	// Body is omitted for GET and HEAD.
	Body *string `json:"body,omitempty"`
}

// CancelRequest tells the worker to abort an in-flight request.
type CancelRequest struct {
	EventType string `json:"event_type"`
	RequestID string `json:"request_id"`
}

func NewCancelRequest(requestID string) CancelRequest {
	return CancelRequest{EventType: wireCancelRequest, RequestID: requestID}
}

// decodeEvent maps a parsed worker message to an Event. ok is false for
// unknown event types.
func decodeEvent(msg gjson.Result) (Event, bool) {
	ev := Event{RequestID: msg.Get("request_id").String()}
	switch kind := msg.Get("event_type").String(); kind {
	case string(EventResponseHeaders):
		ev.Type = EventResponseHeaders
		ev.Status = int(msg.Get("status").Int())
		ev.Headers = make(map[string]string)
		msg.Get("headers").ForEach(func(key, value gjson.Result) bool {
			if value.IsArray() {
				vals := value.Array()
				if len(vals) > 0 {
					ev.Headers[key.String()] = vals[0].String()
				}
				return true
			}
			ev.Headers[key.String()] = value.String()
			return true
		})
	case string(EventChunk):
		ev.Type = EventChunk
		ev.Data = msg.Get("data").String()
	case string(EventError):
		ev.Type = EventError
		ev.Status = int(msg.Get("status").Int())
		ev.Message = msg.Get("message").String()
	case wireStreamClose:
		ev.Type = EventStreamEnd
	default:
		return Event{}, false
	}
	return ev, true
}
