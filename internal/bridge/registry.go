package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "aistudio2api-go/internal/errors"
	"aistudio2api-go/internal/events"
	"aistudio2api-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// State of the worker connection.
type State int

const (
	StateAbsent State = iota
	StateConnected
	StateGrace
	StateLost
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateGrace:
		return "grace"
	case StateLost:
		return "lost"
	default:
		return "absent"
	}
}

// DefaultGracePeriod is how long pending requests survive a disconnect.
const DefaultGracePeriod = 5 * time.Second

type frame struct {
	transport Transport
	data      []byte
	closed    bool
}

// StateChange is the payload of bridge.* events.
type StateChange struct {
	State      string    `json:"state"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Pending    int       `json:"pending"`
	Timestamp  time.Time `json:"timestamp"`
}

// Registry owns the single worker connection and the reply queues of every
// in-flight request. Inbound frames and connection closures are serialized
// through one routing loop (Run).
type Registry struct {
	mu         sync.Mutex
	state      State
	current    Transport
	queues     map[string]*Queue
	grace      time.Duration
	graceGen   uint64
	graceTimer *time.Timer
	connects   uint64
	changed    chan struct{}
	publisher  events.Publisher

	inbound chan frame
	stopped chan struct{}
	lost    chan struct{}
}

func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Registry{
		queues:  make(map[string]*Queue),
		grace:   grace,
		changed: make(chan struct{}),
		inbound: make(chan frame, 256),
		stopped: make(chan struct{}),
		lost:    make(chan struct{}, 1),
	}
}

// SetEventPublisher wires the event hub for bridge.* topics.
func (r *Registry) SetEventPublisher(p events.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

// SetGracePeriod changes the grace period for future disconnects.
func (r *Registry) SetGracePeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.grace = d
	r.mu.Unlock()
}

// Run routes inbound frames until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	defer close(r.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-r.inbound:
			if f.closed {
				r.Disconnect(f.transport)
				continue
			}
			r.Route(f.data)
		}
	}
}

// Deliver queues an inbound frame read from t for routing.
func (r *Registry) Deliver(t Transport, data []byte) {
	r.push(frame{transport: t, data: data})
}

// Closed notifies the routing loop that t has gone away. Frames delivered
// earlier are routed first.
func (r *Registry) Closed(t Transport) {
	r.push(frame{transport: t, closed: true})
}

func (r *Registry) push(f frame) {
	select {
	case r.inbound <- f:
	case <-r.stopped:
	}
}

// Connect makes t the live transport. A running grace timer is cancelled and
// pending queues survive; a previous transport is closed.
func (r *Registry) Connect(t Transport) {
	r.mu.Lock()
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
		log.Info("worker reconnected within grace period, pending requests kept")
	}
	r.graceGen++
	previous := r.current
	r.current = t
	r.state = StateConnected
	r.connects++
	r.notifyLocked()
	pending := len(r.queues)
	pub := r.publisher
	r.mu.Unlock()

	if previous != nil && previous != t {
		log.WithField("remote_addr", previous.RemoteAddr()).Warn("replacing existing worker connection")
		_ = previous.Close()
	}

	monitoring.BridgeConnectionState.Set(float64(StateConnected))
	monitoring.BridgeConnectionsTotal.WithLabelValues("connected").Inc()
	log.WithField("remote_addr", t.RemoteAddr()).Info("worker connected")
	publish(pub, events.TopicBridgeConnected, StateConnected, t.RemoteAddr(), pending)
}

// Disconnect handles the loss of t. Anything but the current transport is
// ignored. Pending queues stay open for the grace period.
func (r *Registry) Disconnect(t Transport) {
	r.mu.Lock()
	if r.current == nil || r.current != t {
		r.mu.Unlock()
		return
	}
	r.current = nil
	r.state = StateGrace
	r.graceGen++
	gen := r.graceGen
	r.graceTimer = time.AfterFunc(r.grace, func() { r.expire(gen) })
	r.notifyLocked()
	grace := r.grace
	pending := len(r.queues)
	pub := r.publisher
	r.mu.Unlock()

	monitoring.BridgeConnectionState.Set(float64(StateGrace))
	monitoring.BridgeConnectionsTotal.WithLabelValues("disconnected").Inc()
	log.WithFields(log.Fields{"remote_addr": t.RemoteAddr(), "grace": grace.String(), "pending": pending}).Warn("worker disconnected, waiting for reconnect")
	publish(pub, events.TopicBridgeDisconnected, StateGrace, t.RemoteAddr(), pending)
}

func (r *Registry) expire(gen uint64) {
	r.mu.Lock()
	if gen != r.graceGen || r.state != StateGrace {
		r.mu.Unlock()
		return
	}
	queues := r.queues
	r.queues = make(map[string]*Queue)
	r.graceTimer = nil
	r.state = StateLost
	r.notifyLocked()
	pub := r.publisher
	r.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
	monitoring.BridgePendingQueues.Set(0)
	monitoring.BridgeConnectionState.Set(float64(StateLost))
	monitoring.BridgeConnectionsTotal.WithLabelValues("lost").Inc()
	log.WithField("closed_requests", len(queues)).Error("grace period expired without reconnect, connection lost")
	publish(pub, events.TopicBridgeConnectionLost, StateLost, "", len(queues))

	select {
	case r.lost <- struct{}{}:
	default:
	}
}

// Lost receives a value each time the grace period expires.
func (r *Registry) Lost() <-chan struct{} { return r.lost }

// Route decodes one worker message and enqueues it on its request's queue.
func (r *Registry) Route(data []byte) {
	if !gjson.ValidBytes(data) {
		log.WithField("bytes", len(data)).Error("failed to parse worker message")
		monitoring.BridgeEventsTotal.WithLabelValues("invalid", "malformed").Inc()
		return
	}
	msg := gjson.ParseBytes(data)
	requestID := msg.Get("request_id").String()
	eventType := msg.Get("event_type").String()
	if requestID == "" {
		log.WithField("event_type", eventType).Warn("worker message without request_id")
		monitoring.BridgeEventsTotal.WithLabelValues(eventLabel(eventType), "missing_id").Inc()
		return
	}

	r.mu.Lock()
	q := r.queues[requestID]
	r.mu.Unlock()
	if q == nil {
		monitoring.BridgeEventsTotal.WithLabelValues(eventLabel(eventType), "no_queue").Inc()
		return
	}

	ev, ok := decodeEvent(msg)
	if !ok {
		log.WithFields(log.Fields{"request_id": requestID, "event_type": eventType}).Warn("unknown worker event type")
		monitoring.BridgeEventsTotal.WithLabelValues("unknown", "dropped").Inc()
		return
	}
	q.Enqueue(ev)
	monitoring.BridgeEventsTotal.WithLabelValues(eventLabel(eventType), "routed").Inc()
}

// CreateQueue registers a reply queue for requestID.
func (r *Registry) CreateQueue(requestID string) *Queue {
	q := NewQueue()
	r.mu.Lock()
	if old, ok := r.queues[requestID]; ok {
		old.Close()
	}
	r.queues[requestID] = q
	n := len(r.queues)
	r.mu.Unlock()
	monitoring.BridgePendingQueues.Set(float64(n))
	return q
}

// ReleaseQueue closes and forgets the queue for requestID.
func (r *Registry) ReleaseQueue(requestID string) {
	r.mu.Lock()
	q, ok := r.queues[requestID]
	delete(r.queues, requestID)
	n := len(r.queues)
	r.mu.Unlock()
	if ok {
		q.Close()
	}
	monitoring.BridgePendingQueues.Set(float64(n))
}

// Send marshals msg and writes it to the live transport.
func (r *Registry) Send(ctx context.Context, msg any) error {
	r.mu.Lock()
	t := r.current
	r.mu.Unlock()
	if t == nil {
		return apperrors.ErrNoConnection
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode worker message: %w", err)
	}
	if err := t.Send(ctx, data); err != nil {
		return fmt.Errorf("send to worker: %w", err)
	}
	return nil
}

func (r *Registry) HasLiveConnection() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PendingCount returns the number of registered reply queues.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// ConnectSeq counts successful Connect calls.
func (r *Registry) ConnectSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

// WaitForConnection blocks until a transport connected after sequence
// number after is live.
func (r *Registry) WaitForConnection(ctx context.Context, after uint64) error {
	for {
		r.mu.Lock()
		if r.current != nil && r.connects > after {
			r.mu.Unlock()
			return nil
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func publish(pub events.Publisher, topic string, state State, addr string, pending int) {
	if pub == nil {
		return
	}
	pub.Publish(context.Background(), topic, StateChange{
		State:      state.String(),
		RemoteAddr: addr,
		Pending:    pending,
		Timestamp:  time.Now().UTC(),
	}, nil)
}

func eventLabel(eventType string) string {
	switch eventType {
	case string(EventResponseHeaders), string(EventChunk), string(EventError), wireStreamClose:
		return eventType
	case "":
		return "none"
	default:
		return "unknown"
	}
}
