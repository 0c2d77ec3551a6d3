// Package proxy turns inbound HTTP requests into bridge round trips and owns
// the credential failure, circuit and rotation policy.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aistudio2api-go/internal/bridge"
	"aistudio2api-go/internal/config"
	"aistudio2api-go/internal/driver"
	apperrors "aistudio2api-go/internal/errors"
	"aistudio2api-go/internal/events"
	"aistudio2api-go/internal/handlers/common"
	"aistudio2api-go/internal/logging"
	"aistudio2api-go/internal/monitoring"
	"aistudio2api-go/internal/monitoring/tracing"
	"aistudio2api-go/internal/runtime"
	"aistudio2api-go/internal/stats"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	stateIdle int32 = iota
	stateSwitching
)

const cancelSendTimeout = 5 * time.Second

// Settings supplies the effective configuration for each request.
type Settings interface {
	Effective() *config.Config
}

// CredentialSet lists the credentials rotation may move to.
type CredentialSet interface {
	AvailableIndices() []int
}

// Request is an inbound HTTP request reduced to what the worker needs.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// RequestFromHTTP copies r. The body must already have been read into body.
func RequestFromHTTP(r *http.Request, body []byte) Request {
	return Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Query:  r.URL.Query(),
		Body:   body,
	}
}

// Options wires an Orchestrator. Stats, Tasks and Events are optional.
type Options struct {
	Registry *bridge.Registry
	Creds    CredentialSet
	Driver   driver.Driver
	Settings Settings
	Stats    *stats.UsageStats
	Tasks    *runtime.TaskManager
	Events   events.Publisher
}

// Orchestrator dispatches requests over the bridge, retries upstream errors
// and rotates credentials.
type Orchestrator struct {
	registry *bridge.Registry
	creds    CredentialSet
	driver   driver.Driver
	settings Settings
	stats    *stats.UsageStats
	tasks    *runtime.TaskManager
	events   events.Publisher

	state             atomic.Int32
	usage             atomic.Int64
	rotationScheduled atomic.Bool

	mu       sync.Mutex
	failures failureState
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil || opts.Creds == nil || opts.Driver == nil || opts.Settings == nil {
		return nil, errors.New("proxy: registry, credentials, driver and settings are required")
	}
	return &Orchestrator{
		registry: opts.Registry,
		creds:    opts.Creds,
		driver:   opts.Driver,
		settings: opts.Settings,
		stats:    opts.Stats,
		tasks:    opts.Tasks,
		events:   opts.Events,
	}, nil
}

// Switching reports whether a rotation is in progress.
func (o *Orchestrator) Switching() bool {
	return o.state.Load() == stateSwitching
}

// Status is a point-in-time view of the rotation state.
type Status struct {
	Switching           bool  `json:"switching"`
	CurrentIndex        int   `json:"currentAuthIndex"`
	ConsecutiveFailures int   `json:"failureCount"`
	CycleStartIndex     *int  `json:"cycleStartIndex"`
	CircuitOpen         bool  `json:"circuitOpen"`
	UsageCount          int64 `json:"usageCount"`
	RotationScheduled   bool  `json:"rotationScheduled"`
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	f := o.failures
	o.mu.Unlock()
	st := Status{
		Switching:           o.Switching(),
		CurrentIndex:        o.driver.CurrentIndex(),
		ConsecutiveFailures: f.consecutive,
		CircuitOpen:         f.circuitOpen,
		UsageCount:          o.usage.Load(),
		RotationScheduled:   o.rotationScheduled.Load(),
	}
	if f.cycleSet {
		start := f.cycleStart
		st.CycleStartIndex = &start
	}
	return st
}

// Dispatch proxies req to the worker and writes the reply to w. Errors are
// written to w; the returned error is for logging only.
func (o *Orchestrator) Dispatch(ctx context.Context, w http.ResponseWriter, req Request) (err error) {
	cfg := o.settings.Effective()
	mode := cfg.Proxy.StreamingMode
	start := time.Now()
	defer func() {
		monitoring.DispatchTotal.WithLabelValues(mode, dispatchOutcome(err)).Inc()
		monitoring.DispatchDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	if o.Switching() {
		err = fmt.Errorf("%w: credential switch in progress", apperrors.ErrSystemBusy)
		common.WriteError(w, req.Path, err)
		return err
	}
	if !o.registry.HasLiveConnection() {
		err = fmt.Errorf("%w: no worker connected", apperrors.ErrNoConnection)
		common.WriteError(w, req.Path, err)
		return err
	}

	requestID := uuid.NewString()
	ctx, span := tracing.StartDispatch(ctx, requestID, req.Method, req.Path, mode)
	defer func() { tracing.EndWithError(span, err) }()

	if o.stats != nil {
		o.stats.RecordRequest(o.driver.CurrentIndex(), stats.ModelFromRequest(req.Path, req.Body))
	}
	if isGenerative(req) {
		o.countUsage(cfg.Proxy.SwitchOnUses)
	}

	entry := log.WithFields(log.Fields{
		"request_id": requestID,
		"method":     req.Method,
		"path":       req.Path,
		"mode":       mode,
	})
	entry.Debug("dispatching request to worker")

	queue := o.registry.CreateQueue(requestID)
	completed := false
	defer func() {
		if !completed && ctx.Err() != nil {
			o.sendCancel(requestID)
		}
		o.registry.ReleaseQueue(requestID)
		o.runScheduledRotation()
	}()

	msg := buildProxyRequest(requestID, mode, req)
	x := &exchange{
		id:    requestID,
		req:   req,
		msg:   msg,
		queue: queue,
		proxy: cfg.Proxy,
		log:   entry,
	}
	if mode == config.StreamingModeFake {
		err = o.emulate(ctx, w, x)
	} else {
		err = o.relay(ctx, w, x)
	}
	completed = err == nil
	if err != nil && !errors.Is(err, context.Canceled) {
		entry.WithError(err).WithField("duration_ms", logging.DurationMS(time.Since(start))).Warn("request failed")
	} else if err == nil {
		entry.WithField("duration_ms", logging.DurationMS(time.Since(start))).Debug("request completed")
	}
	return err
}

// exchange carries the per-request state through delivery.
type exchange struct {
	id    string
	req   Request
	msg   bridge.ProxyRequest
	queue *bridge.Queue
	proxy config.ProxyConfig
	log   *log.Entry
}

// awaitFirst sends the request and waits for its first reply, retrying on
// upstream errors. Rotation notes from every attempt are appended to the
// final error message.
func (o *Orchestrator) awaitFirst(ctx context.Context, x *exchange, notify func(string)) (bridge.Event, error) {
	attempts := x.proxy.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var notes []string
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			monitoring.UpstreamRetryAttempts.Inc()
		}
		if err := o.registry.Send(ctx, x.msg); err != nil {
			if errors.Is(err, apperrors.ErrNoConnection) {
				return bridge.Event{}, err
			}
			return bridge.Event{}, fmt.Errorf("%w: %v", apperrors.ErrNoConnection, err)
		}

		ev, err := x.queue.Dequeue(ctx, x.proxy.ReplyTimeout)
		if err != nil {
			return bridge.Event{}, err
		}
		if !ev.IsError() {
			return ev, nil
		}

		status := CorrectStatus(ev.Status, ev.Message)
		monitoring.UpstreamErrors.WithLabelValues(logging.ErrorKind(status, true)).Inc()
		x.log.WithFields(log.Fields{
			"attempt": attempt,
			"status":  status,
			"error":   ev.Message,
		}).Warn("worker reported an upstream error")

		if status < 400 || status > 599 {
			return bridge.Event{}, &apperrors.UpstreamError{Status: status, Message: ev.Message}
		}
		if note := o.recordFailure(ctx, status, notify); note != "" {
			notes = append(notes, note)
		}
		if attempt == attempts {
			return bridge.Event{}, &apperrors.UpstreamError{Status: status, Message: withNotes(ev.Message, notes)}
		}
		if notify != nil {
			notify(fmt.Sprintf("request failed (attempt %d/%d), retrying in %s", attempt, attempts, x.proxy.RetryDelay))
		}
		if err := sleepCtx(ctx, x.proxy.RetryDelay); err != nil {
			return bridge.Event{}, err
		}
	}
	return bridge.Event{}, apperrors.ErrDispatchTimeout
}

func withNotes(message string, notes []string) string {
	if len(notes) == 0 {
		return message
	}
	return message + " [" + strings.Join(notes, "; ") + "]"
}

func (o *Orchestrator) sendCancel(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelSendTimeout)
	defer cancel()
	if err := o.registry.Send(ctx, bridge.NewCancelRequest(requestID)); err != nil {
		log.WithError(err).WithField("request_id", requestID).Debug("cancel not delivered")
		return
	}
	monitoring.CancelsSentTotal.Inc()
	log.WithField("request_id", requestID).Info("client went away, cancel sent to worker")
}

func (o *Orchestrator) publish(topic string, payload any, metadata map[string]string) {
	if o.events == nil {
		return
	}
	o.events.Publish(context.Background(), topic, payload, metadata)
}

func buildProxyRequest(requestID, mode string, req Request) bridge.ProxyRequest {
	headers := make(map[string]string, len(req.Header))
	for name, values := range req.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	query := make(map[string]string, len(req.Query))
	for name, values := range req.Query {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}
	msg := bridge.ProxyRequest{
		RequestID:     requestID,
		Path:          req.Path,
		Method:        req.Method,
		Headers:       headers,
		QueryParams:   query,
		StreamingMode: mode,
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		body := string(req.Body)
		msg.Body = &body
	}
	return msg
}

// isGenerative reports whether req asks the model to produce content.
func isGenerative(req Request) bool {
	return req.Method == http.MethodPost &&
		(strings.Contains(req.Path, "generateContent") || strings.Contains(req.Path, "streamGenerateContent"))
}

func dispatchOutcome(err error) string {
	var up *apperrors.UpstreamError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &up):
		return "upstream_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, apperrors.ErrSystemBusy):
		return "busy"
	case errors.Is(err, apperrors.ErrNoConnection):
		return "no_connection"
	case errors.Is(err, apperrors.ErrQueueClosed):
		return "connection_lost"
	case errors.Is(err, apperrors.ErrDispatchTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
