package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	apperrors "aistudio2api-go/internal/errors"
	"aistudio2api-go/internal/events"
	"aistudio2api-go/internal/monitoring"
	"aistudio2api-go/internal/monitoring/tracing"
	"aistudio2api-go/internal/runtime"

	log "github.com/sirupsen/logrus"
)

const (
	reasonImmediate = "immediate_status"
	reasonThreshold = "failure_threshold"
	reasonUsage     = "usage"
	reasonManual    = "manual"

	scheduledRotationTask = "scheduled-rotation"
)

// Switched is published on events.TopicCredentialSwitched.
type Switched struct {
	From      int       `json:"from"`
	To        int       `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NextIndex returns the circular successor of current in available. When
// current is not available the first index is returned. ok is false for an
// empty list.
func NextIndex(available []int, current int) (next int, ok bool) {
	if len(available) == 0 {
		return 0, false
	}
	sorted := append([]int(nil), available...)
	sort.Ints(sorted)
	for i, idx := range sorted {
		if idx == current {
			return sorted[(i+1)%len(sorted)], true
		}
	}
	return sorted[0], true
}

// SwitchNext rotates on operator request. Once the switch is accepted the
// failure state is cleared, so an open circuit never blocks a manual switch.
func (o *Orchestrator) SwitchNext(ctx context.Context) (from, to int, err error) {
	return o.rotate(ctx, reasonManual)
}

// rotate moves the session to the next available credential. Only one
// rotation runs at a time; a concurrent caller gets ErrSwitchInProgress
// without touching the driver.
func (o *Orchestrator) rotate(ctx context.Context, reason string) (from, to int, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = rotationResult(err)
		}
		monitoring.CredentialRotationsTotal.WithLabelValues(reason, result).Inc()
	}()

	if !o.state.CompareAndSwap(stateIdle, stateSwitching) {
		return 0, 0, apperrors.ErrSwitchInProgress
	}
	defer o.state.Store(stateIdle)

	available := o.creds.AvailableIndices()
	if len(available) < 2 {
		from = o.driver.CurrentIndex()
		return from, from, fmt.Errorf("%w: %d credential(s) available", apperrors.ErrSwitchRejected, len(available))
	}
	if reason == reasonManual {
		o.resetFailures()
	}

	from = o.driver.CurrentIndex()
	to, _ = NextIndex(available, from)

	o.mu.Lock()
	if o.failures.circuitOpen {
		o.mu.Unlock()
		return from, from, apperrors.ErrCircuitOpen
	}
	opened := false
	if o.failures.cycleSet && to == o.failures.cycleStart {
		o.failures.circuitOpen = true
		opened = true
	}
	cycleStart := o.failures.cycleStart
	o.mu.Unlock()

	if opened {
		monitoring.CircuitOpen.Set(1)
		log.WithFields(log.Fields{"cycle_start": cycleStart}).Warn("every credential failed in turn, circuit opened")
		o.publish(events.TopicCircuitChanged, CircuitChange{Open: true, CycleStart: cycleStart}, nil)
	}

	entry := log.WithFields(log.Fields{"from": from, "to": to, "reason": reason})
	entry.Info("switching credential")
	start := time.Now()

	spanCtx, span := tracing.StartRotation(ctx, from, to, reason)
	err = o.driver.SwitchContext(spanCtx, to)
	tracing.EndWithError(span, err)
	if err != nil {
		entry.WithError(err).Error("credential switch failed")
		return from, from, fmt.Errorf("switch to credential %d: %w", to, err)
	}

	o.mu.Lock()
	o.failures.consecutive = 0
	o.mu.Unlock()
	o.usage.Store(0)
	monitoring.CredentialFailureCount.Set(0)
	monitoring.ActiveCredential.Set(float64(to))

	entry.WithField("duration_ms", time.Since(start).Milliseconds()).Info("credential switched")
	o.publish(events.TopicCredentialSwitched, Switched{From: from, To: to, Reason: reason, Timestamp: time.Now()}, map[string]string{"reason": reason})
	return from, to, nil
}

func rotationResult(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrSwitchRejected):
		return "rejected"
	case errors.Is(err, apperrors.ErrSwitchInProgress):
		return "in_progress"
	case errors.Is(err, apperrors.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "failed"
	}
}

// countUsage bumps the usage counter for a generative request and schedules
// a rotation once the configured number of uses is reached.
func (o *Orchestrator) countUsage(switchOnUses int) {
	if switchOnUses <= 0 {
		return
	}
	n := o.usage.Add(1)
	if n >= int64(switchOnUses) && o.rotationScheduled.CompareAndSwap(false, true) {
		log.WithFields(log.Fields{"uses": n, "limit": switchOnUses}).Info("usage limit reached, rotation scheduled after the current response")
	}
}

// runScheduledRotation starts the pending usage rotation in the background.
func (o *Orchestrator) runScheduledRotation() {
	if !o.rotationScheduled.CompareAndSwap(true, false) {
		return
	}
	run := func(ctx context.Context) error {
		from, to, err := o.rotate(ctx, reasonUsage)
		if err != nil {
			log.WithError(err).Warn("scheduled credential rotation failed")
			return nil
		}
		log.WithFields(log.Fields{"from": from, "to": to}).Info("scheduled credential rotation finished")
		return nil
	}
	if o.tasks == nil {
		go func() { _ = run(context.Background()) }()
		return
	}
	if err := o.tasks.Start(scheduledRotationTask, "usage-based credential rotation", run); err != nil {
		if errors.Is(err, runtime.ErrTaskRunning) {
			return
		}
		log.WithError(err).Warn("could not start scheduled rotation")
	}
}
