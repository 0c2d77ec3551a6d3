package proxy

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"aistudio2api-go/internal/events"
	"aistudio2api-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

var embeddedStatusPattern = regexp.MustCompile(`(?:HTTP|status code)\s*(\d{3})|"code"\s*:\s*(\d{3})`)

// CorrectStatus returns the status code buried in message when it is an
// HTTP error code different from status. Some upstream failures arrive as a
// generic 500 whose body carries the real code.
func CorrectStatus(status int, message string) int {
	m := embeddedStatusPattern.FindStringSubmatch(message)
	if m == nil {
		return status
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	code, err := strconv.Atoi(raw)
	if err != nil || code < 400 || code > 599 || code == status {
		return status
	}
	log.WithFields(log.Fields{"reported": status, "corrected": code}).Debug("status corrected from error message")
	return code
}

// failureState is guarded by Orchestrator.mu.
type failureState struct {
	consecutive int
	cycleStart  int
	cycleSet    bool
	circuitOpen bool
}

// CircuitChange is published on events.TopicCircuitChanged.
type CircuitChange struct {
	Open       bool `json:"open"`
	CycleStart int  `json:"cycleStartIndex"`
}

// recordFailure applies the failure policy to one upstream error and returns
// the rotation outcome note, empty when no rotation was attempted. notify
// receives progress notices for the client.
func (o *Orchestrator) recordFailure(ctx context.Context, status int, notify func(string)) string {
	pc := o.settings.Effective().Proxy
	current := o.driver.CurrentIndex()

	o.mu.Lock()
	if o.failures.circuitOpen {
		o.mu.Unlock()
		log.WithFields(log.Fields{"status": status, "auth_index": current}).Warn("circuit open, skipping failure accounting")
		return ""
	}
	reason := ""
	if pc.IsImmediateSwitch(status) {
		reason = reasonImmediate
	} else if pc.FailureThreshold > 0 {
		o.failures.consecutive++
		monitoring.CredentialFailureCount.Set(float64(o.failures.consecutive))
		log.WithFields(log.Fields{
			"auth_index": current,
			"failures":   o.failures.consecutive,
			"threshold":  pc.FailureThreshold,
		}).Warn("credential failure recorded")
		if o.failures.consecutive >= pc.FailureThreshold {
			if !o.failures.cycleSet {
				o.failures.cycleStart = current
				o.failures.cycleSet = true
			}
			reason = reasonThreshold
		}
	}
	o.mu.Unlock()

	if reason == "" {
		return ""
	}
	if notify != nil {
		notify(fmt.Sprintf("received status %d, switching credential...", status))
	}
	// The switch belongs to the system, not to this request.
	_, to, err := o.rotate(context.WithoutCancel(ctx), reason)
	var note string
	if err != nil {
		note = fmt.Sprintf("credential switch failed: %v", err)
	} else {
		note = fmt.Sprintf("switched to credential %d, please retry", to)
	}
	if notify != nil {
		notify(note)
	}
	return note
}

// recordSuccess clears the failure counter, the cycle marker and the circuit.
func (o *Orchestrator) recordSuccess() {
	o.mu.Lock()
	wasOpen := o.failures.circuitOpen
	o.failures = failureState{}
	o.mu.Unlock()

	monitoring.CredentialFailureCount.Set(0)
	if wasOpen {
		monitoring.CircuitOpen.Set(0)
		log.Info("request succeeded, circuit closed")
		o.publish(events.TopicCircuitChanged, CircuitChange{Open: false}, nil)
	}
}

func (o *Orchestrator) resetFailures() {
	o.mu.Lock()
	o.failures = failureState{}
	o.mu.Unlock()
	monitoring.CredentialFailureCount.Set(0)
	monitoring.CircuitOpen.Set(0)
}
