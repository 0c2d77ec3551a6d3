package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Failure classes shared by the bridge, the credential pool and the proxy.
var (
	ErrNoConnection     = stderrors.New("no live worker connection")
	ErrDispatchTimeout  = stderrors.New("timed out waiting for worker reply")
	ErrQueueClosed      = stderrors.New("reply queue closed")
	ErrSwitchInProgress = stderrors.New("credential switch already in progress")
	ErrSwitchRejected   = stderrors.New("only one credential available, switch rejected")
	ErrCircuitOpen      = stderrors.New("full credential cycle failed, automatic switching suspended")
	ErrSystemBusy       = stderrors.New("credential switch in progress, try again shortly")
)

// UpstreamError is a 4xx/5xx reported by the worker for a request.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Message)
}

// FromError converts an internal failure into the envelope sent to callers.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}
	var up *UpstreamError
	if stderrors.As(err, &up) {
		return MapHTTPError(up.Status, up.Message)
	}
	switch {
	case stderrors.Is(err, ErrNoConnection):
		return New(http.StatusServiceUnavailable, "no_connection", "server_error", err.Error())
	case stderrors.Is(err, ErrSystemBusy):
		return New(http.StatusServiceUnavailable, "service_busy", "server_error", err.Error())
	case stderrors.Is(err, ErrQueueClosed):
		return New(http.StatusServiceUnavailable, "connection_lost", "server_error", "worker connection lost: "+err.Error())
	case stderrors.Is(err, ErrDispatchTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return New(http.StatusGatewayTimeout, "timeout", "timeout_error", err.Error())
	case stderrors.Is(err, ErrSwitchInProgress):
		return New(http.StatusConflict, "switch_in_progress", "server_error", err.Error())
	case stderrors.Is(err, ErrSwitchRejected), stderrors.Is(err, ErrCircuitOpen):
		return New(http.StatusConflict, "switch_rejected", "server_error", err.Error())
	default:
		return New(http.StatusInternalServerError, "proxy_error", "server_error", "proxy error: "+err.Error())
	}
}
