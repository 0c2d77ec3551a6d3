package errors

import (
	"fmt"
	"net/http"
)

// MapHTTPError maps a status code and message reported by the worker to a
// standardized error. An empty message falls back to a generic description.
func MapHTTPError(statusCode int, message string) *APIError {
	switch statusCode {
	case http.StatusBadRequest:
		return New(statusCode, "invalid_request_error", "invalid_request_error", firstNonEmpty(message, "Invalid request"))
	case http.StatusUnauthorized:
		return New(statusCode, "invalid_api_key", "authentication_error", firstNonEmpty(message, "Invalid authentication"))
	case http.StatusForbidden:
		return New(statusCode, "permission_denied", "permission_error", firstNonEmpty(message, "Permission denied"))
	case http.StatusNotFound:
		return New(statusCode, "not_found", "invalid_request_error", firstNonEmpty(message, "Resource not found"))
	case http.StatusTooManyRequests:
		return New(statusCode, "rate_limit_exceeded", "rate_limit_error", firstNonEmpty(message, "Rate limit exceeded"))
	case http.StatusInternalServerError:
		return New(statusCode, "server_error", "server_error", firstNonEmpty(message, "Internal server error"))
	case http.StatusBadGateway:
		return New(statusCode, "bad_gateway", "server_error", firstNonEmpty(message, "Bad gateway"))
	case http.StatusServiceUnavailable:
		return New(statusCode, "service_unavailable", "server_error", firstNonEmpty(message, "Service temporarily unavailable"))
	case http.StatusGatewayTimeout:
		return New(statusCode, "timeout", "timeout_error", firstNonEmpty(message, "Request timeout"))
	default:
		if statusCode < 400 || statusCode > 599 {
			statusCode = http.StatusInternalServerError
		}
		return New(statusCode, "unknown_error", "server_error", firstNonEmpty(message, fmt.Sprintf("HTTP %d error", statusCode)))
	}
}

func firstNonEmpty(strs ...string) string {
	for _, s := range strs {
		if s != "" {
			return s
		}
	}
	return ""
}
