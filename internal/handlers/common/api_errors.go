package common

import (
	"net/http"
	"strings"

	apperrors "aistudio2api-go/internal/errors"
	"aistudio2api-go/internal/httpformat"

	"github.com/gin-gonic/gin"
)

// AbortWithAPIError serializes the provided APIError using the detected error format and aborts the request.
func AbortWithAPIError(c *gin.Context, err *apperrors.APIError) {
	err = orUnknown(err)
	format := httpformat.DetectFromContext(c)
	payload, marshalErr := err.ToJSON(format)
	if marshalErr != nil {
		c.JSON(safeStatus(err.HTTPStatus), fallbackEnvelope(err))
		c.Abort()
		return
	}
	c.Data(safeStatus(err.HTTPStatus), "application/json", payload)
	c.Abort()
}

// AbortWithError constructs an APIError from the provided fields and aborts the request.
func AbortWithError(c *gin.Context, status int, typ, message string) {
	typ = normalizeType(typ)
	err := apperrors.New(safeStatus(status), typ, typ, firstNonEmpty(message, "internal error"))
	AbortWithAPIError(c, err)
}

// WriteAPIError is the net/http counterpart of AbortWithAPIError for code that
// only holds a ResponseWriter. The envelope follows the request path.
func WriteAPIError(w http.ResponseWriter, path string, err *apperrors.APIError) {
	err = orUnknown(err)
	payload, marshalErr := err.ToJSON(httpformat.DetectFromPath(path))
	if marshalErr != nil {
		payload = []byte(`{"error":{"message":"internal error","type":"server_error","code":"server_error"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(safeStatus(err.HTTPStatus))
	_, _ = w.Write(payload)
}

// WriteError maps err through the error taxonomy and writes it.
func WriteError(w http.ResponseWriter, path string, err error) {
	WriteAPIError(w, path, apperrors.FromError(err))
}

func orUnknown(err *apperrors.APIError) *apperrors.APIError {
	if err == nil {
		return apperrors.New(http.StatusInternalServerError, "server_error", "server_error", "unknown error")
	}
	return err
}

func fallbackEnvelope(err *apperrors.APIError) gin.H {
	return gin.H{
		"error": gin.H{
			"message": err.Message,
			"type":    err.Type,
			"code":    err.Code,
		},
	}
}

func normalizeType(typ string) string {
	if strings.TrimSpace(typ) == "" {
		return "server_error"
	}
	return typ
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func safeStatus(status int) int {
	if status >= 400 && status <= 599 {
		return status
	}
	return http.StatusInternalServerError
}
