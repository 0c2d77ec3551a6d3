package httpformat

import (
	"net/http"
	"strings"

	apperrors "aistudio2api-go/internal/errors"
	"github.com/gin-gonic/gin"
)

// DetectFromContext determines the error format for a gin request. The raw
// URL path wins over the route pattern because proxied traffic arrives on a
// catch-all route.
func DetectFromContext(c *gin.Context) apperrors.ErrorFormat {
	if c == nil {
		return apperrors.FormatOpenAI
	}
	if c.Request != nil && c.Request.URL != nil {
		return DetectFromRequest(c.Request)
	}
	return DetectFromPath(c.FullPath())
}

// DetectFromRequest determines the error format using an HTTP request.
func DetectFromRequest(r *http.Request) apperrors.ErrorFormat {
	if r == nil || r.URL == nil {
		return apperrors.FormatOpenAI
	}
	return DetectFromPath(r.URL.Path)
}

// DetectFromPath determines the error format based on a raw path string.
func DetectFromPath(path string) apperrors.ErrorFormat {
	path = strings.ToLower(path)
	if strings.Contains(path, "/v1beta/") ||
		strings.Contains(path, ":generatecontent") ||
		strings.Contains(path, ":streamgeneratecontent") {
		return apperrors.FormatGemini
	}
	return apperrors.FormatOpenAI
}
