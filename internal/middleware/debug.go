package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const maxDumpBody = 64 << 10

var sensitiveHeaders = map[string]bool{
	"authorization":    true,
	"x-goog-api-key":   true,
	"x-api-key":        true,
	"x-dashboard-auth": true,
	"cookie":           true,
}

// DebugDump logs inbound headers and body while enabled() returns true. The
// body is restored for downstream handlers.
func DebugDump(enabled func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled() {
			c.Next()
			return
		}
		rid, _ := c.Get("request_id")
		entry := log.WithFields(log.Fields{
			"request_id": rid,
			"ip":         c.ClientIP(),
			"method":     c.Request.Method,
			"url":        c.Request.URL.String(),
			"headers":    redactHeaders(c.Request.Header),
		})

		body := "(empty)"
		if c.Request.Body != nil && c.Request.Body != http.NoBody {
			raw, err := io.ReadAll(c.Request.Body)
			_ = c.Request.Body.Close()
			c.Request.Body = io.NopCloser(bytes.NewReader(raw))
			switch {
			case err != nil:
				body = "(unreadable: " + err.Error() + ")"
			case len(raw) == 0:
			case !gjson.ValidBytes(raw):
				body = fmt.Sprintf("(non-JSON body, %d bytes)", len(raw))
			case len(raw) > maxDumpBody:
				body = string(raw[:maxDumpBody]) + "...(truncated)"
			default:
				body = string(raw)
			}
		}
		entry.WithField("body", body).Info("debug: inbound request")
		c.Next()
	}
}

func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		v := strings.Join(values, ", ")
		if sensitiveHeaders[strings.ToLower(name)] {
			v = MaskKey(v)
		}
		out[name] = v
	}
	return out
}
