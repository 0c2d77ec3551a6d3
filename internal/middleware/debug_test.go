package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugDumpLogsAndRestoresBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	var enabled bool
	var seen string
	r := gin.New()
	r.Use(DebugDump(func() bool { return enabled }))
	r.POST("/v1/chat/completions", func(c *gin.Context) {
		raw, _ := io.ReadAll(c.Request.Body)
		seen = string(raw)
		c.Status(204)
	})

	send := func() {
		req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4"}`))
		req.Header.Set("Authorization", "Bearer very-secret-token")
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	send()
	assert.Empty(t, buf.String())
	assert.Equal(t, `{"model":"gpt-4"}`, seen)

	enabled = true
	seen = ""
	send()
	require.Contains(t, buf.String(), "debug: inbound request")
	assert.Contains(t, buf.String(), `gpt-4`)
	assert.Contains(t, buf.String(), "****oken")
	assert.NotContains(t, buf.String(), "very-secret-token")
	assert.Equal(t, `{"model":"gpt-4"}`, seen)
}

func TestDebugDumpNonJSONBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	r := gin.New()
	r.Use(DebugDump(func() bool { return true }))
	r.POST("/upload", func(c *gin.Context) { c.Status(204) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/upload", strings.NewReader("binary-ish")))
	assert.Contains(t, buf.String(), "non-JSON body, 10 bytes")
}
