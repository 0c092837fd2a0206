package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/sigforge/internal/logger"
)

func panicRouter(verbose bool) *gin.Engine {
	router := gin.New()
	router.Use(RequestID())
	router.Use(Recovery(verbose))
	panics := func(c *gin.Context) { panic("resolver blew up") }
	router.POST("/api/v1/rulesets/:id/rules/:rule_id/enable", panics)
	router.POST("/api/v1/sources/:id/update", panics)
	router.GET("/api/v1/thresholds/:uuid", panics)
	return router
}

// lastEntry decodes the final JSON log line written to buf.
func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry), buf.String())
	return entry
}

func TestRecovery_LogsRulesetAndRule(t *testing.T) {
	buf := &bytes.Buffer{}
	logger.Init(false, buf)

	w := httptest.NewRecorder()
	panicRouter(false).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/rulesets/3/rules/9/enable", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal server error", body["error"])
	assert.Equal(t, w.Header().Get(RequestIDHeader), body["request_id"])

	entry := lastEntry(t, buf)
	assert.Equal(t, "PANIC: resolver blew up", entry["msg"])
	assert.Equal(t, "3", entry["ruleset_id"])
	assert.Equal(t, "9", entry["rule_id"])
	assert.Equal(t, "/api/v1/rulesets/:id/rules/:rule_id/enable", entry["route"])
	assert.Equal(t, body["request_id"], entry["request_id"])
	assert.NotContains(t, buf.String(), "Stacktrace:")
}

func TestRecovery_QualifiesSourceAndThresholdParams(t *testing.T) {
	buf := &bytes.Buffer{}
	logger.Init(false, buf)
	router := panicRouter(false)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/sources/12/update", nil))
	assert.Equal(t, "12", lastEntry(t, buf)["source_id"])

	buf.Reset()
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/thresholds/"+strings.Repeat("x", 100), nil))
	assert.Equal(t, strings.Repeat("x", 64), lastEntry(t, buf)["threshold_uuid"])
}

func TestRecovery_VerboseRedactsFeedKey(t *testing.T) {
	buf := &bytes.Buffer{}
	logger.Init(true, buf)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources/12/update?key=oink-code", nil)
	req.Header.Set("X-Feed-Auth-Key", "oink-code")
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("User-Agent", "sigforge-cli")
	w := httptest.NewRecorder()
	panicRouter(true).ServeHTTP(w, req)
	require.Equal(t, http.StatusInternalServerError, w.Code)

	out := buf.String()
	assert.Contains(t, out, "Stacktrace:")
	assert.Contains(t, out, "source_id=12")
	assert.Contains(t, out, "<redacted>")
	assert.Contains(t, out, "sigforge-cli")
	assert.NotContains(t, out, "oink-code")
	assert.NotContains(t, out, "secret-token")
}

func TestSanitizePath(t *testing.T) {
	assert.Equal(t, "/api/v1/sources/1", SanitizePath("/api/v1/sources/1?key=abc"))
	assert.Len(t, SanitizePath("/"+strings.Repeat("a", 500)), maxLoggedValue)
	assert.Nil(t, SanitizeHeaders(nil))
}
