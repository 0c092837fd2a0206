package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/sigforge/internal/compiler"
	"github.com/Wikid82/sigforge/internal/database"
	"github.com/Wikid82/sigforge/internal/feed"
	"github.com/Wikid82/sigforge/internal/metrics"
	"github.com/Wikid82/sigforge/internal/services"
)

func TestRegister(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	db := database.OpenTestDB(t)

	notifications := services.NewNotificationService(db)
	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	err := Register(router, db, Deps{
		Notifications: notifications,
		Sources:       services.NewSourceService(db, feed.Mux{}, notifications),
		Compiler:      compiler.New(db, nil, nil),
		Registry:      registry,
	})
	require.NoError(t, err)

	paths := map[string]bool{}
	for _, r := range router.Routes() {
		paths[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /api/v1/health",
		"GET /api/v1/ready",
		"GET /metrics",
		"POST /api/v1/sources/:id/update",
		"POST /api/v1/sources/:id/test",
		"GET /api/v1/rulesets/:id/export",
		"POST /api/v1/rulesets/:id/thresholds",
		"GET /api/v1/probes",
	} {
		assert.True(t, paths[want], "%s should be registered", want)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/probes", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"backend":"none","hostnames":[]}`, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sigforge_threshold_conflicts_total")
}
