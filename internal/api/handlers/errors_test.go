package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	rerrors "github.com/Wikid82/sigforge/internal/errors"
	"github.com/Wikid82/sigforge/internal/services"
)

func TestRespondError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", services.ErrSourceNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("load: %w", services.ErrRuleNotFound), http.StatusNotFound},
		{"invalid", services.ErrInvalidThreshold, http.StatusBadRequest},
		{"conflict", &rerrors.ConflictError{Kind: rerrors.ConflictThresholdScope, SID: 1}, http.StatusConflict},
		{"integrity", &rerrors.IntegrityError{Entity: "ruleset", Field: "name"}, http.StatusConflict},
		{"fetch", &rerrors.FetchError{Source: "et", URI: "https://x", Err: errors.New("boom")}, http.StatusBadGateway},
		{"validation", &rerrors.ValidationError{Diagnostics: []string{"bad rule"}}, http.StatusUnprocessableEntity},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			respondError(c, tt.err, "Something failed")
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestIDParam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, raw := range []string{"abc", "0", "-1"} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Params = gin.Params{{Key: "id", Value: raw}}
		_, ok := idParam(c, "id")
		assert.False(t, ok, raw)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Params = gin.Params{{Key: "id", Value: "7"}}
	id, ok := idParam(c, "id")
	assert.True(t, ok)
	assert.Equal(t, uint(7), id)
}
