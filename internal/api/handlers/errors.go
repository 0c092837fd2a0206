package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/sigforge/internal/api/middleware"
	rerrors "github.com/Wikid82/sigforge/internal/errors"
	"github.com/Wikid82/sigforge/internal/services"
)

var notFoundErrors = []error{
	services.ErrSourceNotFound,
	services.ErrUpdateNotFound,
	services.ErrCategoryNotFound,
	services.ErrThresholdNotFound,
	services.ErrRulesetNotFound,
	services.ErrRuleNotFound,
}

var badRequestErrors = []error{
	services.ErrInvalidAction,
	services.ErrInvalidSource,
	services.ErrInvalidThreshold,
	services.ErrInvalidBulkOp,
}

// respondError maps service and taxonomy errors to a status code.
func respondError(c *gin.Context, err error, fallback string) {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
	}
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var conflict *rerrors.ConflictError
	var integrity *rerrors.IntegrityError
	var fetch *rerrors.FetchError
	var validation *rerrors.ValidationError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "kind": conflict.Kind, "sid": conflict.SID})
	case errors.As(err, &integrity):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "field": integrity.Field})
	case errors.As(err, &fetch):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "retryable": fetch.Retryable})
	case errors.As(err, &validation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "diagnostics": validation.Diagnostics})
	default:
		middleware.GetRequestLogger(c).WithError(err).Error(fallback)
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

// idParam parses a numeric path parameter, answering 400 when malformed.
func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func queryInt(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return fallback
	}
	return v
}
