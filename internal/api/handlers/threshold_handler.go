package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/services"
)

type ThresholdHandler struct {
	service *services.ThresholdService
}

func NewThresholdHandler(service *services.ThresholdService) *ThresholdHandler {
	return &ThresholdHandler{service: service}
}

type thresholdRequest struct {
	RuleID        *uint  `json:"rule_id"`
	ThresholdType string `json:"threshold_type" binding:"required"`
	Type          string `json:"type"`
	TrackBy       string `json:"track_by" binding:"required"`
	Net           string `json:"net"`
	Count         int    `json:"count"`
	Seconds       int    `json:"seconds"`
	Descr         string `json:"descr"`
}

func (r thresholdRequest) model(rulesetID uint) *models.Threshold {
	return &models.Threshold{
		RulesetID:     rulesetID,
		RuleID:        r.RuleID,
		ThresholdType: r.ThresholdType,
		Type:          r.Type,
		TrackBy:       r.TrackBy,
		Net:           r.Net,
		Count:         r.Count,
		Seconds:       r.Seconds,
		Descr:         r.Descr,
	}
}

func (h *ThresholdHandler) bind(c *gin.Context) (*models.Threshold, bool) {
	id, ok := idParam(c, "id")
	if !ok {
		return nil, false
	}
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return req.model(id), true
}

// List returns the thresholds of a ruleset, narrowed by ?rule_id=.
func (h *ThresholdHandler) List(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var ruleID *uint
	if v := queryInt(c, "rule_id", 0); v > 0 {
		r := uint(v)
		ruleID = &r
	}
	list, err := h.service.List(id, ruleID)
	if err != nil {
		respondError(c, err, "Failed to list thresholds")
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *ThresholdHandler) Create(c *gin.Context) {
	t, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.service.Create(t); err != nil {
		respondError(c, err, "Failed to create threshold")
		return
	}
	c.JSON(http.StatusCreated, t)
}

// Preview reports stored thresholds that contain or overlap the candidate.
func (h *ThresholdHandler) Preview(c *gin.Context) {
	t, ok := h.bind(c)
	if !ok {
		return
	}
	preview, err := h.service.ContainersFor(t)
	if err != nil {
		respondError(c, err, "Failed to preview threshold")
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (h *ThresholdHandler) Get(c *gin.Context) {
	t, err := h.service.Get(c.Param("uuid"))
	if err != nil {
		respondError(c, err, "Failed to load threshold")
		return
	}
	c.JSON(http.StatusOK, t)
}

// Update edits a threshold. Target rule and kind in the body are ignored.
func (h *ThresholdHandler) Update(c *gin.Context) {
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.service.Update(c.Param("uuid"), req.model(0))
	if err != nil {
		respondError(c, err, "Failed to update threshold")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *ThresholdHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Param("uuid")); err != nil {
		respondError(c, err, "Failed to delete threshold")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Threshold deleted"})
}
