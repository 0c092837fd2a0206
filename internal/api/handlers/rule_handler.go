package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/sigforge/internal/compiler"
	"github.com/Wikid82/sigforge/internal/services"
)

type RuleHandler struct {
	service  *services.RuleService
	compiler *compiler.Compiler
}

func NewRuleHandler(service *services.RuleService, comp *compiler.Compiler) *RuleHandler {
	return &RuleHandler{service: service, compiler: comp}
}

// List accepts q, source_id, category_id, available, page and page_size.
func (h *RuleHandler) List(c *gin.Context) {
	q := services.RuleQuery{
		Text:       c.Query("q"),
		SourceID:   uint(max(queryInt(c, "source_id", 0), 0)),
		CategoryID: uint(max(queryInt(c, "category_id", 0), 0)),
		Page:       queryInt(c, "page", 1),
		PageSize:   queryInt(c, "page_size", 0),
	}
	if raw := c.Query("available"); raw != "" {
		available, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid available"})
			return
		}
		q.Available = &available
	}
	page, err := h.service.List(q)
	if err != nil {
		respondError(c, err, "Failed to list rules")
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *RuleHandler) Search(c *gin.Context) {
	res, err := h.service.Search(c.Query("q"), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err, "Failed to search")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *RuleHandler) Get(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	rule, err := h.service.Get(id)
	if err != nil {
		respondError(c, err, "Failed to load rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *RuleHandler) GetBySID(c *gin.Context) {
	sid, err := strconv.ParseInt(c.Param("sid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sid"})
		return
	}
	rule, err := h.service.GetBySID(sid)
	if err != nil {
		respondError(c, err, "Failed to load rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *RuleHandler) Flowbits(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	group, err := h.service.FlowbitGroup(id)
	if err != nil {
		respondError(c, err, "Failed to load flowbit group")
		return
	}
	c.JSON(http.StatusOK, group)
}

// SetAvailability toggles the imported state with {"state": bool}.
func (h *RuleHandler) SetAvailability(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		State *bool `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule, err := h.service.SetAvailability(id, *req.State)
	if err != nil {
		respondError(c, err, "Failed to update rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *RuleHandler) References(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	refs, err := h.service.References(id)
	if err != nil {
		respondError(c, err, "Failed to load references")
		return
	}
	c.JSON(http.StatusOK, refs)
}

func (h *RuleHandler) Status(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	status, err := h.service.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to load rule status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// Test validates one rule, optionally as emitted by ?ruleset_id=.
func (h *RuleHandler) Test(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	rulesetID := uint(max(queryInt(c, "ruleset_id", 0), 0))
	res, err := h.compiler.TestRule(c.Request.Context(), id, rulesetID)
	if err != nil {
		respondError(c, err, "Failed to test rule")
		return
	}
	c.JSON(http.StatusOK, res)
}
