package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/sigforge/internal/api/middleware"
	"github.com/Wikid82/sigforge/internal/compiler"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/services"
	"github.com/Wikid82/sigforge/internal/util"
)

type RulesetHandler struct {
	service  *services.RulesetService
	compiler *compiler.Compiler
	notifier services.Notifier
}

func NewRulesetHandler(service *services.RulesetService, comp *compiler.Compiler, notifier services.Notifier) *RulesetHandler {
	return &RulesetHandler{service: service, compiler: comp, notifier: notifier}
}

type rulesetRequest struct {
	Name  string `json:"name" binding:"required"`
	Descr string `json:"descr"`
}

type idsRequest struct {
	IDs []uint `json:"ids"`
}

type actionRequest struct {
	Action string `json:"action"`
}

func (h *RulesetHandler) List(c *gin.Context) {
	rulesets, err := h.service.List()
	if err != nil {
		respondError(c, err, "Failed to list rulesets")
		return
	}
	c.JSON(http.StatusOK, rulesets)
}

func (h *RulesetHandler) Get(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	rs, err := h.service.Get(id)
	if err != nil {
		respondError(c, err, "Failed to load ruleset")
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (h *RulesetHandler) Create(c *gin.Context) {
	var req rulesetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rs := &models.Ruleset{Name: req.Name, Descr: req.Descr}
	if err := h.service.Create(rs); err != nil {
		respondError(c, err, "Failed to create ruleset")
		return
	}
	middleware.GetRequestLogger(c).WithField("ruleset", util.SanitizeForLog(rs.Name)).Info("Ruleset created")
	c.JSON(http.StatusCreated, rs)
}

func (h *RulesetHandler) Update(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req rulesetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rs, err := h.service.Rename(id, req.Name, req.Descr)
	if err != nil {
		respondError(c, err, "Failed to update ruleset")
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (h *RulesetHandler) Delete(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(id); err != nil {
		respondError(c, err, "Failed to delete ruleset")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Ruleset deleted"})
}

func (h *RulesetHandler) Copy(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req rulesetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rs, err := h.service.Copy(id, req.Name)
	if err != nil {
		respondError(c, err, "Failed to copy ruleset")
		return
	}
	c.JSON(http.StatusCreated, rs)
}

// SetSources replaces the selected sources with {"ids": [...]}.
func (h *RulesetHandler) SetSources(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.SetSources(id, req.IDs); err != nil {
		respondError(c, err, "Failed to set sources")
		return
	}
	h.respondRuleset(c, id)
}

// SetCategories replaces the selected categories with {"ids": [...]}.
func (h *RulesetHandler) SetCategories(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.SetCategories(id, req.IDs); err != nil {
		respondError(c, err, "Failed to set categories")
		return
	}
	h.respondRuleset(c, id)
}

func (h *RulesetHandler) respondRuleset(c *gin.Context, id uint) {
	rs, err := h.service.Get(id)
	if err != nil {
		respondError(c, err, "Failed to load ruleset")
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (h *RulesetHandler) EnableCategory(c *gin.Context) {
	h.categoryOp(c, h.service.EnableCategory)
}

func (h *RulesetHandler) DisableCategory(c *gin.Context) {
	h.categoryOp(c, h.service.DisableCategory)
}

func (h *RulesetHandler) categoryOp(c *gin.Context, op func(rulesetID, categoryID uint) error) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	categoryID, ok := idParam(c, "category_id")
	if !ok {
		return
	}
	if err := op(id, categoryID); err != nil {
		respondError(c, err, "Failed to update category selection")
		return
	}
	c.Status(http.StatusNoContent)
}

// TransformCategory sets {"action": "..."}; an empty action clears the transform.
func (h *RulesetHandler) TransformCategory(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	categoryID, ok := idParam(c, "category_id")
	if !ok {
		return
	}
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.TransformCategory(id, categoryID, req.Action); err != nil {
		respondError(c, err, "Failed to transform category")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RulesetHandler) EnableRule(c *gin.Context) {
	h.ruleOp(c, h.service.EnableRule)
}

func (h *RulesetHandler) DisableRule(c *gin.Context) {
	h.ruleOp(c, h.service.DisableRule)
}

func (h *RulesetHandler) ruleOp(c *gin.Context, op func(rulesetID, ruleID uint) error) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ruleID, ok := idParam(c, "rule_id")
	if !ok {
		return
	}
	if err := op(id, ruleID); err != nil {
		respondError(c, err, "Failed to update rule")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RulesetHandler) TransformRule(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ruleID, ok := idParam(c, "rule_id")
	if !ok {
		return
	}
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.TransformRule(id, ruleID, req.Action); err != nil {
		respondError(c, err, "Failed to transform rule")
		return
	}
	c.Status(http.StatusNoContent)
}

// Bulk applies {"op": "...", "ids": [...]} to several rules at once.
func (h *RulesetHandler) Bulk(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Op  string `json:"op" binding:"required"`
		IDs []uint `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.BulkRules(id, req.Op, req.IDs); err != nil {
		respondError(c, err, "Failed to apply bulk operation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(req.IDs)})
}

// Rules lists the effective rules the ruleset would emit.
func (h *RulesetHandler) Rules(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	rules, err := h.compiler.Generate(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to generate ruleset")
		return
	}
	if rules == nil {
		rules = []compiler.EffectiveRule{}
	}
	c.JSON(http.StatusOK, rules)
}

// Export downloads the compiled document as a rules file.
func (h *RulesetHandler) Export(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	buf, err := h.compiler.ToBuffer(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to export ruleset")
		return
	}
	c.Header("Content-Disposition", `attachment; filename="sigforge.rules"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf)
}

// Test validates the compiled ruleset. A passing run clears the needs-test flag.
func (h *RulesetHandler) Test(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	res, err := h.compiler.Test(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to test ruleset")
		return
	}
	if res.Status {
		if err := h.service.MarkTested(id); err != nil {
			respondError(c, err, "Failed to record test result")
			return
		}
	} else if h.notifier != nil {
		h.notifier.Notify(models.EventTestFailed, models.NotificationTypeError,
			"Ruleset test failed",
			fmt.Sprintf("%s reported %d error(s)", res.Validator, len(res.Errors)),
			nil, &id)
	}
	middleware.GetRequestLogger(c).WithFields(logrus.Fields{
		"ruleset_id": id,
		"status":     res.Status,
	}).Info("Ruleset test finished")
	c.JSON(http.StatusOK, res)
}

func (h *RulesetHandler) Deploy(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	dep, err := h.compiler.Deploy(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to deploy ruleset")
		return
	}
	status := http.StatusOK
	if len(dep.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, dep)
}

// Refresh updates every source selected by the ruleset.
func (h *RulesetHandler) Refresh(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	results, err := h.service.UpdateSources(c.Request.Context(), id)
	if err != nil {
		if results == nil {
			respondError(c, err, "Failed to update sources")
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "results": results})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *RulesetHandler) Changelog(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	entries, err := h.service.Changelog(id)
	if err != nil {
		respondError(c, err, "Failed to load changelog")
		return
	}
	c.JSON(http.StatusOK, entries)
}
