package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/sigforge/internal/api/middleware"
	"github.com/Wikid82/sigforge/internal/compiler"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/services"
	"github.com/Wikid82/sigforge/internal/util"
)

// Scheduler is the part of the source scheduler the API needs.
type Scheduler interface {
	Sync() error
	Next(sourceID uint) time.Time
}

type SourceHandler struct {
	service   *services.SourceService
	rules     *services.RuleService
	compiler  *compiler.Compiler
	scheduler Scheduler
}

// NewSourceHandler wires source endpoints. scheduler may be nil when
// scheduled updates are disabled.
func NewSourceHandler(service *services.SourceService, rules *services.RuleService, comp *compiler.Compiler, scheduler Scheduler) *SourceHandler {
	return &SourceHandler{service: service, rules: rules, compiler: comp, scheduler: scheduler}
}

type sourceRequest struct {
	Name        string `json:"name" binding:"required"`
	URI         string `json:"uri" binding:"required"`
	Method      string `json:"method"`
	Datatype    string `json:"datatype"`
	AuthKey     string `json:"auth_key"`
	InsecureTLS bool   `json:"insecure_tls"`
	UpdateCron  string `json:"update_cron"`
}

func (r sourceRequest) model() *models.Source {
	return &models.Source{
		Name:        r.Name,
		URI:         r.URI,
		Method:      models.SourceMethod(r.Method),
		Datatype:    models.SourceDatatype(r.Datatype),
		AuthKey:     r.AuthKey,
		InsecureTLS: r.InsecureTLS,
		UpdateCron:  r.UpdateCron,
	}
}

func (h *SourceHandler) resync(c *gin.Context) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.Sync(); err != nil {
		middleware.GetRequestLogger(c).WithError(err).Warn("Scheduler sync reported errors")
	}
}

func (h *SourceHandler) List(c *gin.Context) {
	sources, err := h.service.List()
	if err != nil {
		respondError(c, err, "Failed to list sources")
		return
	}
	c.JSON(http.StatusOK, sources)
}

func (h *SourceHandler) Get(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	src, err := h.service.Get(id)
	if err != nil {
		respondError(c, err, "Failed to load source")
		return
	}
	resp := gin.H{"source": src}
	if h.scheduler != nil {
		if next := h.scheduler.Next(id); !next.IsZero() {
			resp["next_update"] = next
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SourceHandler) Create(c *gin.Context) {
	var req sourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src := req.model()
	if err := h.service.Create(src); err != nil {
		respondError(c, err, "Failed to create source")
		return
	}
	middleware.GetRequestLogger(c).WithField("source", util.SanitizeForLog(src.Name)).Info("Source created")
	h.resync(c)
	c.JSON(http.StatusCreated, src)
}

func (h *SourceHandler) Update(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req sourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := h.service.Save(id, req.model())
	if err != nil {
		respondError(c, err, "Failed to update source")
		return
	}
	h.resync(c)
	c.JSON(http.StatusOK, src)
}

func (h *SourceHandler) Delete(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(id); err != nil {
		respondError(c, err, "Failed to delete source")
		return
	}
	h.resync(c)
	c.JSON(http.StatusOK, gin.H{"message": "Source deleted"})
}

// Refresh fetches the source now and reports the diff against HEAD.
func (h *SourceHandler) Refresh(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	res, err := h.service.Update(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to update source")
		return
	}
	c.JSON(http.StatusOK, res)
}

// Test validates the available rules of the source's HEAD as shipped.
func (h *SourceHandler) Test(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	res, err := h.compiler.TestSource(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to test source")
		return
	}
	middleware.GetRequestLogger(c).WithFields(logrus.Fields{
		"source_id": id,
		"status":    res.Status,
	}).Info("Source test finished")
	c.JSON(http.StatusOK, res)
}

func (h *SourceHandler) Categories(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if _, err := h.service.Get(id); err != nil {
		respondError(c, err, "Failed to load source")
		return
	}
	categories, err := h.rules.Categories(id)
	if err != nil {
		respondError(c, err, "Failed to list categories")
		return
	}
	c.JSON(http.StatusOK, categories)
}

func (h *SourceHandler) Changelog(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	updates, err := h.service.Changelog(id, queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err, "Failed to load changelog")
		return
	}
	c.JSON(http.StatusOK, updates)
}

// DiffVersions compares two snapshot versions given as ?from=&to=.
func (h *SourceHandler) DiffVersions(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	from, to := queryInt(c, "from", 0), queryInt(c, "to", 0)
	if from <= 0 || to <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to versions are required"})
		return
	}
	diff, err := h.service.DiffVersions(id, from, to)
	if err != nil {
		respondError(c, err, "Failed to diff versions")
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (h *SourceHandler) GetUpdate(c *gin.Context) {
	upd, err := h.service.GetUpdate(c.Param("uuid"))
	if err != nil {
		respondError(c, err, "Failed to load update")
		return
	}
	c.JSON(http.StatusOK, upd)
}

// DiffUpdate compares a snapshot with its predecessor.
func (h *SourceHandler) DiffUpdate(c *gin.Context) {
	diff, err := h.service.DiffUpdate(c.Param("uuid"))
	if err != nil {
		respondError(c, err, "Failed to diff update")
		return
	}
	c.JSON(http.StatusOK, diff)
}

// Activate selects the source on a ruleset with its default categories.
func (h *SourceHandler) Activate(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		RulesetID uint `json:"ruleset_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.ActivateOnRuleset(id, req.RulesetID); err != nil {
		respondError(c, err, "Failed to activate source")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Source activated"})
}
