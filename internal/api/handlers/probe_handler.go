package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/sigforge/internal/probe"
)

type ProbeHandler struct {
	backend probe.Backend
}

func NewProbeHandler(backend probe.Backend) *ProbeHandler {
	return &ProbeHandler{backend: backend}
}

// Hostnames lists the probes the configured backend can reach.
func (h *ProbeHandler) Hostnames(c *gin.Context) {
	hosts, err := h.backend.Hostnames(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to list probes")
		return
	}
	c.JSON(http.StatusOK, gin.H{"backend": h.backend.Name(), "hostnames": hosts})
}
