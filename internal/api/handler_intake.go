package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"triage-queue-backend/internal/intake"
)

func (h *Handler) intakeConfigured(c *gin.Context) bool {
	if h.intake == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "intake is not configured", "type": "UNAVAILABLE"})
		return false
	}
	return true
}

// SubmitIntake handles POST /api/intake.
func (h *Handler) SubmitIntake(c *gin.Context) {
	if !h.intakeConfigured(c) {
		return
	}

	var req intake.Request
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.intake.Submit(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ReassessIntake handles PATCH /api/intake/:encounterId.
func (h *Handler) ReassessIntake(c *gin.Context) {
	if !h.intakeConfigured(c) {
		return
	}

	var updates intake.Updates
	if !bindJSON(c, &updates) {
		return
	}

	res, err := h.intake.Reassess(c.Request.Context(), c.Param("encounterId"), updates)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
