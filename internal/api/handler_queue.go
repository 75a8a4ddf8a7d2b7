package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"triage-queue-backend/internal/model"
	"triage-queue-backend/internal/queue"
)

type riskBody struct {
	Score *int       `json:"score" binding:"required"`
	Band  model.Band `json:"band"`
}

func (r riskBody) toRisk() queue.Risk {
	return queue.Risk{Score: *r.Score, Band: r.Band}
}

type enqueueRequest struct {
	Encounter *queue.Encounter `json:"encounter" binding:"required"`
	Risk      *riskBody        `json:"risk" binding:"required"`
}

// Enqueue handles POST /api/queue/enqueue.
func (h *Handler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.queue.Enqueue(c.Request.Context(), *req.Encounter, req.Risk.toRisk())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type rescoreRequest struct {
	EncounterID string    `json:"encounterId" binding:"required"`
	Risk        *riskBody `json:"risk" binding:"required"`
}

// Rescore handles POST /api/queue/rescore.
func (h *Handler) Rescore(c *gin.Context) {
	var req rescoreRequest
	if !bindJSON(c, &req) {
		return
	}

	entry, err := h.queue.Rescore(c.Request.Context(), req.EncounterID, req.Risk.toRisk())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ListQueue handles GET /api/queue. Never cached: wait times change on every read.
func (h *Handler) ListQueue(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, h.queue.List(c.Request.Context()))
}

// GetEntry handles GET /api/queue/:encounterId.
func (h *Handler) GetEntry(c *gin.Context) {
	entry, err := h.queue.Get(c.Request.Context(), c.Param("encounterId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type assignRequest struct {
	EncounterID string `json:"encounterId" binding:"required"`
	ProviderID  string `json:"providerId" binding:"required"`
}

// Assign handles POST /api/queue/assign.
func (h *Handler) Assign(c *gin.Context) {
	var req assignRequest
	if !bindJSON(c, &req) {
		return
	}

	entry, err := h.queue.Assign(c.Request.Context(), req.EncounterID, req.ProviderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type statusRequest struct {
	EncounterID string       `json:"encounterId" binding:"required"`
	Status      model.Status `json:"status" binding:"required"`
}

// UpdateStatus handles POST /api/queue/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}

	entry, err := h.queue.Advance(c.Request.Context(), req.EncounterID, req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
