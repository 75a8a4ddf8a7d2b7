package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"triage-queue-backend/internal/apperr"
)

// statusFor maps an error type to its HTTP status.
func statusFor(t apperr.Type) int {
	switch t {
	case apperr.TypeValidation:
		return http.StatusBadRequest
	case apperr.TypeNotFound:
		return http.StatusNotFound
	case apperr.TypeConflict:
		return http.StatusConflict
	case apperr.TypeUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error","type"} with the mapped status. Internal details are logged, not returned.
func respondError(c *gin.Context, err error) {
	t := apperr.TypeOf(err)
	status := statusFor(t)

	msg := apperr.Message(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "type": string(t)})
}

// bindJSON binds the body into req and reports schema violations as 400.
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, apperr.Validation("invalid request: %v", err))
		return false
	}
	return true
}
