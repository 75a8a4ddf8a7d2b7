package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"triage-queue-backend/internal/apperr"
	"triage-queue-backend/internal/store"
)

// GetProviders handles GET /api/providers.
func GetProviders(s store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		providers, err := s.ListProviders(c.Request.Context())
		if err != nil {
			respondError(c, apperr.Internal("failed to retrieve providers", err))
			return
		}
		c.JSON(http.StatusOK, providers)
	}
}
