package api

import (
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"triage-queue-backend/config"
	"triage-queue-backend/internal/metrics"
	"triage-queue-backend/internal/mw"
	"triage-queue-backend/internal/store"
	"triage-queue-backend/internal/stream"
)

// Deps are the collaborators the router wires into handlers. Intake, Gateway, Metrics and
// WebPush may be nil; the matching routes then report unavailable or are not registered.
type Deps struct {
	Queue   Queue
	Store   store.Store
	Intake  IntakeSubmitter
	Gateway *stream.Gateway
	Metrics *metrics.Metrics
	WebPush *webpush.Options
	Server  config.ServerConfig
}

// NewRouter creates and configures a new Gin router.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.Logger(), d.Metrics.GinMiddleware())

	handler := NewHandler(d.Queue, d.Store, d.Intake, d.WebPush)

	rateLimiter := mw.RateLimiter(rate.Limit(d.Server.RateLimitPerSec), d.Server.RateLimitBurst)

	ttl := time.Duration(d.Server.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}
	if d.Gateway != nil {
		r.GET("/queue/stream", d.Gateway.ServeWS)
	}

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.POST("/queue/enqueue", handler.Enqueue)
		api.POST("/queue/rescore", handler.Rescore)
		api.POST("/queue/assign", handler.Assign)
		api.POST("/queue/status", handler.UpdateStatus)
		api.GET("/queue", handler.ListQueue)
		api.GET("/queue/:encounterId", handler.GetEntry)

		api.GET("/providers", caching, GetProviders(d.Store))
		api.POST("/intake", handler.SubmitIntake)
		api.PATCH("/intake/:encounterId", handler.ReassessIntake)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}
	if d.Gateway != nil {
		// Outside the rate-limited group: one long-lived request per observer.
		r.GET("/api/queue/events", d.Gateway.ServeSSE)
	}

	return r
}
