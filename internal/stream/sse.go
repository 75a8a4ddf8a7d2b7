package stream

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"triage-queue-backend/internal/apperr"
)

// ServeSSE streams the queue as Server-Sent Events. Event names match the frame types.
func (g *Gateway) ServeSSE(c *gin.Context) {
	select {
	case <-g.done:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	default:
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	o, sub := g.connect(TransportSSE)
	reason := ReasonClient
	defer func() { g.disconnect(o, sub, reason) }()

	// A broken socket surfaces as a write error at the latest on the write after the failed flush.
	write := func(name string, data any) error {
		if err := sse.Encode(c.Writer, sse.Event{Event: name, Data: data}); err != nil {
			return apperr.Transport("sse write failed", err)
		}
		c.Writer.Flush()
		return nil
	}

	if err := write("snapshot", g.snapshot(ctx)); err != nil {
		log.Warn().Err(err).Str("observer", o.name).Msg("snapshot send failed")
		reason = ReasonWriteError
		return
	}
	g.open(o)

	ticker := time.NewTicker(g.opts.Heartbeat)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-g.done:
			reason = ReasonShutdown
			return
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				reason = ReasonDropped
				return
			}
			err = write(string(e.Type), e)
		case <-ticker.C:
			err = write("heartbeat", gin.H{"timestamp": time.Now().UnixMilli()})
		}
		if err != nil {
			log.Warn().Err(err).Str("observer", o.name).Msg("event send failed")
			reason = ReasonWriteError
			return
		}
	}
}
