package stream

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"triage-queue-backend/internal/apperr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and streams the queue as JSON text frames.
func (g *Gateway) ServeWS(c *gin.Context) {
	select {
	case <-g.done:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	default:
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	o, sub := g.connect(TransportWS)
	reason := ReasonClient
	defer func() { g.disconnect(o, sub, reason) }()

	write := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			return apperr.Transport("websocket write failed", err)
		}
		return nil
	}

	if err := write(g.snapshot(c.Request.Context())); err != nil {
		log.Warn().Err(err).Str("observer", o.name).Msg("snapshot send failed")
		reason = ReasonWriteError
		return
	}
	g.open(o)

	// The read side only detects the peer going away; observers send nothing meaningful.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(g.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			reason = ReasonShutdown
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(g.opts.WriteTimeout))
			return
		case <-gone:
			return
		case e, ok := <-sub.C:
			if !ok {
				reason = ReasonDropped
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "observer fell behind"),
					time.Now().Add(g.opts.WriteTimeout))
				return
			}
			if err := write(e); err != nil {
				log.Warn().Err(err).Str("observer", o.name).Msg("event send failed")
				reason = ReasonWriteError
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.opts.WriteTimeout)); err != nil {
				reason = ReasonWriteError
				return
			}
		}
	}
}
