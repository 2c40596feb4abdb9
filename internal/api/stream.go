package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the UI is served from another local origin
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamState pushes a state snapshot over a websocket on every change.
func (a *API) StreamState(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	states, unsubscribe := a.store.Subscribe()
	defer unsubscribe()

	// the reader only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Debug().Str("client_ip", c.ClientIP()).Msg("state stream opened")
	for {
		select {
		case <-closed:
			log.Debug().Str("client_ip", c.ClientIP()).Msg("state stream closed")
			return
		case <-c.Request.Context().Done():
			return
		case st := <-states:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(st); err != nil {
				log.Warn().Err(err).Msg("state stream write failed")
				return
			}
		}
	}
}
