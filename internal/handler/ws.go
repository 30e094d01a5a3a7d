package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rankitpro/security-core/internal/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin enforcement happens in the CORS middleware; the dashboard may
	// be served from a different origin than this core.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades GET /security to the persistent push channel. The server
// writes {type, data} envelopes; the client sends nothing beyond pongs.
// A subscriber that misses pongs past the liveness deadline is reaped.
func (h *SecurityHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", util.ErrorField(err))
		return
	}

	sub := h.service.Hub().Subscribe()
	defer h.service.Hub().Unsubscribe(sub)

	done := make(chan struct{})

	// Reader: consume control frames and detect disconnect promptly.
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case msg, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub shut down.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("websocket write failed",
					util.String("subscriber_id", sub.ID),
					util.ErrorField(err),
				)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
