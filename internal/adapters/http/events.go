package http

import (
	"net/http"
	"time"

	"github.com/dkeye/callsync/internal/app/callsession"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	eventBuffer  = 32
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// events streams controller events to the UI until the session is over or
// the client goes away.
func (h *handlers) events(c *gin.Context) {
	sid := domain.SessionID(c.Param("id"))
	ch, unsubscribe, err := h.svc.Subscribe(sid, eventBuffer)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	defer unsubscribe()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	defer ws.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeEvents(ws, sid, ch, gone)
}

func writeEvents(ws *websocket.Conn, sid domain.SessionID, ch <-chan callsession.Event, gone <-chan struct{}) {
	for {
		select {
		case <-gone:
			log.Info().Str("module", "adapters.http").Str("sid", string(sid)).Msg("events client gone")
			return
		case ev, ok := <-ch:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session over"),
					time.Now().Add(writeTimeout))
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("events set deadline")
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Str("sid", string(sid)).Msg("events write error")
				return
			}
		}
	}
}
