package daemon

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The listener is a local Unix domain socket; origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventFrame is the wire shape of a relayed bus event.
type eventFrame struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// handleEvents streams bus events to an attached frontend over a
// websocket. Each client gets its own subscription; a client that cannot
// keep up loses events rather than stalling the daemon.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	prefix := c.Query("prefix")
	ch, unsub := s.bus.Subscribe(prefix, 256)
	defer unsub()

	// Reads only serve to detect the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-ch:
			frame := eventFrame{Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: evt.Payload}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
