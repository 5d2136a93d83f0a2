package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/events"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsEventBuffer  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventsHandler streams engine lifecycle events over a WebSocket.
type EventsHandler struct {
	bus    *events.Bus
	logger *zap.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(bus *events.Bus, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, logger: logger}
}

// Stream handles GET /events (WebSocket upgrade).
func (h *EventsHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(wsEventBuffer)
	defer h.bus.Unsubscribe(sub)

	// Drain client frames so close messages are observed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return

		case <-c.Request.Context().Done():
			return

		case evt, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
