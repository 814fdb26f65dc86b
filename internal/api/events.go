package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/warrenhq/warren/internal/common/logger"
	"github.com/warrenhq/warren/internal/events"
	"github.com/warrenhq/warren/internal/events/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // same trust boundary as the rest of the local API
	},
}

// EventStream bridges the event bus to WebSocket observers.
type EventStream struct {
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewEventStream creates an event stream over the given bus.
func NewEventStream(eventBus bus.EventBus, log *logger.Logger) *EventStream {
	return &EventStream{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "event-stream")),
	}
}

// Handle upgrades the connection and forwards all bus events until the
// client goes away. Slow clients are disconnected rather than allowed to
// stall the bus.
// GET /api/v1/events
func (s *EventStream) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	send := make(chan []byte, sendBuffer)
	sub, err := s.eventBus.Subscribe(events.SubjectAll, func(ctx context.Context, event *bus.Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		select {
		case send <- payload:
		default:
			// Drop for this client; the bus must not block.
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to subscribe to event bus", zap.Error(err))
		conn.Close()
		return
	}

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, send, done)

	if err := sub.Unsubscribe(); err != nil {
		s.logger.Warn("Failed to unsubscribe event stream client", zap.Error(err))
	}
}

// readPump discards client frames and watches for disconnect.
func (s *EventStream) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *EventStream) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case payload := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
