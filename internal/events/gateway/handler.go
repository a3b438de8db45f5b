package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DeanSCND/agentbroker/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Monitoring dashboards are trusted local tooling, not browser
	// third-party origins; the broker binds loopback by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades a request to a WebSocket connection and attaches it to
// hub as a monitoring client.
func Handler(hub *Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(uuid.New().String(), conn, hub, log)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	}
}
