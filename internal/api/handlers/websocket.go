package handlers

import (
	"net/http"

	"github.com/armada-games/armada-backend/internal/websocket"
	"github.com/gin-gonic/gin"
)

type WebSocketHandler struct {
	hub *websocket.Hub
}

func NewWebSocketHandler(hub *websocket.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
	}
}

// HandleWebSocket upgrades the authenticated request to a lobby socket.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("userId")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	displayName := c.GetString("displayName")
	websocket.ServeWs(h.hub, c.Writer, c.Request, userID.(string), displayName)
}
