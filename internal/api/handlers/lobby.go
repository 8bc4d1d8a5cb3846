package handlers

import (
	"errors"
	"net/http"

	"github.com/armada-games/armada-backend/internal/models"
	"github.com/armada-games/armada-backend/internal/service"
	"github.com/gin-gonic/gin"
)

// LobbyHandler exposes matchmaking and lobby presence over HTTP. The same
// snapshots also flow over the WebSocket push channel; these endpoints
// exist for the initial page load and for clients without a socket.
type LobbyHandler struct {
	lobbyService *service.LobbyService
}

func NewLobbyHandler(lobbyService *service.LobbyService) *LobbyHandler {
	return &LobbyHandler{lobbyService: lobbyService}
}

// StartSearch begins a search for the authenticated user. Calling it while
// a search is already running restarts the search.
func (h *LobbyHandler) StartSearch(c *gin.Context) {
	userID := c.GetString("userId")

	snapshot, err := h.lobbyService.StartSearch(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		// The agent already holds the errored state; report it with the
		// snapshot so the client renders the same thing the push channel
		// would deliver.
		c.JSON(http.StatusConflict, gin.H{
			"error":       "Matchmaking failed",
			"matchmaking": snapshot,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"matchmaking": snapshot})
}

// CancelSearch stops the user's search. Safe to call when idle.
func (h *LobbyHandler) CancelSearch(c *gin.Context) {
	userID := c.GetString("userId")

	snapshot := h.lobbyService.CancelSearch(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{"matchmaking": snapshot})
}

// SearchStatus reports the user's current matchmaking state.
func (h *LobbyHandler) SearchStatus(c *gin.Context) {
	userID := c.GetString("userId")

	c.JSON(http.StatusOK, gin.H{"matchmaking": h.lobbyService.SearchState(userID)})
}

// OnlineUsers lists everyone currently in the lobby.
func (h *LobbyHandler) OnlineUsers(c *gin.Context) {
	records, err := h.lobbyService.OnlineUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list online users"})
		return
	}

	if records == nil {
		records = []models.PresenceRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"users": records,
		"total": len(records),
	})
}
