package models

import "time"

type LobbyStatus string

const (
	LobbyStatusIdle         LobbyStatus = "idle"
	LobbyStatusInQueue      LobbyStatus = "in_queue"
	LobbyStatusHostingTable LobbyStatus = "hosting_table"
	LobbyStatusInGame       LobbyStatus = "in_game"
)

// PresenceRecord is the ephemeral per-connection record kept in the
// Presence Registry. It disappears when the client disconnects.
type PresenceRecord struct {
	UserID      string      `json:"user_id"`
	DisplayName string      `json:"display_name"`
	Status      LobbyStatus `json:"status"`
	ConnectedAt time.Time   `json:"connected_at"`
}
