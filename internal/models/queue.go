package models

import "time"

// QueueEntry is one player waiting for an opponent. Entries are only ever
// inserted and deleted, never updated in place.
type QueueEntry struct {
	ID       string    `db:"id" json:"id"`
	PlayerID string    `db:"player_id" json:"playerId"`
	JoinedAt time.Time `db:"joined_at" json:"joinedAt"`
}
