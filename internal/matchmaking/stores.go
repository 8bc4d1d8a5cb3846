package matchmaking

import (
	"context"
	"errors"
	"time"

	"github.com/armada-games/armada-backend/internal/models"
)

// ErrDuplicateEntry is returned by QueueStore.Enqueue when a live entry for
// the player already exists. The Agent treats it as success: the entry
// already represents this player's intent to be matched.
var ErrDuplicateEntry = errors.New("queue entry already exists")

// QueueStore is the durable table of waiting players. Rows are inserted and
// deleted, never updated; deletes against rows the caller may not touch are
// reported as success with no effect.
type QueueStore interface {
	Enqueue(ctx context.Context, playerID string) (*models.QueueEntry, error)
	RemoveByPlayer(ctx context.Context, playerID string) error
	RemoveEntry(ctx context.Context, entryID string) error
	// OldestExcluding returns up to limit entries not owned by playerID,
	// oldest joined_at first.
	OldestExcluding(ctx context.Context, playerID string, limit int) ([]models.QueueEntry, error)
}

// SessionStore creates and reads game sessions and their participant rows.
type SessionStore interface {
	// CreateSession inserts the session row plus both participant rows.
	// Seat 1 goes to the initiator, seat 2 to the responder; first to act
	// is chosen uniformly at random between the two.
	CreateSession(ctx context.Context, initiatorID, responderID, createdBy string) (*models.Session, error)
	// ParticipationsFor returns every participant row for the player,
	// including row creation times.
	ParticipationsFor(ctx context.Context, playerID string) ([]models.SessionParticipant, error)
	// Opponent returns the other participant row of the session, or nil.
	Opponent(ctx context.Context, sessionID, playerID string) (*models.SessionParticipant, error)
}

// PresenceRegistry reports which players are currently connected. An empty
// result is ambiguous: it may mean nobody is online, or that the registry
// has not warmed up yet. Callers must never treat it as proof of emptiness.
type PresenceRegistry interface {
	Online(ctx context.Context) (map[string]bool, error)
}

// NameResolver looks up a player's display name.
type NameResolver interface {
	DisplayName(ctx context.Context, playerID string) (string, error)
}

// ParticipantEvent is a row-insert notification for games_players.
type ParticipantEvent struct {
	SessionID string    `json:"session_id"`
	PlayerID  string    `json:"player_id"`
	Seat      int       `json:"seat"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription is a handle to an active push subscription. Close is
// idempotent.
type Subscription interface {
	Close()
}

// Bus delivers participant-insert events. Delivery is best-effort; events
// may be dropped or arrive before the subscriber is ready, so consumers
// must pair it with polling.
type Bus interface {
	SubscribeParticipants(ctx context.Context, playerID string, fn func(ParticipantEvent)) (Subscription, error)
}
