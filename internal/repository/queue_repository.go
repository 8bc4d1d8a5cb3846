package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/armada-games/armada-backend/internal/matchmaking"
	"github.com/armada-games/armada-backend/internal/models"
	"github.com/armada-games/armada-backend/pkg/database"
	"github.com/lib/pq"
)

// QueueRepository stores waiting players in matchmaking_queue. Rows are only
// inserted and deleted; a delete that matches nothing is still a success.
type QueueRepository struct {
	db *database.DB
}

func NewQueueRepository(db *database.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Enqueue registers the player as waiting. A unique-violation from a
// concurrent insert is reported as matchmaking.ErrDuplicateEntry so the
// caller can treat the existing row as its own.
func (r *QueueRepository) Enqueue(ctx context.Context, playerID string) (*models.QueueEntry, error) {
	query := `
		INSERT INTO matchmaking_queue (player_id)
		VALUES ($1)
		RETURNING id, player_id, joined_at
	`

	entry := &models.QueueEntry{}
	err := r.db.QueryRowContext(ctx, query, playerID).Scan(
		&entry.ID,
		&entry.PlayerID,
		&entry.JoinedAt,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, fmt.Errorf("enqueue player %s: %w", playerID, matchmaking.ErrDuplicateEntry)
		}
		return nil, fmt.Errorf("failed to enqueue player: %w", err)
	}

	return entry, nil
}

// RemoveByPlayer deletes every queue row owned by the player.
func (r *QueueRepository) RemoveByPlayer(ctx context.Context, playerID string) error {
	query := `
		DELETE FROM matchmaking_queue
		WHERE player_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, playerID)
	return err
}

// RemoveEntry deletes a single queue row by its id.
func (r *QueueRepository) RemoveEntry(ctx context.Context, entryID string) error {
	query := `
		DELETE FROM matchmaking_queue
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, entryID)
	return err
}

// OldestExcluding returns up to limit waiting entries owned by other
// players, longest-waiting first.
func (r *QueueRepository) OldestExcluding(ctx context.Context, playerID string, limit int) ([]models.QueueEntry, error) {
	query := `
		SELECT id, player_id, joined_at
		FROM matchmaking_queue
		WHERE player_id != $1
		ORDER BY joined_at ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var entry models.QueueEntry
		if err := rows.Scan(&entry.ID, &entry.PlayerID, &entry.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// ListAll returns every waiting entry, longest-waiting first. Used by the
// janitor sweep.
func (r *QueueRepository) ListAll(ctx context.Context) ([]models.QueueEntry, error) {
	query := `
		SELECT id, player_id, joined_at
		FROM matchmaking_queue
		ORDER BY joined_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var entry models.QueueEntry
		if err := rows.Scan(&entry.ID, &entry.PlayerID, &entry.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// RemoveExpired deletes entries older than maxAge and returns how many rows
// were removed.
func (r *QueueRepository) RemoveExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	query := `
		DELETE FROM matchmaking_queue
		WHERE joined_at < NOW() - $1::interval
	`
	result, err := r.db.ExecContext(ctx, query, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to remove expired entries: %w", err)
	}
	return result.RowsAffected()
}
