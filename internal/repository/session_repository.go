package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/armada-games/armada-backend/internal/matchmaking"
	"github.com/armada-games/armada-backend/internal/models"
	"github.com/armada-games/armada-backend/pkg/database"
	"github.com/armada-games/armada-backend/pkg/logger"
)

// ParticipantNotifier publishes participant-insert events after the rows
// are committed. Publication is best-effort; the poll path covers losses.
type ParticipantNotifier interface {
	PublishParticipantInsert(ctx context.Context, event matchmaking.ParticipantEvent) error
}

// SessionRepository stores games and their games_players rows.
type SessionRepository struct {
	db       *database.DB
	notifier ParticipantNotifier
}

// NewSessionRepository creates the repository. notifier may be nil.
func NewSessionRepository(db *database.DB, notifier ParticipantNotifier) *SessionRepository {
	return &SessionRepository{db: db, notifier: notifier}
}

// CreateSession inserts the game row and both participant rows in one
// transaction. Seat 1 goes to the initiator, seat 2 to the responder, and
// the first player to act is picked at random between the two.
func (r *SessionRepository) CreateSession(ctx context.Context, initiatorID, responderID, createdBy string) (*models.Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	firstToAct := initiatorID
	if rand.Intn(2) == 1 {
		firstToAct = responderID
	}

	session := &models.Session{
		Status:      models.GameStatusSetup,
		CurrentTurn: firstToAct,
		CreatedBy:   createdBy,
	}

	gameQuery := `
		INSERT INTO games (status, current_turn, created_by)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err = tx.QueryRowContext(ctx, gameQuery, session.Status, session.CurrentTurn, session.CreatedBy).
		Scan(&session.ID, &session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}

	emptyBoard, err := json.Marshal(models.BoardState{Ships: []models.Ship{}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal board: %w", err)
	}

	participantQuery := `
		INSERT INTO games_players (game_id, player_id, player_number, board, ready)
		VALUES ($1, $2, $3, $4, false)
		RETURNING id, created_at
	`

	events := make([]matchmaking.ParticipantEvent, 0, 2)
	for i, playerID := range []string{initiatorID, responderID} {
		seat := i + 1
		var p models.SessionParticipant
		err = tx.QueryRowContext(ctx, participantQuery, session.ID, playerID, seat, emptyBoard).
			Scan(&p.ID, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to create participant: %w", err)
		}
		events = append(events, matchmaking.ParticipantEvent{
			SessionID: session.ID,
			PlayerID:  playerID,
			Seat:      seat,
			CreatedAt: p.CreatedAt,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}

	if r.notifier != nil {
		for _, event := range events {
			if err := r.notifier.PublishParticipantInsert(ctx, event); err != nil {
				logger.Warn("Failed to publish participant event",
					"game_id", event.SessionID,
					"player_id", event.PlayerID,
					"error", err)
			}
		}
	}

	return session, nil
}

// ParticipationsFor returns every participant row for the player, newest
// first.
func (r *SessionRepository) ParticipationsFor(ctx context.Context, playerID string) ([]models.SessionParticipant, error) {
	query := `
		SELECT id, game_id, player_id, player_number, board, ready, created_at
		FROM games_players
		WHERE player_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participations: %w", err)
	}
	defer rows.Close()

	var participants []models.SessionParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *p)
	}

	return participants, rows.Err()
}

// Opponent returns the other participant row of the session, or nil when
// the opponent row is not visible yet.
func (r *SessionRepository) Opponent(ctx context.Context, sessionID, playerID string) (*models.SessionParticipant, error) {
	query := `
		SELECT id, game_id, player_id, player_number, board, ready, created_at
		FROM games_players
		WHERE game_id = $1 AND player_id != $2
	`

	row := r.db.QueryRowContext(ctx, query, sessionID, playerID)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindSession returns the game row by id, or nil.
func (r *SessionRepository) FindSession(ctx context.Context, sessionID string) (*models.Session, error) {
	query := `
		SELECT id, status, current_turn, created_by, created_at
		FROM games
		WHERE id = $1
	`

	session := &models.Session{}
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID,
		&session.Status,
		&session.CurrentTurn,
		&session.CreatedBy,
		&session.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find game: %w", err)
	}

	return session, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanParticipant(row rowScanner) (*models.SessionParticipant, error) {
	var p models.SessionParticipant
	var board []byte
	err := row.Scan(
		&p.ID,
		&p.SessionID,
		&p.PlayerID,
		&p.SeatNumber,
		&board,
		&p.Ready,
		&p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}

	if len(board) > 0 {
		if err := json.Unmarshal(board, &p.Board); err != nil {
			return nil, fmt.Errorf("failed to decode board: %w", err)
		}
	}

	return &p, nil
}
