package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/armada-games/armada-backend/internal/models"
	"github.com/armada-games/armada-backend/pkg/database"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID returns the user, or nil when no such user exists.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	query := `
		SELECT id, username, email, display_name, avatar_url, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	user := &models.User{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.DisplayName,
		&user.AvatarURL,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	return user, nil
}

// DisplayName returns the user's display name, or empty when the user does
// not exist. Satisfies the matchmaking name resolver.
func (r *UserRepository) DisplayName(ctx context.Context, playerID string) (string, error) {
	query := `
		SELECT display_name
		FROM users
		WHERE id = $1
	`

	var name string
	err := r.db.QueryRowContext(ctx, query, playerID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve display name: %w", err)
	}

	return name, nil
}
