package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/armada-games/armada-backend/internal/models"
	"github.com/armada-games/armada-backend/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "presence:lobby:"

// Registry tracks connected lobby players as TTL-guarded Redis keys. A key
// that stops being refreshed expires on its own, so a crashed client drops
// out of the registry without explicit cleanup.
//
// An empty listing is ambiguous: it can mean nobody is connected, or that
// this process (or Redis) just started. Callers gate destructive decisions
// on that ambiguity.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRegistry(client *redis.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{client: client, ttl: ttl}
}

func (r *Registry) key(userID string) string {
	return keyPrefix + userID
}

// Track registers the player as connected.
func (r *Registry) Track(ctx context.Context, userID, displayName string) error {
	record := models.PresenceRecord{
		UserID:      userID,
		DisplayName: displayName,
		Status:      models.LobbyStatusIdle,
		ConnectedAt: time.Now().UTC(),
	}
	return r.write(ctx, record)
}

// Untrack removes the player's presence record immediately.
func (r *Registry) Untrack(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

// Heartbeat extends the record's TTL without touching its contents.
func (r *Registry) Heartbeat(ctx context.Context, userID string) error {
	ok, err := r.client.Expire(ctx, r.key(userID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	if !ok {
		// The key expired between refreshes; the caller still holds a
		// live connection, so re-register with what we know.
		logger.Debug("Presence record expired between heartbeats", "user_id", userID)
	}
	return nil
}

// SetStatus updates the player's lobby status, keeping the original
// connection time. A missing record is recreated.
func (r *Registry) SetStatus(ctx context.Context, userID string, status models.LobbyStatus) error {
	record, err := r.get(ctx, userID)
	if err != nil {
		return err
	}
	if record == nil {
		record = &models.PresenceRecord{
			UserID:      userID,
			ConnectedAt: time.Now().UTC(),
		}
	}
	record.Status = status
	return r.write(ctx, *record)
}

// Online returns the set of connected player IDs.
func (r *Registry) Online(ctx context.Context) (map[string]bool, error) {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return nil, err
	}

	online := make(map[string]bool, len(keys))
	for _, key := range keys {
		online[strings.TrimPrefix(key, keyPrefix)] = true
	}
	return online, nil
}

// Snapshot returns the full presence records of everyone connected.
func (r *Registry) Snapshot(ctx context.Context) ([]models.PresenceRecord, error) {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence records: %w", err)
	}

	records := make([]models.PresenceRecord, 0, len(values))
	for i, value := range values {
		payload, ok := value.(string)
		if !ok {
			continue // key expired between SCAN and MGET
		}
		var record models.PresenceRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			logger.Warn("Dropping malformed presence record", "key", keys[i], "error", err)
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

func (r *Registry) write(ctx context.Context, record models.PresenceRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}
	if err := r.client.Set(ctx, r.key(record.UserID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write presence: %w", err)
	}
	return nil
}

func (r *Registry) get(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	payload, err := r.client.Get(ctx, r.key(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	var record models.PresenceRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("failed to decode presence record: %w", err)
	}
	return &record, nil
}

func (r *Registry) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan presence keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
