package presence

import (
	"context"
	"testing"
	"time"

	"github.com/armada-games/armada-backend/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRegistry(t *testing.T, ttl time.Duration) *Registry {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis is not available, skipping test")
	}
	client.FlushDB(ctx)

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return NewRegistry(client, ttl)
}

func TestRegistry_TrackAndOnline(t *testing.T) {
	registry := setupTestRegistry(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, registry.Track(ctx, "user-1", "Alice"))
	require.NoError(t, registry.Track(ctx, "user-2", "Bob"))

	online, err := registry.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"user-1": true, "user-2": true}, online)

	require.NoError(t, registry.Untrack(ctx, "user-1"))

	online, err = registry.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"user-2": true}, online)
}

func TestRegistry_RecordsExpire(t *testing.T) {
	registry := setupTestRegistry(t, time.Second)
	ctx := context.Background()

	require.NoError(t, registry.Track(ctx, "user-1", "Alice"))

	assert.Eventually(t, func() bool {
		online, err := registry.Online(ctx)
		return err == nil && len(online) == 0
	}, 3*time.Second, 100*time.Millisecond)
}

func TestRegistry_HeartbeatKeepsRecordAlive(t *testing.T) {
	registry := setupTestRegistry(t, time.Second)
	ctx := context.Background()

	require.NoError(t, registry.Track(ctx, "user-1", "Alice"))

	for i := 0; i < 4; i++ {
		time.Sleep(500 * time.Millisecond)
		require.NoError(t, registry.Heartbeat(ctx, "user-1"))
	}

	online, err := registry.Online(ctx)
	require.NoError(t, err)
	assert.True(t, online["user-1"])
}

func TestRegistry_SetStatusAndSnapshot(t *testing.T) {
	registry := setupTestRegistry(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, registry.Track(ctx, "user-1", "Alice"))
	require.NoError(t, registry.SetStatus(ctx, "user-1", models.LobbyStatusInQueue))

	records, err := registry.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "user-1", records[0].UserID)
	assert.Equal(t, "Alice", records[0].DisplayName)
	assert.Equal(t, models.LobbyStatusInQueue, records[0].Status)
	assert.False(t, records[0].ConnectedAt.IsZero())
}

func TestRegistry_UntrackMissingIsNoop(t *testing.T) {
	registry := setupTestRegistry(t, 30*time.Second)

	assert.NoError(t, registry.Untrack(context.Background(), "ghost"))
}
