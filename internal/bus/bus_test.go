package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/armada-games/armada-backend/internal/matchmaking"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis is not available, skipping test")
	}

	t.Cleanup(func() {
		client.Close()
	})

	return client
}

func TestNotifier_PublishAndReceive(t *testing.T) {
	client := setupTestRedis(t)
	notifier := NewNotifier(client)
	ctx := context.Background()

	received := make(chan matchmaking.ParticipantEvent, 1)
	sub, err := notifier.SubscribeParticipants(ctx, "player-1", func(ev matchmaking.ParticipantEvent) {
		received <- ev
	})
	require.NoError(t, err)
	defer sub.Close()

	event := matchmaking.ParticipantEvent{
		SessionID: "game-1",
		PlayerID:  "player-1",
		Seat:      2,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, notifier.PublishParticipantInsert(ctx, event))

	select {
	case got := <-received:
		assert.Equal(t, event.SessionID, got.SessionID)
		assert.Equal(t, event.PlayerID, got.PlayerID)
		assert.Equal(t, event.Seat, got.Seat)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNotifier_ChannelsAreIsolated(t *testing.T) {
	client := setupTestRedis(t)
	notifier := NewNotifier(client)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	sub, err := notifier.SubscribeParticipants(ctx, "player-a", func(ev matchmaking.ParticipantEvent) {
		mu.Lock()
		got = append(got, ev.SessionID)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	// An event for another player must not reach this subscriber.
	require.NoError(t, notifier.PublishParticipantInsert(ctx, matchmaking.ParticipantEvent{
		SessionID: "other-game",
		PlayerID:  "player-b",
	}))
	require.NoError(t, notifier.PublishParticipantInsert(ctx, matchmaking.ParticipantEvent{
		SessionID: "my-game",
		PlayerID:  "player-a",
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "my-game"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	client := setupTestRedis(t)
	notifier := NewNotifier(client)

	sub, err := notifier.SubscribeParticipants(context.Background(), "player-1", func(matchmaking.ParticipantEvent) {})
	require.NoError(t, err)

	sub.Close()
	sub.Close()
}
