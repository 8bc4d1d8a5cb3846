package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/armada-games/armada-backend/internal/matchmaking"
	"github.com/armada-games/armada-backend/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Notifier carries participant-insert events over Redis pub/sub. Pub/sub is
// fire-and-forget: subscribers that are not connected at publish time miss
// the event, which is why every consumer also polls.
type Notifier struct {
	client *redis.Client
}

func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

func participantChannel(playerID string) string {
	return fmt.Sprintf("lobby:players:%s:participants", playerID)
}

// PublishParticipantInsert announces a new games_players row to the
// affected player's channel.
func (n *Notifier) PublishParticipantInsert(ctx context.Context, event matchmaking.ParticipantEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal participant event: %w", err)
	}

	if err := n.client.Publish(ctx, participantChannel(event.PlayerID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish participant event: %w", err)
	}

	return nil
}

// SubscribeParticipants delivers the player's participant-insert events to
// fn until the subscription is closed or ctx ends. The confirmation
// round-trip makes sure the subscription is live before this returns.
func (n *Notifier) SubscribeParticipants(ctx context.Context, playerID string, fn func(matchmaking.ParticipantEvent)) (matchmaking.Subscription, error) {
	pubsub := n.client.Subscribe(ctx, participantChannel(playerID))

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &subscription{pubsub: pubsub}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event matchmaking.ParticipantEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn("Dropping malformed participant event",
						"channel", msg.Channel,
						"error", err)
					continue
				}
				fn(event)
			}
		}
	}()

	return sub, nil
}

type subscription struct {
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *subscription) Close() {
	s.once.Do(func() {
		if err := s.pubsub.Close(); err != nil {
			logger.Debug("Failed to close subscription", "error", err)
		}
	})
}
