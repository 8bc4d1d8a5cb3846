package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTracker records presence calls in order. With gate set, the next
// Track call blocks until the gate closes.
type stubTracker struct {
	mu   sync.Mutex
	ops  []string
	gate chan struct{}
}

func (s *stubTracker) Track(_ context.Context, userID, _ string) error {
	s.mu.Lock()
	gate := s.gate
	s.gate = nil
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	s.ops = append(s.ops, "track:"+userID)
	s.mu.Unlock()
	return nil
}

func (s *stubTracker) Untrack(_ context.Context, userID string) error {
	s.mu.Lock()
	s.ops = append(s.ops, "untrack:"+userID)
	s.mu.Unlock()
	return nil
}

func (s *stubTracker) Heartbeat(_ context.Context, userID string) error {
	s.mu.Lock()
	s.ops = append(s.ops, "heartbeat:"+userID)
	s.mu.Unlock()
	return nil
}

func (s *stubTracker) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func TestHub_SlowPresenceDoesNotStallFanout(t *testing.T) {
	tracker := &stubTracker{gate: make(chan struct{})}
	defer close(tracker.gate)

	hub := NewHub(tracker, nil, nil)
	go hub.Run()

	client := NewClient(hub, nil, "user-1", "Alice")
	hub.register <- client

	// The registry write is still parked on the gate; fanout must not be.
	hub.SendToUser("user-1", "matchmaking_status", map[string]string{"status": "searching"})

	select {
	case msg := <-client.send:
		assert.Equal(t, "matchmaking_status", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("message fanout stalled behind a presence write")
	}
}

func TestHub_PresenceWritesKeepConnectionOrder(t *testing.T) {
	tracker := &stubTracker{}
	hub := NewHub(tracker, nil, nil)
	go hub.Run()

	first := NewClient(hub, nil, "user-1", "Alice")
	hub.register <- first
	hub.unregister <- first

	// A fast reconnect must end with the user tracked, not untracked.
	second := NewClient(hub, nil, "user-1", "Alice")
	hub.register <- second

	require.Eventually(t, func() bool {
		return len(tracker.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"track:user-1", "untrack:user-1", "track:user-1"}, tracker.snapshot())
}

func TestHub_DisconnectCallbackFires(t *testing.T) {
	tracker := &stubTracker{}

	var mu sync.Mutex
	var gone []string
	hub := NewHub(tracker, func(userID string) {
		mu.Lock()
		gone = append(gone, userID)
		mu.Unlock()
	}, nil)
	go hub.Run()

	client := NewClient(hub, nil, "user-1", "Alice")
	hub.register <- client
	hub.unregister <- client

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gone) == 1 && gone[0] == "user-1"
	}, time.Second, 5*time.Millisecond)

	// A stale unregister from a replaced connection must not fire again.
	replaced := NewClient(hub, nil, "user-2", "Bob")
	hub.register <- replaced
	newer := NewClient(hub, nil, "user-2", "Bob")
	hub.register <- newer
	hub.unregister <- replaced

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"user-1"}, gone)
}
