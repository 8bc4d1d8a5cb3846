package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/armada-games/armada-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend implements all store interfaces in memory. Event dispatch is
// synchronous and happens outside the backend lock, like a real bus
// delivering from its own goroutine.
type fakeBackend struct {
	mu           sync.Mutex
	entries      []models.QueueEntry
	sessions     map[string]*models.Session
	participants []models.SessionParticipant
	online       map[string]bool
	names        map[string]string
	subs         map[int]subEntry
	nextSub      int
	seq          int
	dropEvents   bool
	uniqueQueue  bool
	keepOnRemove bool
	failOldest   error

	// one-shot hooks for holding OldestExcluding mid-call
	enteredOldest chan struct{}
	gateOldest    chan struct{}

	removeByPlayerCalls map[string]int
}

type subEntry struct {
	playerID string
	fn       func(ParticipantEvent)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions:            make(map[string]*models.Session),
		online:              make(map[string]bool),
		names:               make(map[string]string),
		subs:                make(map[int]subEntry),
		removeByPlayerCalls: make(map[string]int),
	}
}

func (f *fakeBackend) Enqueue(_ context.Context, playerID string) (*models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uniqueQueue {
		for _, e := range f.entries {
			if e.PlayerID == playerID {
				return nil, fmt.Errorf("insert queue entry: %w", ErrDuplicateEntry)
			}
		}
	}

	f.seq++
	entry := models.QueueEntry{
		ID:       fmt.Sprintf("q%d", f.seq),
		PlayerID: playerID,
		JoinedAt: time.Now(),
	}
	f.entries = append(f.entries, entry)
	return &entry, nil
}

func (f *fakeBackend) RemoveByPlayer(_ context.Context, playerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeByPlayerCalls[playerID]++
	if f.keepOnRemove {
		return nil
	}
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.PlayerID != playerID {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	return nil
}

func (f *fakeBackend) RemoveEntry(_ context.Context, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.ID != entryID {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	return nil
}

func (f *fakeBackend) OldestExcluding(_ context.Context, playerID string, limit int) ([]models.QueueEntry, error) {
	f.mu.Lock()
	entered := f.enteredOldest
	gate := f.gateOldest
	f.enteredOldest = nil
	f.gateOldest = nil
	f.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failOldest != nil {
		return nil, f.failOldest
	}

	var out []models.QueueEntry
	for _, e := range f.entries {
		if e.PlayerID == playerID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeBackend) CreateSession(_ context.Context, initiatorID, responderID, createdBy string) (*models.Session, error) {
	f.mu.Lock()

	f.seq++
	first := initiatorID
	if rand.Intn(2) == 1 {
		first = responderID
	}
	sess := &models.Session{
		ID:          fmt.Sprintf("s%d", f.seq),
		Status:      models.GameStatusSetup,
		CurrentTurn: first,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now(),
	}
	f.sessions[sess.ID] = sess

	events := make([]ParticipantEvent, 0, 2)
	for i, pid := range []string{initiatorID, responderID} {
		f.seq++
		p := models.SessionParticipant{
			ID:         fmt.Sprintf("p%d", f.seq),
			SessionID:  sess.ID,
			PlayerID:   pid,
			SeatNumber: i + 1,
			CreatedAt:  sess.CreatedAt,
		}
		f.participants = append(f.participants, p)
		events = append(events, ParticipantEvent{
			SessionID: p.SessionID,
			PlayerID:  p.PlayerID,
			Seat:      p.SeatNumber,
			CreatedAt: p.CreatedAt,
		})
	}
	f.mu.Unlock()

	f.dispatch(events)
	return sess, nil
}

func (f *fakeBackend) dispatch(events []ParticipantEvent) {
	f.mu.Lock()
	if f.dropEvents {
		f.mu.Unlock()
		return
	}
	type delivery struct {
		fn func(ParticipantEvent)
		ev ParticipantEvent
	}
	var deliveries []delivery
	for _, ev := range events {
		for _, s := range f.subs {
			if s.playerID == ev.PlayerID {
				deliveries = append(deliveries, delivery{s.fn, ev})
			}
		}
	}
	f.mu.Unlock()

	for _, d := range deliveries {
		d.fn(d.ev)
	}
}

func (f *fakeBackend) ParticipationsFor(_ context.Context, playerID string) ([]models.SessionParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.SessionParticipant
	for _, p := range f.participants {
		if p.PlayerID == playerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeBackend) Opponent(_ context.Context, sessionID, playerID string) (*models.SessionParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range f.participants {
		if p.SessionID == sessionID && p.PlayerID != playerID {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) Online(_ context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]bool, len(f.online))
	for k, v := range f.online {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBackend) DisplayName(_ context.Context, playerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[playerID], nil
}

type fakeSub struct {
	f  *fakeBackend
	id int
}

func (s *fakeSub) Close() {
	s.f.mu.Lock()
	delete(s.f.subs, s.id)
	s.f.mu.Unlock()
}

func (f *fakeBackend) SubscribeParticipants(_ context.Context, playerID string, fn func(ParticipantEvent)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSub++
	f.subs[f.nextSub] = subEntry{playerID: playerID, fn: fn}
	return &fakeSub{f: f, id: f.nextSub}, nil
}

// Test helpers

func (f *fakeBackend) setOnline(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = make(map[string]bool)
	for _, id := range ids {
		f.online[id] = true
	}
}

func (f *fakeBackend) addEntry(playerID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("q%d", f.seq)
	f.entries = append(f.entries, models.QueueEntry{ID: id, PlayerID: playerID, JoinedAt: time.Now()})
	return id
}

// addSessionAt inserts a session with both participant rows at the given
// creation time, dispatching insert events like a live pairing would.
func (f *fakeBackend) addSessionAt(p1, p2 string, createdAt time.Time) string {
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("s%d", f.seq)
	f.sessions[id] = &models.Session{
		ID:          id,
		Status:      models.GameStatusSetup,
		CurrentTurn: p1,
		CreatedBy:   p1,
		CreatedAt:   createdAt,
	}
	events := make([]ParticipantEvent, 0, 2)
	for i, pid := range []string{p1, p2} {
		f.seq++
		p := models.SessionParticipant{
			ID:         fmt.Sprintf("p%d", f.seq),
			SessionID:  id,
			PlayerID:   pid,
			SeatNumber: i + 1,
			CreatedAt:  createdAt,
		}
		f.participants = append(f.participants, p)
		events = append(events, ParticipantEvent{SessionID: id, PlayerID: pid, Seat: i + 1, CreatedAt: createdAt})
	}
	f.mu.Unlock()

	f.dispatch(events)
	return id
}

func (f *fakeBackend) queueSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeBackend) removeCalls(playerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeByPlayerCalls[playerID]
}

func testOptions() Options {
	return Options{
		SearchTimeout:      200 * time.Millisecond,
		TimeoutReset:       100 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
		PollJitter:         time.Millisecond,
		CandidateLimit:     10,
		StaleSessionWindow: time.Minute,
	}
}

func newTestAgent(f *fakeBackend, id, name string, opts Options) *Agent {
	return NewAgent(f, f, f, f, f, &Identity{ID: id, DisplayName: name}, opts, nil)
}

func TestAgent_InertWithoutUser(t *testing.T) {
	f := newFakeBackend()
	agent := NewAgent(f, f, f, f, f, nil, testOptions(), nil)

	require.NoError(t, agent.Start(context.Background()))
	agent.Cancel(context.Background())

	assert.Equal(t, StatusIdle, agent.Snapshot().Status)
	assert.Equal(t, 0, f.queueSize())
}

func TestAgent_RegistersWhenQueueEmpty(t *testing.T) {
	f := newFakeBackend()
	f.setOnline("alice")
	agent := newTestAgent(f, "alice", "Alice", testOptions())
	defer agent.Close()

	require.NoError(t, agent.Start(context.Background()))

	assert.Equal(t, StatusSearching, agent.Snapshot().Status)
	assert.Equal(t, 1, f.queueSize())
}

func TestAgent_ImmediatePairing_EndToEnd(t *testing.T) {
	f := newFakeBackend()
	f.names["alice"] = "Alice"
	f.names["bob"] = "Bob"
	f.setOnline("alice", "bob")

	alice := newTestAgent(f, "alice", "Alice", testOptions())
	bob := newTestAgent(f, "bob", "Bob", testOptions())
	defer alice.Close()
	defer bob.Close()

	// Alice searches first: empty queue, so she registers and waits.
	require.NoError(t, alice.Start(context.Background()))
	require.Equal(t, StatusSearching, alice.Snapshot().Status)
	require.Equal(t, 1, f.queueSize())

	// Bob's immediate pairing consumes Alice's entry and creates the
	// session; Alice hears about it on the push path.
	require.NoError(t, bob.Start(context.Background()))

	bobSnap := bob.Snapshot()
	require.Equal(t, StatusMatched, bobSnap.Status)
	assert.Equal(t, "Alice", bobSnap.OpponentName)

	require.Eventually(t, func() bool {
		return alice.Snapshot().Status == StatusMatched
	}, time.Second, 5*time.Millisecond)

	aliceSnap := alice.Snapshot()
	assert.Equal(t, bobSnap.SessionID, aliceSnap.SessionID)
	assert.Equal(t, "Bob", aliceSnap.OpponentName)

	// Both queue entries are gone.
	assert.Equal(t, 0, f.queueSize())

	// First to act is one of the two players.
	f.mu.Lock()
	sess := f.sessions[bobSnap.SessionID]
	f.mu.Unlock()
	assert.Contains(t, []string{"alice", "bob"}, sess.CurrentTurn)
}

func TestAgent_PresenceGatingBlocksOfflinePairing(t *testing.T) {
	f := newFakeBackend()
	f.addEntry("phantom") // waiting entry whose owner is gone
	f.setOnline("bob")    // warmed-up registry that does not list phantom

	bob := newTestAgent(f, "bob", "Bob", testOptions())
	defer bob.Close()

	require.NoError(t, bob.Start(context.Background()))

	snap := bob.Snapshot()
	assert.Equal(t, StatusSearching, snap.Status)
	assert.Empty(t, f.sessions)

	// The stale entry was swept; only Bob's own registration remains.
	f.mu.Lock()
	entries := append([]models.QueueEntry(nil), f.entries...)
	f.mu.Unlock()
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].PlayerID)
}

func TestAgent_ColdStartDefersPairing(t *testing.T) {
	f := newFakeBackend()
	entryID := f.addEntry("alice")
	// Registry is empty: indistinguishable from "not warmed up".

	bob := newTestAgent(f, "bob", "Bob", testOptions())
	defer bob.Close()

	require.NoError(t, bob.Start(context.Background()))

	assert.Equal(t, StatusSearching, bob.Snapshot().Status)
	assert.Empty(t, f.sessions)

	// Nothing is swept during cold start either: the entry may belong to
	// a perfectly live player the registry does not know about yet.
	f.mu.Lock()
	var ids []string
	for _, e := range f.entries {
		ids = append(ids, e.ID)
	}
	f.mu.Unlock()
	assert.Contains(t, ids, entryID)
}

func TestAgent_CancelIsIdempotent(t *testing.T) {
	f := newFakeBackend()
	f.setOnline("alice")
	agent := newTestAgent(f, "alice", "Alice", testOptions())

	require.NoError(t, agent.Start(context.Background()))
	require.Equal(t, StatusSearching, agent.Snapshot().Status)

	agent.Cancel(context.Background())
	assert.Equal(t, StatusIdle, agent.Snapshot().Status)
	assert.Equal(t, 0, f.queueSize())

	calls := f.removeCalls("alice")

	// Second cancel on an idle agent issues no further store calls.
	agent.Cancel(context.Background())
	assert.Equal(t, StatusIdle, agent.Snapshot().Status)
	assert.Equal(t, calls, f.removeCalls("alice"))
}

func TestAgent_CancelDuringStartLeavesNoQueueEntry(t *testing.T) {
	f := newFakeBackend()
	f.setOnline("alice")

	entered := make(chan struct{})
	gate := make(chan struct{})
	f.mu.Lock()
	f.enteredOldest = entered
	f.gateOldest = gate
	f.mu.Unlock()

	agent := newTestAgent(f, "alice", "Alice", testOptions())
	defer agent.Close()

	done := make(chan error, 1)
	go func() {
		done <- agent.Start(context.Background())
	}()

	// Cancel lands while the pairing attempt is suspended on the store.
	<-entered
	agent.Cancel(context.Background())
	require.Equal(t, StatusIdle, agent.Snapshot().Status)
	close(gate)

	require.NoError(t, <-done)

	// The resumed search must not register a queue entry for an agent
	// that is no longer searching.
	assert.Equal(t, StatusIdle, agent.Snapshot().Status)
	assert.Equal(t, 0, f.queueSize())
}

func TestAgent_DuplicateQueueInsertTreatedAsSuccess(t *testing.T) {
	f := newFakeBackend()
	f.uniqueQueue = true
	f.keepOnRemove = true // the pre-search delete does not land in time
	f.setOnline("alice")
	f.addEntry("alice") // leftover row from an earlier session

	agent := newTestAgent(f, "alice", "Alice", testOptions())
	defer agent.Close()

	require.NoError(t, agent.Start(context.Background()))
	assert.Equal(t, StatusSearching, agent.Snapshot().Status)
}

func TestAgent_StoreErrorSurfaces(t *testing.T) {
	f := newFakeBackend()
	f.addEntry("alice")
	f.failOldest = errors.New("connection reset")

	bob := newTestAgent(f, "bob", "Bob", testOptions())

	err := bob.Start(context.Background())
	require.Error(t, err)

	snap := bob.Snapshot()
	assert.Equal(t, StatusErrored, snap.Status)
	assert.Equal(t, "connection reset", snap.Error)

	// No automatic retry: the agent stays errored until the caller starts
	// a new search.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusErrored, bob.Snapshot().Status)

	// A new Start works once the store recovers.
	f.mu.Lock()
	f.failOldest = nil
	f.mu.Unlock()
	f.setOnline("alice", "bob")
	f.names["alice"] = "Alice"

	require.NoError(t, bob.Start(context.Background()))
	assert.Equal(t, StatusMatched, bob.Snapshot().Status)
}

func TestAgent_PollDiscoversMatchWhenPushDropped(t *testing.T) {
	f := newFakeBackend()
	f.dropEvents = true // the bus silently loses everything
	f.setOnline("alice")
	f.names["bob"] = "Bob"

	alice := newTestAgent(f, "alice", "Alice", testOptions())
	defer alice.Close()

	require.NoError(t, alice.Start(context.Background()))
	require.Equal(t, StatusSearching, alice.Snapshot().Status)

	// A peer pairs with Alice out of band; no event is delivered.
	sessionID := f.addSessionAt("bob", "alice", time.Now())

	require.Eventually(t, func() bool {
		return alice.Snapshot().Status == StatusMatched
	}, time.Second, 5*time.Millisecond)

	snap := alice.Snapshot()
	assert.Equal(t, sessionID, snap.SessionID)
	assert.Equal(t, "Bob", snap.OpponentName)
}

func TestAgent_PollActsAsWellAsReceives(t *testing.T) {
	f := newFakeBackend()
	f.dropEvents = true
	f.setOnline("alice", "bob")
	f.names["bob"] = "Bob"

	alice := newTestAgent(f, "alice", "Alice", testOptions())
	defer alice.Close()

	// Alice starts against an empty queue and waits.
	require.NoError(t, alice.Start(context.Background()))
	require.Equal(t, StatusSearching, alice.Snapshot().Status)

	// Bob joins the queue without searching actively (his own immediate
	// attempt saw an empty queue at nearly the same instant). Alice's
	// poll must consume him.
	f.addEntry("bob")

	require.Eventually(t, func() bool {
		return alice.Snapshot().Status == StatusMatched
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "Bob", alice.Snapshot().OpponentName)
	assert.Equal(t, 0, f.queueSize())
}

func TestAgent_OldSessionsNeverReported(t *testing.T) {
	f := newFakeBackend()
	f.dropEvents = true
	f.setOnline("alice")

	// Alice played before: a finished pairing predates this search.
	f.addSessionAt("alice", "carol", time.Now().Add(-time.Hour))

	opts := testOptions()
	opts.SearchTimeout = time.Minute // keep the search alive for the assertion window
	opts.StaleSessionWindow = 50 * time.Millisecond

	alice := newTestAgent(f, "alice", "Alice", opts)
	defer alice.Close()

	require.NoError(t, alice.Start(context.Background()))

	// The pre-existing membership is filtered by the snapshot, and a row
	// outside the recency window is filtered by staleness even though it
	// was not in the snapshot.
	f.addSessionAt("dave", "alice", time.Now().Add(-time.Minute))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusSearching, alice.Snapshot().Status)

	// A genuinely fresh pairing still resolves.
	fresh := f.addSessionAt("bob", "alice", time.Now())
	require.Eventually(t, func() bool {
		return alice.Snapshot().Status == StatusMatched
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, fresh, alice.Snapshot().SessionID)
}

func TestAgent_TimeoutAutoResets(t *testing.T) {
	f := newFakeBackend()
	f.setOnline("alice")

	opts := testOptions()
	opts.SearchTimeout = 50 * time.Millisecond
	opts.TimeoutReset = 50 * time.Millisecond
	opts.PollInterval = time.Hour // timeout path only

	alice := newTestAgent(f, "alice", "Alice", opts)
	defer alice.Close()

	require.NoError(t, alice.Start(context.Background()))
	require.Equal(t, StatusSearching, alice.Snapshot().Status)

	require.Eventually(t, func() bool {
		return alice.Snapshot().Status == StatusTimedOut
	}, time.Second, 5*time.Millisecond)

	// Own queue entry was cleaned up on timeout.
	assert.Equal(t, 0, f.queueSize())

	// The timed-out state returns to idle on its own.
	require.Eventually(t, func() bool {
		return alice.Snapshot().Status == StatusIdle
	}, time.Second, 5*time.Millisecond)

	// And a new search is immediately possible.
	require.NoError(t, alice.Start(context.Background()))
	assert.Equal(t, StatusSearching, alice.Snapshot().Status)
}

func TestAgent_ConcurrentSearchesNeverDoubleBook(t *testing.T) {
	f := newFakeBackend()
	players := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	f.setOnline(players...)
	for _, p := range players {
		f.names[p] = p
	}

	agents := make([]*Agent, len(players))
	for i, p := range players {
		agents[i] = newTestAgent(f, p, p, testOptions())
		defer agents[i].Close()
	}

	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			_ = a.Start(context.Background())
		}(agent)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for _, a := range agents {
			if a.Snapshot().Status == StatusSearching {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// Every created session has exactly two distinct participants, and
	// every matched agent is a participant of the session it reports.
	f.mu.Lock()
	bySession := make(map[string][]string)
	for _, p := range f.participants {
		bySession[p.SessionID] = append(bySession[p.SessionID], p.PlayerID)
	}
	f.mu.Unlock()

	for id, members := range bySession {
		require.Len(t, members, 2, "session %s", id)
		assert.NotEqual(t, members[0], members[1], "session %s", id)
	}

	for i, a := range agents {
		snap := a.Snapshot()
		if snap.Status != StatusMatched {
			continue
		}
		assert.Contains(t, bySession[snap.SessionID], players[i])
	}
}

func TestAgent_StatusChangeNotifications(t *testing.T) {
	f := newFakeBackend()
	f.setOnline("alice", "bob")
	f.names["alice"] = "Alice"
	f.addEntry("alice")

	bob := newTestAgent(f, "bob", "Bob", testOptions())
	defer bob.Close()

	var mu sync.Mutex
	var seen []Status
	bob.OnChange(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap.Status)
		mu.Unlock()
	})

	require.NoError(t, bob.Start(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusSearching, StatusMatched}, seen)
}
