package matchmaking

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/armada-games/armada-backend/internal/models"
	"go.uber.org/zap"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusSearching Status = "searching"
	StatusMatched   Status = "matched"
	StatusTimedOut  Status = "timeout"
	StatusErrored   Status = "error"
)

// Identity is the player an Agent searches on behalf of.
type Identity struct {
	ID          string
	DisplayName string
}

// Snapshot is the caller-visible search state.
type Snapshot struct {
	Status       Status `json:"status"`
	Error        string `json:"error,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	OpponentName string `json:"opponentName,omitempty"`
}

// Options are the fixed timing knobs of a search.
type Options struct {
	SearchTimeout      time.Duration
	TimeoutReset       time.Duration
	PollInterval       time.Duration
	PollJitter         time.Duration
	CandidateLimit     int
	StaleSessionWindow time.Duration
	StoreCallTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.SearchTimeout <= 0 {
		o.SearchTimeout = 30 * time.Second
	}
	if o.TimeoutReset <= 0 {
		o.TimeoutReset = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2500 * time.Millisecond
	}
	if o.PollJitter <= 0 {
		o.PollJitter = 500 * time.Millisecond
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = 10
	}
	if o.StaleSessionWindow <= 0 {
		o.StaleSessionWindow = 2 * time.Minute
	}
	if o.StoreCallTimeout <= 0 {
		o.StoreCallTimeout = 5 * time.Second
	}
	return o
}

// Agent pairs one player into a session. Two Agents on different machines
// cooperate only through the shared stores: there is no cross-process
// mutex, so every continuation re-checks that it still belongs to the
// current search before touching state (the generation counter), and both
// passive paths funnel into the single resolve step.
type Agent struct {
	queue    QueueStore
	sessions SessionStore
	presence PresenceRegistry
	bus      Bus
	names    NameResolver
	user     *Identity
	opts     Options
	logger   *zap.Logger
	onChange func(Snapshot)

	mu         sync.Mutex
	status     Status
	errMsg     string
	sessionID  string
	opponent   string
	gen        int                 // bumped on every teardown; stale continuations check it
	existing   map[string]struct{} // session memberships snapshotted at search start
	cancelWait context.CancelFunc
	sub        Subscription
	timeout    *time.Timer
	reset      *time.Timer
}

// NewAgent creates an Agent for one player. With a nil identity the Agent
// is inert: every operation is a no-op.
func NewAgent(
	queue QueueStore,
	sessions SessionStore,
	presence PresenceRegistry,
	bus Bus,
	names NameResolver,
	user *Identity,
	opts Options,
	logger *zap.Logger,
) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		queue:    queue,
		sessions: sessions,
		presence: presence,
		bus:      bus,
		names:    names,
		user:     user,
		opts:     opts.withDefaults(),
		logger:   logger,
		status:   StatusIdle,
	}
}

// OnChange registers a callback fired after every status transition, so
// the caller can mirror the state elsewhere (e.g. the presence registry).
// Must be set before the first Start.
func (a *Agent) OnChange(fn func(Snapshot)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Snapshot returns the current caller-visible state.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Agent) snapshotLocked() Snapshot {
	return Snapshot{
		Status:       a.status,
		Error:        a.errMsg,
		SessionID:    a.sessionID,
		OpponentName: a.opponent,
	}
}

// Start begins a search. Any previous search is torn down first. The
// immediate pairing attempt runs synchronously; if it finds nobody the
// Agent enqueues itself and arms the push subscription, the poll loop and
// the timeout together.
func (a *Agent) Start(ctx context.Context) error {
	if a.user == nil {
		return nil
	}

	a.mu.Lock()
	a.teardownLocked()
	gen := a.gen
	a.status = StatusSearching
	a.errMsg = ""
	a.sessionID = ""
	a.opponent = ""
	a.existing = nil
	a.mu.Unlock()
	a.notify()

	// Snapshot current memberships so a session from a previous match is
	// never mistaken for a fresh pairing.
	parts, err := a.sessions.ParticipationsFor(ctx, a.user.ID)
	if err != nil {
		return a.fail(gen, err)
	}
	existing := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		existing[p.SessionID] = struct{}{}
	}

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return nil
	}
	a.existing = existing
	a.mu.Unlock()

	// Idempotent cleanup of any stale entry for ourselves.
	if err := a.queue.RemoveByPlayer(ctx, a.user.ID); err != nil {
		return a.fail(gen, err)
	}

	matched, err := a.tryPair(ctx, gen)
	if err != nil {
		return a.fail(gen, err)
	}
	if matched {
		return nil
	}

	// A cancel may have landed while the pairing attempt was in flight; an
	// entry inserted now would outlive the search it belongs to.
	a.mu.Lock()
	if a.gen != gen || a.status != StatusSearching {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	// Nobody eligible is waiting: register ourselves and wait passively.
	if _, err := a.queue.Enqueue(ctx, a.user.ID); err != nil && !errors.Is(err, ErrDuplicateEntry) {
		return a.fail(gen, err)
	}

	a.armWait(gen)
	return nil
}

// Cancel aborts the search and returns the Agent to idle. Safe to call in
// any state; calling it on an idle Agent does nothing.
func (a *Agent) Cancel(ctx context.Context) {
	if a.user == nil {
		return
	}

	a.mu.Lock()
	if a.status == StatusIdle {
		a.mu.Unlock()
		return
	}
	a.teardownLocked()
	a.status = StatusIdle
	a.errMsg = ""
	a.sessionID = ""
	a.opponent = ""
	a.mu.Unlock()
	a.notify()

	// Best-effort: never block the transition on cleanup.
	if err := a.queue.RemoveByPlayer(ctx, a.user.ID); err != nil {
		a.logger.Debug("Queue cleanup on cancel failed",
			zap.String("playerId", a.user.ID),
			zap.Error(err))
	}
}

// Close tears the Agent down when its client disconnects. Queue cleanup is
// fire-and-forget and only issued if a search was in flight.
func (a *Agent) Close() {
	if a.user == nil {
		return
	}

	a.mu.Lock()
	wasSearching := a.status == StatusSearching
	a.teardownLocked()
	a.status = StatusIdle
	a.errMsg = ""
	a.sessionID = ""
	a.opponent = ""
	a.mu.Unlock()

	if wasSearching {
		playerID := a.user.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.opts.StoreCallTimeout)
			defer cancel()
			_ = a.queue.RemoveByPlayer(ctx, playerID)
		}()
	}
}

// tryPair runs the immediate pairing algorithm: oldest eligible waiting
// player first. Returns true if it created and resolved a session.
func (a *Agent) tryPair(ctx context.Context, gen int) (bool, error) {
	candidates, err := a.queue.OldestExcluding(ctx, a.user.ID, a.opts.CandidateLimit)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, nil
	}

	online, err := a.presence.Online(ctx)
	if err != nil {
		// Presence is advisory; without it we cannot gate, so behave as in
		// a cold start and wait for the next cycle.
		a.logger.Warn("Presence lookup failed, skipping pairing cycle", zap.Error(err))
		return false, nil
	}

	// Cold start: an empty registry (or one that does not know about us
	// yet) cannot distinguish "nobody online" from "not warmed up". Do not
	// match against players we cannot verify.
	if len(online) == 0 || !online[a.user.ID] {
		return false, nil
	}

	var chosen *models.QueueEntry
	for i := range candidates {
		c := &candidates[i]
		if online[c.PlayerID] {
			chosen = c
			break
		}
		// The entry's owner is offline: sweep it so nobody pairs with a
		// phantom. The store may refuse (not our row); then it simply
		// stays for the janitor.
		if err := a.queue.RemoveEntry(ctx, c.ID); err != nil {
			a.logger.Debug("Stale entry sweep failed",
				zap.String("entryId", c.ID),
				zap.Error(err))
		}
	}
	if chosen == nil {
		return false, nil
	}

	if err := a.queue.RemoveEntry(ctx, chosen.ID); err != nil {
		return false, err
	}

	sess, err := a.sessions.CreateSession(ctx, chosen.PlayerID, a.user.ID, a.user.ID)
	if err != nil {
		return false, err
	}

	a.logger.Info("Paired with waiting player",
		zap.String("playerId", a.user.ID),
		zap.String("opponentId", chosen.PlayerID),
		zap.String("sessionId", sess.ID))

	return a.resolve(ctx, gen, sess.ID), nil
}

// armWait arms the two redundant passive paths plus the search timeout.
// They are torn down together; whichever fires first wins.
func (a *Agent) armWait(gen int) {
	a.mu.Lock()
	if a.gen != gen || a.status != StatusSearching {
		a.mu.Unlock()
		return
	}
	waitCtx, cancel := context.WithCancel(context.Background())
	a.cancelWait = cancel
	a.timeout = time.AfterFunc(a.opts.SearchTimeout, func() { a.onTimeout(gen) })
	a.mu.Unlock()

	sub, err := a.bus.SubscribeParticipants(waitCtx, a.user.ID, func(ev ParticipantEvent) {
		a.onParticipantInsert(gen, ev)
	})
	if err != nil {
		// The bus is best-effort anyway; the poll path covers for it.
		a.logger.Warn("Push subscription unavailable, relying on polling",
			zap.String("playerId", a.user.ID),
			zap.Error(err))
	} else {
		a.mu.Lock()
		if a.gen != gen {
			a.mu.Unlock()
			sub.Close()
		} else {
			a.sub = sub
			a.mu.Unlock()
		}
	}

	go a.pollLoop(waitCtx, gen)
}

// onParticipantInsert is the push path: a participant row naming us was
// inserted, presumably by the other player's agent.
func (a *Agent) onParticipantInsert(gen int, ev ParticipantEvent) {
	a.mu.Lock()
	if a.gen != gen || a.status != StatusSearching {
		a.mu.Unlock()
		return
	}
	if _, known := a.existing[ev.SessionID]; known {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.StoreCallTimeout)
	defer cancel()
	a.resolve(ctx, gen, ev.SessionID)
}

// pollLoop is the poll path. It is both a receiver (did someone match us?)
// and an actor (can we consume a waiting opponent?); acting here closes
// the race where two agents query the queue at nearly the same instant
// and both see it empty.
func (a *Agent) pollLoop(ctx context.Context, gen int) {
	for {
		delay := a.opts.PollInterval
		if a.opts.PollJitter > 0 {
			delay += time.Duration(rand.Int63n(int64(a.opts.PollJitter)))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		callCtx, cancel := context.WithTimeout(ctx, a.opts.StoreCallTimeout)
		matched, err := a.pollOnce(callCtx, gen)
		cancel()

		if err != nil {
			a.fail(gen, err)
			return
		}
		if matched {
			return
		}
	}
}

func (a *Agent) pollOnce(ctx context.Context, gen int) (bool, error) {
	a.mu.Lock()
	if a.gen != gen || a.status != StatusSearching {
		a.mu.Unlock()
		return true, nil
	}
	a.mu.Unlock()

	// Receiver half: look for a participant row that appeared since the
	// search started. Anything older than the recency window is a leftover
	// of an abandoned game, not a match.
	parts, err := a.sessions.ParticipationsFor(ctx, a.user.ID)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	existing := a.existing
	a.mu.Unlock()

	for _, p := range parts {
		if _, known := existing[p.SessionID]; known {
			continue
		}
		if time.Since(p.CreatedAt) > a.opts.StaleSessionWindow {
			continue
		}
		if a.resolve(ctx, gen, p.SessionID) {
			return true, nil
		}
	}

	// Actor half: the same immediate-pairing attempt as at search start.
	return a.tryPair(ctx, gen)
}

// resolve is the single arbitration point for a discovered pairing. Both
// passive paths and the immediate attempt go through it; it is idempotent
// under re-entry and a no-op for stale generations.
func (a *Agent) resolve(ctx context.Context, gen int, sessionID string) bool {
	a.mu.Lock()
	if a.gen != gen || a.status != StatusSearching {
		a.mu.Unlock()
		return false
	}
	if _, known := a.existing[sessionID]; known {
		a.mu.Unlock()
		return false
	}
	a.mu.Unlock()

	opponentName := ""
	opp, err := a.sessions.Opponent(ctx, sessionID, a.user.ID)
	if err != nil {
		a.logger.Warn("Opponent lookup failed",
			zap.String("sessionId", sessionID),
			zap.Error(err))
	} else if opp != nil {
		name, err := a.names.DisplayName(ctx, opp.PlayerID)
		if err != nil {
			a.logger.Warn("Opponent name lookup failed",
				zap.String("opponentId", opp.PlayerID),
				zap.Error(err))
		} else {
			opponentName = name
		}
	}

	// Best-effort removal of our own queue entry; the match stands either
	// way.
	if err := a.queue.RemoveByPlayer(ctx, a.user.ID); err != nil {
		a.logger.Debug("Queue cleanup after match failed",
			zap.String("playerId", a.user.ID),
			zap.Error(err))
	}

	a.mu.Lock()
	if a.gen != gen || a.status != StatusSearching {
		a.mu.Unlock()
		return false
	}
	a.teardownLocked()
	a.status = StatusMatched
	a.sessionID = sessionID
	a.opponent = opponentName
	a.mu.Unlock()
	a.notify()

	a.logger.Info("Matched",
		zap.String("playerId", a.user.ID),
		zap.String("sessionId", sessionID),
		zap.String("opponent", opponentName))

	return true
}

func (a *Agent) onTimeout(gen int) {
	a.mu.Lock()
	if a.gen != gen || a.status != StatusSearching {
		a.mu.Unlock()
		return
	}
	a.teardownLocked()
	resetGen := a.gen
	a.status = StatusTimedOut
	a.reset = time.AfterFunc(a.opts.TimeoutReset, func() { a.onTimeoutReset(resetGen) })
	a.mu.Unlock()
	a.notify()

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.StoreCallTimeout)
	defer cancel()
	if err := a.queue.RemoveByPlayer(ctx, a.user.ID); err != nil {
		a.logger.Debug("Queue cleanup on timeout failed",
			zap.String("playerId", a.user.ID),
			zap.Error(err))
	}

	a.logger.Info("Search timed out", zap.String("playerId", a.user.ID))
}

// onTimeoutReset returns a timed-out Agent to idle after the grace window.
func (a *Agent) onTimeoutReset(gen int) {
	a.mu.Lock()
	if a.gen != gen || a.status != StatusTimedOut {
		a.mu.Unlock()
		return
	}
	a.status = StatusIdle
	a.mu.Unlock()
	a.notify()
}

// fail moves the Agent to errored with the raw message. There is no
// automatic retry; the caller must start a new search.
func (a *Agent) fail(gen int, err error) error {
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return nil
	}
	a.teardownLocked()
	a.status = StatusErrored
	a.errMsg = err.Error()
	a.mu.Unlock()
	a.notify()

	a.logger.Error("Matchmaking failed",
		zap.String("playerId", a.user.ID),
		zap.Error(err))

	return err
}

// teardownLocked cancels the subscription, poll loop and timers as one
// unit and invalidates every in-flight continuation. Callers hold a.mu.
func (a *Agent) teardownLocked() {
	a.gen++
	if a.cancelWait != nil {
		a.cancelWait()
		a.cancelWait = nil
	}
	if a.sub != nil {
		a.sub.Close()
		a.sub = nil
	}
	if a.timeout != nil {
		a.timeout.Stop()
		a.timeout = nil
	}
	if a.reset != nil {
		a.reset.Stop()
		a.reset = nil
	}
}

func (a *Agent) notify() {
	a.mu.Lock()
	fn := a.onChange
	snap := a.snapshotLocked()
	a.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}
