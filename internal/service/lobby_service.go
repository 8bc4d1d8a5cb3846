package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/armada-games/armada-backend/internal/bus"
	"github.com/armada-games/armada-backend/internal/matchmaking"
	"github.com/armada-games/armada-backend/internal/models"
	"github.com/armada-games/armada-backend/internal/presence"
	"github.com/armada-games/armada-backend/internal/repository"
	"go.uber.org/zap"
)

// SnapshotPusher delivers a matchmaking snapshot to a connected client.
type SnapshotPusher func(userID string, snapshot matchmaking.Snapshot)

// LobbyService owns one matchmaking agent per connected player and projects
// agent state into the presence registry and onto the push channel.
type LobbyService struct {
	queueRepo   *repository.QueueRepository
	sessionRepo *repository.SessionRepository
	userRepo    *repository.UserRepository
	registry    *presence.Registry
	notifier    *bus.Notifier
	opts        matchmaking.Options
	logger      *zap.Logger

	mu     sync.Mutex
	agents map[string]*matchmaking.Agent
	push   SnapshotPusher
}

func NewLobbyService(
	queueRepo *repository.QueueRepository,
	sessionRepo *repository.SessionRepository,
	userRepo *repository.UserRepository,
	registry *presence.Registry,
	notifier *bus.Notifier,
	opts matchmaking.Options,
	logger *zap.Logger,
) *LobbyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LobbyService{
		queueRepo:   queueRepo,
		sessionRepo: sessionRepo,
		userRepo:    userRepo,
		registry:    registry,
		notifier:    notifier,
		opts:        opts,
		logger:      logger,
		agents:      make(map[string]*matchmaking.Agent),
	}
}

// SetPusher wires the push delivery channel. Called once during startup,
// before any client connects.
func (s *LobbyService) SetPusher(push SnapshotPusher) {
	s.mu.Lock()
	s.push = push
	s.mu.Unlock()
}

// StartSearch begins (or restarts) the player's search and returns the
// resulting snapshot. The returned error is already reflected in the
// snapshot's errored state.
func (s *LobbyService) StartSearch(ctx context.Context, userID string) (matchmaking.Snapshot, error) {
	agent, err := s.agentFor(ctx, userID)
	if err != nil {
		return matchmaking.Snapshot{Status: matchmaking.StatusErrored, Error: err.Error()}, err
	}

	if err := agent.Start(ctx); err != nil {
		return agent.Snapshot(), err
	}
	return agent.Snapshot(), nil
}

// CancelSearch stops the player's search. Safe to call at any time,
// including when no search is running.
func (s *LobbyService) CancelSearch(ctx context.Context, userID string) matchmaking.Snapshot {
	s.mu.Lock()
	agent := s.agents[userID]
	s.mu.Unlock()

	if agent == nil {
		return matchmaking.Snapshot{Status: matchmaking.StatusIdle}
	}

	agent.Cancel(ctx)
	return agent.Snapshot()
}

// SearchState reports the player's current matchmaking snapshot.
func (s *LobbyService) SearchState(userID string) matchmaking.Snapshot {
	s.mu.Lock()
	agent := s.agents[userID]
	s.mu.Unlock()

	if agent == nil {
		return matchmaking.Snapshot{Status: matchmaking.StatusIdle}
	}
	return agent.Snapshot()
}

// HandleDisconnect tears down the player's agent when their last connection
// closes. An active search is abandoned and its queue entry cleaned up.
func (s *LobbyService) HandleDisconnect(userID string) {
	s.mu.Lock()
	agent := s.agents[userID]
	delete(s.agents, userID)
	s.mu.Unlock()

	if agent != nil {
		agent.Close()
	}
}

// OnlineUsers returns the presence records of everyone in the lobby.
func (s *LobbyService) OnlineUsers(ctx context.Context) ([]models.PresenceRecord, error) {
	return s.registry.Snapshot(ctx)
}

func (s *LobbyService) agentFor(ctx context.Context, userID string) (*matchmaking.Agent, error) {
	s.mu.Lock()
	if agent, ok := s.agents[userID]; ok {
		s.mu.Unlock()
		return agent, nil
	}
	s.mu.Unlock()

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if agent, ok := s.agents[userID]; ok {
		return agent, nil
	}

	agent := matchmaking.NewAgent(
		s.queueRepo,
		s.sessionRepo,
		s.registry,
		s.notifier,
		s.userRepo,
		&matchmaking.Identity{ID: user.ID, DisplayName: user.DisplayName},
		s.opts,
		s.logger,
	)
	agent.OnChange(func(snapshot matchmaking.Snapshot) {
		s.onSnapshot(userID, snapshot)
	})
	s.agents[userID] = agent
	return agent, nil
}

// onSnapshot fans an agent state change out to the push channel and keeps
// the presence status in sync with what the agent is doing.
func (s *LobbyService) onSnapshot(userID string, snapshot matchmaking.Snapshot) {
	s.mu.Lock()
	push := s.push
	s.mu.Unlock()

	if push != nil {
		push(userID, snapshot)
	}

	var status models.LobbyStatus
	switch snapshot.Status {
	case matchmaking.StatusSearching:
		status = models.LobbyStatusInQueue
	case matchmaking.StatusMatched:
		status = models.LobbyStatusInGame
	default:
		status = models.LobbyStatusIdle
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.SetStatus(ctx, userID, status); err != nil {
		s.logger.Debug("Failed to project status into presence",
			zap.String("userId", userID),
			zap.Error(err))
	}
}
