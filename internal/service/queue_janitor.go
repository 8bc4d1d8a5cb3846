package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/armada-games/armada-backend/internal/presence"
	"github.com/armada-games/armada-backend/internal/repository"
	"github.com/armada-games/armada-backend/pkg/distributed"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const janitorLockKey = "lobby:janitor:lock"

// QueueJanitor periodically removes queue entries whose owners are no
// longer online, plus entries old enough to be unambiguous garbage. A
// Redis lock keeps one instance sweeping at a time; agents pair
// independently of the lock.
type QueueJanitor struct {
	queueRepo   *repository.QueueRepository
	registry    *presence.Registry
	lockManager *distributed.RedisLockManager
	interval    time.Duration
	queueExpiry time.Duration
	instanceID  string
	logger      *zap.Logger
	stopChan    chan struct{}
	wg          sync.WaitGroup
	running     bool
	mu          sync.Mutex
}

func NewQueueJanitor(
	queueRepo *repository.QueueRepository,
	registry *presence.Registry,
	lockManager *distributed.RedisLockManager,
	interval time.Duration,
	queueExpiry time.Duration,
	logger *zap.Logger,
) *QueueJanitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueJanitor{
		queueRepo:   queueRepo,
		registry:    registry,
		lockManager: lockManager,
		interval:    interval,
		queueExpiry: queueExpiry,
		instanceID:  uuid.New().String(),
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

func (j *QueueJanitor) Start() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.mu.Unlock()

	j.logger.Info("Starting QueueJanitor", zap.Duration("interval", j.interval))

	j.wg.Add(1)
	go j.sweepLoop()
}

func (j *QueueJanitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	j.mu.Unlock()

	j.logger.Info("Stopping QueueJanitor")
	close(j.stopChan)
	j.wg.Wait()
	j.logger.Info("QueueJanitor stopped")
}

func (j *QueueJanitor) sweepLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopChan:
			return
		}
	}
}

func (j *QueueJanitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lock, err := j.lockManager.AcquireLock(ctx, janitorLockKey, j.instanceID, j.interval)
	if err != nil {
		if !errors.Is(err, distributed.ErrLockNotAcquired) {
			j.logger.Warn("Failed to acquire janitor lock", zap.Error(err))
		}
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, distributed.ErrLockNotHeld) {
			j.logger.Debug("Failed to release janitor lock", zap.Error(err))
		}
	}()

	removed, err := j.queueRepo.RemoveExpired(ctx, j.queueExpiry)
	if err != nil {
		j.logger.Error("Failed to remove expired queue entries", zap.Error(err))
	} else if removed > 0 {
		j.logger.Info("Removed expired queue entries", zap.Int64("count", removed))
	}

	online, err := j.registry.Online(ctx)
	if err != nil {
		j.logger.Warn("Presence lookup failed, skipping offline sweep", zap.Error(err))
		return
	}
	// An empty registry is indistinguishable from a registry that has not
	// warmed up yet. Sweeping on it would evict live players.
	if len(online) == 0 {
		return
	}

	entries, err := j.queueRepo.ListAll(ctx)
	if err != nil {
		j.logger.Error("Failed to list queue entries", zap.Error(err))
		return
	}

	var swept int
	for _, entry := range entries {
		if online[entry.PlayerID] {
			continue
		}
		if err := j.queueRepo.RemoveEntry(ctx, entry.ID); err != nil {
			j.logger.Debug("Failed to sweep queue entry",
				zap.String("entryId", entry.ID),
				zap.Error(err))
			continue
		}
		swept++
	}

	if swept > 0 {
		j.logger.Info("Swept offline queue entries", zap.Int("count", swept))
	}
}
