// Package scheduler runs background sync: a periodic full sync while online
// and a queue processor that retries failed push and pull operations.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/logging"
	syncpkg "github.com/kimhsiao/notesync/internal/sync"
	"github.com/kimhsiao/notesync/internal/sync/queue"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine          syncpkg.SyncEngineInterface
	queue           *queue.SyncQueue
	syncInterval    time.Duration
	queueInterval   time.Duration
	syncTimeout     time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	lastSyncTime    time.Time
	syncInProgress  bool
	queueInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to sync when online (default: 1 minute)
	QueueInterval time.Duration // How often to retry queued operations (default: 5 seconds)
	SyncTimeout   time.Duration // Upper bound of one sync run (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  time.Minute,
		QueueInterval: 5 * time.Second,
		SyncTimeout:   5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, q *queue.SyncQueue, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.QueueInterval <= 0 {
		config.QueueInterval = defaults.QueueInterval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaults.SyncTimeout
	}

	return &Scheduler{
		engine:        engine,
		queue:         q,
		syncInterval:  config.SyncInterval,
		queueInterval: config.QueueInterval,
		syncTimeout:   config.SyncTimeout,
		stopCh:        make(chan struct{}),
		isOnline:      true, // Assume online initially
	}
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.queueProcessorLoop(ctx)

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"sync_interval": s.syncInterval.String(), "queue_interval": s.queueInterval.String()})
}

// Stop stops the background sync scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler.
// When offline, neither periodic sync nor queued operations run.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// Request queues op for the queue processor.
func (s *Scheduler) Request(op queue.Operation, reason string) error {
	_, err := s.queue.Enqueue(op, reason)
	return err
}

// periodicSyncLoop runs periodic sync when online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}

			s.mu.RLock()
			isSyncing := s.syncInProgress
			s.mu.RUnlock()
			if isSyncing {
				logging.Debug("Sync already in progress, skipping", nil)
				continue
			}

			s.runSync(ctx)
		}
	}
}

// queueProcessorLoop drains due queue items.
func (s *Scheduler) queueProcessorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.IsOnline() {
				s.processQueue(ctx)
			}
		}
	}
}

// runSync executes a sync operation. A failed sync leaves a pull and a push
// in the queue.
func (s *Scheduler) runSync(ctx context.Context) {
	if !s.IsOnline() {
		logging.Debug("Skipping sync - scheduler is offline", nil)
		return
	}

	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		return
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Periodic sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"retryable": errors.Retryable(err)})
		if errors.Retryable(err) {
			s.queue.Enqueue(queue.OperationPull, "sync failed")
			s.queue.Enqueue(queue.OperationPush, "sync failed")
		}
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("Periodic sync completed",
		map[string]interface{}{
			"pushed":    result.Pushed,
			"pulled":    result.Pulled,
			"conflicts": result.Conflicts,
			"repaired":  result.Repaired,
		})
}

// processQueue runs every due queue item through the engine.
func (s *Scheduler) processQueue(ctx context.Context) {
	s.mu.Lock()
	if s.queueInProgress {
		s.mu.Unlock()
		return
	}
	s.queueInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.queueInProgress = false
		s.mu.Unlock()
	}()

	processed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		item := s.queue.Dequeue()
		if item == nil {
			break
		}

		if err := s.runOperation(ctx, item.Operation); err != nil {
			if qerr := s.queue.Failed(item.ID, err); qerr != nil {
				logging.Error("Queued sync operation abandoned", qerr,
					map[string]interface{}{"item_id": item.ID, "operation": item.Operation})
			}
			continue
		}
		if err := s.queue.Complete(item.ID); err != nil {
			logging.Error("Failed to complete queue item", err,
				map[string]interface{}{"item_id": item.ID})
			continue
		}
		processed++
	}

	if processed > 0 {
		logging.Info("Queue processing completed",
			map[string]interface{}{"processed": processed})
	}
}

func (s *Scheduler) runOperation(ctx context.Context, op queue.Operation) error {
	opCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	switch op {
	case queue.OperationPush:
		_, err := s.engine.Push(opCtx)
		return err
	case queue.OperationPull:
		_, err := s.engine.Pull(opCtx)
		return err
	default:
		return errors.New(errors.ErrInvalid, "unknown queue operation "+string(op))
	}
}

// TriggerSync triggers an immediate sync operation.
// Returns true if sync was started, false if sync is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	isSyncing := s.syncInProgress
	s.mu.RUnlock()

	if isSyncing {
		return false
	}

	go s.runSync(ctx)
	return true
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool
	IsOnline        bool
	LastSyncTime    *time.Time
	SyncInProgress  bool
	QueueInProgress bool
	PendingItems    int
	QueueStats      map[string]int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		SyncInProgress:  s.syncInProgress,
		QueueInProgress: s.queueInProgress,
	}

	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}

	status.PendingItems = len(s.queue.GetPending())
	status.QueueStats = s.queue.GetStats()

	return status
}

// SyncNow runs a sync and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"pushed":    result.Pushed,
			"pulled":    result.Pulled,
			"conflicts": result.Conflicts,
		})
	return result, nil
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
