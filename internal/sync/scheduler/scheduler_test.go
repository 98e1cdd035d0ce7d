// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/notesync/internal/errors"
	syncpkg "github.com/kimhsiao/notesync/internal/sync"
	"github.com/kimhsiao/notesync/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine counts calls and fails the first failures calls of each kind.
type fakeEngine struct {
	mu       sync.Mutex
	syncs    int
	pushes   int
	pulls    int
	failures int
	err      error
}

func (e *fakeEngine) fail() error {
	if e.failures > 0 {
		e.failures--
		return e.err
	}
	return nil
}

func (e *fakeEngine) Sync(ctx context.Context) (*syncpkg.SyncResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncs++
	if err := e.fail(); err != nil {
		return nil, err
	}
	return &syncpkg.SyncResult{Pushed: 1, Pulled: 2}, nil
}

func (e *fakeEngine) Push(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushes++
	return 1, e.fail()
}

func (e *fakeEngine) Pull(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pulls++
	return 1, e.fail()
}

func (e *fakeEngine) SetEventHandler(syncpkg.SyncEventHandler) {}
func (e *fakeEngine) Status() syncpkg.SyncStatus { return syncpkg.SyncStatusIdle }
func (e *fakeEngine) LastSync() *time.Time { return nil }
func (e *fakeEngine) PendingChanges() int { return 0 }
func (e *fakeEngine) LastError() error { return nil }

func (e *fakeEngine) counts() (int, int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncs, e.pushes, e.pulls
}

// createTestScheduler creates a scheduler over a fake engine with short intervals.
func createTestScheduler(t *testing.T) (*fakeEngine, *queue.SyncQueue, *Scheduler) {
	t.Helper()
	q := queue.NewSyncQueue(100, queue.WithBackoff(time.Millisecond, 5*time.Millisecond))
	engine := &fakeEngine{}
	config := &SchedulerConfig{
		SyncInterval:  50 * time.Millisecond,
		QueueInterval: 10 * time.Millisecond,
	}
	return engine, q, NewScheduler(engine, q, config)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Configuration Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncInterval != time.Minute {
		t.Errorf("SyncInterval = %v, want 1m", config.SyncInterval)
	}
	if config.QueueInterval != 5*time.Second {
		t.Errorf("QueueInterval = %v, want 5s", config.QueueInterval)
	}
}

// TestNewScheduler_nilConfig verifies default config is used.
func TestNewScheduler_nilConfig(t *testing.T) {
	scheduler := NewScheduler(&fakeEngine{}, queue.NewSyncQueue(100), nil)

	if scheduler.syncInterval != time.Minute {
		t.Errorf("syncInterval = %v, want 1m (default)", scheduler.syncInterval)
	}
	if scheduler.syncTimeout != 5*time.Minute {
		t.Errorf("syncTimeout = %v, want 5m (default)", scheduler.syncTimeout)
	}
	if !scheduler.IsOnline() {
		t.Error("isOnline should be true by default")
	}
}

// =====================================================
// Start/Stop Tests
// =====================================================

// TestScheduler_StartStop verifies the scheduler lifecycle.
func TestScheduler_StartStop(t *testing.T) {
	_, _, scheduler := createTestScheduler(t)
	scheduler.SetOnlineStatus(false)

	scheduler.Start(context.Background())
	scheduler.Start(context.Background())
	if !scheduler.IsRunning() {
		t.Error("Start() should set isRunning to true")
	}

	scheduler.Stop()
	scheduler.Stop()
	if scheduler.IsRunning() {
		t.Error("Stop() should set isRunning to false")
	}
}

// TestScheduler_periodicSync verifies the engine is synced on each tick.
func TestScheduler_periodicSync(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)

	scheduler.Start(context.Background())
	defer scheduler.Stop()

	waitFor(t, func() bool {
		syncs, _, _ := engine.counts()
		return syncs >= 2
	})
	if scheduler.GetStatus().LastSyncTime == nil {
		t.Error("LastSyncTime should be set after a successful sync")
	}
}

// TestScheduler_offlineSkipsSync verifies nothing runs while offline.
func TestScheduler_offlineSkipsSync(t *testing.T) {
	engine, q, scheduler := createTestScheduler(t)
	scheduler.SetOnlineStatus(false)
	q.Enqueue(queue.OperationPush, "test")

	scheduler.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	scheduler.Stop()

	syncs, pushes, _ := engine.counts()
	if syncs != 0 || pushes != 0 {
		t.Errorf("offline scheduler ran syncs=%d pushes=%d", syncs, pushes)
	}
}

// =====================================================
// Queue Processing Tests
// =====================================================

// TestScheduler_processQueue verifies queued operations reach the engine.
func TestScheduler_processQueue(t *testing.T) {
	engine, q, scheduler := createTestScheduler(t)

	scheduler.Request(queue.OperationPull, "test")
	scheduler.Request(queue.OperationPush, "test")
	scheduler.processQueue(context.Background())

	_, pushes, pulls := engine.counts()
	if pushes != 1 || pulls != 1 {
		t.Errorf("pushes=%d pulls=%d, want 1 and 1", pushes, pulls)
	}
	if q.Size() != 0 {
		t.Errorf("queue size = %d, want 0", q.Size())
	}
}

// TestScheduler_processQueueRetries verifies failures are retried with backoff.
func TestScheduler_processQueueRetries(t *testing.T) {
	engine, q, scheduler := createTestScheduler(t)
	engine.failures = 2
	engine.err = apperrors.New(apperrors.ErrSyncDisconnected, "offline")

	scheduler.syncInterval = time.Hour
	scheduler.Request(queue.OperationPush, "test")
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	waitFor(t, func() bool { return q.Size() == 0 })
	_, pushes, _ := engine.counts()
	if pushes < 3 {
		t.Errorf("pushes = %d, want at least 3", pushes)
	}
}

// TestScheduler_failedSyncQueuesRetry verifies a retryable sync failure
// leaves a pull and a push queued.
func TestScheduler_failedSyncQueuesRetry(t *testing.T) {
	engine, q, scheduler := createTestScheduler(t)
	engine.failures = 1
	engine.err = apperrors.New(apperrors.ErrSyncTimeout, "timeout")

	scheduler.runSync(context.Background())

	stats := q.GetStats()
	if stats["pending"] != 2 {
		t.Errorf("pending = %d, want 2", stats["pending"])
	}
	if scheduler.GetStatus().LastSyncTime != nil {
		t.Error("LastSyncTime should stay unset after a failure")
	}
}

// TestScheduler_SyncNow verifies a manual sync returns the engine result.
func TestScheduler_SyncNow(t *testing.T) {
	_, _, scheduler := createTestScheduler(t)

	result, err := scheduler.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if result.Pulled != 2 {
		t.Errorf("Pulled = %d, want 2", result.Pulled)
	}
	if scheduler.GetStatus().SyncInProgress {
		t.Error("SyncInProgress should be cleared")
	}
}

// TestScheduler_TriggerSync verifies an async trigger runs a sync.
func TestScheduler_TriggerSync(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)

	if !scheduler.TriggerSync(context.Background()) {
		t.Fatal("TriggerSync should start a sync")
	}
	waitFor(t, func() bool {
		syncs, _, _ := engine.counts()
		return syncs == 1
	})
}
