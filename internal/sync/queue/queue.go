// Package queue holds sync operations that could not run yet, for example
// a push attempted while the server was unreachable, and retries them with
// exponential backoff.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/uuid"
)

// Operation represents a sync operation type.
type Operation string

const (
	OperationPush Operation = "push"
	OperationPull Operation = "pull"
)

// QueueStatus represents the status of a queued operation.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueItem represents a sync operation in the queue.
type QueueItem struct {
	ID          string
	Operation   Operation
	Reason      string
	RetryCount  int
	MaxRetries  int
	NextRetryAt time.Time
	Status      QueueStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string

	seq int64
}

// Option configures a SyncQueue.
type Option func(*SyncQueue)

// WithMaxRetries sets how many failures an item survives.
func WithMaxRetries(n int) Option {
	return func(q *SyncQueue) { q.maxRetries = n }
}

// WithBackoff sets the first retry delay and its cap.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(q *SyncQueue) {
		q.backoffBase = base
		q.maxBackoff = maxDelay
	}
}

// SyncQueue manages pending sync operations with retry logic. At most one
// live item exists per operation; enqueueing a duplicate returns it.
type SyncQueue struct {
	items       map[string]*QueueItem
	mu          sync.RWMutex
	maxSize     int
	maxRetries  int
	backoffBase time.Duration
	maxBackoff  time.Duration
	seq         int64
	now         func() time.Time
}

// NewSyncQueue creates a new SyncQueue.
func NewSyncQueue(maxSize int, opts ...Option) *SyncQueue {
	q := &SyncQueue{
		items:       make(map[string]*QueueItem),
		maxSize:     maxSize,
		maxRetries:  5,
		backoffBase: time.Second,
		maxBackoff:  time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds an operation to the queue.
func (q *SyncQueue) Enqueue(operation Operation, reason string) (*QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.Operation == operation &&
			(item.Status == QueueStatusPending || item.Status == QueueStatusInProgress) {
			copy := *item
			return &copy, nil
		}
	}

	// Check queue capacity
	if len(q.items) >= q.maxSize {
		return nil, fmt.Errorf("queue is full (max size: %d)", q.maxSize)
	}

	now := q.now()
	q.seq++
	item := &QueueItem{
		ID:          uuid.New(),
		Operation:   operation,
		Reason:      reason,
		MaxRetries:  q.maxRetries,
		NextRetryAt: now,
		Status:      QueueStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		seq:         q.seq,
	}
	q.items[item.ID] = item

	logging.Debug("Enqueued sync operation",
		map[string]interface{}{"operation": item.Operation, "id": item.ID, "reason": reason})

	copy := *item
	return &copy, nil
}

// ready returns due pending items, oldest first. Caller holds q.mu.
func (q *SyncQueue) ready(now time.Time) []*QueueItem {
	var out []*QueueItem
	for _, item := range q.items {
		if item.Status == QueueStatusPending && !item.NextRetryAt.After(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Dequeue marks the oldest due item in progress and returns it.
// Returns nil if no operations are ready.
func (q *SyncQueue) Dequeue() *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	ready := q.ready(now)
	if len(ready) == 0 {
		return nil
	}
	item := ready[0]
	item.Status = QueueStatusInProgress
	item.UpdatedAt = now

	copy := *item
	return &copy
}

// Complete marks an operation as completed and removes it from the queue.
func (q *SyncQueue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	delete(q.items, id)

	logging.Debug("Completed sync operation",
		map[string]interface{}{"operation": item.Operation, "id": id, "retries": item.RetryCount})
	return nil
}

// Failed records a failure and schedules a retry if possible.
func (q *SyncQueue) Failed(id string, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}

	now := q.now()
	item.RetryCount++
	item.LastError = err.Error()
	item.UpdatedAt = now

	if item.RetryCount >= item.MaxRetries {
		item.Status = QueueStatusFailed
		logging.Warn("Sync operation failed permanently",
			map[string]interface{}{"operation": item.Operation, "id": id, "error": err.Error()})
		return fmt.Errorf("max retries (%d) reached: %w", item.MaxRetries, err)
	}

	backoff := q.calculateBackoff(item.RetryCount)
	item.NextRetryAt = now.Add(backoff)
	item.Status = QueueStatusPending

	logging.Info("Sync operation failed, retry scheduled",
		map[string]interface{}{
			"operation":  item.Operation,
			"id":         id,
			"retry":      item.RetryCount,
			"max":        item.MaxRetries,
			"backoff_ms": backoff.Milliseconds(),
			"error":      err.Error(),
		})
	return nil
}

// calculateBackoff returns 2^retryCount * base, capped at maxBackoff.
func (q *SyncQueue) calculateBackoff(retryCount int) time.Duration {
	if retryCount > 30 {
		return q.maxBackoff
	}
	backoff := q.backoffBase * time.Duration(int64(1)<<uint(retryCount))
	if backoff > q.maxBackoff || backoff <= 0 {
		backoff = q.maxBackoff
	}
	return backoff
}

// GetPending returns copies of all due pending operations, oldest first.
func (q *SyncQueue) GetPending() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ready := q.ready(q.now())
	out := make([]*QueueItem, len(ready))
	for i, item := range ready {
		copy := *item
		out[i] = &copy
	}
	return out
}

// GetStatus returns the status of a specific item.
func (q *SyncQueue) GetStatus(id string) (*QueueItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s not found", id)
	}
	copy := *item
	return &copy, nil
}

// List returns all items in the queue.
func (q *SyncQueue) List() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	items := make([]*QueueItem, 0, len(q.items))
	for _, item := range q.items {
		copy := *item
		items = append(items, &copy)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	return items
}

// Size returns the number of items in the queue.
func (q *SyncQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Clear removes all items from the queue.
func (q *SyncQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[string]*QueueItem)
}

// Remove removes a specific item from the queue.
func (q *SyncQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return fmt.Errorf("item %s not found", id)
	}
	delete(q.items, id)
	return nil
}

// RetryAll resets all failed items to pending for retry.
func (q *SyncQueue) RetryAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	count := 0
	for _, item := range q.items {
		if item.Status == QueueStatusFailed {
			item.Status = QueueStatusPending
			item.RetryCount = 0
			item.NextRetryAt = now
			item.LastError = ""
			item.UpdatedAt = now
			count++
		}
	}
	if count > 0 {
		logging.Info("Reset failed sync operations", map[string]interface{}{"count": count})
	}
	return count
}

// GetStats returns queue statistics.
func (q *SyncQueue) GetStats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":       0,
		"pending":     0,
		"in_progress": 0,
		"failed":      0,
	}
	for _, item := range q.items {
		stats["total"]++
		switch item.Status {
		case QueueStatusPending:
			stats["pending"]++
		case QueueStatusInProgress:
			stats["in_progress"]++
		case QueueStatusFailed:
			stats["failed"]++
		}
	}
	return stats
}
