// Package sync drives the replica side of the sync protocol: pushing the
// outbound change log and pulling, resolving and applying server batches.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/notesync/internal/sync/conflict"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync performs a full synchronization operation.
	// Returns the sync result with statistics or an error if sync fails.
	Sync(ctx context.Context) (*SyncResult, error)

	// Push sends the outbound change log.
	Push(ctx context.Context) (int, error)

	// Pull fetches and applies server changes.
	Pull(ctx context.Context) (int, error)

	// SetEventHandler sets the event handler for sync notifications.
	// The handler receives events during sync operations.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// PendingChanges returns the number of pending changes to sync.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}

// SyncEventHandler receives sync lifecycle events. Calls are made from the
// goroutine running the sync and must not block.
type SyncEventHandler interface {
	OnSyncStarted()
	OnSyncCompleted(result *SyncResult)
	OnSyncFailed(err error)
	OnConflicts(resolutions []conflict.Resolution)
}

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Pushed    int
	Pulled    int
	Conflicts int
	Repaired  int
	Error     string
}
