// Package leader elects the one replica per database that talks to the
// sync server. Election is an exclusive lock on a file next to the
// database; the lock is released when the holder resigns or exits.
package leader

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/logging"
)

// DefaultRetry is the lock polling interval used by Campaign.
const DefaultRetry = 500 * time.Millisecond

// Elector decides which replica leads.
type Elector interface {
	Campaign(ctx context.Context) error
	TryCampaign() (bool, error)
	Resign() error
	IsLeader() bool
}

// FileElector implements Elector with an flock(2) lock file.
type FileElector struct {
	lock  *flock.Flock
	retry time.Duration

	mu     sync.Mutex
	leader bool
}

// LockPath returns the lock file used for the database at dbPath.
func LockPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "."+filepath.Base(dbPath)+".leader")
}

// NewFileElector creates an elector on the lock file at path.
func NewFileElector(path string, retry time.Duration) *FileElector {
	if retry <= 0 {
		retry = DefaultRetry
	}
	return &FileElector{lock: flock.New(path), retry: retry}
}

// Campaign blocks until this replica holds the lock or ctx is done.
func (e *FileElector) Campaign(ctx context.Context) error {
	if e.IsLeader() {
		return nil
	}
	locked, err := e.lock.TryLockContext(ctx, e.retry)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.Wrap(apperrors.ErrInternal, "acquiring leader lock", err)
	}
	if !locked {
		return apperrors.New(apperrors.ErrNotLeader, "leader lock not acquired")
	}
	e.setLeader(true)
	return nil
}

// TryCampaign takes the lock if it is free, without waiting.
func (e *FileElector) TryCampaign() (bool, error) {
	if e.IsLeader() {
		return true, nil
	}
	locked, err := e.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquiring leader lock: %w", err)
	}
	if locked {
		e.setLeader(true)
	}
	return locked, nil
}

// Resign releases leadership. It is a no-op for followers.
func (e *FileElector) Resign() error {
	if !e.IsLeader() {
		return nil
	}
	if err := e.lock.Unlock(); err != nil {
		return fmt.Errorf("releasing leader lock: %w", err)
	}
	e.setLeader(false)
	return nil
}

// IsLeader reports whether this replica currently holds the lock.
func (e *FileElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

func (e *FileElector) setLeader(v bool) {
	e.mu.Lock()
	e.leader = v
	e.mu.Unlock()
	logging.Debug("Leadership changed", map[string]interface{}{"path": e.lock.Path(), "leader": v})
}
