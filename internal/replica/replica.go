// Package replica assembles one local-first notes replica: the database,
// the change log, the notification bus and, when this replica wins the
// leader election, the sync driver.
package replica

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kimhsiao/notesync/internal/blocktree"
	"github.com/kimhsiao/notesync/internal/broadcast"
	"github.com/kimhsiao/notesync/internal/changelog"
	"github.com/kimhsiao/notesync/internal/db"
	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/leader"
	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/models"
	"github.com/kimhsiao/notesync/internal/notify"
	syncpkg "github.com/kimhsiao/notesync/internal/sync"
	"github.com/kimhsiao/notesync/internal/sync/conflict"
	"github.com/kimhsiao/notesync/internal/sync/queue"
	"github.com/kimhsiao/notesync/internal/sync/repair"
	"github.com/kimhsiao/notesync/internal/sync/scheduler"
	"github.com/kimhsiao/notesync/internal/telemetry"
	"github.com/kimhsiao/notesync/internal/transport"
)

// Options configures a Replica.
type Options struct {
	DataDir string
	DBName  string

	// Dialer reaches the sync server. A replica without one never syncs.
	Dialer transport.Dialer
	// Channel connects replicas sharing the database. Defaults to an
	// in-process channel scoped by the database path.
	Channel broadcast.Channel

	Driver         syncpkg.Options
	Scheduler      *scheduler.SchedulerConfig
	NotifyDebounce time.Duration
	LeaderRetry    time.Duration
}

// Replica is the entry point for reading and writing notes.
type Replica struct {
	conn     *db.DB
	store    *db.Store
	repo     *db.Repository
	writer   *changelog.Writer
	status   *syncpkg.StatusStore
	tree     *blocktree.Index
	repairer *repair.Repairer
	bus      *notify.Bus
	ch       broadcast.Channel
	ownsCh   bool
	elector  *leader.FileElector
	driver   *syncpkg.Driver
	sched    *scheduler.Scheduler
	log      *logging.Logger

	cancel    context.CancelFunc
	unsubs    []func()
	closeOnce sync.Once
}

// Open opens or creates the database, loads the block tree and joins the
// replicas sharing the database.
func Open(ctx context.Context, opts Options) (*Replica, error) {
	conn, err := db.Open(opts.DataDir, opts.DBName)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open replica database", err)
	}
	if err := db.Migrate(conn.DB, db.Migrations()); err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "replica schema", err)
	}

	store := db.NewStore(conn.DB)
	repo := db.NewRepository(store, repair.NormalizeTitle)
	writer := changelog.NewWriter(repo, changelog.NewRecorder(store))

	r := &Replica{
		conn:     conn,
		store:    store,
		repo:     repo,
		writer:   writer,
		status:   syncpkg.NewStatusStore(store),
		tree:     blocktree.New(),
		repairer: repair.New(writer),
		ch:       opts.Channel,
		elector:  leader.NewFileElector(leader.LockPath(conn.Path), opts.LeaderRetry),
		log:      logging.With(map[string]interface{}{"component": "replica", "db": conn.Path}),
	}

	if err := r.tree.Load(ctx, repo); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := r.status.GetOrCreateSyncStatus(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	if r.ch == nil {
		r.ch = broadcast.NewMemory(conn.Path)
		r.ownsCh = true
	}
	r.bus = notify.New(r.ch, opts.NotifyDebounce)

	if opts.Dialer != nil {
		r.driver = syncpkg.NewDriver(syncpkg.Deps{
			Writer:   writer,
			Status:   r.status,
			Resolver: conflict.NewResolver(),
			Repairer: r.repairer,
			Tree:     r.tree,
			Bus:      r.bus,
			Dialer:   opts.Dialer,
		}, opts.Driver)
		r.sched = scheduler.NewScheduler(r.driver, queue.NewSyncQueue(16), opts.Scheduler)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.bus.Start(runCtx)
	r.unsubs = append(r.unsubs, r.bus.Subscribe(nil, r.onChanges))

	return r, nil
}

// onChanges keeps the block tree current with changes written by other
// replicas and wakes the driver when this replica leads.
func (r *Replica) onChanges(changes []models.Change) {
	r.tree.ApplyAll(changes)
	if r.driver != nil && r.elector.IsLeader() {
		r.driver.Trigger()
	}
}

// Run campaigns for leadership and, once elected, runs the sync driver and
// the background scheduler until ctx is cancelled. Followers wait in the
// campaign and keep serving reads and writes meanwhile.
func (r *Replica) Run(ctx context.Context) error {
	if r.driver == nil {
		<-ctx.Done()
		return nil
	}
	if err := r.elector.Campaign(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		if err := r.elector.Resign(); err != nil {
			r.log.Error("Failed to resign leadership", err)
		}
	}()
	r.log.Info("Elected sync leader")

	r.sched.Start(ctx)
	defer r.sched.Stop()

	err := r.driver.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close stops background work and closes the database.
func (r *Replica) Close() error {
	var err error
	r.closeOnce.Do(func() {
		for _, unsub := range r.unsubs {
			unsub()
		}
		r.bus.Close()
		r.cancel()
		if r.ownsCh {
			r.ch.Close()
		}
		if rerr := r.elector.Resign(); rerr != nil {
			r.log.Error("Failed to resign leadership", rerr)
		}
		err = r.conn.Close()
	})
	return err
}

// IsLeader reports whether this replica runs the sync driver.
func (r *Replica) IsLeader() bool {
	return r.elector.IsLeader()
}

// Driver returns the sync driver, nil when the replica has no server.
func (r *Replica) Driver() *syncpkg.Driver {
	return r.driver
}

// Scheduler returns the background scheduler, nil when the replica has no
// server.
func (r *Replica) Scheduler() *scheduler.Scheduler {
	return r.sched
}

// Bus returns the change notification bus.
func (r *Replica) Bus() *notify.Bus {
	return r.bus
}

// Tree returns the block tree index.
func (r *Replica) Tree() *blocktree.Index {
	return r.tree
}

// SyncNow pulls and pushes once. Only a connected leader can sync.
func (r *Replica) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if r.driver == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no sync server configured")
	}
	if !r.IsLeader() {
		return nil, apperrors.New(apperrors.ErrNotLeader, "another replica runs sync for this database")
	}
	return r.sched.SyncNow(ctx)
}

// Status summarizes the replica's sync bookkeeping.
type Status struct {
	models.SyncStatus
	Pending  int64            `json:"pending"`
	Leader   bool             `json:"leader"`
	State    syncpkg.State    `json:"state,omitempty"`
	Counters map[string]int64 `json:"counters,omitempty"`
}

// Status returns the current sync status.
func (r *Replica) Status(ctx context.Context) (Status, error) {
	st, err := r.status.GetOrCreateSyncStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	pending, err := r.writer.Recorder().PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	out := Status{SyncStatus: st, Pending: pending, Leader: r.IsLeader(), Counters: telemetry.Snapshot()}
	if r.driver != nil {
		out.State = r.driver.State()
	}
	return out, nil
}

// ConflictLogs returns the most recent resolved conflicts.
func (r *Replica) ConflictLogs(ctx context.Context, limit int) ([]models.ConflictLog, error) {
	return r.status.ConflictLogs(ctx, limit)
}
