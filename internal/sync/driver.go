package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/notesync/internal/blocktree"
	"github.com/kimhsiao/notesync/internal/changelog"
	"github.com/kimhsiao/notesync/internal/changes"
	"github.com/kimhsiao/notesync/internal/db"
	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/models"
	"github.com/kimhsiao/notesync/internal/sync/conflict"
	"github.com/kimhsiao/notesync/internal/sync/repair"
	"github.com/kimhsiao/notesync/internal/telemetry"
	"github.com/kimhsiao/notesync/internal/transport"
	"github.com/kimhsiao/notesync/internal/uuid"
)

// State is the connection state of a Driver.
type State string

const (
	StateDisconnected           State = "disconnected"
	StateConnecting             State = "connecting"
	StateConnectedUninitialized State = "connected_uninitialized"
	StateConnectedInitialized   State = "connected_initialized"
)

// Publisher receives the changes a pull applied, after commit.
type Publisher interface {
	Publish(changes []models.Change)
	NotifyNewPull(ctx context.Context, revision int64)
}

// Options tunes the driver.
type Options struct {
	// PushAttempts bounds stale/locked retries of one push.
	PushAttempts int
	// LockedBackoff is the wait after a locked response.
	LockedBackoff time.Duration
	// ReconnectTimeout is the first wait between connection attempts. It
	// doubles up to MaxReconnectTimeout.
	ReconnectTimeout    time.Duration
	MaxReconnectTimeout time.Duration
}

// DefaultOptions returns the default driver options.
func DefaultOptions() Options {
	return Options{
		PushAttempts:        5,
		LockedBackoff:       500 * time.Millisecond,
		ReconnectTimeout:    2 * time.Second,
		MaxReconnectTimeout: time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PushAttempts <= 0 {
		o.PushAttempts = d.PushAttempts
	}
	if o.LockedBackoff <= 0 {
		o.LockedBackoff = d.LockedBackoff
	}
	if o.ReconnectTimeout <= 0 {
		o.ReconnectTimeout = d.ReconnectTimeout
	}
	if o.MaxReconnectTimeout < o.ReconnectTimeout {
		o.MaxReconnectTimeout = o.ReconnectTimeout
	}
	return o
}

// Deps are the collaborators of a Driver. Bus may be nil.
type Deps struct {
	Writer   *changelog.Writer
	Status   *StatusStore
	Resolver *conflict.Resolver
	Repairer *repair.Repairer
	Tree     *blocktree.Index
	Bus      Publisher
	Dialer   transport.Dialer
}

var _ SyncEngineInterface = (*Driver)(nil)

// Driver runs the replica side of the sync protocol. Only the leader
// replica runs one; local writes never wait on it.
type Driver struct {
	store    *db.Store
	writer   *changelog.Writer
	rec      *changelog.Recorder
	status   *StatusStore
	resolver *conflict.Resolver
	repairer *repair.Repairer
	tree     *blocktree.Index
	bus      Publisher
	dialer   transport.Dialer
	opts     Options
	log      *logging.Logger

	// opMu serializes push, pull and pull application.
	opMu sync.Mutex

	mu         sync.RWMutex
	state      State
	conn       transport.Conn
	syncStatus SyncStatus
	lastSync   *time.Time
	lastErr    error
	handler    SyncEventHandler

	pushCh chan struct{}
}

// NewDriver creates a Driver.
func NewDriver(deps Deps, opts Options) *Driver {
	return &Driver{
		store:      deps.Writer.Repository().Store(),
		writer:     deps.Writer,
		rec:        deps.Writer.Recorder(),
		status:     deps.Status,
		resolver:   deps.Resolver,
		repairer:   deps.Repairer,
		tree:       deps.Tree,
		bus:        deps.Bus,
		dialer:     deps.Dialer,
		opts:       opts.withDefaults(),
		log:        logging.With(map[string]interface{}{"component": "sync"}),
		state:      StateDisconnected,
		syncStatus: SyncStatusIdle,
		pushCh:     make(chan struct{}, 1),
	}
}

// =====================================================
// State
// =====================================================

// State returns the connection state.
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		d.log.Debug("Sync state changed", map[string]interface{}{"from": prev, "to": s})
	}
}

func (d *Driver) setConn(conn transport.Conn, s State) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	d.setState(s)
}

func (d *Driver) currentConn() (transport.Conn, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil || d.state == StateDisconnected || d.state == StateConnecting {
		return nil, apperrors.New(apperrors.ErrSyncDisconnected, "not connected to sync server")
	}
	return d.conn, nil
}

// SetEventHandler implements SyncEngineInterface.
func (d *Driver) SetEventHandler(handler SyncEventHandler) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
}

func (d *Driver) events() SyncEventHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handler
}

// Status implements SyncEngineInterface.
func (d *Driver) Status() SyncStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.syncStatus
}

// LastSync implements SyncEngineInterface.
func (d *Driver) LastSync() *time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSync
}

// LastError implements SyncEngineInterface.
func (d *Driver) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// PendingChanges implements SyncEngineInterface.
func (d *Driver) PendingChanges() int {
	n, err := d.rec.PendingCount(context.Background())
	if err != nil {
		d.log.Error("Failed to count pending changes", err)
		return 0
	}
	return int(n)
}

// Trigger asks the connected driver to push soon. It never blocks.
func (d *Driver) Trigger() {
	select {
	case d.pushCh <- struct{}{}:
	default:
	}
}

// =====================================================
// Connection loop
// =====================================================

// Run connects, initializes and serves sessions until ctx is cancelled,
// reconnecting with exponential backoff.
func (d *Driver) Run(ctx context.Context) error {
	backoff := d.opts.ReconnectTimeout
	for {
		d.setState(StateConnecting)
		conn, err := d.dialer.Dial(ctx)
		if err == nil {
			backoff = d.opts.ReconnectTimeout
			d.session(ctx, conn)
		} else if ctx.Err() == nil {
			d.log.Warn("Sync server unreachable",
				map[string]interface{}{"error": err.Error(), "retry_in": backoff.String()})
		}
		d.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		telemetry.Inc(telemetry.Reconnects)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > d.opts.MaxReconnectTimeout {
			backoff = d.opts.MaxReconnectTimeout
		}
	}
}

func (d *Driver) session(ctx context.Context, conn transport.Conn) {
	d.setConn(conn, StateConnectedUninitialized)
	defer func() {
		conn.Close()
		d.setConn(nil, StateDisconnected)
	}()

	if err := d.initialize(ctx, conn); err != nil {
		d.log.ErrorWithCode("Sync session initialization failed", string(apperrors.CodeOf(err)), err)
		d.recordError(err)
		return
	}
	d.setState(StateConnectedInitialized)
	d.log.Info("Sync session initialized")
	d.Trigger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			d.log.Info("Sync session closed")
			return
		case env := <-conn.Notifications():
			d.handleNotification(ctx, env)
		case <-d.pushCh:
			if _, err := d.Push(ctx); err != nil && ctx.Err() == nil {
				d.log.ErrorWithCode("Push failed", string(apperrors.CodeOf(err)), err)
				d.recordError(err)
			}
		}
	}
}

// initialize identifies the replica, finishes any stored pulls and pulls
// once.
func (d *Driver) initialize(ctx context.Context, conn transport.Conn) error {
	st, err := d.status.GetOrCreateSyncStatus(ctx)
	if err != nil {
		return err
	}
	var resp InitResponse
	if err := conn.Send(ctx, CmdInit, InitRequest{ClientID: st.ClientID}, &resp); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()
	if _, err := d.applyStoredLocked(ctx); err != nil {
		return err
	}
	if resp.CurrentRevision > st.LastReceivedRemoteRevision {
		if _, err := d.pullLocked(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) handleNotification(ctx context.Context, env transport.Envelope) {
	if env.Type != NotifyChangesAvailable {
		d.log.Debug("Ignoring notification", map[string]interface{}{"type": env.Type})
		return
	}
	var n ChangesAvailable
	if err := env.Decode(&n); err != nil {
		d.log.Warn("Malformed notification", map[string]interface{}{"error": err.Error()})
		return
	}
	st, err := d.status.GetOrCreateSyncStatus(ctx)
	if err != nil || n.Revision <= st.LastReceivedRemoteRevision {
		return
	}
	if _, err := d.Pull(ctx); err != nil && ctx.Err() == nil {
		d.log.ErrorWithCode("Pull failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"revision": n.Revision})
		d.recordError(err)
	}
}

// =====================================================
// Push
// =====================================================

// Push sends the reduced outbound change log. It returns the number of
// changes the server accepted.
func (d *Driver) Push(ctx context.Context) (int, error) {
	conn, err := d.currentConn()
	if err != nil {
		return 0, err
	}
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.pushLocked(ctx, conn)
}

func (d *Driver) pushLocked(ctx context.Context, conn transport.Conn) (int, error) {
	for attempt := 1; attempt <= d.opts.PushAttempts; attempt++ {
		pending, err := d.rec.Pending(ctx)
		if err != nil {
			return 0, err
		}
		if len(pending) == 0 {
			return 0, nil
		}
		st, err := d.status.GetOrCreateSyncStatus(ctx)
		if err != nil {
			return 0, err
		}

		batch := changes.Reduce(pending)
		telemetry.Inc(telemetry.PushAttempts)

		var resp ApplyNewChangesResponse
		req := ApplyNewChangesRequest{Changes: wireChanges(batch), BaseRevision: st.LastAppliedRemoteRevision}
		if err := conn.Send(ctx, CmdApplyNewChanges, req, &resp); err != nil {
			return 0, fmt.Errorf("apply_new_changes: %w", err)
		}

		switch resp.Status {
		case ApplySuccess:
			ids := make([]string, len(pending))
			for i, c := range pending {
				ids[i] = c.ID
			}
			err := d.store.Transaction(ctx, func(ctx context.Context) error {
				if _, err := d.rec.DeleteByIDs(ctx, ids); err != nil {
					return err
				}
				return d.status.SetWatermarks(ctx, resp.Revision, resp.Revision)
			})
			if err != nil {
				return 0, fmt.Errorf("failed to settle pushed changes: %w", err)
			}
			telemetry.Inc(telemetry.PushSucceeded)
			telemetry.RecordCount(telemetry.PushedChanges, int64(len(batch)))
			d.log.Info("Pushed changes",
				map[string]interface{}{
					"changes":  len(batch),
					"records":  len(pending),
					"revision": resp.Revision,
				})
			return len(batch), nil

		case ApplyStaleChanges:
			telemetry.Inc(telemetry.PushStale)
			d.log.Debug("Push was stale, pulling first",
				map[string]interface{}{"base_revision": st.LastAppliedRemoteRevision, "attempt": attempt})
			if _, err := d.pullLocked(ctx, conn); err != nil {
				return 0, err
			}

		case ApplyLocked:
			telemetry.Inc(telemetry.PushLocked)
			if !sleep(ctx, d.opts.LockedBackoff) {
				return 0, ctx.Err()
			}

		default:
			return 0, apperrors.New(apperrors.ErrSyncProtocol, fmt.Sprintf("unexpected apply status %q", resp.Status))
		}
	}
	return 0, apperrors.New(apperrors.ErrSyncFailed,
		fmt.Sprintf("push gave up after %d attempts", d.opts.PushAttempts))
}

// =====================================================
// Pull
// =====================================================

type pullStats struct {
	applied   int
	conflicts int
	repaired  int
}

func (s *pullStats) add(o pullStats) {
	s.applied += o.applied
	s.conflicts += o.conflicts
	s.repaired += o.repaired
}

// Pull fetches changes since the last received revision, stores them and
// applies every stored pull. It returns the number of changes applied.
func (d *Driver) Pull(ctx context.Context) (int, error) {
	stats, err := d.pull(ctx)
	return stats.applied, err
}

func (d *Driver) pull(ctx context.Context) (pullStats, error) {
	conn, err := d.currentConn()
	if err != nil {
		return pullStats{}, err
	}
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.pullLocked(ctx, conn)
}

func (d *Driver) pullLocked(ctx context.Context, conn transport.Conn) (pullStats, error) {
	st, err := d.status.GetOrCreateSyncStatus(ctx)
	if err != nil {
		return pullStats{}, err
	}

	var resp GetChangesResponse
	req := GetChangesRequest{SinceRevision: st.LastReceivedRemoteRevision}
	if err := conn.Send(ctx, CmdGetChanges, req, &resp); err != nil {
		return pullStats{}, fmt.Errorf("get_changes: %w", err)
	}

	if resp.CurrentRevision > st.LastReceivedRemoteRevision {
		pull := models.ServerPull{
			ID:             uuid.New(),
			ServerRevision: resp.CurrentRevision,
			Changes:        resp.Changes,
			ReceivedAt:     time.Now().UnixMilli(),
		}
		stored, err := d.status.SaveServerPull(ctx, pull)
		if err != nil {
			return pullStats{}, err
		}
		if stored {
			telemetry.Inc(telemetry.PullsStored)
		}
	}

	return d.applyStoredLocked(ctx)
}

// applyStoredLocked applies every stored pull in server revision order. A
// pull that fails stays stored for the next attempt.
func (d *Driver) applyStoredLocked(ctx context.Context) (pullStats, error) {
	pulls, err := d.status.ServerPulls(ctx)
	if err != nil {
		return pullStats{}, err
	}
	var total pullStats
	for _, pull := range pulls {
		stats, err := d.applyPull(ctx, pull)
		if err != nil {
			return total, err
		}
		total.add(stats)
	}
	return total, nil
}

// applyPull applies one stored pull in a single transaction.
func (d *Driver) applyPull(ctx context.Context, pull models.ServerPull) (pullStats, error) {
	var (
		applied  []models.Change
		repaired []models.Change
		result   conflict.Result
		skipped  bool
	)

	err := d.store.Transaction(ctx, func(ctx context.Context) error {
		applied, repaired, skipped = nil, nil, false

		st, err := d.status.GetOrCreateSyncStatus(ctx)
		if err != nil {
			return err
		}
		if pull.ServerRevision <= st.LastAppliedRemoteRevision {
			skipped = true
			return d.status.DeleteServerPull(ctx, pull.ID)
		}

		pending, err := d.rec.Pending(ctx)
		if err != nil {
			return err
		}
		result, err = d.resolver.Resolve(pending, pull.Changes)
		if err != nil {
			return err
		}

		keys := make([]models.EntityKey, len(result.Resolutions))
		for i, r := range result.Resolutions {
			keys[i] = models.EntityKey{Table: r.Table, Key: r.Key}
		}
		if _, err := d.rec.DeleteForKeys(ctx, keys); err != nil {
			return err
		}

		for _, c := range result.NotConflictedServerChanges {
			out, ok, err := d.writer.Apply(ctx, models.RemoteWrite(), c)
			if err != nil {
				return fmt.Errorf("failed to apply %s %s/%s: %w", c.Type, c.Table, c.Key, err)
			}
			if ok {
				applied = append(applied, out)
			}
		}
		for _, c := range result.ConflictedChanges {
			out, ok, err := d.writer.Apply(ctx, models.ResolutionWrite(), c)
			if err != nil {
				return fmt.Errorf("failed to apply resolved %s %s/%s: %w", c.Type, c.Table, c.Key, err)
			}
			if ok {
				applied = append(applied, out)
			}
		}

		repaired, err = d.repairer.Run(ctx, touchedNotes(applied))
		if err != nil {
			return err
		}
		if err := d.status.InsertConflictLogs(ctx, pull.ServerRevision, result.Resolutions); err != nil {
			return err
		}
		if err := d.status.SetWatermarks(ctx, pull.ServerRevision, pull.ServerRevision); err != nil {
			return err
		}
		return d.status.DeleteServerPull(ctx, pull.ID)
	})
	if err != nil {
		d.log.ErrorWithCode("Failed to apply server pull", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"server_revision": pull.ServerRevision, "changes": len(pull.Changes)})
		return pullStats{}, fmt.Errorf("apply pull %d: %w", pull.ServerRevision, err)
	}
	if skipped {
		return pullStats{}, nil
	}

	all := append(applied, repaired...)
	if d.tree != nil {
		d.tree.ApplyAll(all)
	}
	if d.bus != nil {
		d.bus.Publish(all)
		d.bus.NotifyNewPull(ctx, pull.ServerRevision)
	}
	if h := d.events(); h != nil && len(result.Resolutions) > 0 {
		h.OnConflicts(result.Resolutions)
	}

	stats := pullStats{applied: len(applied), conflicts: len(result.Resolutions), repaired: merges(repaired)}
	telemetry.Inc(telemetry.PullsApplied)
	telemetry.RecordCount(telemetry.PulledChanges, int64(stats.applied))
	telemetry.RecordCount(telemetry.ConflictsResolved, int64(stats.conflicts))
	telemetry.RecordCount(telemetry.RepairMerges, int64(stats.repaired))
	d.log.Info("Applied server pull",
		map[string]interface{}{
			"server_revision": pull.ServerRevision,
			"applied":         stats.applied,
			"conflicts":       stats.conflicts,
			"repaired":        stats.repaired,
		})
	return stats, nil
}

// touchedNotes lists the notes whose identity a batch may have changed.
func touchedNotes(cs []models.Change) []string {
	var ids []string
	for _, c := range cs {
		if c.Table == models.TableNotes && c.Type != models.ChangeDelete {
			ids = append(ids, c.Key)
		}
	}
	return ids
}

// merges counts the notes a repair run deleted.
func merges(cs []models.Change) int {
	n := 0
	for _, c := range cs {
		if c.Table == models.TableNotes && c.Type == models.ChangeDelete {
			n++
		}
	}
	return n
}

// =====================================================
// Sync
// =====================================================

// Sync pulls then pushes.
func (d *Driver) Sync(ctx context.Context) (*SyncResult, error) {
	d.mu.Lock()
	if d.syncStatus == SyncStatusSyncing {
		d.mu.Unlock()
		return nil, fmt.Errorf("sync already in progress")
	}
	d.syncStatus = SyncStatusSyncing
	handler := d.handler
	d.mu.Unlock()

	if handler != nil {
		handler.OnSyncStarted()
	}

	result := &SyncResult{StartTime: time.Now()}
	stats, err := d.pull(ctx)
	result.Pulled = stats.applied
	result.Conflicts = stats.conflicts
	result.Repaired = stats.repaired
	if err == nil {
		result.Pushed, err = d.Push(ctx)
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	telemetry.RecordTiming("sync", result.Duration)

	d.mu.Lock()
	if err != nil {
		d.syncStatus = SyncStatusFailed
		d.lastErr = err
		result.Error = err.Error()
	} else {
		d.syncStatus = SyncStatusIdle
		d.lastErr = nil
		end := result.EndTime
		d.lastSync = &end
	}
	d.mu.Unlock()

	if err != nil {
		telemetry.Inc(telemetry.SyncFailures)
		if handler != nil {
			handler.OnSyncFailed(err)
		}
		return result, err
	}
	if handler != nil {
		handler.OnSyncCompleted(result)
	}
	return result, nil
}

func (d *Driver) recordError(err error) {
	telemetry.Inc(telemetry.SyncFailures)
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
