package sync_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/notesync/internal/blocktree"
	"github.com/kimhsiao/notesync/internal/changelog"
	"github.com/kimhsiao/notesync/internal/db"
	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/models"
	"github.com/kimhsiao/notesync/internal/server"
	syncpkg "github.com/kimhsiao/notesync/internal/sync"
	"github.com/kimhsiao/notesync/internal/sync/conflict"
	"github.com/kimhsiao/notesync/internal/sync/repair"
	"github.com/kimhsiao/notesync/internal/transport"
)

type client struct {
	writer *changelog.Writer
	status *syncpkg.StatusStore
	driver *syncpkg.Driver
	bus    *recordingBus
}

// recordingBus captures what the driver publishes after each pull.
type recordingBus struct {
	mu        sync.Mutex
	published []models.Change
	pulls     []int64
}

func (b *recordingBus) Publish(changes []models.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, changes...)
}

func (b *recordingBus) NotifyNewPull(ctx context.Context, revision int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pulls = append(b.pulls, revision)
}

func (b *recordingBus) revisions() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.pulls...)
}

func newServer(t *testing.T) *server.Server {
	t.Helper()
	srv, conn, err := server.Open(t.TempDir(), "server.db")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv
}

func newClient(t *testing.T, dialer transport.Dialer, tune ...func(*syncpkg.Options)) *client {
	t.Helper()
	opts := syncpkg.Options{ReconnectTimeout: 10 * time.Millisecond, MaxReconnectTimeout: 20 * time.Millisecond}
	for _, fn := range tune {
		fn(&opts)
	}
	conn, err := db.Open(t.TempDir(), "notes.db")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(conn.DB, db.Migrations()))

	store := db.NewStore(conn.DB)
	writer := changelog.NewWriter(db.NewRepository(store, repair.NormalizeTitle), changelog.NewRecorder(store))
	status := syncpkg.NewStatusStore(store)
	bus := &recordingBus{}
	driver := syncpkg.NewDriver(syncpkg.Deps{
		Writer:   writer,
		Status:   status,
		Resolver: conflict.NewResolver(),
		Repairer: repair.New(writer),
		Tree:     blocktree.New(),
		Bus:      bus,
		Dialer:   dialer,
	}, opts)
	return &client{writer: writer, status: status, driver: driver, bus: bus}
}

// run starts the driver and waits for its session to initialize.
func (c *client) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.driver.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		return c.driver.State() == syncpkg.StateConnectedInitialized
	}, 2*time.Second, 5*time.Millisecond)
}

func (c *client) createNote(t *testing.T, id, title string) {
	t.Helper()
	_, err := c.writer.Create(context.Background(), models.LocalWrite(), models.TableNotes,
		models.Object{"id": id, "title": title, "createdAt": time.Now().UnixMilli()})
	require.NoError(t, err)
}

func (c *client) hasNote(id string) bool {
	_, ok, err := c.writer.Repository().Find(context.Background(), models.TableNotes, id)
	return err == nil && ok
}

func TestDriver_requiresConnection(t *testing.T) {
	c := newClient(t, transport.NewLoopback(newServer(t)))

	_, err := c.driver.Push(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncDisconnected), "got %v", err)
	_, err = c.driver.Pull(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncDisconnected), "got %v", err)
	assert.Equal(t, syncpkg.StateDisconnected, c.driver.State())
}

func TestDriver_pushThenNotifiedPull(t *testing.T) {
	srv := newServer(t)
	a := newClient(t, transport.NewLoopback(srv))
	b := newClient(t, transport.NewLoopback(srv))
	a.run(t)
	b.run(t)

	a.createNote(t, "n1", "first")
	a.driver.Trigger()

	assert.Eventually(t, func() bool { return b.hasNote("n1") }, 2*time.Second, 5*time.Millisecond,
		"b pulls after the server announces new changes")
	assert.Equal(t, []int64{1}, b.bus.revisions())

	st, err := a.status.GetOrCreateSyncStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.LastAppliedRemoteRevision)
	assert.Zero(t, a.driver.PendingChanges())
}

func TestDriver_catchesUpBeforePush(t *testing.T) {
	srv := newServer(t)
	a := newClient(t, transport.NewLoopback(srv))
	a.run(t)
	a.createNote(t, "n1", "first")
	_, err := a.driver.Push(context.Background())
	require.NoError(t, err)

	// b wrote offline and has never pulled.
	b := newClient(t, transport.NewLoopback(srv))
	b.createNote(t, "n2", "second")
	b.run(t)

	assert.Eventually(t, func() bool { return b.driver.PendingChanges() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, b.hasNote("n1"))

	rev, err := srv.CurrentRevision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
}

func TestDriver_storedPullAtOrBelowWatermarkIsDropped(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, transport.NewLoopback(srv))
	ctx := context.Background()

	require.NoError(t, c.status.SetWatermarks(ctx, 3, 3))
	stored, err := c.status.SaveServerPull(ctx, models.ServerPull{
		ID:             "stale",
		ServerRevision: 2,
		Changes: []models.Change{
			models.NewCreate(models.TableNotes, "ghost", models.Object{"id": "ghost", "title": "ghost"}),
		},
		ReceivedAt: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.True(t, stored)

	c.run(t)

	pulls, err := c.status.ServerPulls(ctx)
	require.NoError(t, err)
	assert.Empty(t, pulls)
	assert.False(t, c.hasNote("ghost"))
}

func TestDriver_syncResult(t *testing.T) {
	srv := newServer(t)
	a := newClient(t, transport.NewLoopback(srv))
	a.run(t)
	a.createNote(t, "n1", "one")
	a.createNote(t, "n2", "two")

	var res *syncpkg.SyncResult
	require.Eventually(t, func() bool {
		var err error
		res, err = a.driver.Sync(context.Background())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, res.Error)
	assert.Equal(t, syncpkg.SyncStatusIdle, a.driver.Status())
	assert.NotNil(t, a.driver.LastSync())
	assert.Zero(t, a.driver.PendingChanges())
}

// lockingServer answers apply_new_changes with locked while locks remain.
// A negative count keeps the lock forever.
type lockingServer struct {
	*server.Server
	locks atomic.Int32
	seen  atomic.Int32
}

func (s *lockingServer) Handle(ctx context.Context, sessionID string, req transport.Envelope) transport.Envelope {
	if req.Type == syncpkg.CmdApplyNewChanges {
		s.seen.Add(1)
		if n := s.locks.Load(); n != 0 {
			if n > 0 {
				s.locks.Add(-1)
			}
			env, err := transport.NewEnvelope(req.ID, req.Type,
				syncpkg.ApplyNewChangesResponse{Status: syncpkg.ApplyLocked})
			if err != nil {
				return transport.ErrorEnvelope(req, err)
			}
			return env
		}
	}
	return s.Server.Handle(ctx, sessionID, req)
}

func fastLocks(o *syncpkg.Options) {
	o.PushAttempts = 4
	o.LockedBackoff = time.Millisecond
}

func TestDriver_lockedPushRetries(t *testing.T) {
	srv := &lockingServer{Server: newServer(t)}
	srv.locks.Store(2)
	c := newClient(t, transport.NewLoopback(srv), fastLocks)
	c.createNote(t, "n1", "first")

	// The push after connecting meets the lock twice, then succeeds.
	c.run(t)
	require.Eventually(t, func() bool { return c.driver.PendingChanges() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), srv.seen.Load(), "two locked attempts then one accepted")
	assert.Zero(t, srv.locks.Load())
	assert.NoError(t, c.driver.LastError())
	rev, err := srv.CurrentRevision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
}

func TestDriver_lockedPushGivesUp(t *testing.T) {
	srv := &lockingServer{Server: newServer(t)}
	srv.locks.Store(-1)
	c := newClient(t, transport.NewLoopback(srv), fastLocks)
	c.createNote(t, "n1", "first")

	c.run(t)
	require.Eventually(t, func() bool { return c.driver.LastError() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, apperrors.Is(c.driver.LastError(), apperrors.ErrSyncFailed), "got %v", c.driver.LastError())

	_, err := c.driver.Push(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncFailed), "got %v", err)
	assert.True(t, apperrors.Retryable(err))
	assert.Equal(t, int32(8), srv.seen.Load(), "four attempts per push")

	assert.Equal(t, 1, c.driver.PendingChanges(), "local changes are kept for the next push")
	assert.True(t, c.hasNote("n1"))
	st, err := c.status.GetOrCreateSyncStatus(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.LastAppliedRemoteRevision)
}
