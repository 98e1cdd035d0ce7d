// Package server is the reference sync server: a single revision counter
// with optimistic concurrency over pushed change batches.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/kimhsiao/notesync/internal/changes"
	"github.com/kimhsiao/notesync/internal/db"
	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/models"
	syncpkg "github.com/kimhsiao/notesync/internal/sync"
	"github.com/kimhsiao/notesync/internal/telemetry"
	"github.com/kimhsiao/notesync/internal/transport"
	"github.com/kimhsiao/notesync/internal/uuid"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the server schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Server holds the authoritative change history.
type Server struct {
	store *db.Store
	log   *logging.Logger

	// applyMu admits one push at a time; contenders get "locked".
	applyMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	clientID string
	notify   func(transport.Envelope)
}

// New creates a Server over a migrated store.
func New(store *db.Store) *Server {
	return &Server{
		store:    store,
		log:      logging.With(map[string]interface{}{"component": "server"}),
		sessions: make(map[string]*session),
	}
}

// Open opens and migrates the server database under dataDir.
func Open(dataDir, name string) (*Server, *db.DB, error) {
	conn, err := db.Open(dataDir, name)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(conn.DB, Migrations()); err != nil {
		conn.Close()
		return nil, nil, apperrors.Wrap(apperrors.ErrMigration, "server schema", err)
	}
	return New(db.NewStore(conn.DB)), conn, nil
}

// CurrentRevision returns the latest accepted revision.
func (s *Server) CurrentRevision(ctx context.Context) (int64, error) {
	recs, err := s.store.GetRecords(ctx, db.Q("SELECT revision FROM server_state WHERE id = 1"))
	if err != nil {
		return 0, err
	}
	if len(recs) != 1 {
		return 0, fmt.Errorf("server state row missing")
	}
	return recs[0].Int64("revision"), nil
}

// =====================================================
// Protocol operations
// =====================================================

// ApplyNewChanges accepts a batch only when it was built on the current
// revision. The accepted batch is stored under the next revision.
func (s *Server) ApplyNewChanges(ctx context.Context, clientID string, req syncpkg.ApplyNewChangesRequest) (syncpkg.ApplyNewChangesResponse, error) {
	if !s.applyMu.TryLock() {
		telemetry.Inc(telemetry.ServerLocked)
		return syncpkg.ApplyNewChangesResponse{Status: syncpkg.ApplyLocked}, nil
	}
	defer s.applyMu.Unlock()

	for _, c := range req.Changes {
		if err := validate(c); err != nil {
			return syncpkg.ApplyNewChangesResponse{}, err
		}
	}

	var resp syncpkg.ApplyNewChangesResponse
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		cur, err := s.CurrentRevision(ctx)
		if err != nil {
			return err
		}
		if req.BaseRevision != cur {
			resp = syncpkg.ApplyNewChangesResponse{Status: syncpkg.ApplyStaleChanges, Revision: cur}
			return nil
		}
		if len(req.Changes) == 0 {
			resp = syncpkg.ApplyNewChangesResponse{Status: syncpkg.ApplySuccess, Revision: cur}
			return nil
		}

		next := cur + 1
		now := time.Now().UnixMilli()
		rows := make([]db.Record, len(req.Changes))
		for i, c := range req.Changes {
			c.Revision = 0
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			rows[i] = db.Record{
				"revision":   next,
				"seq":        i,
				"client_id":  clientID,
				"table_name": c.Table,
				"entity_key": c.Key,
				"change":     string(data),
				"created_at": now,
			}
		}
		if err := s.store.InsertRecords(ctx, "server_changes", rows); err != nil {
			return err
		}
		if _, err := s.store.ExecQuery(ctx, db.Q("UPDATE server_state SET revision = ? WHERE id = 1", next)); err != nil {
			return err
		}
		resp = syncpkg.ApplyNewChangesResponse{Status: syncpkg.ApplySuccess, Revision: next}
		return nil
	})
	if err != nil {
		return syncpkg.ApplyNewChangesResponse{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to store changes", err)
	}

	switch {
	case resp.Status == syncpkg.ApplyStaleChanges:
		telemetry.Inc(telemetry.ServerStale)
	case len(req.Changes) > 0:
		telemetry.Inc(telemetry.ServerApplied)
		s.log.Info("Accepted changes",
			map[string]interface{}{"client_id": clientID, "changes": len(req.Changes), "revision": resp.Revision})
	}
	return resp, nil
}

// GetChanges returns the reduced batch of everything after since.
func (s *Server) GetChanges(ctx context.Context, since int64) (syncpkg.GetChangesResponse, error) {
	telemetry.Inc(telemetry.ServerPulls)
	var resp syncpkg.GetChangesResponse
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		cur, err := s.CurrentRevision(ctx)
		if err != nil {
			return err
		}
		recs, err := s.store.GetRecords(ctx, db.Q(`SELECT change FROM server_changes
			WHERE revision > ? ORDER BY revision, seq`, since))
		if err != nil {
			return err
		}
		all := make([]models.Change, 0, len(recs))
		for _, rec := range recs {
			var c models.Change
			if err := json.Unmarshal([]byte(rec.String("change")), &c); err != nil {
				return fmt.Errorf("corrupt stored change: %w", err)
			}
			all = append(all, c)
		}
		resp = syncpkg.GetChangesResponse{Changes: changes.Reduce(all), CurrentRevision: cur}
		return nil
	})
	if err != nil {
		return syncpkg.GetChangesResponse{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to read changes", err)
	}
	return resp, nil
}

func validate(c models.Change) error {
	switch c.Type {
	case models.ChangeCreate, models.ChangeUpdate, models.ChangeDelete:
	default:
		return apperrors.New(apperrors.ErrSyncProtocol, fmt.Sprintf("invalid change type %q", c.Type))
	}
	if c.Table == "" || c.Key == "" {
		return apperrors.New(apperrors.ErrSyncProtocol, "change without table or key")
	}
	if !db.IsEntityTable(c.Table) {
		return apperrors.New(apperrors.ErrSyncProtocol, fmt.Sprintf("unknown table %q", c.Table))
	}
	return nil
}

func (s *Server) registerClient(ctx context.Context, clientID string) error {
	now := time.Now().Unix()
	_, err := s.store.ExecQuery(ctx, db.Q(`INSERT INTO server_clients (client_id, first_seen_at, last_seen_at)
		VALUES (?, ?, ?) ON CONFLICT(client_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		clientID, now, now))
	return err
}

// Clients returns the number of replicas that ever connected.
func (s *Server) Clients(ctx context.Context) (int64, error) {
	recs, err := s.store.GetRecords(ctx, db.Q("SELECT COUNT(*) AS n FROM server_clients"))
	if err != nil {
		return 0, err
	}
	return recs[0].Int64("n"), nil
}

// =====================================================
// Sessions
// =====================================================

// Attach implements transport.Handler.
func (s *Server) Attach(notify func(transport.Envelope)) string {
	id := uuid.New()
	s.mu.Lock()
	s.sessions[id] = &session{notify: notify}
	s.mu.Unlock()
	return id
}

// Detach implements transport.Handler.
func (s *Server) Detach(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) clientOf(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.clientID == "" {
		return "", false
	}
	return sess.clientID, true
}

// notifyOthers tells every other session that revision is available.
func (s *Server) notifyOthers(sessionID string, revision int64) {
	env, err := transport.NewEnvelope("", syncpkg.NotifyChangesAvailable, syncpkg.ChangesAvailable{Revision: revision})
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, sess := range s.sessions {
		if id != sessionID {
			sess.notify(env)
		}
	}
}

// Handle implements transport.Handler.
func (s *Server) Handle(ctx context.Context, sessionID string, req transport.Envelope) transport.Envelope {
	resp, err := s.handle(ctx, sessionID, req)
	if err != nil {
		s.log.Warn("Request failed",
			map[string]interface{}{"type": req.Type, "code": apperrors.CodeOf(err), "error": err.Error()})
		return transport.ErrorEnvelope(req, err)
	}
	env, err := transport.NewEnvelope(req.ID, req.Type, resp)
	if err != nil {
		return transport.ErrorEnvelope(req, err)
	}
	return env
}

func (s *Server) handle(ctx context.Context, sessionID string, req transport.Envelope) (interface{}, error) {
	if req.Type == syncpkg.CmdInit {
		var in syncpkg.InitRequest
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		if in.ClientID == "" {
			return nil, apperrors.New(apperrors.ErrSyncProtocol, "init without client id")
		}
		if err := s.registerClient(ctx, in.ClientID); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to register client", err)
		}
		s.mu.Lock()
		if sess, ok := s.sessions[sessionID]; ok {
			sess.clientID = in.ClientID
		}
		s.mu.Unlock()
		cur, err := s.CurrentRevision(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read revision", err)
		}
		s.log.Debug("Client initialized", map[string]interface{}{"client_id": in.ClientID, "revision": cur})
		return syncpkg.InitResponse{CurrentRevision: cur}, nil
	}

	clientID, ok := s.clientOf(sessionID)
	if !ok {
		return nil, apperrors.New(apperrors.ErrSyncProtocol, req.Type+" before init")
	}

	switch req.Type {
	case syncpkg.CmdApplyNewChanges:
		var in syncpkg.ApplyNewChangesRequest
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		resp, err := s.ApplyNewChanges(ctx, clientID, in)
		if err != nil {
			return nil, err
		}
		if resp.Status == syncpkg.ApplySuccess && len(in.Changes) > 0 {
			s.notifyOthers(sessionID, resp.Revision)
		}
		return resp, nil

	case syncpkg.CmdGetChanges:
		var in syncpkg.GetChangesRequest
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		return s.GetChanges(ctx, in.SinceRevision)

	default:
		return nil, apperrors.New(apperrors.ErrSyncProtocol, fmt.Sprintf("unknown command %q", req.Type))
	}
}
