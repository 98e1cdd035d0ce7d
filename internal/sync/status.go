package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/notesync/internal/db"
	"github.com/kimhsiao/notesync/internal/models"
	"github.com/kimhsiao/notesync/internal/sync/conflict"
	"github.com/kimhsiao/notesync/internal/uuid"
)

// StatusStore persists the sync bookkeeping of a replica: the status
// singleton, stored server pulls and the conflict log.
type StatusStore struct {
	store *db.Store
}

// NewStatusStore creates a StatusStore.
func NewStatusStore(store *db.Store) *StatusStore {
	return &StatusStore{store: store}
}

// GetOrCreateSyncStatus returns the status row, creating it with a fresh
// client id on first use.
func (s *StatusStore) GetOrCreateSyncStatus(ctx context.Context) (models.SyncStatus, error) {
	var st models.SyncStatus
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		recs, err := s.store.GetRecords(ctx, db.Q(`SELECT client_id, last_received_remote_revision, last_applied_remote_revision
			FROM sync_status WHERE id = 1`))
		if err != nil {
			return err
		}
		if len(recs) == 1 {
			st = models.SyncStatus{
				ClientID:                   recs[0].String("client_id"),
				LastReceivedRemoteRevision: recs[0].Int64("last_received_remote_revision"),
				LastAppliedRemoteRevision:  recs[0].Int64("last_applied_remote_revision"),
			}
			return nil
		}
		st = models.SyncStatus{ClientID: uuid.New()}
		return s.store.InsertRecords(ctx, "sync_status", []db.Record{{
			"id":                            1,
			"client_id":                     st.ClientID,
			"last_received_remote_revision": 0,
			"last_applied_remote_revision":  0,
		}})
	})
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("failed to load sync status: %w", err)
	}
	return st, nil
}

// SetWatermarks moves both remote revision watermarks.
func (s *StatusStore) SetWatermarks(ctx context.Context, received, applied int64) error {
	return s.store.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.GetOrCreateSyncStatus(ctx); err != nil {
			return err
		}
		_, err := s.store.ExecQuery(ctx, db.Q(`UPDATE sync_status
			SET last_received_remote_revision = ?, last_applied_remote_revision = ? WHERE id = 1`,
			received, applied))
		return err
	})
}

// SaveServerPull stores a pull unless one with the same server revision is
// already stored. It reports whether the pull was new.
func (s *StatusStore) SaveServerPull(ctx context.Context, pull models.ServerPull) (bool, error) {
	var inserted bool
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		n, err := s.store.ExecQuery(ctx, db.Q(`INSERT OR IGNORE INTO server_pulls (id, server_revision, received_at)
			VALUES (?, ?, ?)`, pull.ID, pull.ServerRevision, pull.ReceivedAt))
		if err != nil || n == 0 {
			return err
		}
		inserted = true

		rows := make([]db.Record, 0, len(pull.Changes))
		for i, c := range pull.Changes {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to encode pulled change: %w", err)
			}
			rows = append(rows, db.Record{"pull_id": pull.ID, "seq": i, "change": string(data)})
		}
		return s.store.InsertRecords(ctx, "server_pull_changes", rows)
	})
	if err != nil {
		return false, fmt.Errorf("failed to store server pull %d: %w", pull.ServerRevision, err)
	}
	return inserted, nil
}

// ServerPulls returns the stored pulls in server revision order.
func (s *StatusStore) ServerPulls(ctx context.Context) ([]models.ServerPull, error) {
	recs, err := s.store.GetRecords(ctx, db.Q(`SELECT id, server_revision, received_at
		FROM server_pulls ORDER BY server_revision`))
	if err != nil {
		return nil, err
	}

	pulls := make([]models.ServerPull, 0, len(recs))
	for _, rec := range recs {
		pull := models.ServerPull{
			ID:             rec.String("id"),
			ServerRevision: rec.Int64("server_revision"),
			ReceivedAt:     rec.Int64("received_at"),
		}
		rows, err := s.store.GetRecords(ctx, db.Q(`SELECT change FROM server_pull_changes
			WHERE pull_id = ? ORDER BY seq`, pull.ID))
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			var c models.Change
			if err := json.Unmarshal([]byte(row.String("change")), &c); err != nil {
				return nil, fmt.Errorf("failed to decode stored pull %d: %w", pull.ServerRevision, err)
			}
			pull.Changes = append(pull.Changes, c)
		}
		pulls = append(pulls, pull)
	}
	return pulls, nil
}

// DeleteServerPull removes an applied pull and its changes.
func (s *StatusStore) DeleteServerPull(ctx context.Context, id string) error {
	_, err := s.store.ExecQuery(ctx, db.Q("DELETE FROM server_pulls WHERE id = ?", id))
	return err
}

// InsertConflictLogs records one row per resolved key.
func (s *StatusStore) InsertConflictLogs(ctx context.Context, serverRev int64, resolutions []conflict.Resolution) error {
	if len(resolutions) == 0 {
		return nil
	}
	now := time.Now().Unix()
	rows := make([]db.Record, len(resolutions))
	for i, r := range resolutions {
		rows[i] = db.Record{
			"id":              uuid.New(),
			"table_name":      r.Table,
			"entity_key":      r.Key,
			"client_type":     string(r.ClientType),
			"server_type":     string(r.ServerType),
			"resolution":      string(r.Strategy),
			"server_revision": serverRev,
			"detected_at":     now,
		}
	}
	return s.store.InsertRecords(ctx, "conflict_log", rows)
}

// ConflictLogs returns the most recent conflict log rows, newest first.
func (s *StatusStore) ConflictLogs(ctx context.Context, limit int) ([]models.ConflictLog, error) {
	if limit <= 0 {
		limit = 50
	}
	recs, err := s.store.GetRecords(ctx, db.Q(`SELECT id, table_name, entity_key, client_type, server_type,
		resolution, server_revision, detected_at FROM conflict_log
		ORDER BY detected_at DESC, rowid DESC LIMIT ?`, limit))
	if err != nil {
		return nil, err
	}
	logs := make([]models.ConflictLog, len(recs))
	for i, rec := range recs {
		logs[i] = models.ConflictLog{
			ID:         rec.String("id"),
			TableName:  rec.String("table_name"),
			EntityKey:  rec.String("entity_key"),
			ClientType: models.ChangeType(rec.String("client_type")),
			ServerType: models.ChangeType(rec.String("server_type")),
			Resolution: rec.String("resolution"),
			ServerRev:  rec.Int64("server_revision"),
			DetectedAt: rec.Int64("detected_at"),
		}
	}
	return logs, nil
}
