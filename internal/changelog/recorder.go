// Package changelog captures every replicated mutation as a change record
// written in the same transaction as the mutation itself.
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/notesync/internal/db"
	"github.com/kimhsiao/notesync/internal/models"
)

// Recorder owns the changes table and the local revision counter.
type Recorder struct {
	store *db.Store
}

// NewRecorder creates a Recorder over the storage primitives.
func NewRecorder(store *db.Store) *Recorder {
	return &Recorder{store: store}
}

// nextRevision increments and reads the counter in one statement.
func (r *Recorder) nextRevision(ctx context.Context) (int64, error) {
	recs, err := r.store.GetRecords(ctx, db.Q("UPDATE revision_counter SET value = value + 1 WHERE id = 1 RETURNING value"))
	if err != nil {
		return 0, fmt.Errorf("failed to stamp revision: %w", err)
	}
	if len(recs) != 1 {
		return 0, fmt.Errorf("revision counter row missing")
	}
	return recs[0].Int64("value"), nil
}

// Record stamps c with the next revision and stores it.
func (r *Recorder) Record(ctx context.Context, origin models.Origin, c models.Change) (models.Change, error) {
	err := r.store.Transaction(ctx, func(ctx context.Context) error {
		rev, err := r.nextRevision(ctx)
		if err != nil {
			return err
		}
		c.Revision = rev

		row, err := encodeRow(c, origin)
		if err != nil {
			return err
		}
		return r.store.InsertRecords(ctx, "changes", []db.Record{row})
	})
	if err != nil {
		return models.Change{}, fmt.Errorf("failed to record %s %s/%s: %w", c.Type, c.Table, c.Key, err)
	}
	return c, nil
}

// RecordCreate records the creation of obj.
func (r *Recorder) RecordCreate(ctx context.Context, wctx models.WriteContext, table, key string, obj models.Object) (models.Change, error) {
	return r.Record(ctx, wctx.Origin, models.NewCreate(table, key, obj))
}

// RecordUpdate records a partial update; obj is the resulting object.
func (r *Recorder) RecordUpdate(ctx context.Context, wctx models.WriteContext, table, key string, from, to models.Mods, obj models.Object) (models.Change, error) {
	return r.Record(ctx, wctx.Origin, models.NewUpdate(table, key, from, to, obj))
}

// RecordDelete records a deletion; obj is the object as it existed.
func (r *Recorder) RecordDelete(ctx context.Context, wctx models.WriteContext, table, key string, obj models.Object) (models.Change, error) {
	return r.Record(ctx, wctx.Origin, models.NewDelete(table, key, obj))
}

// Pending returns the outbound queue in revision order.
func (r *Recorder) Pending(ctx context.Context) ([]models.Change, error) {
	recs, err := r.store.GetRecords(ctx, db.Q(`SELECT id, revision, type, table_name, entity_key, obj, from_mods, to_mods
		FROM changes ORDER BY revision`))
	if err != nil {
		return nil, fmt.Errorf("failed to load pending changes: %w", err)
	}
	out := make([]models.Change, 0, len(recs))
	for _, rec := range recs {
		c, err := decodeRow(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// PendingCount returns the size of the outbound queue.
func (r *Recorder) PendingCount(ctx context.Context) (int64, error) {
	recs, err := r.store.GetRecords(ctx, db.Q("SELECT COUNT(*) AS n FROM changes"))
	if err != nil {
		return 0, err
	}
	return recs[0].Int64("n"), nil
}

// DeleteByIDs removes exactly the given change records.
func (r *Recorder) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	err := r.store.Transaction(ctx, func(ctx context.Context) error {
		for _, chunk := range chunks(ids, 500) {
			args := make([]interface{}, len(chunk))
			for i, id := range chunk {
				args[i] = id
			}
			n, err := r.store.ExecQuery(ctx, db.Q("DELETE FROM changes WHERE id IN ("+placeholders(len(chunk))+")", args...))
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// DeleteForKeys removes every pending change of the given entities.
func (r *Recorder) DeleteForKeys(ctx context.Context, keys []models.EntityKey) (int64, error) {
	var total int64
	err := r.store.Transaction(ctx, func(ctx context.Context) error {
		for _, k := range keys {
			n, err := r.store.ExecQuery(ctx, db.Q("DELETE FROM changes WHERE table_name = ? AND entity_key = ?", k.Table, k.Key))
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

func encodeRow(c models.Change, origin models.Origin) (db.Record, error) {
	obj, err := encodeJSON(c.Obj)
	if err != nil {
		return nil, err
	}
	from, err := encodeJSON(c.From)
	if err != nil {
		return nil, err
	}
	to, err := encodeJSON(c.To)
	if err != nil {
		return nil, err
	}
	return db.Record{
		"id":         c.ID,
		"revision":   c.Revision,
		"type":       string(c.Type),
		"table_name": c.Table,
		"entity_key": c.Key,
		"obj":        obj,
		"from_mods":  from,
		"to_mods":    to,
		"origin":     string(origin),
		"created_at": time.Now().UnixMilli(),
	}, nil
}

func encodeJSON(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case models.Object:
		if t == nil {
			return nil, nil
		}
	case models.Mods:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change payload: %w", err)
	}
	return string(data), nil
}

func decodeRow(rec db.Record) (models.Change, error) {
	c := models.Change{
		ID:       rec.String("id"),
		Revision: rec.Int64("revision"),
		Type:     models.ChangeType(rec.String("type")),
		Table:    rec.String("table_name"),
		Key:      rec.String("entity_key"),
	}
	for col, dst := range map[string]interface{}{"obj": &c.Obj, "from_mods": &c.From, "to_mods": &c.To} {
		raw := rec.String(col)
		if raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return models.Change{}, fmt.Errorf("failed to decode change %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
