// Package db provides repository operations for notesync entities.
package db

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/models"
)

// TitleKeyFunc maps a note title to its uniqueness key.
type TitleKeyFunc func(title string) string

// Repository stores entity documents as JSON next to the columns used to
// look them up. It only composes Store primitives, so every call joins
// the transaction carried by ctx.
type Repository struct {
	store    *Store
	titleKey TitleKeyFunc
}

// NewRepository creates a new Repository instance.
func NewRepository(store *Store, titleKey TitleKeyFunc) *Repository {
	return &Repository{store: store, titleKey: titleKey}
}

// Store returns the underlying storage primitives.
func (r *Repository) Store() *Store {
	return r.store
}

// IsEntityTable reports whether table holds replicated entities.
func IsEntityTable(table string) bool {
	switch table {
	case models.TableNotes, models.TableBlocks, models.TableViews:
		return true
	}
	return false
}

func checkTable(table string) error {
	if !IsEntityTable(table) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity table %q", table))
	}
	return nil
}

// =====================================================
// Generic Entity Operations
// =====================================================

// Get returns the entity document, or an ErrNotFound AppError.
func (r *Repository) Get(ctx context.Context, table, id string) (models.Object, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	recs, err := r.store.GetRecords(ctx, Q(fmt.Sprintf("SELECT data FROM %s WHERE id = ?", table), id))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", table, id))
	}
	return decodeData(recs[0])
}

// Find is Get with a missing entity reported as (nil, false, nil).
func (r *Repository) Find(ctx context.Context, table, id string) (models.Object, bool, error) {
	obj, err := r.Get(ctx, table, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

// Put inserts or replaces the entity document keyed by obj["id"].
func (r *Repository) Put(ctx context.Context, table string, obj models.Object) error {
	if err := checkTable(table); err != nil {
		return err
	}
	id, _ := obj["id"].(string)
	if id == "" {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("%s document has no id", table))
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", table, id, err)
	}

	var q Query
	switch table {
	case models.TableNotes:
		title, _ := obj[models.FieldTitle].(string)
		createdAt := models.Int64(obj["createdAt"])
		q = Q(`INSERT INTO notes (id, data, normalized_title, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data,
				normalized_title = excluded.normalized_title, created_at = excluded.created_at`,
			id, string(data), r.titleKey(title), createdAt)
	default:
		noteID, _ := obj[models.FieldNoteID].(string)
		q = Q(fmt.Sprintf(`INSERT INTO %s (id, data, note_id) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data, note_id = excluded.note_id`, table),
			id, string(data), noteID)
	}

	if _, err := r.store.ExecQuery(ctx, q); err != nil {
		return fmt.Errorf("failed to store %s %s: %w", table, id, err)
	}
	return nil
}

// Delete removes an entity and reports whether it existed.
func (r *Repository) Delete(ctx context.Context, table, id string) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, err
	}
	n, err := r.store.ExecQuery(ctx, Q(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id))
	if err != nil {
		return false, fmt.Errorf("failed to delete %s %s: %w", table, id, err)
	}
	return n > 0, nil
}

// List returns every document of a table ordered by id.
func (r *Repository) List(ctx context.Context, table string) ([]models.Object, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return r.objects(ctx, Q(fmt.Sprintf("SELECT data FROM %s ORDER BY id", table)))
}

// ListByNote returns blocks or views belonging to a note, ordered by id.
func (r *Repository) ListByNote(ctx context.Context, table, noteID string) ([]models.Object, error) {
	if table != models.TableBlocks && table != models.TableViews {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s is not note-scoped", table))
	}
	return r.objects(ctx, Q(fmt.Sprintf("SELECT data FROM %s WHERE note_id = ? ORDER BY id", table), noteID))
}

// Count returns the number of rows in an entity table.
func (r *Repository) Count(ctx context.Context, table string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	recs, err := r.store.GetRecords(ctx, Q(fmt.Sprintf("SELECT COUNT(*) AS n FROM %s", table)))
	if err != nil {
		return 0, err
	}
	return recs[0].Int64("n"), nil
}

func (r *Repository) objects(ctx context.Context, q Query) ([]models.Object, error) {
	recs, err := r.store.GetRecords(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]models.Object, 0, len(recs))
	for _, rec := range recs {
		obj, err := decodeData(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

func decodeData(rec Record) (models.Object, error) {
	var obj models.Object
	if err := json.Unmarshal([]byte(rec.String("data")), &obj); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return obj, nil
}

// =====================================================
// Note Operations
// =====================================================

// GetNote retrieves a note by ID.
func (r *Repository) GetNote(ctx context.Context, id string) (*models.Note, error) {
	obj, err := r.Get(ctx, models.TableNotes, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.Wrap(apperrors.ErrNoteNotFound, "note "+id, err)
	}
	if err != nil {
		return nil, err
	}
	var note models.Note
	if err := obj.Decode(&note); err != nil {
		return nil, err
	}
	return &note, nil
}

// ListNotes returns all notes ordered by creation time, then id.
func (r *Repository) ListNotes(ctx context.Context) ([]*models.Note, error) {
	return r.notes(ctx, Q("SELECT data FROM notes ORDER BY created_at, id"))
}

// NotesByTitle returns every note whose title maps to the same key as
// title, survivor candidates first (earliest creation, then lowest id).
func (r *Repository) NotesByTitle(ctx context.Context, title string) ([]*models.Note, error) {
	return r.notes(ctx, Q("SELECT data FROM notes WHERE normalized_title = ? ORDER BY created_at, id", r.titleKey(title)))
}

// NoteByDailyDate returns the earliest note created for a calendar date.
func (r *Repository) NoteByDailyDate(ctx context.Context, date string) (*models.Note, bool, error) {
	notes, err := r.notes(ctx, Q(`SELECT data FROM notes
		WHERE json_extract(data, '$.dailyNoteDate') = ? ORDER BY created_at, id LIMIT 1`, date))
	if err != nil || len(notes) == 0 {
		return nil, false, err
	}
	return notes[0], true, nil
}

func (r *Repository) notes(ctx context.Context, q Query) ([]*models.Note, error) {
	objs, err := r.objects(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Note, 0, len(objs))
	for _, obj := range objs {
		var note models.Note
		if err := obj.Decode(&note); err != nil {
			return nil, err
		}
		out = append(out, &note)
	}
	return out, nil
}

// =====================================================
// Block Operations
// =====================================================

// GetBlock retrieves a block by ID.
func (r *Repository) GetBlock(ctx context.Context, id string) (*models.Block, error) {
	obj, err := r.Get(ctx, models.TableBlocks, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.Wrap(apperrors.ErrBlockNotFound, "block "+id, err)
	}
	if err != nil {
		return nil, err
	}
	var block models.Block
	if err := obj.Decode(&block); err != nil {
		return nil, err
	}
	return &block, nil
}

// BlocksLinking returns the ids of blocks whose linkedNoteIds contain noteID.
func (r *Repository) BlocksLinking(ctx context.Context, noteID string) ([]string, error) {
	recs, err := r.store.GetRecords(ctx, Q(`SELECT DISTINCT b.id AS id
		FROM note_blocks b, json_each(b.data, '$.linkedNoteIds') j
		WHERE j.value = ? ORDER BY b.id`, noteID))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.String("id"))
	}
	return ids, nil
}
