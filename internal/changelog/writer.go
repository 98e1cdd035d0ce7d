package changelog

import (
	"context"
	"fmt"

	"github.com/kimhsiao/notesync/internal/changes"
	"github.com/kimhsiao/notesync/internal/db"
	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/models"
	"github.com/kimhsiao/notesync/internal/uuid"
)

// Writer performs entity mutations and, when the write context asks for
// it, records the matching change in the same transaction.
type Writer struct {
	repo *db.Repository
	rec  *Recorder
}

// NewWriter creates a Writer.
func NewWriter(repo *db.Repository, rec *Recorder) *Writer {
	return &Writer{repo: repo, rec: rec}
}

// Repository returns the entity repository the writer mutates.
func (w *Writer) Repository() *db.Repository {
	return w.repo
}

// Recorder returns the change recorder.
func (w *Writer) Recorder() *Recorder {
	return w.rec
}

func (w *Writer) tx(ctx context.Context, fn func(ctx context.Context) error) error {
	return w.repo.Store().Transaction(ctx, fn)
}

// Create stores a new entity. obj must carry its id.
func (w *Writer) Create(ctx context.Context, wctx models.WriteContext, table string, obj models.Object) (models.Change, error) {
	key, _ := obj["id"].(string)
	if key == "" {
		return models.Change{}, apperrors.New(apperrors.ErrValidation, "create: object has no id")
	}
	return w.apply(ctx, wctx, models.NewCreate(table, key, obj))
}

// Update writes the given field mods onto an existing entity.
func (w *Writer) Update(ctx context.Context, wctx models.WriteContext, table, key string, to models.Mods) (models.Change, error) {
	return w.apply(ctx, wctx, models.NewUpdate(table, key, nil, to, nil))
}

// Delete removes an existing entity.
func (w *Writer) Delete(ctx context.Context, wctx models.WriteContext, table, key string) (models.Change, error) {
	return w.apply(ctx, wctx, models.NewDelete(table, key, nil))
}

// Apply writes an incoming change. It is idempotent: a Create upserts, an
// Update of a missing entity and a Delete of a missing entity are skipped.
// The returned bool reports whether storage changed.
func (w *Writer) Apply(ctx context.Context, wctx models.WriteContext, c models.Change) (models.Change, bool, error) {
	applied, err := w.apply(ctx, wctx, c)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return models.Change{}, false, nil
	}
	if err != nil {
		return models.Change{}, false, err
	}
	return applied, true, nil
}

// apply mutates storage and returns the change as it took effect, with
// Obj filled in. Missing entities on Update/Delete yield ErrNotFound.
func (w *Writer) apply(ctx context.Context, wctx models.WriteContext, c models.Change) (models.Change, error) {
	var out models.Change
	err := w.tx(ctx, func(ctx context.Context) error {
		var err error
		switch c.Type {
		case models.ChangeCreate:
			out, err = w.applyCreate(ctx, c)
		case models.ChangeUpdate:
			out, err = w.applyUpdate(ctx, c)
		case models.ChangeDelete:
			out, err = w.applyDelete(ctx, c)
		default:
			err = apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown change type %q", c.Type))
		}
		if err != nil {
			return err
		}
		if wctx.ShouldRecordChange {
			if wctx.Origin != models.OriginLocal {
				// Re-recorded remote changes get their own identity.
				out.ID = uuid.NewChangeID()
			}
			out, err = w.rec.Record(ctx, wctx.Origin, out)
		}
		return err
	})
	if err != nil {
		return models.Change{}, err
	}
	return out, nil
}

func (w *Writer) applyCreate(ctx context.Context, c models.Change) (models.Change, error) {
	obj := c.Obj.Clone()
	if obj == nil {
		obj = models.Object{}
	}
	obj["id"] = c.Key
	if err := w.repo.Put(ctx, c.Table, obj); err != nil {
		return models.Change{}, err
	}
	out := c.Clone()
	out.Obj = obj
	return out, nil
}

func (w *Writer) applyUpdate(ctx context.Context, c models.Change) (models.Change, error) {
	current, err := w.repo.Get(ctx, c.Table, c.Key)
	if err != nil {
		return models.Change{}, err
	}

	from := c.From.Clone()
	if from == nil {
		from = models.Mods{}
		for path := range c.To {
			v, _ := current.Get(path)
			from[path] = v
		}
	}

	next := changes.ApplyMods(current, c.To)
	next["id"] = c.Key
	if err := w.repo.Put(ctx, c.Table, next); err != nil {
		return models.Change{}, err
	}
	out := c.Clone()
	out.From = from
	out.Obj = next
	return out, nil
}

func (w *Writer) applyDelete(ctx context.Context, c models.Change) (models.Change, error) {
	current, err := w.repo.Get(ctx, c.Table, c.Key)
	if err != nil {
		return models.Change{}, err
	}
	if _, err := w.repo.Delete(ctx, c.Table, c.Key); err != nil {
		return models.Change{}, err
	}
	out := c.Clone()
	out.Obj = current
	return out, nil
}
