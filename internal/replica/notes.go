package replica

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/models"
	"github.com/kimhsiao/notesync/internal/uuid"
)

// DailyDateLayout is the date format of daily note titles.
const DailyDateLayout = "2006-01-02"

// batch collects the changes of one local write.
type batch struct {
	r       *Replica
	changes []models.Change
}

func (b *batch) create(ctx context.Context, table string, v interface{}) error {
	obj, err := models.ObjectOf(v)
	if err != nil {
		return err
	}
	c, err := b.r.writer.Create(ctx, models.LocalWrite(), table, obj)
	if err != nil {
		return err
	}
	b.changes = append(b.changes, c)
	return nil
}

func (b *batch) update(ctx context.Context, table, key string, to models.Mods) error {
	c, err := b.r.writer.Update(ctx, models.LocalWrite(), table, key, to)
	if err != nil {
		return err
	}
	b.changes = append(b.changes, c)
	return nil
}

func (b *batch) delete(ctx context.Context, table, key string) error {
	c, err := b.r.writer.Delete(ctx, models.LocalWrite(), table, key)
	if err != nil {
		return err
	}
	b.changes = append(b.changes, c)
	return nil
}

// write runs fn in one transaction and announces its changes after commit.
func (r *Replica) write(ctx context.Context, fn func(ctx context.Context, b *batch) error) error {
	b := &batch{r: r}
	if err := r.store.Transaction(ctx, func(ctx context.Context) error {
		return fn(ctx, b)
	}); err != nil {
		return err
	}
	r.tree.ApplyAll(b.changes)
	r.bus.Publish(b.changes)
	if r.driver != nil && r.IsLeader() {
		r.driver.Trigger()
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// =====================================================
// Notes
// =====================================================

// CreateNote creates a note with an empty root block and a view.
func (r *Replica) CreateNote(ctx context.Context, title string) (*models.Note, error) {
	return r.createNote(ctx, title, "")
}

func (r *Replica) createNote(ctx context.Context, title, dailyDate string) (*models.Note, error) {
	now := nowMillis()
	note := &models.Note{
		ID:            uuid.New(),
		Title:         title,
		DailyNoteDate: dailyDate,
		RootBlockID:   uuid.New(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	root := models.Block{
		ID:            note.RootBlockID,
		NoteID:        note.ID,
		ChildBlockIDs: []string{},
		LinkedNoteIDs: []string{},
		IsRoot:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	view := models.View{ID: uuid.New(), NoteID: note.ID, CollapsedBlockIDs: []string{}}

	err := r.write(ctx, func(ctx context.Context, b *batch) error {
		if err := b.create(ctx, models.TableNotes, note); err != nil {
			return err
		}
		if err := b.create(ctx, models.TableBlocks, root); err != nil {
			return err
		}
		return b.create(ctx, models.TableViews, view)
	})
	if err != nil {
		return nil, err
	}
	r.log.Debug("Created note", map[string]interface{}{"note_id": note.ID})
	return note, nil
}

// DailyNote returns the note for date, creating it when this replica has
// none. Replicas that create the same daily note offline end up with
// duplicates that consistency repair merges on the next pull.
func (r *Replica) DailyNote(ctx context.Context, date time.Time) (*models.Note, error) {
	key := date.Format(DailyDateLayout)
	note, found, err := r.repo.NoteByDailyDate(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return note, nil
	}
	return r.createNote(ctx, key, key)
}

// UpdateNoteTitle renames a note.
func (r *Replica) UpdateNoteTitle(ctx context.Context, id, title string) error {
	return r.write(ctx, func(ctx context.Context, b *batch) error {
		if _, err := r.repo.GetNote(ctx, id); err != nil {
			return err
		}
		return b.update(ctx, models.TableNotes, id, models.Mods{
			models.FieldTitle:     title,
			models.FieldUpdatedAt: nowMillis(),
		})
	})
}

// DeleteNote deletes a note with its blocks and views.
func (r *Replica) DeleteNote(ctx context.Context, id string) error {
	return r.write(ctx, func(ctx context.Context, b *batch) error {
		if _, err := r.repo.GetNote(ctx, id); err != nil {
			return err
		}
		for _, table := range []string{models.TableBlocks, models.TableViews} {
			objs, err := r.repo.ListByNote(ctx, table, id)
			if err != nil {
				return err
			}
			for _, obj := range objs {
				key, _ := obj["id"].(string)
				if err := b.delete(ctx, table, key); err != nil {
					return err
				}
			}
		}
		return b.delete(ctx, models.TableNotes, id)
	})
}

// GetNote returns a note.
func (r *Replica) GetNote(ctx context.Context, id string) (*models.Note, error) {
	return r.repo.GetNote(ctx, id)
}

// ListNotes returns every note, oldest first.
func (r *Replica) ListNotes(ctx context.Context) ([]*models.Note, error) {
	return r.repo.ListNotes(ctx)
}

// =====================================================
// Blocks
// =====================================================

// CreateBlock adds a block under parentID at position index. A negative or
// out of range index appends.
func (r *Replica) CreateBlock(ctx context.Context, parentID string, index int, content string) (*models.Block, error) {
	var block *models.Block
	err := r.write(ctx, func(ctx context.Context, b *batch) error {
		parent, err := r.repo.GetBlock(ctx, parentID)
		if err != nil {
			return err
		}
		now := nowMillis()
		block = &models.Block{
			ID:            uuid.New(),
			NoteID:        parent.NoteID,
			Content:       content,
			ChildBlockIDs: []string{},
			LinkedNoteIDs: []string{},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := b.create(ctx, models.TableBlocks, block); err != nil {
			return err
		}
		children := insertAt(parent.ChildBlockIDs, index, block.ID)
		return b.update(ctx, models.TableBlocks, parentID, models.Mods{
			models.FieldChildBlockIDs: models.ListValue(children),
			models.FieldUpdatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

func insertAt(ids []string, index int, id string) []string {
	out := make([]string, 0, len(ids)+1)
	if index < 0 || index > len(ids) {
		index = len(ids)
	}
	out = append(out, ids[:index]...)
	out = append(out, id)
	return append(out, ids[index:]...)
}

// UpdateBlock replaces the content of a block.
func (r *Replica) UpdateBlock(ctx context.Context, id, content string) error {
	return r.write(ctx, func(ctx context.Context, b *batch) error {
		if _, err := r.repo.GetBlock(ctx, id); err != nil {
			return err
		}
		return b.update(ctx, models.TableBlocks, id, models.Mods{
			models.FieldContent:   content,
			models.FieldUpdatedAt: nowMillis(),
		})
	})
}

// SetBlockLinks replaces the notes a block links to.
func (r *Replica) SetBlockLinks(ctx context.Context, id string, noteIDs []string) error {
	return r.write(ctx, func(ctx context.Context, b *batch) error {
		if _, err := r.repo.GetBlock(ctx, id); err != nil {
			return err
		}
		return b.update(ctx, models.TableBlocks, id, models.Mods{
			models.FieldLinkedNoteIDs: models.ListValue(noteIDs),
			models.FieldUpdatedAt:     nowMillis(),
		})
	})
}

// DeleteBlock deletes a block, its descendants and its entry in the
// parent's child list. Root blocks go with their note.
func (r *Replica) DeleteBlock(ctx context.Context, id string) error {
	return r.write(ctx, func(ctx context.Context, b *batch) error {
		block, err := r.repo.GetBlock(ctx, id)
		if err != nil {
			return err
		}
		if block.IsRoot {
			return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("block %s is a root block", id))
		}

		if parentID, ok := r.tree.ParentOf(id); ok {
			parent, err := r.repo.GetBlock(ctx, parentID)
			if err != nil {
				return err
			}
			children := make([]string, 0, len(parent.ChildBlockIDs))
			for _, c := range parent.ChildBlockIDs {
				if c != id {
					children = append(children, c)
				}
			}
			if err := b.update(ctx, models.TableBlocks, parentID, models.Mods{
				models.FieldChildBlockIDs: models.ListValue(children),
				models.FieldUpdatedAt:     nowMillis(),
			}); err != nil {
				return err
			}
		}

		return r.deleteSubtree(ctx, b, id)
	})
}

func (r *Replica) deleteSubtree(ctx context.Context, b *batch, id string) error {
	for _, child := range r.tree.ChildrenOf(id) {
		if err := r.deleteSubtree(ctx, b, child); err != nil {
			return err
		}
	}
	err := b.delete(ctx, models.TableBlocks, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}

// GetBlock returns a block.
func (r *Replica) GetBlock(ctx context.Context, id string) (*models.Block, error) {
	return r.repo.GetBlock(ctx, id)
}

// Blocks returns every block of a note ordered by id.
func (r *Replica) Blocks(ctx context.Context, noteID string) ([]*models.Block, error) {
	objs, err := r.repo.ListByNote(ctx, models.TableBlocks, noteID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Block, 0, len(objs))
	for _, obj := range objs {
		var block models.Block
		if err := obj.Decode(&block); err != nil {
			return nil, err
		}
		out = append(out, &block)
	}
	return out, nil
}

// =====================================================
// Views
// =====================================================

// SetCollapsed records which blocks of a note are collapsed.
func (r *Replica) SetCollapsed(ctx context.Context, noteID string, blockIDs []string) error {
	return r.write(ctx, func(ctx context.Context, b *batch) error {
		views, err := r.repo.ListByNote(ctx, models.TableViews, noteID)
		if err != nil {
			return err
		}
		if len(views) == 0 {
			return b.create(ctx, models.TableViews, models.View{ID: uuid.New(), NoteID: noteID, CollapsedBlockIDs: blockIDs})
		}
		key, _ := views[0]["id"].(string)
		return b.update(ctx, models.TableViews, key, models.Mods{"collapsedBlockIds": models.ListValue(blockIDs)})
	})
}

// =====================================================
// Repair
// =====================================================

// Repair merges every group of duplicate notes and returns the number of
// notes merged away.
func (r *Replica) Repair(ctx context.Context) (int, error) {
	var written []models.Change
	err := r.store.Transaction(ctx, func(ctx context.Context) error {
		var err error
		written, err = r.repairer.RunAll(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	r.tree.ApplyAll(written)
	r.bus.Publish(written)
	if r.driver != nil && r.IsLeader() {
		r.driver.Trigger()
	}

	merged := 0
	for _, c := range written {
		if c.Table == models.TableNotes && c.Type == models.ChangeDelete {
			merged++
		}
	}
	return merged, nil
}
