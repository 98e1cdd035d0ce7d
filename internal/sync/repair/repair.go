// Package repair collapses notes that were created concurrently with the
// same logical identity (for example two daily notes for one date) and
// rewrites every reference to the losing copies.
package repair

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/kimhsiao/notesync/internal/changelog"
	"github.com/kimhsiao/notesync/internal/db"
	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/models"
)

var folder = cases.Fold()

// NormalizeTitle maps a note title to its uniqueness key: NFKC, case
// folded, trimmed, inner whitespace collapsed.
func NormalizeTitle(title string) string {
	s := norm.NFKC.String(title)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Repairer merges duplicate notes. All writes go through the change log
// with the consistency_repair origin so they are pushed like user edits.
type Repairer struct {
	w    *changelog.Writer
	repo *db.Repository
	log  *logging.Logger
}

// New creates a Repairer.
func New(w *changelog.Writer) *Repairer {
	return &Repairer{
		w:    w,
		repo: w.Repository(),
		log:  logging.With(map[string]interface{}{"component": "repair"}),
	}
}

// Run checks the notes touched by a pull and merges every duplicate group
// they belong to. It returns the changes it wrote. Running it again on a
// repaired state writes nothing.
func (r *Repairer) Run(ctx context.Context, noteIDs []string) ([]models.Change, error) {
	var written []models.Change
	err := r.repo.Store().Transaction(ctx, func(ctx context.Context) error {
		for _, id := range uniqueSorted(noteIDs) {
			note, err := r.repo.GetNote(ctx, id)
			if err != nil {
				// Deleted by the pull or merged earlier in this run.
				continue
			}
			if NormalizeTitle(note.Title) == "" {
				continue
			}
			group, err := r.repo.NotesByTitle(ctx, note.Title)
			if err != nil {
				return err
			}
			if len(group) < 2 {
				continue
			}
			survivor := group[0]
			for _, loser := range group[1:] {
				changes, err := r.merge(ctx, survivor, loser)
				if err != nil {
					return fmt.Errorf("failed to merge note %s into %s: %w", loser.ID, survivor.ID, err)
				}
				written = append(written, changes...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// RunAll checks every note.
func (r *Repairer) RunAll(ctx context.Context) ([]models.Change, error) {
	notes, err := r.repo.ListNotes(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(notes))
	for i, n := range notes {
		ids[i] = n.ID
	}
	return r.Run(ctx, ids)
}

func (r *Repairer) merge(ctx context.Context, survivor, loser *models.Note) ([]models.Change, error) {
	var out []models.Change
	wctx := models.RepairWrite()
	record := func(c models.Change, err error) error {
		if err == nil {
			out = append(out, c)
		}
		return err
	}

	// 1. Move the loser's top-level blocks under the survivor's root.
	loserRoot, loserRootFound, err := r.block(ctx, loser.RootBlockID)
	if err != nil {
		return nil, err
	}
	survivorRoot, survivorRootFound, err := r.block(ctx, survivor.RootBlockID)
	if err != nil {
		return nil, err
	}
	adoptedRoot := false
	switch {
	case loserRootFound && survivorRootFound:
		merged := appendUnique(survivorRoot.ChildBlockIDs, loserRoot.ChildBlockIDs...)
		if len(merged) != len(survivorRoot.ChildBlockIDs) {
			if err := record(r.w.Update(ctx, wctx, models.TableBlocks, survivorRoot.ID,
				models.Mods{models.FieldChildBlockIDs: models.ListValue(merged)})); err != nil {
				return nil, err
			}
		}
	case loserRootFound:
		// The survivor has no root block yet; it takes over the loser's.
		adoptedRoot = true
		if err := record(r.w.Update(ctx, wctx, models.TableNotes, survivor.ID,
			models.Mods{"rootBlockId": loserRoot.ID})); err != nil {
			return nil, err
		}
		// Later losers in the group merge into the adopted root.
		survivor.RootBlockID = loserRoot.ID
	}

	// 2. Rewrite back-references to the loser.
	linking, err := r.repo.BlocksLinking(ctx, loser.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range linking {
		b, found, err := r.block(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		links := make([]string, 0, len(b.LinkedNoteIDs))
		for _, l := range b.LinkedNoteIDs {
			if l == loser.ID {
				l = survivor.ID
			}
			links = appendUnique(links, l)
		}
		if err := record(r.w.Update(ctx, wctx, models.TableBlocks, id,
			models.Mods{models.FieldLinkedNoteIDs: models.ListValue(links)})); err != nil {
			return nil, err
		}
	}

	// 3. Re-parent the loser's blocks and drop its views.
	blocks, err := r.repo.ListByNote(ctx, models.TableBlocks, loser.ID)
	if err != nil {
		return nil, err
	}
	for _, obj := range blocks {
		id, _ := obj["id"].(string)
		if id == loser.RootBlockID && !adoptedRoot {
			continue
		}
		if err := record(r.w.Update(ctx, wctx, models.TableBlocks, id,
			models.Mods{models.FieldNoteID: survivor.ID})); err != nil {
			return nil, err
		}
	}
	views, err := r.repo.ListByNote(ctx, models.TableViews, loser.ID)
	if err != nil {
		return nil, err
	}
	for _, obj := range views {
		id, _ := obj["id"].(string)
		if err := record(r.w.Delete(ctx, wctx, models.TableViews, id)); err != nil {
			return nil, err
		}
	}

	// 4. Delete the loser and its now empty root block.
	if loserRootFound && !adoptedRoot {
		if err := record(r.w.Delete(ctx, wctx, models.TableBlocks, loserRoot.ID)); err != nil {
			return nil, err
		}
	}
	if err := record(r.w.Delete(ctx, wctx, models.TableNotes, loser.ID)); err != nil {
		return nil, err
	}

	r.log.Warn("Merged duplicate note",
		map[string]interface{}{
			"survivor_id": survivor.ID,
			"loser_id":    loser.ID,
			"title":       survivor.Title,
			"changes":     len(out),
		})
	return out, nil
}

func (r *Repairer) block(ctx context.Context, id string) (*models.Block, bool, error) {
	if id == "" {
		return nil, false, nil
	}
	obj, found, err := r.repo.Find(ctx, models.TableBlocks, id)
	if err != nil || !found {
		return nil, false, err
	}
	var b models.Block
	if err := obj.Decode(&b); err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

func appendUnique(list []string, ids ...string) []string {
	out := append([]string(nil), list...)
	seen := make(map[string]struct{}, len(out)+len(ids))
	for _, id := range out {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func uniqueSorted(ids []string) []string {
	out := appendUnique(nil, ids...)
	sort.Strings(out)
	return out
}
