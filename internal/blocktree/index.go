// Package blocktree keeps an in-memory adjacency index of the block tree
// (child -> parent and parent -> children), maintained incrementally from
// applied changes.
package blocktree

import (
	"context"
	"sync"

	"github.com/kimhsiao/notesync/internal/db"
	"github.com/kimhsiao/notesync/internal/models"
)

// Index is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	parent   map[string]string
	children map[string][]string
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		parent:   make(map[string]string),
		children: make(map[string][]string),
	}
}

// Load rebuilds the index from every stored block.
func (ix *Index) Load(ctx context.Context, repo *db.Repository) error {
	objs, err := repo.List(ctx, models.TableBlocks)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.parent = make(map[string]string)
	ix.children = make(map[string][]string)
	for _, obj := range objs {
		id, _ := obj["id"].(string)
		ix.setChildrenLocked(id, models.StringList(obj[models.FieldChildBlockIDs]))
	}
	return nil
}

// Apply folds one applied change into the index. Changes to other tables
// are ignored.
func (ix *Index) Apply(c models.Change) {
	if c.Table != models.TableBlocks {
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	switch c.Type {
	case models.ChangeDelete:
		ix.removeLocked(c.Key)
	case models.ChangeCreate:
		ix.setChildrenLocked(c.Key, models.StringList(c.Obj[models.FieldChildBlockIDs]))
	case models.ChangeUpdate:
		if c.Obj != nil {
			ix.setChildrenLocked(c.Key, models.StringList(c.Obj[models.FieldChildBlockIDs]))
		} else if v, ok := c.To[models.FieldChildBlockIDs]; ok {
			ix.setChildrenLocked(c.Key, models.StringList(v))
		}
	}
}

// ApplyAll folds a batch of applied changes into the index.
func (ix *Index) ApplyAll(changes []models.Change) {
	for _, c := range changes {
		ix.Apply(c)
	}
}

// SetChildren replaces the children of a block.
func (ix *Index) SetChildren(parentID string, ids []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.setChildrenLocked(parentID, ids)
}

func (ix *Index) setChildrenLocked(parentID string, ids []string) {
	for _, old := range ix.children[parentID] {
		if ix.parent[old] == parentID {
			delete(ix.parent, old)
		}
	}
	if len(ids) == 0 {
		delete(ix.children, parentID)
		return
	}
	ix.children[parentID] = append([]string(nil), ids...)
	for _, id := range ids {
		ix.parent[id] = parentID
	}
}

// Remove drops a block as both parent and child.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

func (ix *Index) removeLocked(id string) {
	ix.setChildrenLocked(id, nil)
	if p, ok := ix.parent[id]; ok {
		delete(ix.parent, id)
		kids := ix.children[p][:0:0]
		for _, k := range ix.children[p] {
			if k != id {
				kids = append(kids, k)
			}
		}
		if len(kids) == 0 {
			delete(ix.children, p)
		} else {
			ix.children[p] = kids
		}
	}
}

// ParentOf returns the parent of a block.
func (ix *Index) ParentOf(id string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	p, ok := ix.parent[id]
	return p, ok
}

// ChildrenOf returns a copy of a block's children.
func (ix *Index) ChildrenOf(id string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]string(nil), ix.children[id]...)
}

// Len returns the number of indexed child -> parent edges.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.parent)
}
