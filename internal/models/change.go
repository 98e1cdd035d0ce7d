package models

import (
	"github.com/kimhsiao/notesync/internal/uuid"
)

// ChangeType discriminates the Change union.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is an immutable record of one create, update or delete of one
// entity. Obj holds the full object for Create, the prior object for
// Delete and the resulting object for locally originated Update.
type Change struct {
	ID       string     `json:"id"`
	Type     ChangeType `json:"type"`
	Table    string     `json:"table"`
	Key      string     `json:"key"`
	Obj      Object     `json:"obj,omitempty"`
	From     Mods       `json:"from,omitempty"`
	To       Mods       `json:"to,omitempty"`
	Revision int64      `json:"revision,omitempty"`
}

// EntityKey identifies one entity across tables.
type EntityKey struct {
	Table string
	Key   string
}

// EntityKey returns the (table, key) the change relates to.
func (c Change) EntityKey() EntityKey {
	return EntityKey{Table: c.Table, Key: c.Key}
}

// Clone returns a deep copy with the same change id.
func (c Change) Clone() Change {
	c.Obj = c.Obj.Clone()
	c.From = c.From.Clone()
	c.To = c.To.Clone()
	return c
}

// NewCreate builds a Create change with a fresh change id.
func NewCreate(table, key string, obj Object) Change {
	return Change{ID: uuid.NewChangeID(), Type: ChangeCreate, Table: table, Key: key, Obj: obj.Clone()}
}

// NewUpdate builds an Update change with a fresh change id. obj may be nil.
func NewUpdate(table, key string, from, to Mods, obj Object) Change {
	return Change{ID: uuid.NewChangeID(), Type: ChangeUpdate, Table: table, Key: key,
		From: from.Clone(), To: to.Clone(), Obj: obj.Clone()}
}

// NewDelete builds a Delete change carrying the object as it existed.
func NewDelete(table, key string, obj Object) Change {
	return Change{ID: uuid.NewChangeID(), Type: ChangeDelete, Table: table, Key: key, Obj: obj.Clone()}
}

// Origin records why a write is happening.
type Origin string

const (
	OriginLocal              Origin = "local"
	OriginRemote             Origin = "remote"
	OriginConflictResolution Origin = "conflict_resolution"
	OriginConsistencyRepair  Origin = "consistency_repair"
)

// WriteContext is passed explicitly on every write call.
type WriteContext struct {
	Origin             Origin
	ShouldRecordChange bool
}

// LocalWrite is the context of a user edit.
func LocalWrite() WriteContext {
	return WriteContext{Origin: OriginLocal, ShouldRecordChange: true}
}

// RemoteWrite is the context of applying a server change as-is.
func RemoteWrite() WriteContext {
	return WriteContext{Origin: OriginRemote, ShouldRecordChange: false}
}

// ResolutionWrite is the context of applying a resolved conflict, which
// must be pushed back to the server.
func ResolutionWrite() WriteContext {
	return WriteContext{Origin: OriginConflictResolution, ShouldRecordChange: true}
}

// RepairWrite is the context of consistency repair writes.
func RepairWrite() WriteContext {
	return WriteContext{Origin: OriginConsistencyRepair, ShouldRecordChange: true}
}
