package models

import "time"

// Entity tables.
const (
	TableNotes  = "notes"
	TableBlocks = "note_blocks"
	TableViews  = "blocks_views"
)

// Note is a titled page owning a tree of blocks.
type Note struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	DailyNoteDate string `json:"dailyNoteDate,omitempty"`
	RootBlockID   string `json:"rootBlockId"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// CreatedAtTime returns CreatedAt (unix millis) as time.Time.
func (n *Note) CreatedAtTime() time.Time {
	return time.UnixMilli(n.CreatedAt)
}

// Block is a node of a note's block tree.
type Block struct {
	ID            string   `json:"id"`
	NoteID        string   `json:"noteId"`
	Content       string   `json:"content"`
	ChildBlockIDs []string `json:"childBlockIds"`
	LinkedNoteIDs []string `json:"linkedNoteIds"`
	IsRoot        bool     `json:"isRoot,omitempty"`
	CreatedAt     int64    `json:"createdAt"`
	UpdatedAt     int64    `json:"updatedAt"`
}

// Block field paths used by resolvers and repair.
const (
	FieldChildBlockIDs = "childBlockIds"
	FieldLinkedNoteIDs = "linkedNoteIds"
	FieldContent       = "content"
	FieldNoteID        = "noteId"
	FieldTitle         = "title"
	FieldUpdatedAt     = "updatedAt"
)

// View holds per-note presentation state.
type View struct {
	ID                string   `json:"id"`
	NoteID            string   `json:"noteId"`
	CollapsedBlockIDs []string `json:"collapsedBlockIds"`
}
