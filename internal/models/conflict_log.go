package models

import "time"

// ConflictLog records a resolved concurrent edit for user awareness.
type ConflictLog struct {
	ID         string     `db:"id" json:"id"`
	TableName  string     `db:"table_name" json:"table_name"`
	EntityKey  string     `db:"entity_key" json:"entity_key"`
	ClientType ChangeType `db:"client_type" json:"client_type"`
	ServerType ChangeType `db:"server_type" json:"server_type"`
	Resolution string     `db:"resolution" json:"resolution"`
	ServerRev  int64      `db:"server_revision" json:"server_revision"`
	DetectedAt int64      `db:"detected_at" json:"detected_at"`
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
