package models

// SyncStatus is the singleton sync bookkeeping row of a replica.
type SyncStatus struct {
	ClientID                   string `db:"client_id" json:"clientId"`
	LastReceivedRemoteRevision int64  `db:"last_received_remote_revision" json:"lastReceivedRemoteRevision"`
	LastAppliedRemoteRevision  int64  `db:"last_applied_remote_revision" json:"lastAppliedRemoteRevision"`
}

// ServerPull is a batch of server changes stamped with one server revision.
type ServerPull struct {
	ID             string   `db:"id" json:"id"`
	ServerRevision int64    `db:"server_revision" json:"serverRevision"`
	Changes        []Change `json:"changes"`
	ReceivedAt     int64    `db:"received_at" json:"receivedAt"`
}
