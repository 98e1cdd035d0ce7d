package sync

import "github.com/kimhsiao/notesync/internal/models"

// Commands and notifications of the sync protocol.
const (
	CmdInit            = "init"
	CmdApplyNewChanges = "apply_new_changes"
	CmdGetChanges      = "get_changes"

	NotifyChangesAvailable = "changes_available"
)

// InitRequest identifies the replica at the start of a session.
type InitRequest struct {
	ClientID string `json:"clientId"`
}

// InitResponse reports the server revision at session start.
type InitResponse struct {
	CurrentRevision int64 `json:"currentRevision"`
}

// ApplyStatus is the outcome of a push.
type ApplyStatus string

const (
	ApplySuccess      ApplyStatus = "success"
	ApplyStaleChanges ApplyStatus = "stale_changes"
	ApplyLocked       ApplyStatus = "locked"
)

// ApplyNewChangesRequest pushes a reduced batch built on BaseRevision.
type ApplyNewChangesRequest struct {
	Changes      []models.Change `json:"changes"`
	BaseRevision int64           `json:"baseRevision"`
}

// ApplyNewChangesResponse carries the new server revision on success.
type ApplyNewChangesResponse struct {
	Status   ApplyStatus `json:"status"`
	Revision int64       `json:"revision"`
}

// GetChangesRequest asks for everything after SinceRevision.
type GetChangesRequest struct {
	SinceRevision int64 `json:"sinceRevision"`
}

// GetChangesResponse is the reduced batch up to CurrentRevision.
type GetChangesResponse struct {
	Changes         []models.Change `json:"changes"`
	CurrentRevision int64           `json:"currentRevision"`
}

// ChangesAvailable is pushed to sessions when another replica pushed.
type ChangesAvailable struct {
	Revision int64 `json:"revision"`
}

// wireChanges strips replica-local fields before a batch leaves the replica.
func wireChanges(cs []models.Change) []models.Change {
	out := make([]models.Change, len(cs))
	for i, c := range cs {
		c.Revision = 0
		out[i] = c
	}
	return out
}
