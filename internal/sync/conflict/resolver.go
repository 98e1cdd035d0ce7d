// Package conflict resolves concurrent client and server changes to the
// same entity into a single change.
package conflict

import (
	"fmt"

	"github.com/kimhsiao/notesync/internal/changes"
	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/models"
	"github.com/kimhsiao/notesync/internal/uuid"
)

// Strategy names how a conflict was resolved. It is stored in the
// conflict log.
type Strategy string

const (
	StrategyClientCreate     Strategy = "client_create"
	StrategyServerCreate     Strategy = "server_create"
	StrategyMerged           Strategy = "merged"
	StrategyClientWins       Strategy = "client_wins"
	StrategyServerDeleteWins Strategy = "server_delete_wins"
	StrategyResurrected      Strategy = "resurrected"
	StrategyDeleted          Strategy = "deleted"
)

// TableResolver holds the entity-specific merge rules of one table.
type TableResolver interface {
	UpdateUpdate(client, server models.Change) (models.Change, Strategy, error)
	UpdateDelete(client, server models.Change) (models.Change, Strategy, error)
	DeleteUpdate(client, server models.Change) (models.Change, Strategy, error)
}

// Resolution describes the outcome for one conflicting key.
type Resolution struct {
	Table      string
	Key        string
	ClientType models.ChangeType
	ServerType models.ChangeType
	Strategy   Strategy
}

// Result is the outcome of resolving one push/pull pairing.
type Result struct {
	// ConflictedChanges replace both sides for keys changed on both.
	ConflictedChanges []models.Change
	// NotConflictedServerChanges are applied as received.
	NotConflictedServerChanges []models.Change
	Resolutions                []Resolution
}

// Resolver dispatches conflicts to the table resolvers registered for them.
type Resolver struct {
	tables map[string]TableResolver
}

// NewResolver creates a Resolver with the notes, blocks and views rules.
func NewResolver() *Resolver {
	r := &Resolver{tables: make(map[string]TableResolver)}
	r.Register(models.TableNotes, ScalarResolver{})
	r.Register(models.TableViews, ScalarResolver{})
	r.Register(models.TableBlocks, BlockResolver{})
	return r
}

// Register sets the resolver of a table.
func (r *Resolver) Register(table string, tr TableResolver) {
	r.tables[table] = tr
}

// Resolve reduces both sides to one change per key and resolves every key
// present on both. Output keeps server order.
func (r *Resolver) Resolve(client, server []models.Change) (Result, error) {
	clientNet := changes.ReduceMap(client)
	var result Result

	for _, s := range changes.Reduce(server) {
		c, ok := clientNet[s.EntityKey()]
		if !ok {
			result.NotConflictedServerChanges = append(result.NotConflictedServerChanges, s)
			continue
		}

		resolved, strategy, err := r.resolveOne(c, s)
		if err != nil {
			logging.ErrorWithCode("Conflict resolution failed", string(apperrors.CodeOf(err)), err,
				map[string]interface{}{
					"table":       s.Table,
					"key":         s.Key,
					"client_type": c.Type,
					"server_type": s.Type,
				})
			return Result{}, err
		}
		resolved.ID = uuid.NewChangeID()
		resolved.Revision = 0

		logging.Info("Conflict resolved",
			map[string]interface{}{
				"table":       s.Table,
				"key":         s.Key,
				"client_type": c.Type,
				"server_type": s.Type,
				"strategy":    strategy,
			})

		result.ConflictedChanges = append(result.ConflictedChanges, resolved)
		result.Resolutions = append(result.Resolutions, Resolution{
			Table:      s.Table,
			Key:        s.Key,
			ClientType: c.Type,
			ServerType: s.Type,
			Strategy:   strategy,
		})
	}

	return result, nil
}

func (r *Resolver) resolveOne(c, s models.Change) (models.Change, Strategy, error) {
	switch {
	case c.Type == models.ChangeCreate:
		return c.Clone(), StrategyClientCreate, nil
	case s.Type == models.ChangeCreate:
		return s.Clone(), StrategyServerCreate, nil
	case c.Type == models.ChangeDelete && s.Type == models.ChangeDelete:
		return c.Clone(), StrategyDeleted, nil
	}

	tr, ok := r.tables[s.Table]
	if !ok {
		return models.Change{}, "", apperrors.New(apperrors.ErrSyncNoResolver,
			fmt.Sprintf("no conflict resolver registered for table %q", s.Table))
	}

	switch {
	case c.Type == models.ChangeUpdate && s.Type == models.ChangeUpdate:
		return tr.UpdateUpdate(c, s)
	case c.Type == models.ChangeUpdate && s.Type == models.ChangeDelete:
		return tr.UpdateDelete(c, s)
	default:
		return tr.DeleteUpdate(c, s)
	}
}

// =====================================================
// Default Rules
// =====================================================

// DefaultResolver merges updates field by field and resurrects deleted
// entities that the other side edited.
type DefaultResolver struct{}

// UpdateUpdate unions both sides' fields. On a field changed by both the
// client wins.
func (DefaultResolver) UpdateUpdate(client, server models.Change) (models.Change, Strategy, error) {
	return mergeUpdate(client, server), StrategyMerged, nil
}

// UpdateDelete re-creates the deleted object with the client's edits.
func (DefaultResolver) UpdateDelete(client, server models.Change) (models.Change, Strategy, error) {
	return resurrect(server, client)
}

// DeleteUpdate re-creates the deleted object with the server's edits.
func (DefaultResolver) DeleteUpdate(client, server models.Change) (models.Change, Strategy, error) {
	return resurrect(client, server)
}

// mergeUpdate builds an Update whose To is the union of both sides with
// client precedence and whose From keeps each side's prior values.
func mergeUpdate(client, server models.Change) models.Change {
	to := server.To.Clone()
	if to == nil {
		to = models.Mods{}
	}
	for p, v := range client.To {
		to[p] = v
	}
	from := server.From.Clone()
	if from == nil {
		from = models.Mods{}
	}
	for p, v := range client.From {
		from[p] = v
	}

	out := client.Clone()
	out.To = to
	out.From = from
	if client.Obj != nil {
		out.Obj = changes.ApplyMods(client.Obj, to)
	}
	return out
}

// resurrect clones deleted.Obj, overlays edit.To and emits a Create.
func resurrect(deleted, edit models.Change) (models.Change, Strategy, error) {
	if deleted.Obj == nil {
		return models.Change{}, "", apperrors.New(apperrors.ErrSyncUnknownPriorState,
			fmt.Sprintf("cannot resurrect %s %s: deleted object unknown", deleted.Table, deleted.Key))
	}
	obj := changes.ApplyMods(deleted.Obj, edit.To)
	obj["id"] = deleted.Key
	return models.Change{
		Type:  models.ChangeCreate,
		Table: deleted.Table,
		Key:   deleted.Key,
		Obj:   obj,
	}, StrategyResurrected, nil
}

// =====================================================
// Scalar Entities (notes, views)
// =====================================================

// ScalarResolver lets the last local edit win on update/update and the
// server's delete win on update/delete. Fields only the server changed are
// kept so both sides converge.
type ScalarResolver struct {
	DefaultResolver
}

// UpdateUpdate keeps the client's value on every field both sides changed.
func (ScalarResolver) UpdateUpdate(client, server models.Change) (models.Change, Strategy, error) {
	return mergeUpdate(client, server), StrategyClientWins, nil
}

// UpdateDelete drops the client's edit in favour of the server delete.
func (ScalarResolver) UpdateDelete(client, server models.Change) (models.Change, Strategy, error) {
	out := server.Clone()
	if out.Obj == nil && client.Obj != nil {
		out.Obj = client.Obj.Clone()
	}
	return out, StrategyServerDeleteWins, nil
}
