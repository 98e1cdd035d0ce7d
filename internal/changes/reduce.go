// Package changes collapses batches of same-key changes into one net
// change per entity.
//
// The same reducer is used for the outbound queue, inbound server batches
// and the server's own get_changes batching.
package changes

import (
	"reflect"
	"sort"

	"github.com/kimhsiao/notesync/internal/models"
)

// Reduce merges same-key changes in arrival order and returns one change
// per (table, key), ordered by the first appearance of each key.
func Reduce(changes []models.Change) []models.Change {
	var order []models.EntityKey
	net := make(map[models.EntityKey]models.Change, len(changes))
	for _, c := range changes {
		k := c.EntityKey()
		prev, ok := net[k]
		if !ok {
			order = append(order, k)
			net[k] = c.Clone()
			continue
		}
		net[k] = reducePair(prev, c)
	}

	out := make([]models.Change, 0, len(order))
	for _, k := range order {
		out = append(out, net[k])
	}
	return out
}

// ReduceMap is Reduce keyed by entity.
func ReduceMap(changes []models.Change) map[models.EntityKey]models.Change {
	reduced := Reduce(changes)
	out := make(map[models.EntityKey]models.Change, len(reduced))
	for _, c := range reduced {
		out[c.EntityKey()] = c
	}
	return out
}

// reducePair folds next into prev.
//
//	prev \ next | Create     | Update           | Delete
//	Create      | next       | Create + next.To | next
//	Update      | next       | merged mods      | next
//	Delete      | next       | prev             | prev
func reducePair(prev, next models.Change) models.Change {
	switch prev.Type {
	case models.ChangeCreate:
		if next.Type == models.ChangeUpdate {
			merged := prev.Clone()
			merged.Obj = ApplyMods(prev.Obj, next.To)
			return merged
		}
		return next.Clone()

	case models.ChangeUpdate:
		if next.Type == models.ChangeUpdate {
			return mergeUpdates(prev, next)
		}
		return next.Clone()

	case models.ChangeDelete:
		if next.Type == models.ChangeCreate {
			return next.Clone()
		}
		return prev.Clone()
	}
	return next.Clone()
}

func mergeUpdates(prev, next models.Change) models.Change {
	merged := prev.Clone()
	merged.To = MergeMods(prev.To, next.To)
	merged.From = mergeFrom(prev.From, next.From)
	switch {
	case next.Obj != nil:
		merged.Obj = next.Obj.Clone()
	case prev.Obj != nil:
		merged.Obj = ApplyMods(prev.Obj, next.To)
	}
	return merged
}

// MergeMods folds the newer mods into the older ones. A new path under an
// existing old path is written inside the old entry; a new path that is an
// ancestor of old paths replaces them.
func MergeMods(old, next models.Mods) models.Mods {
	result := old.Clone()
	if result == nil {
		result = models.Mods{}
	}
	for _, p := range models.SortedPaths(next) {
		v := next[p]
		if anc, ok := ancestorIn(result, p); ok {
			container, isMap := cloneMap(result[anc])
			if !isMap {
				container = map[string]interface{}{}
			}
			models.Object(container).Set(p[len(anc)+1:], v)
			result[anc] = container
			continue
		}
		for old := range result {
			if models.IsAncestorPath(p, old) {
				delete(result, old)
			}
		}
		result[p] = cloneValue(v)
	}
	return result
}

// mergeFrom keeps the oldest known prior value of every path.
func mergeFrom(old, next models.Mods) models.Mods {
	result := old.Clone()
	if result == nil {
		result = models.Mods{}
	}
	for _, p := range models.SortedPaths(next) {
		if _, ok := result[p]; ok {
			continue
		}
		if _, ok := ancestorIn(result, p); ok {
			continue
		}
		v := cloneValue(next[p])
		var descendants []string
		for o := range result {
			if models.IsAncestorPath(p, o) {
				descendants = append(descendants, o)
			}
		}
		if len(descendants) > 0 {
			container, isMap := cloneMap(v)
			if !isMap {
				container = map[string]interface{}{}
			}
			sort.Strings(descendants)
			for _, d := range descendants {
				models.Object(container).Set(d[len(p)+1:], result[d])
				delete(result, d)
			}
			v = container
		}
		result[p] = v
	}
	return result
}

func ancestorIn(m models.Mods, path string) (string, bool) {
	best := ""
	for p := range m {
		if models.IsAncestorPath(p, path) && (best == "" || len(p) < len(best)) {
			best = p
		}
	}
	return best, best != ""
}

func cloneMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return models.Object(t).Clone(), true
	case models.Object:
		return t.Clone(), true
	}
	return nil, false
}

func cloneValue(v interface{}) interface{} {
	return models.Mods{"v": v}.Clone()["v"]
}

// ApplyMods returns a copy of obj with mods written onto it. A nil obj
// yields a new object.
func ApplyMods(obj models.Object, mods models.Mods) models.Object {
	out := obj.Clone()
	if out == nil {
		out = models.Object{}
	}
	return out.Apply(mods)
}

// Diff returns the top-level field changes turning before into after.
// Fields absent on one side carry a nil value.
func Diff(before, after models.Object) (from, to models.Mods) {
	from, to = models.Mods{}, models.Mods{}
	for k, av := range after {
		bv, ok := before[k]
		if !ok || !reflect.DeepEqual(bv, av) {
			from[k] = cloneValue(bv)
			to[k] = cloneValue(av)
		}
	}
	for k, bv := range before {
		if _, ok := after[k]; !ok {
			from[k] = cloneValue(bv)
			to[k] = nil
		}
	}
	return from, to
}
