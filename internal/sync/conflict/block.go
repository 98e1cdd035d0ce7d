package conflict

import (
	"github.com/kimhsiao/notesync/internal/changes"
	"github.com/kimhsiao/notesync/internal/models"
)

// ContentSeparator joins both sides of a content edit conflict.
const ContentSeparator = "\n===\n"

// BlockResolver merges block id lists with set algebra against the common
// base and surfaces concurrent content edits by concatenation.
type BlockResolver struct {
	DefaultResolver
}

// UpdateUpdate merges childBlockIds, linkedNoteIds and content. Other
// fields follow the default union with client precedence.
func (BlockResolver) UpdateUpdate(client, server models.Change) (models.Change, Strategy, error) {
	out := mergeUpdate(client, server)

	for _, field := range []string{models.FieldChildBlockIDs, models.FieldLinkedNoteIDs} {
		cv, cok := client.To[field]
		sv, sok := server.To[field]
		if !cok || !sok {
			continue
		}
		base := models.StringList(baseValue(client, server, field))
		out.To[field] = models.ListValue(MergeIDLists(base, models.StringList(cv), models.StringList(sv)))
	}

	cv, cok := client.To[models.FieldContent].(string)
	sv, sok := server.To[models.FieldContent].(string)
	if cok && sok {
		base, _ := baseValue(client, server, models.FieldContent).(string)
		out.To[models.FieldContent] = MergeContent(base, cv, sv)
	}

	if client.Obj != nil {
		out.Obj = changes.ApplyMods(client.Obj, out.To)
	}
	return out, StrategyMerged, nil
}

func baseValue(client, server models.Change, field string) interface{} {
	if v, ok := client.From[field]; ok {
		return v
	}
	return server.From[field]
}

// MergeIDLists reconciles two edited id lists against their base:
// removed = (base - client) + (base - server), and the result is
// unique(client + server) - removed, client order first.
func MergeIDLists(base, client, server []string) []string {
	clientSet := toSet(client)
	serverSet := toSet(server)

	removed := make(map[string]struct{})
	for _, id := range base {
		_, inClient := clientSet[id]
		_, inServer := serverSet[id]
		if !inClient || !inServer {
			removed[id] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(client)+len(server))
	out := make([]string, 0, len(client)+len(server))
	for _, list := range [][]string{client, server} {
		for _, id := range list {
			if _, gone := removed[id]; gone {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// MergeContent resolves concurrent edits of free text. When one side left
// the base untouched the other side wins; otherwise both are kept,
// separated by ContentSeparator.
func MergeContent(base, client, server string) string {
	switch {
	case client == server:
		return client
	case client == base:
		return server
	case server == base:
		return client
	}
	return client + ContentSeparator + server
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
