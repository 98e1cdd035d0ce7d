package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/models"
)

func upd(table, key string, from, to models.Mods) models.Change {
	return models.NewUpdate(table, key, from, to, nil)
}

func TestMergeIDLists(t *testing.T) {
	got := MergeIDLists([]string{"1", "2", "3"}, []string{"1", "2", "3", "4"}, []string{"1", "3", "5"})
	assert.Equal(t, []string{"1", "3", "4", "5"}, got)

	// Removed on both sides, re-added on none.
	assert.Equal(t, []string{"b"}, MergeIDLists([]string{"a", "b"}, []string{"b"}, []string{"b"}))
	// Never present in base: kept from both sides.
	assert.Equal(t, []string{"x", "y"}, MergeIDLists(nil, []string{"x"}, []string{"y", "x"}))
}

func TestMergeContent(t *testing.T) {
	assert.Equal(t, "hello\n===\nworld", MergeContent("", "hello", "world"))
	assert.Equal(t, "world", MergeContent("base", "base", "world"))
	assert.Equal(t, "hello", MergeContent("base", "hello", "base"))
	assert.Equal(t, "same", MergeContent("base", "same", "same"))
}

func TestResolve_dispatch(t *testing.T) {
	obj := models.Object{"id": "k", "title": "A"}
	create := func() models.Change { return models.NewCreate(models.TableNotes, "k", obj) }
	update := func(title string) models.Change {
		return upd(models.TableNotes, "k", models.Mods{"title": "A"}, models.Mods{"title": title})
	}
	del := func() models.Change { return models.NewDelete(models.TableNotes, "k", obj) }

	tests := []struct {
		name         string
		client       models.Change
		server       models.Change
		wantType     models.ChangeType
		wantStrategy Strategy
	}{
		{"create/update", create(), update("S"), models.ChangeCreate, StrategyClientCreate},
		{"create/delete", create(), del(), models.ChangeCreate, StrategyClientCreate},
		{"update/create", update("C"), create(), models.ChangeCreate, StrategyServerCreate},
		{"delete/create", del(), create(), models.ChangeCreate, StrategyServerCreate},
		{"update/update", update("C"), update("S"), models.ChangeUpdate, StrategyClientWins},
		{"update/delete", update("C"), del(), models.ChangeDelete, StrategyServerDeleteWins},
		{"delete/update", del(), update("S"), models.ChangeCreate, StrategyResurrected},
		{"delete/delete", del(), del(), models.ChangeDelete, StrategyDeleted},
	}

	r := NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve([]models.Change{tt.client}, []models.Change{tt.server})
			require.NoError(t, err)
			require.Len(t, res.ConflictedChanges, 1)
			assert.Empty(t, res.NotConflictedServerChanges)
			assert.Equal(t, tt.wantType, res.ConflictedChanges[0].Type)
			require.Len(t, res.Resolutions, 1)
			assert.Equal(t, tt.wantStrategy, res.Resolutions[0].Strategy)
			assert.NotEqual(t, tt.client.ID, res.ConflictedChanges[0].ID)
			assert.NotEqual(t, tt.server.ID, res.ConflictedChanges[0].ID)
		})
	}
}

func TestResolve_notConflictedKeepServerOrder(t *testing.T) {
	client := []models.Change{upd(models.TableNotes, "a", nil, models.Mods{"title": "x"})}
	server := []models.Change{
		upd(models.TableNotes, "c", nil, models.Mods{"title": "1"}),
		upd(models.TableNotes, "a", nil, models.Mods{"title": "2"}),
		upd(models.TableNotes, "b", nil, models.Mods{"title": "3"}),
		upd(models.TableNotes, "c", nil, models.Mods{"title": "4"}),
	}

	res, err := NewResolver().Resolve(client, server)
	require.NoError(t, err)
	require.Len(t, res.NotConflictedServerChanges, 2)
	assert.Equal(t, "c", res.NotConflictedServerChanges[0].Key)
	assert.Equal(t, models.Mods{"title": "4"}, res.NotConflictedServerChanges[0].To)
	assert.Equal(t, "b", res.NotConflictedServerChanges[1].Key)
	require.Len(t, res.ConflictedChanges, 1)
	assert.Equal(t, "a", res.ConflictedChanges[0].Key)
}

func TestResolve_updateDeleteResurrects(t *testing.T) {
	r := NewResolver()
	r.Register("items", DefaultResolver{})

	client := upd("items", "k", models.Mods{"title": "A"}, models.Mods{"title": "B"})
	server := models.NewDelete("items", "k", models.Object{"id": "k", "title": "A", "body": "kept"})

	res, err := r.Resolve([]models.Change{client}, []models.Change{server})
	require.NoError(t, err)
	require.Len(t, res.ConflictedChanges, 1)
	got := res.ConflictedChanges[0]
	assert.Equal(t, models.ChangeCreate, got.Type)
	assert.Equal(t, models.Object{"id": "k", "title": "B", "body": "kept"}, got.Obj)
	assert.Equal(t, StrategyResurrected, res.Resolutions[0].Strategy)
}

func TestResolve_unknownPriorState(t *testing.T) {
	client := models.NewDelete(models.TableBlocks, "k", nil)
	server := upd(models.TableBlocks, "k", nil, models.Mods{"content": "x"})

	_, err := NewResolver().Resolve([]models.Change{client}, []models.Change{server})
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncUnknownPriorState), "got %v", err)
}

func TestResolve_noResolver(t *testing.T) {
	client := upd("tags", "k", nil, models.Mods{"name": "a"})
	server := upd("tags", "k", nil, models.Mods{"name": "b"})

	_, err := NewResolver().Resolve([]models.Change{client}, []models.Change{server})
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNoResolver), "got %v", err)

	// Keys that do not conflict never need a resolver.
	res, err := NewResolver().Resolve(nil, []models.Change{server})
	require.NoError(t, err)
	assert.Len(t, res.NotConflictedServerChanges, 1)
}

func TestScalarResolver_updateUpdate(t *testing.T) {
	client := upd(models.TableNotes, "k", models.Mods{"title": "A"}, models.Mods{"title": "client"})
	server := upd(models.TableNotes, "k", models.Mods{"title": "A", "updatedAt": 1.0},
		models.Mods{"title": "server", "updatedAt": 2.0})

	got, strategy, err := ScalarResolver{}.UpdateUpdate(client, server)
	require.NoError(t, err)
	assert.Equal(t, StrategyClientWins, strategy)
	assert.Equal(t, models.Mods{"title": "client", "updatedAt": 2.0}, got.To)
	assert.Equal(t, models.Mods{"title": "A", "updatedAt": 1.0}, got.From)
}

func TestBlockResolver_updateUpdate(t *testing.T) {
	client := upd(models.TableBlocks, "b",
		models.Mods{
			"childBlockIds": []interface{}{"1", "2", "3"},
			"content":       "",
		},
		models.Mods{
			"childBlockIds": []interface{}{"1", "2", "3", "4"},
			"content":       "hello",
		})
	server := upd(models.TableBlocks, "b",
		models.Mods{"childBlockIds": []interface{}{"1", "2", "3"}, "linkedNoteIds": []interface{}{}},
		models.Mods{
			"childBlockIds": []interface{}{"1", "3", "5"},
			"content":       "world",
			"linkedNoteIds": []interface{}{"n1"},
		})

	res, err := NewResolver().Resolve([]models.Change{client}, []models.Change{server})
	require.NoError(t, err)
	require.Len(t, res.ConflictedChanges, 1)
	got := res.ConflictedChanges[0]

	assert.Equal(t, models.ChangeUpdate, got.Type)
	assert.Equal(t, []interface{}{"1", "3", "4", "5"}, got.To["childBlockIds"])
	assert.Equal(t, "hello\n===\nworld", got.To["content"])
	assert.Equal(t, []interface{}{"n1"}, got.To["linkedNoteIds"], "server-only field is kept")
}

func TestBlockResolver_objFollowsMergedMods(t *testing.T) {
	client := models.NewUpdate(models.TableBlocks, "b",
		models.Mods{"content": "base"}, models.Mods{"content": "base"},
		models.Object{"id": "b", "content": "base"})
	server := upd(models.TableBlocks, "b", models.Mods{"content": "base"}, models.Mods{"content": "new"})

	got, _, err := BlockResolver{}.UpdateUpdate(client, server)
	require.NoError(t, err)
	assert.Equal(t, "new", got.To["content"])
	assert.Equal(t, "new", got.Obj["content"])
}
