package changes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/notesync/internal/models"
)

const tbl = models.TableNotes

func create(key string, obj models.Object) models.Change {
	return models.NewCreate(tbl, key, obj)
}

func update(key string, from, to models.Mods) models.Change {
	return models.NewUpdate(tbl, key, from, to, nil)
}

func del(key string, obj models.Object) models.Change {
	return models.NewDelete(tbl, key, obj)
}

func TestReduce_table(t *testing.T) {
	objA := models.Object{"id": "A", "title": "a"}
	objB := models.Object{"id": "A", "title": "b"}

	tests := []struct {
		name     string
		prev     models.Change
		next     models.Change
		wantType models.ChangeType
		wantObj  models.Object
		wantTo   models.Mods
	}{
		{"create+create", create("A", objA), create("A", objB), models.ChangeCreate, objB, nil},
		{"create+update", create("A", objA), update("A", models.Mods{"title": "a"}, models.Mods{"x": 1.0}),
			models.ChangeCreate, models.Object{"id": "A", "title": "a", "x": 1.0}, nil},
		{"create+delete", create("A", objA), del("A", objA), models.ChangeDelete, objA, nil},
		{"update+create", update("A", nil, models.Mods{"x": 1.0}), create("A", objB), models.ChangeCreate, objB, nil},
		{"update+update", update("A", models.Mods{"x": 0.0}, models.Mods{"x": 1.0}), update("A", models.Mods{"y": 0.0}, models.Mods{"y": 2.0}),
			models.ChangeUpdate, nil, models.Mods{"x": 1.0, "y": 2.0}},
		{"update+delete", update("A", nil, models.Mods{"x": 1.0}), del("A", objA), models.ChangeDelete, objA, nil},
		{"delete+create", del("A", objA), create("A", objB), models.ChangeCreate, objB, nil},
		{"delete+update", del("A", objA), update("A", nil, models.Mods{"x": 1.0}), models.ChangeDelete, objA, nil},
		{"delete+delete", del("A", objA), del("A", objB), models.ChangeDelete, objA, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reduce([]models.Change{tt.prev, tt.next})
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantType, got[0].Type)
			assert.Equal(t, tt.wantObj, got[0].Obj)
			if tt.wantTo != nil {
				assert.Equal(t, tt.wantTo, got[0].To)
			}
		})
	}
}

func TestReduce_createThenUpdate(t *testing.T) {
	got := Reduce([]models.Change{
		create("A", models.Object{"id": "A"}),
		update("A", models.Mods{"x": nil}, models.Mods{"x": 1.0}),
	})
	require.Len(t, got, 1)
	assert.Equal(t, models.ChangeCreate, got[0].Type)
	assert.Equal(t, models.Object{"id": "A", "x": 1.0}, got[0].Obj)
}

func TestReduce_keepsFirstAppearanceOrder(t *testing.T) {
	got := Reduce([]models.Change{
		update("B", nil, models.Mods{"x": 1.0}),
		update("A", nil, models.Mods{"x": 1.0}),
		update("B", nil, models.Mods{"y": 1.0}),
		models.NewCreate(models.TableBlocks, "A", models.Object{"id": "A"}),
	})
	require.Len(t, got, 3)
	assert.Equal(t, "B", got[0].Key)
	assert.Equal(t, "A", got[1].Key)
	assert.Equal(t, models.TableNotes, got[1].Table)
	assert.Equal(t, models.TableBlocks, got[2].Table)
}

func TestReduce_doesNotAliasInput(t *testing.T) {
	c := create("A", models.Object{"id": "A"})
	got := Reduce([]models.Change{c, update("A", nil, models.Mods{"x": 1.0})})
	got[0].Obj["y"] = 2.0
	assert.NotContains(t, c.Obj, "x")
	assert.NotContains(t, c.Obj, "y")
}

func TestReduceMap(t *testing.T) {
	m := ReduceMap([]models.Change{
		update("A", nil, models.Mods{"x": 1.0}),
		del("A", models.Object{"id": "A"}),
	})
	require.Len(t, m, 1)
	assert.Equal(t, models.ChangeDelete, m[models.EntityKey{Table: tbl, Key: "A"}].Type)
}

func TestMergeMods(t *testing.T) {
	tests := []struct {
		name string
		old  models.Mods
		next models.Mods
		want models.Mods
	}{
		{
			name: "disjoint paths",
			old:  models.Mods{"a": 1.0},
			next: models.Mods{"b": 2.0},
			want: models.Mods{"a": 1.0, "b": 2.0},
		},
		{
			name: "same path overwritten",
			old:  models.Mods{"a": 1.0},
			next: models.Mods{"a": 2.0},
			want: models.Mods{"a": 2.0},
		},
		{
			name: "new path nested into old ancestor",
			old:  models.Mods{"meta": map[string]interface{}{"color": "red"}},
			next: models.Mods{"meta.size": 3.0},
			want: models.Mods{"meta": map[string]interface{}{"color": "red", "size": 3.0}},
		},
		{
			name: "new ancestor drops stale descendants",
			old:  models.Mods{"meta.color": "red", "meta.size": 3.0, "title": "t"},
			next: models.Mods{"meta": map[string]interface{}{"shape": "box"}},
			want: models.Mods{"meta": map[string]interface{}{"shape": "box"}, "title": "t"},
		},
		{
			name: "nil removes nested field",
			old:  models.Mods{"meta": map[string]interface{}{"color": "red"}},
			next: models.Mods{"meta.color": nil},
			want: models.Mods{"meta": map[string]interface{}{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeMods(tt.old, tt.next))
		})
	}
}

func TestReduce_updateUpdateKeepsOldestFrom(t *testing.T) {
	got := Reduce([]models.Change{
		update("A", models.Mods{"meta.color": "blue"}, models.Mods{"meta.color": "red"}),
		update("A", models.Mods{"meta": map[string]interface{}{"color": "red", "size": 1.0}},
			models.Mods{"meta": map[string]interface{}{"size": 2.0}}),
	})
	require.Len(t, got, 1)
	assert.Equal(t, models.Mods{"meta": map[string]interface{}{"color": "blue", "size": 1.0}}, got[0].From)
	assert.Equal(t, models.Mods{"meta": map[string]interface{}{"size": 2.0}}, got[0].To)
}

func TestApplyMods(t *testing.T) {
	obj := models.Object{"title": "a", "x": 1.0}
	out := ApplyMods(obj, models.Mods{"title": "b", "x": nil})
	assert.Equal(t, models.Object{"title": "b"}, out)
	assert.Equal(t, "a", obj["title"], "input must not be modified")

	assert.Equal(t, models.Object{"k": "v"}, ApplyMods(nil, models.Mods{"k": "v"}))
}

func TestDiff(t *testing.T) {
	before := models.Object{"title": "a", "gone": true, "same": 1.0}
	after := models.Object{"title": "b", "new": "n", "same": 1.0}

	from, to := Diff(before, after)
	assert.Equal(t, models.Mods{"title": "a", "gone": true, "new": nil}, from)
	assert.Equal(t, models.Mods{"title": "b", "gone": nil, "new": "n"}, to)
	assert.Equal(t, after, ApplyMods(before, to))
}
