// Package models tests for data model definitions.
package models

import (
	"reflect"
	"testing"
)

// =====================================================
// Object Path Tests
// =====================================================

// TestObject_GetSet verifies dotted path access.
func TestObject_GetSet(t *testing.T) {
	obj := Object{"title": "A"}
	obj.Set("meta.color", "red")

	got, ok := obj.Get("meta.color")
	if !ok || got != "red" {
		t.Errorf("Get(meta.color) = %v, %v; want red, true", got, ok)
	}
	if _, ok := obj.Get("meta.size"); ok {
		t.Error("Get(meta.size) should be missing")
	}
	if _, ok := obj.Get("title.x"); ok {
		t.Error("Get through a scalar should be missing")
	}

	obj.Set("meta.color", nil)
	if _, ok := obj.Get("meta.color"); ok {
		t.Error("Set(nil) should remove the field")
	}
	obj.Set("absent.path", nil)
	if _, ok := obj["absent"]; ok {
		t.Error("Set(nil) should not create intermediates")
	}
}

// TestObject_Apply verifies mods are applied ancestors first.
func TestObject_Apply(t *testing.T) {
	obj := Object{"a": map[string]interface{}{"b": 1.0}}
	obj.Apply(Mods{
		"a.c": 2.0,
		"a":   map[string]interface{}{"b": 5.0},
		"x":   "y",
	})

	want := Object{"a": map[string]interface{}{"b": 5.0, "c": 2.0}, "x": "y"}
	if !reflect.DeepEqual(obj, want) {
		t.Errorf("Apply() = %v, want %v", obj, want)
	}
}

// TestObject_Clone verifies deep copies are independent.
func TestObject_Clone(t *testing.T) {
	orig := Object{"ids": []interface{}{"1"}, "nested": map[string]interface{}{"k": "v"}}
	cp := orig.Clone()
	cp["ids"].([]interface{})[0] = "2"
	cp["nested"].(map[string]interface{})["k"] = "w"

	if orig["ids"].([]interface{})[0] != "1" {
		t.Error("Clone() shares slices")
	}
	if orig["nested"].(map[string]interface{})["k"] != "v" {
		t.Error("Clone() shares maps")
	}
	if Object(nil).Clone() != nil {
		t.Error("Clone(nil) should be nil")
	}
}

// TestObjectOf_roundTrip verifies typed entities convert to objects.
func TestObjectOf_roundTrip(t *testing.T) {
	block := Block{ID: "b1", NoteID: "n1", Content: "hi", ChildBlockIDs: []string{"c1"}, LinkedNoteIDs: []string{}}
	obj, err := ObjectOf(block)
	if err != nil {
		t.Fatalf("ObjectOf() error = %v", err)
	}
	if got := StringList(obj[FieldChildBlockIDs]); !reflect.DeepEqual(got, []string{"c1"}) {
		t.Errorf("childBlockIds = %v", got)
	}

	var back Block
	if err := obj.Decode(&back); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(back, block) {
		t.Errorf("Decode() = %+v, want %+v", back, block)
	}
}

// TestIsAncestorPath verifies dotted prefix detection.
func TestIsAncestorPath(t *testing.T) {
	tests := []struct {
		a, p string
		want bool
	}{
		{"a", "a.b", true},
		{"a.b", "a.b.c", true},
		{"a", "a", false},
		{"a", "ab.c", false},
		{"a.b", "a", false},
	}
	for _, tt := range tests {
		if got := IsAncestorPath(tt.a, tt.p); got != tt.want {
			t.Errorf("IsAncestorPath(%q, %q) = %v, want %v", tt.a, tt.p, got, tt.want)
		}
	}
}

// =====================================================
// Change Tests
// =====================================================

// TestNewChange verifies constructors assign ids and copy payloads.
func TestNewChange(t *testing.T) {
	obj := Object{"title": "A"}
	c := NewCreate(TableNotes, "n1", obj)
	obj["title"] = "B"

	if c.ID == "" || c.Type != ChangeCreate {
		t.Errorf("NewCreate() = %+v", c)
	}
	if c.Obj["title"] != "A" {
		t.Error("NewCreate() should copy the object")
	}
	if c.EntityKey() != (EntityKey{Table: TableNotes, Key: "n1"}) {
		t.Errorf("EntityKey() = %v", c.EntityKey())
	}

	u := NewUpdate(TableNotes, "n1", Mods{"title": "A"}, Mods{"title": "B"}, nil)
	if u.ID == c.ID {
		t.Error("change ids must be distinct")
	}
	if u.Obj != nil {
		t.Error("NewUpdate() with nil object should keep it nil")
	}
}

// TestWriteContexts verifies which origins are recorded.
func TestWriteContexts(t *testing.T) {
	if !LocalWrite().ShouldRecordChange || !ResolutionWrite().ShouldRecordChange || !RepairWrite().ShouldRecordChange {
		t.Error("local, resolution and repair writes must be recorded")
	}
	if RemoteWrite().ShouldRecordChange {
		t.Error("remote writes must not be recorded")
	}
}
