package recordsync

import "testing"

func TestDeriveMutationIDStableAcrossKeyOrder(t *testing.T) {
	a, err := deriveMutationID("tasks", "t1", map[string]any{"title": "x", "done": true})
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	b, err := deriveMutationID("tasks", "t1", map[string]any{"done": true, "title": "x"})
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if a != b {
		t.Fatalf("key order changed the id: %s vs %s", a, b)
	}
	if len(a) == 0 || a[:4] != "mut_" {
		t.Fatalf("unexpected id shape: %s", a)
	}
}

func TestDeriveMutationIDDistinguishesTargets(t *testing.T) {
	base, _ := deriveMutationID("tasks", "t1", map[string]any{"title": "x"})
	otherRecord, _ := deriveMutationID("tasks", "t2", map[string]any{"title": "x"})
	otherCollection, _ := deriveMutationID("notes", "t1", map[string]any{"title": "x"})
	otherPayload, _ := deriveMutationID("tasks", "t1", map[string]any{"title": "y"})

	if base == otherRecord || base == otherCollection || base == otherPayload {
		t.Fatalf("ids must differ by target and payload: %s %s %s %s",
			base, otherRecord, otherCollection, otherPayload)
	}
}

func TestFieldsEqualIgnoresKeyOrderAndNesting(t *testing.T) {
	left := map[string]any{"a": 1, "nested": map[string]any{"x": []any{1, 2}}}
	right := map[string]any{"nested": map[string]any{"x": []any{1, 2}}, "a": 1}
	if !fieldsEqual(left, right) {
		t.Fatal("semantically equal fields reported unequal")
	}
	right["a"] = 2
	if fieldsEqual(left, right) {
		t.Fatal("different fields reported equal")
	}
}
