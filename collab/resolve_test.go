package collab

import (
	"testing"
	"time"
)

func TestReconcile_AppliesInTimestampOrder(t *testing.T) {
	d := NewDocument("ab")
	base := time.Now().UTC()

	// Arrival order is the reverse of timestamp order.
	pending := []Mutation{
		{ID: "late", Kind: KindInsert, Position: 2, InsertedText: "Y", Timestamp: base.Add(time.Second)},
		{ID: "early", Kind: KindInsert, Position: 0, InsertedText: "X", Timestamp: base},
	}
	res := reconcile(d, pending)

	if len(res.Applied) != 2 {
		t.Fatalf("applied = %d, want 2 (rejected: %v)", len(res.Applied), res.Rejected)
	}
	if res.Applied[0].ID != "early" || res.Applied[1].ID != "late" {
		t.Errorf("apply order = %s,%s, want early,late", res.Applied[0].ID, res.Applied[1].ID)
	}
	// "early" inserts X at 0, then "late" inserts Y at 2: "XaYb".
	if d.Content() != "XaYb" {
		t.Errorf("content = %q, want %q", d.Content(), "XaYb")
	}
	if res.Revision != 2 {
		t.Errorf("revision = %d, want 2", res.Revision)
	}
}

func TestReconcile_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	d := NewDocument("")
	ts := time.Now().UTC()
	pending := []Mutation{
		{ID: "first", Kind: KindInsert, Position: 0, InsertedText: "a", Timestamp: ts},
		{ID: "second", Kind: KindInsert, Position: 0, InsertedText: "b", Timestamp: ts},
		{ID: "third", Kind: KindInsert, Position: 0, InsertedText: "c", Timestamp: ts},
	}
	res := reconcile(d, pending)

	if len(res.Applied) != 3 {
		t.Fatalf("applied = %d, want 3", len(res.Applied))
	}
	for i, want := range []string{"first", "second", "third"} {
		if res.Applied[i].ID != want {
			t.Errorf("applied[%d] = %s, want %s", i, res.Applied[i].ID, want)
		}
	}
	// Each insert lands at position 0 of the then-current content.
	if d.Content() != "cba" {
		t.Errorf("content = %q, want %q", d.Content(), "cba")
	}
}

func TestReconcile_RejectsLosersWithoutRebasing(t *testing.T) {
	d := NewDocument("hello")
	base := time.Now().UTC()

	// Both deletes target the same text; the earlier one wins, the later one
	// finds the content gone and must be rejected, not retried elsewhere.
	pending := []Mutation{
		{ID: "winner", Kind: KindDelete, Position: 0, DeletedText: "hello", Timestamp: base},
		{ID: "loser", Kind: KindDelete, Position: 0, DeletedText: "hello", Timestamp: base.Add(time.Millisecond)},
	}
	res := reconcile(d, pending)

	if len(res.Applied) != 1 || res.Applied[0].ID != "winner" {
		t.Fatalf("applied = %v, want only winner", res.Applied)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Mutation.ID != "loser" {
		t.Fatalf("rejected = %v, want only loser", res.Rejected)
	}
	if res.Rejected[0].Reason == "" {
		t.Error("rejection carries no reason")
	}
	if d.Content() != "" {
		t.Errorf("content = %q, want empty", d.Content())
	}
}

func TestReconcile_MixedBatch(t *testing.T) {
	d := NewDocument("one two three")
	base := time.Now().UTC()

	pending := []Mutation{
		{ID: "m1", Kind: KindReplace, Position: 0, DeletedText: "one", InsertedText: "1", Timestamp: base},
		{ID: "m2", Kind: KindDelete, Position: 0, DeletedText: "one", Timestamp: base.Add(time.Second)}, // stale after m1
		{ID: "m3", Kind: KindInsert, Position: 0, InsertedText: ">", Timestamp: base.Add(2 * time.Second)},
	}
	res := reconcile(d, pending)

	if len(res.Applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(res.Applied))
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Mutation.ID != "m2" {
		t.Fatalf("rejected = %v, want m2", res.Rejected)
	}
	if d.Content() != ">1 two three" {
		t.Errorf("content = %q, want %q", d.Content(), ">1 two three")
	}
}
