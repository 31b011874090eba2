package requestlog

import (
	"testing"

	"github.com/infinoted/infinote/pkg/request"
	"github.com/infinoted/infinote/pkg/statevector"
	"github.com/infinoted/infinote/pkg/textchunk"
)

func doVec(user uint32, n uint32) *statevector.Vector {
	v := statevector.New()
	v.Set(user, n)
	return v
}

func insertOp(s string) request.Operation {
	c := textchunk.New()
	c.InsertText(0, s, 1)
	return request.Insert(0, c)
}

func TestAddDoSetsNextUndo(t *testing.T) {
	l := New(1)
	req := request.NewDo(1, doVec(1, 0), insertOp("a"))
	if err := l.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if !l.CanUndo() {
		t.Fatal("expected CanUndo after a Do request")
	}
	if l.CanRedo() {
		t.Fatal("expected no redo available yet")
	}
	if l.End() != 1 {
		t.Fatalf("End() = %d, want 1", l.End())
	}
}

func TestUndoThenRedo(t *testing.T) {
	l := New(1)
	mustAdd(t, l, request.NewDo(1, doVec(1, 0), insertOp("a")))
	mustAdd(t, l, request.NewUndo(1, doVec(1, 1)))

	if l.CanUndo() {
		t.Fatal("expected no further undo after undoing the only Do")
	}
	if !l.CanRedo() {
		t.Fatal("expected redo available after an Undo")
	}

	undone, ok := l.GetRequest(1)
	if !ok || undone.Kind != request.Undo {
		t.Fatalf("GetRequest(1) = %+v, %v", undone, ok)
	}

	mustAdd(t, l, request.NewRedo(1, doVec(1, 2)))
	if !l.CanUndo() {
		t.Fatal("expected undo available again after a Redo")
	}
	if l.CanRedo() {
		t.Fatal("expected no further redo after redoing")
	}
}

func TestMultipleDosUndoRedoChaining(t *testing.T) {
	l := New(1)
	mustAdd(t, l, request.NewDo(1, doVec(1, 0), insertOp("a")))
	mustAdd(t, l, request.NewDo(1, doVec(1, 1), insertOp("b")))

	next, ok := l.NextUndo()
	if !ok || next.Vector.Get(1) != 1 {
		t.Fatalf("NextUndo should be the most recent Do, got %+v", next)
	}

	mustAdd(t, l, request.NewUndo(1, doVec(1, 2)))
	next, ok = l.NextUndo()
	if !ok || next.Vector.Get(1) != 0 {
		t.Fatalf("NextUndo after undoing the second Do should be the first Do, got %+v", next)
	}
}

func TestAddRequestRejectsWrongUser(t *testing.T) {
	l := New(1)
	err := l.AddRequest(request.NewDo(2, doVec(2, 0), insertOp("a")))
	if err == nil {
		t.Fatal("expected error for mismatched user")
	}
}

func TestAddRequestRejectsOutOfOrderVector(t *testing.T) {
	l := New(1)
	mustAdd(t, l, request.NewDo(1, doVec(1, 0), insertOp("a")))
	err := l.AddRequest(request.NewDo(1, doVec(1, 5), insertOp("b")))
	if err == nil {
		t.Fatal("expected error for a vector component that skips ahead of the log")
	}
}

func TestRemoveRequestsRequiresChainBoundary(t *testing.T) {
	l := New(1)
	mustAdd(t, l, request.NewDo(1, doVec(1, 0), insertOp("a")))
	mustAdd(t, l, request.NewUndo(1, doVec(1, 1)))

	// The Do at index 0 has upperRelated 1 (the Undo), so it is not the
	// last entry of its chain and removing up to index 1 would split the
	// chain: only removing up to 0 or up to 2 is legal.
	if err := l.RemoveRequests(1); err == nil {
		t.Fatal("expected RemoveRequests(1) to reject a mid-chain boundary")
	}
	if err := l.RemoveRequests(2); err != nil {
		t.Fatalf("RemoveRequests(2): %v", err)
	}
	if l.Begin() != 2 {
		t.Fatalf("Begin() = %d, want 2", l.Begin())
	}
}

func TestRemoveRequestsClearsStaleNextUndoRedo(t *testing.T) {
	l := New(1)
	mustAdd(t, l, request.NewDo(1, doVec(1, 0), insertOp("a")))

	if err := l.RemoveRequests(1); err != nil {
		t.Fatalf("RemoveRequests: %v", err)
	}
	if l.CanUndo() {
		t.Fatal("expected CanUndo to become false once the only Do is removed")
	}
}

func TestCache(t *testing.T) {
	l := New(1)
	mustAdd(t, l, request.NewDo(1, doVec(1, 0), insertOp("a")))

	transformed := request.NewDo(1, doVec(1, 0), insertOp("a"))
	l.AddCached(0, "2:3", transformed)

	got, ok := l.LookupCached(0, "2:3")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Vector.Get(1) != transformed.Vector.Get(1) {
		t.Fatalf("cached request mismatch")
	}

	if _, ok := l.LookupCached(0, "9:9"); ok {
		t.Fatal("expected cache miss for a different vector key")
	}
}

func mustAdd(t *testing.T, l *Log, req request.Request) {
	t.Helper()
	if err := l.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
}
