package directory

import (
	"errors"
	"fmt"
	"testing"

	"github.com/infinoted/infinote/pkg/infinoerr"
)

// fakeStorage is an in-memory stand-in for the filesystem collaborator.
type fakeStorage struct {
	children map[string][]StoredNode
	created  map[string]bool
	removed  map[string]bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		children: map[string][]StoredNode{"/": nil},
		created:  map[string]bool{},
		removed:  map[string]bool{},
	}
}

func (f *fakeStorage) ReadChildren(path string) ([]StoredNode, error) {
	return f.children[path], nil
}

func (f *fakeStorage) CreateSubdirectory(path string) error {
	f.created[path] = true
	f.children[path] = nil
	return nil
}

func (f *fakeStorage) CreateDocument(path, docType string, initialContent []byte) error {
	f.created[path] = true
	return nil
}

func (f *fakeStorage) Remove(path string) error {
	if !f.created[path] {
		return fmt.Errorf("remove of unknown path %q", path)
	}
	f.removed[path] = true
	return nil
}

type fakeSession struct {
	running bool
	closed  bool
}

func (s *fakeSession) IsRunning() bool { return s.running }
func (s *fakeSession) Close()          { s.running = false; s.closed = true }

func TestExploreIsIdempotent(t *testing.T) {
	storage := newFakeStorage()
	storage.children["/"] = []StoredNode{{Name: "notes", Kind: Document, DocType: "InfText"}}

	d := New(storage)
	children1, err := d.Explore(d.Root())
	if err != nil {
		t.Fatalf("Explore: %v", err)
	}
	if len(children1) != 1 || children1[0].Name != "notes" {
		t.Fatalf("unexpected children: %+v", children1)
	}

	children2, err := d.Explore(d.Root())
	if err != nil {
		t.Fatalf("second Explore: %v", err)
	}
	if len(children2) != 1 || children2[0].ID != children1[0].ID {
		t.Fatalf("second explore should return the same linked node, got %+v", children2)
	}
}

func TestAddDocumentRejectsDuplicateName(t *testing.T) {
	storage := newFakeStorage()
	d := New(storage)

	if _, err := d.AddDocument(d.Root(), "doc", "InfText", nil); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	_, err := d.AddDocument(d.Root(), "doc", "InfText", nil)
	if !errors.Is(err, infinoerr.ErrNameInUse) {
		t.Fatalf("expected ErrNameInUse, got %v", err)
	}
}

func TestAddSubdirectoryAndNestedDocument(t *testing.T) {
	storage := newFakeStorage()
	d := New(storage)

	sub, err := d.AddSubdirectory(d.Root(), "projects")
	if err != nil {
		t.Fatalf("AddSubdirectory: %v", err)
	}
	doc, err := d.AddDocument(sub, "readme", "InfText", []byte("hello"))
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	if got, ok := d.Lookup(doc.ID); !ok || got != doc {
		t.Fatalf("Lookup did not find the new document")
	}
	if !storage.created["/projects/"] {
		t.Fatal("expected the subdirectory to be persisted")
	}
	if !storage.created["/projects/readme/"] {
		t.Fatal("expected the document to be persisted under its parent path")
	}
}

func TestRemoveRecursivelyClosesSessionsAndPrunesIDs(t *testing.T) {
	storage := newFakeStorage()
	d := New(storage)

	sub, _ := d.AddSubdirectory(d.Root(), "projects")
	doc, _ := d.AddDocument(sub, "readme", "InfText", nil)

	session := &fakeSession{running: true}
	if _, err := d.SubscribeSession(doc, func(n *Node) (SessionProxy, error) {
		return session, nil
	}); err != nil {
		t.Fatalf("SubscribeSession: %v", err)
	}

	if err := d.Remove(sub); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !session.closed {
		t.Fatal("expected the document's running session to be closed on removal")
	}
	if _, ok := d.Lookup(sub.ID); ok {
		t.Fatal("expected the subdirectory to be pruned from the id index")
	}
	if _, ok := d.Lookup(doc.ID); ok {
		t.Fatal("expected the nested document to be pruned from the id index")
	}
	if !storage.removed["/projects/"] {
		t.Fatal("expected storage.Remove to be called with the subdirectory's path")
	}
}

func TestRenameNodeRejectsCollision(t *testing.T) {
	storage := newFakeStorage()
	d := New(storage)

	a, _ := d.AddDocument(d.Root(), "a", "InfText", nil)
	_, _ = d.AddDocument(d.Root(), "b", "InfText", nil)

	if err := d.RenameNode(a, "b"); !errors.Is(err, infinoerr.ErrNameInUse) {
		t.Fatalf("expected ErrNameInUse, got %v", err)
	}
	if err := d.RenameNode(a, "c"); err != nil {
		t.Fatalf("RenameNode: %v", err)
	}
	if a.Name != "c" {
		t.Fatalf("expected node renamed to %q, got %q", "c", a.Name)
	}
}

func TestViewSetOnlyPushesToConnectionsWithParentOpen(t *testing.T) {
	storage := newFakeStorage()
	d := New(storage)

	var pushed []uint64
	vs := NewViewSet(func(connID uint64, parent, n *Node, kind, oldName string) {
		pushed = append(pushed, connID)
	})
	d.AddListener(vs)

	viewA := vs.Connect(1)
	vs.Connect(2) // connection 2 never opens the root

	viewA.Open(d.Root().ID)

	if _, err := d.AddDocument(d.Root(), "doc", "InfText", nil); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	if len(pushed) != 1 || pushed[0] != 1 {
		t.Fatalf("expected only connection 1 to receive the push, got %v", pushed)
	}
}
