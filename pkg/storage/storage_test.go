package storage

import (
	"testing"

	"github.com/infinoted/infinote/pkg/directory"
	"github.com/infinoted/infinote/pkg/wire"
)

func TestCreateSubdirectoryAndDocumentThenReadChildren(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := fs.CreateSubdirectory("/projects/"); err != nil {
		t.Fatalf("CreateSubdirectory: %v", err)
	}
	if err := fs.CreateDocument("/projects/readme/", "text", nil); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	children, err := fs.ReadChildren("/")
	if err != nil {
		t.Fatalf("ReadChildren /: %v", err)
	}
	if len(children) != 1 || children[0].Name != "projects" || children[0].Kind != directory.Subdirectory {
		t.Fatalf("unexpected root children: %+v", children)
	}

	inner, err := fs.ReadChildren("/projects/")
	if err != nil {
		t.Fatalf("ReadChildren /projects/: %v", err)
	}
	if len(inner) != 1 || inner[0].Name != "readme" || inner[0].Kind != directory.Document || inner[0].DocType != "text" {
		t.Fatalf("unexpected /projects/ children: %+v", inner)
	}
}

func TestSaveAndLoadDocumentRoundTrip(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := fs.CreateSubdirectory("/"); err != nil {
		t.Fatalf("CreateSubdirectory: %v", err)
	}

	elems := []wire.Element{
		&wire.SyncSegment{Author: 1, Text: "hello"},
		&wire.SyncSegment{Author: 2, Text: " world"},
	}
	if err := fs.SaveDocument("/doc/", "text", elems); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	docType, got, err := fs.LoadDocument("/doc/")
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if docType != "text" {
		t.Fatalf("expected doc type %q, got %q", "text", docType)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 round-tripped elements, got %d", len(got))
	}
	seg0, ok := got[0].(*wire.SyncSegment)
	if !ok || seg0.Text != "hello" || seg0.Author != 1 {
		t.Fatalf("unexpected first segment: %#v", got[0])
	}
}

func TestRemoveDeletesRecursively(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := fs.CreateSubdirectory("/projects/"); err != nil {
		t.Fatalf("CreateSubdirectory: %v", err)
	}
	if err := fs.CreateDocument("/projects/readme/", "text", nil); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := fs.Remove("/projects/"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	children, err := fs.ReadChildren("/")
	if err != nil {
		t.Fatalf("ReadChildren: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("expected empty root after remove, got %+v", children)
	}
}

func TestReadChildrenOnMissingPathReturnsEmpty(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	children, err := fs.ReadChildren("/nope/")
	if err != nil {
		t.Fatalf("expected no error for a missing path, got %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("expected no children, got %+v", children)
	}
}
