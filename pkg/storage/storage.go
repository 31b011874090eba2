// Package storage is the filesystem document-storage collaborator
// spec.md §6 describes: each document's content is a file under a root
// directory named by the node's path, with subdirectories as real
// filesystem directories; file contents are the session's own
// to-xml-sync/from-xml-sync serialization. It implements
// pkg/directory.Storage directly.
package storage

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/infinoted/infinote/pkg/directory"
	"github.com/infinoted/infinote/pkg/infinoerr"
	"github.com/infinoted/infinote/pkg/wire"
)

// Filesystem is a pkg/directory.Storage backed by real files and
// directories under Root.
type Filesystem struct {
	root string
}

// New returns a Filesystem rooted at root, creating it if necessary.
func New(root string) (*Filesystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", root, infinoerr.ErrStorage)
	}
	return &Filesystem{root: root}, nil
}

// fsPath maps a directory node path ("/", "/projects/", "/projects/readme/")
// to the corresponding filesystem path.
func (f *Filesystem) fsPath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return f.root
	}
	return filepath.Join(f.root, filepath.FromSlash(trimmed))
}

// ReadChildren implements directory.Storage.
func (f *Filesystem) ReadChildren(path string) ([]directory.StoredNode, error) {
	dirPath := f.fsPath(path)
	entries, err := os.ReadDir(dirPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading children of %q: %w", path, infinoerr.ErrStorage)
	}

	names := make([]string, 0, len(entries))
	byName := make(map[string]os.DirEntry, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
		byName[e.Name()] = e
	}
	sort.Strings(names)

	out := make([]directory.StoredNode, 0, len(names))
	for _, name := range names {
		e := byName[name]
		if e.IsDir() {
			out = append(out, directory.StoredNode{Name: name, Kind: directory.Subdirectory})
			continue
		}
		docType, err := readDocType(filepath.Join(dirPath, name))
		if err != nil {
			return nil, err
		}
		out = append(out, directory.StoredNode{Name: name, Kind: directory.Document, DocType: docType})
	}
	return out, nil
}

// CreateSubdirectory implements directory.Storage.
func (f *Filesystem) CreateSubdirectory(path string) error {
	if err := os.MkdirAll(f.fsPath(path), 0o755); err != nil {
		return fmt.Errorf("creating subdirectory %q: %w", path, infinoerr.ErrStorage)
	}
	return nil
}

// CreateDocument implements directory.Storage: it writes a new document
// file whose body is initialContent, already encoded the way SaveDocument
// would encode it (an empty slice yields an empty document).
func (f *Filesystem) CreateDocument(path, docType string, initialContent []byte) error {
	full := f.fsPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating parent of %q: %w", path, infinoerr.ErrStorage)
	}
	doc := documentFile{Type: docType, Inner: initialContent}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding document %q: %w", path, infinoerr.ErrStorage)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("writing document %q: %w", path, infinoerr.ErrStorage)
	}
	return nil
}

// Remove implements directory.Storage: removes the node recursively.
func (f *Filesystem) Remove(path string) error {
	if err := os.RemoveAll(f.fsPath(path)); err != nil {
		return fmt.Errorf("removing %q: %w", path, infinoerr.ErrStorage)
	}
	return nil
}

// documentFile is the on-disk wrapper around a document's serialized
// elements: a type tag (so ReadChildren can report DocType without the
// directory tree needing to know the payload format) plus the raw
// wire-element bytes a to-xml-sync call produced.
type documentFile struct {
	XMLName xml.Name `xml:"document"`
	Type    string   `xml:"type,attr"`
	Inner   []byte   `xml:",innerxml"`
}

func readDocType(fsPath string) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", fmt.Errorf("opening %q: %w", fsPath, infinoerr.ErrStorage)
	}
	defer f.Close()

	xd := xml.NewDecoder(f)
	for {
		tok, err := xd.Token()
		if err != nil {
			return "", fmt.Errorf("reading document header of %q: %w", fsPath, infinoerr.ErrStorage)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, a := range start.Attr {
			if a.Name.Local == "type" {
				return a.Value, nil
			}
		}
		return "", nil
	}
}

// SaveDocument is the to-xml-sync half of spec.md §6's storage contract:
// it persists elems (a session's SyncPayload) as the document at path.
func (f *Filesystem) SaveDocument(path, docType string, elems []wire.Element) error {
	inner, err := wire.EncodeElements(elems...)
	if err != nil {
		return fmt.Errorf("encoding document %q: %w", path, infinoerr.ErrStorage)
	}
	return f.CreateDocument(path, docType, inner)
}

// LoadDocument is the from-xml-sync half: it reads the document at path
// back into its doc type and ordered elements, ready to feed a session's
// HandleSyncElement one at a time.
func (f *Filesystem) LoadDocument(path string) (docType string, elems []wire.Element, err error) {
	data, err := os.ReadFile(f.fsPath(path))
	if err != nil {
		return "", nil, fmt.Errorf("reading document %q: %w", path, infinoerr.ErrStorage)
	}

	var doc documentFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", nil, fmt.Errorf("decoding document %q: %w", path, infinoerr.ErrMalformedXML)
	}

	elems, err = wire.DecodeElements(bytes.NewReader(doc.Inner))
	if err != nil {
		return "", nil, fmt.Errorf("decoding document body %q: %w", path, err)
	}
	return doc.Type, elems, nil
}
