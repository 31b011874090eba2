// Package directory implements the hierarchical node tree of spec.md §4.9:
// subdirectory/document nodes keyed by name among siblings, explore/add/
// remove/subscribe operations, per-connection "open subdirectory"
// visibility tracking, and the add-node/remove-node/rename-node push to
// every connection whose view includes the affected parent.
// Grounded on infd-directory.c's node lifecycle (link/unlink, register/
// unregister, explore) generalized from GObject iterators to plain Go
// pointers and an owning actor goroutine (SPEC_FULL.md §5).
package directory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/infinoted/infinote/pkg/acl"
	"github.com/infinoted/infinote/pkg/infinoerr"
)

// Kind distinguishes a subdirectory from a document leaf.
type Kind int

const (
	Subdirectory Kind = iota
	Document
)

// Storage is the filesystem collaborator a directory consults to persist
// and enumerate nodes (spec.md §1 lists the filesystem store as an
// external collaborator specified only via interface).
type Storage interface {
	// ReadChildren returns the persisted children of the subdirectory at
	// path, in storage order.
	ReadChildren(path string) ([]StoredNode, error)
	// CreateSubdirectory persists a new empty subdirectory at path.
	CreateSubdirectory(path string) error
	// CreateDocument persists a new document at path with the given
	// document type tag and optional initial content.
	CreateDocument(path, docType string, initialContent []byte) error
	// Remove deletes the persisted node (recursively for subdirectories).
	Remove(path string) error
}

// StoredNode is one entry Storage.ReadChildren reports.
type StoredNode struct {
	Name    string
	Kind    Kind
	DocType string // meaningful only for Document
}

// Node is one entry in the tree.
type Node struct {
	ID     uint32
	Parent *Node
	Name   string
	Kind   Kind

	// DocType names the document's content type (e.g. "InfText"); empty
	// for subdirectories.
	DocType string

	// Subdirectory-only state.
	explored bool
	children map[string]*Node

	// Document-only state: a proxy to the running or dormant session,
	// installed by the directory's owner once a session exists.
	session SessionProxy

	sheets acl.SheetSet
}

// ACLSheets implements acl.Node.
func (n *Node) ACLSheets() acl.SheetSet { return n.sheets }

// ACLParent implements acl.Node.
func (n *Node) ACLParent() (acl.Node, bool) {
	if n.Parent == nil {
		return nil, false
	}
	return n.Parent, true
}

// SessionProxy is the minimal shape a document node's attached session
// exposes to the directory (subscribe wakes it, IsRunning reports whether
// there is anyone to close when the node is removed).
type SessionProxy interface {
	IsRunning() bool
	Close()
}

// Listener receives node lifecycle pushes so a server layer can forward
// them as `<add-node>` / `<remove-node>` / `<rename-node>` to every
// connection whose open-subdirectory view includes the affected parent
// (spec.md §4.9 "Network side").
type Listener interface {
	NodeAdded(parent *Node, n *Node)
	NodeRemoved(parent *Node, n *Node)
	NodeRenamed(n *Node, oldName string)
}

// Directory owns the node tree. All mutating methods are safe for
// concurrent use; callers outside the owning actor goroutine should still
// route through a single command channel per SPEC_FULL.md §5 rather than
// calling directly from multiple goroutines, but the mutex makes direct
// use safe too.
type Directory struct {
	mu      sync.Mutex
	storage Storage
	nextID  uint32
	root    *Node
	byID    map[uint32]*Node

	listeners []Listener
}

// New returns a directory rooted at an unexplored subdirectory node 0.
func New(storage Storage) *Directory {
	root := &Node{ID: 0, Name: "", Kind: Subdirectory, children: make(map[string]*Node), sheets: acl.SheetSet{
		acl.DefaultAccount: {Account: acl.DefaultAccount, Mask: acl.MaskAll, Perms: acl.MaskAll},
	}}
	return &Directory{
		storage: storage,
		nextID:  1,
		root:    root,
		byID:    map[uint32]*Node{0: root},
	}
}

// AddListener registers a push listener.
func (d *Directory) AddListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Root returns the root node.
func (d *Directory) Root() *Node { return d.root }

// Lookup finds a node by id.
func (d *Directory) Lookup(id uint32) (*Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.byID[id]
	return n, ok
}

func (d *Directory) path(n *Node) string {
	if n.Parent == nil {
		return "/"
	}
	return d.path(n.Parent) + n.Name + "/"
}

// Path returns n's path string, the same convention Storage methods take
// ("/", "/projects/", "/projects/readme/"). Exported for callers (the
// server's document-wake logic) that need to address Storage directly by
// node, e.g. to load or save a document's persisted content.
func (d *Directory) Path(n *Node) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path(n)
}

// Explore reads node's children from storage and links them into the tree,
// if not already explored. Idempotent (spec.md §4.9).
func (d *Directory) Explore(node *Node) ([]*Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if node.Kind != Subdirectory {
		return nil, fmt.Errorf("node %d is not a subdirectory: %w", node.ID, infinoerr.ErrInvalidRequest)
	}
	if node.explored {
		return d.sortedChildren(node), nil
	}

	stored, err := d.storage.ReadChildren(d.path(node))
	if err != nil {
		return nil, fmt.Errorf("reading children of node %d: %w", node.ID, infinoerr.ErrStorage)
	}

	for _, sc := range stored {
		child := &Node{
			ID:      d.nextID,
			Parent:  node,
			Name:    sc.Name,
			Kind:    sc.Kind,
			DocType: sc.DocType,
			sheets:  acl.SheetSet{},
		}
		if sc.Kind == Subdirectory {
			child.children = make(map[string]*Node)
		}
		d.nextID++
		node.children[sc.Name] = child
		d.byID[child.ID] = child
	}
	node.explored = true

	return d.sortedChildren(node), nil
}

func (d *Directory) sortedChildren(node *Node) []*Node {
	out := make([]*Node, 0, len(node.children))
	for _, c := range node.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddSubdirectory creates and links a new subdirectory under parent.
func (d *Directory) AddSubdirectory(parent *Node, name string) (*Node, error) {
	return d.addNode(parent, name, Subdirectory, "", nil)
}

// AddDocument creates and links a new document under parent.
func (d *Directory) AddDocument(parent *Node, name, docType string, initialContent []byte) (*Node, error) {
	return d.addNode(parent, name, Document, docType, initialContent)
}

func (d *Directory) addNode(parent *Node, name string, kind Kind, docType string, initialContent []byte) (*Node, error) {
	d.mu.Lock()
	if parent.Kind != Subdirectory {
		d.mu.Unlock()
		return nil, fmt.Errorf("parent %d is not a subdirectory: %w", parent.ID, infinoerr.ErrInvalidRequest)
	}
	if _, exists := parent.children[name]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("name %q already exists under node %d: %w", name, parent.ID, infinoerr.ErrNameInUse)
	}

	child := &Node{
		ID:      d.nextID,
		Parent:  parent,
		Name:    name,
		Kind:    kind,
		DocType: docType,
		sheets:  acl.SheetSet{},
	}
	if kind == Subdirectory {
		child.children = make(map[string]*Node)
	}
	d.nextID++
	parent.children[name] = child
	d.byID[child.ID] = child
	path := d.path(child)
	d.mu.Unlock()

	var err error
	if kind == Subdirectory {
		err = d.storage.CreateSubdirectory(path)
	} else {
		err = d.storage.CreateDocument(path, docType, initialContent)
	}
	if err != nil {
		d.mu.Lock()
		delete(parent.children, name)
		delete(d.byID, child.ID)
		d.mu.Unlock()
		return nil, fmt.Errorf("persisting node %q: %w", name, infinoerr.ErrStorage)
	}

	d.notifyAdded(parent, child)
	return child, nil
}

// RenameNode renames an existing node among its siblings.
func (d *Directory) RenameNode(node *Node, newName string) error {
	d.mu.Lock()
	if node.Parent == nil {
		d.mu.Unlock()
		return fmt.Errorf("cannot rename the root node: %w", infinoerr.ErrInvalidRequest)
	}
	if _, exists := node.Parent.children[newName]; exists {
		d.mu.Unlock()
		return fmt.Errorf("name %q already exists: %w", newName, infinoerr.ErrNameInUse)
	}
	old := node.Name
	delete(node.Parent.children, old)
	node.Name = newName
	node.Parent.children[newName] = node
	d.mu.Unlock()

	d.notifyRenamed(node, old)
	return nil
}

// Remove recursively closes sessions and removes node and its descendants.
func (d *Directory) Remove(node *Node) error {
	d.mu.Lock()
	if node.Parent == nil {
		d.mu.Unlock()
		return fmt.Errorf("cannot remove the root node: %w", infinoerr.ErrInvalidRequest)
	}
	path := d.path(node)
	parent := node.Parent
	d.mu.Unlock()

	d.closeRecursive(node)

	if err := d.storage.Remove(path); err != nil {
		return fmt.Errorf("removing node %d from storage: %w", node.ID, infinoerr.ErrStorage)
	}

	d.mu.Lock()
	delete(parent.children, node.Name)
	d.pruneIDs(node)
	d.mu.Unlock()

	d.notifyRemoved(parent, node)
	return nil
}

func (d *Directory) closeRecursive(node *Node) {
	d.mu.Lock()
	kind := node.Kind
	session := node.session
	var children []*Node
	if kind == Subdirectory {
		children = d.sortedChildren(node)
	}
	d.mu.Unlock()

	for _, c := range children {
		d.closeRecursive(c)
	}
	if kind == Document && session != nil && session.IsRunning() {
		session.Close()
	}
}

func (d *Directory) pruneIDs(node *Node) {
	delete(d.byID, node.ID)
	for _, c := range node.children {
		d.pruneIDs(c)
	}
}

// SubscribeSession returns node's session proxy, invoking wake if the
// session is dormant. Fails with ErrInvalidRequest if node is not a
// document.
func (d *Directory) SubscribeSession(node *Node, wake func(*Node) (SessionProxy, error)) (SessionProxy, error) {
	d.mu.Lock()
	if node.Kind != Document {
		d.mu.Unlock()
		return nil, fmt.Errorf("node %d is not a document: %w", node.ID, infinoerr.ErrInvalidRequest)
	}
	existing := node.session
	d.mu.Unlock()

	if existing != nil && existing.IsRunning() {
		return existing, nil
	}

	proxy, err := wake(node)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	node.session = proxy
	d.mu.Unlock()
	return proxy, nil
}

func (d *Directory) notifyAdded(parent, n *Node) {
	d.mu.Lock()
	ls := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()
	for _, l := range ls {
		l.NodeAdded(parent, n)
	}
}

func (d *Directory) notifyRemoved(parent, n *Node) {
	d.mu.Lock()
	ls := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()
	for _, l := range ls {
		l.NodeRemoved(parent, n)
	}
}

func (d *Directory) notifyRenamed(n *Node, oldName string) {
	d.mu.Lock()
	ls := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()
	for _, l := range ls {
		l.NodeRenamed(n, oldName)
	}
}
