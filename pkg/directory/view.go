package directory

import "sync"

// View tracks, for one connection, which subdirectories it has been told
// the children of (spec.md §4.9 "tracks which subdirectories are 'open'").
// Adding/removing/renaming a node is only pushed to connections whose view
// includes the affected parent.
type View struct {
	mu   sync.Mutex
	open map[uint32]struct{}
}

// NewView returns an empty view.
func NewView() *View {
	return &View{open: make(map[uint32]struct{})}
}

// Open marks nodeID's children as visible to this connection (called after
// an explore-begin/explore-end exchange for that node).
func (v *View) Open(nodeID uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open[nodeID] = struct{}{}
}

// Close marks nodeID as no longer tracked (e.g. the connection navigated
// away, or the node itself was removed).
func (v *View) Close(nodeID uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.open, nodeID)
}

// Includes reports whether nodeID's children are currently visible.
func (v *View) Includes(nodeID uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.open[nodeID]
	return ok
}

// ViewSet tracks one View per connection id, and is the Listener a server
// layer installs to decide fan-out for add-node/remove-node/rename-node
// pushes.
type ViewSet struct {
	mu    sync.Mutex
	views map[uint64]*View
	push  func(connID uint64, parent *Node, n *Node, kind string, oldName string)
}

// NewViewSet returns a ViewSet that calls push for every visible mutation.
// kind is one of "add", "remove", "rename".
func NewViewSet(push func(connID uint64, parent, n *Node, kind, oldName string)) *ViewSet {
	return &ViewSet{views: make(map[uint64]*View), push: push}
}

// Connect registers a fresh view for connID.
func (vs *ViewSet) Connect(connID uint64) *View {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := NewView()
	vs.views[connID] = v
	return v
}

// Disconnect drops connID's view.
func (vs *ViewSet) Disconnect(connID uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	delete(vs.views, connID)
}

func (vs *ViewSet) fanOut(parent *Node, n *Node, kind, oldName string) {
	vs.mu.Lock()
	type entry struct {
		id uint64
		v  *View
	}
	entries := make([]entry, 0, len(vs.views))
	for id, v := range vs.views {
		entries = append(entries, entry{id, v})
	}
	vs.mu.Unlock()

	for _, e := range entries {
		if e.v.Includes(parent.ID) {
			vs.push(e.id, parent, n, kind, oldName)
		}
	}
}

// NodeAdded implements Listener.
func (vs *ViewSet) NodeAdded(parent, n *Node) { vs.fanOut(parent, n, "add", "") }

// NodeRemoved implements Listener.
func (vs *ViewSet) NodeRemoved(parent, n *Node) { vs.fanOut(parent, n, "remove", "") }

// NodeRenamed implements Listener.
func (vs *ViewSet) NodeRenamed(n *Node, oldName string) {
	if n.Parent != nil {
		vs.fanOut(n.Parent, n, "rename", oldName)
	}
}
