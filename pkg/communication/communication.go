// Package communication implements the group/method/registry multiplexing
// layer of spec.md §4.10: named groups with a publisher and an attached
// consumer (a session or the directory), a central relay method, and a
// per-(connection, group) registry enforcing an in-flight send limit while
// an unbounded outer queue absorbs the rest.
// Grounded on inf-communication-registry.c (outer/inner queue, draining
// state, sent/received callbacks) and inf-communication-central-method.c
// (publisher relays to all members).
package communication

import (
	"fmt"
	"sync"

	"github.com/infinoted/infinote/pkg/infinoerr"
)

// InnerLimit bounds how many messages may be in flight (enqueued but not
// yet reported sent) per registry entry at once (spec.md §4.10).
const InnerLimit = 5

// Connection is the minimal shape the registry needs from a transport
// connection: an identity and an asynchronous send that reports back via
// onSent once the bytes have actually gone out.
type Connection interface {
	ID() uint64
	Open() bool
	Send(data []byte, onSent func())
}

// Method is a per-network routing strategy for a group's messages.
type Method interface {
	// Received handles a message that arrived addressed to g from conn.
	Received(reg *Registry, g *Group, conn Connection, xml []byte)
	// Sent is called once xml, previously sent to conn for g, is confirmed
	// delivered.
	Sent(g *Group, conn Connection, xml []byte)
	// Enqueued is called the moment xml moves from the outer queue into
	// the in-flight inner count, meaning CancelMessages can no longer
	// recall it.
	Enqueued(g *Group, conn Connection, xml []byte)
}

// Group is a named set of member connections sharing a publisher id and a
// consumer object (the session or directory attached to it).
type Group struct {
	Name      string
	Publisher string
	Host      bool // true if this process is the group's publisher

	mu       sync.Mutex
	members  map[uint64]Connection
	consumer func(conn Connection, xml []byte)
}

// NewGroup returns an empty group.
func NewGroup(name, publisher string, host bool) *Group {
	return &Group{Name: name, Publisher: publisher, Host: host, members: make(map[uint64]Connection)}
}

// SetConsumer installs the callback invoked for every message delivered to
// this group, regardless of method.
func (g *Group) SetConsumer(f func(Connection, []byte)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consumer = f
}

// AddMember admits conn to the group.
func (g *Group) AddMember(conn Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[conn.ID()] = conn
}

// RemoveMember evicts conn from the group.
func (g *Group) RemoveMember(conn Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, conn.ID())
}

// Members returns the current member connections, in no particular order.
func (g *Group) Members() []Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Connection, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	return out
}

func (g *Group) deliver(conn Connection, xml []byte) {
	g.mu.Lock()
	c := g.consumer
	g.mu.Unlock()
	if c != nil {
		c(conn, xml)
	}
}

// CentralMethod implements the mandatory central relay strategy: the
// publisher relays every message it receives to all other members; a
// non-publisher process only ever talks to the publisher connection
// (enforced by the caller only registering the publisher connection for a
// joined, non-hosted group).
type CentralMethod struct{}

// Received implements Method.
func (CentralMethod) Received(reg *Registry, g *Group, conn Connection, xml []byte) {
	g.deliver(conn, xml)
	if !g.Host {
		return
	}
	for _, m := range g.Members() {
		if m.ID() == conn.ID() {
			continue
		}
		_ = reg.Send(m, g, xml)
	}
}

// Sent implements Method; the central method has no bookkeeping of its own
// to do beyond what the registry already tracks.
func (CentralMethod) Sent(*Group, Connection, []byte) {}

// Enqueued implements Method.
func (CentralMethod) Enqueued(*Group, Connection, []byte) {}

type entryKey struct {
	connID uint64
	group  string
}

type entry struct {
	conn   Connection
	group  *Group
	method Method

	outer      [][]byte
	inner      int
	registered bool
	draining   bool
}

// Registry is the per-process table of (connection, group) entries, each
// holding an outer queue of pending messages and an inner in-flight count
// (spec.md §4.10).
type Registry struct {
	mu      sync.Mutex
	entries map[entryKey]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[entryKey]*entry)}
}

// Register installs conn as a member of g, routed through method. conn
// must be open. If a draining entry already existed for this key (an
// unregistered entry with messages still in flight), it is reactivated.
func (r *Registry) Register(conn Connection, g *Group, method Method) error {
	if !conn.Open() {
		return fmt.Errorf("registering a closed connection: %w", infinoerr.ErrConnectionLost)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := entryKey{conn.ID(), g.Name}
	if e, ok := r.entries[key]; ok {
		e.draining = false
		e.registered = true
		e.method = method
		return nil
	}
	r.entries[key] = &entry{conn: conn, group: g, method: method, registered: true}
	return nil
}

// Send appends xml to conn's outer queue for g, draining into the inner
// in-flight count up to InnerLimit. Fails if (conn, g) was never
// registered, or is draining after Unregister.
func (r *Registry) Send(conn Connection, g *Group, xml []byte) error {
	r.mu.Lock()
	key := entryKey{conn.ID(), g.Name}
	e, ok := r.entries[key]
	if !ok || !e.registered {
		r.mu.Unlock()
		return fmt.Errorf("send to unregistered (connection %d, group %q): %w", conn.ID(), g.Name, infinoerr.ErrInvalidRequest)
	}
	e.outer = append(e.outer, xml)
	r.mu.Unlock()

	r.drain(e)
	return nil
}

func (r *Registry) drain(e *entry) {
	for {
		r.mu.Lock()
		if e.inner >= InnerLimit || len(e.outer) == 0 {
			r.mu.Unlock()
			return
		}
		xml := e.outer[0]
		e.outer = e.outer[1:]
		e.inner++
		r.mu.Unlock()

		e.method.Enqueued(e.group, e.conn, xml)
		wrapped := wrap(e.group, xml)
		e.conn.Send(wrapped, func() { r.onSent(e, xml) })
	}
}

func (r *Registry) onSent(e *entry, xml []byte) {
	r.mu.Lock()
	e.inner--
	shouldFree := e.draining && len(e.outer) == 0 && e.inner == 0
	if shouldFree {
		delete(r.entries, entryKey{e.conn.ID(), e.group.Name})
	}
	r.mu.Unlock()

	e.method.Sent(e.group, e.conn, xml)
	if !shouldFree {
		r.drain(e)
	}
}

// CancelMessages drops everything still queued (not yet in flight) for
// (conn, g).
func (r *Registry) CancelMessages(conn Connection, g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[entryKey{conn.ID(), g.Name}]; ok {
		e.outer = nil
	}
}

// Unregister removes (conn, g). If the outer queue is non-empty and conn
// is still open, the entry enters draining state instead of being freed
// immediately, so in-flight sends still report back correctly.
func (r *Registry) Unregister(conn Connection, g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := entryKey{conn.ID(), g.Name}
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.registered = false
	if len(e.outer) > 0 && conn.Open() {
		e.draining = true
		return
	}
	delete(r.entries, key)
}

// Receive dispatches an incoming group-wrapped message to g's method.
func (r *Registry) Receive(conn Connection, g *Group, xml []byte) {
	r.mu.Lock()
	e, ok := r.entries[entryKey{conn.ID(), g.Name}]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.method.Received(r, g, conn, xml)
}

// wrap encodes the group envelope around xml. It does not substitute the
// "me"/"you" shorthand of spec.md §4.10: wrap only adds the envelope tag,
// leaving the publisher string exactly as the group carries it.
func wrap(g *Group, xml []byte) []byte {
	out := make([]byte, 0, len(xml)+32)
	out = append(out, fmt.Sprintf(`<group name=%q publisher=%q>`, g.Name, g.Publisher)...)
	out = append(out, xml...)
	out = append(out, "</group>"...)
	return out
}
