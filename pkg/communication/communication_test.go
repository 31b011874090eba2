package communication

import (
	"sync"
	"testing"
)

// fakeConn is a Connection whose Send only records the pending send; the
// test triggers completion manually to control draining precisely.
type fakeConn struct {
	id uint64

	mu      sync.Mutex
	open    bool
	pending []func()
	sent    [][]byte
}

func newFakeConn(id uint64) *fakeConn { return &fakeConn{id: id, open: true} }

func (c *fakeConn) ID() uint64 { return c.id }
func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Send(data []byte, onSent func()) {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	c.pending = append(c.pending, onSent)
	c.mu.Unlock()
}

// completeOne fires the oldest not-yet-completed send's callback.
func (c *fakeConn) completeOne() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	cb := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()
	cb()
}

func (c *fakeConn) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// TestRegistryFlowControl mirrors spec.md §8 seed scenario 6: enqueueing
// 12 messages for one entry puts exactly InnerLimit (5) in flight; after
// two complete, two more become in flight.
func TestRegistryFlowControl(t *testing.T) {
	reg := NewRegistry()
	g := NewGroup("doc/1", "me", true)
	conn := newFakeConn(1)
	g.AddMember(conn)

	if err := reg.Register(conn, g, CentralMethod{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 12; i++ {
		if err := reg.Send(conn, g, []byte("msg")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	if got := conn.inFlight(); got != InnerLimit {
		t.Fatalf("expected exactly %d messages in flight, got %d", InnerLimit, got)
	}

	conn.completeOne()
	conn.completeOne()

	if got := conn.inFlight(); got != InnerLimit {
		t.Fatalf("expected in-flight count to refill back to %d after two sent, got %d", InnerLimit, got)
	}
}

// TestCentralMethodRelaysToOtherMembers checks the publisher relays an
// incoming member message to every other member, but not back to the
// sender.
func TestCentralMethodRelaysToOtherMembers(t *testing.T) {
	reg := NewRegistry()
	g := NewGroup("doc/1", "me", true) // this process hosts the group

	sender := newFakeConn(1)
	other1 := newFakeConn(2)
	other2 := newFakeConn(3)
	g.AddMember(sender)
	g.AddMember(other1)
	g.AddMember(other2)

	for _, c := range []*fakeConn{sender, other1, other2} {
		if err := reg.Register(c, g, CentralMethod{}); err != nil {
			t.Fatalf("Register %d: %v", c.id, err)
		}
	}

	var delivered []uint64
	g.SetConsumer(func(conn Connection, xml []byte) {
		delivered = append(delivered, conn.ID())
	})

	reg.Receive(sender, g, []byte("<request/>"))

	if len(delivered) != 1 || delivered[0] != 1 {
		t.Fatalf("expected the consumer to see exactly the sender once, got %v", delivered)
	}
	if other1.inFlight() != 1 {
		t.Fatalf("expected other1 to have the relayed message in flight, got %d", other1.inFlight())
	}
	if other2.inFlight() != 1 {
		t.Fatalf("expected other2 to have the relayed message in flight, got %d", other2.inFlight())
	}
	if sender.inFlight() != 0 {
		t.Fatal("expected the sender not to receive its own message back")
	}
}

// TestUnregisterDrainsBeforeFreeing checks that unregistering an entry
// with messages still queued in the outer queue (beyond InnerLimit
// in-flight) enters draining state instead of dropping them, and that the
// queued messages still reach the connection as sends complete.
func TestUnregisterDrainsBeforeFreeing(t *testing.T) {
	reg := NewRegistry()
	g := NewGroup("doc/1", "me", true)
	conn := newFakeConn(1)
	g.AddMember(conn)
	if err := reg.Register(conn, g, CentralMethod{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < InnerLimit+2; i++ {
		if err := reg.Send(conn, g, []byte("msg")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if got := conn.inFlight(); got != InnerLimit {
		t.Fatalf("expected %d in flight before unregister, got %d", InnerLimit, got)
	}

	reg.Unregister(conn, g)

	// Draining: the still-queued messages must still be delivered as
	// in-flight slots free up, even though the entry is no longer
	// reachable for new sends.
	for i := 0; i < 2; i++ {
		conn.completeOne()
	}
	if got := conn.inFlight(); got != InnerLimit {
		t.Fatalf("expected the draining entry to keep refilling in-flight slots from its outer queue, got %d", got)
	}

	// A further send to the now-unregistered entry must fail: draining
	// only flushes what was already queued, it does not accept new work.
	if err := reg.Send(conn, g, []byte("new")); err == nil {
		t.Fatal("expected Send to a draining/unregistered entry to fail")
	}
}

// TestCancelMessagesDropsOnlyOuterQueue checks CancelMessages removes
// queued-but-not-yet-in-flight messages without touching in-flight ones.
func TestCancelMessagesDropsOnlyOuterQueue(t *testing.T) {
	reg := NewRegistry()
	g := NewGroup("doc/1", "me", true)
	conn := newFakeConn(1)
	g.AddMember(conn)
	if err := reg.Register(conn, g, CentralMethod{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < InnerLimit+3; i++ {
		if err := reg.Send(conn, g, []byte("msg")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if got := conn.inFlight(); got != InnerLimit {
		t.Fatalf("expected %d in flight before cancel, got %d", InnerLimit, got)
	}

	reg.CancelMessages(conn, g)

	conn.completeOne()
	if got := conn.inFlight(); got != InnerLimit-1 {
		t.Fatalf("expected cancelled outer queue not to refill in-flight slots, got %d", got)
	}
}
