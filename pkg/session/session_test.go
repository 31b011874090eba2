package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/infinoted/infinote/pkg/infinoerr"
	"github.com/infinoted/infinote/pkg/wire"
)

// fakeHandler is a minimal Handler: no sync payload, accepts any message
// tagged "message" as its own, everything else falls through.
type fakeHandler struct {
	mu      sync.Mutex
	payload []wire.Element
	synced  []wire.Element
	lastFrom *User
}

func (h *fakeHandler) SyncPayload() []wire.Element { return h.payload }

func (h *fakeHandler) HandleSyncElement(el wire.Element) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.synced = append(h.synced, el)
	return nil
}

func (h *fakeHandler) HandleMessage(conn Connection, from *User, el wire.Element) (bool, error) {
	if _, ok := el.(*wire.Message); ok {
		h.mu.Lock()
		h.lastFrom = from
		h.mu.Unlock()
		return true, nil
	}
	return false, nil
}

func (h *fakeHandler) seenFrom() *User {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFrom
}

// observingHandler is a fakeHandler that also implements UserObserver, to
// exercise Dispatch's optional join/leave/status-change notification.
type observingHandler struct {
	fakeHandler
	mu   sync.Mutex
	noted []User
}

func (h *observingHandler) NoteUser(id uint32, name string, status UserStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.noted = append(h.noted, User{ID: id, Name: name, Status: status})
}

func (h *observingHandler) seenNotes() []User {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]User(nil), h.noted...)
}

type fakeConn struct {
	id uint64

	mu  sync.Mutex
	out []wire.Element
}

func newFakeConn(id uint64) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() uint64 { return c.id }
func (c *fakeConn) Open() bool { return true }
func (c *fakeConn) SendElements(elems ...wire.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, elems...)
}

func (c *fakeConn) received() []wire.Element {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Element(nil), c.out...)
}

func newRunningSession(t *testing.T) (*Session, *fakeHandler) {
	t.Helper()
	h := &fakeHandler{}
	s := New(h)
	go s.Run()
	// Drive straight to Running via an empty synchronize_from.
	conn := newFakeConn(999)
	s.SynchronizeFrom(conn)
	if err := s.FinishSynchronizeFrom(conn, 0, 0); err != nil {
		t.Fatalf("FinishSynchronizeFrom: %v", err)
	}
	if got := s.Status(); got != Running {
		t.Fatalf("expected Running, got %v", got)
	}
	return s, h
}

func TestSynchronizeToStreamsBeginPayloadEnd(t *testing.T) {
	h := &fakeHandler{payload: []wire.Element{&wire.UserJoin{Name: "ana"}}}
	s := New(h)
	go s.Run()
	defer s.Close()

	conn := newFakeConn(1)
	s.SynchronizeTo(conn)

	out := conn.received()
	if len(out) != 3 {
		t.Fatalf("expected begin+payload+end, got %d elements", len(out))
	}
	begin, ok := out[0].(*wire.SyncBegin)
	if !ok || begin.Num != 1 {
		t.Fatalf("expected sync-begin with n=1, got %#v", out[0])
	}
	if _, ok := out[2].(*wire.SyncEnd); !ok {
		t.Fatalf("expected sync-end last, got %#v", out[2])
	}
}

func TestFinishSynchronizeFromMismatchClosesSession(t *testing.T) {
	h := &fakeHandler{}
	s := New(h)
	go s.Run()

	conn := newFakeConn(1)
	s.SynchronizeFrom(conn)
	err := s.FinishSynchronizeFrom(conn, 3, 2)
	if !errors.Is(err, infinoerr.ErrMalformedXML) {
		t.Fatalf("expected ErrMalformedXML, got %v", err)
	}
	if got := s.Status(); got != Closed {
		t.Fatalf("expected Closed after mismatched sync-end, got %v", got)
	}
}

func TestJoinUserThenRejoinAfterUnavailable(t *testing.T) {
	s, _ := newRunningSession(t)
	defer s.Close()

	u, err := s.JoinUser(JoinParams{Name: "ana", ConnID: 1})
	if err != nil {
		t.Fatalf("JoinUser: %v", err)
	}

	conn := newFakeConn(1)
	if err := s.Subscribe(conn); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	s.Unsubscribe(conn)

	users := s.Users()
	if len(users) != 1 || users[0].Status != Unavailable {
		t.Fatalf("expected ana to become unavailable after unsubscribe, got %+v", users)
	}

	rejoined, err := s.JoinUser(JoinParams{Name: "ana", ConnID: 2})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if rejoined.ID != u.ID {
		t.Fatalf("expected rejoin to reuse id %d, got %d", u.ID, rejoined.ID)
	}
	if rejoined.Status != Active {
		t.Fatalf("expected rejoined user to be active, got %v", rejoined.Status)
	}
}

func TestJoinUserNameInUseWhileActive(t *testing.T) {
	s, _ := newRunningSession(t)
	defer s.Close()

	if _, err := s.JoinUser(JoinParams{Name: "ana", ConnID: 1}); err != nil {
		t.Fatalf("first join: %v", err)
	}
	_, err := s.JoinUser(JoinParams{Name: "ana", ConnID: 2})
	if !errors.Is(err, infinoerr.ErrNameInUse) {
		t.Fatalf("expected ErrNameInUse, got %v", err)
	}
}

func TestDispatchUnknownTagFails(t *testing.T) {
	s, _ := newRunningSession(t)
	defer s.Close()

	conn := newFakeConn(1)
	err := s.Dispatch(conn, &wire.QueryAcl{})
	if !errors.Is(err, infinoerr.ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
	}
}

func TestDispatchMessageFallsThroughToHandler(t *testing.T) {
	s, _ := newRunningSession(t)
	defer s.Close()

	conn := newFakeConn(1)
	if err := s.Dispatch(conn, &wire.Message{Text: "hi"}); err != nil {
		t.Fatalf("expected handler to accept message tag, got %v", err)
	}
}

func TestUnsubscribeMarksOwnedUsersUnavailableAndBroadcasts(t *testing.T) {
	s, _ := newRunningSession(t)
	defer s.Close()

	connA := newFakeConn(1)
	connB := newFakeConn(2)
	if err := s.Subscribe(connA); err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	if err := s.Subscribe(connB); err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}
	if _, err := s.JoinUser(JoinParams{Name: "ana", ConnID: 1}); err != nil {
		t.Fatalf("JoinUser: %v", err)
	}

	s.Unsubscribe(connA)

	out := connB.received()
	var sawStatusChange bool
	for _, el := range out {
		if sc, ok := el.(*wire.UserStatusChange); ok && sc.Status == "unavailable" {
			sawStatusChange = true
		}
	}
	if !sawStatusChange {
		t.Fatalf("expected connB to observe ana's status change to unavailable, got %#v", out)
	}
}

// TestDispatchResolvesSenderFromConnID checks that a <message> routed
// through Dispatch is attributed to the user joined on the sending
// connection, rather than always reaching the handler with from=nil.
func TestDispatchResolvesSenderFromConnID(t *testing.T) {
	h := &fakeHandler{}
	s := New(h)
	go s.Run()
	defer s.Close()

	conn := newFakeConn(999)
	s.SynchronizeFrom(conn)
	if err := s.FinishSynchronizeFrom(conn, 0, 0); err != nil {
		t.Fatalf("FinishSynchronizeFrom: %v", err)
	}

	sender := newFakeConn(7)
	u, err := s.JoinUser(JoinParams{Name: "ana", ConnID: sender.ID()})
	if err != nil {
		t.Fatalf("JoinUser: %v", err)
	}

	if err := s.Dispatch(sender, &wire.Message{Type: "normal", Text: "hi"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	from := h.seenFrom()
	if from == nil {
		t.Fatal("expected HandleMessage to receive a non-nil sender")
	}
	if from.ID != u.ID {
		t.Fatalf("expected sender id %d, got %d", u.ID, from.ID)
	}

	// A connection with no joined user still dispatches, with from=nil.
	h2 := &fakeHandler{}
	s2 := New(h2)
	go s2.Run()
	defer s2.Close()
	bystander := newFakeConn(1)
	s2.SynchronizeFrom(bystander)
	if err := s2.FinishSynchronizeFrom(bystander, 0, 0); err != nil {
		t.Fatalf("FinishSynchronizeFrom: %v", err)
	}
	if err := s2.Dispatch(bystander, &wire.Message{Type: "normal", Text: "hi"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := h2.seenFrom(); got != nil {
		t.Fatalf("expected nil sender for an unjoined connection, got %+v", got)
	}
}

// TestDispatchNotifiesUserObserverOnJoinLeaveStatusChange checks that a
// Handler implementing UserObserver is informed of join, leave, and
// status-change events through the normal Dispatch path, without any
// wire tag of its own.
func TestDispatchNotifiesUserObserverOnJoinLeaveStatusChange(t *testing.T) {
	h := &observingHandler{}
	s := New(h)
	go s.Run()
	defer s.Close()

	conn := newFakeConn(999)
	s.SynchronizeFrom(conn)
	if err := s.FinishSynchronizeFrom(conn, 0, 0); err != nil {
		t.Fatalf("FinishSynchronizeFrom: %v", err)
	}

	sender := newFakeConn(1)
	if err := s.Dispatch(sender, &wire.UserJoin{Name: "ana"}); err != nil {
		t.Fatalf("dispatch user-join: %v", err)
	}
	notes := h.seenNotes()
	if len(notes) != 1 || notes[0].Name != "ana" || notes[0].Status != Active {
		t.Fatalf("expected a join notification for ana, got %+v", notes)
	}
	ana := notes[0]

	if err := s.Dispatch(sender, &wire.UserStatusChange{ID: ana.ID, Status: "inactive"}); err != nil {
		t.Fatalf("dispatch status-change: %v", err)
	}
	notes = h.seenNotes()
	if len(notes) != 2 || notes[1].Status != Inactive {
		t.Fatalf("expected an inactive status notification, got %+v", notes)
	}

	if err := s.Dispatch(sender, &wire.UserLeave{ID: ana.ID}); err != nil {
		t.Fatalf("dispatch user-leave: %v", err)
	}
	notes = h.seenNotes()
	if len(notes) != 3 || notes[2].Status != Unavailable {
		t.Fatalf("expected an unavailable status notification on leave, got %+v", notes)
	}
}
