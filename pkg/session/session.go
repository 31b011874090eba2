// Package session implements the generic collaborative-session state
// machine of spec.md §4.6: Synchronizing/Running/Closed status, a user
// table, per-connection synchronization tracking, and an inbound-message
// dispatch table shared by every document type. Text- and chat-specific
// behavior plugs in through the Handler interface (pkg/textsession,
// pkg/chatsession).
//
// Concurrency: per SPEC_FULL.md §5, a Session owns one goroutine that
// serializes all state mutation; every other method is a thin client that
// posts a command to that goroutine and waits for its result, generalizing
// Kolabpad's mutex-protected single-writer pattern to a command-channel
// actor.
package session

import (
	"fmt"
	"sort"

	"github.com/infinoted/infinote/pkg/infinoerr"
	"github.com/infinoted/infinote/pkg/wire"
)

// Status is the session's own lifecycle state.
type Status int

const (
	Synchronizing Status = iota
	Running
	Closed
)

// SyncStatus is a per-connection synchronization state.
type SyncStatus int

const (
	SyncNone SyncStatus = iota
	SyncInProgress
	SyncAwaitingAck
	SyncComplete
	SyncFailed
)

// UserStatus classifies a joined user.
type UserStatus int

const (
	Unavailable UserStatus = iota
	Inactive
	Active
)

func (s UserStatus) String() string {
	switch s {
	case Unavailable:
		return "unavailable"
	case Inactive:
		return "inactive"
	default:
		return "active"
	}
}

// User is one joined participant.
type User struct {
	ID     uint32
	Name   string
	Status UserStatus
	ConnID uint64 // 0 when not bound to a live connection
}

// Connection is what a session needs from a transport connection: an
// identity and a way to push a group-wrapped XML element.
type Connection interface {
	ID() uint64
	Open() bool
	SendElements(elems ...wire.Element)
}

// Handler supplies the document-type-specific half of a session: the sync
// payload, consuming sync elements, and dispatching messages the generic
// table does not already own (spec.md §4.6's "document-type-specific
// messages from the subclass").
type Handler interface {
	// SyncPayload returns the ordered elements synchronize_to streams
	// after sync-begin and before sync-end.
	SyncPayload() []wire.Element
	// HandleSyncElement consumes one payload element arriving during
	// synchronize_from.
	HandleSyncElement(el wire.Element) error
	// HandleMessage dispatches a subclass-owned inbound element. handled
	// is false if the tag does not belong to this subclass.
	HandleMessage(conn Connection, from *User, el wire.Element) (handled bool, err error)
}

// UserObserver is an optional Handler extension, notified of join/leave/
// status-change events the generic table already owns, so a subclass can
// keep its own record of a user without owning the wire tag itself
// (spec.md §4.8's chat userjoin/userpart backlog entries).
type UserObserver interface {
	NoteUser(id uint32, name string, status UserStatus)
}

// JoinParams is the input to JoinUser.
type JoinParams struct {
	Name   string
	ConnID uint64
}

type cmd struct {
	fn   func()
	done chan struct{}
}

// Session is the generic state machine. Create one per document via New,
// then Run it in its own goroutine.
type Session struct {
	handler Handler

	status   Status
	nextUser uint32
	users    map[uint32]*User
	subs     map[uint64]Connection
	syncStat map[uint64]SyncStatus

	cmds chan cmd
	stop chan struct{}
}

// New returns a session in Synchronizing status.
func New(handler Handler) *Session {
	return &Session{
		handler:  handler,
		status:   Synchronizing,
		nextUser: 1,
		users:    make(map[uint32]*User),
		subs:     make(map[uint64]Connection),
		syncStat: make(map[uint64]SyncStatus),
		cmds:     make(chan cmd, 64),
		stop:     make(chan struct{}),
	}
}

// Run is the owning actor goroutine; call it exactly once, typically via
// `go s.Run()`. It returns when Close has been processed.
func (s *Session) Run() {
	for {
		select {
		case c := <-s.cmds:
			c.fn()
			close(c.done)
		case <-s.stop:
			return
		}
	}
}

// do posts fn to the actor and blocks until it has run.
func (s *Session) do(fn func()) {
	done := make(chan struct{})
	s.cmds <- cmd{fn: fn, done: done}
	<-done
}

// Status returns the current lifecycle status.
func (s *Session) Status() (st Status) {
	s.do(func() { st = s.status })
	return st
}

// Payload returns the handler's current document-specific content, the
// same elements a fresh SynchronizeTo would stream after sync-begin. Used
// by callers that need to persist a session's state outside of any
// particular connection's synchronization (e.g. periodic autosave).
func (s *Session) Payload() (payload []wire.Element) {
	s.do(func() { payload = s.handler.SyncPayload() })
	return payload
}

// SynchronizeTo streams the current state to conn: sync-begin, one
// sync-user per known user, the handler's document-specific payload, then
// sync-end.
func (s *Session) SynchronizeTo(conn Connection) {
	s.do(func() {
		var userElems []wire.Element
		for _, id := range s.userIDsSorted() {
			u := s.users[id]
			userElems = append(userElems, &wire.SyncUser{ID: u.ID, Name: u.Name, Status: u.Status.String()})
		}
		payload := s.handler.SyncPayload()

		conn.SendElements(&wire.SyncBegin{Num: len(userElems) + len(payload)})
		conn.SendElements(userElems...)
		conn.SendElements(payload...)
		conn.SendElements(&wire.SyncEnd{})
	})
}

// SynchronizeFrom marks conn as having begun an inbound synchronization;
// the caller tracks the claimed element count from sync-begin itself and
// passes it to FinishSynchronizeFrom once sync-end arrives.
func (s *Session) SynchronizeFrom(conn Connection) {
	s.do(func() {
		s.syncStat[conn.ID()] = SyncInProgress
	})
}

// ReceiveSyncElement feeds one payload element during an in-progress
// SynchronizeFrom. Once every element announced in sync-begin has arrived
// the caller is expected to follow with FinishSynchronizeFrom after
// observing sync-end.
func (s *Session) ReceiveSyncElement(conn Connection, el wire.Element) (err error) {
	s.do(func() {
		if s.status != Synchronizing {
			err = fmt.Errorf("received sync element outside Synchronizing: %w", infinoerr.ErrUnexpectedMessage)
			return
		}
		if su, ok := el.(*wire.SyncUser); ok {
			if su.ID >= s.nextUser {
				s.nextUser = su.ID + 1
			}
			s.users[su.ID] = &User{ID: su.ID, Name: su.Name, Status: statusFromString(su.Status)}
			return
		}
		if hErr := s.handler.HandleSyncElement(el); hErr != nil {
			s.syncStat[conn.ID()] = SyncFailed
			err = hErr
			return
		}
	})
	return err
}

func statusFromString(status string) UserStatus {
	switch status {
	case "active":
		return Active
	case "inactive":
		return Inactive
	default:
		return Unavailable
	}
}

// FinishSynchronizeFrom completes a synchronization: verifies the payload
// count the sender claimed in sync-begin matched what actually arrived,
// replies sync-ack, and transitions Synchronizing -> Running.
func (s *Session) FinishSynchronizeFrom(conn Connection, claimedCount, receivedCount int) (err error) {
	s.do(func() {
		if claimedCount != receivedCount {
			s.syncStat[conn.ID()] = SyncFailed
			s.status = Closed
			err = fmt.Errorf("sync-end count %d does not match %d received: %w", claimedCount, receivedCount, infinoerr.ErrMalformedXML)
			return
		}
		s.syncStat[conn.ID()] = SyncComplete
		conn.SendElements(&wire.SyncAck{})
		s.status = Running
	})
	return err
}

// Subscribe adds conn to the subscription group. Precondition: Running.
func (s *Session) Subscribe(conn Connection) (err error) {
	s.do(func() {
		if s.status != Running {
			err = fmt.Errorf("subscribe while not Running: %w", infinoerr.ErrInvalidRequest)
			return
		}
		s.subs[conn.ID()] = conn
	})
	return err
}

// Unsubscribe removes conn; every user joined via that connection becomes
// Unavailable.
func (s *Session) Unsubscribe(conn Connection) {
	s.do(func() {
		delete(s.subs, conn.ID())
		delete(s.syncStat, conn.ID())
		ids := s.userIDsSorted()
		for _, id := range ids {
			u := s.users[id]
			if u.ConnID == conn.ID() {
				u.Status = Unavailable
				u.ConnID = 0
				s.broadcast(&wire.UserStatusChange{ID: u.ID, Status: u.Status.String()})
			}
		}
	})
}

// JoinUser creates or rejoins a local user.
func (s *Session) JoinUser(p JoinParams) (user User, err error) {
	s.do(func() {
		user, err = s.joinLocked(p.Name, p.ConnID)
	})
	return user, err
}

// Close broadcasts session-close to all subscribers and transitions to
// Closed.
func (s *Session) Close() {
	s.do(func() {
		if s.status == Closed {
			return
		}
		s.broadcast(&wire.SessionClose{})
		s.status = Closed
	})
	close(s.stop)
}

// Dispatch routes one inbound element from conn through the common table,
// falling back to the handler for subclass-owned tags. Unrecognized tags
// fail with ErrUnexpectedMessage.
func (s *Session) Dispatch(conn Connection, el wire.Element) (err error) {
	s.do(func() {
		switch e := el.(type) {
		case *wire.UserJoin:
			u, jErr := s.joinLocked(e.Name, conn.ID())
			err = jErr
			if jErr == nil {
				s.notifyObserverLocked(u.ID)
			}
			return
		case *wire.UserLeave:
			s.leaveLocked(e.ID)
			s.notifyObserverLocked(e.ID)
			return
		case *wire.UserStatusChange:
			s.statusChangeLocked(e.ID, e.Status)
			s.notifyObserverLocked(e.ID)
			return
		case *wire.SessionUnsubscribe:
			delete(s.subs, conn.ID())
			return
		case *wire.SessionClose:
			s.status = Closed
			return
		case *wire.RequestFailed:
			// Surfaced to the caller; the session itself has no pending
			// request state to fail (that lives in the subclass, e.g.
			// textsession's in-flight request tracking).
			return
		default:
			handled, hErr := s.handler.HandleMessage(conn, s.userByConnLocked(conn.ID()), el)
			if hErr != nil {
				err = hErr
				return
			}
			if !handled {
				err = fmt.Errorf("tag %q: %w", el.TagName(), infinoerr.ErrUnexpectedMessage)
			}
		}
	})
	return err
}

// joinLocked creates a new user, or reactivates an existing unavailable one
// with the same name (rejoin), broadcasting the corresponding wire event.
// Must only be called from within the actor goroutine.
func (s *Session) joinLocked(name string, connID uint64) (User, error) {
	if name == "" {
		return User{}, fmt.Errorf("join without a name: %w", infinoerr.ErrNameMissing)
	}
	for _, id := range s.userIDsSorted() {
		u := s.users[id]
		if u.Name != name {
			continue
		}
		if u.Status != Unavailable {
			return User{}, fmt.Errorf("name %q already in use: %w", name, infinoerr.ErrNameInUse)
		}
		u.Status = Active
		u.ConnID = connID
		s.broadcast(&wire.UserRejoin{ID: u.ID, Name: u.Name})
		return *u, nil
	}
	id := s.nextUser
	s.nextUser++
	u := &User{ID: id, Name: name, Status: Active, ConnID: connID}
	s.users[id] = u
	s.broadcast(&wire.UserJoin{Name: u.Name})
	return *u, nil
}

// userByConnLocked returns the joined user bound to connID, if any. Must
// only be called from within the actor goroutine.
func (s *Session) userByConnLocked(connID uint64) *User {
	for _, id := range s.userIDsSorted() {
		if u := s.users[id]; u.ConnID == connID {
			return u
		}
	}
	return nil
}

// notifyObserverLocked informs the handler of id's current name/status if
// it implements UserObserver. Must only be called from within the actor
// goroutine, after the user table already reflects the change.
func (s *Session) notifyObserverLocked(id uint32) {
	obs, ok := s.handler.(UserObserver)
	if !ok {
		return
	}
	if u, ok := s.users[id]; ok {
		obs.NoteUser(u.ID, u.Name, u.Status)
	}
}

func (s *Session) leaveLocked(id uint32) {
	if u, ok := s.users[id]; ok {
		u.Status = Unavailable
		u.ConnID = 0
		s.broadcast(&wire.UserLeave{ID: id})
	}
}

func (s *Session) statusChangeLocked(id uint32, status string) {
	if u, ok := s.users[id]; ok {
		switch status {
		case "active":
			u.Status = Active
		case "inactive":
			u.Status = Inactive
		case "unavailable":
			u.Status = Unavailable
		}
		s.broadcast(&wire.UserStatusChange{ID: id, Status: status})
	}
}

// broadcast sends elems to every subscriber.
func (s *Session) broadcast(elems ...wire.Element) {
	for _, id := range s.connIDsSorted() {
		s.subs[id].SendElements(elems...)
	}
}

func (s *Session) connIDsSorted() []uint64 {
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Session) userIDsSorted() []uint32 {
	ids := make([]uint32, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Users returns a snapshot of the user table.
func (s *Session) Users() (out []User) {
	s.do(func() {
		for _, id := range s.userIDsSorted() {
			out = append(out, *s.users[id])
		}
	})
	return out
}
