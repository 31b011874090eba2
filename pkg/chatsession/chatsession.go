// Package chatsession is the chat-room session.Handler: a bounded backlog
// of messages synced to joining subscribers, normal/emote message
// dispatch, and synthesized userjoin/userpart log entries driven off
// status changes rather than any wire tag of their own (spec.md §4.8).
package chatsession

import (
	"fmt"
	"io"
	"sync"

	"github.com/infinoted/infinote/pkg/infinoerr"
	"github.com/infinoted/infinote/pkg/session"
	"github.com/infinoted/infinote/pkg/wire"
)

// DefaultBacklog is how many messages the room remembers for late joiners
// when no explicit limit is given (spec.md §4.8).
const DefaultBacklog = 20

// entry is one backlogged line: a real chat message, or a synthesized
// join/part notice.
type entry struct {
	user uint32
	kind string // "normal", "emote", "userjoin", "userpart"
	text string
}

// Session is a chat room's Handler.
type Session struct {
	mu      sync.Mutex
	limit   int
	backlog []entry
	names   map[uint32]string
	sink    io.Writer // optional human-readable log sink
}

// New returns a chat session handler with the default backlog size.
func New() *Session { return NewWithBacklog(DefaultBacklog) }

// NewWithBacklog returns a chat session handler remembering at most limit
// messages for resynchronization.
func NewWithBacklog(limit int) *Session {
	return &Session{limit: limit, names: make(map[uint32]string)}
}

// SetLogSink installs w as the destination for human-readable lines
// ("<name> text", "* name text" for emotes, "*** name has joined" and
// "*** name has left"), one per real or synthesized event, mirroring
// libinfinity's chat log file.
func (s *Session) SetLogSink(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = w
}

func (s *Session) append(e entry) {
	s.backlog = append(s.backlog, e)
	if over := len(s.backlog) - s.limit; over > 0 {
		s.backlog = s.backlog[over:]
	}
	if s.sink != nil {
		name := s.names[e.user]
		switch e.kind {
		case "userjoin":
			fmt.Fprintf(s.sink, "*** %s has joined\n", name)
		case "userpart":
			fmt.Fprintf(s.sink, "*** %s has left\n", name)
		case "emote":
			fmt.Fprintf(s.sink, "* %s %s\n", name, e.text)
		default:
			fmt.Fprintf(s.sink, "<%s> %s\n", name, e.text)
		}
	}
}

func joinLine(name string) string { return fmt.Sprintf("%s has joined", name) }
func partLine(name string) string { return fmt.Sprintf("%s has left", name) }

// SyncPayload implements session.Handler: one sync-message per backlog
// entry, oldest first. Synthesized userjoin/userpart notices are sent
// with the same normal/emote wire shape a real line would use, since
// sync-message has no room for a distinct "system" type; a resuming peer
// sees them as ordinary chat history (spec.md §4.8 — they are never sent
// unsolicited outside of this backlog reconstruction).
func (s *Session) SyncPayload() []wire.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	elems := make([]wire.Element, 0, len(s.backlog))
	for _, e := range s.backlog {
		elems = append(elems, &wire.SyncMessage{User: e.user, Type: wireType(e.kind), Text: e.text})
	}
	return elems
}

// HandleSyncElement implements session.Handler.
func (s *Session) HandleSyncElement(el wire.Element) error {
	sm, ok := el.(*wire.SyncMessage)
	if !ok {
		return fmt.Errorf("tag %q: %w", el.TagName(), infinoerr.ErrUnexpectedMessage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.append(entry{user: sm.User, kind: kindFromWire(sm.Type), text: sm.Text})
	return nil
}

// HandleMessage implements session.Handler: dispatches <message>, the one
// chat-specific inbound tag.
func (s *Session) HandleMessage(conn session.Connection, from *session.User, el wire.Element) (bool, error) {
	m, ok := el.(*wire.Message)
	if !ok {
		return false, nil
	}
	if m.Type != "normal" && m.Type != "emote" {
		return true, fmt.Errorf("message type %q: %w", m.Type, infinoerr.ErrMalformedXML)
	}
	var user uint32
	if from != nil {
		user = from.ID
	}
	s.mu.Lock()
	s.append(entry{user: user, kind: m.Type, text: m.Text})
	s.mu.Unlock()
	return true, nil
}

// NoteUser records name so the log sink can render it for a user id, and
// synthesizes a backlog userjoin/userpart entry for the status change
// (spec.md §4.8's "synthesized, never sent as a distinct wire message").
func (s *Session) NoteUser(user uint32, name string, status session.UserStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[user] = name
	if status == session.Unavailable {
		s.append(entry{user: user, kind: "userpart", text: partLine(name)})
		return
	}
	s.append(entry{user: user, kind: "userjoin", text: joinLine(name)})
}

func wireType(kind string) string {
	if kind == "emote" {
		return "emote"
	}
	return "normal"
}

func kindFromWire(t string) string {
	if t == "emote" {
		return "emote"
	}
	return "normal"
}
