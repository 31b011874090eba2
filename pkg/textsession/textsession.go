// Package textsession is the text-document session.Handler: it owns a
// pkg/algorithm engine over the document buffer and translates between
// wire requests and the algorithm's Do/Undo/Redo operations, plus caret
// color changes (spec.md §4.7).
package textsession

import (
	"fmt"
	"sync"

	"github.com/infinoted/infinote/pkg/algorithm"
	"github.com/infinoted/infinote/pkg/infinoerr"
	"github.com/infinoted/infinote/pkg/request"
	"github.com/infinoted/infinote/pkg/session"
	"github.com/infinoted/infinote/pkg/statevector"
	"github.com/infinoted/infinote/pkg/textchunk"
	"github.com/infinoted/infinote/pkg/wire"
)

// Session is a text document's Handler. A session.Session must be
// constructed with New's result and Run in its own goroutine; every
// method below that touches the algorithm must only ever be called from
// inside that actor (via session.Session.Dispatch / sync methods), which
// already serializes access; the session's own mutex guards only the hue
// table.
type Session struct {
	mu  sync.Mutex // guards hues only; algorithm access is actor-serialized
	alg *algorithm.Algorithm
	hue map[uint32]int
}

// New returns a text session handler over an empty buffer.
func New() *Session {
	return &Session{alg: algorithm.New(), hue: make(map[uint32]int)}
}

// NewWithBuffer returns a text session handler seeded from existing
// document content (e.g. loaded from storage).
func NewWithBuffer(buf *textchunk.Chunk) *Session {
	return &Session{alg: algorithm.NewWithBuffer(buf), hue: make(map[uint32]int)}
}

// Buffer returns a snapshot of the current document content.
func (s *Session) Buffer() *textchunk.Chunk { return s.alg.Buffer() }

// SyncPayload implements session.Handler: one sync-segment per authored
// run in the buffer (spec.md §4.7). No sync-request elements are sent, so
// the receiving side starts with empty request logs.
func (s *Session) SyncPayload() []wire.Element {
	var elems []wire.Element
	s.alg.Buffer().Iterate(func(seg textchunk.Segment) bool {
		elems = append(elems, &wire.SyncSegment{Author: seg.Author, Text: seg.Text})
		return true
	})
	return elems
}

// HandleSyncElement implements session.Handler.
func (s *Session) HandleSyncElement(el wire.Element) error {
	switch e := el.(type) {
	case *wire.SyncSegment:
		// Re-applied in order as plain inserts at the growing buffer's
		// end; authorship comes from the segment's authored chunk. Buffer
		// returns a copy, so the algorithm is rebuilt over the grown copy,
		// which starts it with empty request logs.
		buf := s.alg.Buffer()
		op := request.Insert(buf.Len(), authoredChunk(e.Text, e.Author))
		if err := op.Apply(buf, e.Author); err != nil {
			return err
		}
		s.alg = algorithm.NewWithBuffer(buf)
		return nil
	case *wire.SyncRequest:
		return nil
	default:
		return fmt.Errorf("tag %q: %w", el.TagName(), infinoerr.ErrUnexpectedMessage)
	}
}

// HandleMessage implements session.Handler: dispatches <request> and
// <user-color-change>, the two text-specific inbound tags.
func (s *Session) HandleMessage(conn session.Connection, from *session.User, el wire.Element) (bool, error) {
	switch e := el.(type) {
	case *wire.Request:
		return true, s.handleRequest(conn, e)
	case *wire.UserColorChange:
		s.mu.Lock()
		s.hue[e.User] = e.Hue
		s.mu.Unlock()
		return true, nil
	default:
		return false, nil
	}
}

func (s *Session) handleRequest(conn session.Connection, w *wire.Request) error {
	vec, err := statevector.Parse(w.Time)
	if err != nil {
		return fmt.Errorf("parsing request vector %q: %w", w.Time, infinoerr.ErrMalformedXML)
	}

	switch {
	case w.Insert != nil:
		op := request.Insert(w.Insert.Position, authoredChunk(w.Insert.Text, int32(w.User)))
		return s.alg.ReceiveRequest(request.NewDo(w.User, vec, op))
	case w.Delete != nil:
		op := request.Delete(w.Delete.Position, w.Delete.Length)
		return s.alg.ReceiveRequest(request.NewDo(w.User, vec, op))
	case w.Undo != nil:
		return s.alg.ReceiveRequest(request.NewUndo(w.User, vec))
	case w.Redo != nil:
		return s.alg.ReceiveRequest(request.NewRedo(w.User, vec))
	default:
		return fmt.Errorf("request with no operation: %w", infinoerr.ErrMalformedXML)
	}
}

// Insert executes a local insert from user and returns the wire request
// to broadcast to the group.
func (s *Session) Insert(user uint32, position int, text string) (*wire.Request, error) {
	op := request.Insert(position, authoredChunk(text, int32(user)))
	req, err := s.alg.ExecuteRequest(user, op)
	if err != nil {
		return nil, err
	}
	return &wire.Request{
		User:   user,
		Time:   req.Vector.Encode(),
		Insert: &wire.InsertOp{Position: position, Text: text},
	}, nil
}

// authoredChunk returns a one-segment chunk of text tagged with author, the
// form request.Insert needs (the Operation carries its own content, Apply's
// author parameter is not consulted for Insert).
func authoredChunk(text string, author int32) *textchunk.Chunk {
	c := textchunk.New()
	c.InsertText(0, text, author)
	return c
}

// Delete executes a local delete from user and returns the wire request
// to broadcast.
func (s *Session) Delete(user uint32, position, length int) (*wire.Request, error) {
	op := request.Delete(position, length)
	req, err := s.alg.ExecuteRequest(user, op)
	if err != nil {
		return nil, err
	}
	return &wire.Request{
		User: user,
		Time: req.Vector.Encode(),
		Delete: &wire.DeleteOp{Position: position, Length: length},
	}, nil
}

// Undo executes user's next undoable request and returns the wire request
// to broadcast.
func (s *Session) Undo(user uint32) (*wire.Request, error) {
	req, err := s.alg.Undo(user)
	if err != nil {
		return nil, err
	}
	return &wire.Request{User: user, Time: req.Vector.Encode(), Undo: &wire.UndoOp{}}, nil
}

// Redo executes user's next redoable request and returns the wire request
// to broadcast.
func (s *Session) Redo(user uint32) (*wire.Request, error) {
	req, err := s.alg.Redo(user)
	if err != nil {
		return nil, err
	}
	return &wire.Request{User: user, Time: req.Vector.Encode(), Redo: &wire.RedoOp{}}, nil
}

// CanUndo reports whether user has an undoable request.
func (s *Session) CanUndo(user uint32) bool { return s.alg.CanUndo(user) }

// CanRedo reports whether user has a redoable request.
func (s *Session) CanRedo(user uint32) bool { return s.alg.CanRedo(user) }

// Vacuum bounds the request logs given every subscriber's last acked
// vector (spec.md §4.5 vacuum policy).
func (s *Session) Vacuum(acked []*statevector.Vector) { s.alg.Vacuum(acked) }
