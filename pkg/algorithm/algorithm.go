// Package algorithm implements the adopted operational-transformation
// engine (spec.md §4.5): it owns the shared buffer, the global "current"
// state vector, and one request log per user, and exposes the operations
// a session uses to apply local edits, integrate remote ones, and run
// Undo/Redo. Grounded on libinfinity's InfAdoptedAlgorithm, simplified to
// fit this exercise's scope — see the "Undo/Redo resolution" note below.
package algorithm

import (
	"fmt"
	"sort"

	"github.com/infinoted/infinote/pkg/infinoerr"
	"github.com/infinoted/infinote/pkg/request"
	"github.com/infinoted/infinote/pkg/requestlog"
	"github.com/infinoted/infinote/pkg/statevector"
	"github.com/infinoted/infinote/pkg/textchunk"
)

// Algorithm is the OT core for a single document buffer.
//
// Undo/Redo resolution: an Undo or Redo request carries no operation of
// its own in the wire protocol (spec.md §4.3). The instant such a request
// is executed or received, this type resolves it to a concrete Operation
// by translating the original Do it reverses to the current vector and
// inverting it against the live buffer, then memoizes that concrete
// operation back onto the log entry (requestlog.SetResolvedOperation).
// Every later fold that needs to replay this entry therefore only ever
// reads a plain Operation, never re-derives one from a historical buffer
// snapshot — this trades a small amount of extra bookkeeping at
// resolution time for never needing to keep buffer history around.
type Algorithm struct {
	buffer  *textchunk.Chunk
	current *statevector.Vector
	logs    map[uint32]*requestlog.Log

	// cache memoizes the full result of translating one user's request,
	// originally issued at a given vector, to a given target vector. Keyed
	// by "author@fromVector->targetVector". Spans every user's log, per
	// spec.md §4.5's "transformation cache that spans the logs".
	cache map[string]request.Operation
}

// New returns an algorithm over an empty buffer.
func New() *Algorithm {
	return NewWithBuffer(textchunk.New())
}

// NewWithBuffer returns an algorithm seeded with an existing buffer (e.g.
// loaded from storage).
func NewWithBuffer(buf *textchunk.Chunk) *Algorithm {
	return &Algorithm{
		buffer:  buf,
		current: statevector.New(),
		logs:    make(map[uint32]*requestlog.Log),
		cache:   make(map[string]request.Operation),
	}
}

// Buffer returns a snapshot of the current buffer content. Safe for the
// caller to read; it will not reflect subsequent edits.
func (a *Algorithm) Buffer() *textchunk.Chunk {
	return a.buffer.Substring(0, a.buffer.Len())
}

// CurrentVector returns a copy of the algorithm's current state vector.
func (a *Algorithm) CurrentVector() *statevector.Vector {
	return a.current.Copy()
}

func (a *Algorithm) logFor(user uint32) *requestlog.Log {
	l, ok := a.logs[user]
	if !ok {
		l = requestlog.New(user)
		a.logs[user] = l
	}
	return l
}

// LogEnd returns how many requests are known from user, or 0 if user has
// never been seen.
func (a *Algorithm) LogEnd(user uint32) int {
	l, ok := a.logs[user]
	if !ok {
		return 0
	}
	return l.End()
}

// ExecuteRequest applies a local edit from user: it wraps op into a Do
// request at the current vector, applies it to the buffer, appends it to
// user's log, and advances the current vector. The returned request is
// what the session should broadcast to peers.
func (a *Algorithm) ExecuteRequest(user uint32, op request.Operation) (request.Request, error) {
	req := request.NewDo(user, a.current.Copy(), op)

	if err := op.Apply(a.buffer, int32(user)); err != nil {
		return request.Request{}, err
	}

	log := a.logFor(user)
	if err := log.AddRequest(req); err != nil {
		return request.Request{}, err
	}

	a.current.Add(user, 1)
	return req, nil
}

// ReceiveRequest integrates a request that arrived from a peer: it
// translates the request's operation to the current vector, applies the
// translation, appends the original (untranslated) request to the
// sender's log, and advances the current vector.
func (a *Algorithm) ReceiveRequest(req request.Request) error {
	for _, u := range req.Vector.Users() {
		end := uint32(a.LogEnd(u))
		if req.Vector.Get(u) > end {
			return fmt.Errorf("user %d request vector component %d exceeds known log end %d: %w",
				req.User, req.Vector.Get(u), end, infinoerr.ErrCausalityViolated)
		}
	}

	resolved, err := a.resolve(req)
	if err != nil {
		return err
	}

	if err := resolved.Apply(a.buffer, int32(req.User)); err != nil {
		return err
	}

	log := a.logFor(req.User)
	if err := log.AddRequest(req); err != nil {
		return err
	}
	if req.Kind != request.Do {
		log.SetResolvedOperation(log.End()-1, resolved)
	}

	a.current.Add(req.User, 1)
	return nil
}

// resolve returns req's effect as a concrete Operation at the current
// vector, recovering Undo/Redo's operation from the log when necessary.
func (a *Algorithm) resolve(req request.Request) (request.Operation, error) {
	switch req.Kind {
	case request.Do:
		return a.translateOp(req.Operation, req.Vector, req.User, false)
	case request.Undo:
		log := a.logFor(req.User)
		orig, ok := log.NextUndo()
		if !ok {
			return request.NoOp(), fmt.Errorf("user %d has nothing to undo: %w", req.User, infinoerr.ErrInvalidRequest)
		}
		return a.translateAndInvert(orig)
	case request.Redo:
		log := a.logFor(req.User)
		orig, ok := log.NextRedo()
		if !ok {
			return request.NoOp(), fmt.Errorf("user %d has nothing to redo: %w", req.User, infinoerr.ErrInvalidRequest)
		}
		return a.translateAndInvert(orig)
	default:
		return request.NoOp(), fmt.Errorf("unknown request kind %v: %w", req.Kind, infinoerr.ErrInvalidRequest)
	}
}

// translateAndInvert translates orig (a Do request, possibly itself the
// memoized resolution of a prior Undo/Redo) to the current vector and
// inverts it. A DeleteReversible whose retained chunk still matches its
// length is inverted by re-inserting that chunk, since the live buffer no
// longer holds the deleted text; any other operation is inverted against
// the live buffer.
func (a *Algorithm) translateAndInvert(orig request.Request) (request.Operation, error) {
	// orig is already present in its own log (it was appended when first
	// executed or received), so folding it to the current vector must
	// skip the one slot that is orig itself — otherwise it would be
	// transformed against its own later self.
	atCurrent, err := a.translateOp(orig.Operation, orig.Vector, orig.User, true)
	if err != nil {
		return request.NoOp(), err
	}
	if atCurrent.Kind == request.OpDeleteReversible && atCurrent.Chunk != nil && atCurrent.Chunk.Len() == atCurrent.Length {
		return request.Insert(atCurrent.Position, atCurrent.Chunk.Substring(0, atCurrent.Length)), nil
	}
	return atCurrent.Invert(a.buffer), nil
}

// translateOp folds op — issued by author at fromVector — forward through
// every request causally between fromVector and the algorithm's current
// vector, in ascending user-id order at each concurrent step (spec.md
// §4.5's tie-break rule), producing the operation as it applies at the
// current state.
//
// skipSelf must be true when op's own entry already sits in author's log
// at index fromVector.Get(author) — true whenever translateOp is called
// to re-derive an already-logged request (the translateAndInvert path),
// false for a freshly-arrived request that has not been appended yet.
func (a *Algorithm) translateOp(op request.Operation, fromVector *statevector.Vector, author uint32, skipSelf bool) (request.Operation, error) {
	if statevector.Eq(fromVector, a.current) {
		return op, nil
	}

	key := fmt.Sprintf("%d@%s->%s@%v", author, fromVector.Encode(), a.current.Encode(), skipSelf)
	if cached, ok := a.cache[key]; ok {
		return cached, nil
	}

	diff, err := statevector.Minus(a.current, fromVector)
	if err != nil {
		return request.NoOp(), fmt.Errorf("translate from %s to %s: %w", fromVector.Encode(), a.current.Encode(), infinoerr.ErrCausalityViolated)
	}

	users := diff.Users()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	curOp := op
	curVec := fromVector.Copy()

	for _, u := range users {
		n := diff.Get(u)
		log := a.logFor(u)

		start := uint32(0)
		if skipSelf && u == author {
			curVec.Add(u, 1)
			start = 1
		}

		for i := start; i < n; i++ {
			idx := int(curVec.Get(u))
			against, ok := log.GetRequest(idx)
			if !ok {
				return request.NoOp(), fmt.Errorf("request history for user %d at index %d no longer available: %w", u, idx, infinoerr.ErrCausalityViolated)
			}

			aHasPriority := author < u
			curOp, _ = request.Transform(curOp, against.Operation, aHasPriority)
			curVec.Add(u, 1)
		}
	}

	a.cache[key] = curOp
	return curOp, nil
}

// CanUndo reports whether user has an undoable request.
func (a *Algorithm) CanUndo(user uint32) bool { return a.logFor(user).CanUndo() }

// CanRedo reports whether user has a redoable request.
func (a *Algorithm) CanRedo(user uint32) bool { return a.logFor(user).CanRedo() }

// Undo emits and applies an Undo request for user's most recent undoable
// Do, returning the request to broadcast.
func (a *Algorithm) Undo(user uint32) (request.Request, error) {
	return a.undoOrRedo(user, true)
}

// Redo emits and applies a Redo request for user's most recently undone
// Do, returning the request to broadcast.
func (a *Algorithm) Redo(user uint32) (request.Request, error) {
	return a.undoOrRedo(user, false)
}

func (a *Algorithm) undoOrRedo(user uint32, undo bool) (request.Request, error) {
	log := a.logFor(user)

	var orig request.Request
	var ok bool
	if undo {
		orig, ok = log.NextUndo()
	} else {
		orig, ok = log.NextRedo()
	}
	if !ok {
		verb := "undo"
		if !undo {
			verb = "redo"
		}
		return request.Request{}, fmt.Errorf("user %d has nothing to %s: %w", user, verb, infinoerr.ErrInvalidRequest)
	}

	resolved, err := a.translateAndInvert(orig)
	if err != nil {
		return request.Request{}, err
	}
	if err := resolved.Apply(a.buffer, int32(user)); err != nil {
		return request.Request{}, err
	}

	var req request.Request
	if undo {
		req = request.NewUndo(user, a.current.Copy())
	} else {
		req = request.NewRedo(user, a.current.Copy())
	}

	if err := log.AddRequest(req); err != nil {
		return request.Request{}, err
	}
	log.SetResolvedOperation(log.End()-1, resolved)
	a.current.Add(user, 1)

	return req, nil
}

// Vacuum bounds the logs by removing every request that every given
// acknowledged vector has already incorporated (spec.md §4.5 vacuum
// policy): it computes the componentwise minimum across acked, then
// truncates each log up to the nearest chain boundary at or below that
// bound — never past one, since removing a partial Do/Undo/Redo chain
// would leave a dangling association.
func (a *Algorithm) Vacuum(acked []*statevector.Vector) {
	if len(acked) == 0 {
		return
	}

	bound := acked[0].Copy()
	for _, v := range acked[1:] {
		bound = meet(bound, v)
	}

	for user, log := range a.logs {
		upTo := int(bound.Get(user))
		if upTo > log.End() {
			upTo = log.End()
		}
		for upTo > log.Begin() && log.UpperRelated(upTo-1) != upTo-1 {
			upTo--
		}
		if upTo > log.Begin() {
			_ = log.RemoveRequests(upTo)
		}
	}

	// Cache entries naming a fromVector the vacuum may have pruned out of
	// reach are harmless (they are just never looked up again since no
	// live request will carry that old a vector), so they are left to be
	// reclaimed the next time the whole algorithm is garbage collected
	// rather than swept here.
}

func meet(a, b *statevector.Vector) *statevector.Vector {
	out := statevector.New()
	for _, u := range unionUsers(a, b) {
		av, bv := a.Get(u), b.Get(u)
		if av < bv {
			out.Set(u, av)
		} else {
			out.Set(u, bv)
		}
	}
	return out
}

func unionUsers(a, b *statevector.Vector) []uint32 {
	seen := make(map[uint32]struct{})
	for _, u := range a.Users() {
		seen[u] = struct{}{}
	}
	for _, u := range b.Users() {
		seen[u] = struct{}{}
	}
	out := make([]uint32, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	return out
}
