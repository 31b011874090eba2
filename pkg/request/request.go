// Package request implements the immutable request/operation model and the
// Do/Do transformation rules of spec.md §4.3: Insert, Delete, and
// Reversible-Delete operations on a text buffer, transformed against each
// other with classical Ellis/Gibbs rules so that concurrent edits converge.
package request

import (
	"fmt"

	"github.com/infinoted/infinote/pkg/infinoerr"
	"github.com/infinoted/infinote/pkg/statevector"
	"github.com/infinoted/infinote/pkg/textchunk"
)

// Kind distinguishes Do/Undo/Redo requests (spec.md §3 "Request").
type Kind int

const (
	Do Kind = iota
	Undo
	Redo
)

func (k Kind) String() string {
	switch k {
	case Do:
		return "Do"
	case Undo:
		return "Undo"
	case Redo:
		return "Redo"
	default:
		return "?"
	}
}

// OpKind distinguishes the buffer operation carried by a Do request.
type OpKind int

const (
	OpNone OpKind = iota
	OpInsert
	OpDelete
	OpDeleteReversible
	// OpSplit holds a sequence of operations applied in order, each
	// addressed relative to the buffer state left by the previous part.
	// Mirrors libinfinity's InfAdoptedSplitOperation: transforming a
	// single delete against a concurrent insert that lands inside its
	// range can turn one contiguous delete into two discontiguous ones,
	// which no longer fits the plain (position, length) shape.
	OpSplit
)

// Operation is one buffer-level primitive: Insert(position, chunk),
// Delete(position, length), Reversible-Delete(position, chunk), a Split of
// sub-operations, or No-op (spec.md §3 "Operation").
type Operation struct {
	Kind     OpKind
	Position int
	Length   int              // valid for Delete and DeleteReversible
	Chunk    *textchunk.Chunk // valid for Insert and DeleteReversible (retained text)
	Parts    []Operation      // valid for Split
}

// NoOp returns the no-op operation.
func NoOp() Operation { return Operation{Kind: OpNone} }

// Insert returns an Insert operation at position carrying chunk.
func Insert(position int, chunk *textchunk.Chunk) Operation {
	return Operation{Kind: OpInsert, Position: position, Chunk: chunk, Length: chunk.Len()}
}

// Delete returns a non-reversible Delete operation.
func Delete(position, length int) Operation {
	return Operation{Kind: OpDelete, Position: position, Length: length}
}

// DeleteReversible returns a Delete operation that retains the deleted
// chunk so it can later be inverted.
func DeleteReversible(position int, chunk *textchunk.Chunk) Operation {
	return Operation{Kind: OpDeleteReversible, Position: position, Chunk: chunk, Length: chunk.Len()}
}

// Split returns an operation that applies parts in sequence, flattening
// nested splits and dropping no-ops. Reduces to NoOp or to the single
// remaining part when that collapses the sequence to 0 or 1 entries.
func Split(parts ...Operation) Operation {
	flat := make([]Operation, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.Kind == OpSplit:
			flat = append(flat, p.Parts...)
		case !p.IsNoOp():
			flat = append(flat, p)
		}
	}
	switch len(flat) {
	case 0:
		return NoOp()
	case 1:
		return flat[0]
	default:
		return Operation{Kind: OpSplit, Parts: flat}
	}
}

// IsNoOp reports whether op has no effect on the buffer.
func (op Operation) IsNoOp() bool {
	switch op.Kind {
	case OpNone:
		return true
	case OpInsert:
		return op.Chunk.Len() == 0
	case OpDelete, OpDeleteReversible:
		return op.Length == 0
	case OpSplit:
		for _, p := range op.Parts {
			if !p.IsNoOp() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Apply applies op to buf in place, attributing inserted text to author.
// Returns infinoerr.ErrInvalidRequest if the operation does not fit the
// buffer (e.g. insert/delete past end-of-buffer).
func (op Operation) Apply(buf *textchunk.Chunk, author int32) error {
	switch op.Kind {
	case OpNone:
		return nil
	case OpInsert:
		if op.Position < 0 || op.Position > buf.Len() {
			return fmt.Errorf("insert at %d, buffer length %d: %w", op.Position, buf.Len(), infinoerr.ErrInvalidRequest)
		}
		buf.InsertChunk(op.Position, op.Chunk)
		return nil
	case OpDelete:
		if op.Position < 0 || op.Length < 0 || op.Position+op.Length > buf.Len() {
			return fmt.Errorf("delete [%d,%d) out of range for buffer length %d: %w", op.Position, op.Position+op.Length, buf.Len(), infinoerr.ErrInvalidRequest)
		}
		buf.Erase(op.Position, op.Length)
		return nil
	case OpDeleteReversible:
		if op.Position < 0 || op.Length < 0 || op.Position+op.Length > buf.Len() {
			return fmt.Errorf("delete [%d,%d) out of range for buffer length %d: %w", op.Position, op.Position+op.Length, buf.Len(), infinoerr.ErrInvalidRequest)
		}
		buf.Erase(op.Position, op.Length)
		return nil
	case OpSplit:
		for _, p := range op.Parts {
			if err := p.Apply(buf, author); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown operation kind %d: %w", op.Kind, infinoerr.ErrInvalidRequest)
	}
}

// Invert returns the inverse of op given the buffer state immediately
// before op was applied (needed to recover the chunk for a plain Delete,
// which does not itself retain one).
func (op Operation) Invert(bufBefore *textchunk.Chunk) Operation {
	switch op.Kind {
	case OpNone:
		return NoOp()
	case OpInsert:
		return DeleteReversible(op.Position, op.Chunk.Substring(0, op.Chunk.Len()))
	case OpDelete, OpDeleteReversible:
		// Always reconstruct from bufBefore rather than trusting a stored
		// chunk: forward transforms (transformDeleteDelete in particular)
		// can shrink a DeleteReversible's Length without keeping its Chunk
		// in sync, since folding only needs Position/Length, not content.
		return Insert(op.Position, bufBefore.Substring(op.Position, op.Length))
	case OpSplit:
		// Invert each part using the buffer state it actually saw, then
		// replay the inverses in reverse order.
		intermediate := make([]*textchunk.Chunk, len(op.Parts)+1)
		intermediate[0] = bufBefore
		for i, p := range op.Parts {
			buf := intermediate[i].Substring(0, intermediate[i].Len())
			p.Apply(buf, 0)
			intermediate[i+1] = buf
		}
		inverted := make([]Operation, len(op.Parts))
		for i := len(op.Parts) - 1; i >= 0; i-- {
			inverted[len(op.Parts)-1-i] = op.Parts[i].Invert(intermediate[i])
		}
		return Split(inverted...)
	default:
		return NoOp()
	}
}

// Request is one immutable user action (spec.md §3 "Request").
type Request struct {
	Kind      Kind
	User      uint32
	Vector    *statevector.Vector
	Operation Operation // only meaningful when Kind == Do
}

// NewDo constructs a Do request. vector's component for user must equal the
// number of prior requests by user already in the log (enforced by the
// request log on append, not here).
func NewDo(user uint32, vector *statevector.Vector, op Operation) Request {
	return Request{Kind: Do, User: user, Vector: vector, Operation: op}
}

// NewUndo constructs an Undo request. Undo/Redo carry no operation of
// their own; it is recovered by walking the log (spec.md §4.3).
func NewUndo(user uint32, vector *statevector.Vector) Request {
	return Request{Kind: Undo, User: user, Vector: vector}
}

// NewRedo constructs a Redo request.
func NewRedo(user uint32, vector *statevector.Vector) Request {
	return Request{Kind: Redo, User: user, Vector: vector}
}

// Transform produces req' such that req' incorporates the effect of
// against, given both were effective operations issued from the same
// state (spec.md §4.3). It operates purely on Operations — translating a
// Request (including Undo/Redo operation recovery) is pkg/requestlog's
// and pkg/algorithm's job.
//
// aHasPriority deterministically orders concurrent insertions at the same
// position: it is true when a's author has priority (spec.md §4.3 says
// "lower id wins").
func Transform(a, b Operation, aHasPriority bool) (aPrime, bPrime Operation) {
	switch {
	case a.Kind == OpSplit:
		return transformSplitAgainst(a, b, aHasPriority)
	case b.Kind == OpSplit:
		bOut, aOut := transformSplitAgainst(b, a, !aHasPriority)
		return aOut, bOut
	case a.IsNoOp():
		return a, transformAgainstNoOp(b)
	case b.IsNoOp():
		return transformAgainstNoOp(a), b
	case a.Kind == OpInsert && b.Kind == OpInsert:
		return transformInsertInsert(a, b, aHasPriority)
	case a.Kind == OpInsert && isDelete(b.Kind):
		aOut, bOut := transformInsertDelete(a, b)
		return aOut, bOut
	case isDelete(a.Kind) && b.Kind == OpInsert:
		bOut, aOut := transformInsertDelete(b, a)
		return aOut, bOut
	case isDelete(a.Kind) && isDelete(b.Kind):
		return transformDeleteDelete(a, b)
	default:
		return a, b
	}
}

func isDelete(k OpKind) bool { return k == OpDelete || k == OpDeleteReversible }

func transformAgainstNoOp(op Operation) Operation { return op }

// transformSplitAgainst transforms each part of split in turn against
// other, threading other's transformed form through each part the way
// libinfinity's split operation transform does, and returns (split',
// other' after the whole sequence).
func transformSplitAgainst(split, other Operation, splitHasPriority bool) (Operation, Operation) {
	parts := make([]Operation, 0, len(split.Parts))
	cur := other
	for _, p := range split.Parts {
		pOut, curOut := Transform(p, cur, splitHasPriority)
		parts = append(parts, pOut)
		cur = curOut
	}
	return Split(parts...), cur
}

// transformInsertInsert: two concurrent inserts. If they land at different
// positions, the later one shifts. If they land at the same position, ties
// are broken by author priority so every replica picks the same order.
func transformInsertInsert(a, b Operation, aHasPriority bool) (Operation, Operation) {
	switch {
	case a.Position < b.Position:
		return a, shiftInsert(b, a.Chunk.Len())
	case a.Position > b.Position:
		return shiftInsert(a, b.Chunk.Len()), b
	default:
		if aHasPriority {
			return a, shiftInsert(b, a.Chunk.Len())
		}
		return shiftInsert(a, b.Chunk.Len()), b
	}
}

func shiftInsert(op Operation, by int) Operation {
	return Insert(op.Position+by, op.Chunk)
}

// transformInsertDelete transforms an Insert `ins` against a concurrent
// Delete `del` issued from the same state. Returns (ins', del').
func transformInsertDelete(ins, del Operation) (Operation, Operation) {
	switch {
	case ins.Position <= del.Position:
		// Insert happens before the deleted range: delete shifts right.
		return ins, shiftDelete(del, ins.Chunk.Len())
	case ins.Position >= del.Position+del.Length:
		// Insert happens after the deleted range: insert shifts left.
		return shiftInsert(ins, -del.Length), del
	default:
		// Insert lands inside the deleted range: pin the insert to the
		// deletion boundary (spec.md §8 seed scenario 2) so it survives,
		// and split the delete into the part before and the part after the
		// insertion point, since the surviving inserted text now separates
		// them into two discontiguous ranges. delAfter's position is given
		// in the coordinate space left after delBefore has been applied,
		// matching Split's sequencing.
		offsetIntoDel := ins.Position - del.Position
		insOut := Insert(del.Position, ins.Chunk)
		delBefore := Delete(del.Position, offsetIntoDel)
		delAfter := Delete(del.Position+ins.Chunk.Len(), del.Length-offsetIntoDel)
		return insOut, Split(delBefore, delAfter)
	}
}

func shiftDelete(del Operation, by int) Operation {
	out := del
	out.Position += by
	return out
}

// transformDeleteDelete transforms two concurrent deletes issued from the
// same state, handling full, partial, and non-overlap.
func transformDeleteDelete(a, b Operation) (Operation, Operation) {
	aEnd, bEnd := a.Position+a.Length, b.Position+b.Length

	switch {
	case aEnd <= b.Position:
		// a entirely before b.
		return a, shiftDeleteLen(b, -a.Length, 0)
	case bEnd <= a.Position:
		// b entirely before a.
		return shiftDeleteLen(a, -b.Length, 0), b
	default:
		// Overlapping ranges: each transformed op only removes the
		// characters not already removed by the other.
		overlapStart := max(a.Position, b.Position)
		overlapEnd := min(aEnd, bEnd)
		overlap := overlapEnd - overlapStart

		aOut := nonOverlapping(a, b, overlap)
		bOut := nonOverlapping(b, a, overlap)
		return aOut, bOut
	}
}

// nonOverlapping computes x's transformed operation against y given their
// overlap size, shifting x's start past whatever part of y lies before it
// and shrinking x's length by the overlap (the already-removed portion).
//
// If x is a DeleteReversible, its retained Chunk is left untouched even
// though Length shrinks; pkg/algorithm re-inserts a retained Chunk only
// while its length still equals the operation's Length.
func nonOverlapping(x, y Operation, overlap int) Operation {
	out := x
	if y.Position < x.Position {
		shiftBefore := min(y.Position+y.Length, x.Position) - y.Position
		out.Position = x.Position - shiftBefore
	}
	out.Length = x.Length - overlap
	if out.Length < 0 {
		out.Length = 0
	}
	return out
}

func shiftDeleteLen(op Operation, posDelta, lenDelta int) Operation {
	out := op
	out.Position += posDelta
	out.Length += lenDelta
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
