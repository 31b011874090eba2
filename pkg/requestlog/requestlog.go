// Package requestlog implements the per-user request history that the
// translation algorithm walks to find the operation an Undo/Redo request
// reverses, and how far a request can be folded forward (spec.md §4.4).
// It is a direct port of libinfinity's inf-adopted-request-log.c: every
// entry records which earlier entry it is "associated" with (the Do an
// Undo reverses, or the Undo a Redo replays) and the span of entries that
// make up one Do/Undo/Redo/Undo/Redo/... chain ("related" entries), so
// that chain can be pruned from the log as a unit once nothing refers to
// it anymore.
package requestlog

import (
	"fmt"

	"github.com/infinoted/infinote/pkg/infinoerr"
	"github.com/infinoted/infinote/pkg/request"
)

const none = -1

type entry struct {
	req request.Request

	original int // absolute index of the Do this entry's chain started from
	nextAssoc int
	prevAssoc int

	lowerRelated int
	upperRelated int
}

// Log holds every request issued by one user, indexed by the position of
// the user's state vector component at the time the request was made.
type Log struct {
	userID uint32
	begin  int
	entries []entry

	nextUndo int
	nextRedo int

	cache map[string]request.Request
}

// New returns an empty log for userID.
func New(userID uint32) *Log {
	return &Log{userID: userID, nextUndo: none, nextRedo: none, cache: make(map[string]request.Request)}
}

// Begin returns the index of the oldest request still in the log.
func (l *Log) Begin() int { return l.begin }

// End returns one past the index of the newest request in the log —
// equivalently, the number of requests this user has ever issued.
func (l *Log) End() int { return l.begin + len(l.entries) }

func (l *Log) at(n int) *entry { return &l.entries[n-l.begin] }

// GetRequest returns the request with absolute index n. ok is false if n
// falls outside [Begin(), End()).
func (l *Log) GetRequest(n int) (request.Request, bool) {
	if n < l.begin || n >= l.End() {
		return request.Request{}, false
	}
	return l.at(n).req, true
}

// NextUndo returns the request that the next Undo request by this user
// would undo, if any.
func (l *Log) NextUndo() (request.Request, bool) {
	if l.nextUndo == none {
		return request.Request{}, false
	}
	return l.at(l.nextUndo).req, true
}

// NextRedo returns the request that the next Redo request by this user
// would replay, if any.
func (l *Log) NextRedo() (request.Request, bool) {
	if l.nextRedo == none {
		return request.Request{}, false
	}
	return l.at(l.nextRedo).req, true
}

// CanUndo reports whether this user has an undoable request.
func (l *Log) CanUndo() bool { return l.nextUndo != none }

// CanRedo reports whether this user has a redoable request.
func (l *Log) CanRedo() bool { return l.nextRedo != none }

// AddRequest appends req, which must have been issued by this log's user,
// to the log, maintaining the associated/related links the translation
// algorithm depends on (spec.md §4.4).
func (l *Log) AddRequest(req request.Request) error {
	if req.User != l.userID {
		return fmt.Errorf("request user %d does not match log user %d: %w", req.User, l.userID, infinoerr.ErrInvalidRequest)
	}

	if len(l.entries) == 0 {
		l.begin = int(req.Vector.Get(l.userID))
	} else if int(req.Vector.Get(l.userID)) != l.End() {
		return fmt.Errorf("request vector component %d does not match log end %d: %w", req.Vector.Get(l.userID), l.End(), infinoerr.ErrInvalidRequest)
	}

	idx := l.End()
	e := entry{req: req, nextAssoc: none, prevAssoc: none}

	switch req.Kind {
	case request.Do:
		e.original = idx
		e.lowerRelated = idx
		e.upperRelated = idx
		l.entries = append(l.entries, e)
		l.nextUndo = idx
		l.nextRedo = none

	case request.Undo:
		if l.nextUndo == none {
			return fmt.Errorf("no request to undo: %w", infinoerr.ErrInvalidRequest)
		}
		e.prevAssoc = l.nextUndo
		e.original = l.at(l.nextUndo).original
		e.lowerRelated = l.at(e.original).lowerRelated
		e.upperRelated = idx
		l.entries = append(l.entries, e)
		l.at(l.nextUndo).nextAssoc = idx
		l.spreadRelated(e.lowerRelated, idx)

		l.nextUndo = l.findAssociated(request.Undo)
		l.nextRedo = idx

	case request.Redo:
		if l.nextRedo == none {
			return fmt.Errorf("no request to redo: %w", infinoerr.ErrInvalidRequest)
		}
		e.prevAssoc = l.nextRedo
		e.original = l.at(l.nextRedo).original
		e.lowerRelated = l.at(e.original).lowerRelated
		e.upperRelated = idx
		l.entries = append(l.entries, e)
		l.at(l.nextRedo).nextAssoc = idx
		l.spreadRelated(e.lowerRelated, idx)

		l.nextUndo = idx
		l.nextRedo = l.findAssociated(request.Redo)

	default:
		return fmt.Errorf("unknown request kind %v: %w", req.Kind, infinoerr.ErrInvalidRequest)
	}

	return nil
}

// spreadRelated sets lowerRelated/upperRelated on every entry in
// [lower, upper) to [lower, upper] — the whole Do/Undo/Redo/... chain is
// treated as one contiguous run of absolute indices, from its Do to its
// newest member, including any entries that lie in between.
func (l *Log) spreadRelated(lower, upper int) {
	for n := lower; n < upper; n++ {
		l.at(n).lowerRelated = lower
		l.at(n).upperRelated = upper
	}
}

// findAssociated walks backward from the newest entry to find the request
// that would be undone/redone next, mirroring
// inf_adopted_request_log_find_associated.
func (l *Log) findAssociated(kind request.Kind) int {
	n := l.End() - 1
	for n >= l.begin {
		e := l.at(n)
		switch e.req.Kind {
		case request.Do:
			if kind == request.Redo {
				return none
			}
			return n
		case request.Undo:
			if kind == request.Undo {
				n = e.prevAssoc - 1
				continue
			}
			return n
		case request.Redo:
			if kind == request.Redo {
				n = e.prevAssoc - 1
				continue
			}
			return n
		}
	}
	return none
}

// SetResolvedOperation overwrites the stored request's Operation at index n.
// Used by pkg/algorithm to memoize the concrete operation an Undo/Redo
// request resolved to the one time it is translated against the live
// buffer, so later folds that replay this entry never need a historical
// buffer snapshot to invert it again.
func (l *Log) SetResolvedOperation(n int, op request.Operation) {
	e := l.at(n)
	e.req.Operation = op
}

// UpperRelated returns the absolute index of the last entry of the chain
// that the entry at n belongs to — the precondition RemoveRequests checks
// before pruning up to a boundary.
func (l *Log) UpperRelated(n int) int {
	return l.at(n).upperRelated
}

// RemoveRequests discards every request with index below upTo. It only
// succeeds if upTo sits on a chain boundary: the entry immediately before
// it must be its own upperRelated, i.e. the last member of its
// Do/Undo/Redo/... chain, so no remaining entry's association can point
// into the discarded range (spec.md §4.4, §4.5 vacuum policy).
func (l *Log) RemoveRequests(upTo int) error {
	if upTo < l.begin || upTo > l.End() {
		return fmt.Errorf("removeRequests(%d) out of range [%d,%d]: %w", upTo, l.begin, l.End(), infinoerr.ErrInvalidRequest)
	}
	if upTo != l.begin && l.at(upTo-1).upperRelated != upTo-1 {
		return fmt.Errorf("removeRequests(%d): entry %d is not a chain boundary: %w", upTo, upTo-1, infinoerr.ErrInvalidRequest)
	}

	if l.nextUndo != none && l.nextUndo < upTo {
		l.nextUndo = none
	}
	if l.nextRedo != none && l.nextRedo < upTo {
		l.nextRedo = none
	}

	l.entries = l.entries[upTo-l.begin:]
	l.begin = upTo

	for vec := range l.cache {
		// cache keys are "absoluteIndex|vector"; prune entries whose
		// recorded index has fallen below upTo the same way the C cache
		// drops translations referencing removed requests.
		if idx, ok := cacheEntryIndex(vec); ok && idx < upTo {
			delete(l.cache, vec)
		}
	}

	return nil
}

// LookupCached returns a previously cached transformation of this user's
// request n to vector, if one was recorded with AddCached.
func (l *Log) LookupCached(n int, vectorKey string) (request.Request, bool) {
	req, ok := l.cache[cacheKey(n, vectorKey)]
	return req, ok
}

// AddCached records req as the transformation of this user's request n to
// the state described by vectorKey (typically vector.Encode()), so the
// translation algorithm does not need to redo the transform chain for a
// repeated lookup (spec.md §4.4 mentions this cache; grounded on
// libinfinity's priv->cache GTree).
func (l *Log) AddCached(n int, vectorKey string, req request.Request) {
	l.cache[cacheKey(n, vectorKey)] = req
}

func cacheKey(n int, vectorKey string) string {
	return fmt.Sprintf("%d|%s", n, vectorKey)
}

func cacheEntryIndex(key string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(key, "%d|", &n); err != nil {
		return 0, false
	}
	return n, true
}
