// Package statevector implements the causal timestamps used by the
// operational transformation engine: a partial function from user id to the
// count of that user's requests already incorporated into some state
// (spec.md §4.1).
package statevector

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/infinoted/infinote/pkg/infinoerr"
)

// Order is the three-way causal comparison result, with a fourth case for
// incomparable (concurrent) vectors.
type Order int

const (
	Equal Order = iota
	Less
	Greater
	Concurrent
)

// Vector is an immutable-by-convention state vector. Callers that hand a
// Vector to a Request must not mutate it afterwards (spec.md §4.1
// invariant); Copy gives an independent vector to mutate instead.
type Vector struct {
	components map[uint32]uint32
}

// New returns the empty vector (every component implicitly 0).
func New() *Vector {
	return &Vector{components: make(map[uint32]uint32)}
}

// Get returns the component for user, or 0 if absent.
func (v *Vector) Get(user uint32) uint32 {
	if v == nil {
		return 0
	}
	return v.components[user]
}

// Set assigns the component for user directly.
func (v *Vector) Set(user, n uint32) {
	if n == 0 {
		delete(v.components, user)
		return
	}
	v.components[user] = n
}

// Add increments the component for user by k, returning the new value.
func (v *Vector) Add(user uint32, k uint32) uint32 {
	n := v.components[user] + k
	v.Set(user, n)
	return n
}

// Copy returns an independent copy.
func (v *Vector) Copy() *Vector {
	out := New()
	for u, n := range v.components {
		out.components[u] = n
	}
	return out
}

// Users returns the set of users with a non-zero component, unordered.
func (v *Vector) Users() []uint32 {
	out := make([]uint32, 0, len(v.components))
	for u := range v.components {
		out = append(out, u)
	}
	return out
}

// unionUsers returns the sorted union of users appearing in a and b, used
// so every componentwise operation below visits components in a
// deterministic order.
func unionUsers(a, b *Vector) []uint32 {
	seen := make(map[uint32]struct{}, len(a.components)+len(b.components))
	for u := range a.components {
		seen[u] = struct{}{}
	}
	for u := range b.components {
		seen[u] = struct{}{}
	}
	out := make([]uint32, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Plus returns a new vector that is the componentwise sum of a and b.
func Plus(a, b *Vector) *Vector {
	out := New()
	for _, u := range unionUsers(a, b) {
		out.Set(u, a.Get(u)+b.Get(u))
	}
	return out
}

// Minus returns a new vector a - b. It fails with infinoerr.ErrInvalidVector
// if b is not causally-before-or-equal a, i.e. if any component would go
// negative (spec.md §4.1, §8.6).
func Minus(a, b *Vector) (*Vector, error) {
	out := New()
	for _, u := range unionUsers(a, b) {
		av, bv := a.Get(u), b.Get(u)
		if bv > av {
			return nil, fmt.Errorf("component %d: %d - %d: %w", u, av, bv, infinoerr.ErrInvalidVector)
		}
		out.Set(u, av-bv)
	}
	return out, nil
}

// Join returns the componentwise maximum of a and b (causal join).
func Join(a, b *Vector) *Vector {
	out := New()
	for _, u := range unionUsers(a, b) {
		av, bv := a.Get(u), b.Get(u)
		if av > bv {
			out.Set(u, av)
		} else {
			out.Set(u, bv)
		}
	}
	return out
}

// Compare returns the causal relationship between a and b.
func Compare(a, b *Vector) Order {
	lessSeen, greaterSeen := false, false
	for _, u := range unionUsers(a, b) {
		av, bv := a.Get(u), b.Get(u)
		switch {
		case av < bv:
			lessSeen = true
		case av > bv:
			greaterSeen = true
		}
	}
	switch {
	case !lessSeen && !greaterSeen:
		return Equal
	case lessSeen && !greaterSeen:
		return Less
	case !lessSeen && greaterSeen:
		return Greater
	default:
		return Concurrent
	}
}

// CausallyBefore reports whether every component of a is <= the
// corresponding component of b, with at least one strictly less
// (spec.md §4.1).
func CausallyBefore(a, b *Vector) bool {
	return Compare(a, b) == Less
}

// LessOrEqual reports whether a is causally before or equal to b — the
// precondition under which Minus(b, a) succeeds.
func LessOrEqual(a, b *Vector) bool {
	o := Compare(a, b)
	return o == Less || o == Equal
}

// DiffSum returns the component-sum of the difference between a and b,
// i.e. sum(max(a[u], b[u]) - min(a[u], b[u])) over all users. This is the
// metric the vacuum/unsubscribe policy uses to bound how far behind a
// request may be (spec.md §4.5, §9 Open Questions).
func DiffSum(a, b *Vector) uint64 {
	var sum uint64
	for _, u := range unionUsers(a, b) {
		av, bv := a.Get(u), b.Get(u)
		if av > bv {
			sum += uint64(av - bv)
		} else {
			sum += uint64(bv - av)
		}
	}
	return sum
}

// Encode renders the vector as the wire form: space-separated "id:n" pairs
// canonicalized by ascending id (spec.md §4.1). Zero components are
// omitted since Get treats an absent component as 0.
func (v *Vector) Encode() string {
	users := v.Users()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	parts := make([]string, 0, len(users))
	for _, u := range users {
		parts = append(parts, fmt.Sprintf("%d:%d", u, v.Get(u)))
	}
	return strings.Join(parts, " ")
}

// Parse decodes the wire form produced by Encode. Empty input yields the
// empty vector.
func Parse(s string) (*Vector, error) {
	v := New()
	s = strings.TrimSpace(s)
	if s == "" {
		return v, nil
	}
	for _, part := range strings.Fields(s) {
		idStr, nStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("component %q: %w", part, infinoerr.ErrInvalidVector)
		}
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", part, infinoerr.ErrInvalidVector)
		}
		n, err := strconv.ParseUint(nStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", part, infinoerr.ErrInvalidVector)
		}
		v.Set(uint32(id), uint32(n))
	}
	return v, nil
}

// Eq reports whether a and b have identical components.
func Eq(a, b *Vector) bool {
	return Compare(a, b) == Equal
}
