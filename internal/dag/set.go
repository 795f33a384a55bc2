// Package dag provides an in-memory, queryable view of the commit graph
// together with a derived classification of every known commit into
// draft/public and visible/hidden. The Dag is a disposable snapshot rebuilt
// from the event log and the live reference set; it is never the source of
// truth.
package dag

import "sort"

// Oid is a content-derived commit identifier (a full git object hash).
type Oid string

// Short returns an abbreviated form suitable for display.
func (o Oid) Short() string {
	if len(o) > 8 {
		return string(o[:8])
	}
	return string(o)
}

// CommitSet is an algebraic set of commit OIDs. The zero value is not
// usable; construct with NewCommitSet.
type CommitSet map[Oid]struct{}

// NewCommitSet creates a set containing the given OIDs.
func NewCommitSet(oids ...Oid) CommitSet {
	s := make(CommitSet, len(oids))
	for _, oid := range oids {
		s[oid] = struct{}{}
	}
	return s
}

// Contains reports whether oid is a member of the set.
func (s CommitSet) Contains(oid Oid) bool {
	_, ok := s[oid]
	return ok
}

// Add inserts oid into the set.
func (s CommitSet) Add(oid Oid) {
	s[oid] = struct{}{}
}

// IsEmpty reports whether the set has no members.
func (s CommitSet) IsEmpty() bool {
	return len(s) == 0
}

// Len returns the cardinality of the set.
func (s CommitSet) Len() int {
	return len(s)
}

// Union returns a new set containing the members of both sets.
func (s CommitSet) Union(other CommitSet) CommitSet {
	result := make(CommitSet, len(s)+len(other))
	for oid := range s {
		result[oid] = struct{}{}
	}
	for oid := range other {
		result[oid] = struct{}{}
	}
	return result
}

// Intersect returns a new set containing the members present in both sets.
func (s CommitSet) Intersect(other CommitSet) CommitSet {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	result := make(CommitSet)
	for oid := range small {
		if large.Contains(oid) {
			result[oid] = struct{}{}
		}
	}
	return result
}

// Difference returns a new set containing the members of s not in other.
func (s CommitSet) Difference(other CommitSet) CommitSet {
	result := make(CommitSet)
	for oid := range s {
		if !other.Contains(oid) {
			result[oid] = struct{}{}
		}
	}
	return result
}

// Clone returns a shallow copy of the set.
func (s CommitSet) Clone() CommitSet {
	result := make(CommitSet, len(s))
	for oid := range s {
		result[oid] = struct{}{}
	}
	return result
}

// Sorted returns the members in deterministic (lexicographic) order.
func (s CommitSet) Sorted() []Oid {
	oids := make([]Oid, 0, len(s))
	for oid := range s {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })
	return oids
}

// UnionAll folds a slice of sets into one.
func UnionAll(sets []CommitSet) CommitSet {
	result := NewCommitSet()
	for _, s := range sets {
		result = result.Union(s)
	}
	return result
}
