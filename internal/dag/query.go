package dag

import (
	restackerrors "restack.dev/restack/internal/errors"
)

// Query returns a handle exposing pure set queries over the snapshot. The
// handle never mutates the Dag.
func (d *Dag) Query() *Query {
	return &Query{dag: d}
}

// Query exposes graph queries against a Dag snapshot.
type Query struct {
	dag *Dag
}

// Parents returns the parent OIDs of the given commit within the snapshot.
func (q *Query) Parents(oid Oid) ([]Oid, error) {
	parents, ok := q.dag.parents[oid]
	if !ok {
		return nil, restackerrors.NewGraphError(string(oid), nil)
	}
	return parents, nil
}

// Children returns the direct children of the given commit within the
// snapshot.
func (q *Query) Children(oid Oid) ([]Oid, error) {
	if _, ok := q.dag.parents[oid]; !ok {
		return nil, restackerrors.NewGraphError(string(oid), nil)
	}
	return q.dag.children[oid], nil
}

// Roots returns the members of set that have no in-set parent.
func (q *Query) Roots(set CommitSet) (CommitSet, error) {
	result := NewCommitSet()
	for oid := range set {
		parents, ok := q.dag.parents[oid]
		if !ok {
			return nil, restackerrors.NewGraphError(string(oid), nil)
		}
		hasInSetParent := false
		for _, parent := range parents {
			if set.Contains(parent) {
				hasInSetParent = true
				break
			}
		}
		if !hasInSetParent {
			result.Add(oid)
		}
	}
	return result, nil
}

// Ancestors returns the commits reachable from set by following parent
// links, including the members of set themselves.
func (q *Query) Ancestors(set CommitSet) (CommitSet, error) {
	result := NewCommitSet()
	queue := set.Sorted()
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if result.Contains(oid) {
			continue
		}
		parents, ok := q.dag.parents[oid]
		if !ok {
			return nil, restackerrors.NewGraphError(string(oid), nil)
		}
		result.Add(oid)
		queue = append(queue, parents...)
	}
	return result, nil
}

// Descendants returns the commits that can reach set by following parent
// links, including the members of set themselves.
func (q *Query) Descendants(set CommitSet) (CommitSet, error) {
	result := NewCommitSet()
	queue := set.Sorted()
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if result.Contains(oid) {
			continue
		}
		if _, ok := q.dag.parents[oid]; !ok {
			return nil, restackerrors.NewGraphError(string(oid), nil)
		}
		result.Add(oid)
		queue = append(queue, q.dag.children[oid]...)
	}
	return result, nil
}

// Only returns the commits reachable from include but not reachable from
// exclude. Used to isolate the local main branch's unique commits relative
// to its upstream.
func (q *Query) Only(include, exclude CommitSet) (CommitSet, error) {
	reachable, err := q.Ancestors(include)
	if err != nil {
		return nil, err
	}
	excluded, err := q.Ancestors(exclude)
	if err != nil {
		return nil, err
	}
	return reachable.Difference(excluded), nil
}

// DraftCommits returns the visible commits not reachable from the main
// branch. Hidden commits are excluded from the result.
func (q *Query) DraftCommits() (CommitSet, error) {
	result := NewCommitSet()
	for oid := range q.dag.visible {
		if q.dag.public.Contains(oid) || q.dag.hidden.Contains(oid) {
			continue
		}
		result.Add(oid)
	}
	return result, nil
}

// StackRoots returns the draft commits with no draft ancestor: the bases of
// the user's commit stacks.
//
// FIXME: if two draft roots are ancestors of a single commit (due to a merge
// commit), the entire unit should be treated as one stack and moved together,
// rather than attempting two separate rebases.
func (q *Query) StackRoots() (CommitSet, error) {
	drafts, err := q.DraftCommits()
	if err != nil {
		return nil, err
	}
	return q.Roots(drafts)
}
