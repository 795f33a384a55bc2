package dag

import (
	"restack.dev/restack/internal/eventlog"
)

// CommitSource resolves commit parentage from the underlying object store.
// It is implemented by the repository layer; the Dag itself never touches
// disk beyond this interface.
type CommitSource interface {
	// CommitParents returns the parent OIDs of the given commit, or an error
	// wrapping errors.ErrCommitNotFound if the OID is unresolvable.
	CommitParents(oid Oid) ([]Oid, error)
}

// ReferencesSnapshot captures the live reference set at a point in time.
type ReferencesSnapshot struct {
	// HeadOid is the commit HEAD points at, if any.
	HeadOid Oid
	// MainBranchOid is the commit the main branch points at; commits
	// reachable from it are classified public.
	MainBranchOid Oid
	// Branches maps short branch names to their OIDs.
	Branches map[string]Oid
}

// AllOids returns every OID named by the snapshot.
func (s ReferencesSnapshot) AllOids() []Oid {
	var oids []Oid
	if s.HeadOid != "" {
		oids = append(oids, s.HeadOid)
	}
	if s.MainBranchOid != "" {
		oids = append(oids, s.MainBranchOid)
	}
	for _, oid := range s.Branches {
		oids = append(oids, oid)
	}
	return oids
}

// Dag is a snapshot of the commit graph plus a classification of every known
// commit. All query operations are pure functions of the snapshot.
type Dag struct {
	source   CommitSource
	parents  map[Oid][]Oid
	children map[Oid][]Oid
	visible  CommitSet
	hidden   CommitSet
	public   CommitSet
	mainOid  Oid
}

// OpenAndSync builds a Dag consistent with the event log state at cursor and
// the live reference set. Commits reachable from any reference or mentioned
// by any replayed event are incorporated.
func OpenAndSync(source CommitSource, replayer *eventlog.Replayer, cursor eventlog.Cursor, refs ReferencesSnapshot) (*Dag, error) {
	d := &Dag{
		source:   source,
		parents:  make(map[Oid][]Oid),
		children: make(map[Oid][]Oid),
		visible:  NewCommitSet(),
		hidden:   NewCommitSet(),
		public:   NewCommitSet(),
		mainOid:  refs.MainBranchOid,
	}

	roots := refs.AllOids()
	for _, oid := range replayer.CommitOidsAt(cursor) {
		roots = append(roots, Oid(oid))
	}
	if err := d.ingest(roots, NewCommitSet()); err != nil {
		return nil, err
	}

	// Reachable commits default to visible; replayed events override.
	for oid := range d.parents {
		d.visible.Add(oid)
	}
	for oid, status := range replayer.ClassificationAt(cursor) {
		switch status {
		case eventlog.VisibilityVisible:
			d.visible.Add(Oid(oid))
			delete(d.hidden, Oid(oid))
		case eventlog.VisibilityHidden:
			d.hidden.Add(Oid(oid))
			delete(d.visible, Oid(oid))
		}
	}

	d.recomputePublic()
	return d, nil
}

// SyncFromOids incorporates commits reachable from additionalRoots that were
// not part of the original snapshot, e.g. a freshly fetched upstream tip.
// Traversal stops at commits in excluded. Newly discovered commits are
// classified visible.
func (d *Dag) SyncFromOids(additionalRoots, excluded CommitSet) error {
	if err := d.ingest(additionalRoots.Sorted(), excluded); err != nil {
		return err
	}
	for oid := range d.parents {
		if !d.hidden.Contains(oid) {
			d.visible.Add(oid)
		}
	}
	d.recomputePublic()
	return nil
}

// MainBranchOid returns the OID the main branch pointed at when the snapshot
// was taken.
func (d *Dag) MainBranchOid() Oid {
	return d.mainOid
}

// IsPublic reports whether the commit is reachable from the main branch.
func (d *Dag) IsPublic(oid Oid) bool {
	return d.public.Contains(oid)
}

// ingest walks parent links breadth-first from the given roots, stopping at
// excluded commits and commits already known to the snapshot.
func (d *Dag) ingest(roots []Oid, excluded CommitSet) error {
	queue := make([]Oid, 0, len(roots))
	for _, oid := range roots {
		if oid == "" || excluded.Contains(oid) {
			continue
		}
		if _, known := d.parents[oid]; known {
			continue
		}
		queue = append(queue, oid)
	}

	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if _, known := d.parents[oid]; known {
			continue
		}
		parents, err := d.source.CommitParents(oid)
		if err != nil {
			return err
		}
		d.parents[oid] = parents
		for _, parent := range parents {
			d.children[parent] = append(d.children[parent], oid)
			if excluded.Contains(parent) {
				continue
			}
			if _, known := d.parents[parent]; !known {
				queue = append(queue, parent)
			}
		}
	}
	return nil
}

func (d *Dag) recomputePublic() {
	d.public = NewCommitSet()
	if d.mainOid == "" {
		return
	}
	queue := []Oid{d.mainOid}
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if d.public.Contains(oid) {
			continue
		}
		d.public.Add(oid)
		queue = append(queue, d.parents[oid]...)
	}
}
