package eventlog

// Visibility is the replayed visibility status of a commit.
type Visibility int

const (
	// VisibilityUnknown means the log has no record for the commit; callers
	// fall back to reachability from the live reference set.
	VisibilityUnknown Visibility = iota
	// VisibilityVisible means the commit participates in default traversal.
	VisibilityVisible
	// VisibilityHidden means the commit is excluded from default traversal
	// but remains addressable.
	VisibilityHidden
)

// Cursor is a position in the event log. Replaying all events up to a cursor
// yields a deterministic classification. Multiple cursors may coexist, e.g.
// to compare before and after states of one operation.
type Cursor struct {
	index int
}

// Replayer replays the event log to derive commit classification at a cursor.
// Later events override earlier ones for the same commit.
type Replayer struct {
	events []Event
}

// FromEventLogDB loads all events from the database into a replayer.
func FromEventLogDB(db *DB) (*Replayer, error) {
	events, err := db.Events()
	if err != nil {
		return nil, err
	}
	return &Replayer{events: events}, nil
}

// NewReplayer creates a replayer over an in-memory event slice.
func NewReplayer(events []Event) *Replayer {
	return &Replayer{events: events}
}

// MakeDefaultCursor returns the cursor at the current end of the log.
func (r *Replayer) MakeDefaultCursor() Cursor {
	return Cursor{index: len(r.events)}
}

// MakeCursor returns a cursor positioned after the first n events.
func (r *Replayer) MakeCursor(n int) Cursor {
	if n > len(r.events) {
		n = len(r.events)
	}
	if n < 0 {
		n = 0
	}
	return Cursor{index: n}
}

// ClassificationAt replays events up to the cursor and returns the visibility
// of every commit the log mentions. Replay is order-preserving: a hide
// followed by an unhide leaves the commit visible, and a rewrite hides the
// old commit and makes the new one visible.
func (r *Replayer) ClassificationAt(cursor Cursor) map[string]Visibility {
	result := make(map[string]Visibility)
	for _, event := range r.events[:cursor.index] {
		switch event.Kind {
		case EventRefUpdated:
			if event.NewOid != "" {
				result[event.NewOid] = VisibilityVisible
			}
		case EventCommitHidden:
			result[event.CommitOid] = VisibilityHidden
		case EventCommitUnhidden:
			result[event.CommitOid] = VisibilityVisible
		case EventCommitRewritten:
			if event.OldOid != "" {
				result[event.OldOid] = VisibilityHidden
			}
			if event.NewOid != "" {
				result[event.NewOid] = VisibilityVisible
			}
		}
	}
	return result
}

// CommitOidsAt returns every commit OID mentioned by events up to the cursor.
// The DAG uses these as additional roots when building its snapshot, so that
// hidden commits stay addressable.
func (r *Replayer) CommitOidsAt(cursor Cursor) []string {
	seen := make(map[string]struct{})
	var oids []string
	add := func(oid string) {
		if oid == "" {
			return
		}
		if _, ok := seen[oid]; ok {
			return
		}
		seen[oid] = struct{}{}
		oids = append(oids, oid)
	}
	for _, event := range r.events[:cursor.index] {
		add(event.OldOid)
		add(event.NewOid)
		add(event.CommitOid)
	}
	return oids
}
