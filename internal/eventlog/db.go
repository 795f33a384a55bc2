// Package eventlog provides the append-only transactional record of
// graph-affecting operations (reference updates, hides, rewrites). The log is
// the durable source of truth for commit classification; replaying it up to a
// cursor yields a deterministic view of which commits are visible or hidden.
package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// TransactionIDEnvVar is the environment variable used to propagate the
// transaction id to git subprocesses and hooks, so downstream side effects
// can be correlated with the originating operation.
const TransactionIDEnvVar = "RESTACK_TRANSACTION_ID"

// Buckets
var (
	bucketEvents = []byte("events") // big-endian seq -> json event
	bucketTxs    = []byte("txs")    // big-endian tx id -> json transaction record
)

// TxID groups all events produced by one logical operation, enabling later
// undo of that operation as a unit.
type TxID uint64

// Kind discriminates event records.
type Kind string

const (
	// EventRefUpdated records a reference moving from one commit to another.
	EventRefUpdated Kind = "ref-updated"
	// EventCommitHidden records a commit being hidden from default traversal.
	EventCommitHidden Kind = "commit-hidden"
	// EventCommitUnhidden records a previously hidden commit becoming visible again.
	EventCommitUnhidden Kind = "commit-unhidden"
	// EventCommitRewritten records a rewrite producing a new commit from an old one.
	EventCommitRewritten Kind = "commit-rewritten"
)

// Event is one immutable, ordered record of a graph-affecting action.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	TxID      TxID      `json:"tx_id"`

	// RefName is set for ref-updated events.
	RefName string `json:"ref_name,omitempty"`
	// OldOid/NewOid are set for ref-updated and commit-rewritten events.
	OldOid string `json:"old_oid,omitempty"`
	NewOid string `json:"new_oid,omitempty"`
	// CommitOid is set for hide/unhide events.
	CommitOid string `json:"commit_oid,omitempty"`
}

type txRecord struct {
	ID          TxID      `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// DB is the bbolt-backed event log database.
type DB struct {
	db *bbolt.DB
}

// OpenDB opens (creating if necessary) the event log database at path.
func OpenDB(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0o666, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketEvents); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists(bucketTxs); e != nil {
			return e
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize event log db: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

// MakeTransactionID allocates a new transaction id and records its
// description. Every orchestrator invocation allocates at least one id, even
// when no rewrite occurs, so the audit trail stays complete.
func (d *DB) MakeTransactionID(now time.Time, description string) (TxID, error) {
	var id TxID
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTxs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = TxID(seq)
		record := txRecord{ID: id, Timestamp: now, Description: description}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate transaction id: %w", err)
	}
	return id, nil
}

// AppendEvents appends the given events to the log in order, assigning
// sequence numbers. The log is append-only; events are never modified or
// removed.
func (d *DB) AppendEvents(events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for i := range events {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			events[i].Seq = seq
			data, err := json.Marshal(events[i])
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append events: %w", err)
	}
	return nil
}

// Events returns all events in log order.
func (d *DB) Events() ([]Event, error) {
	var events []Event
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var event Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, event)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
