// Package backend defines the boundary every remote destination implements.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/msconstructor/data-sync/revstore"
	"github.com/msconstructor/data-sync/store"
)

type OutcomeKind int

const (
	Accepted OutcomeKind = iota
	Rejected
	Conflict
)

func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of pushing one record.
type Outcome struct {
	ID     string
	Kind   OutcomeKind
	Reason string
	// Remote is the copy held by the backend when Kind is Conflict.
	Remote *store.Record
}

// Adapter pushes to and pulls from one remote destination. Failures are
// reported as errors or outcomes, never by panicking; a failing adapter does
// not affect the others.
type Adapter interface {
	Name() string
	Push(ctx context.Context, table string, batch []store.Record) ([]Outcome, error)
	// Pull returns the changes made after cursor and the cursor to resume
	// from. An empty cursor means from the beginning.
	Pull(ctx context.Context, table, cursor string) (string, []store.Record, error)
}

// Watcher is implemented by adapters able to announce remote changes.
// Watch blocks until ctx is done or the stream fails.
type Watcher interface {
	Watch(ctx context.Context, notify func(table string)) error
}

// Closer is implemented by adapters holding connections.
type Closer interface {
	Close() error
}

// ToStored encodes a record in the remote storage format.
func ToStored(r store.Record) (revstore.StoredRecord, error) {
	payload := r.Payload
	if payload == nil || r.Tombstone {
		payload = store.Map{}
	}
	data, err := store.MarshalValue(payload)
	if err != nil {
		return revstore.StoredRecord{}, err
	}
	return revstore.StoredRecord{
		Id:        r.ID,
		Data:      data,
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UnixMilli(),
		UpdatedAt: r.UpdatedAt.UnixMilli(),
		Tombstone: r.Tombstone,
	}, nil
}

// FromStored decodes a record in the remote storage format.
func FromStored(table string, s revstore.StoredRecord) (store.Record, error) {
	payload := store.Map{}
	if len(s.Data) > 0 {
		p, err := store.UnmarshalPayload(s.Data)
		if err != nil {
			return store.Record{}, &store.CorruptDataError{Table: table, ID: s.Id, Err: err}
		}
		payload = p
	}
	return store.Record{
		ID:        s.Id,
		Payload:   payload,
		Version:   s.Version,
		CreatedAt: time.UnixMilli(s.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(s.UpdatedAt).UTC(),
		SyncState: store.StateSynced,
		Tombstone: s.Tombstone,
	}, nil
}
