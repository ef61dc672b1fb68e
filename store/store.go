// Package store defines the local record model: records, payload values,
// the dirty set and the error taxonomy shared by every sync component.
package store

import (
	"context"
	"iter"
)

// Predicate filters records returned by List. A nil predicate matches all.
type Predicate func(Record) bool

// RecordStore is durable keyed table storage with version stamping.
type RecordStore interface {
	// Upsert creates a record when id is empty or unknown, otherwise replaces
	// its payload and increments its version.
	Upsert(ctx context.Context, table, id string, payload any) (Record, error)
	// Get returns ErrNotFound for missing and tombstoned records.
	Get(ctx context.Context, table, id string) (Record, error)
	// List lazily yields the live records of a table ordered by id.
	List(ctx context.Context, table string, pred Predicate) iter.Seq2[Record, error]
	// Delete tombstones a record. Deleting a tombstone is a no-op.
	Delete(ctx context.Context, table, id string) (Record, error)
	// Purge physically removes a tombstone confirmed by every backend.
	Purge(ctx context.Context, table, id string) error
}

// ChangeTracker maintains the dirty set and the per-record sync state.
type ChangeTracker interface {
	MarkDirty(ctx context.Context, table string, rec Record) error
	// Drain returns the dirty set of a table in mutation order without
	// clearing it.
	Drain(ctx context.Context, table string) ([]PendingChange, error)
	// MarkSynced records that backend accepted version of the record. Once
	// every configured backend accepted the pending version the change is
	// cleared and the record becomes synced.
	MarkSynced(ctx context.Context, table, id, backend string, version int64) error
	MarkConflict(ctx context.Context, table, id, backend string, remoteVersion int64) error
}
