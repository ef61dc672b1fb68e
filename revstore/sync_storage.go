// Package revstore is the remote side of synchronization: per-user tables of
// records stamped with a user-wide revision so clients can pull every change
// made after a revision they already saw.
package revstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

var ErrSetConflict = errors.New("set conflict")
var ErrInvalidRecord = errors.New("invalid record")

type StoredRecord struct {
	Id        string
	Data      []byte
	Version   int64
	CreatedAt int64
	UpdatedAt int64
	Tombstone bool
	Revision  int64
}

// SetConflictError is returned when a record cannot be stored because the
// stored copy is at the same or a newer version. Existing is that copy.
type SetConflictError struct {
	Existing StoredRecord
}

func (e *SetConflictError) Error() string {
	return fmt.Sprintf("set conflict: stored version %d", e.Existing.Version)
}

func (e *SetConflictError) Is(target error) bool {
	return target == ErrSetConflict
}

type SyncStorage interface {
	// SetRecord stores record under userID/table and returns the new revision.
	SetRecord(ctx context.Context, userID, table string, record StoredRecord) (int64, error)
	ListChanges(ctx context.Context, userID, table string, sinceRevision int64) ([]StoredRecord, error)
}

// Validate rejects records that can never be stored.
func Validate(table string, record StoredRecord) error {
	if table == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidRecord)
	}
	if record.Id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if record.Version < 1 {
		return fmt.Errorf("%w: version must be positive", ErrInvalidRecord)
	}
	return nil
}

// Accept decides whether incoming may replace existing. It returns
// (store, nil) when incoming is newer, (false, nil) when it is the very same
// version already stored and a *SetConflictError otherwise.
func Accept(existing, incoming StoredRecord) (bool, error) {
	if incoming.Version > existing.Version {
		return true, nil
	}
	if incoming.Version == existing.Version &&
		incoming.Tombstone == existing.Tombstone &&
		bytes.Equal(incoming.Data, existing.Data) {
		return false, nil
	}
	return false, &SetConflictError{Existing: existing}
}
