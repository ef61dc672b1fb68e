package store

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// ValidationError reports a malformed payload, table name or imported row.
// It is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Msg
}

// ConflictError reports divergent local and remote versions of a record.
type ConflictError struct {
	Table         string
	ID            string
	LocalVersion  int64
	RemoteVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s/%s: local version %d, remote version %d",
		e.Table, e.ID, e.LocalVersion, e.RemoteVersion)
}

// ConnectivityError reports that the network is not reachable.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return "offline"
	}
	return "offline: " + e.Err.Error()
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// AdapterError is a failure of a single backend.
type AdapterError struct {
	Backend string
	Op      string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// CorruptDataError reports persisted state that could not be parsed.
type CorruptDataError struct {
	Table string
	ID    string
	Err   error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("corrupt record %s/%s: %v", e.Table, e.ID, e.Err)
}

func (e *CorruptDataError) Unwrap() error {
	return e.Err
}

// InvariantError reports an operation that would break a store invariant,
// such as purging a record not yet confirmed by every backend.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Msg
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConnectivity(err error) bool {
	var target *ConnectivityError
	return errors.As(err, &target)
}

func IsAdapter(err error) bool {
	var target *AdapterError
	return errors.As(err, &target)
}

func IsCorrupt(err error) bool {
	var target *CorruptDataError
	return errors.As(err, &target)
}

func IsInvariant(err error) bool {
	var target *InvariantError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}
