// Package revision adapts any revstore.SyncStorage (PostgreSQL, SQLite or in
// memory) into a backend. The pull cursor is the storage revision.
package revision

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/msconstructor/data-sync/backend"
	"github.com/msconstructor/data-sync/revstore"
	"github.com/msconstructor/data-sync/store"
)

type Adapter struct {
	name      string
	namespace string
	storage   revstore.SyncStorage
}

var _ backend.Adapter = (*Adapter)(nil)

// New returns an adapter writing under namespace in storage.
func New(name, namespace string, storage revstore.SyncStorage) *Adapter {
	return &Adapter{name: name, namespace: namespace, storage: storage}
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) Push(ctx context.Context, table string, batch []store.Record) ([]backend.Outcome, error) {
	outcomes := make([]backend.Outcome, 0, len(batch))
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		stored, err := backend.ToStored(rec)
		if err != nil {
			outcomes = append(outcomes, backend.Outcome{ID: rec.ID, Kind: backend.Rejected, Reason: err.Error()})
			continue
		}
		_, err = a.storage.SetRecord(ctx, a.namespace, table, stored)
		var conflict *revstore.SetConflictError
		switch {
		case err == nil:
			outcomes = append(outcomes, backend.Outcome{ID: rec.ID, Kind: backend.Accepted})
		case errors.As(err, &conflict):
			remote, derr := backend.FromStored(table, conflict.Existing)
			if derr != nil {
				outcomes = append(outcomes, backend.Outcome{ID: rec.ID, Kind: backend.Rejected, Reason: derr.Error()})
				continue
			}
			outcomes = append(outcomes, backend.Outcome{ID: rec.ID, Kind: backend.Conflict, Remote: &remote})
		case errors.Is(err, revstore.ErrInvalidRecord):
			outcomes = append(outcomes, backend.Outcome{ID: rec.ID, Kind: backend.Rejected, Reason: err.Error()})
		default:
			return outcomes, &store.AdapterError{Backend: a.name, Op: "push", Err: err}
		}
	}
	return outcomes, nil
}

func (a *Adapter) Pull(ctx context.Context, table, cursor string) (string, []store.Record, error) {
	var since int64
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return cursor, nil, &store.AdapterError{Backend: a.name, Op: "pull", Err: fmt.Errorf("invalid cursor %q", cursor)}
		}
		since = v
	}
	changes, err := a.storage.ListChanges(ctx, a.namespace, table, since)
	if err != nil {
		return cursor, nil, &store.AdapterError{Backend: a.name, Op: "pull", Err: err}
	}
	records := make([]store.Record, 0, len(changes))
	next := since
	for _, c := range changes {
		rec, err := backend.FromStored(table, c)
		if err != nil {
			return cursor, nil, &store.AdapterError{Backend: a.name, Op: "pull", Err: err}
		}
		records = append(records, rec)
		next = max(next, c.Revision)
	}
	return strconv.FormatInt(next, 10), records, nil
}
