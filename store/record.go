package store

import (
	"time"
)

// SyncState tracks where a record stands relative to the configured backends.
type SyncState string

const (
	StateUnsynced SyncState = "unsynced"
	StatePending  SyncState = "pending"
	StateSynced   SyncState = "synced"
	StateConflict SyncState = "conflict"
	StateError    SyncState = "error"
)

func (s SyncState) Valid() bool {
	switch s {
	case StateUnsynced, StatePending, StateSynced, StateConflict, StateError:
		return true
	}
	return false
}

type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// DefaultTables are the tables the construction office keeps.
var DefaultTables = []string{
	"projects",
	"transactions",
	"budgets",
	"employees",
	"contracts",
	"attendance",
	"payroll",
	"suppliers",
	"materials",
	"purchases",
}

// Record is a versioned, keyed unit of domain data within a table.
type Record struct {
	ID        string
	Payload   Map
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	SyncState SyncState
	Tombstone bool
}

// Operation reports the change kind this record represents.
func (r Record) Operation() Operation {
	if r.Tombstone {
		return OpDelete
	}
	return OpUpsert
}

// SameContent reports whether both records carry the same payload and
// tombstone flag. Versions, timestamps and sync state are ignored.
func (r Record) SameContent(o Record) bool {
	if r.Tombstone != o.Tombstone {
		return false
	}
	return Equal(r.payload(), o.payload())
}

func (r Record) payload() Map {
	if r.Payload == nil {
		return Map{}
	}
	return r.Payload
}

// Clone returns a copy of r that shares no payload memory with it.
func (r Record) Clone() Record {
	r.Payload = r.Payload.Clone()
	return r
}

// PendingChange is an entry of the dirty set. There is at most one per record.
type PendingChange struct {
	Table     string
	RecordID  string
	Version   int64
	Operation Operation
	// Seq orders the changes of one table by their latest mutation.
	Seq int64
	// AckedBy lists the backends that already accepted Version.
	AckedBy []string
	// RemoteVersion and ConflictBackend are set by MarkConflict.
	RemoteVersion   int64
	ConflictBackend string
}

func (p PendingChange) AckedByBackend(name string) bool {
	for _, b := range p.AckedBy {
		if b == name {
			return true
		}
	}
	return false
}

// TableStats summarizes one table.
type TableStats struct {
	Table      string    `json:"table"`
	Total      int       `json:"total"`
	Tombstones int       `json:"tombstones"`
	Unsynced   int       `json:"unsynced"`
	Pending    int       `json:"pending"`
	Conflicts  int       `json:"conflicts"`
	Errors     int       `json:"errors"`
	LastUpdate time.Time `json:"lastUpdate,omitzero"`
}

// Millis truncates t to the millisecond precision records are stored with.
func Millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
