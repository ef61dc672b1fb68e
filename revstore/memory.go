package revstore

import (
	"context"
	"slices"
	"sync"
)

type memoryUser struct {
	revision int64
	tables   map[string]map[string]StoredRecord
}

// MemorySyncStorage keeps everything in process memory.
type MemorySyncStorage struct {
	sync.Mutex
	users map[string]*memoryUser
}

func NewMemorySyncStorage() *MemorySyncStorage {
	return &MemorySyncStorage{users: make(map[string]*memoryUser)}
}

func (s *MemorySyncStorage) SetRecord(ctx context.Context, userID, table string, record StoredRecord) (int64, error) {
	if err := Validate(table, record); err != nil {
		return 0, err
	}
	s.Lock()
	defer s.Unlock()

	user, ok := s.users[userID]
	if !ok {
		user = &memoryUser{tables: make(map[string]map[string]StoredRecord)}
		s.users[userID] = user
	}
	records, ok := user.tables[table]
	if !ok {
		records = make(map[string]StoredRecord)
		user.tables[table] = records
	}
	if existing, ok := records[record.Id]; ok {
		store, err := Accept(existing, record)
		if err != nil {
			return 0, err
		}
		if !store {
			return existing.Revision, nil
		}
	}

	user.revision++
	record.Data = slices.Clone(record.Data)
	record.Revision = user.revision
	records[record.Id] = record
	return record.Revision, nil
}

func (s *MemorySyncStorage) ListChanges(ctx context.Context, userID, table string, sinceRevision int64) ([]StoredRecord, error) {
	s.Lock()
	defer s.Unlock()

	changes := make([]StoredRecord, 0)
	user, ok := s.users[userID]
	if !ok {
		return changes, nil
	}
	for _, r := range user.tables[table] {
		if r.Revision > sinceRevision {
			r.Data = slices.Clone(r.Data)
			changes = append(changes, r)
		}
	}
	slices.SortFunc(changes, func(a, b StoredRecord) int {
		return int(a.Revision - b.Revision)
	})
	return changes, nil
}
