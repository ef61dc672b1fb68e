package revstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// StoreTest is the behaviour every SyncStorage implementation shares.
type StoreTest struct{}

func (s *StoreTest) Run(t *testing.T, storage SyncStorage) {
	t.Run("AddRecords", func(t *testing.T) { s.TestAddRecords(t, storage) })
	t.Run("UpdateRecords", func(t *testing.T) { s.TestUpdateRecords(t, storage) })
	t.Run("Conflict", func(t *testing.T) { s.TestConflict(t, storage) })
	t.Run("Idempotent", func(t *testing.T) { s.TestIdempotent(t, storage) })
	t.Run("Tables", func(t *testing.T) { s.TestTables(t, storage) })
	t.Run("Invalid", func(t *testing.T) { s.TestInvalid(t, storage) })
}

func (s *StoreTest) TestAddRecords(t *testing.T, storage SyncStorage) {
	testStoreID := uuid.New().String()
	newRevision, err := storage.SetRecord(context.Background(), testStoreID, "projects",
		StoredRecord{Id: "a1", Data: []byte("data1"), Version: 1, CreatedAt: 10, UpdatedAt: 10})
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, int64(1), newRevision)

	newRevision, err = storage.SetRecord(context.Background(), testStoreID, "projects",
		StoredRecord{Id: "a2", Data: []byte("data2"), Version: 1, CreatedAt: 11, UpdatedAt: 12})
	require.NoError(t, err, "failed to call SetRecord a2")
	require.Equal(t, int64(2), newRevision)

	records, err := storage.ListChanges(context.Background(), testStoreID, "projects", 0)
	require.NoError(t, err, "failed to call list changes")
	require.Equal(t, []StoredRecord{
		{Id: "a1", Data: []byte("data1"), Version: 1, CreatedAt: 10, UpdatedAt: 10, Revision: 1},
		{Id: "a2", Data: []byte("data2"), Version: 1, CreatedAt: 11, UpdatedAt: 12, Revision: 2},
	}, records)

	records, err = storage.ListChanges(context.Background(), testStoreID, "projects", 1)
	require.NoError(t, err, "failed to call list changes")
	require.Len(t, records, 1)
	require.Equal(t, "a2", records[0].Id)

	// Test different store with same id
	anotherStoreID := uuid.New().String()
	newRev, err := storage.SetRecord(context.Background(), anotherStoreID, "projects",
		StoredRecord{Id: "a1", Data: []byte("data1"), Version: 1})
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, int64(1), newRev)
}

func (s *StoreTest) TestUpdateRecords(t *testing.T, storage SyncStorage) {
	testStoreID := uuid.New().String()
	newRevision, err := storage.SetRecord(context.Background(), testStoreID, "projects",
		StoredRecord{Id: "a1", Data: []byte("data1"), Version: 1})
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, int64(1), newRevision)

	newRevision, err = storage.SetRecord(context.Background(), testStoreID, "projects",
		StoredRecord{Id: "a1", Data: []byte("data2"), Version: 3, Tombstone: true})
	require.NoError(t, err, "failed to call SetRecord a1 again")
	require.Equal(t, int64(2), newRevision)

	records, err := storage.ListChanges(context.Background(), testStoreID, "projects", 0)
	require.NoError(t, err, "failed to call list changes")
	require.Equal(t, []StoredRecord{
		{Id: "a1", Data: []byte("data2"), Version: 3, Tombstone: true, Revision: 2},
	}, records)
}

func (s *StoreTest) TestConflict(t *testing.T, storage SyncStorage) {
	testStoreID := uuid.New().String()
	newRevision, err := storage.SetRecord(context.Background(), testStoreID, "projects",
		StoredRecord{Id: "a1", Data: []byte("data1"), Version: 2})
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, int64(1), newRevision)

	for _, version := range []int64{1, 2} {
		_, err = storage.SetRecord(context.Background(), testStoreID, "projects",
			StoredRecord{Id: "a1", Data: []byte("data2"), Version: version})
		require.Error(t, err, "should have return with error")
		require.ErrorIs(t, err, ErrSetConflict)

		var conflict *SetConflictError
		require.True(t, errors.As(err, &conflict))
		require.Equal(t, int64(2), conflict.Existing.Version)
		require.Equal(t, []byte("data1"), conflict.Existing.Data)
		require.Equal(t, int64(1), conflict.Existing.Revision)
	}
}

func (s *StoreTest) TestIdempotent(t *testing.T, storage SyncStorage) {
	testStoreID := uuid.New().String()
	record := StoredRecord{Id: "a1", Data: []byte("data1"), Version: 1}
	first, err := storage.SetRecord(context.Background(), testStoreID, "projects", record)
	require.NoError(t, err, "failed to call SetRecord a1")

	second, err := storage.SetRecord(context.Background(), testStoreID, "projects", record)
	require.NoError(t, err, "storing the same version twice is not a conflict")
	require.Equal(t, first, second)

	records, err := storage.ListChanges(context.Background(), testStoreID, "projects", first)
	require.NoError(t, err, "failed to call list changes")
	require.Empty(t, records)
}

func (s *StoreTest) TestTables(t *testing.T, storage SyncStorage) {
	testStoreID := uuid.New().String()
	_, err := storage.SetRecord(context.Background(), testStoreID, "projects",
		StoredRecord{Id: "x", Data: []byte("p"), Version: 1})
	require.NoError(t, err)
	rev, err := storage.SetRecord(context.Background(), testStoreID, "budgets",
		StoredRecord{Id: "x", Data: []byte("b"), Version: 1})
	require.NoError(t, err, "same id in another table is another record")
	require.Equal(t, int64(2), rev, "revisions are shared by all tables of a user")

	records, err := storage.ListChanges(context.Background(), testStoreID, "budgets", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, []byte("b"), records[0].Data)
}

func (s *StoreTest) TestInvalid(t *testing.T, storage SyncStorage) {
	testStoreID := uuid.New().String()
	_, err := storage.SetRecord(context.Background(), testStoreID, "projects", StoredRecord{Data: []byte("x"), Version: 1})
	require.ErrorIs(t, err, ErrInvalidRecord)
	_, err = storage.SetRecord(context.Background(), testStoreID, "projects", StoredRecord{Id: "a", Data: []byte("x")})
	require.ErrorIs(t, err, ErrInvalidRecord)
}
