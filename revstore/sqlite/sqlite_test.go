package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/msconstructor/data-sync/revstore"
	"github.com/stretchr/testify/require"
)

const testStoreID = "teststoreid"

func TestStorage(t *testing.T) {
	storage, err := NewSQLiteSyncStorage("file:teststorage?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")
	defer storage.Close()

	(&revstore.StoreTest{}).Run(t, storage)
}

func TestReopen(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sync.db")
	storage, err := NewSQLiteSyncStorage(file)
	require.NoError(t, err, "failed to connect")

	newRevision, err := storage.SetRecord(context.Background(), testStoreID, "projects",
		revstore.StoredRecord{Id: "a1", Data: []byte("data1"), Version: 1})
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, int64(1), newRevision)
	require.NoError(t, storage.Close())

	storage, err = NewSQLiteSyncStorage(file)
	require.NoError(t, err, "failed to reopen")
	defer storage.Close()

	newRevision, err = storage.SetRecord(context.Background(), testStoreID, "projects",
		revstore.StoredRecord{Id: "a2", Data: []byte("data2"), Version: 1})
	require.NoError(t, err, "failed to call SetRecord a2")
	require.Equal(t, int64(2), newRevision)

	records, err := storage.ListChanges(context.Background(), testStoreID, "projects", 0)
	require.NoError(t, err, "failed to call list changes")
	require.Len(t, records, 2)
}
