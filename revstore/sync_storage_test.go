package revstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	(&StoreTest{}).Run(t, NewMemorySyncStorage())
}

func TestAccept(t *testing.T) {
	existing := StoredRecord{Id: "a", Data: []byte("x"), Version: 2, Revision: 9}

	store, err := Accept(existing, StoredRecord{Id: "a", Data: []byte("y"), Version: 3})
	require.NoError(t, err)
	require.True(t, store)

	store, err = Accept(existing, StoredRecord{Id: "a", Data: []byte("x"), Version: 2})
	require.NoError(t, err)
	require.False(t, store)

	_, err = Accept(existing, StoredRecord{Id: "a", Data: []byte("x"), Version: 2, Tombstone: true})
	require.ErrorIs(t, err, ErrSetConflict)
}
