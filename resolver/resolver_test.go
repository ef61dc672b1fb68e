package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msconstructor/data-sync/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(version int64, updated time.Duration, payload store.Map) store.Record {
	return store.Record{
		ID:        "r1",
		Payload:   payload,
		Version:   version,
		CreatedAt: t0,
		UpdatedAt: t0.Add(updated),
	}
}

func TestRemoteWins(t *testing.T) {
	p1 := store.Map{"name": store.String("P1")}
	p2 := store.Map{"name": store.String("P2")}

	tests := []struct {
		name        string
		local       store.Record
		remote      store.Record
		wantPayload store.Map
		wantVersion int64
	}{
		{
			name:        "remote newer version",
			local:       rec(2, 0, p1),
			remote:      rec(3, 0, p2),
			wantPayload: p2,
			wantVersion: 3,
		},
		{
			name:        "remote newer version despite older timestamp",
			local:       rec(2, time.Hour, p1),
			remote:      rec(3, 0, p2),
			wantPayload: p2,
			wantVersion: 3,
		},
		{
			name:        "local newer version",
			local:       rec(4, 0, p1),
			remote:      rec(3, time.Hour, p2),
			wantPayload: p1,
			wantVersion: 4,
		},
		{
			name:        "same version, remote edited later",
			local:       rec(2, 0, p1),
			remote:      rec(2, time.Minute, p2),
			wantPayload: p2,
			wantVersion: 2,
		},
		{
			name:        "same version, local edited later",
			local:       rec(2, time.Minute, p1),
			remote:      rec(2, 0, p2),
			wantPayload: p1,
			wantVersion: 3,
		},
		{
			name:        "identical",
			local:       rec(2, 0, p1),
			remote:      rec(2, 0, p1),
			wantPayload: p1,
			wantVersion: 2,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			merged := RemoteWins(tc.local, tc.remote)
			require.Equal(t, tc.wantPayload, merged.Payload)
			require.Equal(t, tc.wantVersion, merged.Version)
			require.Equal(t, "r1", merged.ID)
			require.GreaterOrEqual(t, merged.Version, tc.local.Version)
		})
	}
}

func TestRemoteWinsTieBreakIsSymmetric(t *testing.T) {
	a := rec(2, 0, store.Map{"v": store.String("a")})
	b := rec(2, 0, store.Map{"v": store.String("b")})

	ab := RemoteWins(a, b)
	ba := RemoteWins(b, a)
	require.True(t, ab.SameContent(ba), "the same content wins whichever side is local")
	require.Equal(t, store.String("b"), ab.Payload["v"])

	deleted := rec(2, 0, store.Map{})
	deleted.Tombstone = true
	live := rec(2, 0, store.Map{})
	require.True(t, RemoteWins(live, deleted).Tombstone)
	require.True(t, RemoteWins(deleted, live).Tombstone)
}

func TestRemoteWinsDeterministic(t *testing.T) {
	local := rec(5, time.Second, store.Map{"n": store.Int(1), "tags": store.List{store.String("x")}})
	remote := rec(5, time.Second, store.Map{"n": store.Int(2)})

	first := RemoteWins(local, remote)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, RemoteWins(local, remote))
	}
	require.Equal(t, local.Payload["n"], store.Int(1), "inputs are not modified")
}

func TestRemoteWinsKeepsEarliestCreation(t *testing.T) {
	local := rec(1, 0, store.Map{})
	remote := rec(2, 0, store.Map{"a": store.Int(1)})
	remote.CreatedAt = t0.Add(-time.Hour)
	require.Equal(t, remote.CreatedAt, RemoteWins(local, remote).CreatedAt)
}

func TestFieldMerge(t *testing.T) {
	local := rec(3, time.Minute, store.Map{
		"name":  store.String("Obra local"),
		"phone": store.String("555"),
	})
	remote := rec(3, 0, store.Map{
		"name":   store.String("Obra remota"),
		"budget": store.Int(1000),
	})

	merged := FieldMerge(local, remote)
	require.Equal(t, store.Map{
		"name":   store.String("Obra local"),
		"phone":  store.String("555"),
		"budget": store.Int(1000),
	}, merged.Payload)
	require.Equal(t, int64(4), merged.Version, "new content gets a new version")
	require.Equal(t, local.UpdatedAt, merged.UpdatedAt)

	same := FieldMerge(rec(2, 0, store.Map{"a": store.Int(1)}), rec(3, 0, store.Map{"a": store.Int(2)}))
	require.Equal(t, store.Map{"a": store.Int(2)}, same.Payload)
	require.Equal(t, int64(3), same.Version, "adopting the remote copy keeps its version")
}

func TestFieldMergeTombstones(t *testing.T) {
	deleted := rec(4, 0, store.Map{})
	deleted.Tombstone = true
	edited := rec(3, 0, store.Map{"a": store.Int(1)})

	merged := FieldMerge(edited, deleted)
	require.True(t, merged.Tombstone)
	require.Equal(t, int64(4), merged.Version)

	newer := rec(5, 0, store.Map{"a": store.Int(2)})
	merged = FieldMerge(deleted, newer)
	require.False(t, merged.Tombstone)
	require.Equal(t, store.Map{"a": store.Int(2)}, merged.Payload)
}

func TestForPolicy(t *testing.T) {
	for _, name := range []string{"", PolicyRemoteWins, "server_wins", PolicyFieldMerge} {
		r, err := ForPolicy(name)
		require.NoError(t, err, name)
		require.NotNil(t, r)
	}
	_, err := ForPolicy("client_wins")
	require.Error(t, err)
}
