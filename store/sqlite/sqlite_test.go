package sqlite

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msconstructor/data-sync/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "local.db"), WithClock(clock.Now))
	require.NoError(t, err, "failed to open store")
	t.Cleanup(func() { s.Close() })
	return s
}

func collect(t *testing.T, seq func(func(store.Record, error) bool)) []store.Record {
	t.Helper()
	var out []store.Record
	for rec, err := range seq {
		require.NoError(t, err, "failed to list records")
		out = append(out, rec)
	}
	return out
}

func TestUpsertCreatesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Upsert(ctx, "materials", "", map[string]any{"name": "Cemento", "cost": 45})
	require.NoError(t, err, "failed to upsert")
	require.Len(t, rec.ID, 26)
	require.Equal(t, int64(1), rec.Version)
	require.Equal(t, store.StateUnsynced, rec.SyncState)
	require.Equal(t, rec.CreatedAt, rec.UpdatedAt)

	got, err := s.Get(ctx, "materials", rec.ID)
	require.NoError(t, err, "failed to get")
	require.Equal(t, store.Map{"name": store.String("Cemento"), "cost": store.Int(45)}, got.Payload)
	require.Equal(t, rec.CreatedAt, got.CreatedAt)

	changes, err := s.Drain(ctx, "materials")
	require.NoError(t, err, "failed to drain")
	require.Len(t, changes, 1)
	require.Equal(t, rec.ID, changes[0].RecordID)
	require.Equal(t, store.OpUpsert, changes[0].Operation)
}

func TestUpsertWithGivenID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Upsert(ctx, "projects", "p-1", map[string]any{"name": "Torre Norte"})
	require.NoError(t, err, "failed to upsert")
	require.Equal(t, "p-1", rec.ID)

	updated, err := s.Upsert(ctx, "projects", "p-1", map[string]any{"name": "Torre Sur"})
	require.NoError(t, err, "failed to update")
	require.Equal(t, int64(2), updated.Version)
	require.Equal(t, rec.CreatedAt, updated.CreatedAt)
	require.True(t, updated.UpdatedAt.After(rec.UpdatedAt))
}

func TestUpsertValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for name, payload := range map[string]any{
		"scalar":       "not a map",
		"unsupported":  map[string]any{"fn": func() {}},
		"channel":      map[string]any{"c": make(chan int)},
		"nested func":  map[string]any{"list": []any{map[string]any{"fn": func() {}}}},
		"non-finite":   map[string]float64{"cost": math.Inf(1)},
		"complex":      map[string]any{"c": complex(1, 2)},
		"int key":      map[int]string{1: "uno"},
		"invalid utf8": map[string]any{"name": "Cem\xffento"},
		"invalid key":  map[string]any{"\xff": 1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Upsert(ctx, "projects", "", payload)
			require.Error(t, err)
			require.True(t, store.IsValidation(err), "expected validation error, got %v", err)
		})
	}

	_, err := s.Upsert(ctx, "", "", map[string]any{})
	require.True(t, store.IsValidation(err))
}

func TestUpsertStructuredShapes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	type unit string
	type line struct {
		Material string  `json:"material"`
		Qty      float64 `json:"qty"`
	}
	qty := 3
	tests := []struct {
		name    string
		payload any
		want    store.Map
	}{
		{"int map", map[string]int{"qty": 4}, store.Map{"qty": store.Int(4)}},
		{"int slice", map[string]any{"sizes": []int{1, 2}}, store.Map{"sizes": store.List{store.Int(1), store.Int(2)}}},
		{"slice of maps", map[string]any{"lines": []map[string]any{{"qty": 1}}}, store.Map{"lines": store.List{store.Map{"qty": store.Int(1)}}}},
		{"named string", map[string]unit{"unit": "m3"}, store.Map{"unit": store.String("m3")}},
		{"pointer", map[string]*int{"qty": &qty, "none": nil}, store.Map{"qty": store.Int(3), "none": store.Null{}}},
		{"array", map[string][2]bool{"flags": {true, false}}, store.Map{"flags": store.List{store.Bool(true), store.Bool(false)}}},
		{"struct", map[string]any{"line": line{Material: "Arena", Qty: 2.5}}, store.Map{"line": store.Map{"material": store.String("Arena"), "qty": store.Float(2.5)}}},
		{"struct payload", line{Material: "Cal", Qty: 1}, store.Map{"material": store.String("Cal"), "qty": store.Float(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := s.Upsert(ctx, "materials", "", tt.payload)
			require.NoError(t, err)
			require.Equal(t, tt.want, rec.Payload)
			got, err := s.Get(ctx, "materials", rec.ID)
			require.NoError(t, err)
			require.True(t, store.Equal(tt.want, got.Payload), "got %v", got.Payload)
		})
	}
}

func TestVersionMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Upsert(ctx, "budgets", "", map[string]any{"total": 1000})
	require.NoError(t, err)
	last := rec.Version
	for i := 0; i < 5; i++ {
		rec, err = s.Upsert(ctx, "budgets", rec.ID, map[string]any{"total": 1000 + i})
		require.NoError(t, err)
		require.Greater(t, rec.Version, last)
		last = rec.Version
	}
	deleted, err := s.Delete(ctx, "budgets", rec.ID)
	require.NoError(t, err)
	require.Greater(t, deleted.Version, last)

	again, err := s.Delete(ctx, "budgets", rec.ID)
	require.NoError(t, err, "deleting a tombstone is a no-op")
	require.Equal(t, deleted.Version, again.Version)

	revived, err := s.Upsert(ctx, "budgets", rec.ID, map[string]any{"total": 1})
	require.NoError(t, err)
	require.Greater(t, revived.Version, deleted.Version)
	require.False(t, revived.Tombstone)
}

func TestCoalescing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, "payroll", "", map[string]any{"hours": 1})
	require.NoError(t, err)
	other, err := s.Upsert(ctx, "payroll", "", map[string]any{"hours": 7})
	require.NoError(t, err)

	var rec store.Record
	for i := 0; i < 10; i++ {
		rec, err = s.Upsert(ctx, "payroll", first.ID, map[string]any{"hours": i})
		require.NoError(t, err)
	}

	changes, err := s.Drain(ctx, "payroll")
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, other.ID, changes[0].RecordID, "the latest mutation sorts last")
	require.Equal(t, first.ID, changes[1].RecordID)
	require.Equal(t, rec.Version, changes[1].Version)

	require.NoError(t, s.MarkDirty(ctx, "payroll", rec), "markDirty is idempotent")
	again, err := s.Drain(ctx, "payroll")
	require.NoError(t, err)
	require.Equal(t, changes, again)
}

func TestDeleteUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Delete(context.Background(), "projects", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetExcludesTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Upsert(ctx, "suppliers", "", map[string]any{"name": "Aceros SA"})
	require.NoError(t, err)
	deleted, err := s.Delete(ctx, "suppliers", rec.ID)
	require.NoError(t, err)
	require.True(t, deleted.Tombstone)
	require.Empty(t, deleted.Payload)

	_, err = s.Get(ctx, "suppliers", rec.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	found, err := s.Lookup(ctx, "suppliers", rec.ID)
	require.NoError(t, err)
	require.True(t, found.Tombstone)

	require.Empty(t, collect(t, s.List(ctx, "suppliers", nil)))
	require.Len(t, collect(t, s.ListAll(ctx, "suppliers")), 1)

	changes, err := s.Drain(ctx, "suppliers")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, store.OpDelete, changes[0].Operation)
}

func TestListPagesAndRestarts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < pageSize+10; i++ {
		_, err := s.Upsert(ctx, "attendance", fmt.Sprintf("a-%04d", i), map[string]any{"day": i})
		require.NoError(t, err)
	}

	seq := s.List(ctx, "attendance", nil)
	require.Len(t, collect(t, seq), pageSize+10)
	require.Len(t, collect(t, seq), pageSize+10, "the sequence restarts")

	even := s.List(ctx, "attendance", func(r store.Record) bool {
		return r.Payload["day"].(store.Int)%2 == 0
	})
	require.Len(t, collect(t, even), (pageSize+10)/2)

	seen := 0
	for rec, err := range seq {
		require.NoError(t, err)
		// writing while iterating must not block on the single connection
		_, err = s.Upsert(ctx, "attendance", rec.ID, map[string]any{"day": -1})
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}
	require.Equal(t, 3, seen)
}

func TestListCorruptRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "contracts", "c-1", map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "contracts", "c-2", map[string]any{"n": 2})
	require.NoError(t, err)
	_, err = s.db.Exec("UPDATE records SET payload = ? WHERE id = 'c-1'", []byte("{not json"))
	require.NoError(t, err)

	var good []string
	var corrupt []error
	for rec, err := range s.List(ctx, "contracts", nil) {
		if err != nil {
			corrupt = append(corrupt, err)
			continue
		}
		good = append(good, rec.ID)
	}
	require.Equal(t, []string{"c-2"}, good)
	require.Len(t, corrupt, 1)
	require.True(t, store.IsCorrupt(corrupt[0]))

	_, err = s.Get(ctx, "contracts", "c-1")
	require.True(t, store.IsCorrupt(err))

	rec, err := s.Upsert(ctx, "contracts", "c-1", map[string]any{"n": 3})
	require.NoError(t, err, "a corrupt record can be overwritten")
	require.Equal(t, int64(2), rec.Version)
}

func TestMarkSyncedRequiresEveryBackend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetBackends([]string{"office", "warehouse"})

	rec, err := s.Upsert(ctx, "purchases", "", map[string]any{"qty": 10})
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(ctx, "purchases", rec.ID, "office", rec.Version))
	got, err := s.Get(ctx, "purchases", rec.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatePending, got.SyncState)

	changes, err := s.Drain(ctx, "purchases")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, []string{"office"}, changes[0].AckedBy)
	require.True(t, changes[0].AckedByBackend("office"))
	require.False(t, changes[0].AckedByBackend("warehouse"))

	require.NoError(t, s.MarkSynced(ctx, "purchases", rec.ID, "warehouse", rec.Version))
	got, err = s.Get(ctx, "purchases", rec.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateSynced, got.SyncState)

	changes, err = s.Drain(ctx, "purchases")
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestMarkSyncedIgnoresStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetBackends([]string{"office"})

	v1, err := s.Upsert(ctx, "materials", "m", map[string]any{"qty": 1})
	require.NoError(t, err)
	v2, err := s.Upsert(ctx, "materials", "m", map[string]any{"qty": 2})
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(ctx, "materials", "m", "office", v1.Version))
	changes, err := s.Drain(ctx, "materials")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, v2.Version, changes[0].Version)
	require.Empty(t, changes[0].AckedBy)
}

func TestNewVersionDropsAcknowledgements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetBackends([]string{"office", "warehouse"})

	v1, err := s.Upsert(ctx, "materials", "m", map[string]any{"qty": 1})
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, "materials", "m", "office", v1.Version))

	_, err = s.Upsert(ctx, "materials", "m", map[string]any{"qty": 2})
	require.NoError(t, err)
	changes, err := s.Drain(ctx, "materials")
	require.NoError(t, err)
	require.Empty(t, changes[0].AckedBy)
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetBackends([]string{"office"})

	rec, err := s.Upsert(ctx, "employees", "", map[string]any{"name": "Ana"})
	require.NoError(t, err)

	err = s.Purge(ctx, "employees", rec.ID)
	require.True(t, store.IsInvariant(err), "live records cannot be purged")

	deleted, err := s.Delete(ctx, "employees", rec.ID)
	require.NoError(t, err)
	err = s.Purge(ctx, "employees", rec.ID)
	require.True(t, store.IsInvariant(err), "unconfirmed deletions cannot be purged")

	require.NoError(t, s.MarkSynced(ctx, "employees", rec.ID, "office", deleted.Version))
	require.NoError(t, s.Purge(ctx, "employees", rec.ID))

	_, err = s.Lookup(ctx, "employees", rec.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Purge(ctx, "employees", rec.ID), store.ErrNotFound)
}

func TestPurgeSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetBackends([]string{"office"})

	a, err := s.Upsert(ctx, "employees", "a", map[string]any{})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "employees", "b", map[string]any{})
	require.NoError(t, err)
	da, err := s.Delete(ctx, "employees", a.ID)
	require.NoError(t, err)
	_, err = s.Delete(ctx, "employees", "b")
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, "employees", a.ID, "office", da.Version))

	n, err := s.PurgeSynced(ctx, "employees")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, collect(t, s.ListAll(ctx, "employees")), 1)
}

func TestApplyFromOrigin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetBackends([]string{"office"})

	local, err := s.Upsert(ctx, "projects", "p", map[string]any{"name": "P1"})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "projects", "p", map[string]any{"name": "P1b"})
	require.NoError(t, err)

	remote := store.Record{
		ID:        "p",
		Payload:   store.Map{"name": store.String("P2")},
		Version:   3,
		CreatedAt: local.CreatedAt,
		UpdatedAt: local.UpdatedAt.Add(time.Hour),
	}
	applied, err := s.Apply(ctx, "projects", remote, "office")
	require.NoError(t, err)
	require.Equal(t, store.StateSynced, applied.SyncState)

	got, err := s.Get(ctx, "projects", "p")
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Version)
	require.Equal(t, store.String("P2"), got.Payload["name"])
	require.Equal(t, store.StateSynced, got.SyncState)

	changes, err := s.Drain(ctx, "projects")
	require.NoError(t, err)
	require.Empty(t, changes)

	remote.Version = 2
	_, err = s.Apply(ctx, "projects", remote, "office")
	require.True(t, store.IsInvariant(err), "versions never decrease")
}

func TestApplyQueuesForOtherBackends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetBackends([]string{"office", "warehouse"})

	applied, err := s.Apply(ctx, "projects", store.Record{
		ID:      "remote-only",
		Payload: store.Map{"name": store.String("Puente")},
		Version: 4,
	}, "office")
	require.NoError(t, err)
	require.Equal(t, store.StatePending, applied.SyncState)
	require.False(t, applied.CreatedAt.IsZero())

	changes, err := s.Drain(ctx, "projects")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, int64(4), changes[0].Version)
	require.Equal(t, []string{"office"}, changes[0].AckedBy)

	// applying the same state again changes nothing
	again, err := s.Apply(ctx, "projects", applied, "office")
	require.NoError(t, err)
	require.Equal(t, store.StatePending, again.SyncState)
}

func TestApplyWithoutOrigin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetBackends([]string{"office"})

	rec, err := s.Upsert(ctx, "projects", "p", map[string]any{"a": 1})
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, "projects", "p", "office", rec.Version))

	merged := rec
	merged.Payload = store.Map{"a": store.Int(1), "b": store.Int(2)}
	merged.Version = 5
	applied, err := s.Apply(ctx, "projects", merged, "")
	require.NoError(t, err)
	require.Equal(t, store.StateUnsynced, applied.SyncState)

	changes, err := s.Drain(ctx, "projects")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, int64(5), changes[0].Version)
}

func TestConflictAndFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Upsert(ctx, "transactions", "", map[string]any{"amount": 12.5})
	require.NoError(t, err)

	require.NoError(t, s.MarkConflict(ctx, "transactions", rec.ID, "office", 7))
	got, err := s.Get(ctx, "transactions", rec.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateConflict, got.SyncState)
	changes, err := s.Drain(ctx, "transactions")
	require.NoError(t, err)
	require.Equal(t, int64(7), changes[0].RemoteVersion)
	require.Equal(t, "office", changes[0].ConflictBackend)

	require.ErrorIs(t, s.MarkConflict(ctx, "transactions", "missing", "office", 1), store.ErrNotFound)

	for want := 1; want <= 3; want++ {
		n, err := s.MarkFailed(ctx, "transactions", rec.ID, "office", "boom")
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
	require.NoError(t, s.MarkError(ctx, "transactions", rec.ID, "office", "gave up"))
	got, err = s.Get(ctx, "transactions", rec.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateError, got.SyncState)

	reasons, err := s.LastError(ctx, "transactions", rec.ID)
	require.NoError(t, err)
	require.Equal(t, "gave up", reasons["office"])

	changes, err = s.Drain(ctx, "transactions")
	require.NoError(t, err)
	require.Len(t, changes, 1, "records in error stay queued")

	_, err = s.Upsert(ctx, "transactions", rec.ID, map[string]any{"amount": 13})
	require.NoError(t, err)
	attempts, err := s.Attempts(ctx, "transactions", rec.ID)
	require.NoError(t, err)
	require.Empty(t, attempts, "a new version resets the retry budget")
}

func TestErrorSurvivesOtherAcknowledgements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetBackends([]string{"office", "warehouse"})

	rec, err := s.Upsert(ctx, "budgets", "", map[string]any{"total": 1000})
	require.NoError(t, err)

	require.NoError(t, s.MarkError(ctx, "budgets", rec.ID, "office", "quota exceeded"))
	require.NoError(t, s.MarkSynced(ctx, "budgets", rec.ID, "warehouse", rec.Version))
	got, err := s.Get(ctx, "budgets", rec.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateError, got.SyncState)

	_, err = s.Apply(ctx, "budgets", got, "warehouse")
	require.NoError(t, err)
	got, err = s.Get(ctx, "budgets", rec.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateError, got.SyncState)

	require.NoError(t, s.MarkSynced(ctx, "budgets", rec.ID, "office", rec.Version))
	got, err = s.Get(ctx, "budgets", rec.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateSynced, got.SyncState)
}

func TestFailedBackendAcknowledgementClearsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetBackends([]string{"office", "warehouse", "sheets"})

	rec, err := s.Upsert(ctx, "budgets", "", map[string]any{"total": 1000})
	require.NoError(t, err)

	require.NoError(t, s.MarkError(ctx, "budgets", rec.ID, "office", "quota exceeded"))
	require.NoError(t, s.MarkSynced(ctx, "budgets", rec.ID, "office", rec.Version))
	got, err := s.Get(ctx, "budgets", rec.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatePending, got.SyncState)
}

func TestCursors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.Cursor(ctx, "projects", "office")
	require.NoError(t, err)
	require.Empty(t, c)

	require.NoError(t, s.SaveCursor(ctx, "projects", "office", "12"))
	require.NoError(t, s.SaveCursor(ctx, "projects", "warehouse", "3"))
	require.NoError(t, s.SaveCursor(ctx, "projects", "office", "15"))

	c, err = s.Cursor(ctx, "projects", "office")
	require.NoError(t, err)
	require.Equal(t, "15", c)
	c, err = s.Cursor(ctx, "projects", "warehouse")
	require.NoError(t, err)
	require.Equal(t, "3", c)
}

func TestImport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	rec, err := s.Import(ctx, "projects", store.Record{
		ID:        "p-9",
		Payload:   store.Map{"name": store.String("Nave")},
		Version:   7,
		CreatedAt: created,
		UpdatedAt: created,
		SyncState: store.StateSynced,
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), rec.Version)
	require.Equal(t, store.StateUnsynced, rec.SyncState)
	require.Equal(t, created, rec.CreatedAt)

	rec, err = s.Import(ctx, "projects", store.Record{ID: "p-9", Payload: store.Map{}, Version: 3})
	require.NoError(t, err)
	require.Equal(t, int64(8), rec.Version, "import never lowers a version")

	_, err = s.Import(ctx, "projects", store.Record{Payload: store.Map{}})
	require.True(t, store.IsValidation(err))
}

func TestStatsAndTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetBackends([]string{"office"})

	a, err := s.Upsert(ctx, "projects", "", map[string]any{})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "projects", "", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, "projects", a.ID, "office", a.Version))
	b, err := s.Upsert(ctx, "budgets", "", map[string]any{})
	require.NoError(t, err)
	_, err = s.Delete(ctx, "budgets", b.ID)
	require.NoError(t, err)

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"budgets", "projects"}, tables)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "budgets", stats[0].Table)
	require.Equal(t, 0, stats[0].Total)
	require.Equal(t, 1, stats[0].Tombstones)
	require.Equal(t, 1, stats[0].Unsynced)
	require.Equal(t, "projects", stats[1].Table)
	require.Equal(t, 2, stats[1].Total)
	require.Equal(t, 1, stats[1].Unsynced)
	require.False(t, stats[1].LastUpdate.IsZero())
}

func TestReopenKeepsDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	s, err := Open(path)
	require.NoError(t, err)
	id := s.DeviceID()
	require.NotEmpty(t, id)
	_, err = s.Upsert(context.Background(), "projects", "p", map[string]any{"x": true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err, "reopening runs no migration twice")
	defer s.Close()
	require.Equal(t, id, s.DeviceID())
	rec, err := s.Get(context.Background(), "projects", "p")
	require.NoError(t, err)
	require.Equal(t, store.Bool(true), rec.Payload["x"])
}
