package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/msconstructor/data-sync/store"
)

const recordColumns = "id, payload, version, created_at, updated_at, sync_state, tombstone"

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one records row. When only the payload or sync state is
// unparsable the returned record still carries its id and version together
// with a *store.CorruptDataError.
func scanRecord(table string, row rowScanner) (store.Record, error) {
	var (
		rec              store.Record
		payload          []byte
		created, updated int64
		state            string
	)
	if err := row.Scan(&rec.ID, &payload, &rec.Version, &created, &updated, &state, &rec.Tombstone); err != nil {
		return rec, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	rec.SyncState = store.SyncState(state)
	if !rec.SyncState.Valid() {
		return rec, &store.CorruptDataError{Table: table, ID: rec.ID, Err: fmt.Errorf("unknown sync state %q", state)}
	}
	m, err := store.UnmarshalPayload(payload)
	if err != nil {
		return rec, &store.CorruptDataError{Table: table, ID: rec.ID, Err: err}
	}
	rec.Payload = m
	return rec, nil
}

func lookupTx(ctx context.Context, tx *sql.Tx, table, id string) (store.Record, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE table_name = ? AND id = ?", table, id)
	rec, err := scanRecord(table, row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return rec, err
}

func writeRecordTx(ctx context.Context, tx *sql.Tx, table string, rec store.Record) error {
	payload := rec.Payload
	if payload == nil || rec.Tombstone {
		payload = store.Map{}
	}
	data, err := store.MarshalValue(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO records (table_name, id, payload, version, created_at, updated_at, sync_state, tombstone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, id) DO UPDATE SET
		  payload = excluded.payload,
		  version = excluded.version,
		  created_at = excluded.created_at,
		  updated_at = excluded.updated_at,
		  sync_state = excluded.sync_state,
		  tombstone = excluded.tombstone`,
		table, rec.ID, data, rec.Version, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), string(rec.SyncState), rec.Tombstone)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, table, id string, payload any) (store.Record, error) {
	if err := validTable(table); err != nil {
		return store.Record{}, err
	}
	p, err := store.PayloadOf(payload)
	if err != nil {
		return store.Record{}, err
	}
	if _, err := store.MarshalValue(p); err != nil {
		return store.Record{}, err
	}

	now := s.stamp()
	var out store.Record
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if id == "" {
			id = store.NewID(now)
		}
		existing, err := lookupTx(ctx, tx, table, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out = store.Record{ID: id, Version: 1, CreatedAt: now}
		case err != nil && !store.IsCorrupt(err):
			return err
		default:
			out = store.Record{ID: id, Version: existing.Version + 1, CreatedAt: existing.CreatedAt}
		}
		out.Payload = p
		out.UpdatedAt = now
		out.SyncState = store.StateUnsynced
		if err := writeRecordTx(ctx, tx, table, out); err != nil {
			return err
		}
		if err := clearAttemptsTx(ctx, tx, table, id); err != nil {
			return err
		}
		return markDirtyTx(ctx, tx, table, out)
	})
	if err != nil {
		return store.Record{}, err
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, table, id string) (store.Record, error) {
	rec, err := s.Lookup(ctx, table, id)
	if err != nil {
		return store.Record{}, err
	}
	if rec.Tombstone {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

// Lookup is Get including tombstones.
func (s *Store) Lookup(ctx context.Context, table, id string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE table_name = ? AND id = ?", table, id)
	rec, err := scanRecord(table, row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// List yields live records ordered by id. Rows whose persisted state is
// unparsable are yielded as *store.CorruptDataError and iteration goes on.
func (s *Store) List(ctx context.Context, table string, pred store.Predicate) iter.Seq2[store.Record, error] {
	return s.scan(ctx, table, false, pred)
}

// ListAll is List including tombstones.
func (s *Store) ListAll(ctx context.Context, table string) iter.Seq2[store.Record, error] {
	return s.scan(ctx, table, true, nil)
}

type scanned struct {
	rec store.Record
	err error
}

func (s *Store) scan(ctx context.Context, table string, tombstones bool, pred store.Predicate) iter.Seq2[store.Record, error] {
	return func(yield func(store.Record, error) bool) {
		after := ""
		for {
			page, err := s.page(ctx, table, after, tombstones)
			if err != nil {
				yield(store.Record{}, err)
				return
			}
			for _, item := range page {
				if item.err != nil {
					s.logger.Warn("skipping corrupt record", "table", table, "id", item.rec.ID, "error", item.err)
					if !yield(store.Record{ID: item.rec.ID}, item.err) {
						return
					}
					continue
				}
				if pred != nil && !pred(item.rec) {
					continue
				}
				if !yield(item.rec, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].rec.ID
		}
	}
}

// page reads one page fully so no rows stay open while the caller consumes
// it; the store has a single connection.
func (s *Store) page(ctx context.Context, table, after string, tombstones bool) ([]scanned, error) {
	query := "SELECT " + recordColumns + " FROM records WHERE table_name = ? AND id > ?"
	if !tombstones {
		query += " AND tombstone = 0"
	}
	query += " ORDER BY id LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, table, after, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	page := make([]scanned, 0, pageSize)
	for rows.Next() {
		rec, err := scanRecord(table, rows)
		if err != nil && !store.IsCorrupt(err) {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		page = append(page, scanned{rec: rec, err: err})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return page, nil
}

func (s *Store) Delete(ctx context.Context, table, id string) (store.Record, error) {
	if err := validTable(table); err != nil {
		return store.Record{}, err
	}
	now := s.stamp()
	var out store.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := lookupTx(ctx, tx, table, id)
		if err != nil && !store.IsCorrupt(err) {
			return err
		}
		if err == nil && existing.Tombstone {
			out = existing
			return nil
		}
		out = store.Record{
			ID:        id,
			Payload:   store.Map{},
			Version:   existing.Version + 1,
			CreatedAt: existing.CreatedAt,
			UpdatedAt: now,
			SyncState: store.StateUnsynced,
			Tombstone: true,
		}
		if err := writeRecordTx(ctx, tx, table, out); err != nil {
			return err
		}
		if err := clearAttemptsTx(ctx, tx, table, id); err != nil {
			return err
		}
		return markDirtyTx(ctx, tx, table, out)
	})
	if err != nil {
		return store.Record{}, err
	}
	return out, nil
}

func (s *Store) Purge(ctx context.Context, table, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := lookupTx(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if !rec.Tombstone {
			return &store.InvariantError{Msg: fmt.Sprintf("%s/%s is not deleted", table, id)}
		}
		pending, err := hasPendingTx(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if pending || rec.SyncState != store.StateSynced {
			return &store.InvariantError{Msg: fmt.Sprintf("deletion of %s/%s is not confirmed by every backend", table, id)}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE table_name = ? AND id = ?", table, id); err != nil {
			return fmt.Errorf("failed to purge record: %w", err)
		}
		return clearAttemptsTx(ctx, tx, table, id)
	})
}

// PurgeSynced removes every tombstone of table that all backends confirmed.
func (s *Store) PurgeSynced(ctx context.Context, table string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records
		WHERE table_name = ? AND tombstone = 1 AND sync_state = 'synced'
		AND NOT EXISTS (SELECT 1 FROM pending_changes p WHERE p.table_name = records.table_name AND p.record_id = records.id)`,
		table)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged tombstones: %w", err)
	}
	return int(n), nil
}

// Tables lists every table holding records or pending changes.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT table_name FROM records UNION SELECT table_name FROM pending_changes ORDER BY 1")
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (s *Store) Stats(ctx context.Context) ([]store.TableStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT table_name,
		  SUM(CASE WHEN tombstone = 0 THEN 1 ELSE 0 END),
		  SUM(CASE WHEN tombstone = 1 THEN 1 ELSE 0 END),
		  SUM(CASE WHEN sync_state = 'unsynced' THEN 1 ELSE 0 END),
		  SUM(CASE WHEN sync_state = 'pending' THEN 1 ELSE 0 END),
		  SUM(CASE WHEN sync_state = 'conflict' THEN 1 ELSE 0 END),
		  SUM(CASE WHEN sync_state = 'error' THEN 1 ELSE 0 END),
		  MAX(updated_at)
		FROM records GROUP BY table_name ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var stats []store.TableStats
	for rows.Next() {
		var (
			st   store.TableStats
			last int64
		)
		if err := rows.Scan(&st.Table, &st.Total, &st.Tombstones, &st.Unsynced, &st.Pending, &st.Conflicts, &st.Errors, &last); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		st.LastUpdate = time.UnixMilli(last).UTC()
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
