package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/msconstructor/data-sync/store"
)

// markDirtyTx coalesces rec into the dirty set. A newer version replaces the
// pending one and moves to the end of the table's order; acknowledgements of
// other versions are dropped.
func markDirtyTx(ctx context.Context, tx *sql.Tx, table string, rec store.Record) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pending_changes (table_name, record_id, version, operation, seq)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_changes WHERE table_name = ?))
		ON CONFLICT (table_name, record_id) DO UPDATE SET
		  version = excluded.version,
		  operation = excluded.operation,
		  seq = excluded.seq,
		  remote_version = 0,
		  conflict_backend = ''
		WHERE excluded.version > pending_changes.version`,
		table, rec.ID, rec.Version, string(rec.Operation()), table)
	if err != nil {
		return fmt.Errorf("failed to mark record dirty: %w", err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM pending_acks
		WHERE table_name = ? AND record_id = ?
		AND version <> (SELECT version FROM pending_changes WHERE table_name = ? AND record_id = ?)`,
		table, rec.ID, table, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to drop stale acknowledgements: %w", err)
	}
	return nil
}

// requeueTx puts rec at the end of the dirty set with no acknowledgement
// carried over.
func requeueTx(ctx context.Context, tx *sql.Tx, table string, rec store.Record) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pending_changes (table_name, record_id, version, operation, seq)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_changes WHERE table_name = ?))
		ON CONFLICT (table_name, record_id) DO UPDATE SET
		  version = excluded.version,
		  operation = excluded.operation,
		  seq = excluded.seq,
		  remote_version = 0,
		  conflict_backend = ''`,
		table, rec.ID, rec.Version, string(rec.Operation()), table)
	if err != nil {
		return fmt.Errorf("failed to queue record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_acks WHERE table_name = ? AND record_id = ?", table, rec.ID); err != nil {
		return fmt.Errorf("failed to drop acknowledgements: %w", err)
	}
	return nil
}

func clearPendingTx(ctx context.Context, tx *sql.Tx, table, id string) error {
	for _, q := range []string{
		"DELETE FROM pending_changes WHERE table_name = ? AND record_id = ?",
		"DELETE FROM pending_acks WHERE table_name = ? AND record_id = ?",
		"DELETE FROM sync_attempts WHERE table_name = ? AND record_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, table, id); err != nil {
			return fmt.Errorf("failed to clear pending change: %w", err)
		}
	}
	return nil
}

func clearAttemptsTx(ctx context.Context, tx *sql.Tx, table, id string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_attempts WHERE table_name = ? AND record_id = ?", table, id); err != nil {
		return fmt.Errorf("failed to reset attempts: %w", err)
	}
	return nil
}

func hasPendingTx(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_changes WHERE table_name = ? AND record_id = ?", table, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query pending change: %w", err)
	}
	return n > 0, nil
}

func ackedTx(ctx context.Context, tx *sql.Tx, table, id string, version int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT backend FROM pending_acks WHERE table_name = ? AND record_id = ? AND version = ? ORDER BY backend",
		table, id, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query acknowledgements: %w", err)
	}
	defer rows.Close()
	var acked []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("failed to scan acknowledgement: %w", err)
		}
		acked = append(acked, b)
	}
	return acked, rows.Err()
}

// exhaustedTx reports whether some backend gave up on the record and has not
// acknowledged it since.
func exhaustedTx(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_attempts WHERE table_name = ? AND record_id = ? AND exhausted = 1", table, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query attempts: %w", err)
	}
	return n > 0, nil
}

// unsettledState is the state of a record some backend still lacks.
func unsettledState(ctx context.Context, tx *sql.Tx, table, id string) (store.SyncState, error) {
	exhausted, err := exhaustedTx(ctx, tx, table, id)
	if err != nil {
		return "", err
	}
	if exhausted {
		return store.StateError, nil
	}
	return store.StatePending, nil
}

func setStateTx(ctx context.Context, tx *sql.Tx, table, id string, state store.SyncState) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE records SET sync_state = ? WHERE table_name = ? AND id = ?", string(state), table, id); err != nil {
		return fmt.Errorf("failed to set sync state: %w", err)
	}
	return nil
}

// MarkDirty queues rec for sync. Calling it again with the same version is a
// no-op.
func (s *Store) MarkDirty(ctx context.Context, table string, rec store.Record) error {
	if err := validTable(table); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := markDirtyTx(ctx, tx, table, rec); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE records SET sync_state = 'unsynced'
			WHERE table_name = ? AND id = ? AND sync_state IN ('synced', 'conflict')`, table, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to set sync state: %w", err)
		}
		return nil
	})
}

func (s *Store) Drain(ctx context.Context, table string) ([]store.PendingChange, error) {
	var changes []store.PendingChange
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT record_id, version, operation, seq, remote_version, conflict_backend
			FROM pending_changes WHERE table_name = ? ORDER BY seq`, table)
		if err != nil {
			return fmt.Errorf("failed to query pending changes: %w", err)
		}
		index := make(map[string]int)
		for rows.Next() {
			c := store.PendingChange{Table: table}
			var op string
			if err := rows.Scan(&c.RecordID, &c.Version, &op, &c.Seq, &c.RemoteVersion, &c.ConflictBackend); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan pending change: %w", err)
			}
			c.Operation = store.Operation(op)
			index[c.RecordID] = len(changes)
			changes = append(changes, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate pending changes: %w", err)
		}

		acks, err := tx.QueryContext(ctx, `SELECT a.record_id, a.backend FROM pending_acks a
			JOIN pending_changes p ON p.table_name = a.table_name AND p.record_id = a.record_id AND p.version = a.version
			WHERE a.table_name = ? ORDER BY a.backend`, table)
		if err != nil {
			return fmt.Errorf("failed to query acknowledgements: %w", err)
		}
		defer acks.Close()
		for acks.Next() {
			var id, backend string
			if err := acks.Scan(&id, &backend); err != nil {
				return fmt.Errorf("failed to scan acknowledgement: %w", err)
			}
			if i, ok := index[id]; ok {
				changes[i].AckedBy = append(changes[i].AckedBy, backend)
			}
		}
		return acks.Err()
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *Store) MarkSynced(ctx context.Context, table, id, backend string, version int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var pending int64
		err := tx.QueryRowContext(ctx,
			"SELECT version FROM pending_changes WHERE table_name = ? AND record_id = ?", table, id).Scan(&pending)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to query pending change: %w", err)
		}
		if pending != version {
			// The record changed after the push; the newer version stays queued.
			s.logger.Debug("ignoring stale acknowledgement",
				"table", table, "id", id, "backend", backend, "version", version, "pending", pending)
			return nil
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO pending_acks (table_name, record_id, backend, version) VALUES (?, ?, ?, ?)
			ON CONFLICT (table_name, record_id, backend) DO UPDATE SET version = excluded.version`,
			table, id, backend, version)
		if err != nil {
			return fmt.Errorf("failed to record acknowledgement: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM sync_attempts WHERE table_name = ? AND record_id = ? AND backend = ?", table, id, backend); err != nil {
			return fmt.Errorf("failed to reset attempts: %w", err)
		}
		return s.settleTx(ctx, tx, table, id, version)
	})
}

// settleTx clears the pending change once every backend acknowledged version,
// otherwise leaves the record pending, or error while a backend that gave up
// on it has not acknowledged it.
func (s *Store) settleTx(ctx context.Context, tx *sql.Tx, table, id string, version int64) error {
	acked, err := ackedTx(ctx, tx, table, id, version)
	if err != nil {
		return err
	}
	if !s.coversAll(acked) {
		state, err := unsettledState(ctx, tx, table, id)
		if err != nil {
			return err
		}
		return setStateTx(ctx, tx, table, id, state)
	}
	if err := clearPendingTx(ctx, tx, table, id); err != nil {
		return err
	}
	return setStateTx(ctx, tx, table, id, store.StateSynced)
}

func (s *Store) MarkConflict(ctx context.Context, table, id, backend string, remoteVersion int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE records SET sync_state = 'conflict' WHERE table_name = ? AND id = ?", table, id)
		if err != nil {
			return fmt.Errorf("failed to mark conflict: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `UPDATE pending_changes SET remote_version = ?, conflict_backend = ?
			WHERE table_name = ? AND record_id = ?`, remoteVersion, backend, table, id)
		if err != nil {
			return fmt.Errorf("failed to store remote version: %w", err)
		}
		return nil
	})
}

// MarkFailed counts a failed delivery of the record to backend and returns the
// number of consecutive failures.
func (s *Store) MarkFailed(ctx context.Context, table, id, backend, reason string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `INSERT INTO sync_attempts (table_name, record_id, backend, attempts, last_error)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (table_name, record_id, backend) DO UPDATE SET
		  attempts = sync_attempts.attempts + 1,
		  last_error = excluded.last_error
		RETURNING attempts`, table, id, backend, reason).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	return attempts, nil
}

// MarkError surfaces a record whose retry budget is exhausted. It stays in the
// dirty set.
func (s *Store) MarkError(ctx context.Context, table, id, backend, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_attempts (table_name, record_id, backend, attempts, last_error, exhausted)
			VALUES (?, ?, ?, 0, ?, 1)
			ON CONFLICT (table_name, record_id, backend) DO UPDATE SET last_error = excluded.last_error, exhausted = 1`,
			table, id, backend, reason)
		if err != nil {
			return fmt.Errorf("failed to record error: %w", err)
		}
		return setStateTx(ctx, tx, table, id, store.StateError)
	})
}

// LastError returns the last failure reason per backend for a record.
func (s *Store) LastError(ctx context.Context, table, id string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT backend, last_error FROM sync_attempts WHERE table_name = ? AND record_id = ?", table, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var backend, reason string
		if err := rows.Scan(&backend, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out[backend] = reason
	}
	return out, rows.Err()
}

// Apply atomically writes a record received from, or reconciled against, a
// backend. When origin is set it is taken to already hold exactly this
// version; the record is synced once every backend holds it and queued for
// the others otherwise. Without origin the record is queued for all.
func (s *Store) Apply(ctx context.Context, table string, rec store.Record, origin string) (store.Record, error) {
	if err := validTable(table); err != nil {
		return store.Record{}, err
	}
	if rec.ID == "" {
		return store.Record{}, &store.ValidationError{Msg: "record id is required"}
	}
	payload, err := store.PayloadOf(rec.Payload)
	if err != nil {
		return store.Record{}, err
	}

	out := rec
	out.Payload = payload
	if out.Tombstone {
		out.Payload = store.Map{}
	}
	if out.Version < 1 {
		out.Version = 1
	}
	out.UpdatedAt = store.Millis(out.UpdatedAt)
	out.CreatedAt = store.Millis(out.CreatedAt)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := lookupTx(ctx, tx, table, rec.ID)
		found := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) && !store.IsCorrupt(err) {
			return err
		}
		if err != nil && store.IsCorrupt(err) {
			found = true
		}
		if found && existing.Version > out.Version {
			return &store.InvariantError{Msg: fmt.Sprintf("%s/%s: version %d would replace %d", table, rec.ID, out.Version, existing.Version)}
		}
		if found && !existing.CreatedAt.IsZero() && (out.CreatedAt.IsZero() || existing.CreatedAt.Before(out.CreatedAt)) {
			out.CreatedAt = existing.CreatedAt
		}
		if out.CreatedAt.IsZero() {
			out.CreatedAt = s.stamp()
		}
		if out.UpdatedAt.IsZero() {
			out.UpdatedAt = out.CreatedAt
		}

		unchanged := found && existing.Version == out.Version && existing.SameContent(out)
		if unchanged {
			pending, err := hasPendingTx(ctx, tx, table, rec.ID)
			if err != nil {
				return err
			}
			if !pending {
				out = existing
				return nil
			}
		} else {
			if err := clearAttemptsTx(ctx, tx, table, rec.ID); err != nil {
				return err
			}
		}

		if origin == "" {
			out.SyncState = store.StateUnsynced
			if err := writeRecordTx(ctx, tx, table, out); err != nil {
				return err
			}
			if unchanged {
				return markDirtyTx(ctx, tx, table, out)
			}
			return requeueTx(ctx, tx, table, out)
		}

		if !unchanged {
			if err := requeueTx(ctx, tx, table, out); err != nil {
				return err
			}
		} else if err := markDirtyTx(ctx, tx, table, out); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO pending_acks (table_name, record_id, backend, version) VALUES (?, ?, ?, ?)
			ON CONFLICT (table_name, record_id, backend) DO UPDATE SET version = excluded.version`,
			table, rec.ID, origin, out.Version)
		if err != nil {
			return fmt.Errorf("failed to record acknowledgement: %w", err)
		}
		acked, err := ackedTx(ctx, tx, table, rec.ID, out.Version)
		if err != nil {
			return err
		}
		if s.coversAll(acked) {
			out.SyncState = store.StateSynced
			if err := clearPendingTx(ctx, tx, table, rec.ID); err != nil {
				return err
			}
		} else {
			state, err := unsettledState(ctx, tx, table, rec.ID)
			if err != nil {
				return err
			}
			out.SyncState = state
		}
		return writeRecordTx(ctx, tx, table, out)
	})
	if err != nil {
		return store.Record{}, err
	}
	return out, nil
}

// Import writes a record restored from a structured export. An existing
// record keeps a monotonic version; the result is queued for sync.
func (s *Store) Import(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	if err := validTable(table); err != nil {
		return store.Record{}, err
	}
	if rec.ID == "" {
		return store.Record{}, &store.ValidationError{Msg: "record id is required"}
	}
	payload, err := store.PayloadOf(rec.Payload)
	if err != nil {
		return store.Record{}, err
	}
	now := s.stamp()
	out := rec
	out.Payload = payload
	if out.Tombstone {
		out.Payload = store.Map{}
	}
	out.CreatedAt = store.Millis(out.CreatedAt)
	out.UpdatedAt = store.Millis(out.UpdatedAt)
	out.SyncState = store.StateUnsynced

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := lookupTx(ctx, tx, table, rec.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out.Version = max(out.Version, 1)
		case err != nil && !store.IsCorrupt(err):
			return err
		default:
			out.Version = max(existing.Version+1, out.Version)
			if !existing.CreatedAt.IsZero() {
				out.CreatedAt = existing.CreatedAt
			}
		}
		if out.CreatedAt.IsZero() {
			out.CreatedAt = now
		}
		if out.UpdatedAt.IsZero() {
			out.UpdatedAt = now
		}
		if err := writeRecordTx(ctx, tx, table, out); err != nil {
			return err
		}
		if err := clearAttemptsTx(ctx, tx, table, rec.ID); err != nil {
			return err
		}
		return markDirtyTx(ctx, tx, table, out)
	})
	if err != nil {
		return store.Record{}, err
	}
	return out, nil
}

// Cursor returns the last pull watermark of backend for table, or "".
func (s *Store) Cursor(ctx context.Context, table, backend string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		"SELECT cursor FROM sync_cursors WHERE table_name = ? AND backend = ?", table, backend).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}
	return cursor, nil
}

func (s *Store) SaveCursor(ctx context.Context, table, backend, cursor string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_cursors (table_name, backend, cursor, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name, backend) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		table, backend, cursor, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Attempts returns the consecutive delivery failures of a record per backend.
func (s *Store) Attempts(ctx context.Context, table, id string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT backend, attempts FROM sync_attempts WHERE table_name = ? AND record_id = ?", table, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var backend string
		var n int
		if err := rows.Scan(&backend, &n); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out[backend] = n
	}
	return out, rows.Err()
}
