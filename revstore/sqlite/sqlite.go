package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/msconstructor/data-sync/revstore"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteSyncStorage struct {
	db *sql.DB
}

func NewSQLiteSyncStorage(file string) (*SQLiteSyncStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	db.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteSyncStorage{db: db}, nil
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteSyncStorage) SetRecord(ctx context.Context, userID, table string, record revstore.StoredRecord) (int64, error) {
	if err := revstore.Validate(table, record); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// check the stored version against the incoming one
	existing := revstore.StoredRecord{Id: record.Id}
	err = tx.QueryRowContext(ctx,
		"SELECT data, version, created_at, updated_at, tombstone, revision FROM records WHERE user_id = ? AND table_name = ? AND id = ?",
		userID, table, record.Id).
		Scan(&existing.Data, &existing.Version, &existing.CreatedAt, &existing.UpdatedAt, &existing.Tombstone, &existing.Revision)
	if err != sql.ErrNoRows {
		if err != nil {
			return 0, fmt.Errorf("failed to get record's latest version: %w", err)
		}
		store, err := revstore.Accept(existing, record)
		if err != nil {
			return 0, err
		}
		if !store {
			return existing.Revision, nil
		}
	}

	// bump the user's revision
	var newRevision int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO user_revisions (user_id, revision) VALUES (?, 1)
		ON CONFLICT (user_id) DO UPDATE SET revision = user_revisions.revision + 1
		RETURNING revision`, userID).Scan(&newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to set user's latest revision: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (user_id, table_name, id, data, version, created_at, updated_at, tombstone, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, table, record.Id, record.Data, record.Version, record.CreatedAt, record.UpdatedAt, record.Tombstone, newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newRevision, nil
}

func (s *SQLiteSyncStorage) ListChanges(ctx context.Context, userID, table string, sinceRevision int64) ([]revstore.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, version, created_at, updated_at, tombstone, revision FROM records
		WHERE user_id = ? AND table_name = ? AND revision > ? ORDER BY revision`,
		userID, table, sinceRevision)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]revstore.StoredRecord, 0)
	for rows.Next() {
		record := revstore.StoredRecord{}
		err = rows.Scan(&record.Id, &record.Data, &record.Version, &record.CreatedAt, &record.UpdatedAt, &record.Tombstone, &record.Revision)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
