package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/msconstructor/data-sync/revstore"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgSyncStorage struct {
	db *pgxpool.Pool
}

func NewPGSyncStorage(ctx context.Context, databaseURL string) (*PgSyncStorage, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"data-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	pgxPool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgSyncStorage{db: pgxPool}, nil
}

func (s *PgSyncStorage) Close() {
	s.db.Close()
}

func (s *PgSyncStorage) SetRecord(ctx context.Context, userID, table string, record revstore.StoredRecord) (int64, error) {
	if err := revstore.Validate(table, record); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	// check the stored version against the incoming one
	existing := revstore.StoredRecord{Id: record.Id}
	err = tx.QueryRow(ctx,
		"SELECT data, version, created_at, updated_at, tombstone, revision FROM records WHERE user_id = $1 AND table_name = $2 AND id = $3",
		userID, table, record.Id).
		Scan(&existing.Data, &existing.Version, &existing.CreatedAt, &existing.UpdatedAt, &existing.Tombstone, &existing.Revision)
	if !errors.Is(err, pgx.ErrNoRows) {
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
	err = tx.QueryRow(ctx,
		`INSERT INTO user_revisions (user_id, revision) VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET revision = user_revisions.revision + 1
		RETURNING revision`, userID).Scan(&newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to set user's latest revision: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO records (user_id, table_name, id, data, version, created_at, updated_at, tombstone, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, table_name, id) DO UPDATE SET
		  data = EXCLUDED.data,
		  version = EXCLUDED.version,
		  created_at = EXCLUDED.created_at,
		  updated_at = EXCLUDED.updated_at,
		  tombstone = EXCLUDED.tombstone,
		  revision = EXCLUDED.revision`,
		userID, table, record.Id, record.Data, record.Version, record.CreatedAt, record.UpdatedAt, record.Tombstone, newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newRevision, nil
}

func (s *PgSyncStorage) ListChanges(ctx context.Context, userID, table string, sinceRevision int64) ([]revstore.StoredRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, data, version, created_at, updated_at, tombstone, revision FROM records
		WHERE user_id = $1 AND table_name = $2 AND revision > $3 ORDER BY revision`,
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
