// Package sqlite is the durable local record store. Records, the dirty set,
// backend acknowledgements and sync cursors live in a single SQLite file so
// that a record and its sync bookkeeping always change in one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/msconstructor/data-sync/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const pageSize = 256

var (
	_ store.RecordStore   = (*Store)(nil)
	_ store.ChangeTracker = (*Store)(nil)
)

type Store struct {
	db       *sql.DB
	now      func() time.Time
	logger   *slog.Logger
	deviceID string

	mu       sync.RWMutex
	backends []string
}

type Option func(*Store)

// WithClock sets the time source used to stamp createdAt/updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens or creates the store at path and applies pending migrations.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES ('device_id', ?)", uuid.NewString()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize device id: %w", err)
	}
	if err := db.QueryRow("SELECT value FROM meta WHERE key = 'device_id'").Scan(&s.deviceID); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read device id: %w", err)
	}
	return s, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID identifies this local store. It is generated once on creation.
func (s *Store) DeviceID() string {
	return s.deviceID
}

// SetBackends sets the backends whose acknowledgement is required before a
// record counts as synced.
func (s *Store) SetBackends(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends = slices.Clone(names)
}

func (s *Store) Backends() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.backends)
}

// coversAll reports whether acked contains every configured backend. With no
// backends configured a single acknowledgement is enough.
func (s *Store) coversAll(acked []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.backends) == 0 {
		return len(acked) > 0
	}
	for _, b := range s.backends {
		if !slices.Contains(acked, b) {
			return false
		}
	}
	return true
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) stamp() time.Time {
	return store.Millis(s.now())
}

func validTable(table string) error {
	if table == "" {
		return &store.ValidationError{Msg: "table name is required"}
	}
	return nil
}
