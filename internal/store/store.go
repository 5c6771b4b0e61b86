// Package store provides the shared SQLite database and per-plugin schema
// migrations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/HerbHall/iotscan/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.Store = (*SQLiteStore)(nil)

// ErrDuplicateVersion is returned by Migrate when a plugin lists the same
// migration version twice.
var ErrDuplicateVersion = errors.New("duplicate migration version")

// SQLiteStore implements plugin.Store backed by SQLite via modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex // serializes migrations
	once sync.Once
	err  error // result of creating _migrations
}

// New opens (or creates) a SQLite database at path. ":memory:" gives a
// private in-memory database, which the tests use.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// One connection: SQLite serializes writers anyway, and an in-memory
	// database only exists on the connection that created it.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying *sql.DB for direct queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Tx executes fn within a database transaction. The transaction is
// committed if fn returns nil, rolled back otherwise.
func (s *SQLiteStore) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// Migrate applies the named plugin's migrations that have not run yet, in
// Version order. Applied versions are recorded in the shared _migrations
// table. Two migrations with the same Version are rejected before any runs.
func (s *SQLiteStore) Migrate(ctx context.Context, pluginName string, migrations []plugin.Migration) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	pending := slices.Clone(migrations)
	slices.SortStableFunc(pending, func(a, b plugin.Migration) int { return a.Version - b.Version })
	for i := 1; i < len(pending); i++ {
		if pending[i].Version == pending[i-1].Version {
			return fmt.Errorf("migration %s/%d: %w", pluginName, pending[i].Version, ErrDuplicateVersion)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied, err := s.appliedVersions(ctx, pluginName)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, pluginName, m); err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", pluginName, m.Version, m.Description, err)
		}
	}
	return nil
}

// Checkpoint folds the WAL into the main database file so a file copy of it
// holds every committed write.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ensureMigrationsTable(ctx context.Context) error {
	s.once.Do(func() {
		_, s.err = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS _migrations (
				plugin_name TEXT     NOT NULL,
				version     INTEGER  NOT NULL,
				description TEXT     NOT NULL,
				applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (plugin_name, version)
			)
		`)
	})
	if s.err != nil {
		return fmt.Errorf("create _migrations: %w", s.err)
	}
	return nil
}

func (s *SQLiteStore) appliedVersions(ctx context.Context, pluginName string) (map[int]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version FROM _migrations WHERE plugin_name = ?", pluginName)
	if err != nil {
		return nil, fmt.Errorf("list migrations for %s: %w", pluginName, err)
	}
	defer rows.Close()

	applied := make(map[int]struct{})
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = struct{}{}
	}
	return applied, rows.Err()
}

func (s *SQLiteStore) applyMigration(ctx context.Context, pluginName string, m plugin.Migration) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		if err := m.Up(tx); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			"INSERT INTO _migrations (plugin_name, version, description) VALUES (?, ?, ?)",
			pluginName, m.Version, m.Description,
		)
		return err
	})
}
