// Package store is the durable state layer (C1): messages, listeners,
// platforms, rules, and per-user conversation ids, backed by a single
// SQLite database in WAL mode.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"wxorc/internal/errs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the SQL connection and serialises all writes through a
// single mutex, per the single-writer contract of SQLite under WAL.
type Store struct {
	db   *sql.DB
	wmu  sync.Mutex

	Messages      *MessageStore
	Listeners     *ListenerStore
	FixedListeners *FixedListenerStore
	Platforms     *PlatformStore
	Rules         *RuleStore
	Conversations *ConversationStore
}

// New opens the SQLite file at path, enables WAL journaling, and wires
// the typed per-table stores.
func New(path string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	s.Messages = &MessageStore{s: s}
	s.Listeners = &ListenerStore{s: s}
	s.FixedListeners = &FixedListenerStore{s: s}
	s.Platforms = &PlatformStore{s: s}
	s.Rules = &RuleStore{s: s}
	s.Conversations = &ConversationStore{s: s}

	return s, nil
}

// RunMigrations executes all pending schema migrations, tracked in a
// schema_migrations table, forward-only.
func (s *Store) RunMigrations(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%04d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced usage (tests, admin tools).
func (s *Store) DB() *sql.DB {
	return s.db
}

// write serialises a mutating call and retries transient failures up to
// 3 times with 250/500/1000ms backoff, per the store's failure contract.
// Uniqueness violations are never retried — they are returned as-is so
// idempotent inserts resolve in a single attempt.
func (s *Store) write(ctx context.Context, fn func(ctx context.Context) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	delays := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 1000 * time.Millisecond}
	var err error
	for attempt := 0; attempt <= len(delays); attempt++ {
		err = fn(ctx)
		if err == nil || isUniqueViolation(err) {
			return err
		}
		if attempt < len(delays) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delays[attempt]):
			}
		}
	}
	return errs.StoreFatal("store write failed after retries", err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
