// Package sqlite persists session entries in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/danharwell/chatmux/internal/queue"
	"github.com/danharwell/chatmux/internal/sessions"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store implements sessions.EntryStore backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Put(ctx context.Context, entry *sessions.Entry) error {
	var override sql.NullString
	if entry.QueueOverride != nil {
		data, err := json.Marshal(entry.QueueOverride)
		if err != nil {
			return fmt.Errorf("marshal queue override: %w", err)
		}
		override = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_entries
			(session_key, channel, chat_id, peer_kind, model, label,
			 queue_override, run_count, last_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET
			channel        = excluded.channel,
			chat_id        = excluded.chat_id,
			peer_kind      = excluded.peer_kind,
			model          = excluded.model,
			label          = excluded.label,
			queue_override = excluded.queue_override,
			run_count      = excluded.run_count,
			last_run_at    = excluded.last_run_at,
			updated_at     = excluded.updated_at`,
		entry.Key, entry.Channel, entry.ChatID, entry.PeerKind,
		entry.Model, entry.Label, override, entry.RunCount,
		entry.LastRunAt, entry.Created, entry.Updated,
	)
	if err != nil {
		return fmt.Errorf("upsert session entry: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*sessions.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, channel, chat_id, peer_kind, model, label,
		       queue_override, run_count, last_run_at, created_at, updated_at
		FROM session_entries`)
	if err != nil {
		return nil, fmt.Errorf("list session entries: %w", err)
	}
	defer rows.Close()

	var out []*sessions.Entry
	for rows.Next() {
		var (
			e        sessions.Entry
			override sql.NullString
			created  time.Time
			updated  time.Time
		)
		if err := rows.Scan(&e.Key, &e.Channel, &e.ChatID, &e.PeerKind,
			&e.Model, &e.Label, &override, &e.RunCount, &e.LastRunAt,
			&created, &updated); err != nil {
			return nil, fmt.Errorf("scan session entry: %w", err)
		}
		e.Created = created
		e.Updated = updated
		if override.Valid && override.String != "" {
			var ov queue.Overrides
			if err := json.Unmarshal([]byte(override.String), &ov); err == nil {
				e.QueueOverride = &ov
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_entries WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("delete session entry: %w", err)
	}
	return nil
}
