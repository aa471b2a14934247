// Package sessionstore persists gateway session checkpoints.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"wirebot/internal/domain"
)

// DefaultKey names the checkpoint row of an unsharded client.
const DefaultKey = "default"

// SQLiteStore implements domain.SessionStore using SQLite. Each store reads
// and writes the single row identified by its key, so shards can share one
// database file.
type SQLiteStore struct {
	db  *sql.DB
	key string
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration. An empty key selects DefaultKey.
func NewSQLiteStore(dbPath, key string) (*SQLiteStore, error) {
	if key == "" {
		key = DefaultKey
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteStore{db: db, key: key}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS gateway_sessions (
			key        TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the stored checkpoint, or nil when there is none.
func (s *SQLiteStore) Load(ctx context.Context) (*domain.SessionCheckpoint, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT session_id, seq, updated_at FROM gateway_sessions WHERE key = ?", s.key,
	)
	var (
		cp      domain.SessionCheckpoint
		updated string
	)
	if err := row.Scan(&cp.SessionID, &cp.Sequence, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: load: %v", domain.ErrSessionStore, err)
	}
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return nil, fmt.Errorf("%w: parse updated_at: %v", domain.ErrSessionStore, err)
	}
	cp.UpdatedAt = t
	return &cp, nil
}

// Save upserts the checkpoint. A zero UpdatedAt is stamped with the current time.
func (s *SQLiteStore) Save(ctx context.Context, cp domain.SessionCheckpoint) error {
	if cp.SessionID == "" {
		return domain.NewDomainError("SessionStore.Save", domain.ErrSessionStore, "empty session id")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_sessions (key, session_id, seq, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			session_id = excluded.session_id,
			seq        = excluded.seq,
			updated_at = excluded.updated_at`,
		s.key, cp.SessionID, cp.Sequence, cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: save: %v", domain.ErrSessionStore, err)
	}
	return nil
}

// Clear deletes the checkpoint. Clearing an empty store is not an error.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM gateway_sessions WHERE key = ?", s.key); err != nil {
		return fmt.Errorf("%w: clear: %v", domain.ErrSessionStore, err)
	}
	return nil
}

var _ domain.SessionStore = (*SQLiteStore)(nil)
