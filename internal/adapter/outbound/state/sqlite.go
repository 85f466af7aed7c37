// Package state provides the SQLite-backed persistence adapter for
// toolsets and preferences.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/toolscope/toolscope/internal/port/outbound"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	kind       TEXT NOT NULL,
	id         TEXT NOT NULL,
	blob       BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	PRIMARY KEY (kind, id)
);
`

// SQLiteStore implements outbound.Store on a single SQLite database file.
// SQLite gives per-statement atomicity, which covers the per-key atomic
// write requirement.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the database at path, creating parent directories
// as needed.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	// WAL keeps readers unblocked during writes; the busy timeout covers
	// the rare concurrent writer.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Put creates or replaces a record.
func (s *SQLiteStore) Put(kind, id string, blob []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO records (kind, id, blob) VALUES (?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			blob = excluded.blob,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		kind, id, blob)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", kind, id, err)
	}
	return nil
}

// Get reads a record, or outbound.ErrNotFound.
func (s *SQLiteStore) Get(kind, id string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM records WHERE kind = ? AND id = ?`, kind, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, outbound.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, id, err)
	}
	return blob, nil
}

// List returns the ids of all records of a kind, sorted.
func (s *SQLiteStore) List(kind string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM records WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", kind, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return ids, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *SQLiteStore) Delete(kind, id string) error {
	if _, err := s.db.Exec(`DELETE FROM records WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, id, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Compile-time check that SQLiteStore implements the Store port.
var _ outbound.Store = (*SQLiteStore)(nil)
