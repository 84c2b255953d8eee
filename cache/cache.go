// Package cache stores encoded code blocks in SQLite, keyed by content hash.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chazu/kiri/vm"
	"github.com/chazu/kiri/vm/wire"
	"github.com/tliron/commonlog"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("kiri.cache")

// ErrNotFound indicates the requested block is not cached.
var ErrNotFound = errors.New("block not found")

// Entry describes one cached block.
type Entry struct {
	Hash   string
	Name   string
	Size   int
	Stored time.Time
}

// Store is a bytecode cache backed by an SQLite database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // serializes writers
}

// Open opens or creates the cache database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS blocks (
		hash TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		data BLOB NOT NULL,
		stored_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("opened cache %s", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put encodes and stores a block and returns its content hash. Storing the
// same content twice keeps one entry.
func (s *Store) Put(ctx context.Context, cb *vm.CodeBlock) (string, error) {
	data, err := wire.Marshal(cb)
	if err != nil {
		return "", err
	}
	h, err := wire.Hash(cb)
	if err != nil {
		return "", err
	}
	hash := wire.HashString(h)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO blocks (hash, name, data, stored_at) VALUES (?, ?, ?, ?)",
		hash, cb.Name, data, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("saving block: %w", err)
	}
	log.Debugf("cached %s as %s", cb, hash)
	return hash, nil
}

// GetRaw returns the encoded block stored under hash.
func (s *Store) GetRaw(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM blocks WHERE hash = ?", hash).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying block: %w", err)
	}
	return data, nil
}

// Get returns the decoded block stored under hash.
func (s *Store) Get(ctx context.Context, hash string) (*vm.CodeBlock, error) {
	data, err := s.GetRaw(ctx, hash)
	if err != nil {
		return nil, err
	}
	return wire.Unmarshal(data)
}

// List returns every cached block, newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT hash, name, length(data), stored_at FROM blocks ORDER BY stored_at DESC, hash")
	if err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var stored int64
		if err := rows.Scan(&e.Hash, &e.Name, &e.Size, &stored); err != nil {
			return nil, fmt.Errorf("scanning block row: %w", err)
		}
		e.Stored = time.Unix(stored, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a cached block.
func (s *Store) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM blocks WHERE hash = ?", hash)
	if err != nil {
		return fmt.Errorf("deleting block: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Load decodes an encoded block and records it in the cache. It returns the
// block and its content hash.
func (s *Store) Load(ctx context.Context, data []byte) (*vm.CodeBlock, string, error) {
	cb, err := wire.Unmarshal(data)
	if err != nil {
		return nil, "", err
	}
	hash, err := s.Put(ctx, cb)
	if err != nil {
		return nil, "", err
	}
	return cb, hash, nil
}
