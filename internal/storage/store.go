// Package storage is the durable key/value layer the assistant persists its
// state through. Keys are grouped in namespaces mirroring the two storage
// areas the assistant uses: "local" for per-browser UI and conversation state
// and "sync" for secrets.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const (
	NamespaceLocal = "local"
	NamespaceSync  = "sync"
)

// Persisted keys.
const (
	KeyLogs         = "kairu_logs"
	KeyChatHistory  = "kairu_chat_history"
	KeyEnabled      = "kairu_enabled"
	KeyConversation = "kairu_conversation"
	KeyPosition     = "kairu_position"
	KeyAPIKey       = "openaiApiKey"
)

var (
	// ErrContextInvalidated reports that the store backing the session has been
	// torn down. Callers must surface it instead of swallowing it.
	ErrContextInvalidated = errors.New("storage context invalidated")
	// ErrNotFound is returned by Get when the key has never been written.
	ErrNotFound = errors.New("storage key not found")
	// ErrCorrupt marks a stored value that no longer decodes.
	ErrCorrupt = errors.New("stored value is not valid JSON")
)

// Getter and Setter are the halves of a key/value backend the JSON helpers
// need. Store implements both.
type Getter interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
}

type Setter interface {
	Set(ctx context.Context, namespace, key string, value []byte) error
}

// Position is the assistant container offset from the bottom-right corner.
type Position struct {
	Bottom int `json:"bottom"`
	Right  int `json:"right"`
}

// Store is a namespaced key/value store on SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// Open opens (or creates) the database at path. ":memory:" keeps everything
// in process, which is what the tests use.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, key)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize storage schema: %w", err)
	}
	return nil
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Valid reports whether the store can still be used.
func (s *Store) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Get returns the raw bytes stored under namespace/key.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrContextInvalidated
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get "+namespace+"/"+key, err)
	}
	return value, nil
}

// Set stores value under namespace/key, replacing any previous value.
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrContextInvalidated
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		namespace, key, value)
	if err != nil {
		return classify("set "+namespace+"/"+key, err)
	}
	return nil
}

// Remove deletes namespace/key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, namespace, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrContextInvalidated
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return classify("remove "+namespace+"/"+key, err)
	}
	return nil
}

// GetJSON decodes the value under namespace/key into v. Values that fail to
// decode are reported as ErrCorrupt.
func GetJSON(ctx context.Context, kv Getter, namespace, key string, v interface{}) error {
	raw, err := kv.Get(ctx, namespace, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s/%s: %w", ErrCorrupt, namespace, key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under namespace/key.
func SetJSON(ctx context.Context, kv Setter, namespace, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", namespace, key, err)
	}
	return kv.Set(ctx, namespace, key, raw)
}

// Close releases the database. Every later call fails with
// ErrContextInvalidated.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func classify(op string, err error) error {
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w", op, ErrContextInvalidated)
	}
	return fmt.Errorf("%s: %w", op, err)
}
