// Package sqlite provides a durable reference resolver: memory-store
// semantics with the full state snapshotted to a single SQLite table as JSON
// after every successful write or commit.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"loomcore/internal/resolvers/memory"
	"loomcore/pkg/instance"
	"loomcore/pkg/resolver"
)

// DriverName identifies the backend in logs and errors.
const DriverName = "sqlite"

var (
	_ resolver.Resolver      = (*Session)(nil)
	_ resolver.Creator       = (*Session)(nil)
	_ resolver.Upserter      = (*Session)(nil)
	_ resolver.Updater       = (*Session)(nil)
	_ resolver.Querier       = (*Session)(nil)
	_ resolver.Deleter       = (*Session)(nil)
	_ resolver.Transactional = (*Session)(nil)
	_ resolver.Snapshotter   = (*Session)(nil)
)

// Store wraps the in-memory store with snapshot persistence.
type Store struct {
	mem  *memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the database file and hydrates the in-memory
// state from any existing snapshot.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "loomcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{mem: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

const recordsBucket = "records"

func (s *Store) load() error {
	row := s.db.QueryRow(`SELECT payload FROM state WHERE bucket = ?`, recordsBucket)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("select state: %w", err)
	}
	var snap memory.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("decode records: %w", err)
	}
	s.mem.ImportState(snap)
	return nil
}

func (s *Store) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(s.mem.ExportState())
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
		recordsBucket, payload,
	); err != nil {
		return fmt.Errorf("upsert %s: %w", recordsBucket, err)
	}
	return nil
}

// Factory returns a resolver factory producing fresh sessions.
func (s *Store) Factory() resolver.Factory {
	return func() resolver.Resolver { return &Session{store: s, mem: s.mem.Session()} }
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Session delegates semantics to the memory session and snapshots the state
// after every auto-committed write and every transaction commit.
type Session struct {
	store *Store
	mem   *memory.Session
}

// Driver names the backend implementation.
func (s *Session) Driver() string { return DriverName }

// persistAfterWrite snapshots when the call was not part of an open
// transaction; transactional writes persist once, at commit.
func (s *Session) persistAfterWrite(txn resolver.TxnID, err error) error {
	if err != nil || txn != "" {
		return err
	}
	return s.store.persist()
}

func (s *Session) CreateInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	out, err := s.mem.CreateInstance(ctx, req)
	if perr := s.persistAfterWrite(req.Txn, err); perr != nil {
		return nil, perr
	}
	return out, err
}

func (s *Session) UpsertInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	out, err := s.mem.UpsertInstance(ctx, req)
	if perr := s.persistAfterWrite(req.Txn, err); perr != nil {
		return nil, perr
	}
	return out, err
}

func (s *Session) UpdateInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	out, err := s.mem.UpdateInstance(ctx, req)
	if perr := s.persistAfterWrite(req.Txn, err); perr != nil {
		return nil, perr
	}
	return out, err
}

func (s *Session) QueryInstances(ctx context.Context, req resolver.Request) ([]*instance.Instance, error) {
	return s.mem.QueryInstances(ctx, req)
}

func (s *Session) DeleteInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	out, err := s.mem.DeleteInstance(ctx, req)
	if perr := s.persistAfterWrite(req.Txn, err); perr != nil {
		return nil, perr
	}
	return out, err
}

func (s *Session) StartTransaction(ctx context.Context) (resolver.TxnID, error) {
	return s.mem.StartTransaction(ctx)
}

// CommitTransaction applies the staged overlay, then snapshots to SQLite.
func (s *Session) CommitTransaction(ctx context.Context, id resolver.TxnID) error {
	if err := s.mem.CommitTransaction(ctx, id); err != nil {
		return err
	}
	return s.store.persist()
}

func (s *Session) RollbackTransaction(ctx context.Context, id resolver.TxnID) error {
	return s.mem.RollbackTransaction(ctx, id)
}

// ExportSnapshot serialises the full state for the snapshot archive.
func (s *Session) ExportSnapshot(ctx context.Context) ([]byte, error) {
	return s.mem.ExportSnapshot(ctx)
}
