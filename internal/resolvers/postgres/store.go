// Package postgres provides a Postgres-backed durable reference resolver
// that mirrors the in-memory semantics while snapshotting state to a JSONB
// table after every successful write or commit.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"loomcore/internal/resolvers/memory"
	"loomcore/pkg/instance"
	"loomcore/pkg/resolver"
)

// DriverName identifies the backend in logs and errors.
const DriverName = "postgres"

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

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenFromEnv defaults while allowing overrides.
	defaultDSN = "postgres://localhost/loomcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory
// implementation for semantics.
type Store struct {
	mem *memory.Store
	db  *sql.DB
	mu  sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the snapshot table exists, and hydrates the
// in-memory store from any existing snapshot.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("ensure state table: %w", err)
	}
	s := &Store{mem: memory.NewStore(), db: db}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

const recordsBucket = "records"

func (s *Store) load(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM state WHERE bucket = $1`, recordsBucket)
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

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(s.mem.ExportState())
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`,
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

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// Session delegates semantics to the memory session and snapshots to
// Postgres after auto-committed writes and transaction commits.
type Session struct {
	store *Store
	mem   *memory.Session
}

// Driver names the backend implementation.
func (s *Session) Driver() string { return DriverName }

func (s *Session) persistAfterWrite(ctx context.Context, txn resolver.TxnID, err error) error {
	if err != nil || txn != "" {
		return err
	}
	return s.store.persist(ctx)
}

func (s *Session) CreateInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	out, err := s.mem.CreateInstance(ctx, req)
	if perr := s.persistAfterWrite(ctx, req.Txn, err); perr != nil {
		return nil, perr
	}
	return out, err
}

func (s *Session) UpsertInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	out, err := s.mem.UpsertInstance(ctx, req)
	if perr := s.persistAfterWrite(ctx, req.Txn, err); perr != nil {
		return nil, perr
	}
	return out, err
}

func (s *Session) UpdateInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	out, err := s.mem.UpdateInstance(ctx, req)
	if perr := s.persistAfterWrite(ctx, req.Txn, err); perr != nil {
		return nil, perr
	}
	return out, err
}

func (s *Session) QueryInstances(ctx context.Context, req resolver.Request) ([]*instance.Instance, error) {
	return s.mem.QueryInstances(ctx, req)
}

func (s *Session) DeleteInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	out, err := s.mem.DeleteInstance(ctx, req)
	if perr := s.persistAfterWrite(ctx, req.Txn, err); perr != nil {
		return nil, perr
	}
	return out, err
}

func (s *Session) StartTransaction(ctx context.Context) (resolver.TxnID, error) {
	return s.mem.StartTransaction(ctx)
}

func (s *Session) CommitTransaction(ctx context.Context, id resolver.TxnID) error {
	if err := s.mem.CommitTransaction(ctx, id); err != nil {
		return err
	}
	return s.store.persist(ctx)
}

func (s *Session) RollbackTransaction(ctx context.Context, id resolver.TxnID) error {
	return s.mem.RollbackTransaction(ctx, id)
}

// ExportSnapshot serialises the full state for the snapshot archive.
func (s *Session) ExportSnapshot(ctx context.Context) ([]byte, error) {
	return s.mem.ExportSnapshot(ctx)
}
