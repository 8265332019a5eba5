// Package memory provides the in-memory reference resolver used for tests
// and ephemeral environments, and the base layer the durable snapshot
// resolvers wrap.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loomcore/pkg/instance"
	"loomcore/pkg/path"
	"loomcore/pkg/resolver"
)

// DriverName identifies the backend in logs and errors.
const DriverName = "memory"

// Compile-time contract assertions for the full capability set.
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

// Record is one stored row: the instance attribute map plus bookkeeping.
type Record struct {
	FQName    string         `json:"fq_name"`
	Attrs     map[string]any `json:"attrs"`
	Owner     string         `json:"owner,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Seq       uint64         `json:"seq"`
}

// Snapshot captures a point-in-time clone of the store state, keyed by
// encoded path.
type Snapshot struct {
	Records map[string]Record `json:"records"`
	NextSeq uint64            `json:"next_seq"`
}

// overlay stages the mutations of one open transaction.
type overlay struct {
	staged  map[string]*Record
	removed map[string]bool
}

// Store holds the shared backend state. Sessions are constructed per
// dispatch call; the store guards its own state with a mutex, as required of
// any resolver implementation that keeps state.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	txns    map[resolver.TxnID]*overlay
	nextSeq uint64
	nowFn   func() time.Time
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*Record),
		txns:    make(map[resolver.TxnID]*overlay),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// Factory returns a resolver factory producing fresh sessions over the
// shared store.
func (s *Store) Factory() resolver.Factory {
	return func() resolver.Resolver { return s.Session() }
}

// Session constructs a fresh per-call handle over the shared store.
func (s *Store) Session() *Session { return &Session{store: s} }

// Session is the per-dispatch resolver handle. It carries no state of its
// own beyond the store reference; the caller's auth context arrives with
// each request and cannot leak across calls.
type Session struct {
	store *Store
}

// Driver names the backend implementation.
func (s *Session) Driver() string { return DriverName }

func encodedPath(inst *instance.Instance) (string, error) {
	if !inst.Path.IsZero() {
		return inst.Path.Encode(), nil
	}
	if raw, ok := inst.Attrs[instance.AttrPath].(string); ok && raw != "" {
		return raw, nil
	}
	return "", fmt.Errorf("instance of %s carries no path", inst.FQName)
}

// lookup reads through the transaction overlay when one is active.
func (s *Store) lookup(txn resolver.TxnID, key string) (*Record, bool) {
	if txn != "" {
		if ov, ok := s.txns[txn]; ok {
			if ov.removed[key] {
				return nil, false
			}
			if rec, ok := ov.staged[key]; ok {
				return rec, true
			}
		}
	}
	rec, ok := s.records[key]
	return rec, ok
}

func (s *Store) write(txn resolver.TxnID, key string, rec *Record) error {
	if txn == "" {
		s.records[key] = rec
		return nil
	}
	ov, ok := s.txns[txn]
	if !ok {
		return fmt.Errorf("unknown transaction %s", txn)
	}
	delete(ov.removed, key)
	ov.staged[key] = rec
	return nil
}

func (s *Store) remove(txn resolver.TxnID, key string) error {
	if txn == "" {
		delete(s.records, key)
		return nil
	}
	ov, ok := s.txns[txn]
	if !ok {
		return fmt.Errorf("unknown transaction %s", txn)
	}
	delete(ov.staged, key)
	ov.removed[key] = true
	return nil
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	cp.Attrs = cloneAttrs(rec.Attrs)
	return &cp
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneAttrs(val)
		case []any:
			cp := make([]any, len(val))
			copy(cp, val)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func (s *Store) toInstance(rec *Record) *instance.Instance {
	inst := &instance.Instance{FQName: rec.FQName, Attrs: cloneAttrs(rec.Attrs), Deleted: rec.Deleted}
	if raw, ok := rec.Attrs[instance.AttrPath].(string); ok {
		if p, err := path.Decode(raw); err == nil {
			inst.Path = p
		}
	}
	return inst
}

// CreateInstance persists a new record keyed by the instance path. Creating
// over a live record is a conflict; creating over a soft-deleted one
// resurrects the key.
func (s *Session) CreateInstance(_ context.Context, req resolver.Request) (*instance.Instance, error) {
	key, err := encodedPath(req.Instance)
	if err != nil {
		return nil, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if existing, ok := s.store.lookup(req.Txn, key); ok && !existing.Deleted {
		return nil, fmt.Errorf("record %s already exists", key)
	}
	now := s.store.nowFn()
	s.store.nextSeq++
	rec := &Record{
		FQName:    req.Instance.FQName,
		Attrs:     cloneAttrs(req.Instance.Attrs),
		Owner:     req.Auth.UserID,
		CreatedAt: now,
		UpdatedAt: now,
		Seq:       s.store.nextSeq,
	}
	if err := s.store.write(req.Txn, key, rec); err != nil {
		return nil, err
	}
	return s.store.toInstance(rec), nil
}

// UpsertInstance creates or replaces the record at the instance path.
func (s *Session) UpsertInstance(_ context.Context, req resolver.Request) (*instance.Instance, error) {
	key, err := encodedPath(req.Instance)
	if err != nil {
		return nil, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	now := s.store.nowFn()
	rec, ok := s.store.lookup(req.Txn, key)
	if ok {
		rec = cloneRecord(rec)
		rec.Attrs = cloneAttrs(req.Instance.Attrs)
		rec.Deleted = false
		rec.UpdatedAt = now
	} else {
		s.store.nextSeq++
		rec = &Record{
			FQName:    req.Instance.FQName,
			Attrs:     cloneAttrs(req.Instance.Attrs),
			Owner:     req.Auth.UserID,
			CreatedAt: now,
			UpdatedAt: now,
			Seq:       s.store.nextSeq,
		}
	}
	if err := s.store.write(req.Txn, key, rec); err != nil {
		return nil, err
	}
	return s.store.toInstance(rec), nil
}

// UpdateInstance applies req.NewAttrs to the record addressed by path or,
// absent a path, to the first record matching the filter attributes.
func (s *Session) UpdateInstance(_ context.Context, req resolver.Request) (*instance.Instance, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	key, rec, err := s.locate(req)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	updated := cloneRecord(rec)
	for k, v := range req.NewAttrs {
		updated.Attrs[k] = v
	}
	updated.UpdatedAt = s.store.nowFn()
	if err := s.store.write(req.Txn, key, updated); err != nil {
		return nil, err
	}
	return s.store.toInstance(updated), nil
}

// locate finds one live record for req, by path when present, otherwise by
// filter match in insertion order. Caller holds the lock.
func (s *Session) locate(req resolver.Request) (string, *Record, error) {
	if key, err := encodedPath(req.Instance); err == nil {
		rec, ok := s.store.lookup(req.Txn, key)
		if !ok || rec.Deleted {
			return key, nil, nil
		}
		return key, rec, nil
	}
	keys, err := s.matchKeys(req)
	if err != nil {
		return "", nil, err
	}
	if len(keys) == 0 {
		return "", nil, nil
	}
	rec, _ := s.store.lookup(req.Txn, keys[0])
	return keys[0], rec, nil
}

// matchKeys returns keys of records matching the request filters, in
// insertion order. Caller holds at least a read lock.
func (s *Session) matchKeys(req resolver.Request) ([]string, error) {
	filters := make(map[string]any, len(req.Instance.Attrs))
	var pathFilter, parentFilter string
	for k, v := range req.Instance.Attrs {
		switch k {
		case instance.AttrPath:
			pathFilter, _ = v.(string)
		case instance.AttrParent:
			parentFilter, _ = v.(string)
		case instance.AttrIsDeleted:
			// handled via QueryAll
		default:
			filters[k] = v
		}
	}

	type hit struct {
		key string
		seq uint64
	}
	var hits []hit
	consider := func(key string, rec *Record) {
		if rec.FQName != req.Instance.FQName {
			return
		}
		if rec.Deleted && !req.QueryAll {
			return
		}
		if pathFilter != "" && key != pathFilter {
			return
		}
		if parentFilter != "" {
			parent, _ := rec.Attrs[instance.AttrParent].(string)
			if parent != parentFilter {
				return
			}
		}
		inst := &instance.Instance{FQName: rec.FQName, Attrs: rec.Attrs}
		if !inst.Matches(filters) {
			return
		}
		hits = append(hits, hit{key: key, seq: rec.Seq})
	}

	seen := make(map[string]bool)
	if req.Txn != "" {
		if ov, ok := s.store.txns[req.Txn]; ok {
			for key, rec := range ov.staged {
				seen[key] = true
				consider(key, rec)
			}
			for key := range ov.removed {
				seen[key] = true
			}
		}
	}
	for key, rec := range s.store.records {
		if seen[key] {
			continue
		}
		consider(key, rec)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	keys := make([]string, len(hits))
	for i, h := range hits {
		keys[i] = h.key
	}
	return keys, nil
}

// QueryInstances returns records matching the request's filter attributes in
// insertion order. An empty result is a valid not-found outcome.
func (s *Session) QueryInstances(_ context.Context, req resolver.Request) ([]*instance.Instance, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	keys, err := s.matchKeys(req)
	if err != nil {
		return nil, err
	}
	out := make([]*instance.Instance, 0, len(keys))
	for _, key := range keys {
		rec, ok := s.store.lookup(req.Txn, key)
		if !ok {
			continue
		}
		out = append(out, s.store.toInstance(rec))
	}
	return out, nil
}

// DeleteInstance soft-deletes the addressed record; the key survives so path
// identity stays stable across restarts.
func (s *Session) DeleteInstance(_ context.Context, req resolver.Request) (*instance.Instance, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	key, rec, err := s.locate(req)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	removed := cloneRecord(rec)
	removed.Deleted = true
	removed.Attrs[instance.AttrIsDeleted] = true
	removed.UpdatedAt = s.store.nowFn()
	if err := s.store.write(req.Txn, key, removed); err != nil {
		return nil, err
	}
	return s.store.toInstance(removed), nil
}

// StartTransaction opens a staged overlay and returns its opaque id.
func (s *Session) StartTransaction(_ context.Context) (resolver.TxnID, error) {
	id := resolver.TxnID(uuid.NewString())
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.txns[id] = &overlay{staged: make(map[string]*Record), removed: make(map[string]bool)}
	return id, nil
}

// CommitTransaction applies the staged overlay to the base state.
func (s *Session) CommitTransaction(_ context.Context, id resolver.TxnID) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	ov, ok := s.store.txns[id]
	if !ok {
		return fmt.Errorf("unknown transaction %s", id)
	}
	for key, rec := range ov.staged {
		s.store.records[key] = rec
	}
	for key := range ov.removed {
		delete(s.store.records, key)
	}
	delete(s.store.txns, id)
	return nil
}

// RollbackTransaction drops the staged overlay.
func (s *Session) RollbackTransaction(_ context.Context, id resolver.TxnID) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.txns[id]; !ok {
		return fmt.Errorf("unknown transaction %s", id)
	}
	delete(s.store.txns, id)
	return nil
}
