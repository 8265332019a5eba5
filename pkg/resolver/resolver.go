// Package resolver defines the contract implemented by every backend adapter.
// Capabilities are explicit optional interfaces discovered by type assertion;
// the engine never reaches for reflection. Any absent capability fails with a
// NotImplementedError naming it, never a silent skip.
package resolver

import (
	"context"

	"loomcore/pkg/instance"
)

// TxnID is an opaque, resolver-defined identifier correlating a set of calls
// that must commit or roll back together. It is scoped to one pattern
// evaluation and never persisted.
type TxnID string

// AuthContext carries the caller's identity into every backend call so
// row-level authorization can be enforced by the backend itself.
type AuthContext struct {
	UserID        string
	SessionID     string
	ReadForUpdate bool
	ReadForDelete bool
}

// IsZero reports an absent caller identity.
func (a AuthContext) IsZero() bool {
	return a.UserID == "" && a.SessionID == ""
}

// Request is the uniform input to every capability call.
type Request struct {
	Auth AuthContext
	// Txn is empty unless the coordinator threads a transaction through the
	// pattern's calls; it carries the id this resolver's own backend issued.
	Txn TxnID
	// Instance addresses the target record; for query its attributes are
	// the filter set.
	Instance *instance.Instance
	// NewAttrs carries the SET half of an update.
	NewAttrs map[string]any
	// QueryAll requests soft-deleted records too.
	QueryAll bool
}

// Resolver is the marker implemented by every backend adapter session. A
// fresh session is constructed per dispatch call, so per-call auth state
// cannot leak between unrelated requests.
type Resolver interface {
	// Driver names the backend implementation for logs and errors.
	Driver() string
}

// Factory constructs a fresh resolver session. Factories take no arguments;
// shared backend state is captured by the closure while per-call state lives
// on the session.
type Factory func() Resolver

// Creator persists a new instance. A nil result is a valid "not created"
// outcome distinct from an error.
type Creator interface {
	CreateInstance(ctx context.Context, req Request) (*instance.Instance, error)
}

// Upserter creates or replaces an instance keyed by its path.
type Upserter interface {
	UpsertInstance(ctx context.Context, req Request) (*instance.Instance, error)
}

// Updater applies req.NewAttrs to the addressed instance.
type Updater interface {
	UpdateInstance(ctx context.Context, req Request) (*instance.Instance, error)
}

// Querier returns instances matching the request's filter attributes. A nil
// or empty slice is a valid "not found" outcome distinct from an error.
// Result ordering is the backend's and is preserved verbatim upstream.
type Querier interface {
	QueryInstances(ctx context.Context, req Request) ([]*instance.Instance, error)
}

// Deleter removes (or soft-deletes) the addressed instance.
type Deleter interface {
	DeleteInstance(ctx context.Context, req Request) (*instance.Instance, error)
}

// Transactional is implemented by backends that can correlate a set of calls
// under one opaque id.
type Transactional interface {
	StartTransaction(ctx context.Context) (TxnID, error)
	CommitTransaction(ctx context.Context, id TxnID) error
	RollbackTransaction(ctx context.Context, id TxnID) error
}

// Snapshotter is implemented by backends whose full state can be exported as
// a JSON document, consumed by the snapshot archive.
type Snapshotter interface {
	ExportSnapshot(ctx context.Context) ([]byte, error)
}

// Capability names used in NotImplemented errors and dispatch logs.
const (
	CapCreate   = "create"
	CapUpsert   = "upsert"
	CapUpdate   = "update"
	CapQuery    = "query"
	CapDelete   = "delete"
	CapTxnStart = "startTransaction"
	CapSnapshot = "snapshot"
)
