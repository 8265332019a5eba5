// Package archive stores resolver snapshot payloads in a pluggable object
// store. Keys are flat slash-separated strings; payloads are opaque bytes,
// in practice the JSON documents produced by snapshot-capable resolvers.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Driver identifies a concrete archive backend implementation.
type Driver string

const (
	DriverFilesystem Driver = "fs"     // local filesystem (default, dev)
	DriverS3         Driver = "s3"     // S3 / MinIO compatible
	DriverMemory     Driver = "memory" // in-memory (tests)
)

// WriteOptions specifies optional parameters for Put.
type WriteOptions struct {
	ContentType string            // MIME type, optional
	Metadata    map[string]string // small flat key-value metadata
}

// Entry describes a stored snapshot object.
type Entry struct {
	Key         string            `json:"key"`
	Size        int64             `json:"size_bytes"`
	ContentType string            `json:"content_type,omitempty"`
	ETag        string            `json:"etag,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Store is a minimal S3-like object store. Put fails when the key already
// exists so archived snapshots are immutable once written.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts WriteOptions) (Entry, error)
	Get(ctx context.Context, key string) (Entry, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Entry, error)
	// Delete removes an object. Returns (false, nil) if not found.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns entries whose key has the provided prefix, key ascending.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Driver() Driver
}

// ErrNotFound reports a missing archive key.
var ErrNotFound = errors.New("archive: object not found")

// Open selects a Store implementation using environment variables.
//
//	LOOMCORE_ARCHIVE_DRIVER: fs|s3|memory (default fs)
//	LOOMCORE_ARCHIVE_FS_ROOT: directory root when driver=fs (default ./archivedata)
//	(S3 specific variables documented in s3.go)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("LOOMCORE_ARCHIVE_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("LOOMCORE_ARCHIVE_FS_ROOT"))
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %s", driver)
	}
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
