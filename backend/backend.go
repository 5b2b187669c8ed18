// Package backend provides the filesystem abstraction underneath the blob
// store. Keys are slash-separated relative paths.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for blob storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, overwriting any existing data.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// DeleteTree removes all data under the given key prefix.
	// Returns nil if nothing exists under the prefix (idempotent).
	DeleteTree(ctx context.Context, prefix string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix uses "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// PathBackend is implemented by backends whose keys map to real filesystem
// paths. Editors and previewers use Path to open attachment files directly.
type PathBackend interface {
	Backend

	// Path returns the absolute filesystem path for a key. The path is
	// returned whether or not the key currently exists.
	Path(key string) string
}
