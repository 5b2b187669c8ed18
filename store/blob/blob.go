// Package blob provides content-addressed storage for attachment and large
// text content. Blobs are laid out as blobs/{hex[:2]}/{hash}/{filename} so
// that the original filename survives on disk and editors can open
// attachment files directly by path.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	keva "github.com/ik1ne/keva-sub000"
	"github.com/ik1ne/keva-sub000/backend"
	"github.com/ik1ne/keva-sub000/telemetry"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = backend.ErrNotFound

// TextFilename is the fixed filename used for text values stored as blobs.
const TextFilename = "content.md"

const keyPrefix = "blobs"

// StorageKey returns the backend key for a blob file.
// Format: blobs/{hex[:2]}/{hex}/{filename}
func StorageKey(h keva.Hash, filename string) string {
	hex := h.String()
	return keyPrefix + "/" + hex[:2] + "/" + hex + "/" + filename
}

// DirKey returns the backend key prefix holding every file of a blob.
func DirKey(h keva.Hash) string {
	hex := h.String()
	return keyPrefix + "/" + hex[:2] + "/" + hex
}

// ParseStorageKey extracts the hash and filename from a backend key.
func ParseStorageKey(key string) (keva.Hash, string, error) {
	parts := strings.SplitN(key, "/", 4)
	if len(parts) != 4 || parts[0] != keyPrefix {
		return keva.Hash{}, "", fmt.Errorf("invalid blob key format: %s", key)
	}
	h, err := keva.ParseHash(parts[2])
	if err != nil {
		return keva.Hash{}, "", fmt.Errorf("invalid hash in blob key %s: %w", key, err)
	}
	return h, parts[3], nil
}

// PutResult contains information about a Put operation.
type PutResult struct {
	Hash   keva.Hash
	Size   int64
	Exists bool // true if the exact content and filename already existed
}

// Store is the content-addressed blob store.
type Store struct {
	backend backend.Backend
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a blob store on top of the given backend.
func New(b backend.Backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores content under its hash, preserving the given filename.
// Identical content stored under the same filename is a no-op.
// The content is streamed through a temp file so large attachments do not
// need to fit in memory.
func (s *Store) Put(ctx context.Context, filename string, r io.Reader) (*PutResult, error) {
	tmpFile, err := os.CreateTemp("", "keva-blob-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", keva.MapIOError(err))
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	hr := keva.NewHashingReader(r)
	if _, err := io.Copy(tmpFile, hr); err != nil {
		return nil, fmt.Errorf("reading content: %w", keva.MapIOError(err))
	}

	hash := hr.Sum()
	size := hr.BytesRead()
	key := StorageKey(hash, filename)

	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking existence: %w", err)
	}

	if exists {
		telemetry.RecordBlobWrite(ctx, size, false)
		return &PutResult{Hash: hash, Size: size, Exists: true}, nil
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking temp file: %w", err)
	}

	if err := s.backend.Write(ctx, key, tmpFile); err != nil {
		return nil, fmt.Errorf("writing content: %w", err)
	}

	telemetry.RecordBlobWrite(ctx, size, true)
	s.logger.Debug("stored blob", "hash", hash.ShortString(), "filename", filename, "size", size)

	return &PutResult{Hash: hash, Size: size, Exists: false}, nil
}

// PutBytes is a convenience method for storing bytes.
func (s *Store) PutBytes(ctx context.Context, filename string, data []byte) (*PutResult, error) {
	return s.Put(ctx, filename, bytes.NewReader(data))
}

// Open retrieves blob content by hash and filename.
func (s *Store) Open(ctx context.Context, h keva.Hash, filename string) (io.ReadCloser, error) {
	rc, err := s.backend.Read(ctx, StorageKey(h, filename))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return rc, nil
}

// Bytes is a convenience method for retrieving blob content as bytes.
func (s *Store) Bytes(ctx context.Context, h keva.Hash, filename string) ([]byte, error) {
	rc, err := s.Open(ctx, h, filename)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", keva.MapIOError(err))
	}
	return data, nil
}

// Has checks whether any file exists for the given hash.
func (s *Store) Has(ctx context.Context, h keva.Hash) (bool, error) {
	keys, err := s.backend.List(ctx, DirKey(h))
	if err != nil {
		return false, fmt.Errorf("listing blob: %w", err)
	}
	return len(keys) > 0, nil
}

// CopyFile makes the blob content available under an additional
// filename. The original file stays in place; identical content under a
// retired name is reclaimed with the hash once nothing references it.
func (s *Store) CopyFile(ctx context.Context, h keva.Hash, oldName, newName string) error {
	rc, err := s.Open(ctx, h, oldName)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := s.backend.Write(ctx, StorageKey(h, newName), rc); err != nil {
		return fmt.Errorf("copying blob file: %w", keva.MapIOError(err))
	}
	return nil
}

// Size returns the total bytes stored under a hash across all its files.
func (s *Store) Size(ctx context.Context, h keva.Hash) (int64, error) {
	keys, err := s.backend.List(ctx, DirKey(h))
	if err != nil {
		return 0, fmt.Errorf("listing blob: %w", err)
	}

	var total int64
	for _, key := range keys {
		size, err := s.backend.Size(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("sizing blob file %s: %w", key, err)
		}
		total += size
	}
	return total, nil
}

// Delete removes all files of a blob. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, h keva.Hash) error {
	if err := s.backend.DeleteTree(ctx, DirKey(h)); err != nil {
		return fmt.Errorf("deleting blob %s: %w", h.ShortString(), err)
	}
	return nil
}

// Path returns the on-disk path of a blob file for direct file-handle
// access, or the empty string if the backend does not expose paths.
func (s *Store) Path(h keva.Hash, filename string) string {
	if pb, ok := s.backend.(backend.PathBackend); ok {
		return pb.Path(StorageKey(h, filename))
	}
	return ""
}

// Hashes returns the distinct content hashes present in the store.
// Used by maintenance to sweep unreferenced blobs.
func (s *Store) Hashes(ctx context.Context) ([]keva.Hash, error) {
	keys, err := s.backend.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	seen := make(map[keva.Hash]struct{})
	var hashes []keva.Hash
	for _, key := range keys {
		h, _, err := ParseStorageKey(key)
		if err != nil {
			// Stray files under blobs/ are ignored here; maintenance logs them.
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
