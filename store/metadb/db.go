// Package metadb provides the transactional value store for keva, backed by
// bbolt. It holds one envelope per key plus two time-ordered expiry indexes
// (active keys by last access, trashed keys by trash time) maintained in the
// same write transaction as the value.
package metadb

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	keva "github.com/ik1ne/keva-sub000"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = keva.ErrNotFound

// DB is the bbolt-backed value store. bbolt gives the
// single-writer/multi-reader discipline: readers see a consistent snapshot,
// writers serialize on the file lock.
type DB struct {
	db     *bbolt.DB
	path   string
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: improves write performance but risks data loss on crash.
// Use only for testing or benchmarking.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a DB instance with options. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at the given path. A database held open by
// another process surfaces as ErrLocked after the open timeout.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return keva.ErrLocked
		}
		return fmt.Errorf("opening database: %w", keva.MapIOError(err))
	}
	d.db = db
	d.path = path

	if err := d.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating envelope codec: %w", err)
	}
	d.codec = codec

	d.logger.Debug("opened metadb", "path", path, "noSync", d.noSync)
	return nil
}

func (d *DB) createBuckets() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketValues,
			bucketActiveByExpiry,
			bucketActiveExpiryByKey,
			bucketTrashByExpiry,
			bucketTrashExpiryByKey,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases the file lock.
func (d *DB) Close() error {
	if d.codec != nil {
		d.codec.Close()
		d.codec = nil
	}
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing metadb")
	err := d.db.Close()
	d.db = nil
	return err
}

// Codec returns the shared envelope codec.
func (d *DB) Codec() *Codec {
	return d.codec
}

// FreePageRatio estimates the fraction of the database file occupied by
// free pages. Used by maintenance to decide whether compaction is worth it.
func (d *DB) FreePageRatio() float64 {
	info, err := os.Stat(d.path)
	if err != nil || info.Size() == 0 {
		return 0
	}
	stats := d.db.Stats()
	freeBytes := int64(stats.FreePageN) * int64(d.db.Info().PageSize)
	return float64(freeBytes) / float64(info.Size())
}

// Compact rewrites the database file, dropping free pages. The database is
// closed, copied through bbolt's compaction, swapped in place, and reopened.
func (d *DB) Compact() error {
	if d.db == nil {
		return fmt.Errorf("database not open")
	}

	tmpPath := d.path + ".compact"
	defer func() { _ = os.Remove(tmpPath) }()

	dst, err := bbolt.Open(tmpPath, 0o600, &bbolt.Options{NoSync: d.noSync})
	if err != nil {
		return fmt.Errorf("opening compaction target: %w", keva.MapIOError(err))
	}

	if err := bbolt.Compact(dst, d.db, 0); err != nil {
		_ = dst.Close()
		return fmt.Errorf("compacting database: %w", keva.MapIOError(err))
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing compaction target: %w", err)
	}

	if err := d.db.Close(); err != nil {
		return fmt.Errorf("closing database for swap: %w", err)
	}
	d.db = nil

	if err := os.Rename(tmpPath, d.path); err != nil {
		return fmt.Errorf("swapping compacted database: %w", keva.MapIOError(err))
	}

	db, err := bbolt.Open(d.path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("reopening compacted database: %w", keva.MapIOError(err))
	}
	d.db = db

	d.logger.Debug("compacted metadb", "path", d.path)
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return filepath.Clean(d.path)
}
