package metadb

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	keva "github.com/ik1ne/keva-sub000"
)

// Get retrieves the envelope for a key and, for active keys, records the
// access by updating last_accessed and its expiry index entry. Reading a
// trashed key does not move its purge clock.
func (d *DB) Get(_ context.Context, key string) (*Envelope, error) {
	var env *Envelope
	err := d.db.Update(func(tx *bbolt.Tx) error {
		var err error
		env, err = getEnvelope(tx, key)
		if err != nil {
			return err
		}

		if env.Meta.State != keva.StateActive {
			return nil
		}

		env.Meta.LastAccessed = d.now()
		return putEnvelope(tx, key, env)
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Peek retrieves the envelope for a key without recording an access.
func (d *DB) Peek(_ context.Context, key string) (*Envelope, error) {
	var env *Envelope
	err := d.db.View(func(tx *bbolt.Tx) error {
		var err error
		env, err = getEnvelope(tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Put stores an envelope for a key, replacing any existing one. The expiry
// indexes are maintained in the same transaction.
func (d *DB) Put(_ context.Context, key string, env *Envelope) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return putEnvelope(tx, key, env)
	})
}

// Update performs read-modify-write in a single transaction. The callback
// receives the current envelope, or nil if the key does not exist, and
// returns the envelope to store. Returning nil deletes the key.
func (d *DB) Update(_ context.Context, key string, fn func(*Envelope) (*Envelope, error)) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getEnvelope(tx, key)
		if err != nil && err != ErrNotFound {
			return err
		}

		next, err := fn(existing)
		if err != nil {
			return err
		}

		if next == nil {
			return deleteEnvelope(tx, key)
		}
		return putEnvelope(tx, key, next)
	})
}

// Delete removes a key's envelope and its index entries.
// Deleting a missing key is not an error.
func (d *DB) Delete(_ context.Context, key string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return deleteEnvelope(tx, key)
	})
}

// Rename moves a key's envelope to a new key. When the destination exists
// it fails with ErrDestinationExists unless overwrite is set, in which case
// the destination is discarded permanently with no trash entry.
func (d *DB) Rename(_ context.Context, oldKey, newKey string, overwrite bool) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		env, err := getEnvelope(tx, oldKey)
		if err != nil {
			return err
		}

		values := tx.Bucket(bucketValues)
		if values.Get([]byte(newKey)) != nil {
			if !overwrite {
				return keva.ErrDestinationExists
			}
			if err := deleteEnvelope(tx, newKey); err != nil {
				return err
			}
		}

		if err := deleteEnvelope(tx, oldKey); err != nil {
			return err
		}
		return putEnvelope(tx, newKey, env)
	})
}

// Touch updates last_accessed for an active key. A stale active key whose
// TTL has silently elapsed may still be touched; only maintenance moves it.
func (d *DB) Touch(_ context.Context, key string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		env, err := getEnvelope(tx, key)
		if err != nil {
			return err
		}
		if env.Meta.State == keva.StateTrash {
			return keva.ErrTrashed
		}

		env.Meta.LastAccessed = d.now()
		return putEnvelope(tx, key, env)
	})
}

// Trash moves an active key to the trash, stamping trashed_at.
func (d *DB) Trash(_ context.Context, key string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		env, err := getEnvelope(tx, key)
		if err != nil {
			return err
		}
		if env.Meta.State == keva.StateTrash {
			return keva.ErrTrashed
		}

		now := d.now()
		env.Meta.State = keva.StateTrash
		env.Meta.TrashedAt = &now
		return putEnvelope(tx, key, env)
	})
}

// Restore moves a trashed key back to active with a fresh last_accessed,
// so a later trash starts a fresh purge clock. Restoring an already active
// key is a no-op.
func (d *DB) Restore(_ context.Context, key string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		env, err := getEnvelope(tx, key)
		if err != nil {
			return err
		}
		if env.Meta.State == keva.StateActive {
			return nil
		}

		env.Meta.State = keva.StateActive
		env.Meta.TrashedAt = nil
		env.Meta.LastAccessed = d.now()
		return putEnvelope(tx, key, env)
	})
}

// Keys returns all keys currently in the given lifecycle state.
func (d *DB) Keys(_ context.Context, state keva.LifecycleState) ([]string, error) {
	var keys []string
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).ForEach(func(k, v []byte) error {
			env, err := unmarshalEnvelope(v)
			if err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			if env.Meta.State == state {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	return keys, err
}

// ExpiredActive returns active keys whose last access is at or before the
// cutoff, in ascending access-time order.
func (d *DB) ExpiredActive(_ context.Context, before time.Time, limit int) ([]string, error) {
	return d.expiredKeys(bucketActiveByExpiry, before, limit)
}

// ExpiredTrash returns trashed keys whose trash time is at or before the
// cutoff, in ascending trash-time order.
func (d *DB) ExpiredTrash(_ context.Context, before time.Time, limit int) ([]string, error) {
	return d.expiredKeys(bucketTrashByExpiry, before, limit)
}

func (d *DB) expiredKeys(bucket []byte, before time.Time, limit int) ([]string, error) {
	var keys []string
	beforeTs := encodeTimestamp(before)

	err := d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucket).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the
			// cutoff. Entries stamped exactly at the cutoff are included.
			if bytes.Compare(k[:8], beforeTs) > 0 {
				break
			}
			if limit > 0 && len(keys) >= limit {
				break
			}
			_, key := parseExpiryKey(k)
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

// LiveHashes returns the set of content hashes referenced by any stored
// envelope, in any lifecycle state. Maintenance deletes blobs outside this
// set; references are implicit, so there is no refcount to corrupt.
func (d *DB) LiveHashes(_ context.Context) (map[keva.Hash]struct{}, error) {
	live := make(map[keva.Hash]struct{})
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).ForEach(func(k, v []byte) error {
			env, err := unmarshalEnvelope(v)
			if err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			for _, h := range env.BlobHashes() {
				live[h] = struct{}{}
			}
			return nil
		})
	})
	return live, err
}

// getEnvelope reads and decodes a key's envelope within a transaction.
func getEnvelope(tx *bbolt.Tx, key string) (*Envelope, error) {
	val := tx.Bucket(bucketValues).Get([]byte(key))
	if val == nil {
		return nil, ErrNotFound
	}
	return unmarshalEnvelope(val)
}

// putEnvelope stores an envelope and syncs both expiry indexes with its
// lifecycle state, all within the caller's transaction.
func putEnvelope(tx *bbolt.Tx, key string, env *Envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketValues).Put([]byte(key), data); err != nil {
		return fmt.Errorf("putting value: %w", err)
	}

	var activeAt, trashAt *time.Time
	switch env.Meta.State {
	case keva.StateActive:
		t := env.Meta.LastAccessed
		activeAt = &t
	case keva.StateTrash:
		trashAt = env.Meta.TrashedAt
	}

	if err := updateIndex(tx, bucketActiveByExpiry, bucketActiveExpiryByKey, key, activeAt); err != nil {
		return err
	}
	return updateIndex(tx, bucketTrashByExpiry, bucketTrashExpiryByKey, key, trashAt)
}

// deleteEnvelope removes a key's envelope and its index entries.
func deleteEnvelope(tx *bbolt.Tx, key string) error {
	if err := updateIndex(tx, bucketActiveByExpiry, bucketActiveExpiryByKey, key, nil); err != nil {
		return err
	}
	if err := updateIndex(tx, bucketTrashByExpiry, bucketTrashExpiryByKey, key, nil); err != nil {
		return err
	}
	return tx.Bucket(bucketValues).Delete([]byte(key))
}

// updateIndex updates a forward+reverse expiry index pair. The old forward
// entry is found through the reverse index in O(1). If at is nil, only
// existing entries are removed.
func updateIndex(tx *bbolt.Tx, fwdName, revName []byte, key string, at *time.Time) error {
	fwd := tx.Bucket(fwdName)
	rev := tx.Bucket(revName)

	if tsBytes := rev.Get([]byte(key)); tsBytes != nil {
		oldAt := decodeTimestamp(tsBytes)
		if err := fwd.Delete(makeExpiryKey(oldAt, key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := rev.Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if at != nil {
		if err := fwd.Put(makeExpiryKey(*at, key), []byte(key)); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := rev.Put([]byte(key), encodeTimestamp(*at)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}
