package metadb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keva "github.com/ik1ne/keva-sub000"
)

func newTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	opts = append([]Option{WithNoSync(true)}, opts...)
	db := New(opts...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func textEnvelope(t *testing.T, db *DB, text string, at time.Time) *Envelope {
	t.Helper()
	env := &Envelope{
		Kind: keva.KindText,
		Meta: keva.Metadata{
			CreatedAt:    at,
			UpdatedAt:    at,
			LastAccessed: at,
			State:        keva.StateActive,
		},
	}
	db.Codec().SetInline(env, []byte(text))
	return env
}

func TestDB_PutGet(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("round-trip", func(t *testing.T) {
		db := newTestDB(t)

		env := textEnvelope(t, db, "# notes", base)
		require.NoError(t, db.Put(ctx, "notes/today", env))

		got, err := db.Peek(ctx, "notes/today")
		require.NoError(t, err)
		assert.Equal(t, keva.KindText, got.Kind)

		text, err := db.Codec().Inline(got)
		require.NoError(t, err)
		assert.Equal(t, []byte("# notes"), text)
	})

	t.Run("missing key returns ErrNotFound", func(t *testing.T) {
		db := newTestDB(t)

		_, err := db.Get(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Get updates last_accessed for active keys", func(t *testing.T) {
		now := base
		db := newTestDB(t, WithNow(func() time.Time { return now }))

		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))

		now = base.Add(time.Hour)
		got, err := db.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, now, got.Meta.LastAccessed)

		peeked, err := db.Peek(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, now, peeked.Meta.LastAccessed)
	})

	t.Run("Get leaves trashed keys untouched", func(t *testing.T) {
		now := base
		db := newTestDB(t, WithNow(func() time.Time { return now }))

		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))
		require.NoError(t, db.Trash(ctx, "k"))

		now = base.Add(time.Hour)
		got, err := db.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, base, got.Meta.LastAccessed)
		assert.Equal(t, keva.StateTrash, got.Meta.State)
	})

	t.Run("Peek does not update last_accessed", func(t *testing.T) {
		now := base
		db := newTestDB(t, WithNow(func() time.Time { return now }))

		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))

		now = base.Add(time.Hour)
		got, err := db.Peek(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, base, got.Meta.LastAccessed)
	})
}

func TestDB_Update(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("modifies existing envelope in place", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v1", base)))

		err := db.Update(ctx, "k", func(env *Envelope) (*Envelope, error) {
			require.NotNil(t, env)
			db.Codec().SetInline(env, []byte("v2"))
			return env, nil
		})
		require.NoError(t, err)

		got, err := db.Peek(ctx, "k")
		require.NoError(t, err)
		text, err := db.Codec().Inline(got)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), text)
	})

	t.Run("callback sees nil for missing key", func(t *testing.T) {
		db := newTestDB(t)

		err := db.Update(ctx, "new", func(env *Envelope) (*Envelope, error) {
			require.Nil(t, env)
			return textEnvelope(t, db, "created", base), nil
		})
		require.NoError(t, err)

		_, err = db.Peek(ctx, "new")
		require.NoError(t, err)
	})

	t.Run("returning nil deletes the key", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))

		err := db.Update(ctx, "k", func(env *Envelope) (*Envelope, error) {
			return nil, nil
		})
		require.NoError(t, err)

		_, err = db.Peek(ctx, "k")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDB_Delete(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db := newTestDB(t)
	require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))

	require.NoError(t, db.Delete(ctx, "k"))
	_, err := db.Peek(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	// deleting again is not an error
	require.NoError(t, db.Delete(ctx, "k"))
}

func TestDB_Rename(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("moves envelope to new key", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.Put(ctx, "old", textEnvelope(t, db, "v", base)))

		require.NoError(t, db.Rename(ctx, "old", "new", false))

		_, err := db.Peek(ctx, "old")
		require.ErrorIs(t, err, ErrNotFound)

		got, err := db.Peek(ctx, "new")
		require.NoError(t, err)
		text, err := db.Codec().Inline(got)
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), text)
	})

	t.Run("missing source returns ErrNotFound", func(t *testing.T) {
		db := newTestDB(t)
		require.ErrorIs(t, db.Rename(ctx, "nope", "new", false), ErrNotFound)
	})

	t.Run("existing destination rejected without overwrite", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.Put(ctx, "a", textEnvelope(t, db, "from", base)))
		require.NoError(t, db.Put(ctx, "b", textEnvelope(t, db, "to", base)))

		require.ErrorIs(t, db.Rename(ctx, "a", "b", false), keva.ErrDestinationExists)

		// both keys intact
		_, err := db.Peek(ctx, "a")
		require.NoError(t, err)
		_, err = db.Peek(ctx, "b")
		require.NoError(t, err)
	})

	t.Run("overwrite replaces destination", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.Put(ctx, "a", textEnvelope(t, db, "from", base)))
		require.NoError(t, db.Put(ctx, "b", textEnvelope(t, db, "to", base)))

		require.NoError(t, db.Rename(ctx, "a", "b", true))

		_, err := db.Peek(ctx, "a")
		require.ErrorIs(t, err, ErrNotFound)

		got, err := db.Peek(ctx, "b")
		require.NoError(t, err)
		text, err := db.Codec().Inline(got)
		require.NoError(t, err)
		assert.Equal(t, []byte("from"), text)
	})
}

func TestDB_Lifecycle(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Trash stamps trashed_at and flips state", func(t *testing.T) {
		now := base
		db := newTestDB(t, WithNow(func() time.Time { return now }))
		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))

		now = base.Add(time.Minute)
		require.NoError(t, db.Trash(ctx, "k"))

		got, err := db.Peek(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, keva.StateTrash, got.Meta.State)
		require.NotNil(t, got.Meta.TrashedAt)
		assert.Equal(t, now, *got.Meta.TrashedAt)
	})

	t.Run("Trash on trashed key returns ErrTrashed", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))
		require.NoError(t, db.Trash(ctx, "k"))

		require.ErrorIs(t, db.Trash(ctx, "k"), keva.ErrTrashed)
	})

	t.Run("Restore resets last_accessed and clears trashed_at", func(t *testing.T) {
		now := base
		db := newTestDB(t, WithNow(func() time.Time { return now }))
		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))
		require.NoError(t, db.Trash(ctx, "k"))

		now = base.Add(2 * time.Hour)
		require.NoError(t, db.Restore(ctx, "k"))

		got, err := db.Peek(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, keva.StateActive, got.Meta.State)
		assert.Nil(t, got.Meta.TrashedAt)
		assert.Equal(t, now, got.Meta.LastAccessed)
	})

	t.Run("Restore on active key is a no-op", func(t *testing.T) {
		now := base
		db := newTestDB(t, WithNow(func() time.Time { return now }))
		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))

		now = base.Add(time.Hour)
		require.NoError(t, db.Restore(ctx, "k"))

		got, err := db.Peek(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, base, got.Meta.LastAccessed)
	})

	t.Run("Touch on trashed key returns ErrTrashed", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))
		require.NoError(t, db.Trash(ctx, "k"))

		require.ErrorIs(t, db.Touch(ctx, "k"), keva.ErrTrashed)
	})

	t.Run("Touch refreshes last_accessed", func(t *testing.T) {
		now := base
		db := newTestDB(t, WithNow(func() time.Time { return now }))
		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))

		now = base.Add(3 * time.Hour)
		require.NoError(t, db.Touch(ctx, "k"))

		got, err := db.Peek(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, now, got.Meta.LastAccessed)
	})
}

func TestDB_Keys(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db := newTestDB(t)
	require.NoError(t, db.Put(ctx, "a", textEnvelope(t, db, "1", base)))
	require.NoError(t, db.Put(ctx, "b", textEnvelope(t, db, "2", base)))
	require.NoError(t, db.Put(ctx, "c", textEnvelope(t, db, "3", base)))
	require.NoError(t, db.Trash(ctx, "b"))

	active, err := db.Keys(ctx, keva.StateActive)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, active)

	trashed, err := db.Keys(ctx, keva.StateTrash)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, trashed)
}

func TestDB_ExpiredKeys(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("active keys returned in access order up to cutoff", func(t *testing.T) {
		db := newTestDB(t)

		require.NoError(t, db.Put(ctx, "oldest", textEnvelope(t, db, "v", base)))
		require.NoError(t, db.Put(ctx, "middle", textEnvelope(t, db, "v", base.Add(time.Hour))))
		require.NoError(t, db.Put(ctx, "fresh", textEnvelope(t, db, "v", base.Add(48*time.Hour))))

		keys, err := db.ExpiredActive(ctx, base.Add(2*time.Hour), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"oldest", "middle"}, keys)
	})

	t.Run("entry stamped exactly at the cutoff is included", func(t *testing.T) {
		db := newTestDB(t)

		require.NoError(t, db.Put(ctx, "edge", textEnvelope(t, db, "v", base)))

		keys, err := db.ExpiredActive(ctx, base, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"edge"}, keys)
	})

	t.Run("trashed entry exactly at the cutoff is included", func(t *testing.T) {
		now := base
		db := newTestDB(t, WithNow(func() time.Time { return now }))

		require.NoError(t, db.Put(ctx, "edge", textEnvelope(t, db, "v", base)))
		require.NoError(t, db.Trash(ctx, "edge"))

		keys, err := db.ExpiredTrash(ctx, base, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"edge"}, keys)
	})

	t.Run("limit caps the batch", func(t *testing.T) {
		db := newTestDB(t)

		require.NoError(t, db.Put(ctx, "a", textEnvelope(t, db, "v", base)))
		require.NoError(t, db.Put(ctx, "b", textEnvelope(t, db, "v", base.Add(time.Minute))))
		require.NoError(t, db.Put(ctx, "c", textEnvelope(t, db, "v", base.Add(2*time.Minute))))

		keys, err := db.ExpiredActive(ctx, base.Add(time.Hour), 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, keys)
	})

	t.Run("trashed keys ordered by trash time", func(t *testing.T) {
		now := base
		db := newTestDB(t, WithNow(func() time.Time { return now }))

		require.NoError(t, db.Put(ctx, "first", textEnvelope(t, db, "v", base)))
		require.NoError(t, db.Put(ctx, "second", textEnvelope(t, db, "v", base)))
		require.NoError(t, db.Trash(ctx, "first"))
		now = base.Add(time.Hour)
		require.NoError(t, db.Trash(ctx, "second"))

		keys, err := db.ExpiredTrash(ctx, base.Add(30*time.Minute), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"first"}, keys)

		keys, err = db.ExpiredTrash(ctx, base.Add(2*time.Hour), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, keys)
	})

	t.Run("trashed key leaves the active index", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))
		require.NoError(t, db.Trash(ctx, "k"))

		keys, err := db.ExpiredActive(ctx, base.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("restored key leaves the trash index", func(t *testing.T) {
		db := newTestDB(t)
		require.NoError(t, db.Put(ctx, "k", textEnvelope(t, db, "v", base)))
		require.NoError(t, db.Trash(ctx, "k"))
		require.NoError(t, db.Restore(ctx, "k"))

		keys, err := db.ExpiredTrash(ctx, base.Add(100*time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestDB_LiveHashes(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db := newTestDB(t)

	h1 := keva.HashBytes([]byte("blob one"))
	h2 := keva.HashBytes([]byte("blob two"))
	h3 := keva.HashBytes([]byte("blob three"))

	textEnv := &Envelope{
		Kind:     keva.KindText,
		Meta:     keva.Metadata{LastAccessed: base, State: keva.StateActive},
		TextBlob: &h1,
		TextSize: 8,
	}
	require.NoError(t, db.Put(ctx, "big-text", textEnv))

	filesEnv := &Envelope{
		Kind: keva.KindFiles,
		Meta: keva.Metadata{LastAccessed: base, State: keva.StateActive},
		Attachments: []keva.Attachment{
			{Filename: "a.pdf", Hash: h2, Size: 8},
			{Filename: "b.pdf", Hash: h3, Size: 10},
			{Filename: "copy-of-a.pdf", Hash: h2, Size: 8},
		},
	}
	require.NoError(t, db.Put(ctx, "files", filesEnv))
	require.NoError(t, db.Trash(ctx, "files"))

	live, err := db.LiveHashes(ctx)
	require.NoError(t, err)

	// trashed envelopes still pin their blobs
	assert.Len(t, live, 3)
	assert.Contains(t, live, h1)
	assert.Contains(t, live, h2)
	assert.Contains(t, live, h3)
}
