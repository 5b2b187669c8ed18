package gc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keva "github.com/ik1ne/keva-sub000"
	"github.com/ik1ne/keva-sub000/backend"
	"github.com/ik1ne/keva-sub000/store/blob"
	"github.com/ik1ne/keva-sub000/store/metadb"
)

type testFixture struct {
	db    *metadb.DB
	blobs *blob.Store
	now   time.Time
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	dir := t.TempDir()

	f := &testFixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	f.db = metadb.New(metadb.WithNoSync(true), metadb.WithNow(func() time.Time { return f.now }))
	require.NoError(t, f.db.Open(filepath.Join(dir, "meta.db")))
	t.Cleanup(func() { _ = f.db.Close() })

	be, err := backend.NewFilesystem(filepath.Join(dir, "data"))
	require.NoError(t, err)
	f.blobs = blob.New(be)
	return f
}

func (f *testFixture) manager(opts ...Option) *Manager {
	cfg := DefaultConfig()
	cfg.TrashTTL = 24 * time.Hour
	cfg.PurgeTTL = 24 * time.Hour
	opts = append([]Option{WithNow(func() time.Time { return f.now })}, opts...)
	return New(f.db, f.blobs, cfg, opts...)
}

func (f *testFixture) putText(t *testing.T, key, text string, accessed time.Time) {
	t.Helper()
	env := &metadb.Envelope{
		Kind: keva.KindText,
		Meta: keva.Metadata{
			CreatedAt:    accessed,
			UpdatedAt:    accessed,
			LastAccessed: accessed,
			State:        keva.StateActive,
		},
	}
	f.db.Codec().SetInline(env, []byte(text))
	require.NoError(t, f.db.Put(context.Background(), key, env))
}

func (f *testFixture) putWithBlob(t *testing.T, key string, content []byte) keva.Hash {
	t.Helper()
	ctx := context.Background()

	res, err := f.blobs.PutBytes(ctx, "file.bin", content)
	require.NoError(t, err)

	env := &metadb.Envelope{
		Kind: keva.KindFiles,
		Meta: keva.Metadata{
			LastAccessed: f.now,
			State:        keva.StateActive,
		},
		Attachments: []keva.Attachment{
			{Filename: "file.bin", Hash: res.Hash, Size: res.Size, OriginalName: "file.bin"},
		},
	}
	require.NoError(t, f.db.Put(ctx, key, env))
	return res.Hash
}

type recordingNotifier struct {
	trashed   []string
	purged    []string
	compacted int
}

func (n *recordingNotifier) KeyTrashed(key string)            { n.trashed = append(n.trashed, key) }
func (n *recordingNotifier) KeyPurged(key string)             { n.purged = append(n.purged, key) }
func (n *recordingNotifier) CompactIndexes(_ context.Context) { n.compacted++ }

func TestManager_Transitions(t *testing.T) {
	ctx := context.Background()

	t.Run("stale active keys move to the trash", func(t *testing.T) {
		f := newFixture(t)
		f.putText(t, "stale", "v", f.now.Add(-48*time.Hour))
		f.putText(t, "fresh", "v", f.now.Add(-time.Hour))

		notifier := &recordingNotifier{}
		result := f.manager(WithNotifier(notifier)).Maintenance(ctx)

		assert.Equal(t, 1, result.KeysTrashed)
		assert.Equal(t, []string{"stale"}, notifier.trashed)
		assert.Empty(t, result.Errors)

		env, err := f.db.Peek(ctx, "stale")
		require.NoError(t, err)
		assert.Equal(t, keva.StateTrash, env.Meta.State)
		require.NotNil(t, env.Meta.TrashedAt)
		assert.Equal(t, f.now, *env.Meta.TrashedAt)

		env, err = f.db.Peek(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, keva.StateActive, env.Meta.State)
	})

	t.Run("key last accessed exactly one trash TTL ago is trashed", func(t *testing.T) {
		f := newFixture(t)
		f.putText(t, "edge", "v", f.now.Add(-24*time.Hour))

		result := f.manager().Maintenance(ctx)
		assert.Equal(t, 1, result.KeysTrashed)

		env, err := f.db.Peek(ctx, "edge")
		require.NoError(t, err)
		assert.Equal(t, keva.StateTrash, env.Meta.State)
	})

	t.Run("key trashed exactly one purge TTL ago is purged", func(t *testing.T) {
		f := newFixture(t)
		f.putText(t, "edge", "v", f.now)
		require.NoError(t, f.db.Trash(ctx, "edge"))

		f.now = f.now.Add(24 * time.Hour)
		result := f.manager().Maintenance(ctx)
		assert.Equal(t, 1, result.KeysPurged)

		_, err := f.db.Peek(ctx, "edge")
		require.ErrorIs(t, err, metadb.ErrNotFound)
	})

	t.Run("nothing changes without a maintenance pass", func(t *testing.T) {
		f := newFixture(t)
		f.putText(t, "stale", "v", f.now.Add(-48*time.Hour))

		// reading the stale key does not trash it
		env, err := f.db.Get(ctx, "stale")
		require.NoError(t, err)
		assert.Equal(t, keva.StateActive, env.Meta.State)
	})

	t.Run("expired trash keys are purged", func(t *testing.T) {
		f := newFixture(t)
		f.putText(t, "doomed", "v", f.now)
		require.NoError(t, f.db.Trash(ctx, "doomed"))

		notifier := &recordingNotifier{}
		mgr := f.manager(WithNotifier(notifier))

		// not yet past the purge TTL
		result := mgr.Maintenance(ctx)
		assert.Zero(t, result.KeysPurged)

		f.now = f.now.Add(25 * time.Hour)
		result = mgr.Maintenance(ctx)
		assert.Equal(t, 1, result.KeysPurged)
		assert.Equal(t, []string{"doomed"}, notifier.purged)

		_, err := f.db.Peek(ctx, "doomed")
		require.ErrorIs(t, err, metadb.ErrNotFound)
	})

	t.Run("a key trashed by TTL gets a full purge TTL", func(t *testing.T) {
		f := newFixture(t)
		f.putText(t, "k", "v", f.now.Add(-48*time.Hour))

		mgr := f.manager()
		result := mgr.Maintenance(ctx)
		require.Equal(t, 1, result.KeysTrashed)

		// trashed_at is the pass time, not last_accessed, so it is not
		// purged until a full purge TTL later
		f.now = f.now.Add(12 * time.Hour)
		result = mgr.Maintenance(ctx)
		assert.Zero(t, result.KeysPurged)

		f.now = f.now.Add(13 * time.Hour)
		result = mgr.Maintenance(ctx)
		assert.Equal(t, 1, result.KeysPurged)
	})
}

func TestManager_BlobReclamation(t *testing.T) {
	ctx := context.Background()

	t.Run("unreferenced blobs are deleted", func(t *testing.T) {
		f := newFixture(t)
		h := f.putWithBlob(t, "k", []byte("attachment content"))
		require.NoError(t, f.db.Delete(ctx, "k"))

		result := f.manager().Maintenance(ctx)

		assert.Equal(t, 1, result.BlobsDeleted)
		assert.Positive(t, result.BytesReclaimed)

		has, err := f.blobs.Has(ctx, h)
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("blobs shared across keys survive single removal", func(t *testing.T) {
		f := newFixture(t)
		content := []byte("shared content")
		h1 := f.putWithBlob(t, "one", content)
		h2 := f.putWithBlob(t, "two", content)
		require.Equal(t, h1, h2)

		require.NoError(t, f.db.Delete(ctx, "one"))
		result := f.manager().Maintenance(ctx)
		assert.Zero(t, result.BlobsDeleted)

		has, err := f.blobs.Has(ctx, h1)
		require.NoError(t, err)
		assert.True(t, has)

		require.NoError(t, f.db.Delete(ctx, "two"))
		result = f.manager().Maintenance(ctx)
		assert.Equal(t, 1, result.BlobsDeleted)
	})

	t.Run("trashed keys still pin their blobs", func(t *testing.T) {
		f := newFixture(t)
		h := f.putWithBlob(t, "k", []byte("pinned"))
		require.NoError(t, f.db.Trash(ctx, "k"))

		result := f.manager().Maintenance(ctx)
		assert.Zero(t, result.BlobsDeleted)

		has, err := f.blobs.Has(ctx, h)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("purge and reclamation happen in one pass", func(t *testing.T) {
		f := newFixture(t)
		h := f.putWithBlob(t, "k", []byte("to be purged"))
		require.NoError(t, f.db.Trash(ctx, "k"))

		f.now = f.now.Add(25 * time.Hour)
		result := f.manager().Maintenance(ctx)

		assert.Equal(t, 1, result.KeysPurged)
		assert.Equal(t, 1, result.BlobsDeleted)

		has, err := f.blobs.Has(ctx, h)
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func TestManager_Compaction(t *testing.T) {
	ctx := context.Background()

	t.Run("index compaction is always offered", func(t *testing.T) {
		f := newFixture(t)
		notifier := &recordingNotifier{}

		f.manager(WithNotifier(notifier)).Maintenance(ctx)
		assert.Equal(t, 1, notifier.compacted)
	})
}

func TestManager_Status(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	mgr := f.manager()
	assert.Nil(t, mgr.Status())

	result := mgr.Maintenance(ctx)
	require.NotNil(t, mgr.Status())
	assert.Equal(t, result.RunID, mgr.Status().RunID)
	assert.NotEmpty(t, result.RunID)
}

func TestManager_StartStop(t *testing.T) {
	f := newFixture(t)

	cfg := DefaultConfig()
	cfg.StartupDelay = time.Hour // never fires during the test
	mgr := New(f.db, f.blobs, cfg)

	ctx := context.Background()
	mgr.Start(ctx)
	mgr.Start(ctx) // second start is a no-op

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Stop(stopCtx))
	require.NoError(t, mgr.Stop(stopCtx))
}