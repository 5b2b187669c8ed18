package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keva "github.com/ik1ne/keva-sub000"
)

func newTestIndex(keys []string, limit int) *Index {
	return NewIndex(keys, IndexConfig{
		CaseMatching:     keva.CaseSmart,
		Normalize:        true,
		ResultLimit:      limit,
		RebuildThreshold: 100,
	})
}

func settle(idx *Index) {
	for !idx.IsDone() {
		idx.Tick()
	}
}

func TestIndex_Tombstones(t *testing.T) {
	t.Run("removed key is filtered from results", func(t *testing.T) {
		idx := newTestIndex([]string{"apple", "banana"}, 100)
		idx.Remove("apple")

		idx.SetQuery("")
		settle(idx)

		assert.Equal(t, []string{"banana"}, idx.Results())
		// the matcher still holds the key internally
		assert.Equal(t, 2, idx.matcher.Len())
	})

	t.Run("re-adding clears the tombstone without re-injection", func(t *testing.T) {
		idx := newTestIndex([]string{"apple"}, 100)
		idx.Remove("apple")
		idx.Add("apple")

		idx.SetQuery("")
		settle(idx)

		assert.Equal(t, []string{"apple"}, idx.Results())
		assert.Equal(t, 1, idx.matcher.Len())
	})

	t.Run("removing after the freeze still hides the key", func(t *testing.T) {
		idx := newTestIndex([]string{"apple", "banana"}, 100)

		idx.SetQuery("")
		settle(idx)
		require.Equal(t, []string{"apple", "banana"}, idx.Results())

		idx.Remove("apple")
		assert.Equal(t, []string{"banana"}, idx.Results())
	})

	t.Run("tick over only tombstoned matches reports no change", func(t *testing.T) {
		idx := newTestIndex([]string{"apple", "apricot"}, 100)
		idx.Remove("apple")
		idx.Remove("apricot")

		idx.SetQuery("ap")
		changed := idx.Tick()

		assert.False(t, changed)
		assert.Empty(t, idx.Results())
	})

	t.Run("tick reports a change when a live key becomes visible", func(t *testing.T) {
		idx := newTestIndex([]string{"apple", "apricot"}, 100)
		idx.Remove("apple")

		idx.SetQuery("ap")
		changed := idx.Tick()

		assert.True(t, changed)
		assert.Equal(t, []string{"apricot"}, idx.Results())
	})

	t.Run("removing an unknown key is a no-op", func(t *testing.T) {
		idx := newTestIndex(nil, 100)
		idx.Remove("ghost")
		assert.Zero(t, idx.PendingDeletions())
	})
}

func TestIndex_StopAtThreshold(t *testing.T) {
	t.Run("ticks stop once the limit is reached", func(t *testing.T) {
		idx := newTestIndex([]string{"aa", "ab", "ac"}, 2)

		idx.SetQuery("a")
		idx.Tick()
		require.True(t, idx.IsDone())

		frozen := idx.Results()
		// one batch may overshoot the limit; the whole batch stays
		assert.GreaterOrEqual(t, len(frozen), 2)

		assert.False(t, idx.Tick())
		assert.Equal(t, frozen, idx.Results())
	})

	t.Run("keys added after the freeze stay invisible until the next query", func(t *testing.T) {
		idx := newTestIndex([]string{"aa", "ab", "ac"}, 2)

		idx.SetQuery("a")
		settle(idx)
		before := idx.Results()

		idx.Add("aardvark")
		assert.False(t, idx.Tick())
		assert.Equal(t, before, idx.Results())

		idx.SetQuery("a")
		settle(idx)
		assert.Contains(t, idx.Results(), "aardvark")
	})

	t.Run("new query unfreezes the index", func(t *testing.T) {
		idx := newTestIndex([]string{"aa", "ab"}, 1)

		idx.SetQuery("a")
		settle(idx)
		require.True(t, idx.IsDone())

		idx.SetQuery("b")
		assert.False(t, idx.IsDone())
		settle(idx)
		assert.Equal(t, []string{"ab"}, idx.Results())
	})

	t.Run("exhausted scan freezes below the limit", func(t *testing.T) {
		idx := newTestIndex([]string{"one", "two"}, 100)

		idx.SetQuery("o")
		settle(idx)
		assert.True(t, idx.IsDone())
		assert.Len(t, idx.Results(), 2)
	})
}

func TestIndex_Compact(t *testing.T) {
	t.Run("below the threshold nothing happens", func(t *testing.T) {
		idx := newTestIndex([]string{"a", "b"}, 100)
		idx.Remove("a")

		assert.False(t, idx.Compact())
		assert.Equal(t, 1, idx.PendingDeletions())
		assert.Equal(t, 2, idx.matcher.Len())
	})

	t.Run("crossing the threshold rebuilds with live keys only", func(t *testing.T) {
		idx := NewIndex(nil, IndexConfig{
			CaseMatching:     keva.CaseSmart,
			Normalize:        true,
			ResultLimit:      100,
			RebuildThreshold: 2,
		})
		for _, k := range []string{"a", "b", "c", "d", "e"} {
			idx.Add(k)
		}
		idx.Remove("a")
		idx.Remove("c")
		idx.Remove("e")

		require.True(t, idx.Compact())
		assert.Zero(t, idx.PendingDeletions())
		assert.Equal(t, 2, idx.matcher.Len())

		idx.SetQuery("")
		settle(idx)
		assert.Equal(t, []string{"b", "d"}, idx.Results())
	})

	t.Run("rebuild preserves insertion order", func(t *testing.T) {
		idx := NewIndex([]string{"zeta", "alpha", "mid"}, IndexConfig{
			CaseMatching:     keva.CaseSmart,
			Normalize:        true,
			ResultLimit:      100,
			RebuildThreshold: 0,
		})
		idx.Remove("alpha")

		require.True(t, idx.Compact())

		idx.SetQuery("")
		settle(idx)
		assert.Equal(t, []string{"zeta", "mid"}, idx.Results())
	})
}
