package keva

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	t.Run("accepts ordinary keys", func(t *testing.T) {
		for _, key := range []string{"a", "meeting notes", "TODO.md", "日本語のキー", "emoji 🔑"} {
			assert.NoError(t, ValidateKey(key), "key %q", key)
		}
	})

	t.Run("rejects empty key", func(t *testing.T) {
		require.ErrorIs(t, ValidateKey(""), ErrInvalidKey)
	})

	t.Run("rejects invalid UTF-8", func(t *testing.T) {
		require.ErrorIs(t, ValidateKey("\xff\xfe"), ErrInvalidKey)
	})

	t.Run("rejects NUL bytes", func(t *testing.T) {
		require.ErrorIs(t, ValidateKey("a\x00b"), ErrInvalidKey)
	})

	t.Run("limit is measured in characters not bytes", func(t *testing.T) {
		// 256 multibyte characters is fine even though it is 768 bytes.
		key := strings.Repeat("あ", MaxKeyChars)
		assert.NoError(t, ValidateKey(key))

		assert.ErrorIs(t, ValidateKey(key+"あ"), ErrInvalidKey)
	})
}
