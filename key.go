// Package keva defines the shared types for the keva store: keys, values,
// attachments, content hashes, lifecycle metadata and the error taxonomy.
package keva

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxKeyChars is the maximum key length in characters (not bytes).
const MaxKeyChars = 256

// ValidateKey checks that a key is valid UTF-8, between 1 and 256
// characters, and contains no NUL bytes. Keys are otherwise opaque:
// there is no path or hierarchy interpretation.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidKey)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: key contains NUL", ErrInvalidKey)
	}
	if n := utf8.RuneCountInString(key); n > MaxKeyChars {
		return fmt.Errorf("%w: %d characters exceeds maximum of %d", ErrInvalidKey, n, MaxKeyChars)
	}
	return nil
}
