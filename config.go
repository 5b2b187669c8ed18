package keva

import (
	"fmt"
	"time"
)

// CaseMatching selects how search patterns match letter case.
type CaseMatching string

const (
	// CaseSensitive always matches case exactly.
	CaseSensitive CaseMatching = "sensitive"
	// CaseInsensitive never considers case.
	CaseInsensitive CaseMatching = "insensitive"
	// CaseSmart is case-insensitive unless the pattern contains an
	// uppercase character.
	CaseSmart CaseMatching = "smart"
)

// Config holds the store and search configuration.
type Config struct {
	// DataDir is the root directory holding the metadata database and the
	// blob tree.
	DataDir string `koanf:"data_dir"`

	// InlineThreshold is the size in bytes below which text values are
	// stored inline in the metadata database. Larger values are written to
	// the blob store and referenced by hash.
	InlineThreshold int64 `koanf:"inline_threshold"`

	// TrashTTL is how long an unaccessed active key survives before
	// maintenance moves it to the trash.
	TrashTTL time.Duration `koanf:"trash_ttl"`

	// PurgeTTL is how long a trashed key survives before maintenance
	// deletes it permanently.
	PurgeTTL time.Duration `koanf:"purge_ttl"`

	// CaseMatching selects search case behaviour. Default: smart.
	CaseMatching CaseMatching `koanf:"case_matching"`

	// UnicodeNormalization enables NFC normalization of search patterns
	// and keys before matching.
	UnicodeNormalization bool `koanf:"unicode_normalization"`

	// RebuildThreshold is the number of tombstoned search entries that
	// triggers an index rebuild during maintenance.
	RebuildThreshold int `koanf:"rebuild_threshold"`

	// ActiveResultLimit caps visible results from the active index.
	ActiveResultLimit int `koanf:"active_result_limit"`

	// TrashedResultLimit caps visible results from the trash index.
	TrashedResultLimit int `koanf:"trashed_result_limit"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir:              "./keva",
		InlineThreshold:      1 << 20, // 1 MiB
		TrashTTL:             30 * 24 * time.Hour,
		PurgeTTL:             30 * 24 * time.Hour,
		CaseMatching:         CaseSmart,
		UnicodeNormalization: true,
		RebuildThreshold:     100,
		ActiveResultLimit:    100,
		TrashedResultLimit:   20,
	}
}

// Validate checks for configuration values that cannot work.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.InlineThreshold < 0 {
		return fmt.Errorf("inline_threshold must be non-negative")
	}
	switch c.CaseMatching {
	case CaseSensitive, CaseInsensitive, CaseSmart:
	default:
		return fmt.Errorf("invalid case_matching %q", c.CaseMatching)
	}
	if c.ActiveResultLimit <= 0 || c.TrashedResultLimit <= 0 {
		return fmt.Errorf("result limits must be positive")
	}
	return nil
}
