package keva

import (
	"fmt"
	"time"
)

// ValueKind discriminates the two value shapes a key can hold.
type ValueKind string

const (
	// KindText is a Markdown text value.
	KindText ValueKind = "text"
	// KindFiles is a set of file attachments.
	KindFiles ValueKind = "files"
)

// Value is the tagged union stored under a key: either Markdown text or a
// set of attachments. An empty Text value is valid and distinct from "no key".
type Value struct {
	Kind        ValueKind
	Text        string
	Attachments []Attachment
}

// TextValue builds a text value.
func TextValue(text string) Value {
	return Value{Kind: KindText, Text: text}
}

// FilesValue builds a files value.
func FilesValue(attachments []Attachment) Value {
	return Value{Kind: KindFiles, Attachments: attachments}
}

// Attachment is one file associated with a key. Filenames are
// case-sensitively unique within their key.
type Attachment struct {
	Filename     string `json:"filename"`
	Hash         Hash   `json:"hash"`
	Size         int64  `json:"size"`
	OriginalName string `json:"original_name"`
}

// LifecycleState is the stored lifecycle state of a key.
// StatePurge is transient: a purged key is physically deleted, never stored.
type LifecycleState string

const (
	StateActive LifecycleState = "active"
	StateTrash  LifecycleState = "trash"
	StatePurge  LifecycleState = "purge"
)

// Metadata is attached to every stored value.
//
// LastAccessed is the authoritative input to the Active->Trash TTL. It is
// updated by reads and value modification, but not by key listing. State
// changes are visible only through explicit lifecycle calls or maintenance,
// never as a side effect of a TTL silently elapsing.
type Metadata struct {
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	TrashedAt    *time.Time     `json:"trashed_at,omitempty"`
	State        LifecycleState `json:"state"`
}

// ConflictPolicy controls how duplicate attachment filenames are resolved.
type ConflictPolicy int

const (
	// PolicyOverwrite replaces the existing attachment's bytes,
	// keeping all other attachments.
	PolicyOverwrite ConflictPolicy = iota
	// PolicyRename auto-suffixes " (1)", " (2)", ... until unique.
	PolicyRename
	// PolicySkip leaves the existing attachment untouched.
	PolicySkip
)

func (p ConflictPolicy) String() string {
	switch p {
	case PolicyOverwrite:
		return "overwrite"
	case PolicyRename:
		return "rename"
	case PolicySkip:
		return "skip"
	default:
		return fmt.Sprintf("ConflictPolicy(%d)", int(p))
	}
}
