package keva

import (
	"errors"
	"io/fs"
	"syscall"
)

// Storage error taxonomy. These are returned to the caller for user-facing
// handling; the store never silently retries a failed write.
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("keva: not found")

	// ErrTrashed is returned when mutating a trashed key without restoring it first.
	ErrTrashed = errors.New("keva: key is trashed")

	// ErrInvalidKey is returned when a key fails validation.
	ErrInvalidKey = errors.New("keva: invalid key")

	// ErrDuplicateFilename is returned when an attachment filename already
	// exists within a key and the conflict policy does not resolve it.
	ErrDuplicateFilename = errors.New("keva: duplicate filename")

	// ErrDestinationExists is returned by key renames when the destination
	// exists and overwrite was not requested.
	ErrDestinationExists = errors.New("keva: destination exists")

	// ErrWrongKind is returned when an attachment operation targets a key
	// holding a text value.
	ErrWrongKind = errors.New("keva: value kind mismatch")

	// ErrCorrupted is returned when a stored value cannot be decoded or
	// fails digest verification.
	ErrCorrupted = errors.New("keva: corrupted store")

	// ErrDiskFull is returned when the underlying filesystem is out of space.
	ErrDiskFull = errors.New("keva: disk full")

	// ErrLocked is returned when the store is held open by another process.
	ErrLocked = errors.New("keva: store locked")

	// ErrPermissionDenied is returned when the filesystem denies access.
	ErrPermissionDenied = errors.New("keva: permission denied")
)

// MapIOError translates filesystem errors into the keva taxonomy.
// Unrecognized errors pass through unchanged.
func MapIOError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOSPC):
		return ErrDiskFull
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	default:
		return err
	}
}
