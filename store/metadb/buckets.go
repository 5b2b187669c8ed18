package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// bucketValues holds the value envelopes: key -> Envelope JSON.
	bucketValues = []byte("values")

	// Active-key expiry index: trash candidates ordered by last access.
	bucketActiveByExpiry    = []byte("active_by_expiry")    // timestamp+key -> key
	bucketActiveExpiryByKey = []byte("active_expiry_by_key") // key -> 8-byte timestamp (reverse index for O(1) delete)

	// Trashed-key expiry index: purge candidates ordered by trash time.
	bucketTrashByExpiry    = []byte("trash_by_expiry")    // timestamp+key -> key
	bucketTrashExpiryByKey = []byte("trash_expiry_by_key") // key -> 8-byte timestamp (reverse index for O(1) delete)
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeExpiryKey creates a key for an expiry index.
// Format: [8-byte timestamp][key]
func makeExpiryKey(at time.Time, key string) []byte {
	ts := encodeTimestamp(at)
	result := make([]byte, 8+len(key))
	copy(result[:8], ts)
	copy(result[8:], key)
	return result
}

// parseExpiryKey extracts the timestamp and key from an expiry index key.
func parseExpiryKey(data []byte) (at time.Time, key string) {
	if len(data) < 8 {
		return time.Time{}, ""
	}
	return decodeTimestamp(data[:8]), string(data[8:])
}
