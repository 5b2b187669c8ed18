package metadb

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	keva "github.com/ik1ne/keva-sub000"
)

const (
	// CurrentVersion is the current envelope schema version.
	CurrentVersion = 1

	// CompressionThreshold is the minimum inline payload size before
	// compression is considered. zstd overhead is not worth it below 2KB.
	CompressionThreshold = 2048
)

// PayloadEncoding identifies how an inline payload is encoded.
type PayloadEncoding string

const (
	EncodingIdentity PayloadEncoding = ""
	EncodingZstd     PayloadEncoding = "zstd"
)

// Envelope is the versioned on-disk record for one key. The Kind field
// discriminates the value union; the version tag allows forward-compatible
// migration of the schema.
type Envelope struct {
	Version int            `json:"version"`
	Kind    keva.ValueKind `json:"kind"`
	Meta    keva.Metadata  `json:"metadata"`

	// Text values below the inline threshold live directly in Inline,
	// optionally zstd-compressed, with a digest over the original bytes.
	Inline         []byte          `json:"inline,omitempty"`
	InlineEncoding PayloadEncoding `json:"inline_encoding,omitempty"`
	InlineDigest   *keva.Hash      `json:"inline_digest,omitempty"`
	InlineSize     int64           `json:"inline_size,omitempty"`

	// Text values at or above the threshold live in the blob store.
	TextBlob *keva.Hash `json:"text_blob,omitempty"`
	TextSize int64      `json:"text_size,omitempty"`

	// Attachments for file values.
	Attachments []keva.Attachment `json:"attachments,omitempty"`
}

// IsInline reports whether a text envelope carries its payload inline.
func (e *Envelope) IsInline() bool {
	return e.Kind == keva.KindText && e.TextBlob == nil
}

// BlobHashes returns every content hash the envelope references.
func (e *Envelope) BlobHashes() []keva.Hash {
	var hashes []keva.Hash
	if e.TextBlob != nil {
		hashes = append(hashes, *e.TextBlob)
	}
	for _, a := range e.Attachments {
		hashes = append(hashes, a.Hash)
	}
	return hashes
}

// Codec encodes and decodes envelopes, compressing inline payloads when
// beneficial. Encoder and decoder are goroutine-safe and reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// SetInline stores text bytes in the envelope, compressing when the payload
// is large enough and compression actually shrinks it. The digest is always
// computed over the original bytes.
func (c *Codec) SetInline(env *Envelope, data []byte) {
	digest := keva.HashBytes(data)
	env.InlineDigest = &digest
	env.InlineSize = int64(len(data))
	env.TextBlob = nil
	env.TextSize = 0

	if len(data) < CompressionThreshold {
		env.Inline = data
		env.InlineEncoding = EncodingIdentity
		return
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		env.Inline = data
		env.InlineEncoding = EncodingIdentity
		return
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		env.Inline = data
		env.InlineEncoding = EncodingIdentity
		return
	}

	env.Inline = compressed
	env.InlineEncoding = EncodingZstd
}

// Inline decompresses an inline payload and verifies its digest.
func (c *Codec) Inline(env *Envelope) ([]byte, error) {
	data := env.Inline

	switch env.InlineEncoding {
	case EncodingIdentity:
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, fmt.Errorf("%w: decoder closed", keva.ErrCorrupted)
		}

		decompressed, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing payload: %v", keva.ErrCorrupted, err)
		}
		data = decompressed
	default:
		return nil, fmt.Errorf("%w: unsupported payload encoding %q", keva.ErrCorrupted, env.InlineEncoding)
	}

	if env.InlineDigest != nil && keva.HashBytes(data) != *env.InlineDigest {
		return nil, fmt.Errorf("%w: inline payload digest mismatch", keva.ErrCorrupted)
	}
	return data, nil
}

// marshalEnvelope serializes an envelope for storage.
func marshalEnvelope(env *Envelope) ([]byte, error) {
	if env.Version == 0 {
		env.Version = CurrentVersion
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return data, nil
}

// unmarshalEnvelope deserializes a stored envelope, rejecting records from
// a future schema.
func unmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", keva.ErrCorrupted, err)
	}
	if env.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: envelope version %d is newer than supported %d", keva.ErrCorrupted, env.Version, CurrentVersion)
	}
	return &env, nil
}
