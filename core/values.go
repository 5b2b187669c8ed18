package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	keva "github.com/ik1ne/keva-sub000"
	"github.com/ik1ne/keva-sub000/store/blob"
	"github.com/ik1ne/keva-sub000/store/metadb"
)

// File is one incoming attachment for AddAttachments. Content is
// streamed, so large files never sit in memory whole.
type File struct {
	Name   string
	Reader io.Reader
}

// Get returns the value stored under a key and records the access for
// active keys. Trashed keys remain readable until maintenance purges
// them; reading one does not move its purge clock.
func (c *Core) Get(ctx context.Context, key string) (*keva.Value, error) {
	if err := keva.ValidateKey(key); err != nil {
		return nil, err
	}

	env, err := c.db.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.materialize(ctx, env)
}

// Peek returns the value without recording an access. Key listings and
// previews use this path.
func (c *Core) Peek(ctx context.Context, key string) (*keva.Value, error) {
	if err := keva.ValidateKey(key); err != nil {
		return nil, err
	}

	env, err := c.db.Peek(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.materialize(ctx, env)
}

// Metadata returns the stored metadata for a key without recording an
// access.
func (c *Core) Metadata(ctx context.Context, key string) (*keva.Metadata, error) {
	if err := keva.ValidateKey(key); err != nil {
		return nil, err
	}

	env, err := c.db.Peek(ctx, key)
	if err != nil {
		return nil, err
	}
	meta := env.Meta
	return &meta, nil
}

// UpsertText creates or replaces a key with a Markdown text value. Text
// below the inline threshold lives in the metadata database; larger text
// is written to the blob store and referenced by content hash. A
// replaced value of either kind is discarded, its blobs reclaimed by the
// next maintenance pass.
func (c *Core) UpsertText(ctx context.Context, key, text string) error {
	if err := keva.ValidateKey(key); err != nil {
		return err
	}

	data := []byte(text)

	// Blob writes happen before the transaction so no write lock is held
	// during file I/O. A crash here leaves an orphan blob for maintenance.
	var textHash *keva.Hash
	if int64(len(data)) >= c.cfg.InlineThreshold {
		res, err := c.blobs.PutBytes(ctx, blob.TextFilename, data)
		if err != nil {
			return fmt.Errorf("writing text blob: %w", err)
		}
		textHash = &res.Hash
	}

	created := false
	err := c.db.Update(ctx, key, func(env *metadb.Envelope) (*metadb.Envelope, error) {
		now := c.now()
		if env == nil {
			created = true
			env = &metadb.Envelope{Meta: keva.Metadata{CreatedAt: now, State: keva.StateActive}}
		} else if env.Meta.State == keva.StateTrash {
			return nil, keva.ErrTrashed
		}

		env.Kind = keva.KindText
		env.Attachments = nil
		env.Meta.UpdatedAt = now
		env.Meta.LastAccessed = now

		if textHash != nil {
			env.TextBlob = textHash
			env.TextSize = int64(len(data))
			env.Inline = nil
			env.InlineEncoding = metadb.EncodingIdentity
			env.InlineDigest = nil
			env.InlineSize = 0
		} else {
			c.db.Codec().SetInline(env, data)
			env.TextBlob = nil
			env.TextSize = 0
		}
		return env, nil
	})
	if err != nil {
		return err
	}

	if created {
		c.search.AddActive(key)
	}
	return nil
}

// AddAttachments adds files to a key, creating the key as a files value
// when it does not exist. Filename collisions are resolved per file by
// the given policy: overwrite replaces the existing bytes, rename
// auto-suffixes " (1)", " (2)", … until unique, skip drops the file.
// The resolved attachments actually added are returned.
func (c *Core) AddAttachments(ctx context.Context, key string, files []File, policy keva.ConflictPolicy) ([]keva.Attachment, error) {
	if err := keva.ValidateKey(key); err != nil {
		return nil, err
	}

	taken := make(map[string]struct{})
	existing, err := c.db.Peek(ctx, key)
	switch {
	case err == nil:
		if existing.Meta.State == keva.StateTrash {
			return nil, keva.ErrTrashed
		}
		if existing.Kind != keva.KindFiles {
			return nil, fmt.Errorf("key %q holds a text value: %w", key, keva.ErrWrongKind)
		}
		for _, a := range existing.Attachments {
			taken[a.Filename] = struct{}{}
		}
	case errors.Is(err, metadb.ErrNotFound):
		// new key
	default:
		return nil, err
	}

	var added []keva.Attachment
	for _, f := range files {
		name := f.Name
		if _, clash := taken[name]; clash {
			switch policy {
			case keva.PolicySkip:
				continue
			case keva.PolicyRename:
				name = uniqueFilename(name, taken)
			case keva.PolicyOverwrite:
				// keep the name, replace the bytes
			}
		}

		res, err := c.blobs.Put(ctx, name, f.Reader)
		if err != nil {
			return added, fmt.Errorf("storing attachment %q: %w", f.Name, err)
		}

		added = append(added, keva.Attachment{
			Filename:     name,
			Hash:         res.Hash,
			Size:         res.Size,
			OriginalName: f.Name,
		})
		taken[name] = struct{}{}
	}

	created := false
	err = c.db.Update(ctx, key, func(env *metadb.Envelope) (*metadb.Envelope, error) {
		now := c.now()
		if env == nil {
			created = true
			env = &metadb.Envelope{
				Kind: keva.KindFiles,
				Meta: keva.Metadata{CreatedAt: now, State: keva.StateActive},
			}
		} else if env.Meta.State == keva.StateTrash {
			return nil, keva.ErrTrashed
		} else if env.Kind != keva.KindFiles {
			return nil, fmt.Errorf("key %q holds a text value: %w", key, keva.ErrWrongKind)
		}

		for _, a := range added {
			if i := findAttachment(env.Attachments, a.Filename); i >= 0 {
				env.Attachments[i] = a
			} else {
				env.Attachments = append(env.Attachments, a)
			}
		}
		env.Meta.UpdatedAt = now
		env.Meta.LastAccessed = now
		return env, nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		c.search.AddActive(key)
	}
	return added, nil
}

// RemoveAttachment detaches a file from a key. The blob stays on disk
// until maintenance finds it unreferenced.
func (c *Core) RemoveAttachment(ctx context.Context, key, filename string) error {
	if err := keva.ValidateKey(key); err != nil {
		return err
	}

	return c.db.Update(ctx, key, func(env *metadb.Envelope) (*metadb.Envelope, error) {
		if env == nil {
			return nil, metadb.ErrNotFound
		}
		if env.Meta.State == keva.StateTrash {
			return nil, keva.ErrTrashed
		}
		if env.Kind != keva.KindFiles {
			return nil, fmt.Errorf("key %q holds a text value: %w", key, keva.ErrWrongKind)
		}

		i := findAttachment(env.Attachments, filename)
		if i < 0 {
			return nil, fmt.Errorf("attachment %q: %w", filename, keva.ErrNotFound)
		}
		env.Attachments = append(env.Attachments[:i], env.Attachments[i+1:]...)

		now := c.now()
		env.Meta.UpdatedAt = now
		env.Meta.LastAccessed = now
		return env, nil
	})
}

// RenameAttachment changes an attachment's filename within its key. The
// blob content is made available under the new name first, so the
// reference never dangles; the file under the old name is reclaimed with
// the hash once nothing uses it.
func (c *Core) RenameAttachment(ctx context.Context, key, oldName, newName string) error {
	if err := keva.ValidateKey(key); err != nil {
		return err
	}
	if oldName == newName {
		return nil
	}

	env, err := c.db.Peek(ctx, key)
	if err != nil {
		return err
	}
	if env.Meta.State == keva.StateTrash {
		return keva.ErrTrashed
	}
	if env.Kind != keva.KindFiles {
		return fmt.Errorf("key %q holds a text value: %w", key, keva.ErrWrongKind)
	}

	i := findAttachment(env.Attachments, oldName)
	if i < 0 {
		return fmt.Errorf("attachment %q: %w", oldName, keva.ErrNotFound)
	}
	if findAttachment(env.Attachments, newName) >= 0 {
		return fmt.Errorf("attachment %q: %w", newName, keva.ErrDuplicateFilename)
	}

	if err := c.blobs.CopyFile(ctx, env.Attachments[i].Hash, oldName, newName); err != nil {
		return fmt.Errorf("renaming attachment file: %w", err)
	}

	return c.db.Update(ctx, key, func(env *metadb.Envelope) (*metadb.Envelope, error) {
		if env == nil {
			return nil, metadb.ErrNotFound
		}
		if env.Meta.State == keva.StateTrash {
			return nil, keva.ErrTrashed
		}

		i := findAttachment(env.Attachments, oldName)
		if i < 0 {
			return nil, fmt.Errorf("attachment %q: %w", oldName, keva.ErrNotFound)
		}
		if findAttachment(env.Attachments, newName) >= 0 {
			return nil, fmt.Errorf("attachment %q: %w", newName, keva.ErrDuplicateFilename)
		}
		env.Attachments[i].Filename = newName

		now := c.now()
		env.Meta.UpdatedAt = now
		env.Meta.LastAccessed = now
		return env, nil
	})
}

// RenameKey moves a value to a new key. When the destination exists the
// rename fails with ErrDestinationExists unless overwrite is set, in
// which case the destination's value is destroyed permanently with no
// trash entry and no way back.
func (c *Core) RenameKey(ctx context.Context, oldKey, newKey string, overwrite bool) error {
	if err := keva.ValidateKey(oldKey); err != nil {
		return err
	}
	if err := keva.ValidateKey(newKey); err != nil {
		return err
	}
	if oldKey == newKey {
		return nil
	}

	_, err := c.db.Peek(ctx, newKey)
	destExisted := err == nil
	if err != nil && !errors.Is(err, metadb.ErrNotFound) {
		return err
	}

	if err := c.db.Rename(ctx, oldKey, newKey, overwrite); err != nil {
		return err
	}

	if destExisted {
		// hide the destroyed destination before the rename mirror makes
		// the new key visible under the source's lifecycle bucket
		c.search.Remove(newKey)
	}
	c.search.Rename(oldKey, newKey)
	return nil
}

// OpenAttachment streams an attachment's content and records the access.
func (c *Core) OpenAttachment(ctx context.Context, key, filename string) (io.ReadCloser, error) {
	if err := keva.ValidateKey(key); err != nil {
		return nil, err
	}

	env, err := c.db.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if env.Kind != keva.KindFiles {
		return nil, fmt.Errorf("key %q holds a text value: %w", key, keva.ErrWrongKind)
	}

	i := findAttachment(env.Attachments, filename)
	if i < 0 {
		return nil, fmt.Errorf("attachment %q: %w", filename, keva.ErrNotFound)
	}
	return c.blobs.Open(ctx, env.Attachments[i].Hash, filename)
}

// AttachmentPath returns the on-disk path of an attachment for direct
// file-handle access by editors and previewers, recording the access.
func (c *Core) AttachmentPath(ctx context.Context, key, filename string) (string, error) {
	if err := keva.ValidateKey(key); err != nil {
		return "", err
	}

	env, err := c.db.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if env.Kind != keva.KindFiles {
		return "", fmt.Errorf("key %q holds a text value: %w", key, keva.ErrWrongKind)
	}

	i := findAttachment(env.Attachments, filename)
	if i < 0 {
		return "", fmt.Errorf("attachment %q: %w", filename, keva.ErrNotFound)
	}
	return c.blobs.Path(env.Attachments[i].Hash, filename), nil
}

func (c *Core) materialize(ctx context.Context, env *metadb.Envelope) (*keva.Value, error) {
	switch env.Kind {
	case keva.KindText:
		if env.IsInline() {
			data, err := c.db.Codec().Inline(env)
			if err != nil {
				return nil, err
			}
			v := keva.TextValue(string(data))
			return &v, nil
		}
		data, err := c.blobs.Bytes(ctx, *env.TextBlob, blob.TextFilename)
		if err != nil {
			return nil, fmt.Errorf("reading text blob: %w", err)
		}
		v := keva.TextValue(string(data))
		return &v, nil

	case keva.KindFiles:
		attachments := make([]keva.Attachment, len(env.Attachments))
		copy(attachments, env.Attachments)
		v := keva.FilesValue(attachments)
		return &v, nil

	default:
		return nil, fmt.Errorf("%w: unknown value kind %q", keva.ErrCorrupted, env.Kind)
	}
}

func findAttachment(attachments []keva.Attachment, filename string) int {
	for i, a := range attachments {
		if a.Filename == filename {
			return i
		}
	}
	return -1
}

// uniqueFilename suffixes " (1)", " (2)", … before the extension until
// the name is free.
func uniqueFilename(name string, taken map[string]struct{}) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, clash := taken[candidate]; !clash {
			return candidate
		}
	}
}
