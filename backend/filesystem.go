package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	keva "github.com/ik1ne/keva-sub000"
)

// Filesystem implements Backend on the local filesystem.
// Writes are atomic using a temp file and rename.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at the given path.
// The directory is created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", keva.MapIOError(err))
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Path returns the absolute filesystem path for a key.
func (fs *Filesystem) Path(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// Write stores data at the given key using an atomic write.
func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	path := fs.Path(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, keva.MapIOError(err))
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", keva.MapIOError(err))
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing data: %w", keva.MapIOError(err))
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", keva.MapIOError(err))
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", keva.MapIOError(err))
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", keva.MapIOError(err))
	}

	success = true
	return nil
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(fs.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", keva.MapIOError(err))
	}
	return f, nil
}

// Delete removes data at the given key.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(fs.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", keva.MapIOError(err))
	}
	return nil
}

// DeleteTree removes everything under the given key prefix.
func (fs *Filesystem) DeleteTree(ctx context.Context, prefix string) error {
	if err := os.RemoveAll(fs.Path(prefix)); err != nil {
		return fmt.Errorf("removing tree: %w", keva.MapIOError(err))
	}
	return nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(fs.Path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", keva.MapIOError(err))
}

// List returns all keys with the given prefix.
func (fs *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fs.Path(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", keva.MapIOError(err))
	}

	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// Skip in-flight temp files.
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", keva.MapIOError(err))
	}
	return keys, nil
}

// Size returns the size of the data at the given key.
func (fs *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(fs.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", keva.MapIOError(err))
	}
	return info.Size(), nil
}

// Compile-time interface checks
var (
	_ Backend     = (*Filesystem)(nil)
	_ PathBackend = (*Filesystem)(nil)
)
