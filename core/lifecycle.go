package core

import (
	"context"

	keva "github.com/ik1ne/keva-sub000"
)

// Touch refreshes a key's last_accessed without reading its value. A
// stale active key whose TTL has silently elapsed may still be touched;
// maintenance, not TTL expiry, is the point of no return.
func (c *Core) Touch(ctx context.Context, key string) error {
	if err := keva.ValidateKey(key); err != nil {
		return err
	}
	return c.db.Touch(ctx, key)
}

// Trash soft-deletes a key. The value stays readable and restorable
// until the purge TTL elapses and maintenance removes it.
func (c *Core) Trash(ctx context.Context, key string) error {
	if err := keva.ValidateKey(key); err != nil {
		return err
	}
	if err := c.db.Trash(ctx, key); err != nil {
		return err
	}
	c.search.Trash(key)
	return nil
}

// Restore moves a trashed key back to active with a fresh last_accessed,
// so a later trash starts a fresh purge clock.
func (c *Core) Restore(ctx context.Context, key string) error {
	if err := keva.ValidateKey(key); err != nil {
		return err
	}
	if err := c.db.Restore(ctx, key); err != nil {
		return err
	}
	c.search.Restore(key)
	return nil
}

// Purge permanently deletes a key in any lifecycle state. Its blobs are
// reclaimed by the next maintenance pass, never eagerly, so an
// interrupted purge leaves at most orphaned blobs.
func (c *Core) Purge(ctx context.Context, key string) error {
	if err := keva.ValidateKey(key); err != nil {
		return err
	}
	if _, err := c.db.Peek(ctx, key); err != nil {
		return err
	}
	if err := c.db.Delete(ctx, key); err != nil {
		return err
	}
	c.search.Remove(key)
	return nil
}

// ActiveKeys lists all active keys. Listing does not update
// last_accessed.
func (c *Core) ActiveKeys(ctx context.Context) ([]string, error) {
	return c.db.Keys(ctx, keva.StateActive)
}

// TrashedKeys lists all trashed keys.
func (c *Core) TrashedKeys(ctx context.Context) ([]string, error) {
	return c.db.Keys(ctx, keva.StateTrash)
}
