package state

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Cached wraps a slow Store with a write-through in-memory mirror. Reads
// never touch the slow medium once a key is warm; a read for a cold key
// falls back to the slow path exactly once and warms the mirror as a side
// effect. Writes and deletes go to both tiers.
type Cached struct {
	backing Store

	mu     sync.RWMutex
	mirror map[string]json.RawMessage
	// misses records keys known to be absent so repeated reads of a missing
	// key do not keep hitting the slow path.
	misses map[string]struct{}
}

// NewCached wraps backing with a cold mirror.
func NewCached(backing Store) *Cached {
	return &Cached{
		backing: backing,
		mirror:  make(map[string]json.RawMessage),
		misses:  make(map[string]struct{}),
	}
}

// Warm preloads every key under prefix into the mirror.
func (c *Cached) Warm(ctx context.Context, prefix string) error {
	keys, err := c.backing.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		v, found, err := c.backing.Retrieve(ctx, key)
		if err != nil {
			return err
		}
		if found {
			c.mu.Lock()
			c.mirror[key] = v
			c.mu.Unlock()
		}
	}
	return nil
}

// Store writes to the mirror and through to the backing store.
func (c *Cached) Store(ctx context.Context, key string, value json.RawMessage) error {
	if err := c.backing.Store(ctx, key, value); err != nil {
		return err
	}
	c.mu.Lock()
	c.mirror[key] = cloneValue(value)
	delete(c.misses, key)
	c.mu.Unlock()
	return nil
}

// Retrieve reads from the mirror, falling back to the backing store for a
// cold key and warming the mirror.
func (c *Cached) Retrieve(ctx context.Context, key string) (json.RawMessage, bool, error) {
	c.mu.RLock()
	if v, ok := c.mirror[key]; ok {
		c.mu.RUnlock()
		return cloneValue(v), true, nil
	}
	if _, ok := c.misses[key]; ok {
		c.mu.RUnlock()
		return nil, false, nil
	}
	c.mu.RUnlock()

	v, found, err := c.backing.Retrieve(ctx, key)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	if found {
		c.mirror[key] = cloneValue(v)
	} else {
		c.misses[key] = struct{}{}
	}
	c.mu.Unlock()
	return v, found, nil
}

// Delete removes key from both tiers.
func (c *Cached) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := c.backing.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	if _, ok := c.mirror[key]; ok {
		existed = true
	}
	delete(c.mirror, key)
	c.misses[key] = struct{}{}
	c.mu.Unlock()
	return existed, nil
}

// ListKeys merges warm keys with the backing store's key set.
func (c *Cached) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := c.backing.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	c.mu.RLock()
	for k := range c.mirror {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	c.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Clear empties both tiers.
func (c *Cached) Clear(ctx context.Context) error {
	if err := c.backing.Clear(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.mirror = make(map[string]json.RawMessage)
	c.misses = make(map[string]struct{})
	c.mu.Unlock()
	return nil
}

// Ping checks the backing store.
func (c *Cached) Ping(ctx context.Context) error {
	return c.backing.Ping(ctx)
}

// Close closes the backing store.
func (c *Cached) Close() error {
	return c.backing.Close()
}
