package ecchange

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

// ErrCacheBackend indicates an external-storage cache allocation or spill
// failure. It is fatal for the accumulator instance using the cache; the
// in-progress merge is never silently corrupted.
var ErrCacheBackend = errors.New("unification cache backend failure")

// Cache stores the accumulator's working set keyed by (instance id, stage).
// Implementations are scoped resources: Close releases any scratch storage
// they allocated, on every exit path.
type Cache interface {
	Get(ctx context.Context, key Key) (*Instance, bool, error)
	Put(ctx context.Context, key Key, inst *Instance) error

	// All returns the current working set. Repeated calls are allowed and
	// return the same set (restartable).
	All(ctx context.Context) ([]*Instance, error)

	Close() error
}

// MemoryCache is the process-local cache: a plain map keyed by (instance
// id, stage). Memory grows unboundedly with changeset size; use the
// SQLite-backed cache for large changesets.
type MemoryCache struct {
	entries map[Key]*Instance
	closed  bool
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[Key]*Instance{}}
}

// Get returns the entry for key.
func (c *MemoryCache) Get(ctx context.Context, key Key) (*Instance, bool, error) {
	if c.closed {
		return nil, false, errors.Wrap(ErrCacheBackend, "cache is closed")
	}
	inst, ok := c.entries[key]
	return inst, ok, nil
}

// Put stores the entry for key.
func (c *MemoryCache) Put(ctx context.Context, key Key, inst *Instance) error {
	if c.closed {
		return errors.Wrap(ErrCacheBackend, "cache is closed")
	}
	c.entries[key] = inst
	return nil
}

// All returns the working set ordered by (instance id, stage).
func (c *MemoryCache) All(ctx context.Context) ([]*Instance, error) {
	if c.closed {
		return nil, errors.Wrap(ErrCacheBackend, "cache is closed")
	}
	out := make([]*Instance, 0, len(c.entries))
	for _, inst := range c.entries {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Meta.Stage < out[j].Meta.Stage
	})
	return out, nil
}

// Close releases the map. Safe to call more than once.
func (c *MemoryCache) Close() error {
	c.closed = true
	c.entries = nil
	return nil
}
