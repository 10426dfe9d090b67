// Package planfiles bounds the number of concurrently open per-plan SQLite
// files, per spec.md §9's note that query layers "must open plan files on
// demand with a small LRU cache."
package planfiles

import (
	"fmt"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/orchestrator-ai/planner/internal/planstore"
)

// Cache is a bounded, concurrency-safe cache of open planstore.Store
// handles keyed by plan id. Eviction closes the evicted handle.
type Cache struct {
	mu       sync.Mutex
	dataRoot string
	handles  *lru.Cache[int64, *planstore.Store]
}

// New creates a Cache rooted at dataRoot (plan files live at
// dataRoot/plans/<id>.db) bounded to size concurrently open handles.
func New(dataRoot string, size int) (*Cache, error) {
	if size <= 0 {
		size = 1
	}
	c := &Cache{dataRoot: dataRoot}
	handles, err := lru.NewWithEvict(size, func(_ int64, store *planstore.Store) {
		store.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("planfiles: new lru: %w", err)
	}
	c.handles = handles
	return c, nil
}

// PathFor returns the on-disk path for a plan's storage file.
func (c *Cache) PathFor(planID int64) string {
	return filepath.Join(c.dataRoot, "plans", fmt.Sprintf("%d.db", planID))
}

// Get returns the open store for planID, opening it on first access.
func (c *Cache) Get(planID int64) (*planstore.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if store, ok := c.handles.Get(planID); ok {
		return store, nil
	}
	store, err := planstore.Open(c.PathFor(planID))
	if err != nil {
		return nil, fmt.Errorf("planfiles: open plan %d: %w", planID, err)
	}
	c.handles.Add(planID, store)
	return store, nil
}

// Evict closes and forgets planID's handle, if open. Used by delete_plan so
// the file can be removed from disk afterward without a dangling handle.
func (c *Cache) Evict(planID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles.Remove(planID)
}

// Close closes every open handle, used on process shutdown.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles.Purge()
}
