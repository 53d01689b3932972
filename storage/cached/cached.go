// Package cached implements the two-tier storage wrapper: an L1 local
// cache in front of an L2 object store, with LRU eviction and a
// short-critical-section locking discipline — the lock is never held
// across an L1 delete.
package cached

import (
	"context"
	"sync"
	"time"

	"github.com/NVIDIA/prism/internal/debug"
	"github.com/NVIDIA/prism/stats"
	"github.com/NVIDIA/prism/storage"
)

type Config struct {
	MaxSizeBytes   int64
	WriteThrough   bool
	PopulateOnRead bool
}

type entry struct {
	size         int64
	lastAccessed time.Time
}

type Stats struct {
	Entries   int
	TotalSize int64
	MaxSize   int64
	Hits      int64
	Misses    int64
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Storage is the CachedStorage wrapper: L1 (local) fronting L2 (any
// storage.SegmentStorage).
type Storage struct {
	cfg Config
	l1  storage.SegmentStorage
	l2  storage.SegmentStorage

	mu        sync.RWMutex
	entries   map[string]*entry
	totalSize int64
	hits      int64
	misses    int64
}

func New(cfg Config, l1, l2 storage.SegmentStorage) *Storage {
	return &Storage{
		cfg:     cfg,
		l1:      l1,
		l2:      l2,
		entries: make(map[string]*entry),
	}
}

func (c *Storage) recordAccess(path storage.StoragePath, size int64) {
	key := path.String()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.totalSize -= e.size
		e.size = size
		e.lastAccessed = time.Now()
	} else {
		c.entries[key] = &entry{size: size, lastAccessed: time.Now()}
	}
	c.totalSize += size
	total := c.totalSize
	c.mu.Unlock()
	stats.CacheSizeBytes.Set(float64(total))
}

func (c *Storage) forgetAccess(path storage.StoragePath) {
	key := path.String()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.totalSize -= e.size
		delete(c.entries, key)
	}
	debug.Assertf(c.totalSize >= 0, "cache accounting went negative: %d", c.totalSize)
	c.mu.Unlock()
}

// Write writes through L2 first (when configured, for durability), then L1,
// then records access and runs the eviction loop. An L2 write failure fails
// the whole write (no L1 write); an L1 write failure after a successful L2
// write is fatal to the call.
func (c *Storage) Write(ctx context.Context, path storage.StoragePath, data []byte) error {
	if c.cfg.WriteThrough {
		if err := c.l2.Write(ctx, path, data); err != nil {
			return err
		}
	}
	if err := c.l1.Write(ctx, path, data); err != nil {
		return err
	}
	c.recordAccess(path, int64(len(data)))
	c.evictIfNeeded(ctx)
	return nil
}

// Read tries L1 first; on a miss, falls back to L2 and optionally populates
// L1. Any L1 error other than NotFound propagates without a fallback to L2.
func (c *Storage) Read(ctx context.Context, path storage.StoragePath) ([]byte, error) {
	data, err := c.l1.Read(ctx, path)
	if err == nil {
		c.mu.Lock()
		c.hits++
		if e, ok := c.entries[path.String()]; ok {
			e.lastAccessed = time.Now()
			c.mu.Unlock()
		} else {
			c.mu.Unlock()
			c.recordAccess(path, int64(len(data)))
		}
		stats.CacheHitsTotal.Inc()
		return data, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}

	data, err = c.l2.Read(ctx, path)
	if err != nil {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		stats.CacheMissesTotal.Inc()
		return nil, err
	}
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	stats.CacheMissesTotal.Inc()
	if c.cfg.PopulateOnRead {
		if werr := c.l1.Write(ctx, path, data); werr == nil {
			c.recordAccess(path, int64(len(data)))
			c.evictIfNeeded(ctx)
		}
	}
	return data, nil
}

// Delete removes the object from both tiers; both must succeed.
func (c *Storage) Delete(ctx context.Context, path storage.StoragePath) error {
	if err := c.l2.Delete(ctx, path); err != nil {
		return err
	}
	if err := c.l1.Delete(ctx, path); err != nil {
		return err
	}
	c.forgetAccess(path)
	return nil
}

func (c *Storage) Exists(ctx context.Context, path storage.StoragePath) (bool, error) {
	return c.l2.Exists(ctx, path)
}

func (c *Storage) Head(ctx context.Context, path storage.StoragePath) (storage.ObjectMeta, error) {
	return c.l2.Head(ctx, path)
}

func (c *Storage) List(ctx context.Context, prefix storage.StoragePath) ([]storage.ObjectMeta, error) {
	return c.l2.List(ctx, prefix)
}

func (c *Storage) ListWithOptions(ctx context.Context, prefix storage.StoragePath, opts storage.ListOptions) ([]storage.ObjectMeta, error) {
	return c.l2.ListWithOptions(ctx, prefix, opts)
}

// Rename and Copy treat L2 as the source of truth: operate there first,
// then mirror onto L1 only if the source was already present in L1.
func (c *Storage) Rename(ctx context.Context, src, dst storage.StoragePath) error {
	if err := c.l2.Rename(ctx, src, dst); err != nil {
		return err
	}
	if present, _ := c.l1.Exists(ctx, src); present {
		if err := c.l1.Rename(ctx, src, dst); err == nil {
			c.mu.Lock()
			if e, ok := c.entries[src.String()]; ok {
				delete(c.entries, src.String())
				c.entries[dst.String()] = e
			}
			c.mu.Unlock()
		}
	}
	return nil
}

func (c *Storage) Copy(ctx context.Context, src, dst storage.StoragePath) error {
	if err := c.l2.Copy(ctx, src, dst); err != nil {
		return err
	}
	if present, _ := c.l1.Exists(ctx, src); present {
		_ = c.l1.Copy(ctx, src, dst)
	}
	return nil
}

func (c *Storage) ReadSync(path storage.StoragePath) ([]byte, error) {
	return c.Read(context.Background(), path)
}

func (c *Storage) WriteSync(path storage.StoragePath, data []byte) error {
	return c.Write(context.Background(), path, data)
}

func (c *Storage) DeleteSync(path storage.StoragePath) error {
	return c.Delete(context.Background(), path)
}

// evictIfNeeded loops `while total > max: evict argmin last_accessed`,
// snapshotting the victim under the lock and deleting outside it —
// eviction must not be triggered from inside L2's write-through path, and
// the lock is never held across the L1 delete.
func (c *Storage) evictIfNeeded(ctx context.Context) {
	if c.cfg.MaxSizeBytes <= 0 {
		return
	}
	for {
		victimKey, victimPath, ok := c.pickVictim()
		if !ok {
			return
		}
		if err := c.l1.Delete(ctx, victimPath); err != nil {
			// Swallowed: cache size may temporarily exceed max,
			// correctness is preserved.
			return
		}
		c.mu.Lock()
		if e, ok := c.entries[victimKey]; ok {
			c.totalSize -= e.size
			delete(c.entries, victimKey)
		}
		c.mu.Unlock()
		stats.CacheEvictionsTotal.Inc()
		stats.CacheSizeBytes.Set(float64(c.totalSize))
	}
}

func (c *Storage) pickVictim() (key string, path storage.StoragePath, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.totalSize <= c.cfg.MaxSizeBytes {
		return "", storage.StoragePath{}, false
	}
	var oldest time.Time
	for k, e := range c.entries {
		if key == "" || e.lastAccessed.Before(oldest) {
			key = k
			oldest = e.lastAccessed
		}
	}
	if key == "" {
		return "", storage.StoragePath{}, false
	}
	return key, storage.ParsePath(key), true
}

func (c *Storage) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:   len(c.entries),
		TotalSize: c.totalSize,
		MaxSize:   c.cfg.MaxSizeBytes,
		Hits:      c.hits,
		Misses:    c.misses,
	}
}
