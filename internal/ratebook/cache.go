package ratebook

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fencepro/scheduling-core/internal/model"
)

// Loader reads a tenant's reference data from persistent storage.
type Loader interface {
	LoadRatebook(ctx context.Context, tenantID string) (*model.RatebookData, error)
}

// Cache is a concurrent-safe LRU cache of built ratebooks with TTL
// expiration. Concurrent misses for the same tenant share one load.
type Cache struct {
	loader Loader
	group  singleflight.Group

	mu         sync.Mutex
	entries    map[string]*cacheEntry
	order      []string // LRU order: front=oldest, back=newest
	maxEntries int
	ttl        time.Duration
	hits       atomic.Int64
	misses     atomic.Int64

	nowFunc func() time.Time
}

type cacheEntry struct {
	rb        *Ratebook
	createdAt time.Time
}

// CacheStats contains cache performance statistics.
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// NewCache creates a Cache in front of loader.
func NewCache(loader Loader, maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		loader:     loader,
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		nowFunc:    time.Now,
	}
}

// Get returns the tenant's ratebook, loading and building it on a miss.
func (c *Cache) Get(ctx context.Context, tenantID string) (*Ratebook, error) {
	if rb := c.lookup(tenantID); rb != nil {
		return rb, nil
	}

	v, err, _ := c.group.Do(tenantID, func() (any, error) {
		data, err := c.loader.LoadRatebook(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		rb, err := New(tenantID, *data)
		if err != nil {
			return nil, err
		}
		c.put(tenantID, rb)
		zap.L().Debug("ratebook loaded",
			zap.String("tenant_id", tenantID),
			zap.Int("zones", len(data.Zones)),
			zap.Int("distance_tiers", len(data.DistanceTiers)),
		)
		return rb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Ratebook), nil
}

// Invalidate drops the tenant's cached ratebook, e.g. after an import.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[tenantID]; ok {
		delete(c.entries, tenantID)
		c.removeFromOrder(tenantID)
	}
}

// Stats returns cache performance statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return CacheStats{
		Entries:    entries,
		MaxEntries: c.maxEntries,
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
	}
}

func (c *Cache) lookup(key string) *Ratebook {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil
	}
	if c.nowFunc().Sub(entry.createdAt) > c.ttl {
		delete(c.entries, key)
		c.removeFromOrder(key)
		c.misses.Add(1)
		return nil
	}

	c.removeFromOrder(key)
	c.order = append(c.order, key)
	c.hits.Add(1)
	return entry.rb
}

func (c *Cache) put(key string, rb *Ratebook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.removeFromOrder(key)
	} else {
		for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.entries[key] = &cacheEntry{rb: rb, createdAt: c.nowFunc()}
	c.order = append(c.order, key)
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
