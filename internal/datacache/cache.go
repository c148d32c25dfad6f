// Package datacache implements the tiered dataset cache serving the
// dashboards: in-process memory in front of serialized tables in the
// object store in front of the warehouse itself.
//
// The memory tier is never staler than the object-store copy it was
// populated from; the object-store copy is the durable tier shared by all
// instances. Writes to the object store are best effort: losing them only
// costs other instances a warehouse re-fetch.
package datacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/variantgroup/variant-analytics/internal/metrics"
	"github.com/variantgroup/variant-analytics/internal/objectstore"
	"github.com/variantgroup/variant-analytics/internal/warehouse"
)

// ErrDataUnavailable is returned when the warehouse tier fails; there is
// no further fallback below it.
var ErrDataUnavailable = errors.New("data unavailable")

// Request describes a dataset fetch. Dataset plus Params identify the
// cache entry; SQL is the warehouse query that derives it.
type Request struct {
	Dataset string
	Params  map[string]string
	SQL     string
	// MaxAge overrides the cache's default freshness window when positive.
	MaxAge time.Duration
}

// Key returns the stable cache key for the request.
func (r Request) Key() string {
	if len(r.Params) == 0 {
		return r.Dataset
	}
	parts := make([]string, 0, len(r.Params))
	for k, v := range r.Params {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "&")))
	return r.Dataset + "/" + hex.EncodeToString(sum[:8])
}

type memoryEntry struct {
	table *warehouse.Table
}

// Cache is the tiered dataset cache. Safe for concurrent use.
type Cache struct {
	store     objectstore.Gateway
	wh        warehouse.Gateway
	prefix    string
	maxAge    time.Duration
	metrics   *metrics.Metrics
	logger    *logrus.Entry
	nowFn     func() time.Time
	downloads singleflight.Group

	mu     sync.RWMutex
	memory map[string]memoryEntry
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides the cache's time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.nowFn = now }
}

// New creates an empty cache in front of the given store and warehouse.
func New(store objectstore.Gateway, wh warehouse.Gateway, prefix string, defaultMaxAge time.Duration, m *metrics.Metrics, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		wh:      wh,
		prefix:  prefix,
		maxAge:  defaultMaxAge,
		metrics: m,
		logger:  logrus.WithField("component", "datacache"),
		nowFn:   time.Now,
		memory:  make(map[string]memoryEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) objectKey(key string) string {
	return strings.TrimSuffix(c.prefix, "/") + "/" + key + ".json"
}

// Get returns the dataset, serving the freshest tier that satisfies the
// request's max age. Concurrent cold fetches for the same key coalesce
// into a single warehouse query.
func (c *Cache) Get(ctx context.Context, req Request) (*warehouse.Table, error) {
	maxAge := req.MaxAge
	if maxAge <= 0 {
		maxAge = c.maxAge
	}
	key := req.Key()
	now := c.nowFn()

	c.mu.RLock()
	entry, ok := c.memory[key]
	c.mu.RUnlock()
	if ok && entry.table.Age(now) <= maxAge {
		c.metrics.CacheHits.WithLabelValues("memory").Inc()
		return entry.table, nil
	}
	c.metrics.CacheMisses.WithLabelValues("memory").Inc()

	// Coalesce everything below the memory tier. All callers for the
	// same key receive the same table (or the same error).
	result, err, _ := c.downloads.Do(key, func() (any, error) {
		// A racing caller may have filled the memory tier while this
		// one waited on the flight group.
		c.mu.RLock()
		entry, ok := c.memory[key]
		c.mu.RUnlock()
		if ok && entry.table.Age(c.nowFn()) <= maxAge {
			return entry.table, nil
		}

		if table := c.readStoreTier(ctx, key, maxAge); table != nil {
			c.populate(key, table)
			return table, nil
		}

		table, err := c.fetchOrigin(ctx, req, key)
		if err != nil {
			return nil, err
		}
		c.populate(key, table)
		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*warehouse.Table), nil
}

// readStoreTier attempts the object-store tier. Any failure, including an
// unreadable or stale payload, is treated as a miss: the warehouse below
// is authoritative and the request must not fail because the cache is
// degraded.
func (c *Cache) readStoreTier(ctx context.Context, key string, maxAge time.Duration) *warehouse.Table {
	data, err := c.store.Get(ctx, c.objectKey(key))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			c.metrics.CacheMisses.WithLabelValues("object_store").Inc()
			return nil
		}
		c.metrics.CacheMisses.WithLabelValues("object_store").Inc()
		c.logger.WithError(err).WithField("key", key).
			Warn("object store read failed, falling through to warehouse")
		return nil
	}

	var table warehouse.Table
	if err := json.Unmarshal(data, &table); err != nil {
		c.logger.WithError(err).WithField("key", key).
			Warn("cached dataset is unreadable, falling through to warehouse")
		return nil
	}
	if table.Age(c.nowFn()) > maxAge {
		c.metrics.CacheMisses.WithLabelValues("object_store").Inc()
		return nil
	}

	c.metrics.CacheHits.WithLabelValues("object_store").Inc()
	return &table
}

// fetchOrigin queries the warehouse and persists the result best effort.
func (c *Cache) fetchOrigin(ctx context.Context, req Request, key string) (*warehouse.Table, error) {
	start := c.nowFn()
	c.metrics.WarehouseQueries.Inc()
	table, err := c.wh.Query(ctx, req.SQL)
	if err != nil {
		c.metrics.WarehouseErrors.Inc()
		return nil, fmt.Errorf("%w: dataset %q: %v", ErrDataUnavailable, req.Dataset, err)
	}
	c.metrics.QueryDuration.Observe(time.Since(start).Seconds())

	if data, err := json.Marshal(table); err == nil {
		if err := c.store.Put(ctx, c.objectKey(key), data); err != nil {
			// Degraded persistence: the caller still gets its data,
			// other instances just re-derive it themselves.
			c.metrics.DegradedWrites.Inc()
			c.logger.WithError(err).WithField("key", key).
				Warn("failed to persist dataset to object store")
		}
	}

	return table, nil
}

func (c *Cache) populate(key string, table *warehouse.Table) {
	c.mu.Lock()
	c.memory[key] = memoryEntry{table: table}
	c.mu.Unlock()
}

// Invalidate drops the in-process entry for the request's key. The
// object-store copy is left in place so other instances keep benefiting
// from it until their own freshness window lapses.
func (c *Cache) Invalidate(req Request) {
	key := req.Key()
	c.mu.Lock()
	delete(c.memory, key)
	c.mu.Unlock()
	c.logger.WithField("key", key).Debug("invalidated in-process cache entry")
}

// InvalidateAll clears the whole memory tier.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.memory = make(map[string]memoryEntry)
	c.mu.Unlock()
}

// MemoryLen reports the number of in-process entries. Test helper.
func (c *Cache) MemoryLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.memory)
}
