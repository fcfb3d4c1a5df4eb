package commit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

// DefaultViewTTL keeps cached views short-lived so a reader behind the
// cache still converges on the ledger quickly.
const DefaultViewTTL = 5 * time.Second

// RedisViewCache is a TTL'd shipment view cache backed by Redis. Every
// operation is best-effort: a Redis fault degrades to a cache miss, never
// into a read error.
type RedisViewCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewRedisViewCache(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *RedisViewCache {
	if ttl <= 0 {
		ttl = DefaultViewTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisViewCache{rdb: rdb, ttl: ttl, log: log.With("component", "viewcache")}
}

func viewKey(shipmentID string) string { return "coldtrace:view:" + shipmentID }

func (c *RedisViewCache) Get(ctx context.Context, shipmentID string) (*contracts.ShipmentView, bool) {
	raw, err := c.rdb.Get(ctx, viewKey(shipmentID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("cache get failed", "shipment_id", shipmentID, "error", err)
		}
		return nil, false
	}
	var view contracts.ShipmentView
	if err := json.Unmarshal(raw, &view); err != nil {
		c.log.Warn("corrupt cached view", "shipment_id", shipmentID, "error", err)
		_ = c.rdb.Del(ctx, viewKey(shipmentID)).Err()
		return nil, false
	}
	return &view, true
}

func (c *RedisViewCache) Set(ctx context.Context, shipmentID string, view *contracts.ShipmentView) {
	raw, err := json.Marshal(view)
	if err != nil {
		c.log.Warn("encode view failed", "shipment_id", shipmentID, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, viewKey(shipmentID), raw, c.ttl).Err(); err != nil {
		c.log.Warn("cache set failed", "shipment_id", shipmentID, "error", err)
	}
}

func (c *RedisViewCache) Invalidate(ctx context.Context, shipmentID string) {
	if err := c.rdb.Del(ctx, viewKey(shipmentID)).Err(); err != nil {
		c.log.Warn("cache invalidate failed", "shipment_id", shipmentID, "error", err)
	}
}

// MemoryViewCache is the in-process fallback used when no Redis endpoint is
// configured. Same TTL semantics as the Redis cache.
type MemoryViewCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryViewEntry
}

type memoryViewEntry struct {
	view    *contracts.ShipmentView
	expires time.Time
}

func NewMemoryViewCache(ttl time.Duration) *MemoryViewCache {
	if ttl <= 0 {
		ttl = DefaultViewTTL
	}
	return &MemoryViewCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryViewEntry),
	}
}

func (c *MemoryViewCache) Get(_ context.Context, shipmentID string) (*contracts.ShipmentView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[shipmentID]
	if !ok || c.now().After(entry.expires) {
		delete(c.entries, shipmentID)
		return nil, false
	}
	return entry.view, true
}

func (c *MemoryViewCache) Set(_ context.Context, shipmentID string, view *contracts.ShipmentView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[shipmentID] = memoryViewEntry{view: view, expires: c.now().Add(c.ttl)}
}

func (c *MemoryViewCache) Invalidate(_ context.Context, shipmentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, shipmentID)
}
