package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tessera-analytics/tessera/go/router"
	"github.com/tessera-analytics/tessera/go/schema"
)

// CatalogCache memoizes the merged store catalog. Probing the backing
// stores' system tables is slow enough that every canvas load must not pay
// for it. A fresh probe is shared with sibling processes through the fast
// store under <ns>:schema:catalog; a nil client keeps the cache in-process.
type CatalogCache struct {
	router *router.Router
	client *redis.Client
	ns     string
	ttl    time.Duration

	mu      sync.RWMutex
	catalog *schema.Catalog
	group   singleflight.Group
}

func NewCatalogCache(r *router.Router, client *redis.Client, ns string, ttl time.Duration) *CatalogCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CatalogCache{router: r, client: client, ns: ns, ttl: ttl}
}

func (c *CatalogCache) key() string { return c.ns + ":schema:catalog" }

// Get returns the cached catalog, refreshing when stale. Concurrent
// refreshes collapse into one probe.
func (c *CatalogCache) Get(ctx context.Context) (*schema.Catalog, error) {
	c.mu.RLock()
	var cached = c.catalog
	c.mu.RUnlock()
	if cached != nil && time.Since(cached.RefreshedAt) < c.ttl {
		return cached, nil
	}
	if shared := c.readShared(ctx); shared != nil && time.Since(shared.RefreshedAt) < c.ttl {
		c.mu.Lock()
		c.catalog = shared
		c.mu.Unlock()
		return shared, nil
	}
	return c.Refresh(ctx)
}

// Refresh re-probes the stores unconditionally. On failure a previously
// cached catalog, even a stale one, is still served.
func (c *CatalogCache) Refresh(ctx context.Context) (*schema.Catalog, error) {
	v, err, _ := c.group.Do("catalog", func() (any, error) {
		catalog, err := c.router.Catalog(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.catalog = catalog
		c.mu.Unlock()
		c.writeShared(ctx, catalog)
		return catalog, nil
	})
	if err != nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.catalog != nil {
			return c.catalog, nil
		}
		return nil, err
	}
	return v.(*schema.Catalog), nil
}

func (c *CatalogCache) readShared(ctx context.Context) *schema.Catalog {
	if c.client == nil {
		return nil
	}
	raw, err := c.client.Get(ctx, c.key()).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	} else if err != nil {
		log.WithError(err).Warn("catalog read from fast store failed; probing directly")
		return nil
	}
	var catalog schema.Catalog
	if err := json.Unmarshal([]byte(raw), &catalog); err != nil {
		log.WithError(err).Warn("shared catalog entry is not decodable; ignoring")
		return nil
	}
	return &catalog
}

func (c *CatalogCache) writeShared(ctx context.Context, catalog *schema.Catalog) {
	if c.client == nil {
		return
	}
	b, err := json.Marshal(catalog)
	if err != nil {
		log.WithError(err).Warn("catalog is not encodable; skipping shared write")
		return
	}
	if err := c.client.Set(ctx, c.key(), b, c.ttl).Err(); err != nil {
		log.WithError(err).Warn("catalog write to fast store failed")
	}
}
