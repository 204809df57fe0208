package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tessera-analytics/tessera/go/compiler"
)

// RedisPoint resolves point lookups against the key-value store. A lookup
// key is <table>:<key>; the value is either a hash of field → text or a
// JSON document, both of which flatten into one result row.
type RedisPoint struct {
	client *redis.Client
}

// NewRedisPoint wraps an established client.
func NewRedisPoint(client *redis.Client) *RedisPoint {
	return &RedisPoint{client: client}
}

var _ KVClient = (*RedisPoint)(nil)

func (p *RedisPoint) Lookup(ctx context.Context, table, key string) (map[string]any, error) {
	var storeKey = fmt.Sprintf("%s:%s", table, key)

	// HGETALL errors with WRONGTYPE when the key holds a plain value, so a
	// hash miss falls through to GET rather than surfacing.
	fields, hashErr := p.client.HGetAll(ctx, storeKey).Result()
	if hashErr == nil && len(fields) > 0 {
		var doc = make(map[string]any, len(fields))
		for k, v := range fields {
			doc[k] = v
		}
		return doc, nil
	}

	raw, err := p.client.Get(ctx, storeKey).Result()
	if errors.Is(err, redis.Nil) {
		if hashErr != nil {
			return nil, &RouterError{Kind: KindStoreUnavailable, Target: compiler.StorePoint, Err: hashErr}
		}
		return nil, nil
	} else if err != nil {
		return nil, &RouterError{Kind: KindStoreUnavailable, Target: compiler.StorePoint, Err: err}
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &RouterError{Kind: KindQueryFailed, Target: compiler.StorePoint,
			Err: fmt.Errorf("key %q does not hold a JSON document: %w", storeKey, err)}
	}
	return doc, nil
}
