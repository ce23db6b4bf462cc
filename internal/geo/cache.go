package geo

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"postparser/internal/metrics"
)

// CachedIndex memoizes Search results of an inner index in Redis. Redis
// failures are logged and the inner index is queried directly.
type CachedIndex struct {
	inner  Index
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewCachedIndex(inner Index, rdb redis.UniversalClient, ttl time.Duration, prefix string) *CachedIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if prefix == "" {
		prefix = "postparser:geo:"
	}
	return &CachedIndex{inner: inner, rdb: rdb, ttl: ttl, prefix: prefix}
}

func (c *CachedIndex) key(query string) string {
	sum := sha1.Sum([]byte(query))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *CachedIndex) Search(ctx context.Context, query string) ([]IndexMatch, error) {
	key := c.key(query)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var hits []IndexMatch
		if jerr := json.Unmarshal(raw, &hits); jerr == nil {
			metrics.GeoCacheTotal.WithLabelValues("hit").Inc()
			return hits, nil
		}
		log.Printf("geo cache: dropping undecodable entry for %q", query)
	case err == redis.Nil:
	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("geo cache: get %q: %v", query, err)
	}
	metrics.GeoCacheTotal.WithLabelValues("miss").Inc()

	hits, err := c.inner.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []IndexMatch{}
	}
	if b, err := json.Marshal(hits); err == nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			log.Printf("geo cache: set %q: %v", query, err)
		}
	}
	return hits, nil
}

// Flush deletes every cached query under the prefix. Called after a
// gazetteer sync so stale hierarchies are not served.
func (c *CachedIndex) Flush(ctx context.Context) (int, error) {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.prefix+"*", 200).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
