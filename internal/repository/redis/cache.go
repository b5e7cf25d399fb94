package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/tix-reserve/internal/metrics"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache stores read views of events as JSON. A nil *Cache disables caching:
// every lookup goes to the loader and every invalidation succeeds.
type Cache struct {
	rdb   *redis.Client
	loads singleflight.Group
}

func New(client *redis.Client) *Cache {
	return &Cache{rdb: client}
}

// lookup reports found=false for a missing key. Undecodable payloads are
// treated as missing so the next load overwrites them.
func lookup[T any](ctx context.Context, c *Cache, key string) (v T, found bool, err error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return v, false, nil
	case err != nil:
		return v, false, err
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, nil
	}

	return v, true, nil
}

func store(ctx context.Context, c *Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis.store %s: %w", key, err)
	}

	return c.rdb.Set(ctx, key, string(raw), ttl).Err()
}

// storeIfCurrent writes KEYS[1] only while the generation counter KEYS[2]
// still holds ARGV[1].
var storeIfCurrent = redis.NewScript(`
local cur = redis.call('GET', KEYS[2]) or ''
if cur ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// bumpAndDrop advances the generation counter KEYS[1] and deletes the views
// in the remaining keys.
var bumpAndDrop = redis.NewScript(`
redis.call('INCR', KEYS[1])
return redis.call('DEL', unpack(KEYS, 2))
`)

func storeGuarded(ctx context.Context, c *Cache, key, gen, seen string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis.storeGuarded %s: %w", key, err)
	}

	stored, err := storeIfCurrent.Run(ctx, c.rdb, []string{key, gen}, seen, string(raw), ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if stored == 0 {
		metrics.CacheLookups.WithLabelValues("stale").Inc()
	}

	return nil
}

// GetOrSetJSON serves key from the cache, or runs loader and caches its result
// for ttl. Concurrent misses on one key share a single loader call. Redis
// failures fall through to the loader; loader errors are never cached.
//
// When gen is set it names a generation counter bumped on invalidation. A load
// that overlaps a bump is returned to its callers but not written back.
func GetOrSetJSON[T any](
	ctx context.Context,
	c *Cache,
	key, gen string,
	ttl time.Duration,
	loader func(ctx context.Context) (T, error),
) (T, error) {
	if c == nil {
		return loader(ctx)
	}

	v, found, err := lookup[T](ctx, c, key)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues("error").Inc()
	case found:
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return v, nil
	default:
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	flight, seen, cacheable := key, "", true
	if gen != "" {
		seen, err = c.rdb.Get(ctx, gen).Result()
		switch {
		case errors.Is(err, redis.Nil):
			seen = ""
		case err != nil:
			cacheable = false
		}
		flight = key + "@" + seen
	}

	shared, err, _ := c.loads.Do(flight, func() (any, error) {
		// a concurrent caller may have filled the key while we waited
		if v, found, err := lookup[T](ctx, c, key); err == nil && found {
			return v, nil
		}

		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}

		switch {
		case !cacheable:
		case gen != "":
			_ = storeGuarded(ctx, c, key, gen, seen, v, ttl)
		default:
			_ = store(ctx, c, key, v, ttl)
		}

		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return shared.(T), nil
}

// InvalidateEvent drops every cached view of an event and advances its
// generation so in-flight loads do not write the old views back. It is a
// no-op on a nil receiver.
func (c *Cache) InvalidateEvent(ctx context.Context, eventID int64) error {
	if c == nil {
		return nil
	}

	keys := []string{KeyEventGeneration(eventID), KeyEvent(eventID), KeyEventAvailability(eventID)}
	return bumpAndDrop.Run(ctx, c.rdb, keys).Err()
}
