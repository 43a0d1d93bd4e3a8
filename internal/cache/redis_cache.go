package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisCache stores JSON blobs keyed per day. A corrupt entry is dropped
// and reported as a miss; the caller rebuilds the timeline from the store
// and overwrites it.
type RedisCache struct {
	rdb *redis.Client
	log *logrus.Entry
}

func NewRedisCache(rdb *redis.Client, log *logrus.Entry) *RedisCache {
	return &RedisCache{rdb: rdb, log: log}
}

func (c *RedisCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("dropping corrupt cache entry")
		_ = c.rdb.Del(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

func (c *RedisCache) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}
