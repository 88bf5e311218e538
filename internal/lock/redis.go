package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete 仅当持有者匹配时删除
var compareAndDelete = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	else
		return 0
	end`)

// RedisCache 基于 go-redis 的 Cache 实现
type RedisCache struct {
	rdb redis.Cmdable
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(rdb redis.Cmdable) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) SetIfAbsent(ctx context.Context, key, value string, ttlSeconds int64) (bool, error) {
	ttlSeconds = min(max(ttlSeconds, 1), MaxTTLSeconds)
	return c.rdb.SetNX(ctx, key, value, time.Duration(ttlSeconds)*time.Second).Result()
}

func (c *RedisCache) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.rdb, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
