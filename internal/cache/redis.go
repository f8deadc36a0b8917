package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis-backed cache tier.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
}

type redisCache struct {
	client *redis.Client
}

// NewRedis opens a redis-backed cache. The connection is verified lazily;
// call Ping to check it eagerly.
func NewRedis(opts RedisOptions) Cache {
	return &redisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Address,
			Password: opts.Password,
			DB:       opts.DB,
		}),
	}
}

func (c *redisCache) Get(ctx context.Context, key string) (bool, string, error) {
	s, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, s, nil
}

func (c *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	// Negative TTL means "do not cache".
	if ttl < 0 {
		return nil
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *redisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
