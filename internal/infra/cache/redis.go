package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-group-report/internal/domain"
)

// ErrMiss возвращается, когда ключа в кэше нет.
var ErrMiss = errors.New("cache: miss")

// RedisCache реализует domain.Cache через Redis. Используется для кэширования
// AI-резюме, чтобы повторный прогон отчёта не дёргал суммаризатор заново.
type RedisCache struct {
	client *redis.Client
}

var _ domain.Cache = (*RedisCache)(nil)

// NewRedis создаёт кэш.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set задаёт значение с TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get возвращает значение или ErrMiss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return data, err
}

// Noop — кэш-заглушка, когда Redis не настроен.
type Noop struct{}

var _ domain.Cache = Noop{}

// Set ничего не делает.
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }

// Get всегда промахивается.
func (Noop) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }
