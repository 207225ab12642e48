package lock

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-group-report/internal/domain"
)

// ErrBusy означает, что другой прогон уже держит блокировку.
var ErrBusy = fmt.Errorf("прогон уже выполняется")

// RedisLock защищает прогон через SETNX с TTL.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

var _ domain.RunLock = (*RedisLock)(nil)

// NewRedis создаёт блокировку по ключу.
func NewRedis(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// Acquire берёт блокировку или возвращает ErrBusy.
func (l *RedisLock) Acquire(ctx context.Context) (func(), error) {
	ok, err := l.client.SetNX(ctx, l.key, strconv.Itoa(os.Getpid()), l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return func() {
		delCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.client.Del(delCtx, l.key).Err()
	}, nil
}

// FileLock — запасной вариант без Redis: эксклюзивный lock-файл с PID.
type FileLock struct {
	path string
}

var _ domain.RunLock = (*FileLock)(nil)

// NewFile создаёт файловую блокировку по указанному пути.
func NewFile(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire создаёт lock-файл атомарно; существующий файл означает ErrBusy.
func (l *FileLock) Acquire(_ context.Context) (func(), error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("lock-файл: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	_ = f.Close()
	return func() { _ = os.Remove(l.path) }, nil
}
