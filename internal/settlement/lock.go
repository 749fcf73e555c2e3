package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes settlement attempts for a session across replicas.
// Acquire reports ok=false when another holder owns the lock.
type Locker interface {
	Acquire(ctx context.Context, sessionID string, ttl time.Duration) (release func(), ok bool, err error)
}

// NopLocker always grants the lock. The ledger's unique constraint is the
// only guard.
type NopLocker struct{}

// Acquire implements Locker.
func (NopLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker holds settle:lock:<session> with SET NX.
type RedisLocker struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisLocker connects to url and verifies the connection.
func NewRedisLocker(ctx context.Context, url string, logger *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, logger: logger}, nil
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (func(), bool, error) {
	key := "settle:lock:" + sessionID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("set %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn("Failed to release settlement lock", "key", key, "error", err)
		}
	}
	return release, true, nil
}

// Ping verifies redis connectivity.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
