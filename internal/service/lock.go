package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

func agreementLockKey(id int64) string {
	return fmt.Sprintf("payment_lock:%d", id)
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another cycle is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a try-lock shared by every process using the same Redis.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, models.ErrLocked
	}

	release := func() {
		if err := releaseScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil {
			telemetry.Logger.Warn("Failed to release lock",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
	return release, nil
}

// KeyedMutexLocker is the in-process fallback when Redis is not configured.
type KeyedMutexLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedMutexLocker() *KeyedMutexLocker {
	return &KeyedMutexLocker{held: make(map[string]struct{})}
}

func (l *KeyedMutexLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, models.ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
