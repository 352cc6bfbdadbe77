package receipts

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper claims a key for a window. Claim returns true only for the first
// caller within the window.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
}

type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, "receipt_sent:"+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

// MemoryDeduper keeps claims in process memory.
type MemoryDeduper struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		ttl:    ttl,
		claims: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.claims[key]; ok && (d.ttl <= 0 || now.Sub(at) < d.ttl) {
		return false, nil
	}
	d.claims[key] = now
	return true, nil
}
