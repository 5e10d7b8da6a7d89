package reconcile

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers webhook deliveries for a short window. It only saves
// work: the conditional update on the instance row stays authoritative.
type Deduper interface {
	// Claim reports true the first time key is seen within the window.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a retried delivery is processed again.
	Release(ctx context.Context, key string) error
}

// RedisDeduper implements Deduper with SET NX and a TTL.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisDeduper{client: client, ttl: ttl, prefix: "flowtra:webhook:"}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, time.Now().Unix(), d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}
