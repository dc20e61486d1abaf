package webhook

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses repeated deliveries of the same change within a short
// window. Graph batches aggressively and redelivers on slow acks, so a
// burst of identical notifications is normal, not an error.
type Deduper interface {
	// Seen reports whether key was already observed inside the window.
	// The first call for a key claims it.
	Seen(ctx context.Context, key string) bool
}

const dedupWindow = 30 * time.Second

// RedisDeduper claims notification keys with SET NX so the suppression
// window holds across replicas.
type RedisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) bool {
	claimed, err := d.client.SetNX(ctx, "notifdedup:"+key, 1, dedupWindow).Result()
	if err != nil {
		// Redis trouble must not drop notifications; syncs are idempotent
		// so processing a duplicate is the safe failure mode.
		log.Printf("[WARN] notification dedup unavailable: %v", err)
		return false
	}
	return !claimed
}

type noopDeduper struct{}

func (noopDeduper) Seen(context.Context, string) bool { return false }
