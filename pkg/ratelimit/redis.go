package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript atomically bumps the bucket and sets its expiry on first use.
// The TTL is twice the window so late readers still see the closing count.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisBuckets is the hot-path bucket store. Keys carry the window start, so
// each window is its own key and expiry replaces pruning.
type RedisBuckets struct {
	client redis.UniversalClient
}

// NewRedisBuckets wraps a connected client.
func NewRedisBuckets(client redis.UniversalClient) *RedisBuckets {
	return &RedisBuckets{client: client}
}

// Incr implements BucketStore.
func (r *RedisBuckets) Incr(ctx context.Context, key string, windowStart time.Time, windowSec int) (int, error) {
	redisKey := fmt.Sprintf("rl:%s:%d", key, windowStart.Unix())
	count, err := incrScript.Run(ctx, r.client, []string{redisKey}, windowSec*2).Int()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return count, nil
}

// Prune implements BucketStore. Redis buckets expire on their own.
func (r *RedisBuckets) Prune(ctx context.Context, olderThan time.Time, limit int) error {
	return nil
}
