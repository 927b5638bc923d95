package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter implements WindowCounter on a shared Redis so multiple
// dispatcher instances observe one rps window per integration.
type RedisCounter struct {
	rdb       *redis.Client
	keyPrefix string // e.g. "rl:integ:"
}

func NewRedisCounter(rdb *redis.Client, keyPrefix string) *RedisCounter {
	if keyPrefix == "" {
		keyPrefix = "rl:integ:"
	}
	return &RedisCounter{rdb: rdb, keyPrefix: keyPrefix}
}

// Incr uses a fixed-window key rl:integ:{id}:{unix_sec} with a 2s expiry
// (safety margin past the window).
func (c *RedisCounter) Incr(ctx context.Context, integrationID string, windowSec int64) (int64, error) {
	key := c.keyPrefix + integrationID + ":" + strconv.FormatInt(windowSec, 10)

	pipe := c.rdb.Pipeline()
	cnt := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return cnt.Val(), nil
}
