package limiter

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed limiter.lua
var bucketScriptSource string

var bucketScript = redis.NewScript(bucketScriptSource)

// DefaultRedisPrefix namespaces bucket keys in Redis.
const DefaultRedisPrefix = "extgov:ratelimit"

// RedisStore is a Store shared by every host using the same Redis. Buckets
// are updated by a Lua script so concurrent callers never double-spend.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a RedisStore. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, rate, period float64) (bool, error) {
	now := float64(s.now().UnixNano()) / 1e9
	res, err := bucketScript.Run(ctx, s.client, []string{s.prefix + ":" + key}, rate, rate/period, now, 1).Int64()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("rate limit script failed")
		return false, fmt.Errorf("limiter: %s: %w", key, err)
	}
	return res == 1, nil
}
