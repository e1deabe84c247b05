package limiter

import (
	"context"
	"time"
)

// Store keeps token bucket state per key.
type Store interface {
	// Allow takes one token from the bucket for key. rate is the bucket
	// capacity and period the seconds needed to refill it completely.
	Allow(ctx context.Context, key string, rate, period float64) (bool, error)
}

// Storage backends accepted by Config.StorageType.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

type bucket struct {
	tokens float64
	last   time.Time
}
