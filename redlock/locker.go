// Package redlock provides a Redis lock held by a single owner token, and a
// Guard built on it that keeps at most one lifecycle operation in flight per
// extension id across every host sharing the Redis instance.
package redlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultTTL        = 30 * time.Second
	defaultRetryDelay = 100 * time.Millisecond
	defaultMaxRetries = 30
)

var (
	// ErrLockNotAcquired is returned when the lock is held by another owner.
	ErrLockNotAcquired = errors.New("redlock: lock not acquired")
	// ErrLockLost is returned when the lock expired or changed owner while held.
	ErrLockLost = errors.New("redlock: lock lost")
	// ErrLockWaitTimeout is returned when Lock gives up because ctx ended.
	ErrLockWaitTimeout = errors.New("redlock: waiting for lock timed out or context cancelled")
	// ErrLockMaxRetriesExceeded is returned when Lock runs out of attempts.
	ErrLockMaxRetriesExceeded = errors.New("redlock: maximum lock retries exceeded")
)

// Both scripts act only when the key still holds our token.
var (
	unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

// Locker is a lock on one Redis key.
type Locker struct {
	client     redis.Cmdable
	key        string
	token      string
	ttl        time.Duration
	retryDelay time.Duration
	maxRetries int
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets the lock expiry. Non-positive values keep the default of 30s.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryDelay sets the wait between attempts in Lock.
func WithRetryDelay(delay time.Duration) Option {
	return func(l *Locker) {
		if delay > 0 {
			l.retryDelay = delay
		}
	}
}

// WithMaxRetries bounds the attempts in Lock. Zero means retry until ctx ends.
func WithMaxRetries(retries int) Option {
	return func(l *Locker) {
		if retries >= 0 {
			l.maxRetries = retries
		}
	}
}

// NewLocker creates a Locker for key.
func NewLocker(client redis.Cmdable, key string, opts ...Option) *Locker {
	l := &Locker{
		client:     client,
		key:        key,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Key returns the locked key.
func (l *Locker) Key() string { return l.key }

// TTL returns the configured expiry.
func (l *Locker) TTL() time.Duration { return l.ttl }

// TryLock makes a single attempt.
func (l *Locker) TryLock(ctx context.Context) error {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ErrLockWaitTimeout
		}
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute setnx")
		return err
	}
	if !ok {
		return ErrLockNotAcquired
	}
	l.token = token
	log.Debug().Str("key", l.key).Dur("ttl", l.ttl).Msg("lock acquired")
	return nil
}

// Lock retries TryLock until it succeeds, ctx ends, or the retry budget runs out.
func (l *Locker) Lock(ctx context.Context) error {
	err := l.TryLock(ctx)
	if !errors.Is(err, ErrLockNotAcquired) {
		return err
	}

	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			log.Warn().Str("key", l.key).Int("attempts", attempt).Msg("gave up waiting for lock")
			return ErrLockWaitTimeout
		case <-ticker.C:
		}
		err := l.TryLock(ctx)
		if !errors.Is(err, ErrLockNotAcquired) {
			return err
		}
		if l.maxRetries > 0 && attempt >= l.maxRetries {
			return ErrLockMaxRetriesExceeded
		}
	}
}

// Extend resets the expiry of a held lock.
func (l *Locker) Extend(ctx context.Context) error {
	if l.token == "" {
		return ErrLockLost
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Unlock releases a held lock. Releasing a lock that already expired is
// reported as ErrLockLost.
func (l *Locker) Unlock(ctx context.Context) error {
	if l.token == "" {
		return ErrLockLost
	}
	token := l.token
	l.token = ""

	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute unlock script")
		return err
	}
	if n == 0 {
		log.Warn().Str("key", l.key).Msg("lock expired or changed owner before unlock")
		return ErrLockLost
	}
	log.Debug().Str("key", l.key).Msg("lock released")
	return nil
}
