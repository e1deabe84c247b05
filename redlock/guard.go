package redlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultGuardPrefix is the key prefix used by Guard.
const DefaultGuardPrefix = "extgov:lock"

// Guard hands out one lock per extension id. A held lock is refreshed in the
// background at a third of its TTL until released, so operations longer
// than the TTL keep ownership while a crashed holder's lock still expires.
type Guard struct {
	client redis.Cmdable
	prefix string
	opts   []Option
}

// NewGuard creates a Guard. opts are applied to every per-id Locker.
func NewGuard(client redis.Cmdable, prefix string, opts ...Option) *Guard {
	if prefix == "" {
		prefix = DefaultGuardPrefix
	}
	return &Guard{client: client, prefix: prefix, opts: opts}
}

// Acquire takes the lock for id without waiting. It returns
// ErrLockNotAcquired when another owner holds it.
func (g *Guard) Acquire(ctx context.Context, id string) (func(), error) {
	l := NewLocker(g.client, g.prefix+":"+id, g.opts...)
	if err := l.TryLock(ctx); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keepAlive(l, stop)
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.Unlock(ctx); err != nil && !errors.Is(err, ErrLockLost) {
				log.Error().Err(err).Str("extension", id).Msg("failed to release operation lock")
			}
		})
	}
	return release, nil
}

func keepAlive(l *Locker, stop <-chan struct{}) {
	interval := l.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := l.Extend(ctx); err != nil {
				log.Error().Err(err).Str("key", l.Key()).Msg("failed to extend operation lock")
				if errors.Is(err, ErrLockLost) {
					return
				}
			}
		}
	}
}
