package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultRedisList is the list events are pushed to.
const DefaultRedisList = "extgov:events"

// RedisOption configures RedisSink and RedisConsumer.
type RedisOption func(*redisOptions)

type redisOptions struct {
	list      string
	maxLen    int64
	timeout   time.Duration
	blockTime time.Duration
}

func defaultRedisOptions() redisOptions {
	return redisOptions{
		list:      DefaultRedisList,
		maxLen:    10000,
		timeout:   2 * time.Second,
		blockTime: 5 * time.Second,
	}
}

// WithList sets the Redis list name.
func WithList(name string) RedisOption {
	return func(o *redisOptions) {
		if name != "" {
			o.list = name
		}
	}
}

// WithMaxLen caps the list length after each push. Zero disables trimming.
func WithMaxLen(n int64) RedisOption {
	return func(o *redisOptions) {
		if n >= 0 {
			o.maxLen = n
		}
	}
}

// WithTimeout bounds each push.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBlockTime sets how long the consumer's BRPOP waits per poll.
func WithBlockTime(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		if d > 0 {
			o.blockTime = d
		}
	}
}

// RedisSink pushes events as JSON onto a Redis list so observers in other
// processes can consume them.
type RedisSink struct {
	client redis.Cmdable
	opts   redisOptions
}

// NewRedisSink creates a RedisSink.
func NewRedisSink(client redis.Cmdable, opts ...RedisOption) *RedisSink {
	o := defaultRedisOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &RedisSink{client: client, opts: o}
}

func (s *RedisSink) Notify(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("event", string(e.Kind)).Msg("failed to encode event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.timeout)
	defer cancel()

	if err := s.client.LPush(ctx, s.opts.list, payload).Err(); err != nil {
		log.Warn().Err(err).Str("list", s.opts.list).Str("event", string(e.Kind)).Msg("event dropped, lpush failed")
		return
	}
	if s.opts.maxLen > 0 {
		if err := s.client.LTrim(ctx, s.opts.list, 0, s.opts.maxLen-1).Err(); err != nil {
			log.Warn().Err(err).Str("list", s.opts.list).Msg("failed to trim event list")
		}
	}
}

// RedisConsumer pops events pushed by a RedisSink and hands them to a
// local Sink, oldest first.
type RedisConsumer struct {
	client redis.Cmdable
	next   Sink
	opts   redisOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisConsumer creates a consumer delivering into next.
func NewRedisConsumer(client redis.Cmdable, next Sink, opts ...RedisOption) *RedisConsumer {
	o := defaultRedisOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &RedisConsumer{client: client, next: next, opts: o}
}

// Start begins polling in the background. Calling Start twice is a no-op.
func (c *RedisConsumer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop ends polling and waits for the poller to exit.
func (c *RedisConsumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

func (c *RedisConsumer) run(ctx context.Context) {
	log.Debug().Str("list", c.opts.list).Msg("event consumer started")
	defer log.Debug().Str("list", c.opts.list).Msg("event consumer stopped")

	for ctx.Err() == nil {
		res, err := c.client.BRPop(ctx, c.opts.blockTime, c.opts.list).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Str("list", c.opts.list).Msg("brpop failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if len(res) != 2 {
			log.Error().Strs("result", res).Msg("unexpected brpop result")
			continue
		}

		var e Event
		if err := json.Unmarshal([]byte(res[1]), &e); err != nil {
			log.Error().Err(err).Str("list", c.opts.list).Msg("skipping undecodable event")
			continue
		}
		c.next.Notify(e)
	}
}
