package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *clock                   { return &clock{t: time.Unix(1_700_000_000, 0)} }

func TestMemoryStoreBucket(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewMemoryStore()
	s.now = c.now

	for i := 0; i < 3; i++ {
		ok, err := s.Allow(ctx, "k", 3, 30)
		require.NoError(t, err)
		assert.True(t, ok, "token %d", i)
	}
	ok, _ := s.Allow(ctx, "k", 3, 30)
	assert.False(t, ok)

	c.advance(10 * time.Second)
	ok, _ = s.Allow(ctx, "k", 3, 30)
	assert.True(t, ok, "one token refills every 10s")
	ok, _ = s.Allow(ctx, "k", 3, 30)
	assert.False(t, ok)

	ok, _ = s.Allow(ctx, "other", 3, 30)
	assert.True(t, ok, "keys are independent")

	s.Forget("k")
	ok, _ = s.Allow(ctx, "k", 3, 30)
	assert.True(t, ok)
}

func TestRedisStoreBucket(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := newClock()
	s := NewRedisStore(client, "")
	s.now = c.now

	for i := 0; i < 2; i++ {
		ok, err := s.Allow(ctx, "slowdown|reader", 2, 60)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.Allow(ctx, "slowdown|reader", 2, 60)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists(DefaultRedisPrefix+":slowdown|reader"))

	c.advance(30 * time.Second)
	ok, err = s.Allow(ctx, "slowdown|reader", 2, 60)
	require.NoError(t, err)
	assert.True(t, ok)
}

type brokenStore struct{}

func (brokenStore) Allow(context.Context, string, float64, float64) (bool, error) {
	return false, errors.New("down")
}

func TestLimiterAllow(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Rules: []Rule{{Class: "slowdown", Rate: 1, Period: 60}}}
	require.NoError(t, cfg.ValidateAndPrepare())
	assert.Equal(t, StorageMemory, cfg.StorageType)

	l := New(cfg, NewMemoryStore())
	assert.True(t, l.Allow(ctx, "slowdown", "reader"))
	assert.False(t, l.Allow(ctx, "slowdown", "reader"))
	assert.True(t, l.Allow(ctx, "slowdown", "viewer"))
	assert.True(t, l.Allow(ctx, "auto_disabled", "reader"), "classes without a rule pass")

	failing := New(cfg, brokenStore{})
	assert.True(t, failing.Allow(ctx, "slowdown", "reader"))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad storage", Config{StorageType: "etcd"}},
		{"no class", Config{Rules: []Rule{{Rate: 1, Period: 1}}}},
		{"duplicate", Config{Rules: []Rule{{Class: "a", Rate: 1, Period: 1}, {Class: "a", Rate: 1, Period: 1}}}},
		{"zero rate", Config{Rules: []Rule{{Class: "a", Period: 1}}}},
		{"zero period", Config{Rules: []Rule{{Class: "a", Rate: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.ValidateAndPrepare())
		})
	}
}
