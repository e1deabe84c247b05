package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, opts ...Option) (*miniredis.Miniredis, *Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	r, err := NewRegistry(context.Background(), client, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return mr, r
}

func TestAnnounceAndDiscover(t *testing.T) {
	ctx := context.Background()
	mr, r := newRegistry(t)

	withdraw, err := r.Announce(ctx, Host{ID: "b", Address: "10.0.0.2:7070", HostAPI: "2.0.0"})
	require.NoError(t, err)
	_, err = r.Announce(ctx, Host{ID: "a", Address: "10.0.0.1:7070", HostAPI: "2.0.0"})
	require.NoError(t, err)

	hosts, err := r.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "a", hosts[0].ID)
	assert.Equal(t, "10.0.0.2:7070", hosts[1].Address)
	assert.False(t, hosts[0].StartedAt.IsZero())
	assert.Equal(t, DefaultTTL, mr.TTL(DefaultKeyPrefix+":a"))

	require.NoError(t, withdraw(ctx))
	hosts, err = r.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "a", hosts[0].ID)
}

func TestAnnouncementExpires(t *testing.T) {
	ctx := context.Background()
	mr, r := newRegistry(t, WithTTL(time.Hour))
	_, err := r.Announce(ctx, Host{Address: "10.0.0.1:7070"})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	mr.FastForward(2 * time.Hour)
	hosts, err := r.Discover(ctx)
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestHeartbeatReannounces(t *testing.T) {
	ctx := context.Background()
	mr, r := newRegistry(t, WithTTL(time.Second), WithHeartbeatInterval(20*time.Millisecond))
	_, err := r.Announce(ctx, Host{ID: "a", Address: "10.0.0.1:7070"})
	require.NoError(t, err)

	mr.Del(DefaultKeyPrefix + ":a")
	require.Eventually(t, func() bool { return mr.Exists(DefaultKeyPrefix + ":a") }, time.Second, 10*time.Millisecond)
}

func TestAnnounceRequiresAddress(t *testing.T) {
	_, r := newRegistry(t)
	_, err := r.Announce(context.Background(), Host{ID: "a"})
	assert.Error(t, err)
}

func TestHeartbeatAdjusted(t *testing.T) {
	o := newOptions(WithTTL(3*time.Second), WithHeartbeatInterval(5*time.Second))
	assert.Equal(t, time.Second, o.heartbeat)
}

func TestWithdrawUnknown(t *testing.T) {
	_, r := newRegistry(t)
	assert.NoError(t, r.Withdraw(context.Background(), "nobody"))
}
