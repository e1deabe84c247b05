package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	sink := Multi(a, nil, b)
	sink.Notify(Event{Kind: KindSlowdown, ExtensionID: "reader"})

	assert.Len(t, a.all(), 1)
	assert.Len(t, b.all(), 1)
}

func TestBrokerFiltersKinds(t *testing.T) {
	b := NewBroker()
	disabled, err := b.Subscribe(4, KindAutoDisabled)
	require.NoError(t, err)
	everything, err := b.Subscribe(4)
	require.NoError(t, err)

	b.Notify(Event{Kind: KindSlowdown, ExtensionID: "reader"})
	b.Notify(Event{Kind: KindAutoDisabled, ExtensionID: "reader", Reason: "error threshold"})

	got := <-disabled.C
	assert.Equal(t, "error threshold", got.Reason)
	assert.Len(t, disabled.C, 0)
	assert.Len(t, everything.C, 2)

	disabled.Close()
	disabled.Close()
	_, open := <-disabled.C
	assert.False(t, open)
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker()
	sub, err := b.Subscribe(1)
	require.NoError(t, err)

	b.Notify(Event{Kind: KindSlowdown})
	b.Notify(Event{Kind: KindSlowdown})
	assert.Len(t, sub.C, 1)
}

func TestBrokerClose(t *testing.T) {
	b := NewBroker()
	sub, err := b.Subscribe(1)
	require.NoError(t, err)

	b.Close()
	b.Notify(Event{Kind: KindSlowdown})
	_, open := <-sub.C
	assert.False(t, open)

	_, err = b.Subscribe(1)
	assert.ErrorIs(t, err, errBrokerClosed)
	sub.Close()
}

type allowOnce struct{ seen map[string]bool }

func (a *allowOnce) Allow(_ context.Context, class, subject string) bool {
	key := class + "|" + subject
	if a.seen[key] {
		return false
	}
	a.seen[key] = true
	return true
}

func TestThrottle(t *testing.T) {
	rec := &recorder{}
	sink := Throttle(rec, &allowOnce{seen: map[string]bool{}})

	sink.Notify(Event{Kind: KindSlowdown, ExtensionID: "reader"})
	sink.Notify(Event{Kind: KindSlowdown, ExtensionID: "reader"})
	sink.Notify(Event{Kind: KindSlowdown, ExtensionID: "viewer"})
	sink.Notify(Event{Kind: KindAutoDisabled, ExtensionID: "reader"})

	assert.Len(t, rec.all(), 3)
}

func TestRedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, WithList("events"), WithMaxLen(10))
	for i := 0; i < 3; i++ {
		sink.Notify(Event{Kind: KindSlowdown, ExtensionID: "reader", Duration: time.Duration(i+1) * time.Second})
	}

	rec := &recorder{}
	consumer := NewRedisConsumer(client, rec, WithList("events"), WithBlockTime(50*time.Millisecond))
	consumer.Start()
	consumer.Start()
	defer consumer.Stop()

	require.Eventually(t, func() bool { return len(rec.all()) == 3 }, 2*time.Second, 10*time.Millisecond)
	got := rec.all()
	assert.Equal(t, time.Second, got[0].Duration, "consumed oldest first")
	assert.Equal(t, KindSlowdown, got[2].Kind)
}

func TestRedisSinkTrims(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, WithMaxLen(2))
	for i := 0; i < 5; i++ {
		sink.Notify(Event{Kind: KindSlowdown, ExtensionID: "reader"})
	}
	list, err := mr.List(DefaultRedisList)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestLogSinkDoesNotPanic(t *testing.T) {
	LogSink{}.Notify(Event{Kind: KindAutoDisabled, ExtensionID: "reader", Reason: "memory ceiling exceeded", MemoryMB: 120})
	LogSink{}.Notify(Event{Kind: KindInstallCompleted, ExtensionID: "reader", OperationID: "op", Seq: 1})
}
