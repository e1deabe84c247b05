// Package fleet lets hosts that share one Redis-backed catalog find each
// other. Every running host announces itself under a key with a TTL and
// renews it on a heartbeat; a host that stops heartbeating drops out of
// Discover once its key expires.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Host is one announced extgov process.
type Host struct {
	ID string `json:"id"`
	// Address is where the host serves gRPC health.
	Address string `json:"address"`
	// HostAPI is the host API version the host resolves against.
	HostAPI   string    `json:"host_api"`
	Hostname  string    `json:"hostname,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

func (h *Host) String() string { return h.ID + "@" + h.Address }

// Registry announces and discovers hosts.
type Registry struct {
	opts   options
	client redis.Cmdable

	mu    sync.Mutex
	stops map[string]chan struct{} // key -> heartbeat stop
	wg    sync.WaitGroup
}

// NewRegistry creates a Registry after checking that Redis answers.
func NewRegistry(ctx context.Context, client redis.Cmdable, opts ...Option) (*Registry, error) {
	if client == nil {
		return nil, errors.New("fleet: redis client is required")
	}
	o := newOptions(opts...)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("fleet: connecting to redis: %w", err)
	}
	log.Debug().Str("prefix", o.prefix).Dur("ttl", o.ttl).Dur("heartbeat", o.heartbeat).Msg("fleet registry initialized")
	return &Registry{opts: o, client: client, stops: make(map[string]chan struct{})}, nil
}

func (r *Registry) key(id string) string { return r.opts.prefix + ":" + id }

// Announce publishes h and keeps it alive until the returned withdraw func
// is called or the registry is closed. An empty ID is filled with a uuid.
func (r *Registry) Announce(ctx context.Context, h Host) (func(context.Context) error, error) {
	if h.Address == "" {
		return nil, errors.New("fleet: host address is required")
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now().UTC()
	}
	value, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("fleet: encoding host: %w", err)
	}

	key := r.key(h.ID)
	if err := r.client.Set(ctx, key, value, r.opts.ttl).Err(); err != nil {
		return nil, fmt.Errorf("fleet: announcing %s: %w", h.ID, err)
	}

	r.mu.Lock()
	if old, ok := r.stops[key]; ok {
		log.Warn().Str("key", key).Msg("stopping existing heartbeat for re-announcement")
		close(old)
	}
	stop := make(chan struct{})
	r.stops[key] = stop
	r.wg.Add(1)
	r.mu.Unlock()

	go r.keepAlive(key, value, stop)

	log.Info().Stringer("host", &h).Dur("ttl", r.opts.ttl).Msg("host announced")
	return func(ctx context.Context) error { return r.Withdraw(ctx, h.ID) }, nil
}

// keepAlive renews key every heartbeat and re-announces it if it expired.
func (r *Registry) keepAlive(key string, value []byte, stop <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.heartbeat)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := r.client.Expire(ctx, key, r.opts.ttl).Result()
			if err != nil {
				log.Error().Err(err).Str("key", key).Msg("heartbeat failed to renew ttl")
				continue
			}
			if ok {
				continue
			}
			if err := r.client.Set(ctx, key, value, r.opts.ttl).Err(); err != nil {
				log.Error().Err(err).Str("key", key).Msg("failed to re-announce expired host")
			} else {
				log.Info().Str("key", key).Msg("host re-announced after expiration")
			}
		}
	}
}

// Withdraw removes host id and stops its heartbeat. Withdrawing an unknown
// host is not an error.
func (r *Registry) Withdraw(ctx context.Context, id string) error {
	key := r.key(id)
	r.mu.Lock()
	if stop, ok := r.stops[key]; ok {
		close(stop)
		delete(r.stops, key)
	}
	r.mu.Unlock()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("fleet: withdrawing %s: %w", id, err)
	}
	log.Info().Str("host", id).Msg("host withdrawn")
	return nil
}

// Discover returns every live host ordered by id.
func (r *Registry) Discover(ctx context.Context) ([]Host, error) {
	keys, err := r.scan(ctx, r.opts.prefix+":*")
	if err != nil {
		return nil, fmt.Errorf("fleet: scanning hosts: %w", err)
	}
	hosts := make([]Host, 0, len(keys))
	if len(keys) == 0 {
		return hosts, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fleet: reading hosts: %w", err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var h Host
		if err := json.Unmarshal([]byte(s), &h); err != nil {
			log.Warn().Err(err).Str("key", keys[i]).Msg("skipping malformed host entry")
			continue
		}
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID < hosts[j].ID })
	return hosts, nil
}

func (r *Registry) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Close stops every heartbeat started by this registry. Announced keys are
// left to expire; it does not close the Redis client.
func (r *Registry) Close() error {
	r.mu.Lock()
	for key, stop := range r.stops {
		close(stop)
		delete(r.stops, key)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}
