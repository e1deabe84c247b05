package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/extgov/meta"
)

// DefaultKeyPrefix is the default prefix for catalog keys.
const DefaultKeyPrefix = "extgov:catalog"

// setStatus updates enabled/reason on an existing record only.
var setStatus = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'enabled', ARGV[1], 'reason', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// Redis stores one hash per extension plus a set of registered ids:
//
//	<prefix>:ids          set of extension ids
//	<prefix>:ext:<id>     hash {descriptor, enabled, reason, updated_at}
type Redis struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// RedisOption configures a Redis catalog.
type RedisOption func(*Redis)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewRedis creates a Redis-backed catalog and checks connectivity.
func NewRedis(ctx context.Context, client redis.Cmdable, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("catalog: redis client is required")
	}
	r := &Redis{client: client, prefix: DefaultKeyPrefix, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("failed to connect to redis")
		return nil, fmt.Errorf("catalog: connecting to redis: %w", err)
	}
	log.Info().Str("prefix", r.prefix).Msg("redis catalog initialized")
	return r, nil
}

func (r *Redis) idsKey() string             { return r.prefix + ":ids" }
func (r *Redis) recordKey(id string) string { return r.prefix + ":ext:" + id }

func (r *Redis) Register(ctx context.Context, desc meta.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("catalog: encoding descriptor: %w", err)
	}

	key := r.recordKey(desc.ID)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"descriptor", data,
			"enabled", "0",
			"reason", "",
			"updated_at", r.stamp(),
		)
		p.SAdd(ctx, r.idsKey(), desc.ID)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("extension", desc.ID).Msg("failed to register catalog record")
		return fmt.Errorf("catalog: register %s: %w", desc.ID, err)
	}
	return nil
}

func (r *Redis) Unregister(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.recordKey(id))
		p.SRem(ctx, r.idsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("catalog: unregister %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Enable(ctx context.Context, id string) error {
	return r.set(ctx, id, true, "")
}

func (r *Redis) Disable(ctx context.Context, id, reason string) error {
	return r.set(ctx, id, false, reason)
}

func (r *Redis) set(ctx context.Context, id string, enabled bool, reason string) error {
	flag := "0"
	if enabled {
		flag = "1"
	}
	n, err := setStatus.Run(ctx, r.client, []string{r.recordKey(id)}, flag, reason, r.stamp()).Int()
	if err != nil {
		return fmt.Errorf("catalog: updating %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) IsEnabled(ctx context.Context, id string) bool {
	v, err := r.client.HGet(ctx, r.recordKey(id), "enabled").Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Error().Err(err).Str("extension", id).Msg("catalog lookup failed, treating extension as disabled")
		}
		return false
	}
	return v == "1"
}

func (r *Redis) Get(ctx context.Context, id string) (*meta.Record, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("catalog: get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(fields)
}

func (r *Redis) List(ctx context.Context) ([]meta.Record, error) {
	ids, err := r.client.SMembers(ctx, r.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("catalog: listing ids: %w", err)
	}
	if len(ids) == 0 {
		return []meta.Record{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: listing records: %w", err)
	}

	out := make([]meta.Record, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// unregistered between SMEMBERS and HGETALL
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			log.Warn().Err(err).Str("extension", ids[i]).Msg("skipping undecodable catalog record")
			continue
		}
		out = append(out, *rec)
	}
	sortRecords(out)
	return out, nil
}

func (r *Redis) stamp() string {
	return strconv.FormatInt(r.now().UnixNano(), 10)
}

func decodeRecord(fields map[string]string) (*meta.Record, error) {
	var rec meta.Record
	if err := json.Unmarshal([]byte(fields["descriptor"]), &rec.Descriptor); err != nil {
		return nil, fmt.Errorf("catalog: decoding descriptor: %w", err)
	}
	rec.Enabled = fields["enabled"] == "1"
	rec.Reason = fields["reason"]
	if ns, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.Unix(0, ns)
	}
	return &rec, nil
}
