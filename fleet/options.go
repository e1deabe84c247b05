package fleet

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults.
const (
	DefaultKeyPrefix        = "extgov:hosts"
	DefaultTTL              = 30 * time.Second
	DefaultHeartbeatDivisor = 3
)

type options struct {
	prefix    string
	ttl       time.Duration
	heartbeat time.Duration
}

// Option configures a Registry.
type Option func(*options)

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTTL sets how long an announcement survives without a heartbeat.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		} else {
			log.Warn().Dur("invalid_ttl", ttl).Msg("ignoring non-positive ttl option")
		}
	}
}

// WithHeartbeatInterval sets how often announcements are renewed.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.heartbeat = interval
		} else {
			log.Warn().Dur("invalid_heartbeat", interval).Msg("ignoring non-positive heartbeat interval option")
		}
	}
}

func newOptions(opts ...Option) options {
	o := options{prefix: DefaultKeyPrefix, ttl: DefaultTTL}
	for _, fn := range opts {
		fn(&o)
	}
	if o.heartbeat <= 0 || o.heartbeat >= o.ttl {
		adjusted := o.ttl / DefaultHeartbeatDivisor
		if adjusted <= 0 {
			adjusted = time.Second
		}
		if o.heartbeat > 0 {
			log.Warn().Dur("configured_heartbeat", o.heartbeat).Dur("ttl", o.ttl).Dur("adjusted_heartbeat", adjusted).Msg("heartbeat interval was >= ttl, adjusted")
		}
		o.heartbeat = adjusted
	}
	return o
}
