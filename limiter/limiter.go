// Package limiter is a token bucket rate limiter keyed by (class, subject),
// used to keep repeated per-extension notifications from flooding sinks.
package limiter

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Limiter applies Config rules through a Store.
type Limiter struct {
	rules map[string]Rule
	store Store
}

// New creates a Limiter. cfg must have passed ValidateAndPrepare.
func New(cfg Config, store Store) *Limiter {
	rules := make(map[string]Rule, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules[r.Class] = r
	}
	return &Limiter{rules: rules, store: store}
}

// Allow reports whether one more event of class for subject may pass.
// Classes without a rule are never limited. Store failures let the event
// through.
func (l *Limiter) Allow(ctx context.Context, class, subject string) bool {
	rule, ok := l.rules[class]
	if !ok {
		return true
	}
	allowed, err := l.store.Allow(ctx, class+"|"+subject, rule.Rate, rule.Period)
	if err != nil {
		log.Error().Err(err).Str("class", class).Str("subject", subject).Msg("rate limit check failed, allowing")
		return true
	}
	if !allowed {
		log.Debug().Str("class", class).Str("subject", subject).Msg("rate limit exceeded")
	}
	return allowed
}
