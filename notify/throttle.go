package notify

import (
	"context"
)

// Allower is the rate limiter contract Throttle needs.
type Allower interface {
	Allow(ctx context.Context, class, subject string) bool
}

// Throttle drops events that the limiter rejects, keyed by event kind and
// extension id. Which kinds are limited is decided by the limiter's rules.
func Throttle(next Sink, limiter Allower) Sink {
	return SinkFunc(func(e Event) {
		if !limiter.Allow(context.Background(), string(e.Kind), e.ExtensionID) {
			return
		}
		next.Notify(e)
	})
}
