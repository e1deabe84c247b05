package notify

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var errBrokerClosed = errors.New("notify: broker is closed")

const defaultBuffer = 64

// Broker is an in-memory fan-out Sink. Each subscription has its own
// buffered channel; an event is dropped for a subscriber whose buffer is
// full so a slow observer cannot stall the governor.
type Broker struct {
	mu     sync.RWMutex
	closed bool
	subs   map[string]*Subscription
}

// Subscription receives the events it filtered for on C.
type Subscription struct {
	ID     string
	C      <-chan Event
	ch     chan Event
	kinds  map[Kind]bool
	broker *Broker
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]*Subscription)}
}

// Subscribe registers a subscription for the given kinds, or for every kind
// when none are given. buffer <= 0 uses a default size.
func (b *Broker) Subscribe(buffer int, kinds ...Kind) (*Subscription, error) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, broker: b}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBrokerClosed
	}
	b.subs[s.ID] = s
	return s, nil
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.ID]; ok {
		delete(b.subs, s.ID)
		close(s.ch)
	}
}

func (b *Broker) Notify(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.kinds != nil && !s.kinds[e.Kind] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			log.Warn().Str("subscription", s.ID).Str("event", string(e.Kind)).Msg("subscriber buffer full, dropping event")
		}
	}
}

// Close closes every subscription. Later events are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
