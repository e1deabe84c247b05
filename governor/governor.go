// Package governor watches extension executions and disables extensions
// that breach latency, memory or error policies. Policy decisions are
// reported to the catalog and to a notification sink; the governor never
// returns them to the code being measured.
package governor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/extgov/notify"
)

// Disable reasons.
const (
	ReasonErrorThreshold = "error threshold"
	ReasonSlowdown       = "repeated slowdown"
	ReasonMemory         = "memory ceiling exceeded"
	ReasonErrorRate      = "error-rate threshold"
)

const catalogTimeout = 5 * time.Second

// Catalog is the part of the extension catalog the governor drives.
type Catalog interface {
	Disable(ctx context.Context, id, reason string) error
	IsEnabled(ctx context.Context, id string) bool
}

// Option configures a Governor.
type Option func(*Governor)

// WithCatalog sets the catalog that auto-disables are written to.
func WithCatalog(c Catalog) Option {
	return func(g *Governor) { g.catalog = c }
}

// WithSink sets the notification sink.
func WithSink(s notify.Sink) Option {
	return func(g *Governor) {
		if s != nil {
			g.sink = s
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// Governor tracks every registered extension independently; there is no
// lock shared across extensions on the execution path.
type Governor struct {
	cfg     Config
	catalog Catalog
	sink    notify.Sink
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// entry is the per-extension state. Metric writers hold mu for reading;
// state changes hold it for writing, so once disable returns no further
// write can land until the extension is enabled again.
type entry struct {
	id string

	mu      sync.RWMutex
	active  bool
	pending string // disable reason not yet accepted by the catalog
	c       *counters

	startsMu sync.Mutex
	starts   map[string][]time.Time
}

func newEntry(id string) *entry {
	return &entry{
		id:     id,
		active: true,
		c:      new(counters),
		starts: make(map[string][]time.Time),
	}
}

// New creates a Governor. cfg must be valid.
func New(cfg Config, opts ...Option) *Governor {
	g := &Governor{
		cfg:     cfg,
		sink:    notify.Nop,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Config returns the thresholds in use.
func (g *Governor) Config() Config { return g.cfg }

func (g *Governor) lookup(id string) *entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entries[id]
}

// Register starts tracking id with fresh metrics in the active state.
// Registering a tracked id starts it over.
func (g *Governor) Register(id string) {
	g.mu.Lock()
	g.entries[id] = newEntry(id)
	g.mu.Unlock()
	log.Debug().Str("extension", id).Msg("extension registered for monitoring")
}

// Unregister drops every piece of state kept for id.
func (g *Governor) Unregister(id string) {
	g.mu.Lock()
	delete(g.entries, id)
	g.mu.Unlock()
	log.Debug().Str("extension", id).Msg("extension removed from monitoring")
}

// Enable is the operator re-enable: it makes id active again with zeroed
// metrics. An unknown id is registered.
func (g *Governor) Enable(id string) {
	e := g.lookup(id)
	if e == nil {
		g.Register(id)
		return
	}
	e.mu.Lock()
	e.active = true
	e.pending = ""
	e.resetLocked()
	e.mu.Unlock()
	log.Info().Str("extension", id).Msg("extension re-enabled, metrics reset")
}

// Reset zeroes the metrics of id without changing its state.
func (g *Governor) Reset(id string) {
	e := g.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
}

func (e *entry) resetLocked() {
	e.c = new(counters)
	e.startsMu.Lock()
	e.starts = make(map[string][]time.Time)
	e.startsMu.Unlock()
}

// IsActive reports whether id is tracked and not disabled.
func (g *Governor) IsActive(id string) bool {
	e := g.lookup(id)
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// StartExecution records the start of op for id. Concurrent executions of
// the same op are matched to EndExecution calls in start order.
func (g *Governor) StartExecution(id, op string) {
	e := g.lookup(id)
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.active {
		return
	}

	now := g.now()
	e.startsMu.Lock()
	e.starts[op] = append(e.starts[op], now)
	e.startsMu.Unlock()
	e.c.operations.Add(1)
}

// EndExecution records the outcome of the oldest unmatched start of op and
// applies the error-count and slowdown policies. An end without a matching
// start is ignored.
func (g *Governor) EndExecution(id, op string, success bool) {
	e := g.lookup(id)
	if e == nil {
		return
	}

	var (
		c        *counters
		elapsed  time.Duration
		errs     int64
		slow     int64
		isSlow   bool
		recorded bool
	)
	func() {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if !e.active {
			return
		}

		e.startsMu.Lock()
		queue := e.starts[op]
		if len(queue) == 0 {
			e.startsMu.Unlock()
			return
		}
		started := queue[0]
		if len(queue) == 1 {
			delete(e.starts, op)
		} else {
			rest := make([]time.Time, len(queue)-1)
			copy(rest, queue[1:])
			e.starts[op] = rest
		}
		e.startsMu.Unlock()

		elapsed = g.now().Sub(started)
		c = e.c
		c.totalNanos.Add(int64(elapsed))
		storeMax(&c.maxNanos, int64(elapsed))
		if success {
			c.successes.Add(1)
		} else {
			c.errors.Add(1)
		}
		errs = c.errors.Load()
		if elapsed > g.cfg.LatencyThreshold {
			isSlow = true
			slow = c.slow.Add(1)
		}
		recorded = true
	}()
	if !recorded {
		return
	}

	if isSlow {
		g.sink.Notify(notify.Event{Kind: notify.KindSlowdown, ExtensionID: id, Duration: elapsed, Time: g.now()})
	}

	switch {
	case !success && errs >= g.cfg.MaxErrors:
		if g.disable(e, c, ReasonErrorThreshold) {
			g.sink.Notify(notify.Event{Kind: notify.KindErrorThreshold, ExtensionID: id, ErrorCount: errs, Time: g.now()})
			g.announce(id, ReasonErrorThreshold)
		}
	case isSlow && slow > g.cfg.MaxSlow:
		if g.disable(e, c, ReasonSlowdown) {
			g.announce(id, ReasonSlowdown)
		}
	}
}

// RecordMemoryUsage records a memory report for id and applies the memory
// ceiling policy.
func (g *Governor) RecordMemoryUsage(id string, bytes int64) {
	e := g.lookup(id)
	if e == nil {
		return
	}

	c := func() *counters {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if !e.active {
			return nil
		}
		e.c.memCurrent.Store(bytes)
		storeMax(&e.c.memMax, bytes)
		return e.c
	}()
	if c == nil || bytes <= g.cfg.MemoryCeiling {
		return
	}

	mb := float64(bytes) / (1 << 20)
	if g.disable(e, c, ReasonMemory) {
		g.sink.Notify(notify.Event{Kind: notify.KindMemoryOveruse, ExtensionID: id, MemoryMB: mb, Time: g.now()})
		g.announce(id, ReasonMemory)
	}
}

// Execute brackets fn with StartExecution and EndExecution, using fn's
// error as the outcome, and returns that error.
func (g *Governor) Execute(id, op string, fn func() error) error {
	g.StartExecution(id, op)
	err := fn()
	g.EndExecution(id, op, err == nil)
	return err
}

// disable moves e to the disabled state and tells the catalog. c is the
// metrics generation the decision was made on; a reset since then voids
// the decision. It reports false when nothing changed, so each trip fires
// once. The catalog is written without holding the entry lock; until the
// write is accepted the reason stays pending.
func (g *Governor) disable(e *entry, c *counters, reason string) bool {
	e.mu.Lock()
	if !e.active || e.c != c {
		e.mu.Unlock()
		return false
	}
	e.active = false
	if g.catalog != nil {
		e.pending = reason
	}
	e.mu.Unlock()

	logger := log.With().Str("extension", e.id).Str("reason", reason).Logger()
	logger.Warn().Msg("extension auto-disabled")
	if g.catalog == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
	defer cancel()
	if err := g.catalog.Disable(ctx, e.id, reason); err != nil {
		// retried by the next sweep
		logger.Error().Err(err).Msg("catalog rejected auto-disable")
		return true
	}
	e.settle(c, reason)
	return true
}

// settle clears a pending disable once the catalog has accepted it, unless
// the entry moved on in the meantime.
func (e *entry) settle(c *counters, reason string) {
	e.mu.Lock()
	if e.c == c && e.pending == reason {
		e.pending = ""
	}
	e.mu.Unlock()
}

func (g *Governor) announce(id, reason string) {
	g.sink.Notify(notify.Event{Kind: notify.KindAutoDisabled, ExtensionID: id, Reason: reason, Time: g.now()})
}

// Metrics returns a copy of the metrics for id.
func (g *Governor) Metrics(id string) (MetricsSnapshot, bool) {
	e := g.lookup(id)
	if e == nil {
		return MetricsSnapshot{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.c.snapshot(id, e.active), true
}

// AllMetrics returns a copy of every tracked extension's metrics, ordered by id.
func (g *Governor) AllMetrics() []MetricsSnapshot {
	out := make([]MetricsSnapshot, 0)
	for _, e := range g.all() {
		e.mu.RLock()
		out = append(out, e.c.snapshot(e.id, e.active))
		e.mu.RUnlock()
	}
	return out
}

func (g *Governor) all() []*entry {
	g.mu.RLock()
	out := make([]*entry, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, e)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
