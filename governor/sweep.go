package governor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/extgov/meta"
)

// Sweep runs one pass of the periodic policies over every tracked
// extension:
//   - an active extension with at least MinSample completed executions and
//     an error rate above ErrorRate is disabled;
//   - an active extension whose average execution time is above half the
//     latency threshold is logged;
//   - a disabled extension whose catalog write failed is retried;
//   - a disabled extension that the catalog reports enabled again (an
//     operator re-enable made elsewhere) is reactivated with fresh metrics.
func (g *Governor) Sweep(ctx context.Context) {
	for _, e := range g.all() {
		if ctx.Err() != nil {
			return
		}
		e.mu.RLock()
		active, c := e.active, e.c
		snap := c.snapshot(e.id, active)
		e.mu.RUnlock()

		if !active {
			g.reconcile(ctx, e)
			continue
		}

		if snap.Completed() >= g.cfg.MinSample && snap.ErrorRate() > g.cfg.ErrorRate {
			if g.disable(e, c, ReasonErrorRate) {
				log.Warn().Str("extension", e.id).Float64("error_rate", snap.ErrorRate()).Int64("completed", snap.Completed()).Msg("error rate above threshold")
				g.announce(e.id, ReasonErrorRate)
			}
			continue
		}

		if avg := snap.AverageTime(); avg > g.cfg.LatencyThreshold/2 {
			log.Warn().Str("extension", e.id).Dur("average", avg).Dur("threshold", g.cfg.LatencyThreshold).Msg("extension running slowly")
		}
	}
}

func (g *Governor) reconcile(ctx context.Context, e *entry) {
	if g.catalog == nil {
		return
	}
	e.mu.RLock()
	active, pending, c := e.active, e.pending, e.c
	e.mu.RUnlock()
	if active {
		return
	}

	if pending != "" {
		if err := g.catalog.Disable(ctx, e.id, pending); err != nil {
			log.Error().Err(err).Str("extension", e.id).Msg("catalog still rejecting auto-disable")
			return
		}
		e.settle(c, pending)
		return
	}

	if !g.catalog.IsEnabled(ctx, e.id) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active || e.pending != "" || e.c != c {
		return
	}
	e.active = true
	e.resetLocked()
	log.Info().Str("extension", e.id).Msg("extension enabled in catalog, monitoring resumed")
}

// Run sweeps every SweepInterval until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", g.cfg.SweepInterval).Msg("governor sweep started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("governor sweep stopped")
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Start runs the sweep in the background until Stop. Calling Start on a
// running governor is a no-op.
func (g *Governor) Start() {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.Run(ctx)
	}()
}

// Stop ends the background sweep and waits for it to exit.
func (g *Governor) Stop() {
	g.runMu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	g.wg.Wait()
}

// Sync aligns the tracked set with records, a listing of the catalog.
// Unknown ids are tracked in their listed state. A state change or a
// missing id is applied only when the catalog still agrees, because the
// listing may predate a disable or an install made since. A disable that
// is still waiting for the catalog is left alone.
func (g *Governor) Sync(ctx context.Context, records []meta.Record) {
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		id := rec.Descriptor.ID
		seen[id] = true

		e := g.lookup(id)
		if e == nil {
			e = newEntry(id)
			e.active = rec.Enabled
			g.mu.Lock()
			if _, ok := g.entries[id]; !ok {
				g.entries[id] = e
			}
			g.mu.Unlock()
			continue
		}

		e.mu.RLock()
		active, pending, c := e.active, e.pending, e.c
		e.mu.RUnlock()
		if pending != "" || active == rec.Enabled {
			continue
		}
		if g.catalog != nil && g.catalog.IsEnabled(ctx, id) != rec.Enabled {
			log.Debug().Str("extension", id).Msg("ignoring outdated catalog record")
			continue
		}

		e.mu.Lock()
		if e.active == active && e.pending == "" && e.c == c {
			e.active = rec.Enabled
			if rec.Enabled {
				e.resetLocked()
				log.Info().Str("extension", id).Msg("extension enabled in catalog, monitoring resumed")
			} else {
				log.Info().Str("extension", id).Str("reason", rec.Reason).Msg("extension disabled in catalog")
			}
		}
		e.mu.Unlock()
	}

	var gone []string
	g.mu.RLock()
	for id := range g.entries {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	g.mu.RUnlock()
	for _, id := range gone {
		if g.catalog != nil && g.catalog.IsEnabled(ctx, id) {
			continue
		}
		g.mu.Lock()
		delete(g.entries, id)
		g.mu.Unlock()
	}
}
