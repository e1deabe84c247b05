package governor

import (
	"sync/atomic"
	"time"
)

// counters is one generation of an extension's metrics. A reset installs a
// fresh generation, so readers and writers always see either the old or
// the new set as a whole.
type counters struct {
	operations atomic.Int64
	successes  atomic.Int64
	errors     atomic.Int64
	slow       atomic.Int64
	totalNanos atomic.Int64
	maxNanos   atomic.Int64
	memCurrent atomic.Int64
	memMax     atomic.Int64
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// MetricsSnapshot is a point-in-time copy of an extension's metrics.
type MetricsSnapshot struct {
	ExtensionID   string        `json:"extension_id"`
	Active        bool          `json:"active"`
	Operations    int64         `json:"operations"`
	Successes     int64         `json:"successes"`
	Errors        int64         `json:"errors"`
	SlowOps       int64         `json:"slow_operations"`
	TotalTime     time.Duration `json:"total_time"`
	MaxTime       time.Duration `json:"max_time"`
	MemoryCurrent int64         `json:"memory_current"`
	MemoryMax     int64         `json:"memory_max"`
}

// Completed is the number of executions that reported an outcome.
func (m MetricsSnapshot) Completed() int64 { return m.Successes + m.Errors }

// AverageTime is the mean duration of completed executions.
func (m MetricsSnapshot) AverageTime() time.Duration {
	n := m.Completed()
	if n == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(n)
}

// ErrorRate is errors over completed executions.
func (m MetricsSnapshot) ErrorRate() float64 {
	n := m.Completed()
	if n == 0 {
		return 0
	}
	return float64(m.Errors) / float64(n)
}

func (c *counters) snapshot(id string, active bool) MetricsSnapshot {
	return MetricsSnapshot{
		ExtensionID:   id,
		Active:        active,
		Operations:    c.operations.Load(),
		Successes:     c.successes.Load(),
		Errors:        c.errors.Load(),
		SlowOps:       c.slow.Load(),
		TotalTime:     time.Duration(c.totalNanos.Load()),
		MaxTime:       time.Duration(c.maxNanos.Load()),
		MemoryCurrent: c.memCurrent.Load(),
		MemoryMax:     c.memMax.Load(),
	}
}
