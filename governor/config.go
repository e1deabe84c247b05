package governor

import (
	"fmt"
	"time"
)

// Default thresholds.
const (
	DefaultLatencyThreshold = 5 * time.Second
	DefaultMemoryCeiling    = 100 << 20
	DefaultMaxErrors        = 5
	DefaultMaxSlow          = 3
	DefaultSweepInterval    = 30 * time.Second
	DefaultMinSample        = 10
	DefaultErrorRate        = 0.5
)

// Config holds the governor's policy thresholds.
type Config struct {
	// LatencyThreshold marks an execution as slow when exceeded.
	LatencyThreshold time.Duration `mapstructure:"latency_threshold" yaml:"latency_threshold"`
	// MemoryCeiling is the largest allowed memory report, in bytes.
	MemoryCeiling int64 `mapstructure:"memory_ceiling" yaml:"memory_ceiling"`
	// MaxErrors disables an extension when its error count reaches it.
	MaxErrors int64 `mapstructure:"max_errors" yaml:"max_errors"`
	// MaxSlow disables an extension when its slow count exceeds it.
	MaxSlow int64 `mapstructure:"max_slow" yaml:"max_slow"`
	// SweepInterval is the period of the error-rate sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// MinSample is the fewest completed executions the sweep will judge.
	MinSample int64 `mapstructure:"min_sample" yaml:"min_sample"`
	// ErrorRate disables an extension whose error ratio is above it.
	ErrorRate float64 `mapstructure:"error_rate" yaml:"error_rate"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		LatencyThreshold: DefaultLatencyThreshold,
		MemoryCeiling:    DefaultMemoryCeiling,
		MaxErrors:        DefaultMaxErrors,
		MaxSlow:          DefaultMaxSlow,
		SweepInterval:    DefaultSweepInterval,
		MinSample:        DefaultMinSample,
		ErrorRate:        DefaultErrorRate,
	}
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.LatencyThreshold <= 0:
		return fmt.Errorf("governor: latency_threshold must be positive, got %s", c.LatencyThreshold)
	case c.MemoryCeiling <= 0:
		return fmt.Errorf("governor: memory_ceiling must be positive, got %d", c.MemoryCeiling)
	case c.MaxErrors <= 0:
		return fmt.Errorf("governor: max_errors must be positive, got %d", c.MaxErrors)
	case c.MaxSlow < 0:
		return fmt.Errorf("governor: max_slow must not be negative, got %d", c.MaxSlow)
	case c.SweepInterval <= 0:
		return fmt.Errorf("governor: sweep_interval must be positive, got %s", c.SweepInterval)
	case c.MinSample <= 0:
		return fmt.Errorf("governor: min_sample must be positive, got %d", c.MinSample)
	case c.ErrorRate <= 0 || c.ErrorRate > 1:
		return fmt.Errorf("governor: error_rate must be in (0, 1], got %g", c.ErrorRate)
	}
	return nil
}
