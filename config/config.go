// Package config loads the extgov configuration from an optional YAML
// file, EXTGOV_* environment variables and built-in defaults, in that
// order of precedence after the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"

	"github.com/toolink/extgov/governor"
	"github.com/toolink/extgov/limiter"
	"github.com/toolink/extgov/meta"
	"github.com/toolink/extgov/validator"
)

// EnvPrefix prefixes every environment override, e.g. EXTGOV_GOVERNOR_MAX_ERRORS.
const EnvPrefix = "EXTGOV"

// Catalog backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the complete extgov configuration.
type Config struct {
	// Root holds extensions/, backups/ and staging/.
	Root           string        `mapstructure:"root" yaml:"root"`
	HostAPI        string        `mapstructure:"host_api" yaml:"host_api"`
	MaxPackageSize int64         `mapstructure:"max_package_size" yaml:"max_package_size"`
	StagingMaxAge  time.Duration `mapstructure:"staging_max_age" yaml:"staging_max_age"`

	Catalog  CatalogConfig   `mapstructure:"catalog" yaml:"catalog"`
	Redis    RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Governor governor.Config `mapstructure:"governor" yaml:"governor"`
	Notify   NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	Serve    ServeConfig     `mapstructure:"serve" yaml:"serve"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
}

// CatalogConfig selects the catalog backend.
type CatalogConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the sqlite file; empty means <root>/catalog.db.
	Path string `mapstructure:"path" yaml:"path"`
}

// RedisConfig is shared by every Redis-backed component.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	// Lock serializes lifecycle operations across hosts when set.
	Lock bool `mapstructure:"lock" yaml:"lock"`
}

// NotifyConfig routes governance events.
type NotifyConfig struct {
	// Redis also pushes events to a Redis list for other processes.
	Redis    bool           `mapstructure:"redis" yaml:"redis"`
	List     string         `mapstructure:"list" yaml:"list"`
	MaxLen   int64          `mapstructure:"max_len" yaml:"max_len"`
	Throttle limiter.Config `mapstructure:"throttle" yaml:"throttle"`
}

// ServeConfig configures the long-running host process.
type ServeConfig struct {
	GRPCAddr    string `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	// Announce registers the process in the Redis host fleet.
	Announce bool `mapstructure:"announce" yaml:"announce"`
	// Advertise is the gRPC address other hosts dial; empty means
	// hostname plus the listening port.
	Advertise string `mapstructure:"advertise" yaml:"advertise"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// InstallRoot is where installed extension trees live.
func (c *Config) InstallRoot() string { return filepath.Join(c.Root, "extensions") }

// BackupRoot is where snapshots live.
func (c *Config) BackupRoot() string { return filepath.Join(c.Root, "backups") }

// StagingRoot is the private staging area.
func (c *Config) StagingRoot() string { return filepath.Join(c.Root, "staging") }

// CatalogPath is the sqlite catalog file.
func (c *Config) CatalogPath() string {
	if c.Catalog.Path != "" {
		return c.Catalog.Path
	}
	return filepath.Join(c.Root, "catalog.db")
}

func setDefaults(v *viper.Viper) {
	g := governor.DefaultConfig()

	v.SetDefault("root", defaultRoot())
	v.SetDefault("host_api", "1.0.0")
	v.SetDefault("max_package_size", validator.DefaultMaxPackageSize)
	v.SetDefault("staging_max_age", 24*time.Hour)

	v.SetDefault("catalog.backend", BackendSQLite)
	v.SetDefault("catalog.path", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock", false)

	v.SetDefault("governor.latency_threshold", g.LatencyThreshold)
	v.SetDefault("governor.memory_ceiling", g.MemoryCeiling)
	v.SetDefault("governor.max_errors", g.MaxErrors)
	v.SetDefault("governor.max_slow", g.MaxSlow)
	v.SetDefault("governor.sweep_interval", g.SweepInterval)
	v.SetDefault("governor.min_sample", g.MinSample)
	v.SetDefault("governor.error_rate", g.ErrorRate)

	v.SetDefault("notify.redis", false)
	v.SetDefault("notify.list", "extgov:events")
	v.SetDefault("notify.max_len", 10000)
	v.SetDefault("notify.throttle.storage_type", limiter.StorageMemory)
	v.SetDefault("notify.throttle.rules", []map[string]any{
		{"class": "slowdown", "rate": 1, "period": 60},
		{"class": "memory_overuse", "rate": 1, "period": 60},
	})

	v.SetDefault("serve.grpc_addr", ":7070")
	v.SetDefault("serve.metrics_addr", ":9090")
	v.SetDefault("serve.announce", false)
	v.SetDefault("serve.advertise", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
}

func defaultRoot() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".extgov")
	}
	return ".extgov"
}

// DefaultPath is the config file used when --config is not given.
func DefaultPath() string { return filepath.Join(defaultRoot(), "config.yaml") }

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads path if it exists, applies environment overrides and
// defaults, and validates the result. An empty or missing path yields the
// defaults.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
			log.Debug().Str("path", path).Msg("config file loaded")
		} else if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("path", path).Msg("config file not found, using defaults")
		} else {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section and fills the limiter storage default.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("config: root is required")
	}
	if _, err := meta.ParseVersion(c.HostAPI); err != nil {
		return fmt.Errorf("config: host_api: %w", err)
	}
	if c.MaxPackageSize <= 0 {
		return fmt.Errorf("config: max_package_size must be positive, got %d", c.MaxPackageSize)
	}
	if c.StagingMaxAge <= 0 {
		return fmt.Errorf("config: staging_max_age must be positive, got %s", c.StagingMaxAge)
	}

	switch c.Catalog.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("config: catalog.backend must be %q, %q or %q, got %q", BackendMemory, BackendSQLite, BackendRedis, c.Catalog.Backend)
	}
	if c.NeedsRedis() && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required by the redis catalog, lock, notify or throttle settings")
	}

	if err := c.Governor.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Notify.Throttle.ValidateAndPrepare(); err != nil {
		return fmt.Errorf("config: notify.throttle: %w", err)
	}
	if c.Notify.Redis && c.Notify.List == "" {
		return errors.New("config: notify.list is required when notify.redis is set")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}

// NeedsRedis reports whether any enabled component uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.Catalog.Backend == BackendRedis ||
		c.Redis.Lock ||
		c.Notify.Redis ||
		c.Notify.Throttle.StorageType == limiter.StorageRedis ||
		c.Serve.Announce
}

// WriteDefault writes the default configuration, with any EXTGOV_*
// overrides applied, to path as YAML. It refuses to overwrite an existing
// file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(newViper().AllSettings())
	if err != nil {
		return fmt.Errorf("config: encoding defaults: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return f.Close()
}
