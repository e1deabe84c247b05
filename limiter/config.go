package limiter

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Rule limits one class of keys to Rate events per Period seconds.
type Rule struct {
	Class  string  `mapstructure:"class" yaml:"class"`
	Rate   float64 `mapstructure:"rate" yaml:"rate"`
	Period float64 `mapstructure:"period" yaml:"period"`
}

// Config selects the store and lists the rules.
type Config struct {
	StorageType string `mapstructure:"storage_type" yaml:"storage_type"`
	Rules       []Rule `mapstructure:"rules" yaml:"rules"`
}

// ValidateAndPrepare checks the config. An empty storage type means memory.
func (c *Config) ValidateAndPrepare() error {
	if c.StorageType == "" {
		c.StorageType = StorageMemory
	}
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return fmt.Errorf("invalid storage_type: %s, must be '%s' or '%s'", c.StorageType, StorageMemory, StorageRedis)
	}
	if len(c.Rules) == 0 {
		log.Warn().Msg("no rate limit rules defined, nothing will be throttled")
	}

	seen := make(map[string]bool)
	for _, r := range c.Rules {
		if r.Class == "" {
			return fmt.Errorf("rate limit rule without class")
		}
		if seen[r.Class] {
			return fmt.Errorf("duplicate rule for class %s", r.Class)
		}
		seen[r.Class] = true
		if r.Rate <= 0 {
			return fmt.Errorf("rule for class '%s' has invalid rate: %f, must be positive", r.Class, r.Rate)
		}
		if r.Period <= 0 {
			return fmt.Errorf("rule for class '%s' has invalid period: %f, must be positive", r.Class, r.Period)
		}
	}
	return nil
}
