// Package config defines all configuration for the position engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via SWAP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"swapledger/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Hotpath  HotpathConfig  `mapstructure:"hotpath"`
	Coldpath ColdpathConfig `mapstructure:"coldpath"`
	API      APIConfig      `mapstructure:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StoreConfig sets where durable state lives.
type StoreConfig struct {
	Path       string `mapstructure:"path"`
	Partitions int    `mapstructure:"partitions"`
}

// RedisConfig configures the optional fast tier. An empty address means the
// engine runs with the in-process cache only.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RulesConfig configures the contract rules client.
type RulesConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	DefaultMethod  string        `mapstructure:"default_method"`
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
}

// HotpathConfig tunes the synchronous apply path.
type HotpathConfig struct {
	Workers  int           `mapstructure:"workers"`
	Retries  int           `mapstructure:"retries"`
	Deadline time.Duration `mapstructure:"deadline"`
}

// ColdpathConfig tunes the backdated-trade reconciler.
type ColdpathConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// APIConfig controls the HTTP server.
type APIConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error: defaults plus SWAP_* env vars make a runnable config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SWAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if pw := os.Getenv("SWAP_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "data/swapledger.db")
	v.SetDefault("store.partitions", 16)
	v.SetDefault("rules.timeout", 40*time.Millisecond)
	v.SetDefault("rules.cache_ttl", time.Hour)
	v.SetDefault("rules.default_method", string(types.MethodFIFO))
	v.SetDefault("rules.breaker_timeout", 30*time.Second)
	v.SetDefault("hotpath.workers", 8)
	v.SetDefault("hotpath.retries", 3)
	v.SetDefault("hotpath.deadline", 100*time.Millisecond)
	v.SetDefault("coldpath.workers", 2)
	v.SetDefault("coldpath.queue_size", 1024)
	v.SetDefault("api.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.Partitions <= 0 {
		return fmt.Errorf("store.partitions must be > 0")
	}
	if !types.TaxLotMethod(c.Rules.DefaultMethod).Valid() {
		return fmt.Errorf("rules.default_method must be one of: FIFO, LIFO, HIFO")
	}
	if c.Hotpath.Workers <= 0 {
		return fmt.Errorf("hotpath.workers must be > 0")
	}
	if c.Hotpath.Retries < 0 {
		return fmt.Errorf("hotpath.retries must be >= 0")
	}
	if c.Hotpath.Deadline <= 0 {
		return fmt.Errorf("hotpath.deadline must be > 0")
	}
	if c.Coldpath.Workers <= 0 {
		return fmt.Errorf("coldpath.workers must be > 0")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be a valid port")
	}
	return nil
}
