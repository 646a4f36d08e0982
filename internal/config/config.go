// Package config loads process configuration. Values come from defaults, an
// optional YAML file named by CONFIG_FILE, then environment variables, in
// increasing priority.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	MessagesTable string      `yaml:"messagesTable" validate:"required"`
	Redis         RedisConfig `yaml:"redis"`
	Cache         CacheConfig `yaml:"cache"`
	Sync          SyncConfig  `yaml:"sync"`
	LogLevel      string      `yaml:"logLevel" validate:"oneof=debug info warn error"`
	MetricsAddr   string      `yaml:"metricsAddr" validate:"omitempty,hostname_port"`
}

// RedisConfig locates the cache. An empty Addr runs without a cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	// PasswordParam names an SSM parameter holding the password. Password
	// takes priority when both are set.
	PasswordParam string `yaml:"passwordParam"`
	DB            int    `yaml:"db" validate:"min=0,max=15"`
}

type CacheConfig struct {
	TTLSeconds  int `yaml:"ttlSeconds" validate:"min=1"`
	MaxMessages int `yaml:"maxMessages" validate:"min=1,max=1000"`
	// WarmWindow defaults to MaxMessages when left at zero.
	WarmWindow  int `yaml:"warmWindow" validate:"omitempty,min=1,ltefield=MaxMessages"`
	OpTimeoutMS int `yaml:"opTimeoutMs" validate:"min=1,max=10000"`
}

type SyncConfig struct {
	IntervalSeconds  int  `yaml:"intervalSeconds" validate:"min=1"`
	ThresholdSeconds int  `yaml:"thresholdSeconds" validate:"min=1"`
	Concurrency      int  `yaml:"concurrency" validate:"min=1,max=64"`
	RunOnStart       bool `yaml:"runOnStart"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Cache: CacheConfig{
			TTLSeconds:  1200,
			MaxMessages: 100,
			OpTimeoutMS: 250,
		},
		Sync: SyncConfig{
			IntervalSeconds:  300,
			ThresholdSeconds: 300,
			Concurrency:      4,
		},
	}
}

// CacheEnabled reports whether a Redis address is configured.
func (c *Config) CacheEnabled() bool {
	return c.Redis.Addr != ""
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func (c *Config) CacheOpTimeout() time.Duration {
	return time.Duration(c.Cache.OpTimeoutMS) * time.Millisecond
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

func (c *Config) SyncThreshold() time.Duration {
	return time.Duration(c.Sync.ThresholdSeconds) * time.Second
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := loadEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Cache.WarmWindow == 0 {
		cfg.Cache.WarmWindow = cfg.Cache.MaxMessages
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msg := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
				if fe.Tag() == "ltefield" {
					msg += fmt.Sprintf(" (must not exceed %s)", fe.Param())
				}
				msgs = append(msgs, msg)
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) error {
	envString("MESSAGES_TABLE", &cfg.MessagesTable)
	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envString("REDIS_PASSWORD_PARAM", &cfg.Redis.PasswordParam)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("METRICS_ADDR", &cfg.MetricsAddr)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	ints := []struct {
		key string
		dst *int
	}{
		{"REDIS_DB", &cfg.Redis.DB},
		{"CACHE_TTL_SECONDS", &cfg.Cache.TTLSeconds},
		{"CACHE_MAX_MESSAGES", &cfg.Cache.MaxMessages},
		{"WARM_WINDOW", &cfg.Cache.WarmWindow},
		{"CACHE_OP_TIMEOUT_MS", &cfg.Cache.OpTimeoutMS},
		{"SYNC_INTERVAL_SECONDS", &cfg.Sync.IntervalSeconds},
		{"SYNC_THRESHOLD_SECONDS", &cfg.Sync.ThresholdSeconds},
		{"SYNC_CONCURRENCY", &cfg.Sync.Concurrency},
	}
	for _, e := range ints {
		n, err := envInt(e.key, *e.dst)
		if err != nil {
			return err
		}
		*e.dst = n
	}

	if v := strings.TrimSpace(os.Getenv("SYNC_RUN_ON_START")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: SYNC_RUN_ON_START: %w", err)
		}
		cfg.Sync.RunOnStart = b
	}
	return nil
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
