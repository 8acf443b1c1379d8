package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// PLAYTRACK_SERVER_PORT.
const EnvPrefix = "PLAYTRACK_"

type Config struct {
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Relay   RelayConfig   `yaml:"relay" envPrefix:"RELAY_"`
	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Results ResultsConfig `yaml:"results" envPrefix:"RESULTS_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Host           string   `yaml:"host" env:"HOST"`
	Port           int      `yaml:"port" env:"PORT"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	AuthToken      string   `yaml:"auth_token" env:"AUTH_TOKEN"`
	MaxConnections int      `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	// RateLimit is inbound frames per second per connection; 0 disables it.
	RateLimit  float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst  int     `yaml:"rate_burst" env:"RATE_BURST"`
	SendBuffer int     `yaml:"send_buffer" env:"SEND_BUFFER"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type RelayConfig struct {
	QueueSize     int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

type StoreConfig struct {
	// Backend is "memory" or "redis". An empty RedisAddr or KeyPrefix falls
	// back to the redis store's own REDIS_ADDR defaults.
	Backend   string `yaml:"backend" env:"BACKEND"`
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

type ResultsConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       8080,
			RateLimit:  20,
			RateBurst:  40,
			SendBuffer: 64,
		},
		Relay: RelayConfig{
			QueueSize: 256,
		},
		Store: StoreConfig{
			Backend:   "memory",
		},
		Results: ResultsConfig{
			Driver: "sqlite",
			DSN:    "playtrack.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() (*Config, error) {
	cfg := defaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Load reads path over the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// normalize canonicalizes the enum-like settings so later code can match
// them exactly.
func (c *Config) normalize() {
	lower := func(v *string) { *v = strings.ToLower(strings.TrimSpace(*v)) }
	lower(&c.Store.Backend)
	lower(&c.Results.Driver)
	lower(&c.Log.Level)
	lower(&c.Log.Format)
}

func (c *Config) Validate() error {
	c.normalize()
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server.rate_limit and rate_burst must not be negative"))
	}
	if c.Relay.IdleTimeout < 0 || c.Relay.SweepInterval < 0 {
		errs = append(errs, errors.New("relay durations must not be negative"))
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want memory or redis", c.Store.Backend))
	}
	switch c.Results.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("results.driver %q: want sqlite or postgres", c.Results.Driver))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Diff describes the settings that differ between old and new, for logging
// on reload.
func Diff(old, new *Config) []string {
	var changes []string
	add := func(name string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			changes = append(changes, fmt.Sprintf("%s: %v → %v", name, a, b))
		}
	}
	add("relay.idle_timeout", old.Relay.IdleTimeout, new.Relay.IdleTimeout)
	add("relay.sweep_interval", old.Relay.SweepInterval, new.Relay.SweepInterval)
	add("relay.queue_size", old.Relay.QueueSize, new.Relay.QueueSize)
	add("server.host", old.Server.Host, new.Server.Host)
	add("server.port", old.Server.Port, new.Server.Port)
	add("server.allowed_origins", old.Server.AllowedOrigins, new.Server.AllowedOrigins)
	add("server.max_connections", old.Server.MaxConnections, new.Server.MaxConnections)
	add("server.rate_limit", old.Server.RateLimit, new.Server.RateLimit)
	add("server.rate_burst", old.Server.RateBurst, new.Server.RateBurst)
	add("server.send_buffer", old.Server.SendBuffer, new.Server.SendBuffer)
	add("store.backend", old.Store.Backend, new.Store.Backend)
	add("store.redis_addr", old.Store.RedisAddr, new.Store.RedisAddr)
	add("store.key_prefix", old.Store.KeyPrefix, new.Store.KeyPrefix)
	add("results.driver", old.Results.Driver, new.Results.Driver)
	add("results.dsn", old.Results.DSN, new.Results.DSN)
	add("log.level", old.Log.Level, new.Log.Level)
	add("log.format", old.Log.Format, new.Log.Format)
	if old.Server.AuthToken != new.Server.AuthToken {
		changes = append(changes, "server.auth_token changed")
	}
	return changes
}
