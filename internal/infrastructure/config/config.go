package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all process configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Proxy     ProxyConfig
	Conf      ConfConfig
	Gateway   GatewayConfig
	Storage   StorageConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
	File        string `envconfig:"LOG_FILE"`
	MaxSizeMB   int    `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	MaxBackups  int    `envconfig:"LOG_MAX_BACKUPS" default:"5"`
	MaxAgeDays  int    `envconfig:"LOG_MAX_AGE_DAYS" default:"14"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"200"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"400"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"false"`
}

// ProxyConfig holds request pipeline settings.
type ProxyConfig struct {
	MaxRedirects int           `envconfig:"PROXY_MAX_REDIRECTS" default:"5"`
	PageWait     time.Duration `envconfig:"PROXY_PAGE_WAIT" default:"2s"`
	PageInitCap  time.Duration `envconfig:"PROXY_PAGE_INIT_CAP" default:"10s"`
	StaticDir    string        `envconfig:"PROXY_STATIC_DIR" default:"./www"`
	Locale       string        `envconfig:"PROXY_LOCALE" default:"zh"`
}

// ConfConfig holds routing configuration distribution settings.
type ConfConfig struct {
	Refresh   time.Duration `envconfig:"CONF_REFRESH" default:"5m"`
	ScriptURL string        `envconfig:"CONF_SCRIPT_URL"`
	Bootstrap string        `envconfig:"CONF_BOOTSTRAP"`
	StoreKey  string        `envconfig:"CONF_STORE_KEY" default:"/conf.json"`
}

// GatewayConfig holds gateway transport settings.
type GatewayConfig struct {
	Timeout  time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	RPS      float64       `envconfig:"GATEWAY_RPS" default:"0"`
	Upstream string        `envconfig:"GATEWAY_UPSTREAM" default:"direct://"`
}

// StorageConfig holds persisted state settings.
type StorageConfig struct {
	DSN string `envconfig:"STORAGE_DSN" default:"webproxy.db"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Proxy.MaxRedirects < 1 {
		return fmt.Errorf("PROXY_MAX_REDIRECTS must be at least 1, got %d", c.Proxy.MaxRedirects)
	}
	if c.Proxy.PageWait <= 0 {
		return fmt.Errorf("PROXY_PAGE_WAIT must be positive, got %s", c.Proxy.PageWait)
	}
	if c.Proxy.PageInitCap < c.Proxy.PageWait {
		return fmt.Errorf("PROXY_PAGE_INIT_CAP (%s) must not be shorter than PROXY_PAGE_WAIT (%s)",
			c.Proxy.PageInitCap, c.Proxy.PageWait)
	}
	if c.Conf.Refresh <= 0 {
		return fmt.Errorf("CONF_REFRESH must be positive, got %s", c.Conf.Refresh)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 200,
			Burst:             400,
			Enabled:           false,
		},
		Proxy: ProxyConfig{
			MaxRedirects: 5,
			PageWait:     2 * time.Second,
			PageInitCap:  10 * time.Second,
			StaticDir:    "./www",
			Locale:       "zh",
		},
		Conf: ConfConfig{
			Refresh:  5 * time.Minute,
			StoreKey: "/conf.json",
		},
		Gateway: GatewayConfig{
			Timeout:  30 * time.Second,
			Upstream: "direct://",
		},
		Storage: StorageConfig{
			DSN: "webproxy.db",
		},
	}
}
