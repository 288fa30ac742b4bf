package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the gateway.
type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"http"`
	Session struct {
		Enabled      bool          `mapstructure:"enabled"`
		Addr         string        `mapstructure:"addr"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		PingInterval time.Duration `mapstructure:"ping_interval"`
	} `mapstructure:"session"`
	Storage struct {
		Driver string `mapstructure:"driver"` // bolt | sqlite | postgres
		Path   string `mapstructure:"path"`
		DSN    string `mapstructure:"dsn"`
		LogSQL bool   `mapstructure:"log_sql"`
	} `mapstructure:"storage"`
	Device struct {
		ProbeConnectTimeout time.Duration `mapstructure:"probe_connect_timeout"`
		ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
		DeliveryTimeout     time.Duration `mapstructure:"delivery_timeout"`
		StatusTimeout       time.Duration `mapstructure:"status_timeout"`
		HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
		TokenLength         int           `mapstructure:"token_length"`
	} `mapstructure:"device"`
	Dispatch struct {
		DefaultPriority int           `mapstructure:"default_priority"`
		MaxRetries      int           `mapstructure:"max_retries"`
		RetryWindow     time.Duration `mapstructure:"retry_window"`
		Retention       time.Duration `mapstructure:"retention"`
		AckTimeout      time.Duration `mapstructure:"ack_timeout"`
		ClaimOnPoll     bool          `mapstructure:"claim_on_poll"`
		PendingLimit    int           `mapstructure:"pending_limit"`
		ListLimit       int           `mapstructure:"list_limit"`
		MaxLimit        int           `mapstructure:"max_limit"`
	} `mapstructure:"dispatch"`
	Sweeper struct {
		Enabled       bool          `mapstructure:"enabled"`
		Interval      time.Duration `mapstructure:"interval"`
		PurgeInterval time.Duration `mapstructure:"purge_interval"`
	} `mapstructure:"sweeper"`
	Auth struct {
		Enabled   bool          `mapstructure:"enabled"`
		Username  string        `mapstructure:"username"`
		Password  string        `mapstructure:"password"`
		JWTSecret string        `mapstructure:"jwt_secret"`
		TokenTTL  time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`
	Log struct {
		Level   string `mapstructure:"level"`
		Format  string `mapstructure:"format"` // json | console
		Service string `mapstructure:"service"`
	} `mapstructure:"log"`
	Admins []Admin `mapstructure:"admins"`
}

// Admin seeds an administrator and the enrollment code its devices register with.
type Admin struct {
	Name  string `mapstructure:"name"`
	Code  string `mapstructure:"code"`
	Phone string `mapstructure:"phone"`
}

// Load reads the configuration from disk/environment using Viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("doorlink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine, env and defaults still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Driver) {
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for bolt")
		}
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage.dsn is required for %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Dispatch.DefaultPriority < 1 || c.Dispatch.DefaultPriority > 10 {
		return fmt.Errorf("config: dispatch.default_priority must be within 1..10")
	}
	if c.Device.TokenLength < 32 {
		return fmt.Errorf("config: device.token_length must be at least 32")
	}
	if c.Dispatch.PendingLimit <= 0 || c.Dispatch.MaxLimit < c.Dispatch.PendingLimit {
		return fmt.Errorf("config: dispatch.pending_limit must be positive and not exceed dispatch.max_limit")
	}
	if c.Dispatch.ListLimit <= 0 || c.Dispatch.ListLimit > c.Dispatch.MaxLimit {
		return fmt.Errorf("config: dispatch.list_limit must be positive and not exceed dispatch.max_limit")
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("session.enabled", true)
	v.SetDefault("session.addr", ":8091")
	v.SetDefault("session.write_timeout", "10s")
	v.SetDefault("session.ping_interval", "30s")

	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.path", "./data/doorlink.db")
	v.SetDefault("storage.log_sql", false)

	v.SetDefault("device.probe_connect_timeout", "1s")
	v.SetDefault("device.probe_timeout", "2s")
	v.SetDefault("device.delivery_timeout", "10s")
	v.SetDefault("device.status_timeout", "5s")
	v.SetDefault("device.heartbeat_timeout", "3m")
	v.SetDefault("device.token_length", 64)

	v.SetDefault("dispatch.default_priority", 5)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.retry_window", "24h")
	v.SetDefault("dispatch.retention", "168h")
	v.SetDefault("dispatch.ack_timeout", "10m")
	v.SetDefault("dispatch.claim_on_poll", true)
	v.SetDefault("dispatch.pending_limit", 10)
	v.SetDefault("dispatch.list_limit", 50)
	v.SetDefault("dispatch.max_limit", 50)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "1m")
	v.SetDefault("sweeper.purge_interval", "1h")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "admin123")
	v.SetDefault("auth.jwt_secret", "change-me-secret")
	v.SetDefault("auth.token_ttl", "12h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service", "doorlink-gateway")
}
