package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	JWTTTL      time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// MaxMessageBytes bounds a single inbound WebSocket frame.
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	MaxContentLength  int           `mapstructure:"max_content_length" yaml:"max_content_length"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	// RateLimitPerMinute caps inbound WebSocket messages per connection; 0 disables it.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`

	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`
}

// CacheConfig selects the conversation list cache backend.
type CacheConfig struct {
	Backend  string        `mapstructure:"backend" yaml:"backend"`
	RedisURL string        `mapstructure:"redis_url" yaml:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:               ":8080",
		ReadHeaderTimeout:  5 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		RequestTimeout:     10 * time.Second,
		DatabasePath:       "itemchat.db",
		JWTSecret:          "change-me-in-production",
		JWTIssuer:          "itemchat",
		JWTAudience:        "itemchat-clients",
		JWTTTL:             24 * time.Hour,
		LogLevel:           "info",
		LogFormat:          "console",
		MaxMessageBytes:    16 * 1024,
		MaxContentLength:   4000,
		SubscriberBuffer:   64,
		HeartbeatInterval:  30 * time.Second,
		RateLimitPerMinute: 120,
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     5 * time.Minute,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.RequestTimeout != 0 {
		c.RequestTimeout = other.RequestTimeout
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.SubscriberBuffer != 0 {
		c.SubscriberBuffer = other.SubscriberBuffer
	}
	if other.HeartbeatInterval != 0 {
		c.HeartbeatInterval = other.HeartbeatInterval
	}
	if other.Cache.Backend != "" {
		c.Cache.Backend = other.Cache.Backend
	}
	if other.Cache.RedisURL != "" {
		c.Cache.RedisURL = other.Cache.RedisURL
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if c.MaxContentLength <= 0 {
		errs = append(errs, errors.New("max_content_length must be positive"))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("subscriber_buffer must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if f := c.LogFormat; f != "" && f != "console" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown log_format %q", f))
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, errors.New("cache.backend must be memory or redis"))
	}
	return errors.Join(errs...)
}
