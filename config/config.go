// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/absmach/heimdallr/ratelimit"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the heimdallr command-line tools.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Session     SessionConfig     `yaml:"session"`
	Provider    ProviderConfig    `yaml:"provider"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
	Schemas     SchemasConfig     `yaml:"schemas"`
	LocalServer LocalServerConfig `yaml:"local_server"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds the Heimdallr server location.
type ServerConfig struct {
	URL string `yaml:"url"`
}

// SessionConfig holds readiness and transport settings shared by both roles.
type SessionConfig struct {
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	MaxPending           int           `yaml:"max_pending"`
	OnDisconnect         string        `yaml:"on_disconnect"` // "keep-ready" or "regate"
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ReconnectMin         time.Duration `yaml:"reconnect_min"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 0 = unlimited
	EnableCompression    bool          `yaml:"enable_compression"`
}

// ProviderConfig configures the provider example.
type ProviderConfig struct {
	Token        string        `yaml:"token"`
	SampleRate   float64       `yaml:"sample_rate"` // Sensor readings per second
	SampleBurst  int           `yaml:"sample_burst"`
	Duration     time.Duration `yaml:"duration"` // 0 = until interrupted
	StreamChunk  int           `yaml:"stream_chunk"`
	StreamSource string        `yaml:"stream_source"` // File streamed while a consumer is joined
}

// ConsumerConfig configures the consumer example.
type ConsumerConfig struct {
	Token         string         `yaml:"token"`
	Providers     []string       `yaml:"providers"`
	Filter        map[string]any `yaml:"filter"`
	StateSubtypes []string       `yaml:"state_subtypes"`
	JoinStream    bool           `yaml:"join_stream"`
	Controls      []ControlSpec  `yaml:"controls"`
}

// ControlSpec is a control sent by the consumer example once ready.
type ControlSpec struct {
	Provider   string `yaml:"provider"`
	Subtype    string `yaml:"subtype"`
	Data       any    `yaml:"data"`
	Persistent bool   `yaml:"persistent"`
}

// SchemasConfig configures subtype schema upload.
type SchemasConfig struct {
	Token          string                    `yaml:"token"`
	AuthSource     string                    `yaml:"auth_source"`
	Providers      []string                  `yaml:"providers"`
	PacketSchemas  map[string]map[string]any `yaml:"packet_schemas"`
	Timeout        time.Duration             `yaml:"timeout"`
	Workers        int                       `yaml:"workers"`
	Retry          RetryConfig               `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig      `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for schema upload.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LocalServerConfig configures the local development server.
type LocalServerConfig struct {
	Addr            string           `yaml:"addr"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	RateLimit       ratelimit.Config `yaml:"rate_limit"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// MetricsConfig holds OpenTelemetry export configuration.
type MetricsConfig struct {
	Enabled         bool              `yaml:"enabled"`
	Endpoint        string            `yaml:"endpoint"` // OTLP gRPC endpoint
	Insecure        bool              `yaml:"insecure"` // plaintext gRPC; TLS with system roots otherwise
	Headers         map[string]string `yaml:"headers"`
	Compression     string            `yaml:"compression"` // "" or "gzip"
	ExportTimeout   time.Duration     `yaml:"export_timeout"`
	ServiceName     string            `yaml:"service_name"`
	ServiceVersion  string            `yaml:"service_version"`
	ExportInterval  time.Duration     `yaml:"export_interval"`
	TracesEnabled   bool              `yaml:"traces_enabled"`
	TraceSampleRate float64           `yaml:"trace_sample_rate"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL: "https://heimdallr.skyforge.co",
		},
		Session: SessionConfig{
			HandshakeTimeout: 30 * time.Second,
			MaxPending:       1024,
			OnDisconnect:     "keep-ready",
			WriteTimeout:     5 * time.Second,
			ReconnectMin:     time.Second,
			ReconnectMax:     2 * time.Minute,
		},
		Provider: ProviderConfig{
			SampleRate:  1,
			SampleBurst: 1,
			StreamChunk: 4096,
		},
		Schemas: SchemasConfig{
			AuthSource: "heimdallr",
			Timeout:    30 * time.Second,
			Workers:    4,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Multiplier:      2,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		LocalServer: LocalServerConfig{
			Addr:            "127.0.0.1:3000",
			ShutdownTimeout: 5 * time.Second,
			RateLimit:       ratelimit.DefaultConfig(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ExportTimeout:   30 * time.Second,
			ServiceName:     "heimdallr-client",
			ServiceVersion:  "1.0.0",
			ExportInterval:  10 * time.Second,
			TraceSampleRate: 0.1,
		},
	}
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("server.url must be an absolute url")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server.url scheme must be one of: http, https, ws, wss")
	}

	if c.Session.HandshakeTimeout < 0 {
		return fmt.Errorf("session.handshake_timeout cannot be negative")
	}
	if c.Session.MaxPending < 0 {
		return fmt.Errorf("session.max_pending cannot be negative")
	}
	validPolicies := map[string]bool{"keep-ready": true, "regate": true}
	if !validPolicies[c.Session.OnDisconnect] {
		return fmt.Errorf("session.on_disconnect must be one of: keep-ready, regate")
	}
	if c.Session.ReconnectMin <= 0 || c.Session.ReconnectMax < c.Session.ReconnectMin {
		return fmt.Errorf("session.reconnect_min must be positive and not above session.reconnect_max")
	}
	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("session.max_reconnect_attempts cannot be negative")
	}

	if c.Provider.SampleRate <= 0 {
		return fmt.Errorf("provider.sample_rate must be positive")
	}
	if c.Provider.SampleBurst < 1 {
		return fmt.Errorf("provider.sample_burst must be at least 1")
	}
	if c.Provider.StreamChunk < 1 {
		return fmt.Errorf("provider.stream_chunk must be at least 1")
	}

	if _, err := ParseProviders(c.Consumer.Providers); err != nil {
		return fmt.Errorf("consumer.providers: %w", err)
	}
	for i, ctl := range c.Consumer.Controls {
		if _, err := uuid.Parse(ctl.Provider); err != nil {
			return fmt.Errorf("consumer.controls[%d].provider: %w", i, err)
		}
		if ctl.Subtype == "" {
			return fmt.Errorf("consumer.controls[%d].subtype cannot be empty", i)
		}
	}

	if _, err := ParseProviders(c.Schemas.Providers); err != nil {
		return fmt.Errorf("schemas.providers: %w", err)
	}
	validPacketTypes := map[string]bool{"event": true, "sensor": true, "control": true}
	for t := range c.Schemas.PacketSchemas {
		if !validPacketTypes[t] {
			return fmt.Errorf("schemas.packet_schemas keys must be one of: event, sensor, control")
		}
	}
	if c.Schemas.Workers < 1 {
		return fmt.Errorf("schemas.workers must be at least 1")
	}
	if c.Schemas.Retry.MaxAttempts < 1 {
		return fmt.Errorf("schemas.retry.max_attempts must be at least 1")
	}
	if c.Schemas.Retry.Multiplier < 1 {
		return fmt.Errorf("schemas.retry.multiplier must be at least 1")
	}
	if c.Schemas.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("schemas.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.LocalServer.Addr == "" {
		return fmt.Errorf("local_server.addr cannot be empty")
	}
	if rl := c.LocalServer.RateLimit; rl.Enabled {
		if rl.Connection.Enabled && (rl.Connection.Rate <= 0 || rl.Connection.Burst < 1) {
			return fmt.Errorf("local_server.rate_limit.connection needs a positive rate and burst")
		}
		if rl.Packet.Enabled && (rl.Packet.Rate <= 0 || rl.Packet.Burst < 1) {
			return fmt.Errorf("local_server.rate_limit.packet needs a positive rate and burst")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint required when metrics are enabled")
		}
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name required when metrics are enabled")
		}
		if c.Metrics.ExportInterval <= 0 {
			return fmt.Errorf("metrics.export_interval must be positive")
		}
		if c.Metrics.ExportTimeout <= 0 {
			return fmt.Errorf("metrics.export_timeout must be positive")
		}
		if c.Metrics.Compression != "" && c.Metrics.Compression != "gzip" {
			return fmt.Errorf("metrics.compression must be empty or gzip")
		}
		if c.Metrics.TraceSampleRate < 0 || c.Metrics.TraceSampleRate > 1 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0 and 1")
		}
	}

	return nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ParseProviders parses provider ids.
func ParseProviders(ids []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid provider id %q: %w", id, err)
		}
		out = append(out, u)
	}
	return out, nil
}
