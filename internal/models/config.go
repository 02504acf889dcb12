// Package models - Service configuration and operational settings.
// This file defines the configuration structures for every fleet component.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, storage, limiter, fleet, etc.)
// - Defaults that run a fleet out of the box with in-memory storage
// - Validation up front so a misconfigured limiter never reaches a worker
package models

import (
	"errors"
	"fmt"
	"time"
)

// Storage type constants
const (
	StorageTypeJSON     = "json"
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
)

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP API settings
// - Storage: persisted worker records and credential assignments
// - Security: API request limiting
// - Logging: structured logging output
// - Metrics / Observability: Prometheus metrics and OpenTelemetry tracing
// - Limiter: adaptive outbound rate limiting policy
// - Fleet: credential sources and lifecycle timeouts
// - Platform: messaging platform endpoint
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Limiter       LimiterConfig       `yaml:"limiter" json:"limiter"`
	Fleet         FleetConfig         `yaml:"fleet" json:"fleet"`
	Platform      PlatformConfig      `yaml:"platform" json:"platform"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
}

type StorageConfig struct {
	Type     string            `yaml:"type" json:"type"`
	Path     string            `yaml:"path" json:"path"`
	Database DatabaseConfig    `yaml:"database" json:"database"`
	Options  map[string]string `yaml:"options" json:"options"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type SecurityConfig struct {
	// APIToken, when set, is required as a bearer token on every /api/v1 route.
	APIToken  string          `yaml:"api_token" json:"-"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig limits inbound API requests per client IP. It is unrelated
// to the adaptive limiter that throttles outbound platform calls.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size" json:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// LimiterConfig is the adaptive throttling policy applied to every credential.
//
// Rates are calls per second. After an overload signal the current rate is
// halved per consecutive failure (never below MinRate); after RecoveryCooldown
// without overload it climbs by RecoveryStep of BaseRate until it reaches
// BaseRate again.
type LimiterConfig struct {
	BaseRate         float64       `yaml:"base_rate" json:"base_rate"`
	MinRate          float64       `yaml:"min_rate" json:"min_rate"`
	MaxRate          float64       `yaml:"max_rate" json:"max_rate"`
	RecoveryCooldown time.Duration `yaml:"recovery_cooldown" json:"recovery_cooldown"`
	RecoveryStep     float64       `yaml:"recovery_step" json:"recovery_step"`
	MaxBackoff       time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

type FleetConfig struct {
	// Credentials are listed in allocation order. Environment credentials
	// (BOT_TOKEN_POOL, BOT_TOKEN_n) are appended after these.
	Credentials  []CredentialSource `yaml:"credentials" json:"-"`
	StopTimeout  time.Duration      `yaml:"stop_timeout" json:"stop_timeout"`
	StartTimeout time.Duration      `yaml:"start_timeout" json:"start_timeout"`
}

// CredentialSource is one raw credential as supplied by configuration.
type CredentialSource struct {
	ID    string `yaml:"id" json:"id"`
	Token string `yaml:"token" json:"-"`
}

type PlatformConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	PollTimeout    time.Duration `yaml:"poll_timeout" json:"poll_timeout"`
}

// NewDefaultConfig creates a configuration with defaults suitable for a
// single-node fleet: in-memory storage, metrics on, tracing off, and the
// platform's documented per-bot ceiling of 20 calls per second.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
			Path: "./data/fleet.json",
			Database: DatabaseConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Options: make(map[string]string),
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				BurstSize:         20,
				CleanupInterval:   5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "botfleet",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
		Limiter: LimiterConfig{
			BaseRate:         20,
			MinRate:          1,
			MaxRate:          30,
			RecoveryCooldown: 30 * time.Second,
			RecoveryStep:     0.25,
			MaxBackoff:       60 * time.Second,
		},
		Fleet: FleetConfig{
			Credentials:  []CredentialSource{},
			StopTimeout:  5 * time.Second,
			StartTimeout: 30 * time.Second,
		},
		Platform: PlatformConfig{
			BaseURL:        "https://api.telegram.org",
			RequestTimeout: 10 * time.Second,
			PollTimeout:    25 * time.Second,
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	if err := c.Limiter.Validate(); err != nil {
		return fmt.Errorf("invalid limiter config: %w", err)
	}

	if err := c.Fleet.Validate(); err != nil {
		return fmt.Errorf("invalid fleet config: %w", err)
	}

	if err := c.Platform.Validate(); err != nil {
		return fmt.Errorf("invalid platform config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (stc *StorageConfig) Validate() error {
	switch stc.Type {
	case StorageTypeMemory:
		return nil
	case StorageTypeJSON:
		if stc.Path == "" {
			return errors.New("path is required for JSON storage")
		}
	case StorageTypePostgres, StorageTypeSQLite:
		if stc.Database.DSN == "" {
			return errors.New("database DSN is required for database storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}
	return nil
}

func (sec *SecurityConfig) Validate() error {
	if sec.RateLimit.Enabled {
		if sec.RateLimit.RequestsPerMinute <= 0 {
			return errors.New("requests per minute must be positive")
		}
		if sec.RateLimit.BurstSize < 0 {
			return errors.New("burst size cannot be negative")
		}
		if sec.RateLimit.CleanupInterval <= 0 {
			return errors.New("cleanup interval must be positive")
		}
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !oneOf(lc.Level, "debug", "info", "warn", "error") {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !oneOf(lc.Format, "json", "text") {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !oneOf(lc.Output, "stdout", "stderr", "file") {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if !oc.Tracing.Enabled {
		return nil
	}

	if oc.ServiceName == "" {
		return errors.New("service name is required when tracing is enabled")
	}

	if !oneOf(oc.Tracing.Exporter, "stdout", "otlp") {
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.Exporter == "otlp" && oc.Tracing.OTLPEndpoint == "" {
		return errors.New("otlp endpoint is required for the otlp exporter")
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}

	return nil
}

func (lc *LimiterConfig) Validate() error {
	if lc.MinRate <= 0 {
		return errors.New("min rate must be positive")
	}

	if lc.BaseRate < lc.MinRate {
		return errors.New("base rate cannot be lower than min rate")
	}

	if lc.MaxRate < lc.BaseRate {
		return errors.New("max rate cannot be lower than base rate")
	}

	if lc.RecoveryCooldown <= 0 {
		return errors.New("recovery cooldown must be positive")
	}

	if lc.RecoveryStep <= 0 || lc.RecoveryStep > 1 {
		return errors.New("recovery step must be in (0, 1]")
	}

	if lc.MaxBackoff <= 0 {
		return errors.New("max backoff must be positive")
	}

	return nil
}

func (fc *FleetConfig) Validate() error {
	if fc.StopTimeout <= 0 {
		return errors.New("stop timeout must be positive")
	}

	if fc.StartTimeout <= 0 {
		return errors.New("start timeout must be positive")
	}

	ids := make(map[string]struct{}, len(fc.Credentials))
	tokens := make(map[string]struct{}, len(fc.Credentials))
	for i, src := range fc.Credentials {
		if src.ID == "" {
			return fmt.Errorf("credential %d has no id", i+1)
		}
		if src.Token == "" {
			return fmt.Errorf("credential %s has an empty token", src.ID)
		}
		if _, dup := ids[src.ID]; dup {
			return fmt.Errorf("duplicate credential id: %s", src.ID)
		}
		if _, dup := tokens[src.Token]; dup {
			return fmt.Errorf("credential %s repeats a token already configured", src.ID)
		}
		ids[src.ID] = struct{}{}
		tokens[src.Token] = struct{}{}
	}

	return nil
}

func (pc *PlatformConfig) Validate() error {
	if pc.BaseURL == "" {
		return errors.New("platform base URL cannot be empty")
	}

	if pc.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}

	if pc.PollTimeout < 0 {
		return errors.New("poll timeout cannot be negative")
	}

	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
