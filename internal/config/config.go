// Package config loads the fleet configuration: built-in defaults, then an
// optional YAML file, then BOTFLEET_* environment overrides, then the
// credential environment (BOT_TOKEN_POOL or BOT_TOKEN_1..N).
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"botfleet/internal/models"

	"gopkg.in/yaml.v3"
)

const envPrefix = "BOTFLEET_"

// Credential environment variables. BOT_TOKEN_POOL wins when both forms are set.
const (
	EnvTokenPool   = "BOT_TOKEN_POOL"
	EnvTokenPrefix = "BOT_TOKEN_"
)

// Load builds the configuration and validates it.
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := loadCredentials(config); err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func loadFromEnvironment(config *models.Config) {
	// Server
	envInt("PORT", &config.Server.Port)
	envString("HOST", &config.Server.Host)
	envDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envBool("TLS_ENABLED", &config.Server.TLSEnabled)
	envString("TLS_CERT_FILE", &config.Server.TLSCertFile)
	envString("TLS_KEY_FILE", &config.Server.TLSKeyFile)

	// Storage
	envString("STORAGE_TYPE", &config.Storage.Type)
	envString("STORAGE_PATH", &config.Storage.Path)
	envString("DATABASE_DSN", &config.Storage.Database.DSN)
	envInt("DATABASE_MAX_OPEN_CONNS", &config.Storage.Database.MaxOpenConns)
	envInt("DATABASE_MAX_IDLE_CONNS", &config.Storage.Database.MaxIdleConns)

	// API access
	envString("API_TOKEN", &config.Security.APIToken)
	envBool("RATE_LIMIT_ENABLED", &config.Security.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS_PER_MINUTE", &config.Security.RateLimit.RequestsPerMinute)
	envInt("RATE_LIMIT_BURST_SIZE", &config.Security.RateLimit.BurstSize)

	// Logging
	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
	envString("LOG_OUTPUT", &config.Logging.Output)
	envString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics and tracing
	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)
	envInt("METRICS_PORT", &config.Metrics.Port)
	envString("SERVICE_NAME", &config.Observability.ServiceName)
	envBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	envString("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	envString("TRACING_OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	envFloat("TRACING_SAMPLE_RATE", &config.Observability.Tracing.SampleRate)

	// Adaptive limiter
	envFloat("LIMITER_BASE_RATE", &config.Limiter.BaseRate)
	envFloat("LIMITER_MIN_RATE", &config.Limiter.MinRate)
	envFloat("LIMITER_MAX_RATE", &config.Limiter.MaxRate)
	envDuration("LIMITER_RECOVERY_COOLDOWN", &config.Limiter.RecoveryCooldown)
	envFloat("LIMITER_RECOVERY_STEP", &config.Limiter.RecoveryStep)
	envDuration("LIMITER_MAX_BACKOFF", &config.Limiter.MaxBackoff)

	// Fleet
	envDuration("STOP_TIMEOUT", &config.Fleet.StopTimeout)
	envDuration("START_TIMEOUT", &config.Fleet.StartTimeout)

	// Platform
	envString("PLATFORM_BASE_URL", &config.Platform.BaseURL)
	envDuration("PLATFORM_REQUEST_TIMEOUT", &config.Platform.RequestTimeout)
	envDuration("PLATFORM_POLL_TIMEOUT", &config.Platform.PollTimeout)
}

// loadCredentials appends environment credentials after those from the file.
// Tokens already configured in the file are skipped.
func loadCredentials(config *models.Config) error {
	sources, err := credentialsFromEnv()
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(config.Fleet.Credentials))
	for _, c := range config.Fleet.Credentials {
		seen[c.Token] = struct{}{}
	}
	for _, src := range sources {
		if _, dup := seen[src.Token]; dup {
			slog.Debug("Skipping environment credential already present in config file", "credential_id", src.ID)
			continue
		}
		seen[src.Token] = struct{}{}
		config.Fleet.Credentials = append(config.Fleet.Credentials, src)
	}
	return nil
}

func credentialsFromEnv() ([]models.CredentialSource, error) {
	if raw := strings.TrimSpace(os.Getenv(EnvTokenPool)); raw != "" {
		var tokens []string
		if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
			return nil, fmt.Errorf("%s must be a JSON array of strings: %w", EnvTokenPool, err)
		}
		out := make([]models.CredentialSource, 0, len(tokens))
		for i, tok := range tokens {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			out = append(out, models.CredentialSource{ID: fmt.Sprintf("pool-%d", i+1), Token: tok})
		}
		return out, nil
	}

	var out []models.CredentialSource
	for i := 1; ; i++ {
		tok := strings.TrimSpace(os.Getenv(EnvTokenPrefix + strconv.Itoa(i)))
		if tok == "" {
			break
		}
		out = append(out, models.CredentialSource{ID: fmt.Sprintf("bot-%d", i), Token: tok})
	}
	return out, nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// SaveExample writes a sample configuration with placeholder credentials.
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()
	config.Storage.Type = models.StorageTypeSQLite
	config.Storage.Database.DSN = "./data/fleet.db"
	config.Fleet.Credentials = []models.CredentialSource{
		{ID: "bot-1", Token: "123456789:replace-with-a-real-token"},
		{ID: "bot-2", Token: "987654321:replace-with-a-real-token"},
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
