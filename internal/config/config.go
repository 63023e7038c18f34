// Package config assembles the runtime configuration from defaults, an
// optional YAML file and KESTREL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "KESTREL_"

// Load builds the configuration. Precedence, lowest first: tier defaults,
// the YAML file at path (skipped when empty), then environment variables.
// A .env file in the working directory is loaded first if present.
func Load(path string) (*domain.Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *domain.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *domain.Config) {
	setString(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.RateLimitRPS, "RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "RATE_LIMIT_BURST")

	setString(&cfg.Repository.Driver, "DB_DRIVER")
	setString(&cfg.Repository.SQLitePath, "SQLITE_PATH")
	setString(&cfg.Repository.PostgresHost, "POSTGRES_HOST")
	setInt(&cfg.Repository.PostgresPort, "POSTGRES_PORT")
	setString(&cfg.Repository.PostgresUser, "POSTGRES_USER")
	setString(&cfg.Repository.PostgresPassword, "POSTGRES_PASSWORD")
	setString(&cfg.Repository.PostgresDB, "POSTGRES_DB")
	setString(&cfg.Repository.PostgresSSLMode, "POSTGRES_SSLMODE")

	setString(&cfg.Cache.Type, "CACHE_TYPE")
	setString(&cfg.Cache.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "REDIS_PASSWORD")

	setString(&cfg.EventBus.Type, "BUS_TYPE")
	setString(&cfg.EventBus.NATSUrl, "NATS_URL")
	setString(&cfg.EventBus.NATSToken, "NATS_TOKEN")

	setFloat(&cfg.Scoring.AlertThreshold, "ALERT_THRESHOLD")
	setFloat(&cfg.Scoring.HighConfidenceThreshold, "HIGH_CONFIDENCE_THRESHOLD")
	setDuration(&cfg.Scoring.Timeout, "SCORING_TIMEOUT")
	setString(&cfg.Scoring.ModelsDir, "MODELS_DIR")

	setInt(&cfg.Profile.Shards, "PROFILE_SHARDS")
	setInt(&cfg.Features.VelocityThreshold, "VELOCITY_THRESHOLD")
	setFloat(&cfg.Features.MaxTravelSpeedKmh, "MAX_TRAVEL_SPEED_KMH")
	setString(&cfg.Features.RiskTablesPath, "RISK_TABLES")

	setInt(&cfg.Explain.TopK, "EXPLAIN_TOP_K")
	setBool(&cfg.Explain.Async, "EXPLAIN_ASYNC")
	setDuration(&cfg.Alerts.SuppressionWindow, "SUPPRESSION_WINDOW")
	setBool(&cfg.Alerts.SlidingSuppression, "SLIDING_SUPPRESSION")

	setBool(&cfg.Ingest.Enabled, "INGEST_ENABLED")
	setInt(&cfg.Ingest.Partitions, "INGEST_PARTITIONS")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "OTLP_ENDPOINT")

	// Legacy debug switch
	if os.Getenv(EnvPrefix+"DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
}

// Helper functions

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
