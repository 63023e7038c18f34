package domain

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines which infrastructure backends are used
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`

	// Scoring pipeline
	Scoring  ScoringConfig  `yaml:"scoring"`
	Profile  ProfileConfig  `yaml:"profile"`
	Features FeaturesConfig `yaml:"features"`
	Explain  ExplainConfig  `yaml:"explain"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Ingest   IngestConfig   `yaml:"ingest"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds

	// RateLimitRPS limits scoring requests per client IP; 0 disables.
	RateLimitRPS   int `yaml:"rate_limit_rps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// ScoringConfig controls the ensemble and the latency budget.
type ScoringConfig struct {
	AlertThreshold          float64            `yaml:"alert_threshold"`
	HighConfidenceThreshold float64            `yaml:"high_confidence_threshold"`
	Timeout                 time.Duration      `yaml:"timeout"`
	ModelsDir               string             `yaml:"models_dir"`
	Weights                 map[string]float64 `yaml:"weights"`
}

// ProfileConfig controls the sharded profile store.
type ProfileConfig struct {
	Shards         int           `yaml:"shards"`
	QueueSize      int           `yaml:"queue_size"`
	WindowCapacity int           `yaml:"window_capacity"`
	IdleEviction   time.Duration `yaml:"idle_eviction"`
	SnapshotTTL    time.Duration `yaml:"snapshot_ttl"`
	WarmTimeout    time.Duration `yaml:"warm_timeout"`
}

// FeaturesConfig controls feature extraction.
type FeaturesConfig struct {
	AmountEpsilon     float64 `yaml:"amount_epsilon"`
	MaxTravelSpeedKmh float64 `yaml:"max_travel_speed_kmh"`
	VelocityThreshold int     `yaml:"velocity_threshold"`
	HighAmount        float64 `yaml:"high_amount"`
	MaxAmount         float64 `yaml:"max_amount"`
	RiskTablesPath    string  `yaml:"risk_tables_path"`
	DefaultFraudRate  float64 `yaml:"default_fraud_rate"`
	DefaultRarity     float64 `yaml:"default_device_rarity"`
}

// ExplainConfig controls the explainability engine.
type ExplainConfig struct {
	TopK             int           `yaml:"top_k"`
	MaxPerturbations int           `yaml:"max_perturbations"`
	Async            bool          `yaml:"async"`
	Timeout          time.Duration `yaml:"timeout"`
}

// AlertsConfig controls alert deduplication.
type AlertsConfig struct {
	SuppressionWindow time.Duration `yaml:"suppression_window"`

	// SlidingSuppression extends the window from the latest linked
	// occurrence instead of the alert's first occurrence.
	SlidingSuppression bool `yaml:"sliding_suppression"`
}

// OutboxConfig controls write-behind persistence.
type OutboxConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	DeadLetters int           `yaml:"dead_letters"`
}

// IngestConfig controls the stream ingestion worker.
type IngestConfig struct {
	Enabled    bool `yaml:"enabled"`
	Partitions int  `yaml:"partitions"`
	QueueSize  int  `yaml:"queue_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"` // OTLP gRPC endpoint
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   30,
			RateLimitRPS:   0,
			RateLimitBurst: 200,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			AlertThreshold:          0.7,
			HighConfidenceThreshold: 0.9,
			Timeout:                 40 * time.Millisecond,
		},
		Profile: ProfileConfig{
			Shards:         16,
			QueueSize:      1024,
			WindowCapacity: 512,
			IdleEviction:   48 * time.Hour,
			SnapshotTTL:    72 * time.Hour,
			WarmTimeout:    20 * time.Millisecond,
		},
		Features: FeaturesConfig{
			AmountEpsilon:     1.0,
			MaxTravelSpeedKmh: 900,
			VelocityThreshold: 5,
			HighAmount:        5000,
			MaxAmount:         1_000_000,
			DefaultFraudRate:  0.02,
			DefaultRarity:     0.5,
		},
		Explain: ExplainConfig{
			TopK:             5,
			MaxPerturbations: 24,
			Async:            true,
			Timeout:          2 * time.Second,
		},
		Alerts: AlertsConfig{
			SuppressionWindow: 10 * time.Minute,
		},
		Outbox: OutboxConfig{
			BufferSize:  4096,
			Workers:     2,
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
			DeadLetters: 1000,
		},
		Ingest: IngestConfig{
			Enabled:    false,
			Partitions: 8,
			QueueSize:  256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   10000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Ingest.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks cross-field constraints after all overrides are applied.
func (c *Config) Validate() error {
	var errs []error
	if c.Scoring.AlertThreshold <= 0 || c.Scoring.AlertThreshold > 1 {
		errs = append(errs, fmt.Errorf("scoring.alert_threshold must be in (0, 1], got %v", c.Scoring.AlertThreshold))
	}
	if c.Scoring.HighConfidenceThreshold <= 0 || c.Scoring.HighConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("scoring.high_confidence_threshold must be in (0, 1], got %v", c.Scoring.HighConfidenceThreshold))
	}
	if c.Scoring.Timeout <= 0 {
		errs = append(errs, errors.New("scoring.timeout must be positive"))
	}
	for name, w := range c.Scoring.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("scoring.weights.%s must not be negative", name))
		}
	}
	if c.Profile.Shards <= 0 {
		errs = append(errs, errors.New("profile.shards must be positive"))
	}
	if c.Features.AmountEpsilon <= 0 {
		errs = append(errs, errors.New("features.amount_epsilon must be positive"))
	}
	if c.Features.MaxTravelSpeedKmh <= 0 {
		errs = append(errs, errors.New("features.max_travel_speed_kmh must be positive"))
	}
	if c.Features.VelocityThreshold <= 0 {
		errs = append(errs, errors.New("features.velocity_threshold must be positive"))
	}
	if c.Explain.TopK <= 0 {
		errs = append(errs, errors.New("explain.top_k must be positive"))
	}
	if c.Alerts.SuppressionWindow < 0 {
		errs = append(errs, errors.New("alerts.suppression_window must not be negative"))
	}
	return errors.Join(errs...)
}
