// Package config loads process configuration from the environment and
// scoring profiles from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Coordination backends for locks and cooldowns.
const (
	CoordinationSQL      = "sql"
	CoordinationDynamoDB = "dynamodb"
)

// Lock modes.
const (
	LockModeAtomic  = "atomic"
	LockModeTwoStep = "two_step"
)

// Config holds everything a process needs to wire the pipeline.
type Config struct {
	StoreDriver         string `validate:"oneof=postgres sqlite"`
	DatabaseURL         string
	SQLitePath          string
	CoordinationBackend string `validate:"oneof=sql dynamodb"`
	DynamoDBTable       string
	DynamoDBEndpoint    string
	AWSRegion           string
	LockMode            string `validate:"oneof=atomic two_step"`
	WritesEnabled       bool
	ScoringProfilesPath string
	LogJSON             bool
	Debug               bool

	Scheduler   SchedulerConfig
	Pipeline    PipelineConfig
	Cooldown    CooldownConfig
	Idempotency IdempotencyConfig
	Feeds       FeedsConfig
	Research    ResearchConfig
	RateLimit   RateLimitConfig
}

// SchedulerConfig controls polling cadence and lock lifetimes.
type SchedulerConfig struct {
	PollInterval   time.Duration `validate:"gt=0"`
	LockTTL        time.Duration `validate:"gt=0"`
	SubjectLockTTL time.Duration `validate:"gt=0"`
	MaxConcurrency int           `validate:"min=1,max=32"`
	BatchLimit     int           `validate:"min=1"`
}

// PipelineConfig bounds pipeline execution.
type PipelineConfig struct {
	Timeout             time.Duration `validate:"gt=0"`
	ExternalCallTimeout time.Duration `validate:"gt=0"`
	RunClaimTTL         time.Duration `validate:"gt=0"`
	MinLeadTime         time.Duration `validate:"gte=0"`
	Lookahead           time.Duration `validate:"gt=0"`
}

// CooldownConfig sets the temporary suppression windows.
type CooldownConfig struct {
	PassWindow  time.Duration `validate:"gt=0"`
	ErrorWindow time.Duration `validate:"gt=0"`
}

// IdempotencyConfig controls the step idempotency store.
type IdempotencyConfig struct {
	ReservationTTL time.Duration `validate:"gt=0"`
}

// FeedsConfig points at the game-data and odds service.
type FeedsConfig struct {
	BaseURL    string
	APIKey     string
	RatePerSec float64 `validate:"gt=0"`
	Burst      int     `validate:"min=1"`
}

// ResearchConfig controls the optional research signal.
type ResearchConfig struct {
	Enabled bool
	APIKey  string
}

// RateLimitConfig sets the per-client HTTP request budget.
type RateLimitConfig struct {
	Enabled       bool
	DefaultLimit  int           `validate:"min=1"`
	DefaultWindow time.Duration `validate:"gt=0"`
	Whitelist     []string
	Blacklist     []string
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		StoreDriver:         getEnvString("STORE_DRIVER", DriverPostgres),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          getEnvString("SQLITE_PATH", "pick_agent.db"),
		CoordinationBackend: getEnvString("COORDINATION_BACKEND", CoordinationSQL),
		DynamoDBTable:       getEnvString("DYNAMODB_TABLE", "pick-agent-coordination"),
		DynamoDBEndpoint:    os.Getenv("DYNAMODB_ENDPOINT"),
		AWSRegion:           os.Getenv("AWS_REGION"),
		LockMode:            getEnvString("LOCK_MODE", LockModeAtomic),
		WritesEnabled:       getEnvBool("WRITES_ENABLED", true),
		ScoringProfilesPath: getEnvString("SCORING_PROFILES_PATH", "config/scoring.yaml"),
		LogJSON:             getEnvBool("LOG_JSON", false),
		Debug:               getEnvBool("DEBUG", false),
		Scheduler: SchedulerConfig{
			PollInterval:   getEnvDuration("SCHEDULER_POLL_INTERVAL", 6*time.Minute),
			LockTTL:        getEnvDuration("SCHEDULER_LOCK_TTL", 5*time.Minute),
			SubjectLockTTL: getEnvDuration("SUBJECT_LOCK_TTL", 3*time.Minute),
			MaxConcurrency: getEnvInt("SCHEDULER_MAX_CONCURRENCY", 1),
			BatchLimit:     getEnvInt("SCHEDULER_BATCH_LIMIT", 50),
		},
		Pipeline: PipelineConfig{
			Timeout:             getEnvDuration("PIPELINE_TIMEOUT", 2*time.Minute),
			ExternalCallTimeout: getEnvDuration("EXTERNAL_CALL_TIMEOUT", 20*time.Second),
			RunClaimTTL:         getEnvDuration("RUN_CLAIM_TTL", 10*time.Minute),
			MinLeadTime:         getEnvDuration("PIPELINE_MIN_LEAD_TIME", 15*time.Minute),
			Lookahead:           getEnvDuration("PIPELINE_LOOKAHEAD", 36*time.Hour),
		},
		Cooldown: CooldownConfig{
			PassWindow:  getEnvDuration("COOLDOWN_PASS_WINDOW", 12*time.Hour),
			ErrorWindow: getEnvDuration("COOLDOWN_ERROR_WINDOW", 2*time.Hour),
		},
		Idempotency: IdempotencyConfig{
			ReservationTTL: getEnvDuration("IDEMPOTENCY_RESERVATION_TTL", 5*time.Minute),
		},
		Feeds: FeedsConfig{
			BaseURL:    os.Getenv("FEEDS_BASE_URL"),
			APIKey:     os.Getenv("FEEDS_API_KEY"),
			RatePerSec: getEnvFloat("FEEDS_RATE_PER_SEC", 5),
			Burst:      getEnvInt("FEEDS_BURST", 5),
		},
		Research: ResearchConfig{
			Enabled: getEnvBool("RESEARCH_ENABLED", false),
			APIKey:  os.Getenv("GEMINI_API_KEY"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RATE_LIMIT_ENABLED", true),
			DefaultLimit:  getEnvInt("RATE_LIMIT_DEFAULT_LIMIT", 600),
			DefaultWindow: getEnvDuration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
			Whitelist:     getEnvList("RATE_LIMIT_WHITELIST"),
			Blacklist:     getEnvList("RATE_LIMIT_BLACKLIST"),
		},
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize validates field ranges and the timing relationships the
// scheduler depends on.
func (c *Config) normalize() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.StoreDriver == DriverPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	if c.StoreDriver == DriverSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=sqlite")
	}
	if c.CoordinationBackend == CoordinationDynamoDB && c.DynamoDBTable == "" {
		return fmt.Errorf("DYNAMODB_TABLE is required when COORDINATION_BACKEND=dynamodb")
	}

	// A subject lock must outlive the pipeline it guards, and the global lock
	// must be released (or expire) before the next poll fires.
	if c.Pipeline.Timeout >= c.Scheduler.SubjectLockTTL {
		return fmt.Errorf("PIPELINE_TIMEOUT (%s) must be shorter than SUBJECT_LOCK_TTL (%s)",
			c.Pipeline.Timeout, c.Scheduler.SubjectLockTTL)
	}
	if c.Scheduler.LockTTL >= c.Scheduler.PollInterval {
		return fmt.Errorf("SCHEDULER_LOCK_TTL (%s) must be shorter than SCHEDULER_POLL_INTERVAL (%s)",
			c.Scheduler.LockTTL, c.Scheduler.PollInterval)
	}
	if c.Pipeline.Timeout >= c.Scheduler.LockTTL {
		return fmt.Errorf("PIPELINE_TIMEOUT (%s) must be shorter than SCHEDULER_LOCK_TTL (%s)",
			c.Pipeline.Timeout, c.Scheduler.LockTTL)
	}
	if c.Pipeline.ExternalCallTimeout > c.Pipeline.Timeout {
		return fmt.Errorf("EXTERNAL_CALL_TIMEOUT (%s) must not exceed PIPELINE_TIMEOUT (%s)",
			c.Pipeline.ExternalCallTimeout, c.Pipeline.Timeout)
	}
	if c.Research.Enabled && c.Research.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when RESEARCH_ENABLED=true")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blank entries.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
