package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	ServiceName        string
	Version            string
	HTTPPort           int
	LogLevel           string
	MeteringPointsFile string
	Database           DatabaseConfig
	RabbitMQ           RabbitMQConfig
	Cache              CacheConfig
	Validation         ValidationConfig
	Anomaly            AnomalyConfig
}

// DatabaseConfig selects and locates the record store
type DatabaseConfig struct {
	Driver     string
	URL        string
	SQLitePath string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	Enabled            bool
	URL                string
	OutcomeExchange    string
	OutcomeQueue       string
	OutcomeRoutingKey  string
	EventExchange      string
	EventRoutingPrefix string
	DLQQueue           string
	PrefetchCount      int
}

// CacheConfig holds the retry and reconciliation tunables
type CacheConfig struct {
	MaxImportTry           int
	DetailToleranceMinutes int
	LookbackDays           int
	MaxCallPerDay          int
	AnomalySampleSize      int
}

// ValidationConfig holds reading validation settings
type ValidationConfig struct {
	TimestampToleranceMinutes int
}

// AnomalyConfig holds spike detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads configuration from environment variables without validation
func FromEnv() *Config {
	return &Config{
		ServiceName:        getEnv("SERVICE_NAME", "energy-metering-cache"),
		Version:            getEnv("SERVICE_VERSION", "dev"),
		HTTPPort:           getEnvAsInt("SERVICE_PORT", 8081),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		MeteringPointsFile: getEnv("METERING_POINTS_FILE", ""),
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite)),
			URL:        getEnv("DATABASE_URL", ""),
			SQLitePath: getEnv("SQLITE_PATH", "/data/cache.db"),
		},
		RabbitMQ: RabbitMQConfig{
			Enabled:            getEnvAsBool("RABBITMQ_ENABLED", true),
			URL:                getEnv("RABBITMQ_URL", ""),
			OutcomeExchange:    getEnv("RABBITMQ_OUTCOME_EXCHANGE", "energy-metering.fetch.exchange"),
			OutcomeQueue:       getEnv("RABBITMQ_OUTCOME_QUEUE", "energy-metering.fetch.outcomes"),
			OutcomeRoutingKey:  getEnv("RABBITMQ_OUTCOME_ROUTING_KEY", "fetch.outcome.#"),
			EventExchange:      getEnv("RABBITMQ_EVENT_EXCHANGE", "energy-metering.cache.events.exchange"),
			EventRoutingPrefix: getEnv("RABBITMQ_EVENT_ROUTING_PREFIX", "cache.record"),
			DLQQueue:           getEnv("RABBITMQ_DLQ_QUEUE", "energy-metering.fetch.dlq"),
			PrefetchCount:      getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Cache: CacheConfig{
			MaxImportTry:           getEnvAsInt("CACHE_MAX_IMPORT_TRY", 3),
			DetailToleranceMinutes: getEnvAsInt("CACHE_DETAIL_TOLERANCE_MINUTES", 300),
			LookbackDays:           getEnvAsInt("CACHE_LOOKBACK_DAYS", 1095),
			MaxCallPerDay:          getEnvAsInt("CACHE_MAX_CALL", 500),
			AnomalySampleSize:      getEnvAsInt("CACHE_ANOMALY_SAMPLE_SIZE", 10),
		},
		Validation: ValidationConfig{
			TimestampToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 60),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
	}
}

// Validate checks required fields and tunable ranges
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", DriverPostgres)
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=%s", DriverSQLite)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (expected %s or %s)", c.Database.Driver, DriverPostgres, DriverSQLite)
	}
	if c.RabbitMQ.Enabled && c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if c.Cache.MaxImportTry < 1 {
		return fmt.Errorf("CACHE_MAX_IMPORT_TRY must be at least 1, got %d", c.Cache.MaxImportTry)
	}
	if c.Cache.DetailToleranceMinutes < 0 {
		return fmt.Errorf("CACHE_DETAIL_TOLERANCE_MINUTES must not be negative, got %d", c.Cache.DetailToleranceMinutes)
	}
	if c.Cache.LookbackDays < 1 {
		return fmt.Errorf("CACHE_LOOKBACK_DAYS must be at least 1, got %d", c.Cache.LookbackDays)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
