package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all order-core configuration.
type Config struct {
	Environment string
	LogLevel    string

	Sim     SimConfig
	Replace ReplaceConfig
	Broker  BrokerConfig
	Metrics MetricsConfig
}

// SimConfig controls whether the Order Manager synthesizes broker
// responses instead of talking to a real gateway, per spec_full.md §11.
type SimConfig struct {
	Enabled bool
}

// ReplaceConfig tunes the Unified Fill Manager's cancel-then-create
// replacement protocol.
type ReplaceConfig struct {
	RetryCount   int
	RetryBackoff time.Duration
	SettleDelay  time.Duration
	FillEpsilon  float64
}

// BrokerConfig tunes the Order Manager's interaction with the broker
// gateway abstraction.
type BrokerConfig struct {
	IDPollInterval  time.Duration
	CommissionWait  time.Duration
}

// MetricsConfig gates Prometheus metric recording (see monitoring.Enabled).
type MetricsConfig struct {
	Enabled bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		Sim: SimConfig{
			Enabled: getEnvAsBool("SIM_MODE", true),
		},

		Replace: ReplaceConfig{
			RetryCount:   getEnvAsInt("REPLACE_RETRY_COUNT", 3),
			RetryBackoff: getEnvAsDuration("REPLACE_RETRY_BACKOFF", 500*time.Millisecond),
			SettleDelay:  getEnvAsDuration("REPLACE_SETTLE_DELAY", 100*time.Millisecond),
			FillEpsilon:  getEnvAsFloat("FILL_EPSILON", 1e-6),
		},

		Broker: BrokerConfig{
			IDPollInterval: getEnvAsDuration("BROKER_ID_POLL_INTERVAL", 50*time.Millisecond),
			CommissionWait: getEnvAsDuration("COMMISSION_WAIT", time.Second),
		},

		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is coherent.
func (c *Config) Validate() error {
	if c.Replace.RetryCount < 0 {
		return fmt.Errorf("REPLACE_RETRY_COUNT must be >= 0")
	}
	if c.Replace.FillEpsilon <= 0 {
		return fmt.Errorf("FILL_EPSILON must be > 0")
	}
	if c.Environment == "production" && c.Sim.Enabled {
		log.Println("WARNING: SIM_MODE is enabled in a production environment")
	}
	return nil
}

// Helper functions

func getEnv(key string, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultVal
	}
	return value
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultVal
	}
	return value
}
