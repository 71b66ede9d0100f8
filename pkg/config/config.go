// Copyright 2025 Certen Protocol
//
// Deployment configuration loader: reads the runner's environment-variable
// surface (RPC endpoint, agent key, database URL, service ports).

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the deployment-level configuration for a task runner process.
type Config struct {
	// Chain endpoint
	EthereumURL string
	EthChainID  int64

	// Service endpoints
	ListenAddr  string
	MetricsAddr string
	HealthAddr  string

	// Database (audit sink), URL-based
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DatabaseRequired  bool

	// Agent identity
	EthPrivateKey     string
	EthAccountAddress string
	AgentID           string

	DataDir  string
	LogLevel string

	// Mode selects autonomous discovery-driven operation vs a fixed batch
	// of task addresses supplied at startup.
	Mode       string
	BatchItems []string
}

// Load reads configuration from environment variables. Required variables
// have no defaults; call Validate() after Load() before starting the
// service.
func Load() (*Config, error) {
	cfg := &Config{
		EthereumURL: getEnv("ETHEREUM_URL", ""),
		EthChainID:  getEnvInt64("ETH_CHAIN_ID", 11155111),

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),
		HealthAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("HEALTH_CHECK_PORT", "8081"),

		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		DatabaseRequired:  getEnvBool("DATABASE_REQUIRED", false),

		EthPrivateKey:     getEnv("ETH_PRIVATE_KEY", ""),
		EthAccountAddress: getEnv("ETH_ACCOUNT_ADDRESS", ""),
		AgentID:           getEnv("AGENT_ID", "agent-default"),

		DataDir:  getEnv("DATA_DIR", "./data"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Mode:       getEnv("RUNNER_MODE", "autonomous"),
		BatchItems: parseList(getEnv("BATCH_TASK_IDS", "")),
	}

	return cfg, nil
}

// Validate checks that the configuration is sufficient to run against a
// real chain endpoint.
func (c *Config) Validate() error {
	var errs []string

	if c.EthereumURL == "" {
		errs = append(errs, "ETHEREUM_URL is required but not set")
	}
	if c.EthPrivateKey == "" {
		errs = append(errs, "ETH_PRIVATE_KEY is required but not set")
	}
	if c.Mode != "autonomous" && c.Mode != "batch" {
		errs = append(errs, fmt.Sprintf("RUNNER_MODE must be autonomous or batch, got %q", c.Mode))
	}
	if c.Mode == "batch" && len(c.BatchItems) == 0 {
		errs = append(errs, "BATCH_TASK_IDS is required when RUNNER_MODE=batch")
	}
	if c.DatabaseRequired && c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required when DATABASE_REQUIRED is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
