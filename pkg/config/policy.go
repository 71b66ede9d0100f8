// Copyright 2025 Certen Protocol
//
// Policy configuration loader: the runner's tunable knobs (retry policy,
// backpressure thresholds, speculation limits) as a YAML file with
// environment-variable substitution, separate from the deployment surface
// in config.go.

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyConfig holds all runtime-tunable policy for a task runner process.
type PolicyConfig struct {
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`

	Pipeline     PipelineSettings     `yaml:"pipeline"`
	Backpressure BackpressureSettings `yaml:"backpressure"`
	Speculation  SpeculationSettings  `yaml:"speculation"`
	Monitoring   MonitoringSettings   `yaml:"monitoring"`
}

// PipelineSettings mirrors pipeline.Config's tunables.
type PipelineSettings struct {
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	TaskTimeout        Duration `yaml:"task_timeout"`
	ClaimExpiryBuffer  Duration `yaml:"claim_expiry_buffer"`
	RetryMaxAttempts   int      `yaml:"retry_max_attempts"`
	RetryBaseDelay     Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      Duration `yaml:"retry_max_delay"`
	RetryJitter        bool     `yaml:"retry_jitter"`
}

// BackpressureSettings mirrors pipeline.Backpressure.
type BackpressureSettings struct {
	Enabled        bool `yaml:"enabled"`
	HighWaterMark  int  `yaml:"high_water_mark"`
	LowWaterMark   int  `yaml:"low_water_mark"`
	PauseDiscovery bool `yaml:"pause_discovery"`
}

// SpeculationSettings mirrors speculative.Config.
type SpeculationSettings struct {
	Enabled                     bool     `yaml:"enabled"`
	MaxSpeculationDepth         int      `yaml:"max_speculation_depth"`
	MaxSpeculativeStake         string   `yaml:"max_speculative_stake"`
	AllowPrivateSpeculation     bool     `yaml:"allow_private_speculation"`
	MinReputationForSpeculation int      `yaml:"min_reputation_for_speculation"`
	ProofTimeout                Duration `yaml:"proof_timeout"`
	Strategy                    string   `yaml:"strategy"`
	MaxRollbackRatePercent      float64  `yaml:"max_rollback_rate_percent"`
}

// MonitoringSettings contains observability configuration.
type MonitoringSettings struct {
	Metrics MetricsSettings `yaml:"metrics"`
	Logging LoggingSettings `yaml:"logging"`
}

type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// LoadPolicyConfig loads policy configuration from a YAML file, substituting
// ${VAR_NAME} and ${VAR_NAME:-default} references against the environment.
func LoadPolicyConfig(path string) (*PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy config %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg PolicyConfig
	// Booleans whose code default is true are preset before unmarshaling,
	// since applyDefaults cannot tell an absent key from an explicit false.
	cfg.Pipeline.RetryJitter = true
	cfg.Speculation.Enabled = true
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills zero-valued fields with the same defaults the pipeline
// and speculative packages use internally, so a missing/partial YAML file
// behaves identically to the code defaults.
func (c *PolicyConfig) applyDefaults() {
	if c.Pipeline.MaxConcurrentTasks == 0 {
		c.Pipeline.MaxConcurrentTasks = 1
	}
	if c.Pipeline.TaskTimeout == 0 {
		c.Pipeline.TaskTimeout = Duration(300 * time.Second)
	}
	if c.Pipeline.ClaimExpiryBuffer == 0 {
		c.Pipeline.ClaimExpiryBuffer = Duration(30 * time.Second)
	}
	if c.Pipeline.RetryMaxAttempts == 0 {
		c.Pipeline.RetryMaxAttempts = 3
	}
	if c.Pipeline.RetryBaseDelay == 0 {
		c.Pipeline.RetryBaseDelay = Duration(500 * time.Millisecond)
	}
	if c.Pipeline.RetryMaxDelay == 0 {
		c.Pipeline.RetryMaxDelay = Duration(10 * time.Second)
	}

	if c.Speculation.MaxSpeculationDepth == 0 {
		c.Speculation.MaxSpeculationDepth = 3
	}
	if c.Speculation.MaxSpeculativeStake == "" {
		c.Speculation.MaxSpeculativeStake = "10000000000"
	}
	if c.Speculation.MinReputationForSpeculation == 0 {
		c.Speculation.MinReputationForSpeculation = 500
	}
	if c.Speculation.ProofTimeout == 0 {
		c.Speculation.ProofTimeout = Duration(300 * time.Second)
	}
	if c.Speculation.Strategy == "" {
		c.Speculation.Strategy = "fifo"
	}
	if c.Speculation.MaxRollbackRatePercent == 0 {
		c.Speculation.MaxRollbackRatePercent = 20
	}

	if c.Monitoring.Metrics.Path == "" {
		c.Monitoring.Metrics.Path = "/metrics"
	}
	if c.Monitoring.Logging.Level == "" {
		c.Monitoring.Logging.Level = "info"
	}
	if c.Monitoring.Logging.Format == "" {
		c.Monitoring.Logging.Format = "json"
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the policy configuration is internally consistent.
func (c *PolicyConfig) Validate() error {
	var errs []string

	if c.Backpressure.Enabled && c.Backpressure.HighWaterMark <= c.Backpressure.LowWaterMark {
		errs = append(errs, "backpressure.high_water_mark must exceed backpressure.low_water_mark")
	}
	switch c.Speculation.Strategy {
	case "fifo", "priority", "reward-weighted":
	default:
		errs = append(errs, fmt.Sprintf("speculation.strategy %q is not one of fifo, priority, reward-weighted", c.Speculation.Strategy))
	}
	if c.Speculation.MaxRollbackRatePercent < 0 || c.Speculation.MaxRollbackRatePercent > 100 {
		errs = append(errs, "speculation.max_rollback_rate_percent must be between 0 and 100")
	}

	if len(errs) > 0 {
		return fmt.Errorf("policy configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
