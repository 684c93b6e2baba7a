// Package config loads runtime configuration for an agent run.
// Precedence: defaults < .arcadia/config.yaml < environment variables.
// A .env file in the project directory is loaded into the environment
// before the overrides are applied.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultModel is used when neither config file nor ARCADIA_MODEL set one.
	DefaultModel = "gemini-2.5-flash"

	// ConfigFilename is the per-project config file under .arcadia/.
	ConfigFilename = "config.yaml"
)

// BudgetConfig controls cost limits for a run.
type BudgetConfig struct {
	MaxBudgetUSD     float64 `yaml:"max_budget_usd"`
	WarningThreshold float64 `yaml:"warning_threshold"`
	Currency         string  `yaml:"currency"`

	// Cost per 1k tokens
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
}

// DefaultBudget returns the stock budget limits.
func DefaultBudget() BudgetConfig {
	return BudgetConfig{
		MaxBudgetUSD:     10.0,
		WarningThreshold: 0.8,
		Currency:         "USD",
		InputCostPer1K:   0.003,
		OutputCostPer1K:  0.015,
	}
}

// Cost estimates the USD cost of a token pair at the configured rates.
func (b BudgetConfig) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*b.InputCostPer1K +
		float64(outputTokens)/1000*b.OutputCostPer1K
}

// Config is the full runtime configuration for an agent run.
type Config struct {
	Model         string       `yaml:"model"`
	MaxIterations int          `yaml:"max_iterations"` // 0 = unlimited
	MaxNoProgress int          `yaml:"max_no_progress"`
	AuditCadence  int          `yaml:"audit_cadence"` // audit every N completed features, 0 disables
	AutonomyLevel string       `yaml:"autonomy_level"`
	Budget        BudgetConfig `yaml:"budget"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Model:         DefaultModel,
		MaxIterations: 0,
		MaxNoProgress: 3,
		AuditCadence:  10,
		AutonomyLevel: "execute_safe",
		Budget:        DefaultBudget(),
	}
}

// Load builds the configuration for a project directory.
func Load(projectDir string) (Config, error) {
	cfg := Default()

	// .env is optional; ignore a missing file
	_ = godotenv.Load(filepath.Join(projectDir, ".env"))

	path := filepath.Join(projectDir, ".arcadia", ConfigFilename)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	applyEnv(&cfg)

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Budget.WarningThreshold <= 0 || cfg.Budget.WarningThreshold > 1 {
		cfg.Budget.WarningThreshold = 0.8
	}
	if cfg.Budget.Currency == "" {
		cfg.Budget.Currency = "USD"
	}

	return cfg, nil
}

// applyEnv overrides config values from environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARCADIA_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("ARCADIA_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxIterations = n
		}
	}
	if v := os.Getenv("ARCADIA_MAX_NO_PROGRESS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxNoProgress = n
		}
	}
	if v := os.Getenv("ARCADIA_AUDIT_CADENCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.AuditCadence = n
		}
	}
	if v := os.Getenv("ARCADIA_AUTONOMY_LEVEL"); v != "" {
		cfg.AutonomyLevel = v
	}
	if v := os.Getenv("ARCADIA_MAX_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.MaxBudgetUSD = f
		}
	}
	if v := os.Getenv("ARCADIA_BUDGET_WARNING"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.WarningThreshold = f
		}
	}
	if v := os.Getenv("ARCADIA_INPUT_COST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.InputCostPer1K = f
		}
	}
	if v := os.Getenv("ARCADIA_OUTPUT_COST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.OutputCostPer1K = f
		}
	}
}

// APIKey returns the assistant API key from the environment.
// Returns an error when no key is set so callers can surface a
// structured auth failure instead of a mid-session one.
func APIKey() (string, error) {
	for _, name := range []string{"ARCADIA_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no API key set (expected ARCADIA_API_KEY or GEMINI_API_KEY)")
}
