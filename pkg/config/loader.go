package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// configFileName is the expected YAML file inside the config directory.
const configFileName = "agentcore.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load .env from configDir (optional)
//  2. Read agentcore.yaml (optional; defaults apply when absent)
//  3. Expand environment variables
//  4. Parse YAML into sections
//  5. Merge built-in defaults under user values
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", envPath, "error", err)
	}

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"redis_addr", cfg.Redis.Addr,
		"key_prefix", cfg.Coordinator.KeyPrefix,
		"channel_prefix", cfg.Events.ChannelPrefix,
		"max_concurrent_workflows", cfg.Resources.MaxConcurrentWorkflows)

	return cfg, nil
}

// load reads the YAML file (when present) and merges defaults.
func load(configDir string) (*Config, error) {
	cfg := &Config{configDir: configDir}

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No file, run entirely on defaults.
	case err != nil:
		return nil, NewLoadError(configFileName, err)
	default:
		expanded := ExpandEnv(data)
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, NewLoadError(configFileName, fmt.Errorf("%w: %w", ErrInvalidYAML, err))
		}
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	return cfg, nil
}

// applyDefaults merges built-in defaults beneath any user-supplied values.
func applyDefaults(cfg *Config) error {
	sections := []struct {
		name string
		dst  func() error
	}{
		{"redis", func() error { return mergeSection(&cfg.Redis, DefaultRedisConfig()) }},
		{"coordinator", func() error { return mergeSection(&cfg.Coordinator, DefaultCoordinatorConfig()) }},
		{"events", func() error { return mergeSection(&cfg.Events, DefaultEventsConfig()) }},
		{"tracker", func() error { return mergeSection(&cfg.Tracker, DefaultTrackerConfig()) }},
		{"resources", func() error { return mergeSection(&cfg.Resources, DefaultResourceConfig()) }},
		{"session", func() error { return mergeSection(&cfg.Session, DefaultSessionConfig()) }},
	}
	for _, s := range sections {
		if err := s.dst(); err != nil {
			return fmt.Errorf("section %s: %w", s.name, err)
		}
	}
	return nil
}

// mergeSection fills zero fields of *dst from def, allocating when dst is nil.
func mergeSection[T any](dst **T, def *T) error {
	if *dst == nil {
		*dst = def
		return nil
	}
	return mergo.Merge(*dst, def)
}

// validate checks cross-field constraints the YAML schema cannot express.
func validate(cfg *Config) error {
	if cfg.Redis.Addr == "" {
		return &ValidationError{Component: "redis", Field: "addr", Err: ErrInvalidValue}
	}
	if cfg.Coordinator.KeyPrefix == "" {
		return &ValidationError{Component: "coordinator", Field: "key_prefix", Err: ErrInvalidValue}
	}
	if cfg.Coordinator.VisibilityTimeout <= 0 {
		return &ValidationError{Component: "coordinator", Field: "visibility_timeout", Err: ErrInvalidValue}
	}
	if cfg.Coordinator.NackBackoffBase <= 0 || cfg.Coordinator.NackBackoffCap < cfg.Coordinator.NackBackoffBase {
		return &ValidationError{Component: "coordinator", Field: "nack_backoff", Err: ErrInvalidValue}
	}
	if cfg.Coordinator.MaxDeliveryAttempts < 0 {
		return &ValidationError{Component: "coordinator", Field: "max_delivery_attempts", Err: ErrInvalidValue}
	}
	if cfg.Events.ChannelPrefix == "" {
		return &ValidationError{Component: "events", Field: "channel_prefix", Err: ErrInvalidValue}
	}
	if cfg.Events.ReadTimeout <= 0 {
		return &ValidationError{Component: "events", Field: "read_timeout", Err: ErrInvalidValue}
	}
	if cfg.Tracker.CleanupInterval <= 0 || cfg.Tracker.WorkflowTimeout <= 0 {
		return &ValidationError{Component: "tracker", Field: "intervals", Err: ErrInvalidValue}
	}
	if cfg.Resources.MaxConcurrentWorkflows <= 0 {
		return &ValidationError{Component: "resources", Field: "max_concurrent_workflows", Err: ErrInvalidValue}
	}
	if cfg.Resources.UtilizationWarningAt <= 0 || cfg.Resources.UtilizationWarningAt > 1 {
		return &ValidationError{Component: "resources", Field: "utilization_warning_at", Err: ErrInvalidValue}
	}
	return nil
}
