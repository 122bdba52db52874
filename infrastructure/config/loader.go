// Package config loads and validates the kernel's typed configuration
// record. Every recognised option is enumerated on Config; there is no
// free-form dictionary. Missing required options fail at startup with a
// configuration error (CLI exit code 1), never a silently substituted
// zero-value default for a safety-relevant field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config enumerates every option the kernel recognises.
type Config struct {
	// DataDir is the run directory holding events.log and checkpoints/.
	DataDir string `yaml:"data_dir"`

	// CheckpointInterval is how often the supervisor triggers a
	// stop-the-world snapshot.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// MaxInvocationDepth bounds nested invoke() recursion.
	MaxInvocationDepth int `yaml:"max_invocation_depth"`

	// MaxPermissionDepth bounds contract-evaluation recursion, independent
	// of MaxInvocationDepth.
	MaxPermissionDepth int `yaml:"max_permission_depth"`

	// CallTimeout is the per-invocation wall-clock limit.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// TombstoneRetention is how long a deleted artifact's tombstone is kept
	// before the ID may no longer be queried at all (it is never reused).
	TombstoneRetention time.Duration `yaml:"tombstone_retention"`

	// DefaultBuckets configures the default token-bucket rate/capacity per
	// resource kind, applied to newly spawned principals absent an
	// explicit override.
	DefaultBuckets map[string]BucketConfig `yaml:"default_buckets"`

	// ListenAddr is the HTTP address for the metrics/dashboard facade. Empty
	// disables the facade.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel and LogFormat configure infrastructure/logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// BucketConfig is the rate/capacity pair for one resource's token bucket.
type BucketConfig struct {
	Rate       float64 `yaml:"rate"`
	Capacity   float64 `yaml:"capacity"`
	DebtAllowed bool   `yaml:"debt_allowed"`
}

// defaults returns the baseline configuration before env/file overrides are
// applied. Every field here is a deliberate choice, not a zero-value
// placeholder.
func defaults() Config {
	return Config{
		DataDir:            "./run",
		CheckpointInterval: 5 * time.Minute,
		MaxInvocationDepth: 5,
		MaxPermissionDepth: 3,
		CallTimeout:        10 * time.Second,
		TombstoneRetention: 24 * time.Hour,
		DefaultBuckets: map[string]BucketConfig{
			"compute": {Rate: 10, Capacity: 600, DebtAllowed: true},
			"disk":    {Rate: 0, Capacity: 1 << 20, DebtAllowed: false},
			"llm_tokens": {Rate: 2000, Capacity: 120000, DebtAllowed: false},
		},
		ListenAddr: ":9090",
		LogLevel:   "info",
		LogFormat:  "json",
	}
}

// Load builds a Config from, in ascending priority: built-in defaults, an
// optional YAML file at configPath (ignored if empty or missing), a
// development .env file (loaded via godotenv if present and non-fatal if
// absent), then environment variables.
func Load(configPath string) (Config, error) {
	cfg := defaults()

	if configPath != "" {
		if err := mergeYAMLFile(&cfg, configPath); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeYAMLFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := GetEnv("KERNEL_DATA_DIR", ""); v != "" {
		cfg.DataDir = v
	}
	if v, ok := ParseEnvDuration("KERNEL_CHECKPOINT_INTERVAL"); ok {
		cfg.CheckpointInterval = v
	}
	if v, ok := ParseEnvInt("KERNEL_MAX_INVOCATION_DEPTH"); ok {
		cfg.MaxInvocationDepth = v
	}
	if v, ok := ParseEnvInt("KERNEL_MAX_PERMISSION_DEPTH"); ok {
		cfg.MaxPermissionDepth = v
	}
	if v, ok := ParseEnvDuration("KERNEL_CALL_TIMEOUT"); ok {
		cfg.CallTimeout = v
	}
	if v, ok := ParseEnvDuration("KERNEL_TOMBSTONE_RETENTION"); ok {
		cfg.TombstoneRetention = v
	}
	if v := GetEnv("KERNEL_LISTEN_ADDR", ""); v != "" {
		cfg.ListenAddr = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		cfg.LogLevel = v
	}
	if v := GetEnv("LOG_FORMAT", ""); v != "" {
		cfg.LogFormat = v
	}
}

// Validate rejects configurations with missing or unsafe values for
// safety-relevant fields. Called by Load; exported so callers constructing a
// Config programmatically (tests, embedders) can reuse the same checks.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.MaxInvocationDepth <= 0 {
		return fmt.Errorf("max_invocation_depth must be positive, got %d", c.MaxInvocationDepth)
	}
	if c.MaxPermissionDepth <= 0 {
		return fmt.Errorf("max_permission_depth must be positive, got %d", c.MaxPermissionDepth)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive, got %s", c.CallTimeout)
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval must be positive, got %s", c.CheckpointInterval)
	}
	return nil
}

// =============================================================================
// Environment variable helpers
// =============================================================================

// GetEnv retrieves an environment variable with an optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable with an optional
// default. Accepts "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt retrieves an integer environment variable with an optional
// default. Returns the default if the value is invalid.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// ParseEnvInt parses an integer from the given environment variable.
// Returns the parsed value and true if successful, or 0 and false if not set
// or invalid.
func ParseEnvInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ParseEnvDuration parses a duration from the given environment variable.
// Returns the parsed duration and true if successful, or 0 and false if not
// set or invalid.
func ParseEnvDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// =============================================================================
// CSV / byte-size / duration / bool / int parsing helpers
// =============================================================================

// SplitAndTrimCSV splits a CSV string and trims each part. Empty values are
// filtered out.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// ParseByteSize parses a size string like "1GB", "512MB" into bytes.
// Supported suffixes: B, KB, MB, GB (and lowercase variants).
func ParseByteSize(raw string) (int64, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return 0, fmt.Errorf("empty size")
	}

	type suffix struct {
		value      string
		multiplier int64
	}

	suffixes := []suffix{
		{"gib", 1024 * 1024 * 1024},
		{"gb", 1024 * 1024 * 1024},
		{"g", 1024 * 1024 * 1024},
		{"mib", 1024 * 1024},
		{"mb", 1024 * 1024},
		{"m", 1024 * 1024},
		{"kib", 1024},
		{"kb", 1024},
		{"k", 1024},
		{"b", 1},
	}

	const maxInt64 = int64(^uint64(0) >> 1)

	for _, entry := range suffixes {
		if !strings.HasSuffix(value, entry.value) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(value, entry.value))
		if num == "" {
			return 0, fmt.Errorf("missing size value")
		}
		parsed, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, err
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("size must be positive")
		}
		if parsed > maxInt64/entry.multiplier {
			return 0, fmt.Errorf("size too large")
		}
		return parsed * entry.multiplier, nil
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return parsed, nil
}

// ParseDurationOrDefault parses a duration string or returns the default.
func ParseDurationOrDefault(raw string, defaultDuration time.Duration) time.Duration {
	if raw == "" {
		return defaultDuration
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return defaultDuration
}

// ParseBoolOrDefault parses a boolean string or returns the default. Accepts
// "true", "1", "yes", "y" (case-insensitive) as true.
func ParseBoolOrDefault(raw string, defaultValue bool) bool {
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// ParseIntOrDefault parses an integer string or returns the default.
func ParseIntOrDefault(raw string, defaultValue int) int {
	if raw == "" {
		return defaultValue
	}
	if parsed, err := strconv.Atoi(raw); err == nil {
		return parsed
	}
	return defaultValue
}
