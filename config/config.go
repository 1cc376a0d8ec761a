package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConflictStrategy selects how the sync engine resolves divergent versions.
type ConflictStrategy string

const (
	StrategyManual     ConflictStrategy = "manual"
	StrategyLatestWins ConflictStrategy = "latest-wins"
	StrategyMerge      ConflictStrategy = "merge"
)

// Config is the engine configuration. Defaults come from Default(); first-run
// values come from Recommended(); AdaptToCapabilities shrinks settings to
// what the host can actually do.
type Config struct {
	MaxRecords           int64            `yaml:"max_records,omitempty"`
	EnableLocalEmbedding bool             `yaml:"enable_local_embedding"`
	AutoSync             bool             `yaml:"auto_sync"`
	SyncInterval         time.Duration    `yaml:"sync_interval,omitempty"`
	SyncSchedule         string           `yaml:"sync_schedule,omitempty"` // optional cron expression, overrides SyncInterval
	ConflictStrategy     ConflictStrategy `yaml:"conflict_strategy,omitempty"`
	RecordTTL            time.Duration    `yaml:"record_ttl,omitempty"` // 0 disables expiry
	OfflineMode          bool             `yaml:"offline_mode"`
	SimilarityThreshold  float64          `yaml:"similarity_threshold,omitempty"`
	DataDir              string           `yaml:"data_dir,omitempty"`
	AvgRecordBytes       int64            `yaml:"avg_record_bytes,omitempty"` // estimate used for quota-based capacity
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		MaxRecords:           5000,
		EnableLocalEmbedding: true,
		AutoSync:             true,
		SyncInterval:         5 * time.Minute,
		ConflictStrategy:     StrategyLatestWins,
		RecordTTL:            0,
		OfflineMode:          false,
		SimilarityThreshold:  0.3,
		DataDir:              defaultDataDir(),
		AvgRecordBytes:       4096,
	}
}

// Violation describes one invalid configuration field. Validation returns
// violations rather than failing so callers may proceed with adjusted
// defaults.
type Violation struct {
	Field   string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// Validate returns the list of violations in c, empty when the config is
// usable as-is.
func (c Config) Validate() []Violation {
	var violations []Violation
	if c.MaxRecords <= 0 {
		violations = append(violations, Violation{"max_records", "must be positive"})
	}
	if c.SyncSchedule == "" && c.SyncInterval < time.Second {
		violations = append(violations, Violation{"sync_interval", "must be at least one second"})
	}
	if c.SyncSchedule != "" {
		if _, err := ParseSchedule(c.SyncSchedule); err != nil {
			violations = append(violations, Violation{"sync_schedule", err.Error()})
		}
	}
	if c.RecordTTL < 0 {
		violations = append(violations, Violation{"record_ttl", "must not be negative"})
	}
	switch c.ConflictStrategy {
	case StrategyManual, StrategyLatestWins, StrategyMerge:
	default:
		violations = append(violations, Violation{"conflict_strategy",
			fmt.Sprintf("unknown strategy %q", c.ConflictStrategy)})
	}
	if c.SimilarityThreshold < -1 || c.SimilarityThreshold > 1 {
		violations = append(violations, Violation{"similarity_threshold", "must be within [-1, 1]"})
	}
	return violations
}

// AdaptToCapabilities shrinks the configuration to what the host supports:
// capacity proportional to quota (a fifth of quota, divided by the average
// record size estimate), local embedding only with an inference runtime and
// background headroom, offline mode when no network was detected.
func (c Config) AdaptToCapabilities(caps Capabilities) Config {
	adapted := c
	if caps.StorageQuotaBytes > 0 {
		avg := c.AvgRecordBytes
		if avg <= 0 {
			avg = 4096
		}
		byQuota := caps.StorageQuotaBytes / 5 / avg
		if byQuota < 1 {
			byQuota = 1
		}
		if byQuota < adapted.MaxRecords {
			adapted.MaxRecords = byQuota
		}
	}
	if !caps.InferenceRuntime || !caps.BackgroundExec {
		adapted.EnableLocalEmbedding = false
	}
	if !caps.Online {
		adapted.OfflineMode = true
	}
	return adapted
}

// Recommended tiers first-run defaults by storage quota and connectivity.
func Recommended(caps Capabilities) Config {
	cfg := Default()
	switch {
	case caps.StorageQuotaBytes >= 10<<30:
		cfg.MaxRecords = 10000
	case caps.StorageQuotaBytes >= 1<<30:
		cfg.MaxRecords = 5000
	case caps.StorageQuotaBytes > 0:
		cfg.MaxRecords = 1000
	}
	return cfg.AdaptToCapabilities(caps)
}

// Merge overlays the non-zero fields of overrides onto c. Used to layer
// flag/env overrides over a loaded config file.
func (c Config) Merge(overrides Config) (Config, error) {
	merged := c
	if err := mergo.Merge(&merged, overrides, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge config: %w", err)
	}
	return merged, nil
}

// Path returns the config file location, overridable via STM_CONFIG_PATH.
func Path() string {
	if envPath := os.Getenv("STM_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.stmd/config.yaml"
	}
	return filepath.Join(homeDir, ".stmd", "config.yaml")
}

// Load reads a YAML config file layered over Default(). A missing file is
// not an error; defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // G304: user-specified config path is intentional
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.stmd"
	}
	return filepath.Join(homeDir, ".stmd")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
