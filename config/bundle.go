package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Bundle is a serializable snapshot of settings plus detected capabilities,
// used for diagnostics export and persistence.
type Bundle struct {
	Settings     Config       `yaml:"settings"`
	Capabilities Capabilities `yaml:"capabilities"`
	ExportedAt   time.Time    `yaml:"exported_at"`
}

// ExportBundle serializes the current settings and capabilities as YAML.
func ExportBundle(cfg Config, caps Capabilities) ([]byte, error) {
	bundle := Bundle{
		Settings:     cfg,
		Capabilities: caps,
		ExportedAt:   time.Now(),
	}
	data, err := yaml.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal config bundle: %w", err)
	}
	return data, nil
}

// ImportBundle parses a previously exported bundle. The imported settings
// are validated; violations are returned alongside the bundle so the caller
// can decide whether to proceed with adjusted defaults.
func ImportBundle(data []byte) (Bundle, []Violation, error) {
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, nil, fmt.Errorf("parse config bundle: %w", err)
	}
	return bundle, bundle.Settings.Validate(), nil
}
