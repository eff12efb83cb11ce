package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/tidwall/jsonc"
)

// Load reads and merges configuration from an explicit path or the default
// locations. Resolution order: defaults → user config
// (~/.config/mlbridge/mlbridge.jsonc) → explicit path → env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	userDir, err := os.UserConfigDir()
	if err == nil {
		userPath := filepath.Join(userDir, "mlbridge", "mlbridge.jsonc")
		if userMap, err := loadJSONC(userPath); err == nil {
			if err := mergeIntoConfig(&cfg, userMap); err != nil {
				return nil, fmt.Errorf("merging user config: %w", err)
			}
		}
	}

	if path != "" {
		m, err := loadJSONC(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		if err := mergeIntoConfig(&cfg, m); err != nil {
			return nil, fmt.Errorf("merging %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadJSONC reads a JSONC file and returns it as a map.
func loadJSONC(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jsonData := jsonc.ToJSON(data)
	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// mergeIntoConfig marshals the config to a map, deep-merges the source map
// over it, then unmarshals back to the Config struct.
func mergeIntoConfig(cfg *Config, src map[string]any) error {
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var dst map[string]any
	if err := json.Unmarshal(cfgBytes, &dst); err != nil {
		return err
	}

	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return err
	}

	merged, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, cfg)
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("MLBRIDGE_FORGE_TOKEN"); token != "" {
		cfg.Forge.Token = token
	}
	if token := os.Getenv("MLBRIDGE_TRACKER_TOKEN"); token != "" {
		cfg.Tracker.Token = token
	}
	if cache := os.Getenv("MLBRIDGE_ARCHIVE_CACHE"); cache != "" {
		cfg.Bridge.ArchiveCachePath = cache
	}
	if scratch := os.Getenv("MLBRIDGE_SCRATCH_DIR"); scratch != "" {
		cfg.Scheduler.ScratchDir = scratch
	}
}

// validate rejects configurations the bots cannot run with.
func validate(cfg *Config) error {
	if cfg.Bridge.SenderEmail == "" {
		return fmt.Errorf("bridge.sender_email is required")
	}
	if len(cfg.Bridge.Lists) == 0 {
		return fmt.Errorf("at least one bridge list is required")
	}
	for i, l := range cfg.Bridge.Lists {
		if l.Name == "" || l.Email == "" {
			return fmt.Errorf("bridge.lists[%d]: name and email are required", i)
		}
	}
	return nil
}
