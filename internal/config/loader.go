// Package config loads retaind's tunables from a TOML file on disk,
// following the Save/Load round-trip shape of the teacher's
// internal/config package but for a single injected configuration
// struct rather than many JSON documents.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/sfncore/convex-retention/internal/retention"
)

// Load reads a TOML configuration file at path and overlays it onto the
// library defaults, so an operator's retaind.toml only needs to name
// the tunables it wants to change. A missing file is not an error: the
// defaults are returned unchanged.
func Load(path string) (*retention.Config, error) {
	cfg := retention.DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating parent directories as
// needed.
func Save(path string, cfg *retention.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return nil
}
