package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sfncore/convex-retention/internal/retention"
)

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retaind.toml")

	original := retention.DefaultConfig()
	original.IndexRetentionDelay = 2 * time.Hour
	original.DeleteParallel = 8
	original.FailEnabled = false

	if err := Save(path, original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.IndexRetentionDelay != original.IndexRetentionDelay {
		t.Errorf("IndexRetentionDelay = %v, want %v", loaded.IndexRetentionDelay, original.IndexRetentionDelay)
	}
	if loaded.DeleteParallel != original.DeleteParallel {
		t.Errorf("DeleteParallel = %d, want %d", loaded.DeleteParallel, original.DeleteParallel)
	}
	if loaded.FailEnabled != original.FailEnabled {
		t.Errorf("FailEnabled = %v, want %v", loaded.FailEnabled, original.FailEnabled)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.toml")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := retention.DefaultConfig()
	if loaded.AdvanceFrequency != want.AdvanceFrequency {
		t.Errorf("AdvanceFrequency = %v, want %v", loaded.AdvanceFrequency, want.AdvanceFrequency)
	}
}
