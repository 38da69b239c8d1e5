package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	if cfg.Manager.MaxPrograms != 16 {
		t.Errorf("Manager.MaxPrograms = %d, want 16", cfg.Manager.MaxPrograms)
	}
	if cfg.Manager.Workers != 4 {
		t.Errorf("Manager.Workers = %d, want 4", cfg.Manager.Workers)
	}
	if cfg.Manager.QueueSize != 25 {
		t.Errorf("Manager.QueueSize = %d, want 25", cfg.Manager.QueueSize)
	}
	if cfg.Manager.LockTimeout != 30*time.Second {
		t.Errorf("Manager.LockTimeout = %v, want 30s", cfg.Manager.LockTimeout)
	}
	if cfg.Manager.VersionMode != "content" {
		t.Errorf("Manager.VersionMode = %q, want content", cfg.Manager.VersionMode)
	}
	if cfg.Manager.VersionPrefixLen != 30 {
		t.Errorf("Manager.VersionPrefixLen = %d, want 30", cfg.Manager.VersionPrefixLen)
	}
	if cfg.Engine.CheckpointInterval != 1000 {
		t.Errorf("Engine.CheckpointInterval = %d, want 1000", cfg.Engine.CheckpointInterval)
	}
	if !cfg.Engine.OpenLibs {
		t.Error("Engine.OpenLibs should be true by default")
	}
	if cfg.Loader.Pattern != "*.lua" {
		t.Errorf("Loader.Pattern = %q, want *.lua", cfg.Loader.Pattern)
	}
	if cfg.Output.Color != "auto" {
		t.Errorf("Output.Color = %q, want auto", cfg.Output.Color)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("uses XDG_CONFIG_HOME", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", dir)

		if got := ConfigDir(); got != filepath.Join(dir, "acorns") {
			t.Errorf("ConfigDir() = %q, want %q", got, filepath.Join(dir, "acorns"))
		}
	})

	t.Run("falls back to home", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		if got := ConfigDir(); !strings.HasSuffix(got, "acorns") {
			t.Errorf("ConfigDir() = %q, want a path ending in acorns", got)
		}
	})
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := ConfigFile(); got != "/tmp/xdg/acorns/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestGet(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()

	cfg := Get()
	if cfg.Manager.Workers != 4 {
		t.Errorf("Manager.Workers = %d, want 4", cfg.Manager.Workers)
	}
	if cfg.Loader.Debounce != 200*time.Millisecond {
		t.Errorf("Loader.Debounce = %v, want 200ms", cfg.Loader.Debounce)
	}
}

func TestGet_FallsBackOnInvalid(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()
	viper.Set("manager.workers", 0)

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail with zero workers")
	}
	if cfg := Get(); cfg.Manager.Workers != 4 {
		t.Errorf("Get() should fall back to defaults, got workers=%d", cfg.Manager.Workers)
	}
}

func TestLoadFrom_Overrides(t *testing.T) {
	v := viper.New()
	for key, value := range map[string]any{
		"manager.max_programs":       8,
		"manager.workers":            2,
		"manager.queue_size":         5,
		"manager.lock_timeout":       "5s",
		"manager.max_input_bytes":    1024,
		"manager.version_mode":       "prefix",
		"manager.version_prefix_len": 10,
		"engine.checkpoint_interval": 50,
		"loader.pattern":             "*.acorn",
		"logging.max_size_mb":        1,
		"output.color":               "never",
	} {
		v.Set(key, value)
	}

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Manager.LockTimeout != 5*time.Second {
		t.Errorf("LockTimeout = %v, want 5s", cfg.Manager.LockTimeout)
	}
	if cfg.Manager.VersionMode != "prefix" || cfg.Manager.VersionPrefixLen != 10 {
		t.Errorf("version = %s/%d", cfg.Manager.VersionMode, cfg.Manager.VersionPrefixLen)
	}
	if cfg.Loader.Pattern != "*.acorn" {
		t.Errorf("Pattern = %q", cfg.Loader.Pattern)
	}
}
