package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete acorns configuration
type Config struct {
	Manager ManagerConfig `mapstructure:"manager" yaml:"manager"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Loader  LoaderConfig  `mapstructure:"loader" yaml:"loader"`
	Modules ModulesConfig `mapstructure:"modules" yaml:"modules"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
}

// ManagerConfig controls the program registry and the worker pool
type ManagerConfig struct {
	// MaxPrograms is the number of registry slots (default: 16)
	MaxPrograms int `mapstructure:"max_programs" yaml:"max_programs"`
	// Workers is the number of worker goroutines serving the queue (default: 4)
	Workers int `mapstructure:"workers" yaml:"workers"`
	// QueueSize is the request queue capacity; producers block when full (default: 25)
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	// LockTimeout is how long a lock acquisition may wait before the process
	// is considered starved and panics
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	// MaxInputBytes caps a program's pending input buffer
	MaxInputBytes int `mapstructure:"max_input_bytes" yaml:"max_input_bytes"`
	// VersionMode selects how version tags are computed.
	// Options: "content" (hash of the whole source), "prefix" (leading bytes)
	VersionMode string `mapstructure:"version_mode" yaml:"version_mode"`
	// VersionPrefixLen is the tag length in prefix mode (default: 30)
	VersionPrefixLen int `mapstructure:"version_prefix_len" yaml:"version_prefix_len"`
}

// EngineConfig controls the Lua execution substrate
type EngineConfig struct {
	// CallStackSize is the per-program call stack depth (0 = library default)
	CallStackSize int `mapstructure:"call_stack_size" yaml:"call_stack_size"`
	// RegistrySize is the initial per-program registry size (0 = library default)
	RegistrySize int `mapstructure:"registry_size" yaml:"registry_size"`
	// CheckpointInterval is the number of VM instructions between yields
	CheckpointInterval int `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	// OpenLibs loads the Lua standard library into the root scope
	OpenLibs bool `mapstructure:"open_libs" yaml:"open_libs"`
}

// LoaderConfig controls loading programs from a directory
type LoaderConfig struct {
	// Dir is the directory scanned by "acorns serve" when no argument is given
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Pattern is a glob matched against file names (default: "*.lua")
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
	// Watch reloads and closes programs as files change or disappear
	Watch bool `mapstructure:"watch" yaml:"watch"`
	// Debounce coalesces bursts of file events
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// ModulesConfig controls import()
type ModulesConfig struct {
	// Dir is where import("name") looks for name.lua (empty disables import)
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level" yaml:"level"`
	// Dir holds acorns.log; empty logs to stderr
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB is the log size that triggers rotation
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated logs kept
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated logs
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// OutputConfig controls console output
type OutputConfig struct {
	// Color is "auto" (only on a terminal), "always" or "never"
	Color string `mapstructure:"color" yaml:"color"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Manager: ManagerConfig{
			MaxPrograms:      16,
			Workers:          4,
			QueueSize:        25,
			LockTimeout:      30 * time.Second,
			MaxInputBytes:    64 * 1024,
			VersionMode:      "content",
			VersionPrefixLen: 30,
		},
		Engine: EngineConfig{
			CheckpointInterval: 1000,
			OpenLibs:           true,
		},
		Loader: LoaderConfig{
			Pattern:  "*.lua",
			Watch:    true,
			Debounce: 200 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Output: OutputConfig{
			Color: "auto",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Manager defaults
	viper.SetDefault("manager.max_programs", defaults.Manager.MaxPrograms)
	viper.SetDefault("manager.workers", defaults.Manager.Workers)
	viper.SetDefault("manager.queue_size", defaults.Manager.QueueSize)
	viper.SetDefault("manager.lock_timeout", defaults.Manager.LockTimeout)
	viper.SetDefault("manager.max_input_bytes", defaults.Manager.MaxInputBytes)
	viper.SetDefault("manager.version_mode", defaults.Manager.VersionMode)
	viper.SetDefault("manager.version_prefix_len", defaults.Manager.VersionPrefixLen)

	// Engine defaults
	viper.SetDefault("engine.call_stack_size", defaults.Engine.CallStackSize)
	viper.SetDefault("engine.registry_size", defaults.Engine.RegistrySize)
	viper.SetDefault("engine.checkpoint_interval", defaults.Engine.CheckpointInterval)
	viper.SetDefault("engine.open_libs", defaults.Engine.OpenLibs)

	// Loader defaults
	viper.SetDefault("loader.dir", defaults.Loader.Dir)
	viper.SetDefault("loader.pattern", defaults.Loader.Pattern)
	viper.SetDefault("loader.watch", defaults.Loader.Watch)
	viper.SetDefault("loader.debounce", defaults.Loader.Debounce)

	viper.SetDefault("modules.dir", defaults.Modules.Dir)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	viper.SetDefault("output.color", defaults.Output.Color)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "acorns")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".acorns"
	}
	return filepath.Join(home, ".config", "acorns")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
