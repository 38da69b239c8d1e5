// Package config provides CLI commands for managing acorns configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/EternityForest/Acorns/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or create acorns configuration",
	Long: `View or create acorns configuration.

Without arguments, displays the effective configuration.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration as YAML",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a config file holding every option at its default value.`,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for invalid values",
	RunE:  runConfigValidate,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var (
	initPath  string
	initForce bool
)

func init() {
	configInitCmd.Flags().StringVarP(&initPath, "output", "o", "", "where to write the file (default is the user config file)")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configPathCmd)
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}
	return writeYAML(out, appconfig.Get())
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := initPath
	if path == "" {
		path = appconfig.ConfigFile()
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintln(f, "# acorns configuration. Every key can also be set as ACORNS_<SECTION>_<KEY>.")
	if err := writeYAML(f, appconfig.Default()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, err := appconfig.Load()
	var verrs appconfig.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return fmt.Errorf("configuration is invalid:\n%s", verrs.Error())
	case err != nil:
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", appconfig.ConfigFile())
	}
	fmt.Fprintln(out, "\nEnvironment variables: ACORNS_* (e.g., ACORNS_MANAGER_WORKERS)")
	return nil
}

func writeYAML(w io.Writer, cfg *appconfig.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
