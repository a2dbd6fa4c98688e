// Package config provides CLI commands for managing ladder configuration.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	appconfig "github.com/Iron-Ham/ladder/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Wrapper functions for exec to allow testing
var execLookPath = exec.LookPath
var execCommand = exec.Command

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify ladder configuration",
	Long: `View or modify ladder configuration.

Without arguments, shows the effective configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  ladder config set scheduler.workers 8
  ladder config set state.backend sqlite
  ladder config set scheduler.stale_timeout 45m

Valid keys:
  state.dir                   - Directory holding state documents
  state.backend               - State backend: file or sqlite
  state.feature               - Default feature
  state.busy_timeout          - sqlite write lock wait (duration)
  scheduler.workers           - Number of concurrent workers
  scheduler.max_retries       - Retries before a task stays failed
  scheduler.stale_timeout     - In-progress age that marks a task stale (duration)
  scheduler.poll_interval     - Idle worker poll interval (duration)
  scheduler.ready_timeout     - Wait for workers to report ready (duration)
  scheduler.backoff_initial   - Delay before the first retry (duration)
  scheduler.backoff_max       - Cap on the retry delay (duration)
  scheduler.per_level_balance - Reset worker load per level when planning (true/false)
  scheduler.strategy          - Assignment strategy: lpt or lpt-per-level
  logging.enabled             - Enable logging (true/false)
  logging.level               - debug, info, warn or error
  logging.dir                 - Directory for ladder.log (empty logs to stderr)
  logging.max_size_mb         - Log size before rotation
  logging.max_backups         - Rotated log files to keep
  metrics.addr                - Status API listen address`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/ladder/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in your editor",
	Long: `Open the config file in your preferred editor.

Uses $EDITOR environment variable, or falls back to common editors (vim, nano, vi).
If no config file exists, creates one with default values first.`,
	RunE: runConfigEdit,
}

var configResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Reset configuration to defaults",
	Long: `Reset configuration values to their defaults.

Without arguments, resets all configuration to defaults.
With a key argument, resets only that specific key.

Examples:
  ladder config reset                    # Reset all to defaults
  ladder config reset scheduler.workers  # Reset only scheduler.workers`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigReset,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configResetCmd)
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

// keyTypes lists the settable keys and how their values are parsed.
var keyTypes = map[string]string{
	"state.dir":                   "string",
	"state.backend":               "backend",
	"state.feature":               "string",
	"state.busy_timeout":          "duration",
	"scheduler.workers":           "int",
	"scheduler.max_retries":       "int",
	"scheduler.stale_timeout":     "duration",
	"scheduler.poll_interval":     "duration",
	"scheduler.ready_timeout":     "duration",
	"scheduler.backoff_initial":   "duration",
	"scheduler.backoff_max":       "duration",
	"scheduler.per_level_balance": "bool",
	"scheduler.strategy":          "strategy",
	"logging.enabled":             "bool",
	"logging.level":               "level",
	"logging.dir":                 "string",
	"logging.max_size_mb":         "int",
	"logging.max_backups":         "int",
	"metrics.addr":                "string",
}

func defaultValues() map[string]any {
	d := appconfig.Default()
	return map[string]any{
		"state.dir":                   d.State.Dir,
		"state.backend":               d.State.Backend,
		"state.feature":               d.State.Feature,
		"state.busy_timeout":          d.State.BusyTimeout.String(),
		"scheduler.workers":           d.Scheduler.Workers,
		"scheduler.max_retries":       d.Scheduler.MaxRetries,
		"scheduler.stale_timeout":     d.Scheduler.StaleTimeout.String(),
		"scheduler.poll_interval":     d.Scheduler.PollInterval.String(),
		"scheduler.ready_timeout":     d.Scheduler.ReadyTimeout.String(),
		"scheduler.backoff_initial":   d.Scheduler.BackoffInitial.String(),
		"scheduler.backoff_max":       d.Scheduler.BackoffMax.String(),
		"scheduler.per_level_balance": d.Scheduler.PerLevelBalance,
		"scheduler.strategy":          d.Scheduler.Strategy,
		"logging.enabled":             d.Logging.Enabled,
		"logging.level":               d.Logging.Level,
		"logging.dir":                 d.Logging.Dir,
		"logging.max_size_mb":         d.Logging.MaxSizeMB,
		"logging.max_backups":         d.Logging.MaxBackups,
		"metrics.addr":                d.Metrics.Addr,
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := appconfig.Get()
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Current configuration:")
	fmt.Fprintln(out)

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Config file: (none - using defaults)\n")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "state:")
	fmt.Fprintf(out, "  dir: %s\n", cfg.State.Dir)
	fmt.Fprintf(out, "  backend: %s\n", cfg.State.Backend)
	fmt.Fprintf(out, "  feature: %s\n", cfg.State.Feature)
	fmt.Fprintf(out, "  busy_timeout: %s\n", cfg.State.BusyTimeout)

	fmt.Fprintln(out, "scheduler:")
	fmt.Fprintf(out, "  workers: %d\n", cfg.Scheduler.Workers)
	fmt.Fprintf(out, "  max_retries: %d\n", cfg.Scheduler.MaxRetries)
	fmt.Fprintf(out, "  stale_timeout: %s\n", cfg.Scheduler.StaleTimeout)
	fmt.Fprintf(out, "  poll_interval: %s\n", cfg.Scheduler.PollInterval)
	fmt.Fprintf(out, "  ready_timeout: %s\n", cfg.Scheduler.ReadyTimeout)
	fmt.Fprintf(out, "  backoff_initial: %s\n", cfg.Scheduler.BackoffInitial)
	fmt.Fprintf(out, "  backoff_max: %s\n", cfg.Scheduler.BackoffMax)
	fmt.Fprintf(out, "  per_level_balance: %v\n", cfg.Scheduler.PerLevelBalance)
	fmt.Fprintf(out, "  strategy: %s\n", cfg.Scheduler.Strategy)

	fmt.Fprintln(out, "logging:")
	fmt.Fprintf(out, "  enabled: %v\n", cfg.Logging.Enabled)
	fmt.Fprintf(out, "  level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  dir: %s\n", cfg.Logging.Dir)
	fmt.Fprintf(out, "  max_size_mb: %d\n", cfg.Logging.MaxSizeMB)
	fmt.Fprintf(out, "  max_backups: %d\n", cfg.Logging.MaxBackups)

	fmt.Fprintln(out, "metrics:")
	fmt.Fprintf(out, "  addr: %s\n", cfg.Metrics.Addr)

	if len(cfg.Resources) > 0 {
		fmt.Fprintln(out, "resources:")
		names := make([]string, 0, len(cfg.Resources))
		for name := range cfg.Resources {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %s: %d\n", name, cfg.Resources[name])
		}
	}

	return nil
}

// parseValue validates value against the type of key.
func parseValue(key, value string) (any, error) {
	keyType, ok := keyTypes[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'ladder config set --help' to see valid keys", key)
	}

	switch keyType {
	case "backend":
		return oneOf(key, value, appconfig.ValidBackends())
	case "level":
		return oneOf(key, value, appconfig.ValidLogLevels())
	case "strategy":
		return oneOf(key, value, appconfig.ValidStrategies())
	case "bool":
		if value != "true" && value != "false" {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return value == "true", nil
	case "int":
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if intVal < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return intVal, nil
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected a duration such as 30s or 10m", key)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid value for %s: must be positive", key)
		}
		return d.String(), nil
	default:
		return value, nil
	}
}

func oneOf(key, value string, valid []string) (any, error) {
	if !slices.Contains(valid, value) {
		return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
			key, value, strings.Join(valid, ", "))
	}
	return value, nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	typedValue, err := parseValue(key, args[1])
	if err != nil {
		return err
	}

	viper.Set(key, typedValue)

	configFile, err := writeConfig()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

// writeConfig writes viper's current settings to the user's config file.
func writeConfig() (string, error) {
	if err := os.MkdirAll(appconfig.ConfigDir(), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	configFile := appconfig.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return configFile, nil
}

const defaultConfig = `# ladder configuration

# Where coordination state lives
state:
  # One state document per feature is kept here
  dir: .ladder/state
  # Backend: file (flock + atomic rename) or sqlite
  backend: file
  # Feature used when --feature is not given
  feature: ""
  # How long the sqlite backend waits for its write lock
  busy_timeout: 5s

# In-process scheduler
scheduler:
  # Number of concurrent workers
  workers: 4
  # Retries before a task stays failed for operator attention
  max_retries: 2
  # In-progress tasks older than this are treated as stale
  stale_timeout: 30m
  # How often idle workers look for claimable work
  poll_interval: 500ms
  # How long to wait for every worker to report ready
  ready_timeout: 2m
  # Exponential retry backoff
  backoff_initial: 30s
  backoff_max: 10m
  # Reset worker load at every level when planning
  per_level_balance: true
  # Assignment strategy: lpt or lpt-per-level (empty follows per_level_balance)
  strategy: ""

# Debug logging
logging:
  enabled: true
  # debug, info, warn or error
  level: info
  # Directory for ladder.log; empty logs to stderr
  dir: ""
  max_size_mb: 10
  max_backups: 3

# Status API
metrics:
  addr: 127.0.0.1:9464

# Semaphore resources and their slot limits, e.g.
# resources:
#   database: 1
resources: {}
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'ladder config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	fmt.Fprintln(cmd.OutOrStdout(), "Edit this file to customize ladder's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := appconfig.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(appconfig.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_SCHEDULER_WORKERS)\n", appconfig.EnvPrefix, appconfig.EnvPrefix)
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "Config file doesn't exist, creating with defaults...\n")
		if err := runConfigInit(cmd, args); err != nil {
			return err
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		for _, e := range []string{"vim", "nano", "vi"} {
			if _, err := execLookPath(e); err == nil {
				editor = e
				break
			}
		}
	}
	if editor == "" {
		return fmt.Errorf("no editor found. Set $EDITOR environment variable")
	}

	editorCmd := execCommand(editor, configFile)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr

	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor exited with error: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Config file saved: %s\n", configFile)
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	defaults := defaultValues()

	if len(args) == 0 {
		for key, value := range defaults {
			viper.Set(key, value)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Reset all configuration to defaults.")
	} else {
		key := args[0]
		value, ok := defaults[key]
		if !ok {
			return fmt.Errorf("unknown configuration key: %s\nRun 'ladder config set --help' to see valid keys", key)
		}
		viper.Set(key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s to default: %v\n", key, value)
	}

	configFile, err := writeConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}
