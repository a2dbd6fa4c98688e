package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. LADDER_SCHEDULER_WORKERS.
const EnvPrefix = "LADDER"

// Config represents the complete ladder configuration
type Config struct {
	State     StateConfig     `mapstructure:"state"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	// Resources maps a semaphore resource name to its slot limit
	Resources map[string]int `mapstructure:"resources"`
}

// StateConfig controls where feature state documents live
type StateConfig struct {
	// Dir holds one state document per feature (default: .ladder/state)
	Dir string `mapstructure:"dir"`
	// Backend selects the persistence primitive: "file" or "sqlite"
	Backend string `mapstructure:"backend"`
	// Feature is the feature whose state commands operate on
	Feature string `mapstructure:"feature"`
	// BusyTimeout bounds how long the sqlite backend waits for its write lock
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// SchedulerConfig controls the in-process worker pool
type SchedulerConfig struct {
	// Workers is the number of concurrent workers
	Workers int `mapstructure:"workers"`
	// MaxRetries is how many times a failed task is retried before it stays failed
	MaxRetries int `mapstructure:"max_retries"`
	// StaleTimeout marks in-progress tasks stale when started longer ago than this
	StaleTimeout time.Duration `mapstructure:"stale_timeout"`
	// PollInterval is how often idle workers look for claimable work
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ReadyTimeout bounds the wait for every worker to report ready
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// BackoffInitial is the delay before the first retry
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	// BackoffMax caps the delay between retries
	BackoffMax time.Duration `mapstructure:"backoff_max"`
	// PerLevelBalance resets worker load at every level when planning
	PerLevelBalance bool `mapstructure:"per_level_balance"`
	// Strategy names the assignment strategy ("lpt" or "lpt-per-level")
	Strategy string `mapstructure:"strategy"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is active (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is where ladder.log is written; empty logs to stderr
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// MetricsConfig controls the status HTTP endpoint
type MetricsConfig struct {
	// Addr is the listen address of the status API (default: 127.0.0.1:9464)
	Addr string `mapstructure:"addr"`
}

// StoreConfig converts the state section into a statestore.Config.
func (c *StateConfig) StoreConfig() statestore.Config {
	return statestore.Config{
		Dir:         c.Dir,
		Feature:     c.Feature,
		Backend:     c.Backend,
		BusyTimeout: c.BusyTimeout,
	}
}

// SemaphorePath returns the location of the shared resource semaphore document.
func (c *StateConfig) SemaphorePath() string {
	return filepath.Join(c.Dir, "semaphores.json")
}

// PlanPath returns where the assignment plan of a feature is saved.
func (c *StateConfig) PlanPath(feature string) string {
	return filepath.Join(c.Dir, "plans", feature+".json")
}

// NewLogger builds the configured logger. Disabled logging yields a no-op logger.
func (c *LoggingConfig) NewLogger() (*logging.Logger, error) {
	if !c.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLoggerWithRotation(c.Dir, c.Level, logging.RotationConfig{
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
	})
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		State: StateConfig{
			Dir:         filepath.Join(".ladder", "state"),
			Backend:     statestore.BackendFile,
			Feature:     "",
			BusyTimeout: statestore.DefaultBusyTimeout,
		},
		Scheduler: SchedulerConfig{
			Workers:         4,
			MaxRetries:      2,
			StaleTimeout:    30 * time.Minute,
			PollInterval:    500 * time.Millisecond,
			ReadyTimeout:    2 * time.Minute,
			BackoffInitial:  30 * time.Second,
			BackoffMax:      10 * time.Minute,
			PerLevelBalance: true,
			Strategy:        "",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			Dir:        "",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Resources: map[string]int{},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// State defaults
	viper.SetDefault("state.dir", defaults.State.Dir)
	viper.SetDefault("state.backend", defaults.State.Backend)
	viper.SetDefault("state.feature", defaults.State.Feature)
	viper.SetDefault("state.busy_timeout", defaults.State.BusyTimeout)

	// Scheduler defaults
	viper.SetDefault("scheduler.workers", defaults.Scheduler.Workers)
	viper.SetDefault("scheduler.max_retries", defaults.Scheduler.MaxRetries)
	viper.SetDefault("scheduler.stale_timeout", defaults.Scheduler.StaleTimeout)
	viper.SetDefault("scheduler.poll_interval", defaults.Scheduler.PollInterval)
	viper.SetDefault("scheduler.ready_timeout", defaults.Scheduler.ReadyTimeout)
	viper.SetDefault("scheduler.backoff_initial", defaults.Scheduler.BackoffInitial)
	viper.SetDefault("scheduler.backoff_max", defaults.Scheduler.BackoffMax)
	viper.SetDefault("scheduler.per_level_balance", defaults.Scheduler.PerLevelBalance)
	viper.SetDefault("scheduler.strategy", defaults.Scheduler.Strategy)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Metrics defaults
	viper.SetDefault("metrics.addr", defaults.Metrics.Addr)

	viper.SetDefault("resources", defaults.Resources)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against a specific viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Resources == nil {
		cfg.Resources = map[string]int{}
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
		return filepath.Join(xdg, "ladder")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ladder"
	}
	return filepath.Join(home, ".config", "ladder")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
