package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	if cfg.State.Backend != statestore.BackendFile {
		t.Errorf("State.Backend = %q, want %q", cfg.State.Backend, statestore.BackendFile)
	}
	if cfg.State.BusyTimeout != statestore.DefaultBusyTimeout {
		t.Errorf("State.BusyTimeout = %v, want %v", cfg.State.BusyTimeout, statestore.DefaultBusyTimeout)
	}

	if cfg.Scheduler.Workers != 4 {
		t.Errorf("Scheduler.Workers = %d, want 4", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.MaxRetries != 2 {
		t.Errorf("Scheduler.MaxRetries = %d, want 2", cfg.Scheduler.MaxRetries)
	}
	if cfg.Scheduler.StaleTimeout != 30*time.Minute {
		t.Errorf("Scheduler.StaleTimeout = %v, want 30m", cfg.Scheduler.StaleTimeout)
	}
	if !cfg.Scheduler.PerLevelBalance {
		t.Error("Scheduler.PerLevelBalance should be true by default")
	}

	if !cfg.Logging.Enabled || cfg.Logging.Level != "info" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Resources == nil {
		t.Error("Resources should be an empty map, not nil")
	}
}

func TestStateConfig_Paths(t *testing.T) {
	s := StateConfig{Dir: "/var/ladder", Feature: "auth", Backend: statestore.BackendSQLite}

	sc := s.StoreConfig()
	if sc.Path() != "/var/ladder/auth.db" {
		t.Errorf("StoreConfig().Path() = %q", sc.Path())
	}
	if s.SemaphorePath() != "/var/ladder/semaphores.json" {
		t.Errorf("SemaphorePath() = %q", s.SemaphorePath())
	}
	if s.PlanPath("auth") != "/var/ladder/plans/auth.json" {
		t.Errorf("PlanPath() = %q", s.PlanPath("auth"))
	}
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		l, err := (&LoggingConfig{Enabled: false}).NewLogger()
		if err != nil || l == nil {
			t.Fatalf("NewLogger() = %v, %v", l, err)
		}
	})

	t.Run("to directory", func(t *testing.T) {
		dir := t.TempDir()
		cfg := LoggingConfig{Enabled: true, Level: "debug", Dir: dir, MaxSizeMB: 1, MaxBackups: 1}
		l, err := cfg.NewLogger()
		if err != nil {
			t.Fatal(err)
		}
		l.Info("hello")
		_ = l.Close()
		data, err := os.ReadFile(filepath.Join(dir, "ladder.log"))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "hello") {
			t.Errorf("log file = %s", data)
		}
	})
}

func TestLoadFrom(t *testing.T) {
	v := viper.New()
	for key, value := range map[string]any{
		"state.dir":                   "/tmp/ladder",
		"state.backend":               "sqlite",
		"state.feature":               "auth",
		"state.busy_timeout":          "5s",
		"scheduler.workers":           8,
		"scheduler.max_retries":       3,
		"scheduler.stale_timeout":     "45m",
		"scheduler.poll_interval":     "250ms",
		"scheduler.ready_timeout":     "1m",
		"scheduler.backoff_initial":   "10s",
		"scheduler.backoff_max":       "5m",
		"scheduler.per_level_balance": false,
		"scheduler.strategy":          "lpt",
		"logging.enabled":             true,
		"logging.level":               "debug",
		"logging.max_size_mb":         5,
		"logging.max_backups":         1,
		"metrics.addr":                ":9000",
		"resources":                   map[string]any{"db": 2, "gpu": 1},
	} {
		v.Set(key, value)
	}

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.State.BusyTimeout != 5*time.Second {
		t.Errorf("BusyTimeout = %v, want 5s", cfg.State.BusyTimeout)
	}
	if cfg.Scheduler.Workers != 8 || cfg.Scheduler.PollInterval != 250*time.Millisecond {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Resources["db"] != 2 || cfg.Resources["gpu"] != 1 {
		t.Errorf("Resources = %v", cfg.Resources)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	v := viper.New()
	v.Set("state.dir", "")
	v.Set("scheduler.workers", 0)

	_, err := LoadFrom(v)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if len(verrs) < 2 {
		t.Errorf("got %d errors, want at least state.dir and scheduler.workers: %v", len(verrs), verrs)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	SetDefaults()
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	t.Setenv("LADDER_SCHEDULER_WORKERS", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Workers != 6 {
		t.Errorf("Scheduler.Workers = %d, want 6 from the environment", cfg.Scheduler.Workers)
	}
}

func TestGet(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()

	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Scheduler.Workers != Default().Scheduler.Workers {
		t.Errorf("Get().Scheduler.Workers = %d, want the default", cfg.Scheduler.Workers)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/ladder" {
			t.Errorf("ConfigDir() = %q", got)
		}
		if got := ConfigFile(); got != "/custom/config/ladder/config.yaml" {
			t.Errorf("ConfigFile() = %q", got)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		if got := ConfigDir(); got != filepath.Join(home, ".config", "ladder") {
			t.Errorf("ConfigDir() = %q", got)
		}
	})
}
