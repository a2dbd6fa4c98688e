package cmd

import (
	"context"
	"strings"

	cfgcmd "github.com/Iron-Ham/ladder/internal/cmd/config"
	"github.com/Iron-Ham/ladder/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "ladder",
	Short: "Level-gated parallel task coordination",
	Long: `Ladder coordinates a pool of workers through a task graph one level at
a time. Workers claim tasks through an atomic claim protocol, failed tasks
are retried with backoff, and a level must be merged before the next one
opens. All coordination state lives in one document per feature.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.config/ladder/config.yaml)")
	flags.StringP("feature", "f", "", "feature whose state to use")
	flags.String("state-dir", "", "directory holding state documents")
	flags.String("backend", "", "state backend: file or sqlite")
	flags.String("log-level", "", "log level: debug, info, warn or error")

	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("state.feature", flags.Lookup("feature"))
	_ = viper.BindPFlag("state.dir", flags.Lookup("state-dir"))
	_ = viper.BindPFlag("state.backend", flags.Lookup("backend"))
	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))

	cfgcmd.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(config.EnvPrefix)
	// e.g. LADDER_SCHEDULER_WORKERS for scheduler.workers
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
