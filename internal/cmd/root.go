package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/stageflow/internal/config"
	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// localConfigFile is a project-level config file that takes precedence over
// the user config.
const localConfigFile = "stageflow.yaml"

// Exit codes returned by the stageflow binary.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitConfig = 2
)

var rootCmd = &cobra.Command{
	Use:   "stageflow",
	Short: "Multi-stage AI agent workflow runner",
	Long: `Stageflow drives a declared sequence of agent stages (research, plan,
implement, validate, ...) from a single invocation. Between stages a gate
decides whether to continue: automatically, by asking at the terminal, or by
notifying a human and waiting for an answer. Every step is persisted, so an
interrupted or failed run can be resumed where it stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.IsConfigError(err):
		return ExitConfig
	default:
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			return ExitConfig
		}
		return ExitFailed
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./stageflow.yaml, then $HOME/.config/stageflow/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// .env values become environment variables before viper reads the
	// environment; variables already set win.
	_ = config.LoadDotEnv(".env", filepath.Join(config.ConfigDir(), ".env"))

	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if _, err := os.Stat(localConfigFile); err == nil {
		viper.SetConfigFile(localConfigFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/stageflow")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("STAGEFLOW")
	// Replace dots with underscores for nested keys in env vars
	// e.g., STAGEFLOW_STATE_DIR for state.dir
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
