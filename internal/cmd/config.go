package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/stageflow/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify stageflow configuration",
	Long: `View or modify stageflow configuration.

Without arguments, displays the current configuration.
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
  stageflow config set state.backend sqlite
  stageflow config set notifications.webhook_url https://hooks.example.com/x
  stageflow config set handoff.max_summary_chars 8000

Run 'stageflow config set --help' for the full list; workflows are edited
in the config file directly.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/stageflow/config.yaml with all available options and an example workflow.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and every workflow",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)
}

// settableKeys are the keys `config set` accepts, with their value kind.
var settableKeys = map[string]string{
	"state.dir":                    "string",
	"state.backend":                "string",
	"state.retain":                 "int",
	"logging.level":                "string",
	"logging.file":                 "string",
	"logging.max_size_mb":          "int",
	"logging.max_backups":          "int",
	"harness.command":              "string",
	"harness.default_model":        "string",
	"harness.skip_permissions":     "bool",
	"notifications.webhook_url":    "string",
	"notifications.webhook_format": "string",
	"notifications.desktop_sound":  "bool",
	"notifications.response_dir":   "string",
	"notifications.poll_interval":  "duration",
	"handoff.auto_context":         "bool",
	"handoff.max_summary_chars":    "int",
	"workflows_dir":                "string",
}

// parseSetting converts a `config set` value to the key's type.
func parseSetting(key, value string) (any, error) {
	kind, ok := settableKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'stageflow config set --help' to see valid keys", key)
	}
	switch kind {
	case "bool":
		if value != "true" && value != "false" {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return value == "true", nil
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected a duration like 2s", key)
		}
		return d.String(), nil
	default:
		return value, nil
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Config file: %s\n\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Config file: (none - using defaults)\n\n")
	}
	printConfig(out, cfg)
	return nil
}

func printConfig(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "state:")
	fmt.Fprintf(out, "  dir: %s\n", cfg.State.Dir)
	fmt.Fprintf(out, "  backend: %s\n", cfg.State.Backend)
	fmt.Fprintf(out, "  retain: %d\n", cfg.State.Retain)

	fmt.Fprintln(out, "logging:")
	fmt.Fprintf(out, "  level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  file: %s\n", cfg.Logging.File)
	fmt.Fprintf(out, "  max_size_mb: %d\n", cfg.Logging.MaxSizeMB)
	fmt.Fprintf(out, "  max_backups: %d\n", cfg.Logging.MaxBackups)

	fmt.Fprintln(out, "harness:")
	fmt.Fprintf(out, "  command: %s\n", cfg.Harness.Command)
	fmt.Fprintf(out, "  args: [%s]\n", strings.Join(cfg.Harness.Args, ", "))
	fmt.Fprintf(out, "  default_model: %s\n", cfg.Harness.DefaultModel)
	fmt.Fprintf(out, "  skip_permissions: %v\n", cfg.Harness.SkipPermissions)

	fmt.Fprintln(out, "notifications:")
	fmt.Fprintf(out, "  webhook_url: %s\n", cfg.Notifications.WebhookURL)
	fmt.Fprintf(out, "  webhook_format: %s\n", cfg.Notifications.WebhookFormat)
	fmt.Fprintf(out, "  desktop_sound: %v\n", cfg.Notifications.DesktopSound)
	fmt.Fprintf(out, "  response_dir: %s\n", cfg.ResponseDir())
	fmt.Fprintf(out, "  poll_interval: %s\n", cfg.Notifications.PollInterval)

	fmt.Fprintln(out, "handoff:")
	fmt.Fprintf(out, "  auto_context: %v\n", cfg.Handoff.AutoContext)
	fmt.Fprintf(out, "  max_summary_chars: %d\n", cfg.Handoff.MaxSummaryChars)

	fmt.Fprintf(out, "workflows_dir: %s\n", cfg.WorkflowsDir)
	fmt.Fprintf(out, "workflows: %d inline\n", len(cfg.Workflows))
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	typed, err := parseSetting(key, value)
	if err != nil {
		return err
	}

	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, typed)
	if _, err := config.Load(); err != nil {
		return err
	}

	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typed)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

// defaultConfigContent is the commented file written by `config init`.
const defaultConfigContent = `# stageflow configuration

state:
  # Run state directory; runs live in <dir>/<workflow>/<run-id>.json
  dir: .stageflow/runs
  # Store backend: file or sqlite
  backend: file
  # Runs to keep per workflow after each run (0 keeps all)
  retain: 0

logging:
  # debug, info, warn or error
  level: info
  # Relative paths are resolved against state.dir; empty logs to stderr
  file: stageflow.log
  max_size_mb: 10
  max_backups: 3

harness:
  command: claude
  default_model: ""
  skip_permissions: false

notifications:
  webhook_url: ""
  # json or slack
  webhook_format: json
  desktop_sound: false
  poll_interval: 2s

handoff:
  # Append branch, changed files and recent commits to each handoff
  auto_context: true
  max_summary_chars: 4000

# One workflow per YAML file
workflows_dir: .stageflow/workflows

workflows:
  feature:
    description: Research, plan and implement a change
    stages:
      - name: research
        command: /research
      - name: plan
        command: /plan
        gate:
          type: manual
      - name: implement
        command: /implement
        gate:
          type: notify
          timeout: 30m
          channels: [log, desktop, file]
      - name: validate
        command: /validate
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'stageflow config set' to modify values", configFile)
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	fmt.Fprintln(cmd.OutOrStdout(), "Edit this file to define your workflows.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. --config flag\n")
	fmt.Fprintf(out, "  2. ./%s (current directory)\n", localConfigFile)
	fmt.Fprintf(out, "  3. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintln(out, "\nEnvironment variables: STAGEFLOW_* (e.g., STAGEFLOW_STATE_BACKEND), also read from .env")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	all, err := cfg.LoadWorkflows()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s configuration is valid (%d workflow(s))\n", okStyle.Render("✓"), len(all))
	return nil
}
