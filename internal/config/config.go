package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/stageflow/internal/handoff"
	"github.com/Iron-Ham/stageflow/internal/harness"
	"github.com/Iron-Ham/stageflow/internal/logging"
	"github.com/Iron-Ham/stageflow/internal/notify"
	"github.com/Iron-Ham/stageflow/internal/state"
	"github.com/Iron-Ham/stageflow/internal/workflow"
)

// Config represents the complete stageflow configuration
type Config struct {
	State         StateConfig         `mapstructure:"state"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Harness       HarnessConfig       `mapstructure:"harness"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Handoff       HandoffConfig       `mapstructure:"handoff"`
	// WorkflowsDir holds standalone workflow files (*.yaml), one workflow each.
	WorkflowsDir string `mapstructure:"workflows_dir"`
	// Workflows are inline workflow definitions keyed by name.
	Workflows map[string]workflow.Workflow `mapstructure:"workflows"`
}

// StateConfig controls where and how run state is persisted
type StateConfig struct {
	// Dir is the state directory. Run files live in <dir>/<workflow>/<run-id>.json.
	Dir string `mapstructure:"dir"`
	// Backend selects the store: "file" (default) or "sqlite"
	Backend string `mapstructure:"backend"`
	// Retain is how many runs per workflow are kept after a run finishes (0 = keep all)
	Retain int `mapstructure:"retain"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// File is the log file. A relative path is resolved against state.dir.
	// Empty logs to stderr.
	File string `mapstructure:"file"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// HarnessConfig configures the agent CLI each stage runs in
type HarnessConfig struct {
	// Command is the agent binary (default: "claude")
	Command string `mapstructure:"command"`
	// Args are extra arguments placed before the stream flags
	Args []string `mapstructure:"args"`
	// DefaultModel is used for stages that do not name a model
	DefaultModel string `mapstructure:"default_model"`
	// SkipPermissions passes --dangerously-skip-permissions to the agent
	SkipPermissions bool `mapstructure:"skip_permissions"`
}

// NotificationsConfig configures the channels notify gates use
type NotificationsConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	// WebhookFormat is "json" (default) or "slack"
	WebhookFormat string `mapstructure:"webhook_format"`
	DesktopSound  bool   `mapstructure:"desktop_sound"`
	// ResponseDir is where the file channel exchanges requests and responses.
	// Empty means <state.dir>/responses.
	ResponseDir string `mapstructure:"response_dir"`
	// PollInterval is the file channel's fallback poll interval
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// HandoffConfig controls the handoff document built between stages
type HandoffConfig struct {
	// AutoContext appends branch, changed files and recent commits
	AutoContext bool `mapstructure:"auto_context"`
	// MaxSummaryChars bounds the summary of the previous stage's output
	MaxSummaryChars int `mapstructure:"max_summary_chars"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		State: StateConfig{
			Dir:     filepath.Join(".stageflow", "runs"),
			Backend: state.BackendFile,
			Retain:  0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "stageflow.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Harness: HarnessConfig{
			Command: harness.DefaultCommand,
			Args:    []string{},
		},
		Notifications: NotificationsConfig{
			WebhookFormat: notify.WebhookFormatJSON,
			PollInterval:  notify.DefaultPollInterval,
		},
		Handoff: HandoffConfig{
			AutoContext:     true,
			MaxSummaryChars: handoff.DefaultMaxSummaryChars,
		},
		WorkflowsDir: filepath.Join(".stageflow", "workflows"),
		Workflows:    map[string]workflow.Workflow{},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// State defaults
	viper.SetDefault("state.dir", defaults.State.Dir)
	viper.SetDefault("state.backend", defaults.State.Backend)
	viper.SetDefault("state.retain", defaults.State.Retain)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.file", defaults.Logging.File)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Harness defaults
	viper.SetDefault("harness.command", defaults.Harness.Command)
	viper.SetDefault("harness.args", defaults.Harness.Args)
	viper.SetDefault("harness.default_model", defaults.Harness.DefaultModel)
	viper.SetDefault("harness.skip_permissions", defaults.Harness.SkipPermissions)

	// Notification defaults
	viper.SetDefault("notifications.webhook_url", defaults.Notifications.WebhookURL)
	viper.SetDefault("notifications.webhook_format", defaults.Notifications.WebhookFormat)
	viper.SetDefault("notifications.desktop_sound", defaults.Notifications.DesktopSound)
	viper.SetDefault("notifications.response_dir", defaults.Notifications.ResponseDir)
	viper.SetDefault("notifications.poll_interval", defaults.Notifications.PollInterval)

	// Handoff defaults
	viper.SetDefault("handoff.auto_context", defaults.Handoff.AutoContext)
	viper.SetDefault("handoff.max_summary_chars", defaults.Handoff.MaxSummaryChars)

	viper.SetDefault("workflows_dir", defaults.WorkflowsDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are ignored and variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "stageflow")
	}
	// Fall back to ~/.config/stageflow
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stageflow"
	}
	return filepath.Join(home, ".config", "stageflow")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}

// StateDir returns the resolved state directory.
func (c *Config) StateDir() string {
	return expandHome(c.State.Dir)
}

// LogPath returns the resolved log file, or "" to log to stderr.
func (c *Config) LogPath() string {
	if c.Logging.File == "" {
		return ""
	}
	path := expandHome(c.Logging.File)
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.StateDir(), path)
	}
	return path
}

// ResponseDir returns the resolved directory of the file channel.
func (c *Config) ResponseDir() string {
	if c.Notifications.ResponseDir == "" {
		return filepath.Join(c.StateDir(), "responses")
	}
	return expandHome(c.Notifications.ResponseDir)
}

// NewLogger opens the configured logger. The caller closes it.
func (c *Config) NewLogger() (*logging.Logger, error) {
	return logging.NewLogger(logging.Options{
		Path:  c.LogPath(),
		Level: c.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  c.Logging.MaxSizeMB,
			MaxBackups: c.Logging.MaxBackups,
		},
	})
}

// OpenStore opens the configured state backend.
func (c *Config) OpenStore(logger *logging.Logger) (state.Store, error) {
	return state.Open(c.State.Backend, c.StateDir(), logger)
}

// NotifySettings returns the channel settings for notify gates. out receives
// the log channel's output.
func (c *Config) NotifySettings(out io.Writer, logger *logging.Logger) notify.Settings {
	return notify.Settings{
		WebhookURL:    c.Notifications.WebhookURL,
		WebhookFormat: c.Notifications.WebhookFormat,
		DesktopSound:  c.Notifications.DesktopSound,
		ResponseDir:   c.ResponseDir(),
		PollInterval:  c.Notifications.PollInterval,
		Out:           out,
		Logger:        logger,
	}
}

// ClaudeConfig returns the Claude harness configuration.
func (c *Config) ClaudeConfig(logger *logging.Logger) harness.ClaudeConfig {
	return harness.ClaudeConfig{
		Command:         c.Harness.Command,
		Args:            c.Harness.Args,
		DefaultModel:    c.Harness.DefaultModel,
		SkipPermissions: c.Harness.SkipPermissions,
		Logger:          logger,
	}
}

// HandoffBuilder returns the handoff builder for stages run in workDir.
func (c *Config) HandoffBuilder(workDir string) handoff.DocumentBuilder {
	return handoff.DocumentBuilder{
		AutoContext:     c.Handoff.AutoContext,
		MaxSummaryChars: c.Handoff.MaxSummaryChars,
		WorkDir:         workDir,
	}
}

// LoadWorkflows returns every workflow definition: the inline ones and the
// files in WorkflowsDir. A name defined in both places is an error.
func (c *Config) LoadWorkflows() (map[string]*workflow.Workflow, error) {
	out, err := workflow.LoadDir(expandHome(c.WorkflowsDir))
	if err != nil {
		return nil, err
	}
	for key, def := range c.Workflows {
		w := def
		if w.Name == "" {
			w.Name = key
		}
		if err := w.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out[w.Name]; dup {
			return nil, fmt.Errorf("workflow %q is defined both in config and in %s", w.Name, c.WorkflowsDir)
		}
		out[w.Name] = &w
	}
	return out, nil
}
