package pipeline

import (
	"github.com/Iron-Ham/stageflow/internal/event"
	"github.com/Iron-Ham/stageflow/internal/hooks"
	"github.com/Iron-Ham/stageflow/internal/logging"
)

// Option configures a Runner.
type Option func(*runnerConfig)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *runnerConfig) { c.logger = l }
}

// WithBus sets the bus progress events are published on.
func WithBus(b *event.Bus) Option {
	return func(c *runnerConfig) { c.bus = b }
}

// WithHooks sets the hook runner. Without one, configured hooks are not run.
func WithHooks(h *hooks.Runner) Option {
	return func(c *runnerConfig) { c.hooks = h }
}

// WithWorkDir sets the directory harness sessions run in.
func WithWorkDir(dir string) Option {
	return func(c *runnerConfig) { c.workDir = dir }
}
