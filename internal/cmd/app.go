package cmd

import (
	"fmt"
	"io"

	"github.com/Iron-Ham/stageflow/internal/config"
	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/logging"
	"github.com/Iron-Ham/stageflow/internal/state"
	"github.com/Iron-Ham/stageflow/internal/workflow"
)

// app holds what most commands need: validated config, a logger and the
// state store.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	store  state.Store
}

// openApp loads the configuration and opens the logger and store. The
// caller must call close.
func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open log file")
	}

	store, err := cfg.OpenStore(logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: store}, nil
}

func (a *app) close() {
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("failed to close state store", "error", err)
		}
	}
	_ = a.logger.Close()
}

// workflow resolves a workflow by name, or loads it from file when one is
// given.
func (a *app) workflow(name, file string) (*workflow.Workflow, error) {
	if file != "" {
		w, err := workflow.LoadFile(file)
		if err != nil {
			return nil, err
		}
		if name != "" && w.Name != name {
			return nil, errors.NewConfigError(
				fmt.Sprintf("workflow file %s defines %q, not %q", file, w.Name, name), nil).WithWorkflow(name)
		}
		return w, nil
	}

	all, err := a.cfg.LoadWorkflows()
	if err != nil {
		return nil, err
	}
	w, ok := all[name]
	if !ok {
		return nil, errors.NewConfigError(fmt.Sprintf("no workflow named %q is configured", name), errors.ErrWorkflowNotFound).
			WithWorkflow(name)
	}
	return w, nil
}
