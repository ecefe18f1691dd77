// Package workflow defines the linear stage pipelines stageflow executes:
// the ordered stage list, the gate configuration guarding each transition,
// and the hooks that run around each stage.
//
// Definitions come from the `workflows` section of the config file or from
// standalone YAML files (see [LoadFile]). Every definition must pass
// [Workflow.Validate] before a run is started.
package workflow

import (
	"fmt"
	"strings"
	"time"
)

// GateType selects how a stage transition is approved.
type GateType string

const (
	// GateAuto approves immediately with no human in the loop.
	GateAuto GateType = "auto"
	// GateManual blocks on a local prompt.
	GateManual GateType = "manual"
	// GateNotify dispatches the decision to notification channels and waits
	// for a response up to the gate's timeout.
	GateNotify GateType = "notify"
)

// ParseGateType parses a gate type name, case-insensitively.
func ParseGateType(s string) (GateType, error) {
	switch GateType(strings.ToLower(strings.TrimSpace(s))) {
	case GateAuto:
		return GateAuto, nil
	case GateManual:
		return GateManual, nil
	case GateNotify:
		return GateNotify, nil
	default:
		return "", fmt.Errorf("invalid gate type %q: must be one of auto, manual, notify", s)
	}
}

// GateConfig configures the gate that follows a stage.
type GateConfig struct {
	Type GateType `mapstructure:"type" yaml:"type" json:"type" validate:"omitempty,oneof=auto manual notify"`
	// Timeout bounds how long a notify gate waits. Required for notify gates.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout,omitempty" validate:"gte=0"`
	// Channels lists notification channel names used by a notify gate.
	Channels []string `mapstructure:"channels" yaml:"channels" json:"channels,omitempty" validate:"dive,oneof=log desktop webhook file"`
}

// EffectiveType returns the configured type, defaulting to auto.
func (g GateConfig) EffectiveType() GateType {
	if g.Type == "" {
		return GateAuto
	}
	return g.Type
}

// Stage is one named step of a workflow.
type Stage struct {
	Name        string `mapstructure:"name" yaml:"name" json:"name" validate:"required,stagename"`
	Description string `mapstructure:"description" yaml:"description" json:"description,omitempty"`
	// Model is passed to the harness when opening the stage's session.
	Model string `mapstructure:"model" yaml:"model" json:"model,omitempty"`
	// Command is the transition command sent to the agent when this stage is entered.
	Command   string     `mapstructure:"command" yaml:"command" json:"command,omitempty"`
	PreHooks  []string   `mapstructure:"pre_hooks" yaml:"pre_hooks" json:"pre_hooks,omitempty" validate:"dive,required"`
	PostHooks []string   `mapstructure:"post_hooks" yaml:"post_hooks" json:"post_hooks,omitempty" validate:"dive,required"`
	Gate      GateConfig `mapstructure:"gate" yaml:"gate" json:"gate"`
}

// HookRule attaches hooks to every stage whose name matches a glob pattern.
type HookRule struct {
	Match string   `mapstructure:"match" yaml:"match" json:"match" validate:"required"`
	Pre   []string `mapstructure:"pre" yaml:"pre" json:"pre,omitempty" validate:"dive,required"`
	Post  []string `mapstructure:"post" yaml:"post" json:"post,omitempty" validate:"dive,required"`
}

// Workflow is an ordered, linear list of stages.
type Workflow struct {
	Name        string     `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	Description string     `mapstructure:"description" yaml:"description" json:"description,omitempty"`
	Stages      []Stage    `mapstructure:"stages" yaml:"stages" json:"stages" validate:"required,min=1,dive"`
	Hooks       []HookRule `mapstructure:"hooks" yaml:"hooks" json:"hooks,omitempty" validate:"dive"`
}

// StageNames returns the stage names in declared order.
func (w *Workflow) StageNames() []string {
	names := make([]string, len(w.Stages))
	for i, s := range w.Stages {
		names[i] = s.Name
	}
	return names
}

// Index returns the position of the named stage, or -1.
func (w *Workflow) Index(name string) int {
	for i, s := range w.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Stage returns the named stage.
func (w *Workflow) Stage(name string) (Stage, bool) {
	if i := w.Index(name); i >= 0 {
		return w.Stages[i], true
	}
	return Stage{}, false
}

// Next returns the stage after position i, if any.
func (w *Workflow) Next(i int) (Stage, bool) {
	if i < 0 || i+1 >= len(w.Stages) {
		return Stage{}, false
	}
	return w.Stages[i+1], true
}

// gateKeySep joins stage names in a gate key.
const gateKeySep = "_to_"

// GateKey returns the key identifying the transition from -> to,
// e.g. "research_to_plan".
func GateKey(from, to string) string {
	return from + gateKeySep + to
}

// ParseGateKey splits a gate key back into its stage names.
func ParseGateKey(key string) (from, to string, ok bool) {
	from, to, ok = strings.Cut(key, gateKeySep)
	if !ok || from == "" || to == "" || strings.Contains(to, gateKeySep) {
		return "", "", false
	}
	return from, to, true
}
