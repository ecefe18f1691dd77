package workflow

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"

	"github.com/Iron-Ham/stageflow/internal/errors"
)

// stageNameRegex limits stage names to characters that are safe in file
// names, gate keys and environment variables.
var stageNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("stagename", func(fl validator.FieldLevel) bool {
			name := fl.Field().String()
			return stageNameRegex.MatchString(name) && !strings.Contains(name, gateKeySep)
		})
	})
	return validate
}

// Validate checks the definition and returns a *errors.ConfigError listing
// every problem found, or nil.
func (w *Workflow) Validate() error {
	var problems []error

	if err := structValidator().Struct(w); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				problems = append(problems, fmt.Errorf("%s: %s", fieldPath(fe), describe(fe)))
			}
		} else {
			problems = append(problems, err)
		}
	}

	seen := make(map[string]bool, len(w.Stages))
	for i, s := range w.Stages {
		if s.Name != "" && seen[s.Name] {
			problems = append(problems, fmt.Errorf("stages[%d].name: duplicate stage %q", i, s.Name))
		}
		seen[s.Name] = true

		if s.Gate.EffectiveType() == GateNotify && s.Gate.Timeout <= 0 {
			problems = append(problems, fmt.Errorf("stages[%d].gate.timeout: %w", i, errors.ErrGateTimeoutMissing))
		}
	}

	for i, h := range w.Hooks {
		if h.Match == "" {
			continue
		}
		if _, err := glob.Compile(h.Match); err != nil {
			problems = append(problems, fmt.Errorf("hooks[%d].match: invalid pattern %q: %v", i, h.Match, err))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.NewConfigError("invalid workflow definition", errors.Join(problems...)).WithWorkflow(w.Name)
}

// fieldPath turns "Workflow.Stages[0].Gate.Type" into "stages[0].gate.type".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s (got: %v)", strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value())
	case "stagename":
		return fmt.Sprintf("invalid stage name %q: use letters, digits, '.', '-', '_' and avoid %q", fe.Value(), gateKeySep)
	case "gte":
		return "must be non-negative"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
