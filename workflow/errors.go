package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrNoJobs            = errors.New("workflow has no jobs")
	ErrNoTriggers        = errors.New("workflow has no triggers")
	ErrMissingRunsOn     = errors.New("missing runs-on")
	ErrNoSteps           = errors.New("job has no steps")
	ErrInvalidStep       = errors.New("step must set exactly one of `run` or `uses`")
	ErrInvalidActionRef  = errors.New("`uses` must be name@version or ./path")
	ErrEmptyAxis         = errors.New("matrix axis has no values")
	ErrUnknownNeed       = errors.New("needs an unknown job")
	ErrDependencyCycle   = errors.New("job dependencies form a cycle")
	ErrNegativeTimeout   = errors.New("timeout-minutes must not be negative")
	ErrMaxParallel       = errors.New("max-parallel must not be negative")
	ErrDuplicateJob      = errors.New("job key is declared twice")
	ErrDuplicateAxis     = errors.New("matrix axis is declared twice")
	ErrDuplicateValue    = errors.New("matrix axis lists a value twice")
	ErrDuplicateInstance = errors.New("matrix expands to the same instance twice")
)

// ConfigurationError is a malformed workflow definition. It is fatal: a run
// aborts before any instance starts.
type ConfigurationError struct {
	Workflow string
	Path     string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Workflow, e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %s: %s", e.Workflow, e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err (or anything it wraps) is a
// ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
