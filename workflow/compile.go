package workflow

import (
	"errors"
	"fmt"
	"slices"
)

type Compiler struct {
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(workflow, path string, err error) {
	d.Errors = append(d.Errors, Error{&ConfigurationError{Workflow: workflow, Path: path, Err: err}})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

// Err joins every error into one; nil when there are none.
func (d Diagnostics) Err() error {
	if !d.IsErr() {
		return nil
	}
	errs := make([]error, len(d.Errors))
	for i, e := range d.Errors {
		errs[i] = e.Err
	}
	return errors.Join(errs...)
}

type Error struct {
	Err *ConfigurationError
}

func (e Error) String() string {
	return "error: " + e.Err.Error()
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

type WarningKind string

var (
	UnknownReference     WarningKind = "unknown reference"
	InvalidConfiguration WarningKind = "invalid configuration"
)

// Compile validates every workflow, returning those that are well formed.
// Problems are collected in the compiler's diagnostics.
func (compiler *Compiler) Compile(wfs []*Workflow) []*Workflow {
	var out []*Workflow
	for _, wf := range wfs {
		var d Diagnostics
		d.Combine(Validate(wf))
		compiler.Diagnostics.Combine(d)
		if !d.IsErr() {
			out = append(out, wf)
		}
	}
	return out
}

// Validate checks a single workflow definition.
func Validate(w *Workflow) Diagnostics {
	var d Diagnostics
	id := w.ID()

	if len(w.On) == 0 {
		d.AddError(id, "on", ErrNoTriggers)
	}
	if len(w.Jobs) == 0 {
		d.AddError(id, "jobs", ErrNoJobs)
	}
	if w.TimeoutMinutes < 0 {
		d.AddError(id, "timeout-minutes", ErrNegativeTimeout)
	}

	seen := make(map[string]struct{}, len(w.Jobs))
	for _, j := range w.Jobs {
		if _, ok := seen[j.Key]; ok {
			d.AddError(id, "jobs."+j.Key, ErrDuplicateJob)
		}
		seen[j.Key] = struct{}{}
		validateJob(&d, id, w, j)
	}

	if cycle := findCycle(w); cycle != nil {
		d.AddError(id, "jobs", fmt.Errorf("%w: %v", ErrDependencyCycle, cycle))
	}

	return d
}

func validateJob(d *Diagnostics, id string, w *Workflow, j *Job) {
	path := "jobs." + j.Key

	if j.RunsOn == "" {
		d.AddError(id, path+".runs-on", ErrMissingRunsOn)
	}
	if len(j.Steps) == 0 {
		d.AddError(id, path+".steps", ErrNoSteps)
	}
	if j.TimeoutMinutes < 0 {
		d.AddError(id, path+".timeout-minutes", ErrNegativeTimeout)
	}

	for _, need := range j.Needs {
		if w.Job(need) == nil {
			d.AddError(id, path+".needs", fmt.Errorf("%w: %q", ErrUnknownNeed, need))
		}
	}

	if j.Strategy != nil {
		if j.Strategy.MaxParallel < 0 {
			d.AddError(id, path+".strategy.max-parallel", ErrMaxParallel)
		}
		matrixOk := true
		axes := make(map[string]struct{}, len(j.Strategy.Matrix))
		for _, axis := range j.Strategy.Matrix {
			apath := path + ".strategy.matrix." + axis.Name
			if _, ok := axes[axis.Name]; ok {
				d.AddError(id, apath, ErrDuplicateAxis)
				matrixOk = false
			}
			axes[axis.Name] = struct{}{}

			if len(axis.Values) == 0 {
				d.AddError(id, apath, ErrEmptyAxis)
				matrixOk = false
			}
			values := make(map[string]struct{}, len(axis.Values))
			for _, v := range axis.Values {
				if _, ok := values[v]; ok {
					d.AddError(id, apath, fmt.Errorf("%w: %q", ErrDuplicateValue, v))
					matrixOk = false
				}
				values[v] = struct{}{}
			}
		}
		if matrixOk {
			var ce *ConfigurationError
			if _, err := Expand(j); errors.As(err, &ce) {
				d.AddError(id, ce.Path, ce.Err)
			}
		}
		if j.Strategy.FailFast != nil && len(j.Strategy.Matrix) == 0 {
			d.AddWarning(path+".strategy.fail-fast", InvalidConfiguration, "fail-fast has no effect without a matrix")
		}
	}

	for i, s := range j.Steps {
		spath := fmt.Sprintf("%s.steps[%d]", path, i)
		if (s.Run == "") == (s.Uses == "") {
			d.AddError(id, spath, ErrInvalidStep)
			continue
		}
		if s.Uses != "" {
			if _, err := ParseActionRef(s.Uses); err != nil {
				d.AddError(id, spath+".uses", fmt.Errorf("%w: %q", err, s.Uses))
			}
		}
	}

	for _, r := range j.References() {
		switch r.Namespace {
		case NamespaceMatrix:
			if _, ok := j.Matrix().Axis(r.Name); !ok {
				d.AddWarning(path, UnknownReference, fmt.Sprintf("matrix.%s is not a declared axis", r.Name))
			}
		case NamespaceEnv, NamespaceSecrets:
		default:
			d.AddWarning(path, UnknownReference, fmt.Sprintf("unknown namespace %q", r.Namespace))
		}
	}
}

// findCycle returns the job keys along a dependency cycle, or nil.
func findCycle(w *Workflow) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(w.Jobs))
	var stack []string
	var cycle []string

	var visit func(key string) bool
	visit = func(key string) bool {
		switch state[key] {
		case visiting:
			start := slices.Index(stack, key)
			cycle = append(slices.Clone(stack[start:]), key)
			return true
		case done:
			return false
		}
		state[key] = visiting
		stack = append(stack, key)
		if j := w.Job(key); j != nil {
			for _, need := range j.Needs {
				if w.Job(need) != nil && visit(need) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[key] = done
		return false
	}

	for _, j := range w.Jobs {
		if visit(j.Key) {
			return cycle
		}
	}
	return nil
}
