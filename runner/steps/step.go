package steps

import (
	"fmt"

	"tangled.sh/tangled.sh/loom/workflow"
)

type StepKind int

const (
	// a shell command from `run`
	StepKindCommand StepKind = iota
	// a reusable action from `uses`
	StepKindAction
)

func (k StepKind) String() string {
	switch k {
	case StepKindCommand:
		return "command"
	case StepKindAction:
		return "action"
	}
	return "unknown"
}

// Step is the executable form of a step definition.
type Step interface {
	Name() string
	Kind() StepKind
}

type Command struct {
	StepName         string
	Run              string
	Env              map[string]string
	WorkingDirectory string
}

func (c Command) Name() string  { return c.StepName }
func (c Command) Kind() StepKind { return StepKindCommand }

type ActionReference struct {
	StepName         string
	Ref              workflow.ActionRef
	With             map[string]string
	Env              map[string]string
	WorkingDirectory string
}

func (a ActionReference) Name() string  { return a.StepName }
func (a ActionReference) Kind() StepKind { return StepKindAction }

// FromDefinition turns one declared step into its executable variant.
func FromDefinition(s workflow.Step) (Step, error) {
	if s.IsAction() {
		ref, err := workflow.ParseActionRef(s.Uses)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, s.Uses)
		}
		return ActionReference{
			StepName:         s.DisplayName(),
			Ref:              ref,
			With:             s.With,
			Env:              s.Environment,
			WorkingDirectory: s.WorkingDirectory,
		}, nil
	}

	if s.Run == "" {
		return nil, workflow.ErrInvalidStep
	}
	return Command{
		StepName:         s.DisplayName(),
		Run:              s.Run,
		Env:              s.Environment,
		WorkingDirectory: s.WorkingDirectory,
	}, nil
}

// Compile converts every step of a job, in declared order.
func Compile(job *workflow.Job) ([]Step, error) {
	out := make([]Step, 0, len(job.Steps))
	for i, s := range job.Steps {
		step, err := FromDefinition(s)
		if err != nil {
			return nil, &workflow.ConfigurationError{
				Workflow: workflowID(job),
				Path:     fmt.Sprintf("jobs.%s.steps[%d]", job.Key, i),
				Err:      err,
			}
		}
		out = append(out, step)
	}
	return out, nil
}

func workflowID(job *workflow.Job) string {
	if job.Workflow == nil {
		return ""
	}
	return job.Workflow.ID()
}
