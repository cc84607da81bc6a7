package steps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
	"tangled.sh/tangled.sh/loom/runner/models"
	"tangled.sh/tangled.sh/loom/workflow"
)

// Invocation is everything an action gets to work with.
type Invocation struct {
	Executor models.Executor
	Context  *models.ExecContext
	Inputs   map[string]string
	Env      map[string]string
	Dir      string
	Stdout   io.Writer
	Stderr   io.Writer
}

// Action is a resolved `uses` target. Like a command it reports an exit
// code; a non-nil error means it could not run at all.
type Action interface {
	Invoke(ctx context.Context, inv Invocation) (int, error)
}

type ActionFunc func(ctx context.Context, inv Invocation) (int, error)

func (f ActionFunc) Invoke(ctx context.Context, inv Invocation) (int, error) {
	return f(ctx, inv)
}

// Manifest is an action described in an action.yml: declared inputs and a
// list of shell steps that may reference them as `${{ inputs.name }}` or
// through the INPUT_<NAME> environment variables.
type Manifest struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Inputs      map[string]Input `yaml:"inputs"`
	Runs        struct {
		Steps []ManifestStep `yaml:"steps"`
	} `yaml:"runs"`
}

type Input struct {
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
	Default     string `yaml:"default"`
}

type ManifestStep struct {
	Name string            `yaml:"name"`
	Run  string            `yaml:"run"`
	Env  map[string]string `yaml:"env"`
}

func ParseManifest(contents []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(contents, &m); err != nil {
		return nil, err
	}
	if len(m.Runs.Steps) == 0 {
		return nil, errors.New("action manifest has no steps")
	}
	for i, s := range m.Runs.Steps {
		if strings.TrimSpace(s.Run) == "" {
			return nil, fmt.Errorf("action manifest step %d has nothing to run", i)
		}
	}
	return &m, nil
}

// ResolveInputs applies defaults and checks required inputs. Unknown
// inputs are passed through.
func (m *Manifest) ResolveInputs(with map[string]string) (map[string]string, error) {
	inputs := maps.Clone(with)
	if inputs == nil {
		inputs = map[string]string{}
	}

	for _, name := range slices.Sorted(maps.Keys(m.Inputs)) {
		in := m.Inputs[name]
		if _, ok := inputs[name]; ok {
			continue
		}
		if in.Required {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, name)
		}
		inputs[name] = in.Default
	}
	return inputs, nil
}

func (m *Manifest) Invoke(ctx context.Context, inv Invocation) (int, error) {
	inputs, err := m.ResolveInputs(inv.Inputs)
	if err != nil {
		return 0, err
	}

	vars := inv.Context.Vars()
	vars[workflow.NamespaceInputs] = inputs

	for _, s := range m.Runs.Steps {
		env := maps.Clone(inv.Env)
		if env == nil {
			env = map[string]string{}
		}
		for k, v := range s.Env {
			env[k] = workflow.Interpolate(v, vars)
		}
		for k, v := range inputs {
			env[InputEnvKey(k)] = v
		}

		code, err := inv.Executor.RunCommand(ctx, inv.Context, models.Command{
			Script: workflow.Interpolate(s.Run, vars),
			Env:    inv.Context.Environ(env),
			Dir:    inv.Dir,
		}, inv.Stdout, inv.Stderr)
		if err != nil || code != 0 {
			return code, err
		}
	}
	return 0, nil
}

// InputEnvKey is the environment variable an input is exposed as.
func InputEnvKey(name string) string {
	return "INPUT_" + strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(name))
}
