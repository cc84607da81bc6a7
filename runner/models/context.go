package models

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"tangled.sh/tangled.sh/loom/workflow"
)

// ExecContext is the environment a single instance runs in. It is built
// fresh for every instance and must not be shared.
type ExecContext struct {
	Instance  InstanceId
	RunsOn    string
	Workspace string // host directory
	Mount     string // where commands see the workspace, set by the executor
	Event     workflow.Event
	Matrix    workflow.Assignment

	env     map[string]string
	secrets map[string]string
}

// NewExecContext layers the environment as workflow env, then job env,
// then matrix values as MATRIX_<AXIS>, then secrets. Later layers win.
// Env values may reference `${{ matrix.X }}`, `${{ env.X }}` and
// `${{ secrets.X }}`.
func NewExecContext(iid InstanceId, inst workflow.Instance, ev workflow.Event, workspace string, secrets map[string]string) *ExecContext {
	ec := &ExecContext{
		Instance:  iid,
		Workspace: workspace,
		Event:     ev,
		Matrix:    inst.Matrix,
		env:       map[string]string{},
		secrets:   maps.Clone(secrets),
	}
	if ec.secrets == nil {
		ec.secrets = map[string]string{}
	}

	ec.env["CI"] = "true"
	ec.env["LOOM"] = "true"
	ec.env["LOOM_WORKFLOW"] = iid.Workflow
	ec.env["LOOM_RUN_ID"] = iid.Rkey
	ec.env["LOOM_JOB"] = inst.Job.Key
	ec.env["LOOM_INSTANCE"] = inst.ID
	ec.env["LOOM_EVENT"] = ev.Kind
	if ev.Ref != "" {
		ec.env["LOOM_REF"] = ev.Ref
	}
	if ev.Sha != "" {
		ec.env["LOOM_SHA"] = ev.Sha
	}
	if ev.Repository != "" {
		ec.env["LOOM_REPOSITORY"] = ev.Repository
	}

	for _, av := range inst.Matrix {
		ec.env[MatrixEnvKey(av.Axis)] = av.Value
	}

	if wf := inst.Job.Workflow; wf != nil {
		ec.merge(wf.Environment)
	}
	ec.merge(inst.Job.Environment)

	for k, v := range ec.secrets {
		ec.env[k] = v
	}

	ec.RunsOn = ec.Interpolate(inst.Job.RunsOn)

	return ec
}

func (ec *ExecContext) merge(env map[string]string) {
	for _, k := range slices.Sorted(maps.Keys(env)) {
		ec.env[k] = workflow.Interpolate(env[k], ec.Vars())
	}
}

// MatrixEnvKey turns an axis name into its environment variable.
func MatrixEnvKey(axis string) string {
	return "MATRIX_" + strings.ToUpper(envRe.ReplaceAllString(axis, "_"))
}

// Vars is the interpolation scope of this context.
func (ec *ExecContext) Vars() workflow.Vars {
	return workflow.Vars{
		workflow.NamespaceMatrix:  ec.Matrix.Map(),
		workflow.NamespaceEnv:     ec.env,
		workflow.NamespaceSecrets: ec.secrets,
	}
}

func (ec *ExecContext) Interpolate(s string) string {
	return workflow.Interpolate(s, ec.Vars())
}

func (ec *ExecContext) Getenv(key string) string {
	return ec.env[key]
}

// Setenv exports a variable to every later step of the instance.
func (ec *ExecContext) Setenv(key, value string) {
	ec.env[key] = value
}

// MountDir is the workspace as commands see it.
func (ec *ExecContext) MountDir() string {
	if ec.Mount == "" {
		return ec.Workspace
	}
	return ec.Mount
}

// Environ returns the context env overlaid with extra, as sorted KEY=value
// pairs suitable for exec.Cmd.Env or a container config.
func (ec *ExecContext) Environ(extra map[string]string) []string {
	env := maps.Clone(ec.env)
	env["LOOM_WORKSPACE"] = ec.MountDir()
	for k, v := range extra {
		env[k] = workflow.Interpolate(v, ec.Vars())
	}

	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// SecretValues lists the values that must never appear in logs.
func (ec *ExecContext) SecretValues() []string {
	var vals []string
	for _, v := range ec.secrets {
		if v != "" {
			vals = append(vals, v)
		}
	}
	return vals
}

// Resolve maps a path relative to the workspace onto the host, refusing to
// leave the workspace.
func (ec *ExecContext) Resolve(dir string) (string, error) {
	if dir == "" {
		return ec.Workspace, nil
	}
	return securejoin.SecureJoin(ec.Workspace, dir)
}

// EnsureWorkspace creates the workspace directory.
func (ec *ExecContext) EnsureWorkspace() error {
	return os.MkdirAll(ec.Workspace, 0755)
}
