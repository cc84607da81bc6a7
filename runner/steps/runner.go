package steps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"tangled.sh/tangled.sh/loom/runner/models"
	"tangled.sh/tangled.sh/loom/workflow"
)

const envFileDir = ".loom"

// Runner executes the steps of a single instance, in order.
type Runner struct {
	Executor models.Executor
	Registry *Registry

	// OnStep, if set, observes every recorded step result.
	OnStep func(ctx context.Context, inst *models.JobInstance, res models.StepResult)
}

// Run executes steps against ec and records a result per attempted step on
// inst. It returns the terminal status the instance should move to and the
// reason, if any.
//
// Two contexts govern a run. execCtx bounds step execution: when its
// deadline passes the executor kills the running step and the instance
// times out. stopCtx is the cooperative stop signal, checked only between
// steps, so a step in flight always completes.
func (r *Runner) Run(execCtx, stopCtx context.Context, inst *models.JobInstance, ec *models.ExecContext, steps []Step, logger *models.InstanceLogger) (models.StatusKind, error) {
	for i, step := range steps {
		if timedOut(execCtx) {
			return models.StatusKindTimeout, ErrTimedOut
		}
		if err := stopCtx.Err(); err != nil {
			return models.StatusKindCancelled, stopReason(stopCtx)
		}
		if err := execCtx.Err(); err != nil {
			return models.StatusKindCancelled, ErrCancelled
		}

		res := r.runStep(execCtx, i, step, ec, logger)
		if err := inst.AppendStep(res); err != nil {
			return models.StatusKindFailed, err
		}
		if r.OnStep != nil {
			r.OnStep(execCtx, inst, res)
		}

		if timedOut(execCtx) {
			return models.StatusKindTimeout, fmt.Errorf("%w: during step %d (%s)", ErrTimedOut, i, step.Name())
		}
		if execCtx.Err() != nil {
			// killed from outside, not by the step's own failure
			return models.StatusKindCancelled, fmt.Errorf("%w: during step %d (%s)", ErrCancelled, i, step.Name())
		}
		if !res.Succeeded() {
			return models.StatusKindFailed, fmt.Errorf("%w: step %d (%s)", ErrStepFailed, i, step.Name())
		}
	}

	return models.StatusKindSuccess, nil
}

func timedOut(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrTimedOut)
}

func stopReason(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: workflow deadline exceeded", ErrCancelled)
	}
	return cause
}

func (r *Runner) runStep(ctx context.Context, idx int, step Step, ec *models.ExecContext, logger *models.InstanceLogger) models.StepResult {
	res := models.StepResult{
		Index:     idx,
		Name:      step.Name(),
		StartedAt: time.Now(),
		Output: models.OutputRef{
			Path: logger.Path(),
			Step: idx,
		},
	}

	_ = logger.Control(idx, step.Name(), models.StepStatusStart)

	stdout := logger.DataWriter(idx, "stdout")
	stderr := logger.DataWriter(idx, "stderr")

	var code int
	var err error
	switch s := step.(type) {
	case Command:
		code, err = r.runCommand(ctx, idx, s, ec, stdout, stderr)
	case ActionReference:
		code, err = r.runAction(ctx, s, ec, stdout, stderr)
	default:
		err = fmt.Errorf("unknown step kind %T", step)
	}

	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	_ = stdout.Close()
	_ = stderr.Close()

	res.Duration = time.Since(res.StartedAt)
	res.ExitCode = code

	switch {
	case timedOut(ctx):
		res.Status = models.StepStatusTimeout
		res.Error = ErrTimedOut.Error()
	case err != nil:
		res.Status = models.StepStatusFailed
		res.Error = err.Error()
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	case code != 0:
		res.Status = models.StepStatusFailed
		res.Error = fmt.Sprintf("exited with code %d", code)
	default:
		res.Status = models.StepStatusSuccess
	}

	_ = logger.Control(idx, step.Name(), res.Status)
	return res
}

func (r *Runner) runCommand(ctx context.Context, idx int, c Command, ec *models.ExecContext, stdout, stderr io.Writer) (int, error) {
	envName := fmt.Sprintf("env-%d", idx)
	envHost := filepath.Join(ec.Workspace, envFileDir, envName)
	if err := os.MkdirAll(filepath.Dir(envHost), 0755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(envHost, nil, 0644); err != nil {
		return 0, err
	}
	defer func() {
		_ = os.Remove(envHost)
		_ = os.Remove(filepath.Dir(envHost))
	}()

	env := map[string]string{}
	for k, v := range c.Env {
		env[k] = v
	}
	env["LOOM_ENV"] = path.Join(ec.MountDir(), envFileDir, envName)

	code, err := r.Executor.RunCommand(ctx, ec, models.Command{
		Script: ec.Interpolate(c.Run),
		Env:    ec.Environ(env),
		Dir:    ec.Interpolate(c.WorkingDirectory),
	}, stdout, stderr)
	if err != nil || code != 0 {
		return code, err
	}

	exported, err := readEnvFile(envHost)
	if err != nil {
		return 0, fmt.Errorf("reading exported env: %w", err)
	}
	for k, v := range exported {
		ec.Setenv(k, v)
	}
	return 0, nil
}

func (r *Runner) runAction(ctx context.Context, a ActionReference, ec *models.ExecContext, stdout, stderr io.Writer) (int, error) {
	if r.Registry == nil {
		return 0, fmt.Errorf("%w: %s", ErrActionNotFound, a.Ref)
	}
	action, err := r.Registry.Resolve(a.Ref, ec)
	if err != nil {
		return 0, err
	}

	return action.Invoke(ctx, Invocation{
		Executor: r.Executor,
		Context:  ec,
		Inputs:   workflow.InterpolateMap(a.With, ec.Vars()),
		Env:      a.Env,
		Dir:      ec.Interpolate(a.WorkingDirectory),
		Stdout:   stdout,
		Stderr:   stderr,
	})
}

// readEnvFile parses KEY=VALUE lines written to $LOOM_ENV.
func readEnvFile(name string) (map[string]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	env := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env, scanner.Err()
}
