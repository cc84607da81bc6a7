package steps

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/loom/runner/models"
	"tangled.sh/tangled.sh/loom/workflow"
)

func jobWithSteps(steps ...workflow.Step) *workflow.Job {
	return &workflow.Job{Key: "test", RunsOn: "ubuntu-latest", Steps: steps}
}

func newRunner(t *testing.T, exec *fakeExecutor) *Runner {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return &Runner{Executor: exec, Registry: reg}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	job := jobWithSteps(
		workflow.Step{Name: "A", Run: "step-a"},
		workflow.Step{Name: "B", Run: "step-b"},
		workflow.Step{Name: "C", Run: "step-c"},
	)
	f := newFixture(t, job)
	exec := &fakeExecutor{exitCode: map[string]int{"step-b": 2}}
	r := newRunner(t, exec)

	steps, err := Compile(job)
	require.NoError(t, err)

	status, reason := r.Run(context.Background(), context.Background(), f.inst, f.ec, steps, f.logger)
	assert.Equal(t, models.StatusKindFailed, status)
	assert.ErrorIs(t, reason, ErrStepFailed)

	results := f.inst.Steps()
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].Name)
	assert.True(t, results[0].Succeeded())
	assert.Equal(t, "B", results[1].Name)
	assert.Equal(t, models.StepStatusFailed, results[1].Status)
	assert.Equal(t, 2, results[1].ExitCode)
	assert.Equal(t, 1, results[1].Output.Step)
	assert.Equal(t, f.logger.Path(), results[1].Output.Path)

	assert.Equal(t, []string{"step-a", "step-b"}, exec.scripts())
}

func TestRunUnknownActionFailsStep(t *testing.T) {
	job := jobWithSteps(
		workflow.Step{Uses: "nobody/nothing@v9"},
		workflow.Step{Run: "never"},
	)
	f := newFixture(t, job)
	exec := &fakeExecutor{}
	r := newRunner(t, exec)

	steps, err := Compile(job)
	require.NoError(t, err)

	status, _ := r.Run(context.Background(), context.Background(), f.inst, f.ec, steps, f.logger)
	assert.Equal(t, models.StatusKindFailed, status)

	results := f.inst.Steps()
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Error, ErrActionNotFound.Error())
	assert.Equal(t, -1, results[0].ExitCode)
	assert.Empty(t, exec.scripts())
}

func TestRunCargoAction(t *testing.T) {
	job := jobWithSteps(workflow.Step{
		Uses: "actions-rs/cargo@v1",
		With: map[string]string{"command": "build", "args": "--target ${{ env.TARGET }}"},
	})
	job.Environment = map[string]string{"TARGET": "wasm32-wasi"}
	f := newFixture(t, job)
	exec := &fakeExecutor{}
	r := newRunner(t, exec)

	steps, err := Compile(job)
	require.NoError(t, err)

	status, reason := r.Run(context.Background(), context.Background(), f.inst, f.ec, steps, f.logger)
	require.NoError(t, reason)
	assert.Equal(t, models.StatusKindSuccess, status)

	require.Len(t, exec.ran, 1)
	assert.Equal(t, `cargo ${INPUT_TOOLCHAIN:+"+$INPUT_TOOLCHAIN"} build --target wasm32-wasi`, exec.ran[0].Script)
	assert.Contains(t, exec.ran[0].Env, "INPUT_COMMAND=build")
	assert.Contains(t, exec.ran[0].Env, "INPUT_TOOLCHAIN=")
}

func TestRunMissingRequiredInput(t *testing.T) {
	job := jobWithSteps(workflow.Step{Uses: "actions-rs/cargo@v1"})
	f := newFixture(t, job)
	r := newRunner(t, &fakeExecutor{})

	steps, err := Compile(job)
	require.NoError(t, err)

	status, _ := r.Run(context.Background(), context.Background(), f.inst, f.ec, steps, f.logger)
	assert.Equal(t, models.StatusKindFailed, status)
	assert.Contains(t, f.inst.Steps()[0].Error, ErrMissingInput.Error())
}

func TestRunHonoursStopBetweenSteps(t *testing.T) {
	job := jobWithSteps(workflow.Step{Run: "one"}, workflow.Step{Run: "two"})
	f := newFixture(t, job)
	exec := &fakeExecutor{}
	r := newRunner(t, exec)

	stopCtx, stop := context.WithCancel(context.Background())
	r.OnStep = func(ctx context.Context, inst *models.JobInstance, res models.StepResult) {
		// a sibling fails while step one is in flight
		stop()
	}

	steps, err := Compile(job)
	require.NoError(t, err)

	status, reason := r.Run(context.Background(), stopCtx, f.inst, f.ec, steps, f.logger)
	assert.Equal(t, models.StatusKindCancelled, status)
	assert.ErrorIs(t, reason, ErrCancelled)
	assert.Equal(t, []string{"one"}, exec.scripts())
	assert.Len(t, f.inst.Steps(), 1)
}

func TestRunTimeoutKillsStep(t *testing.T) {
	job := jobWithSteps(workflow.Step{Run: "block forever"}, workflow.Step{Run: "after"})
	f := newFixture(t, job)
	exec := &fakeExecutor{}
	r := newRunner(t, exec)

	execCtx, cancel := context.WithTimeoutCause(context.Background(), 50*time.Millisecond, ErrTimedOut)
	defer cancel()

	steps, err := Compile(job)
	require.NoError(t, err)

	status, reason := r.Run(execCtx, context.Background(), f.inst, f.ec, steps, f.logger)
	assert.Equal(t, models.StatusKindTimeout, status)
	assert.ErrorIs(t, reason, ErrTimedOut)

	results := f.inst.Steps()
	require.Len(t, results, 1)
	assert.Equal(t, models.StepStatusTimeout, results[0].Status)
	assert.Equal(t, []string{"block forever"}, exec.scripts())
}

func TestRunExportsEnv(t *testing.T) {
	job := jobWithSteps(
		workflow.Step{Run: "export RUSTFLAGS=-Dwarnings"},
		workflow.Step{Run: "echo ${{ env.RUSTFLAGS }}"},
	)
	f := newFixture(t, job)
	exec := &fakeExecutor{}
	r := newRunner(t, exec)

	steps, err := Compile(job)
	require.NoError(t, err)

	status, reason := r.Run(context.Background(), context.Background(), f.inst, f.ec, steps, f.logger)
	require.NoError(t, reason)
	assert.Equal(t, models.StatusKindSuccess, status)

	require.Len(t, exec.ran, 2)
	assert.Equal(t, "echo -Dwarnings", exec.ran[1].Script)
	assert.Contains(t, exec.ran[1].Env, "RUSTFLAGS=-Dwarnings")

	_, err = os.Stat(f.ec.Workspace + "/.loom")
	assert.True(t, os.IsNotExist(err))
}

func TestRunMasksSecretsInLog(t *testing.T) {
	job := jobWithSteps(workflow.Step{Run: "upload --token ${{ secrets.TOKEN }}"})
	f := newFixture(t, job)
	r := newRunner(t, &fakeExecutor{})

	steps, err := Compile(job)
	require.NoError(t, err)

	_, reason := r.Run(context.Background(), context.Background(), f.inst, f.ec, steps, f.logger)
	require.NoError(t, reason)

	contents, err := os.ReadFile(f.logger.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(contents), "hunter2")
	assert.Contains(t, string(contents), "upload --token ***")
}

func TestCompileRejectsBadStep(t *testing.T) {
	job := jobWithSteps(workflow.Step{Uses: "not-a-ref"})
	job.Workflow = &workflow.Workflow{Name: "ci"}

	_, err := Compile(job)
	require.Error(t, err)
	assert.True(t, workflow.IsConfigurationError(err))
	assert.ErrorIs(t, err, workflow.ErrInvalidActionRef)
}
