package steps

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"tangled.sh/tangled.sh/loom/runner/models"
	"tangled.sh/tangled.sh/loom/workflow"
)

// fakeExecutor runs nothing. Scripts are matched by prefix to canned
// behaviour.
type fakeExecutor struct {
	mu       sync.Mutex
	ran      []models.Command
	exitCode map[string]int
	// scripts starting with "block" wait for ctx
	// scripts starting with "export " write the rest to $LOOM_ENV
}

func (f *fakeExecutor) SetupInstance(ctx context.Context, ec *models.ExecContext) error {
	return ec.EnsureWorkspace()
}

func (f *fakeExecutor) DestroyInstance(ctx context.Context, ec *models.ExecContext) error {
	return nil
}

func (f *fakeExecutor) RunCommand(ctx context.Context, ec *models.ExecContext, cmd models.Command, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.ran = append(f.ran, cmd)
	f.mu.Unlock()

	fmt.Fprintf(stdout, "+ %s\n", cmd.Script)

	switch {
	case strings.HasPrefix(cmd.Script, "block"):
		<-ctx.Done()
		return -1, ctx.Err()
	case strings.HasPrefix(cmd.Script, "export "):
		if err := os.WriteFile(envValue(cmd.Env, "LOOM_ENV"), []byte(strings.TrimPrefix(cmd.Script, "export ")+"\n"), 0644); err != nil {
			return 0, err
		}
	}

	for prefix, code := range f.exitCode {
		if strings.HasPrefix(cmd.Script, prefix) {
			return code, nil
		}
	}
	return 0, nil
}

func (f *fakeExecutor) scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	for i, c := range f.ran {
		out[i] = c.Script
	}
	return out
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

type fixture struct {
	inst   *models.JobInstance
	ec     *models.ExecContext
	logger *models.InstanceLogger
}

func newFixture(t *testing.T, job *workflow.Job) fixture {
	t.Helper()

	instances, err := workflow.Expand(job)
	if err != nil {
		t.Fatal(err)
	}
	inst := models.NewJobInstance(instances[0])
	iid := models.InstanceId{RunId: models.RunId{Rkey: "r1", Workflow: "ci"}, Name: inst.ID}
	ec := models.NewExecContext(iid, instances[0], workflow.Event{Kind: "push"}, t.TempDir(), map[string]string{"TOKEN": "hunter2"})

	logger, err := models.NewInstanceLogger(t.TempDir(), iid, ec.SecretValues())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logger.Close() })

	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}
	return fixture{inst: inst, ec: ec, logger: logger}
}
