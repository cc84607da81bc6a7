package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"tangled.sh/tangled.sh/loom/runner/models"
)

const (
	DefaultShell = "bash --noprofile --norc -eo pipefail -c"

	// how long a killed step may keep its output pipes open
	waitDelay = 5 * time.Second
)

// DefaultPassthrough are the host variables every command inherits.
var DefaultPassthrough = []string{"PATH", "HOME", "USER", "TMPDIR", "LANG"}

// Executor runs commands as host processes inside the instance workspace.
// Commands see only the instance environment plus the passthrough
// variables of the host.
type Executor struct {
	shell       []string
	passthrough []string
	l           *slog.Logger
}

type Option func(*Executor)

// WithShell sets the interpreter; the script is appended as the last argument.
func WithShell(shell string) Option {
	return func(e *Executor) {
		if fields := strings.Fields(shell); len(fields) > 0 {
			e.shell = fields
		}
	}
}

func WithPassthrough(vars ...string) Option {
	return func(e *Executor) {
		e.passthrough = vars
	}
}

func New(l *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		shell:       strings.Fields(DefaultShell),
		passthrough: DefaultPassthrough,
		l:           l.With("executor", "local"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) SetupInstance(ctx context.Context, ec *models.ExecContext) error {
	ec.Mount = ec.Workspace
	return ec.EnsureWorkspace()
}

func (e *Executor) DestroyInstance(ctx context.Context, ec *models.ExecContext) error {
	return nil
}

func (e *Executor) RunCommand(ctx context.Context, ec *models.ExecContext, c models.Command, stdout, stderr io.Writer) (int, error) {
	dir, err := ec.Resolve(c.Dir)
	if err != nil {
		return -1, fmt.Errorf("working directory: %w", err)
	}

	args := append(e.shell[1:len(e.shell):len(e.shell)], c.Script)
	cmd := exec.CommandContext(ctx, e.shell[0], args...)
	cmd.Dir = dir
	cmd.Env = append(e.hostEnv(), c.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// kill the whole process group, not just the shell
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	e.l.Debug("running command", "instance", ec.Instance.Name, "dir", dir)

	err = cmd.Run()
	if ctx.Err() != nil {
		return -1, context.Cause(ctx)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, fmt.Errorf("running %s: %w", e.shell[0], err)
	}
}

func (e *Executor) hostEnv() []string {
	var env []string
	for _, k := range e.passthrough {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}
