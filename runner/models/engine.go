package models

import (
	"context"
	"io"
)

// Command is one shell script to run inside an instance's environment.
type Command struct {
	Script string
	Env    []string // KEY=value
	Dir    string   // relative to the workspace, empty for its root
}

// Executor runs commands for job instances. Implementations provision
// whatever isolation they need in SetupInstance and release it in
// DestroyInstance. RunCommand returns the process exit code; a non-nil
// error means the command could not be run at all. Cancelling ctx must
// stop the command.
type Executor interface {
	SetupInstance(ctx context.Context, ec *ExecContext) error
	RunCommand(ctx context.Context, ec *ExecContext, cmd Command, stdout, stderr io.Writer) (int, error)
	DestroyInstance(ctx context.Context, ec *ExecContext) error
}
