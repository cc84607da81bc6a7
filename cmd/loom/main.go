package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/runner"
)

func main() {
	cmd := &cli.Command{
		Name:    "loom",
		Usage:   "run declarative ci workflows",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			runCommand(),
			expandCommand(),
			runner.Command(),
			secretsCommand(),
			watchCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New("loom")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		code := 1
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			code = ec.ExitCode()
		}
		if msg := err.Error(); msg != "" {
			logger.Error(msg)
		}
		stop()
		os.Exit(code)
	}
}
