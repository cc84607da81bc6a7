package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/eventconsumer"
	"tangled.sh/tangled.sh/loom/eventconsumer/cursor"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/runner/db"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "follow the status events of one or more loom servers",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "server",
				Usage:    "host:port of a loom server",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "connect over plain ws instead of wss",
			},
			&cli.StringFlag{
				Name:  "cursor-db",
				Usage: "sqlite database remembering where each stream was left off",
			},
			&cli.StringFlag{
				Name:  "cursor-redis",
				Usage: "redis url remembering where each stream was left off, e.g. redis://localhost:6379/0",
			},
		},
		Action: watch,
	}
}

func watch(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	cfg := eventconsumer.NewConsumerConfig()
	cfg.Logger = l
	cfg.Dev = cmd.Bool("dev")
	cfg.ProcessFunc = func(ctx context.Context, source eventconsumer.Source, msg eventconsumer.Message) error {
		return printStatus(os.Stdout, source.Key(), msg)
	}

	store, closeStore, err := cursorStore(cmd, l)
	if err != nil {
		return err
	}
	defer closeStore()
	if store != nil {
		cfg.CursorStore = store
	}

	for _, server := range cmd.StringSlice("server") {
		cfg.Sources[eventconsumer.NewLoomSource(server)] = struct{}{}
	}

	c := eventconsumer.NewConsumer(*cfg)
	c.Start(ctx)
	<-ctx.Done()
	c.Stop()
	return nil
}

// cursorStore picks the store named by the flags; nil means the
// consumer's in-memory default.
func cursorStore(cmd *cli.Command, l *slog.Logger) (cursor.Store, func(), error) {
	path, url := cmd.String("cursor-db"), cmd.String("cursor-redis")
	switch {
	case path != "" && url != "":
		return nil, nil, errors.New("--cursor-db and --cursor-redis are mutually exclusive")
	case path != "":
		store, err := cursor.NewSQLiteStore(path, cursor.WithLogger(l))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to setup cursor store: %w", err)
		}
		return store, func() { store.Close() }, nil
	case url != "":
		store, err := cursor.NewRedisStore(url, l)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to setup cursor store: %w", err)
		}
		return store, func() { store.Close() }, nil
	}
	return nil, func() {}, nil
}

func printStatus(w io.Writer, source string, msg eventconsumer.Message) error {
	if msg.Kind != db.EventKindStatus {
		return nil
	}
	s, err := msg.Status()
	if err != nil {
		return fmt.Errorf("decoding status event: %w", err)
	}

	line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s", source, s.Rkey, s.Workflow, s.Instance, s.Status)
	if s.Error != nil {
		line += "\t" + *s.Error
	}
	_, err = fmt.Fprintln(w, line)
	return err
}
