package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/runner"
	"tangled.sh/tangled.sh/loom/runner/secrets"
)

// The secrets command is nested like so:
//
//	loom secrets --repo REPO add|list|rm
func secretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "manage secrets in the configured secret store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "repo",
				Usage:    "repository the secrets are scoped to",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "add a secret; the value is read from stdin when omitted",
				ArgsUsage: "KEY [VALUE]",
				Action:    addSecret,
			},
			{
				Name:   "list",
				Usage:  "list secret keys, never values",
				Action: listSecrets,
			},
			{
				Name:      "rm",
				Usage:     "remove a secret",
				ArgsUsage: "KEY",
				Action:    removeSecret,
			},
		},
	}
}

func withSecrets(ctx context.Context, fn func(secrets.Manager) error) error {
	ctx, cfg, err := setup(ctx, "secrets")
	if err != nil {
		return err
	}

	m, closeSecrets, err := runner.NewSecretsManager(cfg.Secrets, log.FromContext(ctx))
	if err != nil {
		return err
	}
	defer closeSecrets()
	return fn(m)
}

func addSecret(ctx context.Context, cmd *cli.Command) error {
	key := cmd.Args().Get(0)
	if key == "" {
		return cli.Exit("missing KEY", 1)
	}
	if err := secrets.ValidateKey(key); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	value := cmd.Args().Get(1)
	if cmd.Args().Len() < 2 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading value: %w", err)
		}
		value = strings.TrimRight(string(b), "\r\n")
	}

	return withSecrets(ctx, func(m secrets.Manager) error {
		return m.AddSecret(ctx, secrets.UnlockedSecret{
			Key:       key,
			Value:     value,
			Scope:     secrets.Scope(cmd.String("repo")),
			CreatedBy: currentUser(),
		})
	})
}

func listSecrets(ctx context.Context, cmd *cli.Command) error {
	return withSecrets(ctx, func(m secrets.Manager) error {
		locked, err := m.GetSecretsLocked(ctx, secrets.Scope(cmd.String("repo")))
		if err != nil {
			return err
		}
		for _, s := range locked {
			fmt.Printf("%s\tadded %s by %s\n", s.Key, s.CreatedAt.Format("2006-01-02 15:04"), s.CreatedBy)
		}
		return nil
	})
}

func removeSecret(ctx context.Context, cmd *cli.Command) error {
	key := cmd.Args().Get(0)
	if key == "" {
		return cli.Exit("missing KEY", 1)
	}

	return withSecrets(ctx, func(m secrets.Manager) error {
		return m.RemoveSecret(ctx, secrets.Secret[any]{
			Key:   key,
			Scope: secrets.Scope(cmd.String("repo")),
		})
	})
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
