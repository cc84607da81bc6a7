package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/runner"
	"tangled.sh/tangled.sh/loom/runner/config"
	"tangled.sh/tangled.sh/loom/runner/db"
	"tangled.sh/tangled.sh/loom/runner/engine"
	"tangled.sh/tangled.sh/loom/runner/models"
	"tangled.sh/tangled.sh/loom/runner/secrets"
	"tangled.sh/tangled.sh/loom/workflow"
)

// exit status for a definition error, as opposed to a failed run
const exitConfiguration = 2

func workflowsFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "workflows",
		Usage: "workflow file, or directory of workflow files",
		Value: ".loom/workflows",
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run every workflow activated by an event, locally",
		Flags: []cli.Flag{
			workflowsFlag(),
			&cli.StringFlag{
				Name:  "event",
				Usage: "event kind: push, pull_request, manual, ...",
				Value: workflow.TriggerKindPush,
			},
			&cli.StringFlag{
				Name:  "ref",
				Usage: "full ref the event happened on, e.g. refs/heads/main",
			},
			&cli.StringFlag{
				Name:  "base-ref",
				Usage: "pull request target branch",
			},
			&cli.StringFlag{
				Name:  "repository",
				Usage: "repository name; also the scope secrets are read from",
			},
			&cli.StringFlag{
				Name:  "clone-url",
				Usage: "url actions/checkout clones from",
			},
			&cli.StringFlag{
				Name:  "sha",
				Usage: "commit the event points at",
			},
			&cli.StringSliceFlag{
				Name:  "secret",
				Usage: "KEY=VALUE secret for this run; when given, the configured secret store is not used",
			},
			&cli.StringFlag{
				Name:  "executor",
				Usage: "local or docker (overrides LOOM_RUNNER_EXECUTOR)",
			},
			&cli.StringFlag{
				Name:  "max-concurrency",
				Usage: "instances running at once, 0 for unbounded (overrides LOOM_RUNNER_MAX_CONCURRENCY)",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "where instance logs are written (overrides LOOM_RUNNER_LOG_DIR)",
			},
			&cli.StringFlag{
				Name:  "workspace-dir",
				Usage: "where instance workspaces are created (overrides LOOM_RUNNER_WORKSPACE_DIR)",
			},
			&cli.BoolFlag{
				Name:  "keep-workspaces",
				Usage: "leave workspaces on disk after the run",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "record status events and reports in this sqlite database",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print reports as json",
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	ctx, cfg, err := setup(ctx, "run")
	if err != nil {
		return err
	}
	l := log.FromContext(ctx)

	if err := runnerOverrides(cmd, &cfg.Runner); err != nil {
		return err
	}

	workflows, err := workflow.ParseDir(cmd.String("workflows"))
	if err != nil {
		if workflow.IsConfigurationError(err) {
			return cli.Exit(err.Error(), exitConfiguration)
		}
		return err
	}

	ev := workflow.Event{
		Kind:       cmd.String("event"),
		Ref:        cmd.String("ref"),
		BaseRef:    cmd.String("base-ref"),
		Repository: cmd.String("repository"),
		CloneURL:   cmd.String("clone-url"),
		Sha:        cmd.String("sha"),
	}

	sec, closeSecrets, err := secretsFor(cmd, cfg, ev)
	if err != nil {
		return err
	}
	defer closeSecrets()

	executor, err := runner.NewExecutor(ctx, cfg.Runner, l)
	if err != nil {
		return err
	}

	opts, err := runner.EngineOptions(cfg.Runner)
	if err != nil {
		return err
	}
	opts = append(opts, engine.WithSecrets(sec))

	if path := cmd.String("db"); path != "" {
		d, err := db.Make(path, nil)
		if err != nil {
			return fmt.Errorf("failed to setup db: %w", err)
		}
		defer d.Close()
		opts = append(opts, engine.WithStore(d))
	}

	eng, err := engine.New(ctx, executor, opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	reports, err := eng.RunAll(ctx, workflows, ev)
	if err != nil {
		if workflow.IsConfigurationError(err) {
			return cli.Exit(err.Error(), exitConfiguration)
		}
		return err
	}

	if err := printReports(cmd, reports); err != nil {
		return err
	}

	if len(reports) == 0 {
		l.Info("no workflow is activated by this event", "event", ev.Kind, "ref", ev.Ref)
	}
	for _, r := range reports {
		if !r.Succeeded() {
			return cli.Exit("", r.ExitCode())
		}
	}
	return nil
}

func printReports(cmd *cli.Command, reports []*models.RunReport) error {
	if cmd.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if reports == nil {
			reports = []*models.RunReport{}
		}
		return enc.Encode(reports)
	}

	for _, r := range reports {
		if err := r.Render(os.Stdout); err != nil {
			return err
		}
	}
	return nil
}

// setup loads configuration and installs the configured logger.
func setup(ctx context.Context, command string) (context.Context, *config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log.Configure(cfg.Log.Options())
	ctx = log.IntoContext(ctx, log.New("loom").With("command", command))
	return ctx, cfg, nil
}

func runnerOverrides(cmd *cli.Command, cfg *config.Runner) error {
	if v := cmd.String("executor"); v != "" {
		cfg.Executor = strings.ToLower(v)
	}
	if v := cmd.String("max-concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid --max-concurrency %q", v)
		}
		cfg.MaxConcurrency = n
	}
	if v := cmd.String("log-dir"); v != "" {
		cfg.LogDir = v
	}
	if v := cmd.String("workspace-dir"); v != "" {
		cfg.WorkspaceDir = v
	}
	if cmd.Bool("keep-workspaces") {
		cfg.KeepWorkspaces = true
	}
	return nil
}

// secretsFor returns the secrets given with --secret when there are any,
// otherwise the configured store.
func secretsFor(cmd *cli.Command, cfg *config.Config, ev workflow.Event) (secrets.Manager, func(), error) {
	pairs := cmd.StringSlice("secret")
	if len(pairs) == 0 {
		return runner.NewSecretsManager(cfg.Secrets, log.New("secrets"))
	}

	m, err := parseSecrets(pairs, secrets.Scope(ev.Repository))
	if err != nil {
		return nil, nil, err
	}
	return m, func() {}, nil
}

func parseSecrets(pairs []string, scope secrets.Scope) (*secrets.MemoryManager, error) {
	m := secrets.NewMemoryManager()
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("secret %q: expected KEY=VALUE", pair)
		}
		err := m.AddSecret(context.Background(), secrets.UnlockedSecret{
			Key:       key,
			Value:     value,
			Scope:     scope,
			CreatedBy: "cli",
		})
		if errors.Is(err, secrets.ErrKeyAlreadyPresent) {
			return nil, fmt.Errorf("secret %s given twice", key)
		}
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", key, err)
		}
	}
	return m, nil
}
