package runner

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/runner/config"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run loom as a server that accepts events over http",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "address to listen on (overrides LOOM_SERVER_LISTEN_ADDR)",
			},
			&cli.StringFlag{
				Name:  "workflows",
				Usage: "directory of workflow files (overrides LOOM_SERVER_WORKFLOWS_DIR)",
			},
		},
		Action: serve,
		Description: `
Environment variables:
	LOOM_SERVER_LISTEN_ADDR          (default: 0.0.0.0:6555)
	LOOM_SERVER_DB_PATH              (default: loom.db)
	LOOM_SERVER_WORKFLOWS_DIR        (default: .loom/workflows)
	LOOM_SERVER_QUEUE_SIZE           (default: 100)
	LOOM_SERVER_QUEUE_WORKERS        (default: 2)
	LOOM_SERVER_DEV                  (default: false)
	LOOM_SERVER_TELEMETRY            (default: false)
	LOOM_RUNNER_EXECUTOR             (local or docker, default: local)
	LOOM_RUNNER_WORKSPACE_DIR        (default: /var/lib/loom/workspaces)
	LOOM_RUNNER_LOG_DIR              (default: /var/log/loom)
	LOOM_RUNNER_MAX_CONCURRENCY      (default: 0, unbounded)
	LOOM_RUNNER_DEFAULT_TIMEOUT      (default: 6h)
	LOOM_SECRETS_PROVIDER            (sqlite or openbao, default: sqlite)
	LOOM_LOG_LEVEL                   (default: info)
`,
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if v := cmd.String("listen"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := cmd.String("workflows"); v != "" {
		cfg.Server.WorkflowsDir = v
	}

	log.Configure(cfg.Log.Options())
	ctx = log.IntoContext(ctx, log.New("loom").With("command", "serve"))

	return Run(ctx, cfg)
}
