package runner

import (
	"context"
	"fmt"
	"log/slog"

	"tangled.sh/tangled.sh/loom/runner/config"
	"tangled.sh/tangled.sh/loom/runner/engine"
	"tangled.sh/tangled.sh/loom/runner/executors/docker"
	"tangled.sh/tangled.sh/loom/runner/executors/local"
	"tangled.sh/tangled.sh/loom/runner/models"
	"tangled.sh/tangled.sh/loom/runner/secrets"
	"tangled.sh/tangled.sh/loom/runner/steps"
)

// NewExecutor builds the executor named by cfg.Executor.
func NewExecutor(ctx context.Context, cfg config.Runner, l *slog.Logger) (models.Executor, error) {
	switch cfg.Executor {
	case "", "local":
		return local.New(l, local.WithShell(cfg.Shell)), nil
	case "docker":
		e, err := docker.New(ctx, l, docker.WithImages(cfg.Images))
		if err != nil {
			return nil, fmt.Errorf("failed to setup docker executor: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
}

// NewSecretsManager opens the configured secret store. The returned func
// releases it.
func NewSecretsManager(cfg config.Secrets, l *slog.Logger) (secrets.Manager, func(), error) {
	switch cfg.Provider {
	case "", "sqlite":
		m, err := secrets.NewSQLiteManager(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to setup sqlite secrets provider: %w", err)
		}
		return m, func() { m.Close() }, nil
	case "openbao":
		m, err := secrets.NewOpenBaoManager(
			cfg.OpenBao.Addr,
			cfg.OpenBao.RoleID,
			cfg.OpenBao.SecretID,
			l,
			secrets.WithMountPath(cfg.OpenBao.Mount),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to setup openbao secrets provider: %w", err)
		}
		return m, m.Stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown secrets provider %q", cfg.Provider)
	}
}

// EngineOptions translates runner configuration into engine options.
func EngineOptions(cfg config.Runner) ([]engine.Option, error) {
	opts := []engine.Option{
		engine.WithMaxConcurrency(cfg.MaxConcurrency),
		engine.WithDefaultTimeout(cfg.DefaultTimeout),
		engine.WithDeadline(cfg.Deadline),
		engine.WithFailFastAcrossJobs(cfg.FailFastAcrossJobs),
		engine.WithKeepWorkspaces(cfg.KeepWorkspaces),
	}
	if cfg.LogDir != "" {
		opts = append(opts, engine.WithLogDir(cfg.LogDir))
	}
	if cfg.WorkspaceDir != "" {
		opts = append(opts, engine.WithWorkspaceDir(cfg.WorkspaceDir))
	}
	if len(cfg.ActionsDir) > 0 {
		registry, err := steps.NewRegistry(cfg.ActionsDir...)
		if err != nil {
			return nil, fmt.Errorf("failed to load actions: %w", err)
		}
		opts = append(opts, engine.WithRegistry(registry))
	}
	return opts, nil
}
