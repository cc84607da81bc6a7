package config

import (
	"context"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"tangled.sh/tangled.sh/loom/log"
)

type Server struct {
	ListenAddr   string `env:"LISTEN_ADDR, default=0.0.0.0:6555"`
	DBPath       string `env:"DB_PATH, default=loom.db"`
	WorkflowsDir string `env:"WORKFLOWS_DIR, default=.loom/workflows"`
	QueueSize    int    `env:"QUEUE_SIZE, default=100"`
	QueueWorkers int    `env:"QUEUE_WORKERS, default=2"`
	Dev          bool   `env:"DEV, default=false"`
	Telemetry    bool   `env:"TELEMETRY, default=false"`
}

type Runner struct {
	Executor           string            `env:"EXECUTOR, default=local"` // local or docker
	Shell              string            `env:"SHELL, default=bash --noprofile --norc -eo pipefail -c"`
	WorkspaceDir       string            `env:"WORKSPACE_DIR, default=/var/lib/loom/workspaces"`
	LogDir             string            `env:"LOG_DIR, default=/var/log/loom"`
	ActionsDir         []string          `env:"ACTIONS_DIR"`
	MaxConcurrency     int               `env:"MAX_CONCURRENCY, default=0"`
	DefaultTimeout     time.Duration     `env:"DEFAULT_TIMEOUT, default=6h"`
	Deadline           time.Duration     `env:"DEADLINE, default=0"`
	FailFastAcrossJobs bool              `env:"FAIL_FAST_ACROSS_JOBS, default=false"`
	KeepWorkspaces     bool              `env:"KEEP_WORKSPACES, default=false"`
	Images             map[string]string `env:"IMAGES"` // runs-on label to image, e.g. rust:rust:1.79
}

type Secrets struct {
	Provider string        `env:"PROVIDER, default=sqlite"`
	DBPath   string        `env:"DB_PATH, default=loom-secrets.db"`
	OpenBao  OpenBaoConfig `env:",prefix=OPENBAO_"`
}

type OpenBaoConfig struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=loom"`
}

type Log struct {
	Level  string `env:"LEVEL, default=info"`
	Format string `env:"FORMAT, default=text"`
}

func (l Log) Options() log.Options {
	return log.Options{Level: l.Level, Format: l.Format}
}

type Config struct {
	Server  Server  `env:",prefix=LOOM_SERVER_"`
	Runner  Runner  `env:",prefix=LOOM_RUNNER_"`
	Secrets Secrets `env:",prefix=LOOM_SECRETS_"`
	Log     Log     `env:",prefix=LOOM_LOG_"`
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	})
	if err != nil {
		return nil, err
	}

	cfg.Runner.Executor = strings.ToLower(cfg.Runner.Executor)
	return &cfg, nil
}
