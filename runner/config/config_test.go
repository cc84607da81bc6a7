package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:6555", cfg.Server.ListenAddr)
	assert.Equal(t, "local", cfg.Runner.Executor)
	assert.Equal(t, 6*time.Hour, cfg.Runner.DefaultTimeout)
	assert.Zero(t, cfg.Runner.Deadline)
	assert.Equal(t, "sqlite", cfg.Secrets.Provider)
	assert.Equal(t, "loom", cfg.Secrets.OpenBao.Mount)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"LOOM_SERVER_LISTEN_ADDR":           "127.0.0.1:9000",
		"LOOM_RUNNER_EXECUTOR":              "Docker",
		"LOOM_RUNNER_MAX_CONCURRENCY":       "4",
		"LOOM_RUNNER_DEADLINE":              "1h30m",
		"LOOM_RUNNER_FAIL_FAST_ACROSS_JOBS": "true",
		"LOOM_RUNNER_IMAGES":                "rust:rust:1.79,ubuntu-latest:ubuntu:22.04",
		"LOOM_RUNNER_ACTIONS_DIR":           "/etc/loom/actions,/opt/actions",
		"LOOM_SECRETS_PROVIDER":             "openbao",
		"LOOM_SECRETS_OPENBAO_ADDR":         "http://bao:8200",
		"LOOM_LOG_FORMAT":                   "json",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "docker", cfg.Runner.Executor)
	assert.Equal(t, 4, cfg.Runner.MaxConcurrency)
	assert.Equal(t, 90*time.Minute, cfg.Runner.Deadline)
	assert.True(t, cfg.Runner.FailFastAcrossJobs)
	assert.Equal(t, map[string]string{"rust": "rust:1.79", "ubuntu-latest": "ubuntu:22.04"}, cfg.Runner.Images)
	assert.Equal(t, []string{"/etc/loom/actions", "/opt/actions"}, cfg.Runner.ActionsDir)
	assert.Equal(t, "openbao", cfg.Secrets.Provider)
	assert.Equal(t, "http://bao:8200", cfg.Secrets.OpenBao.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
}
