package runner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/runner/config"
	"tangled.sh/tangled.sh/loom/runner/executors/local"
	"tangled.sh/tangled.sh/loom/runner/secrets"
)

func TestNewExecutor(t *testing.T) {
	e, err := NewExecutor(context.Background(), config.Runner{Executor: "local"}, log.Discard())
	require.NoError(t, err)
	assert.IsType(t, &local.Executor{}, e)

	_, err = NewExecutor(context.Background(), config.Runner{Executor: "qemu"}, log.Discard())
	assert.ErrorContains(t, err, `unknown executor "qemu"`)
}

func TestNewSecretsManager(t *testing.T) {
	m, closeSecrets, err := NewSecretsManager(config.Secrets{
		Provider: "sqlite",
		DBPath:   filepath.Join(t.TempDir(), "secrets.db"),
	}, log.Discard())
	require.NoError(t, err)
	defer closeSecrets()
	assert.IsType(t, &secrets.SqliteManager{}, m)

	_, _, err = NewSecretsManager(config.Secrets{Provider: "vault"}, log.Discard())
	assert.ErrorContains(t, err, `unknown secrets provider "vault"`)

	_, _, err = NewSecretsManager(config.Secrets{Provider: "openbao"}, log.Discard())
	assert.ErrorContains(t, err, "address cannot be empty")
}
