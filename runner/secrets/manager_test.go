package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"CODECOV_TOKEN", true},
		{"_private", true},
		{"a1", true},
		{"", false},
		{"1abc", false},
		{"has-dash", false},
		{"has space", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidKeyIdent)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()
	require.NoError(t, m.AddSecret(ctx, UnlockedSecret{Key: "CODECOV_TOKEN", Value: "abc", Scope: "halo2"}))
	require.NoError(t, m.AddSecret(ctx, UnlockedSecret{Key: "OTHER", Value: "x", Scope: "halo2"}))

	got, err := Resolve(ctx, m, "halo2", []string{"CODECOV_TOKEN"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"CODECOV_TOKEN": "abc"}, got)

	_, err = Resolve(ctx, m, "halo2", []string{"CODECOV_TOKEN", "MISSING"})
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Contains(t, err.Error(), "MISSING")

	_, err = Resolve(ctx, m, "elsewhere", []string{"CODECOV_TOKEN"})
	assert.ErrorIs(t, err, ErrKeyNotFound)

	got, err = Resolve(ctx, nil, "halo2", nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Resolve(ctx, nil, "halo2", []string{"CODECOV_TOKEN"})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryManager(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	require.NoError(t, m.AddSecret(ctx, UnlockedSecret{Key: "B", Value: "2", Scope: "s"}))
	require.NoError(t, m.AddSecret(ctx, UnlockedSecret{Key: "A", Value: "1", Scope: "s"}))
	assert.ErrorIs(t, m.AddSecret(ctx, UnlockedSecret{Key: "A", Value: "3", Scope: "s"}), ErrKeyAlreadyPresent)
	assert.ErrorIs(t, m.AddSecret(ctx, UnlockedSecret{Key: "not valid", Scope: "s"}), ErrInvalidKeyIdent)

	locked, err := m.GetSecretsLocked(ctx, "s")
	require.NoError(t, err)
	require.Len(t, locked, 2)
	assert.Equal(t, "A", locked[0].Key)

	require.NoError(t, m.RemoveSecret(ctx, Secret[any]{Key: "A", Scope: "s"}))
	assert.ErrorIs(t, m.RemoveSecret(ctx, Secret[any]{Key: "A", Scope: "s"}), ErrKeyNotFound)
}
