package secrets

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenBaoManagerInterface(t *testing.T) {
	var _ Manager = (*OpenBaoManager)(nil)
	var _ Stopper = (*OpenBaoManager)(nil)
}

func TestNewOpenBaoManager(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		roleID   string
		secretID string
		errMsg   string
	}{
		{"empty address", "", "role", "secret", "address cannot be empty"},
		{"empty role id", "http://localhost:8200", "", "secret", "role_id cannot be empty"},
		{"empty secret id", "http://localhost:8200", "role", "", "secret_id cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewOpenBaoManager(tt.address, tt.roleID, tt.secretID, slog.Default())
			assert.Nil(t, m)
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestOpenBaoManager_PathBuilding(t *testing.T) {
	m := &OpenBaoManager{mountPath: "loom"}

	tests := []struct {
		scope Scope
		key   string
		want  string
	}{
		{"halo2", "TOKEN", "scopes/halo2/TOKEN"},
		{"zcash/halo2", "TOKEN", "scopes/zcash_halo2/TOKEN"},
		{"did:plc:abc/repo.git", "KEY", "scopes/did_plc_abc_repo_git/KEY"},
	}

	for _, tt := range tests {
		t.Run(string(tt.scope), func(t *testing.T) {
			assert.Equal(t, tt.want, m.buildSecretPath(tt.scope, tt.key))
		})
	}
}

func TestDecodeSecret(t *testing.T) {
	s, ok := decodeSecret("halo2", "fallback", map[string]interface{}{
		"value":      "v",
		"key":        "TOKEN",
		"created_by": "admin",
		"created_at": "2024-01-02T03:04:05Z",
	})
	assert.True(t, ok)
	assert.Equal(t, "TOKEN", s.Key)
	assert.Equal(t, "v", s.Value)
	assert.Equal(t, Scope("halo2"), s.Scope)
	assert.Equal(t, 2024, s.CreatedAt.Year())

	_, ok = decodeSecret("halo2", "k", map[string]interface{}{"key": "no value"})
	assert.False(t, ok)
}

func TestWithMountPath(t *testing.T) {
	m := &OpenBaoManager{}
	WithMountPath("custom")(m)
	assert.Equal(t, "custom", m.mountPath)
}
