package secrets

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryManager keeps secrets in process memory. It backs secrets passed
// on the command line.
type MemoryManager struct {
	mu      sync.RWMutex
	secrets map[Scope]map[string]UnlockedSecret
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{secrets: map[Scope]map[string]UnlockedSecret{}}
}

func (m *MemoryManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.secrets == nil {
		m.secrets = map[Scope]map[string]UnlockedSecret{}
	}
	scoped, ok := m.secrets[secret.Scope]
	if !ok {
		scoped = map[string]UnlockedSecret{}
		m.secrets[secret.Scope] = scoped
	}
	if _, exists := scoped[secret.Key]; exists {
		return ErrKeyAlreadyPresent
	}
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = time.Now()
	}
	scoped[secret.Key] = secret
	return nil
}

func (m *MemoryManager) RemoveSecret(ctx context.Context, secret Secret[any]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scoped := m.secrets[secret.Scope]
	if _, exists := scoped[secret.Key]; !exists {
		return ErrKeyNotFound
	}
	delete(scoped, secret.Key)
	return nil
}

func (m *MemoryManager) GetSecretsLocked(ctx context.Context, scope Scope) ([]LockedSecret, error) {
	unlocked, err := m.GetSecretsUnlocked(ctx, scope)
	if err != nil {
		return nil, err
	}
	ls := make([]LockedSecret, len(unlocked))
	for i, s := range unlocked {
		ls[i] = LockedSecret{Key: s.Key, Scope: s.Scope, CreatedAt: s.CreatedAt, CreatedBy: s.CreatedBy}
	}
	return ls, nil
}

func (m *MemoryManager) GetSecretsUnlocked(ctx context.Context, scope Scope) ([]UnlockedSecret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scoped := m.secrets[scope]
	out := make([]UnlockedSecret, 0, len(scoped))
	for _, k := range slices.Sorted(maps.Keys(scoped)) {
		out = append(out, scoped[k])
	}
	return out, nil
}
