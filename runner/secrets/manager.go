package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"
)

// Scope groups secrets, usually by repository. Events carry the scope
// their workflows may read.
type Scope string

type Secret[T any] struct {
	Key       string
	Value     T
	Scope     Scope
	CreatedAt time.Time
	CreatedBy string
}

// the secret is not present
type LockedSecret = Secret[struct{}]

// the secret is present in plaintext, never expose this publicly,
// only hand it to an instance's execution context
type UnlockedSecret = Secret[string]

type Manager interface {
	AddSecret(ctx context.Context, secret UnlockedSecret) error
	RemoveSecret(ctx context.Context, secret Secret[any]) error
	GetSecretsLocked(ctx context.Context, scope Scope) ([]LockedSecret, error)
	GetSecretsUnlocked(ctx context.Context, scope Scope) ([]UnlockedSecret, error)
}

// stopper interface for managers that need cleanup
type Stopper interface {
	Stop()
}

var ErrKeyAlreadyPresent = errors.New("key already present")
var ErrInvalidKeyIdent = errors.New("key is not a valid identifier")
var ErrKeyNotFound = errors.New("key not found")

// ensure that we are satisfying the interface
var (
	_ = []Manager{
		&SqliteManager{},
		&OpenBaoManager{},
		&MemoryManager{},
	}
)

var (
	// bash identifier syntax
	keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func isValidKey(key string) bool {
	if key == "" {
		return false
	}
	return keyIdent.MatchString(key)
}

func ValidateKey(key string) error {
	if !isValidKey(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}

// Resolve fetches the named secrets of a scope as plain key/value pairs.
// Every name must exist; the first missing one is reported.
func Resolve(ctx context.Context, m Manager, scope Scope, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out, nil
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, names[0])
	}

	unlocked, err := m.GetSecretsUnlocked(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("fetching secrets: %w", err)
	}

	for _, name := range names {
		idx := slices.IndexFunc(unlocked, func(s UnlockedSecret) bool { return s.Key == name })
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		out[name] = unlocked[idx].Value
	}
	return out, nil
}
