package steps

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/ristretto"
	"tangled.sh/tangled.sh/loom/runner/models"
	"tangled.sh/tangled.sh/loom/workflow"
)

//go:embed builtin
var builtinFS embed.FS

var manifestNames = []string{"action.yml", "action.yaml"}

// Registry resolves action references. Registered actions are looked up
// by `name@version`, then by `name@*`. Anything else is loaded from the
// manifest directories, laid out as <name>/<version>/action.yml, and kept
// in a cache.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	sources []fs.FS
	cache   *ristretto.Cache
}

// NewRegistry returns a registry with the built-in actions. dirs are
// searched for manifests before the built-in ones.
func NewRegistry(dirs ...string) (*Registry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating action cache: %w", err)
	}

	r := &Registry{
		actions: map[string]Action{},
		cache:   cache,
	}
	for _, d := range dirs {
		if d != "" {
			r.sources = append(r.sources, os.DirFS(d))
		}
	}

	builtin, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		return nil, err
	}
	r.sources = append(r.sources, builtin)

	r.Register("actions/checkout@*", ActionFunc(Checkout))

	return r, nil
}

// Register adds an action to the lookup table. version may be "*".
func (r *Registry) Register(ref string, a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[ref] = a
}

func (r *Registry) lookup(ref workflow.ActionRef) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.actions[ref.String()]; ok {
		return a, true
	}
	a, ok := r.actions[ref.Name+"@*"]
	return a, ok
}

// Resolve finds the action a step refers to. Local references are read
// from the instance workspace and never cached.
func (r *Registry) Resolve(ref workflow.ActionRef, ec *models.ExecContext) (Action, error) {
	if ref.IsLocal() {
		dir, err := ec.Resolve(ref.Name)
		if err != nil {
			return nil, err
		}
		m, err := loadManifest(os.DirFS(dir), ".")
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrActionNotFound, ref, err)
		}
		return m, nil
	}

	if a, ok := r.lookup(ref); ok {
		return a, nil
	}

	key := ref.String()
	if v, ok := r.cache.Get(key); ok {
		return v.(*Manifest), nil
	}

	dir := path.Join(ref.Name, ref.Version)
	if !fs.ValidPath(dir) {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, ref)
	}

	for _, src := range r.sources {
		m, err := loadManifest(src, dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrActionNotFound, ref, err)
		}
		r.cache.Set(key, m, 1)
		return m, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrActionNotFound, ref)
}

func loadManifest(fsys fs.FS, dir string) (*Manifest, error) {
	for _, name := range manifestNames {
		contents, err := fs.ReadFile(fsys, path.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := ParseManifest(contents)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Join(dir, name), err)
		}
		return m, nil
	}
	return nil, fs.ErrNotExist
}

// Close releases the cache.
func (r *Registry) Close() {
	r.cache.Close()
}
