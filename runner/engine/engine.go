package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/runner/models"
	"tangled.sh/tangled.sh/loom/runner/secrets"
	"tangled.sh/tangled.sh/loom/runner/steps"
	"tangled.sh/tangled.sh/loom/telemetry"
	"tangled.sh/tangled.sh/loom/tid"
)

var (
	ErrTimedOut   = steps.ErrTimedOut
	ErrCancelled  = steps.ErrCancelled
	ErrStepFailed = steps.ErrStepFailed

	ErrIncompleteReport = errors.New("run report is missing instances")
)

type Engine struct {
	executor models.Executor
	registry *steps.Registry
	store    Store
	secrets  secrets.Manager
	tel      *telemetry.Telemetry
	l        *slog.Logger

	sem                *semaphore.Weighted
	defaultTimeout     time.Duration
	deadline           time.Duration
	failFastAcrossJobs bool
	logDir             string
	workspaceDir       string
	keepWorkspaces     bool
	newRkey            func() string

	instances    otelmetric.Int64Counter
	stepDuration otelmetric.Float64Histogram
}

type Option func(*Engine)

// WithMaxConcurrency bounds the number of instances running at once across
// every job and workflow of this engine. Zero means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		} else {
			e.sem = nil
		}
	}
}

// WithDefaultTimeout applies to instances whose job sets no timeout-minutes.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.defaultTimeout = d
	}
}

// WithDeadline bounds a whole run. A workflow's own timeout-minutes wins.
func WithDeadline(d time.Duration) Option {
	return func(e *Engine) {
		e.deadline = d
	}
}

// WithFailFastAcrossJobs makes the first failing instance stop every job
// of the run, not just its siblings.
func WithFailFastAcrossJobs(on bool) Option {
	return func(e *Engine) {
		e.failFastAcrossJobs = on
	}
}

func WithStore(s Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

func WithSecrets(m secrets.Manager) Option {
	return func(e *Engine) {
		e.secrets = m
	}
}

func WithRegistry(r *steps.Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) {
		e.tel = t
	}
}

func WithLogDir(dir string) Option {
	return func(e *Engine) {
		e.logDir = dir
	}
}

func WithWorkspaceDir(dir string) Option {
	return func(e *Engine) {
		e.workspaceDir = dir
	}
}

// WithKeepWorkspaces leaves instance workspaces on disk after the run.
func WithKeepWorkspaces(keep bool) Option {
	return func(e *Engine) {
		e.keepWorkspaces = keep
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.l = l
	}
}

// WithRkeyFunc replaces the TID clock used to key runs.
func WithRkeyFunc(f func() string) Option {
	return func(e *Engine) {
		e.newRkey = f
	}
}

func New(ctx context.Context, executor models.Executor, opts ...Option) (*Engine, error) {
	if executor == nil {
		return nil, fmt.Errorf("engine: no executor")
	}

	e := &Engine{
		executor:     executor,
		store:        nopStore{},
		tel:          telemetry.Noop(),
		l:            log.FromContext(ctx).With("component", "engine"),
		logDir:       filepath.Join(os.TempDir(), "loom", "logs"),
		workspaceDir: filepath.Join(os.TempDir(), "loom", "workspaces"),
		newRkey:      tid.TID,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.registry == nil {
		r, err := steps.NewRegistry()
		if err != nil {
			return nil, fmt.Errorf("creating action registry: %w", err)
		}
		e.registry = r
	}

	var err error
	meter := e.tel.Meter()
	e.instances, err = meter.Int64Counter(
		"loom.instances",
		otelmetric.WithDescription("Job instances by terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating instance counter: %w", err)
	}

	e.stepDuration, err = meter.Float64Histogram(
		"loom.step.duration",
		otelmetric.WithDescription("Step execution time"),
		otelmetric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating step histogram: %w", err)
	}

	return e, nil
}

// Close releases the action registry's cache.
func (e *Engine) Close() {
	e.registry.Close()
}
