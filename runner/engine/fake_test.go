package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/runner/models"
)

// fakeExecutor pretends to run scripts. Behaviour is picked by prefix:
//
//	fail      exits 1
//	block     waits for ctx
//	sleep     waits 30ms, or for ctx
//	nap       waits 150ms, or for ctx
//	gate      waits until the gate is opened, or for ctx
//
// anything else exits 0.
type fakeExecutor struct {
	mu      sync.Mutex
	ran     []models.Command
	envs    [][]string
	running int
	peak    int

	gate     chan struct{}
	gateOnce sync.Once
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{gate: make(chan struct{})}
}

func (f *fakeExecutor) openGate() {
	f.gateOnce.Do(func() { close(f.gate) })
}

func (f *fakeExecutor) SetupInstance(ctx context.Context, ec *models.ExecContext) error {
	return nil
}

func (f *fakeExecutor) DestroyInstance(ctx context.Context, ec *models.ExecContext) error {
	return nil
}

func (f *fakeExecutor) RunCommand(ctx context.Context, ec *models.ExecContext, cmd models.Command, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.ran = append(f.ran, cmd)
	f.envs = append(f.envs, cmd.Env)
	f.running++
	f.peak = max(f.peak, f.running)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	fmt.Fprintln(stdout, cmd.Script)

	switch {
	case strings.HasPrefix(cmd.Script, "fail"):
		return 1, nil
	case strings.HasPrefix(cmd.Script, "block"):
		<-ctx.Done()
		return -1, ctx.Err()
	case strings.HasPrefix(cmd.Script, "sleep"):
		select {
		case <-time.After(30 * time.Millisecond):
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	case strings.HasPrefix(cmd.Script, "nap"):
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	case strings.HasPrefix(cmd.Script, "gate"):
		select {
		case <-f.gate:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	return 0, nil
}

func (f *fakeExecutor) scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	for i, c := range f.ran {
		out[i] = c.Script
	}
	return out
}

func (f *fakeExecutor) peakRunning() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type statusEvent struct {
	Instance string
	Status   models.StatusKind
}

// fakeStore records transitions. onFailed runs inside StatusFailed.
type fakeStore struct {
	mu       sync.Mutex
	events   []statusEvent
	reports  []*models.RunReport
	onFailed func()
}

func (s *fakeStore) add(iid models.InstanceId, status models.StatusKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, statusEvent{iid.Name, status})
	return nil
}

func (s *fakeStore) StatusPending(iid models.InstanceId) error {
	return s.add(iid, models.StatusKindPending)
}

func (s *fakeStore) StatusRunning(iid models.InstanceId) error {
	return s.add(iid, models.StatusKindRunning)
}

func (s *fakeStore) StatusSuccess(iid models.InstanceId) error {
	return s.add(iid, models.StatusKindSuccess)
}

func (s *fakeStore) StatusFailed(iid models.InstanceId, reason string, exitCode int64) error {
	if s.onFailed != nil {
		s.onFailed()
	}
	return s.add(iid, models.StatusKindFailed)
}

func (s *fakeStore) StatusTimeout(iid models.InstanceId) error {
	return s.add(iid, models.StatusKindTimeout)
}

func (s *fakeStore) StatusCancelled(iid models.InstanceId, reason string) error {
	return s.add(iid, models.StatusKindCancelled)
}

func (s *fakeStore) SaveReport(report *models.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

func (s *fakeStore) history(instance string) []models.StatusKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StatusKind
	for _, ev := range s.events {
		if ev.Instance == instance {
			out = append(out, ev.Status)
		}
	}
	return out
}

func newEngine(t *testing.T, exec models.Executor, opts ...Option) *Engine {
	t.Helper()

	base := []Option{
		WithLogger(log.Discard()),
		WithLogDir(t.TempDir()),
		WithWorkspaceDir(t.TempDir()),
		WithRkeyFunc(func() string { return "3ktest" }),
	}
	e, err := New(context.Background(), exec, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// slowExecutor holds back every step of the named instances.
type slowExecutor struct {
	*fakeExecutor

	mu    sync.Mutex
	delay map[string]time.Duration
}

func (s *slowExecutor) setDelay(delay map[string]time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = delay
}

func (s *slowExecutor) RunCommand(ctx context.Context, ec *models.ExecContext, cmd models.Command, stdout, stderr io.Writer) (int, error) {
	s.mu.Lock()
	d := s.delay[ec.Instance.Name]
	s.mu.Unlock()

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	return s.fakeExecutor.RunCommand(ctx, ec, cmd, stdout, stderr)
}
