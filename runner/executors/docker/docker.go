package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"tangled.sh/tangled.sh/loom/runner/models"
)

const (
	workspaceDir = "/loom/workspace"
)

var ErrOOMKilled = errors.New("oom killed")

// DefaultImages maps the usual runs-on labels to images that can run
// bash. A label with no mapping is used as the image reference itself.
var DefaultImages = map[string]string{
	"ubuntu-latest": "ubuntu:24.04",
	"ubuntu-24.04":  "ubuntu:24.04",
	"ubuntu-22.04":  "ubuntu:22.04",
	"debian-latest": "debian:stable",
}

type cleanupFunc func(context.Context) error

// Executor runs every command in a fresh container. Containers of one
// instance share a bridge network and the instance workspace, which is
// bind-mounted from the host.
type Executor struct {
	docker client.APIClient
	l      *slog.Logger

	images       map[string]string
	pullAttempts uint
	pullDelay    time.Duration

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

type Option func(*Executor)

// WithImages adds runs-on label to image mappings.
func WithImages(images map[string]string) Option {
	return func(e *Executor) {
		for k, v := range images {
			e.images[k] = v
		}
	}
}

func WithPullRetry(attempts uint, delay time.Duration) Option {
	return func(e *Executor) {
		e.pullAttempts = attempts
		e.pullDelay = delay
	}
}

func New(ctx context.Context, l *slog.Logger, opts ...Option) (*Executor, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return NewWithClient(dcli, l, opts...), nil
}

func NewWithClient(dcli client.APIClient, l *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		docker:       dcli,
		l:            l.With("executor", "docker"),
		images:       map[string]string{},
		pullAttempts: 3,
		pullDelay:    2 * time.Second,
		cleanup:      map[string][]cleanupFunc{},
	}
	for k, v := range DefaultImages {
		e.images[k] = v
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Image is the image instances with this runs-on label run in.
func (e *Executor) Image(runsOn string) string {
	if img, ok := e.images[runsOn]; ok {
		return img
	}
	return runsOn
}

// SetupInstance creates the instance network and pulls its image.
func (e *Executor) SetupInstance(ctx context.Context, ec *models.ExecContext) error {
	ec.Mount = workspaceDir
	if err := ec.EnsureWorkspace(); err != nil {
		return err
	}

	e.l.Info("setting up instance", "instance", ec.Instance.String())

	_, err := e.docker.NetworkCreate(ctx, networkName(ec.Instance), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("creating network: %w", err)
	}
	e.registerCleanup(ec.Instance, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(ec.Instance))
	})

	img := e.Image(ec.RunsOn)
	err = retry.Do(func() error {
		reader, err := e.docker.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return err
		}
		defer reader.Close()
		_, err = io.Copy(io.Discard, reader)
		return err
	},
		retry.Attempts(e.pullAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(e.pullDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.l.Warn("retrying image pull", "image", img, "attempt", n+1, "err", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		e.l.Error("image pull failed", "image", img, "instance", ec.Instance.String(), "err", err)
		return fmt.Errorf("pulling image %s: %w", img, err)
	}

	return nil
}

func (e *Executor) RunCommand(ctx context.Context, ec *models.ExecContext, c models.Command, stdout, stderr io.Writer) (int, error) {
	workdir, err := containerDir(ec, c.Dir)
	if err != nil {
		return -1, err
	}

	env := append(append([]string{}, c.Env...), "HOME="+workspaceDir)

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      e.Image(ec.RunsOn),
		Cmd:        []string{"bash", "-c", c.Script},
		WorkingDir: workdir,
		Tty:        false,
		Hostname:   "loom",
		Env:        env,
	}, hostConfig(ec), nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("creating container: %w", err)
	}
	defer func() {
		if err := e.destroyContainer(context.WithoutCancel(ctx), resp.ID); err != nil {
			e.l.Error("failed to remove container", "container", resp.ID, "err", err)
		}
	}()

	if err := e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("starting container: %w", err)
	}
	e.l.Debug("started container", "container", resp.ID, "instance", ec.Instance.Name)

	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tail(ctx, resp.ID, stdout, stderr)
	}()

	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error
	go func() {
		defer close(waitDone)
		state, waitErr = e.wait(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		if err := <-tailDone; err != nil {
			e.l.Warn("failed to tail container", "container", resp.ID, "err", err)
		}

	case <-ctx.Done():
		e.l.Warn("killing container", "container", resp.ID, "cause", context.Cause(ctx))
		if err := e.destroyContainer(context.WithoutCancel(ctx), resp.ID); err != nil {
			e.l.Error("failed to kill container", "container", resp.ID, "err", err)
		}
		<-waitDone
		<-tailDone
		return -1, context.Cause(ctx)
	}

	if waitErr != nil {
		return -1, waitErr
	}

	if state.OOMKilled {
		return state.ExitCode, ErrOOMKilled
	}
	return state.ExitCode, nil
}

// DestroyInstance releases everything SetupInstance created.
func (e *Executor) DestroyInstance(ctx context.Context, ec *models.ExecContext) error {
	e.cleanupMu.Lock()
	key := ec.Instance.String()
	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	var errs []error
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			e.l.Error("failed to cleanup instance resource", "instance", key, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) wait(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	return info.State, nil
}

func (e *Executor) tail(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(
		&ansiStrippingWriter{underlying: stdout},
		&ansiStrippingWriter{underlying: stderr},
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}
	return nil
}

func (e *Executor) destroyContainer(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}
	return nil
}

func (e *Executor) registerCleanup(iid models.InstanceId, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := iid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

// containerDir maps a workspace-relative directory into the container.
func containerDir(ec *models.ExecContext, dir string) (string, error) {
	host, err := ec.Resolve(dir)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	rel, err := filepath.Rel(ec.Workspace, host)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	return path.Join(workspaceDir, filepath.ToSlash(rel)), nil
}

func networkName(iid models.InstanceId) string {
	return fmt.Sprintf("loom-%s", iid)
}

func hostConfig(ec *models.ExecContext) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: ec.Workspace,
				Target: workspaceDir,
			},
			{
				Type:     mount.TypeTmpfs,
				Target:   "/tmp",
				ReadOnly: false,
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
					Options: [][]string{
						{"exec"},
					},
				},
			},
		},
		NetworkMode:    container.NetworkMode(networkName(ec.Instance)),
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CAP_DAC_OVERRIDE", "CAP_CHOWN", "CAP_FOWNER", "CAP_SETUID", "CAP_SETGID"},
		SecurityOpt:    []string{"no-new-privileges"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers") || strings.Contains(err.Error(), "is already in progress"))
}
