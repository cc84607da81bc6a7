package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"tangled.sh/tangled.sh/loom/runner/models"
	"tangled.sh/tangled.sh/loom/runner/secrets"
	"tangled.sh/tangled.sh/loom/runner/steps"
	"tangled.sh/tangled.sh/loom/workflow"
)

// jobPlan is a job with its instances expanded and its steps compiled.
type jobPlan struct {
	job       *workflow.Job
	steps     []steps.Step
	instances []*models.JobInstance

	// closed once every instance of the job is terminal
	done      chan struct{}
	succeeded bool
}

type run struct {
	id    models.RunId
	wf    *workflow.Workflow
	event workflow.Event
	plans map[string]*jobPlan

	collector *models.Collector
	cancel    context.CancelCauseFunc
	l         *slog.Logger

	// instances that never made it into the collector
	lostMu sync.Mutex
	lost   []error
}

func (r *run) lose(err error) {
	r.lostMu.Lock()
	defer r.lostMu.Unlock()
	r.lost = append(r.lost, err)
}

// Run executes one workflow for one event and returns its report. A
// definition problem is returned as a *workflow.ConfigurationError before
// any instance starts. Once instances start, the report is always
// returned; failures are in the report. The error is non-nil only when the
// report could not account for every instance, in which case its verdict
// is failed.
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow, ev workflow.Event) (*models.RunReport, error) {
	return e.RunWithRkey(ctx, e.newRkey(), wf, ev)
}

// RunWithRkey is Run under a run key chosen by the caller, so that the key
// can be handed out before the run starts.
func (e *Engine) RunWithRkey(ctx context.Context, rkey string, wf *workflow.Workflow, ev workflow.Event) (*models.RunReport, error) {
	if d := workflow.Validate(wf); d.IsErr() {
		return nil, d.Err()
	}

	plans := make(map[string]*jobPlan, len(wf.Jobs))
	order := make([]*jobPlan, 0, len(wf.Jobs))
	total := 0
	for _, job := range wf.Jobs {
		expanded, err := workflow.Expand(job)
		if err != nil {
			return nil, err
		}
		compiled, err := steps.Compile(job)
		if err != nil {
			return nil, err
		}

		plan := &jobPlan{
			job:   job,
			steps: compiled,
			done:  make(chan struct{}),
		}
		for _, inst := range expanded {
			plan.instances = append(plan.instances, models.NewJobInstance(inst))
		}
		plans[job.Key] = plan
		order = append(order, plan)
		total += len(plan.instances)
	}

	r := &run{
		id:        models.RunId{Rkey: rkey, Workflow: wf.ID()},
		wf:        wf,
		event:     ev,
		plans:     plans,
		collector: models.NewCollector(),
	}
	r.l = e.l.With("run", r.id.String())

	ctx, span := e.tel.TraceStart(ctx, "run", trace.WithAttributes(
		attribute.String("loom.workflow", wf.ID()),
		attribute.String("loom.rkey", r.id.Rkey),
		attribute.String("loom.event", ev.Kind),
	))
	defer span.End()

	// stopCtx is the cooperative stop signal for the whole run: the
	// workflow deadline and cross-job fail-fast both cancel it.
	stopCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.cancel = cancel

	deadline := wf.Deadline()
	if deadline == 0 {
		deadline = e.deadline
	}
	if deadline > 0 {
		var cancelDeadline context.CancelFunc
		stopCtx, cancelDeadline = context.WithTimeoutCause(stopCtx, deadline,
			fmt.Errorf("%w: workflow deadline of %s exceeded", ErrCancelled, deadline))
		defer cancelDeadline()
	}

	startedAt := time.Now()
	r.l.Info("starting run", "workflow", wf.ID(), "event", ev.Kind, "jobs", len(order))

	for _, plan := range order {
		for _, inst := range plan.instances {
			e.hook(r, inst, e.store.StatusPending(r.instanceId(inst)))
		}
	}

	var wg sync.WaitGroup
	for _, plan := range order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(plan.done)
			e.runJob(ctx, stopCtx, r, plan)
		}()
	}
	wg.Wait()

	records, verdict := r.collector.Finalize()

	var incomplete error
	if len(records) != total || len(r.lost) > 0 {
		incomplete = fmt.Errorf("%w: %d of %d instances recorded", ErrIncompleteReport, len(records), total)
		if len(r.lost) > 0 {
			incomplete = errors.Join(append([]error{incomplete}, r.lost...)...)
		}
		verdict = models.VerdictFailed
		r.l.Error("run report is incomplete", "err", incomplete)
	}

	report := &models.RunReport{
		Rkey:       r.id.Rkey,
		Workflow:   wf.ID(),
		Event:      ev,
		Verdict:    verdict,
		Instances:  records,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}

	span.SetAttributes(attribute.String("loom.verdict", string(verdict)))
	r.l.Info("run finished", "verdict", verdict, "instances", len(records), "took", report.FinishedAt.Sub(startedAt))

	if err := e.store.SaveReport(report); err != nil {
		r.l.Error("failed to save report", "err", err)
	}

	return report, incomplete
}

// RunAll runs every workflow the event activates, concurrently. Reports are
// returned in workflow order. A configuration error in any activated
// workflow is returned without running anything.
func (e *Engine) RunAll(ctx context.Context, workflows []*workflow.Workflow, ev workflow.Event) ([]*models.RunReport, error) {
	activated := workflow.Activated(ev, workflows)

	var d workflow.Diagnostics
	for _, wf := range activated {
		d.Combine(workflow.Validate(wf))
	}
	if d.IsErr() {
		return nil, d.Err()
	}

	reports := make([]*models.RunReport, len(activated))
	g, gctx := errgroup.WithContext(ctx)
	for i, wf := range activated {
		g.Go(func() error {
			report, err := e.Run(gctx, wf, ev)
			if err != nil {
				return fmt.Errorf("workflow %s: %w", wf.ID(), err)
			}
			reports[i] = report
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (e *Engine) runJob(ctx, runCtx context.Context, r *run, plan *jobPlan) {
	for _, need := range plan.job.Needs {
		dep := r.plans[need]
		<-dep.done
		if !dep.succeeded {
			reason := fmt.Errorf("%w: dependency %s did not succeed", ErrCancelled, need)
			for _, inst := range plan.instances {
				e.finish(ctx, r, inst, models.StatusKindCancelled, reason)
			}
			return
		}
	}

	// jobCtx adds the per-job fail-fast signal to the run's
	jobCtx, cancelJob := context.WithCancelCause(runCtx)
	defer cancelJob(nil)

	var jobSem *semaphore.Weighted
	if n := plan.job.MaxParallel(); n > 0 {
		jobSem = semaphore.NewWeighted(int64(n))
	}

	var wg sync.WaitGroup
	for _, inst := range plan.instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runInstance(ctx, jobCtx, r, plan, inst, jobSem, cancelJob)
		}()
	}
	wg.Wait()

	plan.succeeded = true
	for _, inst := range plan.instances {
		if inst.Status() != models.StatusKindSuccess {
			plan.succeeded = false
			break
		}
	}
}

// runInstance waits for a slot, runs the instance and records its terminal
// state. An instance whose stop signal fires before it gets a slot is
// cancelled without starting.
func (e *Engine) runInstance(ctx, stopCtx context.Context, r *run, plan *jobPlan, inst *models.JobInstance, jobSem *semaphore.Weighted, cancelJob context.CancelCauseFunc) {
	for _, sem := range []*semaphore.Weighted{jobSem, e.sem} {
		if sem == nil {
			continue
		}
		if err := sem.Acquire(stopCtx, 1); err != nil {
			e.finish(ctx, r, inst, models.StatusKindCancelled, stopCause(stopCtx))
			return
		}
		defer sem.Release(1)
	}

	if stopCtx.Err() != nil {
		e.finish(ctx, r, inst, models.StatusKindCancelled, stopCause(stopCtx))
		return
	}

	iid := r.instanceId(inst)
	if err := inst.Start(); err != nil {
		r.l.Error("failed to start instance", "instance", inst.ID, "err", err)
		e.finish(ctx, r, inst, models.StatusKindFailed, fmt.Errorf("starting instance: %w", err))
		return
	}
	e.hook(r, inst, e.store.StatusRunning(iid))

	ctx, span := e.tel.TraceStart(ctx, "instance", trace.WithAttributes(
		attribute.String("loom.job", plan.job.Key),
		attribute.String("loom.instance", inst.ID),
	))
	defer span.End()

	status, reason := e.execute(ctx, stopCtx, r, plan, inst, iid)
	span.SetAttributes(attribute.String("loom.status", status.String()))

	// siblings hear about a failure before anyone else does
	if status.IsFailure() {
		stop := fmt.Errorf("%w: fail-fast after %s %s", ErrCancelled, inst.ID, status)
		if plan.job.FailFast() {
			cancelJob(stop)
		}
		if r.wf.FailFast || e.failFastAcrossJobs {
			r.cancel(stop)
		}
	}

	e.finish(ctx, r, inst, status, reason)
}

func (e *Engine) execute(ctx, stopCtx context.Context, r *run, plan *jobPlan, inst *models.JobInstance, iid models.InstanceId) (models.StatusKind, error) {
	l := r.l.With("instance", inst.ID)

	values, err := secrets.Resolve(ctx, e.secrets, secrets.Scope(r.event.Repository), plan.job.SecretNames())
	if err != nil {
		return models.StatusKindFailed, fmt.Errorf("resolving secrets: %w", err)
	}

	workspace := filepath.Join(e.workspaceDir, uuid.NewString())
	ec := models.NewExecContext(iid, inst.Instance, r.event, workspace, values)
	if err := ec.EnsureWorkspace(); err != nil {
		return models.StatusKindFailed, fmt.Errorf("creating workspace: %w", err)
	}
	if !e.keepWorkspaces {
		defer func() {
			if err := os.RemoveAll(workspace); err != nil {
				l.Warn("failed to remove workspace", "workspace", workspace, "err", err)
			}
		}()
	}

	logger, err := models.NewInstanceLogger(e.logDir, iid, ec.SecretValues())
	if err != nil {
		return models.StatusKindFailed, err
	}
	defer logger.Close()

	// execCtx bounds step execution; the executor kills a step in flight
	// when it expires
	execCtx := ctx
	timeout := plan.job.Timeout()
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimedOut)
		defer cancel()
	}

	if err := e.executor.SetupInstance(execCtx, ec); err != nil {
		if errors.Is(context.Cause(execCtx), ErrTimedOut) {
			return models.StatusKindTimeout, fmt.Errorf("%w: during setup", ErrTimedOut)
		}
		return models.StatusKindFailed, fmt.Errorf("setting up instance: %w", err)
	}
	defer func() {
		if err := e.executor.DestroyInstance(context.WithoutCancel(ctx), ec); err != nil {
			l.Warn("failed to destroy instance", "err", err)
		}
	}()

	runner := steps.Runner{
		Executor: e.executor,
		Registry: e.registry,
		OnStep:   e.recordStep,
	}

	l.Debug("running steps", "steps", len(plan.steps), "timeout", timeout)
	return runner.Run(execCtx, stopCtx, inst, ec, plan.steps, logger)
}

func (e *Engine) recordStep(ctx context.Context, inst *models.JobInstance, res models.StepResult) {
	e.stepDuration.Record(ctx, float64(res.Duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("loom.job", inst.Job.Key),
		attribute.String("loom.step.status", string(res.Status)),
	))
}

// finish moves inst into its terminal state, reports it to the store and
// hands its record to the collector.
func (e *Engine) finish(ctx context.Context, r *run, inst *models.JobInstance, status models.StatusKind, reason error) {
	l := r.l.With("instance", inst.ID)

	if err := inst.Finish(status, reason); err != nil {
		// already terminal means already collected
		if !errors.Is(err, models.ErrAlreadyTerminal) {
			r.lose(fmt.Errorf("finishing %s: %w", inst.ID, err))
		}
		l.Error("failed to finish instance", "status", status, "err", err)
		return
	}

	iid := r.instanceId(inst)
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}

	switch status {
	case models.StatusKindSuccess:
		e.hook(r, inst, e.store.StatusSuccess(iid))
	case models.StatusKindFailed:
		e.hook(r, inst, e.store.StatusFailed(iid, msg, lastExitCode(inst)))
	case models.StatusKindTimeout:
		e.hook(r, inst, e.store.StatusTimeout(iid))
	case models.StatusKindCancelled:
		e.hook(r, inst, e.store.StatusCancelled(iid, msg))
	}

	e.instances.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("loom.workflow", r.id.Workflow),
		attribute.String("loom.status", status.String()),
	))

	rec, err := inst.Record()
	if err != nil {
		r.lose(err)
		l.Error("failed to snapshot instance", "err", err)
		return
	}
	if err := r.collector.Add(rec); err != nil {
		r.lose(err)
		l.Error("failed to collect instance", "err", err)
		return
	}

	if status == models.StatusKindSuccess {
		l.Info("instance finished", "status", status)
	} else {
		l.Warn("instance finished", "status", status, "reason", msg)
	}
}

func (e *Engine) hook(r *run, inst *models.JobInstance, err error) {
	if err != nil {
		r.l.Error("store hook failed", "instance", inst.ID, "err", err)
	}
}

func (r *run) instanceId(inst *models.JobInstance) models.InstanceId {
	return models.InstanceId{RunId: r.id, Name: inst.ID}
}

func stopCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: deadline exceeded", ErrCancelled)
	}
	return cause
}

func lastExitCode(inst *models.JobInstance) int64 {
	s := inst.Steps()
	if len(s) == 0 {
		return -1
	}
	return int64(s[len(s)-1].ExitCode)
}
