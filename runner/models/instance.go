package models

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"tangled.sh/tangled.sh/loom/workflow"
)

// JobInstance tracks the lifecycle of one expanded job: Pending, then
// Running, then exactly one terminal state. An instance that never starts
// may only be Cancelled. Terminal instances are immutable.
type JobInstance struct {
	workflow.Instance

	mu         sync.Mutex
	status     StatusKind
	steps      []StepResult
	err        string
	startedAt  time.Time
	finishedAt time.Time
}

func NewJobInstance(inst workflow.Instance) *JobInstance {
	return &JobInstance{
		Instance: inst,
		status:   StatusKindPending,
	}
}

func (j *JobInstance) Status() StatusKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *JobInstance) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.IsFinish() {
		return ErrAlreadyTerminal
	}
	if j.status != StatusKindPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.status, StatusKindRunning)
	}
	j.status = StatusKindRunning
	j.startedAt = time.Now()
	return nil
}

// AppendStep adds a result to the instance's step log. Only running
// instances record steps.
func (j *JobInstance) AppendStep(r StepResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusKindRunning {
		if j.status.IsFinish() {
			return ErrAlreadyTerminal
		}
		return fmt.Errorf("%w: step recorded while %s", ErrInvalidTransition, j.status)
	}
	j.steps = append(j.steps, r)
	return nil
}

// Finish moves the instance into a terminal state. reason is kept for the
// report and may be nil.
func (j *JobInstance) Finish(status StatusKind, reason error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !status.IsFinish() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	if j.status.IsFinish() {
		return ErrAlreadyTerminal
	}
	if j.status == StatusKindPending && status != StatusKindCancelled {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.status, status)
	}

	j.status = status
	j.finishedAt = time.Now()
	if reason != nil {
		j.err = reason.Error()
	}
	return nil
}

func (j *JobInstance) Steps() []StepResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.steps)
}

// Record snapshots a terminal instance for the run report.
func (j *JobInstance) Record() (InstanceRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.status.IsFinish() {
		return InstanceRecord{}, fmt.Errorf("%w: %s has not finished", ErrInvalidTransition, j.ID)
	}

	var duration time.Duration
	if !j.startedAt.IsZero() {
		duration = j.finishedAt.Sub(j.startedAt)
	}

	return InstanceRecord{
		ID:         j.ID,
		Job:        j.Job.Key,
		JobIndex:   j.Job.Index(),
		Index:      j.Index,
		Matrix:     j.Matrix,
		Status:     j.status,
		Error:      j.err,
		Steps:      slices.Clone(j.steps),
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
		Duration:   duration,
	}, nil
}
