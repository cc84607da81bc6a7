package models

import (
	"time"
)

type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
	StepStatusTimeout StepStatus = "timeout"
)

// OutputRef points at a step's captured output: the instance log file and
// the step index its lines are tagged with.
type OutputRef struct {
	Path string `json:"path"`
	Step int    `json:"step"`
}

type StepResult struct {
	Index     int           `json:"index"`
	Name      string        `json:"name"`
	Status    StepStatus    `json:"status"`
	ExitCode  int           `json:"exit_code"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Output    OutputRef     `json:"output"`
}

func (r StepResult) Succeeded() bool {
	return r.Status == StepStatusSuccess
}
