package models

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"tangled.sh/tangled.sh/loom/workflow"
)

type Verdict string

const (
	VerdictSucceeded Verdict = "succeeded"
	VerdictFailed    Verdict = "failed"
	VerdictCancelled Verdict = "cancelled"
)

// InstanceRecord is the terminal record of one job instance.
type InstanceRecord struct {
	ID         string              `json:"id"`
	Job        string              `json:"job"`
	JobIndex   int                 `json:"-"`
	Index      int                 `json:"index"`
	Matrix     workflow.Assignment `json:"matrix,omitempty"`
	Status     StatusKind          `json:"status"`
	Error      string              `json:"error,omitempty"`
	Steps      []StepResult        `json:"steps"`
	StartedAt  time.Time           `json:"started_at,omitzero"`
	FinishedAt time.Time           `json:"finished_at"`
	Duration   time.Duration       `json:"duration"`
}

type RunReport struct {
	Rkey       string           `json:"rkey"`
	Workflow   string           `json:"workflow"`
	Event      workflow.Event   `json:"event"`
	Verdict    Verdict          `json:"verdict"`
	Instances  []InstanceRecord `json:"instances"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Collector gathers terminal records from concurrently running instances.
// Each instance contributes exactly one record.
type Collector struct {
	mu      sync.Mutex
	records map[string]InstanceRecord
}

func NewCollector() *Collector {
	return &Collector{records: map[string]InstanceRecord{}}
}

func (c *Collector) Add(rec InstanceRecord) error {
	if !rec.Status.IsFinish() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, rec.ID, rec.Status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ID)
	}
	c.records[rec.ID] = rec
	return nil
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Finalize orders the records by job declaration order, then expansion
// order, so the report never depends on how execution interleaved.
func (c *Collector) Finalize() ([]InstanceRecord, Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	recs := make([]InstanceRecord, 0, len(c.records))
	for _, r := range c.records {
		recs = append(recs, r)
	}
	slices.SortFunc(recs, func(a, b InstanceRecord) int {
		return cmp.Or(cmp.Compare(a.JobIndex, b.JobIndex), cmp.Compare(a.Index, b.Index))
	})

	statuses := make([]StatusKind, len(recs))
	for i, r := range recs {
		statuses[i] = r.Status
	}
	return recs, Aggregate(statuses)
}

// Aggregate computes the run verdict: failed if anything failed or timed
// out, cancelled if anything was cancelled, succeeded otherwise.
func Aggregate(statuses []StatusKind) Verdict {
	cancelled := false
	for _, s := range statuses {
		switch {
		case s.IsFailure():
			return VerdictFailed
		case s == StatusKindCancelled:
			cancelled = true
		}
	}
	if cancelled {
		return VerdictCancelled
	}
	return VerdictSucceeded
}

func (r *RunReport) Succeeded() bool {
	return r.Verdict == VerdictSucceeded
}

// ExitCode is zero iff the run succeeded.
func (r *RunReport) ExitCode() int {
	if r.Succeeded() {
		return 0
	}
	return 1
}

func (r *RunReport) Instance(id string) (InstanceRecord, bool) {
	for _, rec := range r.Instances {
		if rec.ID == id {
			return rec, true
		}
	}
	return InstanceRecord{}, false
}

// Render writes a short human readable summary.
func (r *RunReport) Render(w io.Writer) error {
	elapsed := r.FinishedAt.Sub(r.StartedAt)
	if _, err := fmt.Fprintf(w, "%s (%s): %s in %s\n", r.Workflow, r.Rkey, r.Verdict, elapsed.Round(time.Millisecond)); err != nil {
		return err
	}

	for _, inst := range r.Instances {
		line := fmt.Sprintf("  %-9s %s", inst.Status, inst.ID)
		if !inst.StartedAt.IsZero() {
			line += fmt.Sprintf(" (%s, %s)", inst.Duration.Round(time.Millisecond), english.Plural(len(inst.Steps), "step", "steps"))
		}
		if inst.Error != "" {
			line += ": " + inst.Error
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}

		for _, s := range inst.Steps {
			mark := "ok"
			if !s.Succeeded() {
				mark = fmt.Sprintf("%s (exit %d)", s.Status, s.ExitCode)
			}
			if _, err := fmt.Fprintf(w, "      %d. %s: %s, %s\n", s.Index+1, s.Name, mark, s.Duration.Round(time.Millisecond)); err != nil {
				return err
			}
		}
	}

	if _, err := fmt.Fprintf(w, "finished %s\n", humanize.Time(r.FinishedAt)); err != nil {
		return err
	}
	return nil
}
