package workflow

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okJob(key string, needs ...string) *Job {
	return &Job{
		Key:    key,
		RunsOn: "ubuntu-latest",
		Needs:  needs,
		Steps:  []Step{{Run: "true"}},
	}
}

func wf(jobs ...*Job) *Workflow {
	w := &Workflow{Name: "ci", On: Triggers{{Event: "push"}}, Jobs: jobs}
	w.link()
	return w
}

func TestCompileFixture(t *testing.T) {
	contents, err := os.ReadFile("testdata/ci.yml")
	require.NoError(t, err)

	w, err := FromFile("testdata/ci.yml", contents)
	require.NoError(t, err)

	c := Compiler{}
	out := c.Compile([]*Workflow{w})
	assert.False(t, c.Diagnostics.IsErr(), "%v", c.Diagnostics.Errors)
	require.Len(t, out, 1)

	assert.Equal(t, "CI checks", w.ID())
	keys := make([]string, len(w.Jobs))
	for i, j := range w.Jobs {
		keys[i] = j.Key
	}
	assert.Equal(t, []string{"test", "build", "bitrot", "codecov", "doc-links", "fmt"}, keys)
	assert.Equal(t, []string{"CODECOV_TOKEN"}, w.Job("codecov").SecretNames())
	assert.Equal(t, "30m0s", w.Job("fmt").Timeout().String())

	total := 0
	for _, j := range w.Jobs {
		instances, err := Expand(j)
		require.NoError(t, err)
		total += len(instances)
	}
	assert.Equal(t, 9, total)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		wf      *Workflow
		wantErr error
		path    string
	}{
		{
			name:    "no jobs",
			wf:      wf(),
			wantErr: ErrNoJobs,
			path:    "jobs",
		},
		{
			name:    "no triggers",
			wf:      &Workflow{Name: "ci", Jobs: Jobs{okJob("a")}},
			wantErr: ErrNoTriggers,
			path:    "on",
		},
		{
			name:    "missing runs-on",
			wf:      wf(&Job{Key: "a", Steps: []Step{{Run: "true"}}}),
			wantErr: ErrMissingRunsOn,
			path:    "jobs.a.runs-on",
		},
		{
			name:    "no steps",
			wf:      wf(&Job{Key: "a", RunsOn: "x"}),
			wantErr: ErrNoSteps,
			path:    "jobs.a.steps",
		},
		{
			name:    "step with both run and uses",
			wf:      wf(&Job{Key: "a", RunsOn: "x", Steps: []Step{{Run: "true", Uses: "actions/checkout@v3"}}}),
			wantErr: ErrInvalidStep,
			path:    "jobs.a.steps[0]",
		},
		{
			name:    "empty step",
			wf:      wf(&Job{Key: "a", RunsOn: "x", Steps: []Step{{Name: "nothing"}}}),
			wantErr: ErrInvalidStep,
			path:    "jobs.a.steps[0]",
		},
		{
			name:    "bad action reference",
			wf:      wf(&Job{Key: "a", RunsOn: "x", Steps: []Step{{Uses: "actions/checkout"}}}),
			wantErr: ErrInvalidActionRef,
			path:    "jobs.a.steps[0].uses",
		},
		{
			name:    "unknown need",
			wf:      wf(okJob("a", "missing")),
			wantErr: ErrUnknownNeed,
			path:    "jobs.a.needs",
		},
		{
			name:    "cycle",
			wf:      wf(okJob("a", "c"), okJob("b", "a"), okJob("c", "b")),
			wantErr: ErrDependencyCycle,
			path:    "jobs",
		},
		{
			name:    "self dependency",
			wf:      wf(okJob("a", "a")),
			wantErr: ErrDependencyCycle,
			path:    "jobs",
		},
		{
			name:    "negative job timeout",
			wf:      wf(&Job{Key: "a", RunsOn: "x", TimeoutMinutes: -1, Steps: []Step{{Run: "true"}}}),
			wantErr: ErrNegativeTimeout,
			path:    "jobs.a.timeout-minutes",
		},
		{
			name:    "negative max-parallel",
			wf:      wf(&Job{Key: "a", RunsOn: "x", Strategy: &Strategy{MaxParallel: -2}, Steps: []Step{{Run: "true"}}}),
			wantErr: ErrMaxParallel,
			path:    "jobs.a.strategy.max-parallel",
		},
		{
			name: "empty axis",
			wf: wf(&Job{Key: "a", RunsOn: "x", Steps: []Step{{Run: "true"}}, Strategy: &Strategy{
				Matrix: Matrix{{Name: "os", Values: []string{}}},
			}}),
			wantErr: ErrEmptyAxis,
			path:    "jobs.a.strategy.matrix.os",
		},
		{
			name:    "duplicate job",
			wf:      wf(okJob("a"), okJob("a")),
			wantErr: ErrDuplicateJob,
			path:    "jobs.a",
		},
		{
			name: "duplicate axis value",
			wf: wf(&Job{Key: "a", RunsOn: "x", Steps: []Step{{Run: "true"}}, Strategy: &Strategy{
				Matrix: Matrix{{Name: "v", Values: []string{"a", "a"}}},
			}}),
			wantErr: ErrDuplicateValue,
			path:    "jobs.a.strategy.matrix.v",
		},
		{
			name: "duplicate axis",
			wf: wf(&Job{Key: "a", RunsOn: "x", Steps: []Step{{Run: "true"}}, Strategy: &Strategy{
				Matrix: Matrix{{Name: "v", Values: []string{"a"}}, {Name: "v", Values: []string{"b"}}},
			}}),
			wantErr: ErrDuplicateAxis,
			path:    "jobs.a.strategy.matrix.v",
		},
		{
			name: "colliding instances",
			wf: wf(&Job{Key: "a", RunsOn: "x", Steps: []Step{{Run: "true"}}, Strategy: &Strategy{
				Matrix: Matrix{
					{Name: "p", Values: []string{"x,q=y", "x"}},
					{Name: "q", Values: []string{"z", "y,q=z"}},
				},
			}}),
			wantErr: ErrDuplicateInstance,
			path:    "jobs.a.strategy.matrix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Validate(tt.wf)
			require.True(t, d.IsErr())
			require.Len(t, d.Errors, 1, "%v", d.Errors)

			err := d.Err()
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsConfigurationError(err))
			assert.Equal(t, tt.path, d.Errors[0].Err.Path)
			assert.Equal(t, "ci", d.Errors[0].Err.Workflow)
		})
	}
}

func TestValidateDiamond(t *testing.T) {
	d := Validate(wf(okJob("a"), okJob("b", "a"), okJob("c", "a"), okJob("d", "b", "c")))
	assert.True(t, d.IsEmpty())
	assert.NoError(t, d.Err())
}

func TestValidateWarnings(t *testing.T) {
	f := false
	job := &Job{
		Key:      "a",
		RunsOn:   "x",
		Strategy: &Strategy{FailFast: &f},
		Steps: []Step{
			{Run: "echo ${{ matrix.os }}"},
			{Run: "echo ${{ github.sha }}"},
		},
	}

	d := Validate(wf(job))
	assert.False(t, d.IsErr())
	require.Len(t, d.Warnings, 3)

	kinds := map[WarningKind]int{}
	for _, w := range d.Warnings {
		kinds[w.Type]++
	}
	assert.Equal(t, 2, kinds[UnknownReference])
	assert.Equal(t, 1, kinds[InvalidConfiguration])
}

func TestCompileDropsInvalid(t *testing.T) {
	good := wf(okJob("a"))
	bad := &Workflow{Name: "bad", On: Triggers{{Event: "push"}}}

	c := Compiler{}
	out := c.Compile([]*Workflow{good, bad})

	require.Len(t, out, 1)
	assert.Same(t, good, out[0])
	assert.True(t, c.Diagnostics.IsErr())
	assert.ErrorIs(t, c.Diagnostics.Err(), ErrNoJobs)
}
