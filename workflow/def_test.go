package workflow

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalWorkflow(t *testing.T) {
	yamlData := `
name: lint
on: ["push", "pull_request"]
env:
  RUST_BACKTRACE: "1"
jobs:
  fmt:
    runs-on: ubuntu-latest
    timeout-minutes: 30
    steps:
      - uses: actions/checkout@v3
      - run: cargo fmt --all -- --check
`

	wf, err := FromFile("lint.yml", []byte(yamlData))
	require.NoError(t, err, "YAML should unmarshal without error")

	assert.Equal(t, "lint", wf.ID())
	assert.Equal(t, []string{"push", "pull_request"}, wf.On.Kinds())
	assert.Equal(t, "1", wf.Environment["RUST_BACKTRACE"])

	require.Len(t, wf.Jobs, 1)
	job := wf.Jobs[0]
	assert.Equal(t, "fmt", job.Key)
	assert.Same(t, wf, job.Workflow)
	assert.Equal(t, "ubuntu-latest", job.RunsOn)
	assert.Equal(t, float64(30), job.TimeoutMinutes)
	assert.True(t, job.FailFast(), "fail-fast should default to true")
	require.Len(t, job.Steps, 2)
	assert.True(t, job.Steps[0].IsAction())
	assert.Equal(t, "cargo fmt --all -- --check", job.Steps[1].Run)
}

func TestUnmarshalPreservesOrder(t *testing.T) {
	yamlData := `
on: push
jobs:
  zeta:
    runs-on: ubuntu-latest
    steps: [{run: "true"}]
  alpha:
    runs-on: ubuntu-latest
    strategy:
      matrix:
        toolchain: [stable, nightly]
        os: [ubuntu-latest, macOS-latest]
    steps: [{run: "true"}]
`

	wf, err := FromFile("order.yml", []byte(yamlData))
	require.NoError(t, err)

	require.Len(t, wf.Jobs, 2)
	assert.Equal(t, "zeta", wf.Jobs[0].Key)
	assert.Equal(t, "alpha", wf.Jobs[1].Key)
	assert.Equal(t, 1, wf.Jobs[1].Index())

	m := wf.Jobs[1].Matrix()
	require.Len(t, m, 2)
	assert.Equal(t, "toolchain", m[0].Name)
	assert.Equal(t, []string{"stable", "nightly"}, m[0].Values)
	assert.Equal(t, "os", m[1].Name)
}

func TestUnmarshalScalarMatrixValues(t *testing.T) {
	yamlData := `
on: push
jobs:
  t:
    runs-on: ubuntu-latest
    strategy:
      matrix:
        version: [1.70, 2, true]
    steps:
      - uses: actions-rs/cargo@v1
        with:
          override: false
          jobs: 4
`

	wf, err := FromFile("scalars.yml", []byte(yamlData))
	require.NoError(t, err)

	assert.Equal(t, []string{"1.70", "2", "true"}, wf.Jobs[0].Matrix()[0].Values)
	assert.Equal(t, "false", wf.Jobs[0].Steps[0].With["override"])
	assert.Equal(t, "4", wf.Jobs[0].Steps[0].With["jobs"])
}

func TestUnmarshalMalformedMatrix(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "axis is not a list",
			yaml: `
on: push
jobs:
  t:
    runs-on: x
    strategy: {matrix: {os: ubuntu-latest}}
    steps: [{run: "true"}]
`,
		},
		{
			name: "matrix is a list",
			yaml: `
on: push
jobs:
  t:
    runs-on: x
    strategy: {matrix: [ubuntu-latest]}
    steps: [{run: "true"}]
`,
		},
		{
			name: "nested values",
			yaml: `
on: push
jobs:
  t:
    runs-on: x
    strategy: {matrix: {os: [[a, b]]}}
    steps: [{run: "true"}]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromFile("bad.yml", []byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestUnmarshalDuplicateKeys(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name: "job",
			yaml: `
on: push
jobs:
  build:
    runs-on: x
    steps: [{run: ok}]
  build:
    runs-on: x
    steps: [{run: fail}]
`,
			wantErr: ErrDuplicateJob,
		},
		{
			name: "axis",
			yaml: `
on: push
jobs:
  t:
    runs-on: x
    strategy:
      matrix:
        os: [a]
        os: [b]
    steps: [{run: "true"}]
`,
			wantErr: ErrDuplicateAxis,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromFile("dup.yml", []byte(tt.yaml))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseDirDuplicateJob(t *testing.T) {
	dir := t.TempDir()
	contents := "on: push\njobs:\n  a: {runs-on: x, steps: [{run: ok}]}\n  a: {runs-on: x, steps: [{run: fail}]}\n"
	require.NoError(t, os.WriteFile(dir+"/ci.yml", []byte(contents), 0644))

	_, err := ParseDir(dir)
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.True(t, IsConfigurationError(err))
}

func TestUnmarshalEmptyAxis(t *testing.T) {
	yamlData := `
on: push
jobs:
  t:
    runs-on: x
    strategy:
      matrix:
        os: []
    steps: [{run: "true"}]
`

	// an empty axis parses; it is rejected by validation and expansion
	wf, err := FromFile("empty.yml", []byte(yamlData))
	require.NoError(t, err)
	assert.Empty(t, wf.Jobs[0].Matrix()[0].Values)
}

func TestParseDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/b.yml", []byte("name: b\non: push\njobs: {}\n"), 0644))
	require.NoError(t, os.WriteFile(dir+"/a.yaml", []byte("name: a\non: push\njobs: {}\n"), 0644))
	require.NoError(t, os.WriteFile(dir+"/README.md", []byte("# not a workflow"), 0644))

	wfs, err := ParseDir(dir)
	require.NoError(t, err)
	require.Len(t, wfs, 2)
	assert.Equal(t, "a", wfs[0].ID())
	assert.Equal(t, "b", wfs[1].ID())
}

func TestParseDirInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/bad.yml", []byte("jobs: [unclosed"), 0644))

	_, err := ParseDir(dir)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestParseActionRef(t *testing.T) {
	tests := []struct {
		uses    string
		want    ActionRef
		wantErr bool
	}{
		{uses: "actions/checkout@v3", want: ActionRef{Name: "actions/checkout", Version: "v3"}},
		{uses: "actions-rs/tarpaulin@v0.1", want: ActionRef{Name: "actions-rs/tarpaulin", Version: "v0.1"}},
		{uses: "./.loom/actions/setup", want: ActionRef{Name: "./.loom/actions/setup"}},
		{uses: "actions/checkout", wantErr: true},
		{uses: "@v1", wantErr: true},
		{uses: "actions/checkout@", wantErr: true},
		{uses: "./", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uses, func(t *testing.T) {
			got, err := ParseActionRef(tt.uses)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidActionRef)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStepDisplayName(t *testing.T) {
	assert.Equal(t, "Named", Step{Name: "Named", Run: "true"}.DisplayName())
	assert.Equal(t, "Run actions/checkout@v3", Step{Uses: "actions/checkout@v3"}.DisplayName())
	assert.Equal(t, "rustup component add rustfmt", Step{Run: "rustup component add rustfmt\necho done"}.DisplayName())
}
