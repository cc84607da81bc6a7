package workflow

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// - an event (push, pull request) activates zero or more workflows
//   * .loom/workflows/ci.yml
//   * .loom/workflows/lints.yml
// - a workflow consists of jobs, which form a DAG via `needs` and otherwise run in parallel
// - a job may expand over a matrix into several instances, these also run in parallel
// - each instance executes its steps serially

type (
	// this is simply a structural representation of the workflow file
	Workflow struct {
		Name           string            `yaml:"name"`
		File           string            `yaml:"-"` // path of the workflow file
		On             Triggers          `yaml:"on"`
		Environment    map[string]string `yaml:"env"`
		FailFast       bool              `yaml:"fail-fast"`
		TimeoutMinutes float64           `yaml:"timeout-minutes"`
		Jobs           Jobs              `yaml:"jobs"`
	}

	Job struct {
		Key            string            `yaml:"-"` // key under `jobs:`
		Workflow       *Workflow         `yaml:"-"`
		Name           string            `yaml:"name"`
		RunsOn         string            `yaml:"runs-on"`
		Needs          StringList        `yaml:"needs"`
		Strategy       *Strategy         `yaml:"strategy"`
		TimeoutMinutes float64           `yaml:"timeout-minutes"`
		Environment    map[string]string `yaml:"env"`
		Secrets        StringList        `yaml:"secrets"`
		Steps          []Step            `yaml:"steps"`
	}

	Strategy struct {
		Matrix      Matrix `yaml:"matrix"`
		FailFast    *bool  `yaml:"fail-fast"`
		MaxParallel int    `yaml:"max-parallel"`
	}

	Step struct {
		Name             string            `yaml:"name"`
		Uses             string            `yaml:"uses"`
		With             map[string]string `yaml:"with"`
		Run              string            `yaml:"run"`
		Environment      map[string]string `yaml:"env"`
		WorkingDirectory string            `yaml:"working-directory"`
	}

	// Jobs preserves declaration order, which fixes report ordering.
	Jobs []*Job

	// Matrix preserves axis declaration order, which fixes instance ordering.
	Matrix []Axis

	Axis struct {
		Name   string
		Values []string
	}

	StringList []string
)

const (
	TriggerKindPush        string = "push"
	TriggerKindPullRequest string = "pull_request"
	TriggerKindManual      string = "manual"
)

// ID is the workflow's identity as used by the trigger evaluator and in run keys.
func (w *Workflow) ID() string {
	if w.Name != "" {
		return w.Name
	}
	return w.File
}

// Deadline is the workflow-level deadline, zero when unset.
func (w *Workflow) Deadline() time.Duration {
	return minutes(w.TimeoutMinutes)
}

func (w *Workflow) Job(key string) *Job {
	for _, j := range w.Jobs {
		if j.Key == key {
			return j
		}
	}
	return nil
}

// Index is the declaration position of the job within its workflow.
func (j *Job) Index() int {
	if j.Workflow == nil {
		return 0
	}
	return slices.Index(j.Workflow.Jobs, j)
}

func (j *Job) Timeout() time.Duration {
	return minutes(j.TimeoutMinutes)
}

// FailFast defaults to true, as with most CI systems.
func (j *Job) FailFast() bool {
	if j.Strategy == nil || j.Strategy.FailFast == nil {
		return true
	}
	return *j.Strategy.FailFast
}

func (j *Job) MaxParallel() int {
	if j.Strategy == nil {
		return 0
	}
	return j.Strategy.MaxParallel
}

func (j *Job) Matrix() Matrix {
	if j.Strategy == nil {
		return nil
	}
	return j.Strategy.Matrix
}

func (m Matrix) Axis(name string) (Axis, bool) {
	for _, a := range m {
		if a.Name == name {
			return a, true
		}
	}
	return Axis{}, false
}

func minutes(m float64) time.Duration {
	if m <= 0 {
		return 0
	}
	return time.Duration(math.Round(m * float64(time.Minute)))
}

func FromFile(name string, contents []byte) (*Workflow, error) {
	wf := &Workflow{}

	err := yaml.Unmarshal(contents, wf)
	if err != nil {
		return nil, err
	}

	wf.File = name
	wf.link()

	return wf, nil
}

// ParseDir reads every workflow file directly under dir, sorted by name.
// A path to a single file is also accepted.
func ParseDir(dir string) ([]*Workflow, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
				continue
			}
			files = append(files, filepath.Join(dir, e.Name()))
		}
		slices.Sort(files)
	} else {
		files = []string{dir}
	}

	var wfs []*Workflow
	for _, f := range files {
		contents, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		wf, err := FromFile(f, contents)
		if err != nil {
			return nil, &ConfigurationError{Workflow: f, Err: err}
		}
		wfs = append(wfs, wf)
	}

	return wfs, nil
}

// link sets the back-references from jobs to their workflow.
func (w *Workflow) link() {
	for _, j := range w.Jobs {
		j.Workflow = w
	}
}

func (j *Jobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: jobs must be a mapping", node.Line)
	}

	var jobs Jobs
	seen := make(map[string]struct{}, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		// decoding node by node skips yaml's own duplicate key check
		if _, ok := seen[key.Value]; ok {
			return fmt.Errorf("line %d: %w: %q", key.Line, ErrDuplicateJob, key.Value)
		}
		seen[key.Value] = struct{}{}

		job := &Job{}
		if err := value.Decode(job); err != nil {
			return fmt.Errorf("job %q: %w", key.Value, err)
		}
		job.Key = key.Value
		jobs = append(jobs, job)
	}

	*j = jobs
	return nil
}

func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*m = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping of axis to values", node.Line)
	}

	var matrix Matrix
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		if _, ok := matrix.Axis(key.Value); ok {
			return fmt.Errorf("line %d: %w: %q", key.Line, ErrDuplicateAxis, key.Value)
		}

		if value.Kind != yaml.SequenceNode {
			return fmt.Errorf("line %d: matrix axis %q must be a list", value.Line, key.Value)
		}

		axis := Axis{Name: key.Value, Values: []string{}}
		for _, v := range value.Content {
			if v.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: matrix axis %q: values must be scalars", v.Line, key.Value)
			}
			axis.Values = append(axis.Values, v.Value)
		}
		matrix = append(matrix, axis)
	}

	*m = matrix
	return nil
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}

// ActionRef is the parsed form of a step's `uses` field.
type ActionRef struct {
	Name    string
	Version string
}

func (r ActionRef) String() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "@" + r.Version
}

// IsLocal reports whether the action lives inside the checked out repository.
func (r ActionRef) IsLocal() bool {
	return strings.HasPrefix(r.Name, "./")
}

// ParseActionRef accepts `name@version` or a `./relative/path`.
func ParseActionRef(uses string) (ActionRef, error) {
	uses = strings.TrimSpace(uses)
	if strings.HasPrefix(uses, "./") {
		if len(uses) == 2 {
			return ActionRef{}, ErrInvalidActionRef
		}
		return ActionRef{Name: uses}, nil
	}

	name, version, ok := strings.Cut(uses, "@")
	if !ok || name == "" || version == "" || strings.ContainsAny(version, " @") {
		return ActionRef{}, ErrInvalidActionRef
	}
	return ActionRef{Name: name, Version: version}, nil
}

func (s Step) IsAction() bool {
	return s.Uses != ""
}

// DisplayName falls back to the command or action reference.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != "" {
		return "Run " + s.Uses
	}
	line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
	return line
}
