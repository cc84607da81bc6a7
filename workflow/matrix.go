package workflow

import (
	"fmt"
	"strings"
)

type AxisValue struct {
	Axis  string `json:"axis"`
	Value string `json:"value"`
}

// Assignment is one concrete value per matrix axis, in axis declaration order.
type Assignment []AxisValue

func (a Assignment) Get(axis string) (string, bool) {
	for _, av := range a {
		if av.Axis == axis {
			return av.Value, true
		}
	}
	return "", false
}

func (a Assignment) Map() map[string]string {
	m := make(map[string]string, len(a))
	for _, av := range a {
		m[av.Axis] = av.Value
	}
	return m
}

func (a Assignment) String() string {
	parts := make([]string, len(a))
	for i, av := range a {
		parts[i] = av.Axis + "=" + av.Value
	}
	return strings.Join(parts, ",")
}

// Instance is one concrete, schedulable expansion of a job.
type Instance struct {
	Job    *Job
	Index  int // position in the expansion
	Matrix Assignment
	ID     string
}

func instanceID(job string, a Assignment) string {
	if len(a) == 0 {
		return job
	}
	return fmt.Sprintf("%s[%s]", job, a)
}

// Expand computes the cartesian product of the job's matrix axes. The first
// declared axis varies slowest, so the order (and with it every ID) is the
// same on every call. A job without a matrix yields exactly one instance.
func Expand(job *Job) ([]Instance, error) {
	matrix := job.Matrix()

	total := 1
	for _, axis := range matrix {
		if len(axis.Values) == 0 {
			return nil, &ConfigurationError{
				Workflow: workflowID(job),
				Path:     fmt.Sprintf("jobs.%s.strategy.matrix.%s", job.Key, axis.Name),
				Err:      ErrEmptyAxis,
			}
		}
		total *= len(axis.Values)
	}

	instances := make([]Instance, 0, total)
	seen := make(map[string]struct{}, total)
	idx := make([]int, len(matrix))
	for n := 0; n < total; n++ {
		a := make(Assignment, len(matrix))
		for i, axis := range matrix {
			a[i] = AxisValue{Axis: axis.Name, Value: axis.Values[idx[i]]}
		}
		id := instanceID(job.Key, a)
		if _, ok := seen[id]; ok {
			return nil, &ConfigurationError{
				Workflow: workflowID(job),
				Path:     fmt.Sprintf("jobs.%s.strategy.matrix", job.Key),
				Err:      fmt.Errorf("%w: %s", ErrDuplicateInstance, id),
			}
		}
		seen[id] = struct{}{}

		instances = append(instances, Instance{
			Job:    job,
			Index:  n,
			Matrix: a,
			ID:     id,
		})

		// odometer increment, last axis fastest
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(matrix[i].Values) {
				break
			}
			idx[i] = 0
		}
	}

	return instances, nil
}

func workflowID(job *Job) string {
	if job.Workflow == nil {
		return ""
	}
	return job.Workflow.ID()
}
