package workflow

import (
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"
)

// Event is what activates workflows: a push, a pull request, a manual dispatch.
type Event struct {
	Kind       string            `json:"kind"`
	Ref        string            `json:"ref,omitempty"`      // e.g. refs/heads/main, refs/tags/v1.0.0
	BaseRef    string            `json:"base_ref,omitempty"` // pull request target branch
	Repository string            `json:"repository,omitempty"`
	CloneURL   string            `json:"clone_url,omitempty"`
	Sha        string            `json:"sha,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Trigger is a single entry under `on:`. Branch and tag filters are optional globs.
type Trigger struct {
	Event    string     `yaml:"-"`
	Branches StringList `yaml:"branches"`
	Tags     StringList `yaml:"tags"`
}

type Triggers []Trigger

// UnmarshalYAML accepts `on: push`, `on: [push, pull_request]` and the
// mapping form `on: {push: {branches: [main]}, pull_request: }`.
func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = Triggers{{Event: node.Value}}
		return nil

	case yaml.SequenceNode:
		var ts Triggers
		for _, n := range node.Content {
			if n.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: event kinds must be strings", n.Line)
			}
			ts = append(ts, Trigger{Event: n.Value})
		}
		*t = ts
		return nil

	case yaml.MappingNode:
		var ts Triggers
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			tr := Trigger{}
			if value.Kind == yaml.MappingNode {
				if err := value.Decode(&tr); err != nil {
					return fmt.Errorf("trigger %q: %w", key.Value, err)
				}
			}
			tr.Event = key.Value
			ts = append(ts, tr)
		}
		*t = ts
		return nil
	}

	return fmt.Errorf("line %d: cannot parse `on`", node.Line)
}

// Kinds lists the event kinds this trigger set reacts to.
func (t Triggers) Kinds() []string {
	var kinds []string
	for _, tr := range t {
		if !slices.Contains(kinds, tr.Event) {
			kinds = append(kinds, tr.Event)
		}
	}
	return kinds
}

// if any of the triggers on a workflow is true, return true
func (t Triggers) Match(ev Event) bool {
	for _, tr := range t {
		if tr.Match(ev) {
			return true
		}
	}
	return false
}

func (tr Trigger) Match(ev Event) bool {
	if tr.Event != ev.Kind {
		return false
	}

	// no filters, the event kind alone decides
	if len(tr.Branches) == 0 && len(tr.Tags) == 0 {
		return true
	}

	switch ev.Kind {
	case TriggerKindPullRequest:
		return tr.MatchBranch(plumbing.ReferenceName(ev.BaseRef).Short())
	default:
		return tr.MatchRef(ev.Ref)
	}
}

func (tr Trigger) MatchRef(ref string) bool {
	refName := plumbing.ReferenceName(ref)
	switch {
	case refName.IsBranch():
		return tr.MatchBranch(refName.Short())
	case refName.IsTag():
		return tr.MatchTag(refName.Short())
	}
	return false
}

func (tr Trigger) MatchBranch(branch string) bool {
	return matchAny(tr.Branches, branch)
}

func (tr Trigger) MatchTag(tag string) bool {
	return matchAny(tr.Tags, tag)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Evaluate returns the IDs of the workflows the event activates, in input order.
func Evaluate(ev Event, workflows []*Workflow) []string {
	var ids []string
	for _, w := range workflows {
		if w.On.Match(ev) {
			ids = append(ids, w.ID())
		}
	}
	return ids
}

// Activated is Evaluate returning the workflows themselves.
func Activated(ev Event, workflows []*Workflow) []*Workflow {
	var out []*Workflow
	for _, w := range workflows {
		if w.On.Match(ev) {
			out = append(out, w)
		}
	}
	return out
}
