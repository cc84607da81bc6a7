package workflow

import (
	"regexp"
	"strings"
)

var exprRe = regexp.MustCompile(`\$\{\{\s*([a-zA-Z_][a-zA-Z0-9_-]*)\.([a-zA-Z_][a-zA-Z0-9_-]*)\s*\}\}`)

// Namespaces understood by Interpolate.
const (
	NamespaceMatrix  = "matrix"
	NamespaceEnv     = "env"
	NamespaceSecrets = "secrets"
	NamespaceInputs  = "inputs"
)

// Vars resolves `${{ namespace.name }}` references.
type Vars map[string]map[string]string

func (v Vars) Lookup(namespace, name string) (string, bool) {
	ns, ok := v[namespace]
	if !ok {
		return "", false
	}
	val, ok := ns[name]
	return val, ok
}

// Interpolate substitutes every known reference in s. Unknown references are
// left verbatim.
func Interpolate(s string, vars Vars) string {
	if !strings.Contains(s, "${{") {
		return s
	}
	return exprRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := exprRe.FindStringSubmatch(m)
		if val, ok := vars.Lookup(sub[1], sub[2]); ok {
			return val
		}
		return m
	})
}

func InterpolateMap(m map[string]string, vars Vars) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Interpolate(v, vars)
	}
	return out
}

// Reference is one `${{ namespace.name }}` occurrence.
type Reference struct {
	Namespace string
	Name      string
}

func References(s string) []Reference {
	var refs []Reference
	for _, sub := range exprRe.FindAllStringSubmatch(s, -1) {
		refs = append(refs, Reference{Namespace: sub[1], Name: sub[2]})
	}
	return refs
}

// References lists every expression used by the job, in its runs-on, env and steps.
func (j *Job) References() []Reference {
	var refs []Reference
	refs = append(refs, References(j.RunsOn)...)
	refs = append(refs, References(j.Name)...)
	for _, v := range j.Environment {
		refs = append(refs, References(v)...)
	}
	for _, s := range j.Steps {
		refs = append(refs, References(s.Run)...)
		refs = append(refs, References(s.Name)...)
		refs = append(refs, References(s.WorkingDirectory)...)
		for _, v := range s.With {
			refs = append(refs, References(v)...)
		}
		for _, v := range s.Environment {
			refs = append(refs, References(v)...)
		}
	}
	return refs
}

// SecretNames lists the secrets the job needs, declared or referenced.
func (j *Job) SecretNames() []string {
	seen := map[string]bool{}
	var names []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, s := range j.Secrets {
		add(s)
	}
	for _, r := range j.References() {
		if r.Namespace == NamespaceSecrets {
			add(r.Name)
		}
	}
	return names
}
