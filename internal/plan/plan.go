package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"taskgate/internal/domain"
)

// File is the operator-facing plan definition.
type File struct {
	Name           string     `yaml:"name"`
	ProjectPath    string     `yaml:"project_path"`
	BaseBranch     string     `yaml:"base_branch"`
	DefaultHarness string     `yaml:"default_harness"`
	Tasks          []TaskSpec `yaml:"tasks"`
}

type TaskSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Scope       string   `yaml:"scope"`
	Gate        string   `yaml:"gate"`
	RetryMax    *int     `yaml:"retry_max"`
	Harness     string   `yaml:"harness"`
	DependsOn   []string `yaml:"depends_on"`
	Invariants  []string `yaml:"invariants"`
}

// Load reads and validates a plan definition file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.BaseBranch == "" {
		f.BaseBranch = "main"
	}
	if f.ProjectPath == "" {
		f.ProjectPath = "."
	}
	for i := range f.Tasks {
		t := &f.Tasks[i]
		if t.Scope == "" {
			t.Scope = domain.ScopeNarrow
		}
		if t.Gate == "" {
			t.Gate = domain.GateAuto
		}
	}
	if err := Validate(f); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks a plan definition: non-empty, unique task names, known
// dependency references, valid enums, and an acyclic dependency graph.
func Validate(f File) error {
	if f.Name == "" {
		return fmt.Errorf("plan has no name")
	}
	if len(f.Tasks) == 0 {
		return fmt.Errorf("plan %s has no tasks", f.Name)
	}
	byName := map[string]TaskSpec{}
	for _, t := range f.Tasks {
		if t.Name == "" {
			return fmt.Errorf("plan %s contains a task with no name", f.Name)
		}
		if _, dup := byName[t.Name]; dup {
			return fmt.Errorf("duplicate task name %q", t.Name)
		}
		if !domain.ValidScopeLevel(t.Scope) {
			return fmt.Errorf("task %s: invalid scope %q", t.Name, t.Scope)
		}
		if !domain.ValidGatePolicy(t.Gate) {
			return fmt.Errorf("task %s: invalid gate policy %q", t.Name, t.Gate)
		}
		if t.RetryMax != nil && *t.RetryMax < 0 {
			return fmt.Errorf("task %s: negative retry_max", t.Name)
		}
		byName[t.Name] = t
	}
	for _, t := range f.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.Name {
				return fmt.Errorf("task %s depends on itself", t.Name)
			}
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %q", t.Name, dep)
			}
		}
	}
	return checkAcyclic(f.Tasks)
}

// checkAcyclic runs Kahn's algorithm over the dependency graph; any node
// left unprocessed sits on a cycle.
func checkAcyclic(tasks []TaskSpec) error {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, t := range tasks {
		indegree[t.Name] += 0
		for _, dep := range t.DependsOn {
			indegree[t.Name]++
			dependents[dep] = append(dependents[dep], t.Name)
		}
	}
	var queue []string
	for _, t := range tasks {
		if indegree[t.Name] == 0 {
			queue = append(queue, t.Name)
		}
	}
	processed := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		processed++
		for _, d := range dependents[n] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if processed != len(tasks) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		return fmt.Errorf("dependency cycle involving %v", cyclic)
	}
	return nil
}
