package engine

import (
	"fmt"
	"strings"
)

// Graph is the validated dependency DAG over a plan's steps.
type Graph struct {
	// Nodes maps step IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Roots are the step IDs with no dependencies.
	Roots []string `json:"roots"`

	// Levels groups step IDs by topological level; steps within a level
	// share no dependency path and are safe to interleave.
	Levels [][]string `json:"levels"`
}

// GraphNode represents a single step in the dependency graph.
type GraphNode struct {
	// ID is the step ID.
	ID string `json:"id"`

	// Level is the topological level (depth from roots).
	Level int `json:"level"`

	// Dependencies are the step IDs this step waits on.
	Dependencies []string `json:"dependencies"`

	// Dependents are the step IDs waiting on this step.
	Dependents []string `json:"dependents"`
}

// graphBuilder builds a dependency DAG from plan steps, validating
// references and detecting cycles.
type graphBuilder struct {
	steps      map[string]*Step
	dependents map[string][]string
	depends    map[string][]string
	inDegree   map[string]int
	levels     [][]string
}

// BuildGraph constructs the dependency graph for the given steps. It
// rejects duplicate or empty step IDs, dependencies on steps not present
// in the plan, and circular dependencies.
func BuildGraph(steps []Step) (*Graph, error) {
	b := &graphBuilder{
		steps:      make(map[string]*Step),
		dependents: make(map[string][]string),
		depends:    make(map[string][]string),
		inDegree:   make(map[string]int),
	}

	if len(steps) == 0 {
		return &Graph{Nodes: map[string]*GraphNode{}, Roots: []string{}, Levels: [][]string{}}, nil
	}

	if err := b.initialize(steps); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}
	return b.build(), nil
}

func (b *graphBuilder) initialize(steps []Step) error {
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return NewPlanningError(ErrCodeSchemaViolation, "step has empty ID")
		}
		if _, exists := b.steps[step.ID]; exists {
			return NewPlanningError(ErrCodeSchemaViolation,
				fmt.Sprintf("duplicate step ID: %s", step.ID))
		}
		b.steps[step.ID] = step
		b.dependents[step.ID] = make([]string, 0)
		b.depends[step.ID] = make([]string, 0)
		b.inDegree[step.ID] = 0
	}

	for _, step := range b.steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return NewPlanningError(ErrCodeCyclicDependency,
					fmt.Sprintf("step %s depends on itself", step.ID))
			}
			if _, exists := b.steps[dep]; !exists {
				return NewPlanningError(ErrCodeSchemaViolation,
					fmt.Sprintf("step %s depends on unknown step %s", step.ID, dep)).WithStep(step.ID)
			}
			b.dependents[dep] = append(b.dependents[dep], step.ID)
			b.depends[step.ID] = append(b.depends[step.ID], dep)
			b.inDegree[step.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search over the dependents relation.
func (b *graphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range b.dependents[id] {
			if !visited[next] {
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				return append(path[start:], next)
			}
		}

		onStack[id] = false
		return nil
	}

	for id := range b.steps {
		if !visited[id] {
			if cycle := visit(id, nil); cycle != nil {
				return NewPlanningError(ErrCodeCyclicDependency,
					fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> ")))
			}
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm, grouping steps by topological
// level.
func (b *graphBuilder) computeLevels() error {
	remaining := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		remaining[id] = d
	}

	current := make([]string, 0)
	for id, d := range remaining {
		if d == 0 {
			current = append(current, id)
		}
	}
	if len(current) == 0 {
		return NewPlanningError(ErrCodeCyclicDependency, "no root steps - every step has a dependency")
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dep := range b.dependents[id] {
				remaining[dep]--
				if remaining[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if processed != len(b.steps) {
		return NewPlanningError(ErrCodeCyclicDependency, "not all steps reachable from roots")
	}
	return nil
}

func (b *graphBuilder) build() *Graph {
	g := &Graph{
		Nodes:  make(map[string]*GraphNode, len(b.steps)),
		Roots:  make([]string, 0),
		Levels: b.levels,
	}
	for level, ids := range b.levels {
		for _, id := range ids {
			g.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.depends[id],
				Dependents:   b.dependents[id],
			}
			if level == 0 {
				g.Roots = append(g.Roots, id)
			}
		}
	}
	return g
}

// TransitiveDependents returns the set of step IDs that directly or
// indirectly depend on the given step. Used to cascade cancellation
// after a fatal failure.
func (g *Graph) TransitiveDependents(stepID string) map[string]bool {
	out := make(map[string]bool)
	queue := []string{stepID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node, ok := g.Nodes[id]
		if !ok {
			continue
		}
		for _, dep := range node.Dependents {
			if !out[dep] {
				out[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return out
}
