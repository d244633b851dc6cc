package engine

import (
	"fmt"
	"sort"
	"strings"
)

// PlanGraph is an immutable, validated DAG of steps built once per
// reconcile generation. It is read-only during a pass.
type PlanGraph struct {
	// steps maps step IDs to their steps.
	steps map[string]*Step

	// order preserves the declared step order for deterministic iteration.
	order []string

	// dependents maps step IDs to the steps that depend on them.
	dependents map[string][]string

	// levels maps topological level to step IDs at that level.
	// Steps at the same level have no dependency relation between them.
	levels [][]string
}

// graphBuilder constructs a PlanGraph from declared steps.
// It validates dependencies, detects cycles, and computes execution levels.
type graphBuilder struct {
	steps      map[string]*Step
	order      []string
	dependents map[string][]string
	inDegree   map[string]int
	levels     [][]string
}

// NewPlanGraph builds and validates a plan graph from declared steps.
// Validation failures are permanent errors; the pass must not start.
func NewPlanGraph(steps []Step) (*PlanGraph, error) {
	b := &graphBuilder{
		steps:      make(map[string]*Step, len(steps)),
		order:      make([]string, 0, len(steps)),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
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

	return &PlanGraph{
		steps:      b.steps,
		order:      b.order,
		dependents: b.dependents,
		levels:     b.levels,
	}, nil
}

// initialize indexes steps and builds adjacency, validating IDs and edges.
func (b *graphBuilder) initialize(steps []Step) error {
	for i := range steps {
		step := steps[i]
		if step.ID == "" {
			return NewPermanentError("plan step has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.steps[step.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate step ID: %s", step.ID), nil).
				WithCode(ErrCodeValidation)
		}
		if step.Status == "" {
			step.Status = StepStatusPending
		}

		b.steps[step.ID] = &step
		b.order = append(b.order, step.ID)
		b.dependents[step.ID] = nil
		b.inDegree[step.ID] = 0
	}

	for _, id := range b.order {
		step := b.steps[id]
		for _, dep := range step.DependsOn {
			if _, exists := b.steps[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("step %s depends on non-existent step %s", step.ID, dep),
					nil,
				).WithCode(ErrCodeValidation).WithStep(step.ID)
			}
			b.dependents[dep] = append(b.dependents[dep], step.ID)
			b.inDegree[step.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *graphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.order {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
					nil,
				).WithCode(ErrCodeValidation)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS over the dependents relation to find cycles.
func (b *graphBuilder) detectCyclesUtil(id string, visited, recStack map[string]bool, path []string) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range b.dependents[id] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			cycleStart := -1
			for i, p := range path {
				if p == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent)
			}
		}
	}

	recStack[id] = false
	return nil
}

// computeLevels assigns topological levels using Kahn's algorithm.
// Steps at the same level may execute in the same batch.
func (b *graphBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegree[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.order {
		if inDegree[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 && len(b.steps) > 0 {
		return NewPermanentError("no root steps found - all steps have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processed += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, id := range currentLevel {
			for _, dependent := range b.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
	}

	// Should never happen if cycle detection passed.
	if processed != len(b.steps) {
		return NewPermanentError("failed to order all steps - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// Step returns the step with the given ID, or nil.
func (g *PlanGraph) Step(id string) *Step {
	return g.steps[id]
}

// StepIDs returns all step IDs in declaration order.
func (g *PlanGraph) StepIDs() []string {
	ids := make([]string, len(g.order))
	copy(ids, g.order)
	return ids
}

// Len returns the number of steps in the graph.
func (g *PlanGraph) Len() int {
	return len(g.steps)
}

// Dependents returns the IDs of steps that depend on the given step.
func (g *PlanGraph) Dependents(id string) []string {
	deps := make([]string, len(g.dependents[id]))
	copy(deps, g.dependents[id])
	return deps
}

// Levels returns the computed topological levels.
// Each level contains step IDs with no dependency relation between them.
func (g *PlanGraph) Levels() [][]string {
	levels := make([][]string, len(g.levels))
	for i, level := range g.levels {
		levels[i] = make([]string, len(level))
		copy(levels[i], level)
	}
	return levels
}

// Depth returns the number of topological levels.
func (g *PlanGraph) Depth() int {
	return len(g.levels)
}

// GateRefs returns the union of all gate specs declared on steps, for
// workload snapshot collection.
func (g *PlanGraph) GateRefs() []GateSpec {
	seen := make(map[string]bool)
	var refs []GateSpec
	for _, id := range g.order {
		for _, gate := range g.steps[id].Gates {
			if !seen[gate.Key()] {
				seen[gate.Key()] = true
				refs = append(refs, gate)
			}
		}
	}
	return refs
}

// RequiredCapabilities returns the union of capability names required by
// any step, sorted.
func (g *PlanGraph) RequiredCapabilities() []string {
	seen := make(map[string]bool)
	for _, id := range g.order {
		for _, name := range g.steps[id].Requires {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary computes current step statistics for the graph.
func (g *PlanGraph) Summary() PassSummary {
	summary := PassSummary{Total: len(g.steps)}
	for _, id := range g.order {
		switch g.steps[id].Status {
		case StepStatusVerified:
			summary.Verified++
		case StepStatusFailed:
			summary.Failed++
		case StepStatusSkipped:
			summary.Skipped++
		default:
			summary.Pending++
		}
	}
	return summary
}

// ToDOT generates a DOT format representation of the plan for visualization.
// The output can be rendered with Graphviz tools.
func (g *PlanGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph PlanGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			step := g.steps[id]
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, id, step.Status, statusColor(step.Status)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.order {
		for _, dep := range g.steps[id].DependsOn {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// statusColor returns a color for visualizing step statuses.
func statusColor(s StepStatus) string {
	switch s {
	case StepStatusVerified:
		return "lightgreen"
	case StepStatusFailed:
		return "lightcoral"
	case StepStatusRunning, StepStatusReady:
		return "lightblue"
	case StepStatusSkipped:
		return "lightgray"
	default:
		return "white"
	}
}
