package engine

import (
	"fmt"
)

// GateEvaluator decides whether a step is ready to execute. Evaluation is
// pure: it reads only the inputs it is handed and performs no I/O, so the
// same inputs always yield the same verdict.
type GateEvaluator struct{}

// NewGateEvaluator creates a gate evaluator.
func NewGateEvaluator() *GateEvaluator {
	return &GateEvaluator{}
}

// Evaluate returns the readiness verdict for one step.
//
// A step is ready when, in order:
//  1. every dependency holds a satisfying status (verified or skipped),
//  2. no dependency failed (a failed dependency blocks, it never satisfies),
//  3. every required capability has a known, available fact,
//  4. every declared gate's workload is ready in the snapshot.
//
// The reason names the first blocking condition so operators see what to
// fix first, not an exhaustive list.
func (e *GateEvaluator) Evaluate(
	step *Step,
	statuses map[string]StepStatus,
	facts FactSet,
	workloads WorkloadSnapshot,
) Readiness {
	for _, dep := range step.DependsOn {
		status, exists := statuses[dep]
		if !exists {
			return Readiness{
				Ready:  false,
				Reason: fmt.Sprintf("dependency %s has no recorded status", dep),
			}
		}
		if status == StepStatusFailed {
			return Readiness{
				Ready:  false,
				Reason: fmt.Sprintf("dependency %s failed", dep),
			}
		}
		if !status.Satisfies() {
			return Readiness{
				Ready:  false,
				Reason: fmt.Sprintf("dependency %s is %s", dep, status),
			}
		}
	}

	for _, name := range step.Requires {
		fact, exists := facts[name]
		if !exists || !fact.Known {
			return Readiness{
				Ready:  false,
				Reason: fmt.Sprintf("capability %s is unknown", name),
			}
		}
		if !fact.Available {
			return Readiness{
				Ready:  false,
				Reason: fmt.Sprintf("capability %s is unavailable", name),
			}
		}
	}

	for _, gate := range step.Gates {
		ready, exists := workloads[gate.Key()]
		if !exists {
			return Readiness{
				Ready:  false,
				Reason: fmt.Sprintf("gate %s has no workload reading", gate.Key()),
			}
		}
		if !ready {
			return Readiness{
				Ready:  false,
				Reason: fmt.Sprintf("gate %s is not ready", gate.Key()),
			}
		}
	}

	return Readiness{Ready: true, Reason: "ready"}
}

// Sweep evaluates every pending step in the graph and returns the IDs of
// steps whose gates are open, in declaration order.
func (e *GateEvaluator) Sweep(
	graph *PlanGraph,
	statuses map[string]StepStatus,
	facts FactSet,
	workloads WorkloadSnapshot,
) []string {
	var ready []string
	for _, id := range graph.StepIDs() {
		step := graph.Step(id)
		if statuses[id] != StepStatusPending {
			continue
		}
		verdict := e.Evaluate(step, statuses, facts, workloads)
		step.Reason = verdict.Reason
		if verdict.Ready {
			ready = append(ready, id)
		}
	}
	return ready
}
