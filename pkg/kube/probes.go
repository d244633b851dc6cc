package kube

import (
	"github.com/bootstrappo/bootstrappo/pkg/engine"
)

// ProbesFromSteps derives the capability probe table from a plan. A
// capability published by a step is observed through that step's first
// readiness gate: if the gate's workload is ready, the capability is
// present. Capabilities whose providing step declares no gate get no
// probe, so detection stays inconclusive for them until the step itself
// verifies.
//
// The first providing step in plan order wins when two steps publish the
// same name.
func ProbesFromSteps(steps []engine.Step) map[string]engine.GateSpec {
	probes := make(map[string]engine.GateSpec)
	for _, step := range steps {
		if len(step.Gates) == 0 {
			continue
		}
		for _, name := range step.Provides {
			if _, ok := probes[name]; ok {
				continue
			}
			probes[name] = step.Gates[0]
		}
	}
	return probes
}
