package engine

import (
	"encoding/json"
	"fmt"
)

// StepStatus represents the status of a plan step during convergence.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting for its gate to open.
	StepStatusPending StepStatus = "pending"

	// StepStatusReady indicates the step's gate is open and it is queued for execution.
	StepStatusReady StepStatus = "ready"

	// StepStatusRunning indicates the step is currently being applied or verified.
	StepStatusRunning StepStatus = "running"

	// StepStatusVerified indicates the step was applied and its verification passed.
	StepStatusVerified StepStatus = "verified"

	// StepStatusFailed indicates the step failed terminally.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was deliberately not executed.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status represents a final state for a pass.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusVerified || s == StepStatusFailed || s == StepStatusSkipped
}

// Satisfies returns true if the status unblocks dependents.
// Only verified and skipped steps satisfy a dependency edge.
func (s StepStatus) Satisfies() bool {
	return s == StepStatusVerified || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusReady, StepStatusRunning,
		StepStatusVerified, StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}

// Phase represents the state of a reconcile pass.
// Transitions are driven only by the ReconcileLoop.
type Phase string

const (
	// PhaseIdle indicates the loop is waiting for a trigger (daemon mode only).
	PhaseIdle Phase = "idle"

	// PhasePlanning indicates capability facts are being refreshed and gates swept.
	PhasePlanning Phase = "planning"

	// PhaseExecuting indicates the ready batch is being dispatched.
	PhaseExecuting Phase = "executing"

	// PhaseRotating indicates the rotation engine is running.
	PhaseRotating Phase = "rotating"

	// PhaseConverged indicates no step remains pending or ready and none failed.
	PhaseConverged Phase = "converged"

	// PhaseBlocked indicates at least one failed step has dependents still pending.
	PhaseBlocked Phase = "blocked"
)

// IsTerminal returns true if the phase ends a pass.
func (p Phase) IsTerminal() bool {
	return p == PhaseConverged || p == PhaseBlocked
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseIdle, PhasePlanning, PhaseExecuting, PhaseRotating, PhaseConverged, PhaseBlocked:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// DetectionSource identifies which fact source produced a capability reading.
type DetectionSource string

const (
	// SourceAPIRead is the primary in-process cluster API read.
	SourceAPIRead DetectionSource = "api-read"

	// SourceSubprocessVerify is the subprocess-based tie-breaker check.
	SourceSubprocessVerify DetectionSource = "subprocess-verify"
)

// Validate checks if the detection source is valid.
func (d DetectionSource) Validate() error {
	switch d {
	case SourceAPIRead, SourceSubprocessVerify:
		return nil
	default:
		return fmt.Errorf("invalid detection source: %s", d)
	}
}

// BindingKind is the kind of a capability binding on a rotation target.
type BindingKind string

const (
	// BindingIngress binds the unit to the cluster ingress controller.
	BindingIngress BindingKind = "ingress"

	// BindingTLS binds the unit to the TLS certificate issuer.
	BindingTLS BindingKind = "tls"

	// BindingDNS binds the unit to the DNS provider.
	BindingDNS BindingKind = "dns"

	// BindingPolicy binds the unit to the network-policy engine.
	BindingPolicy BindingKind = "policy"

	// BindingLB binds the unit to the load balancer.
	BindingLB BindingKind = "lb"
)

// Validate checks if the binding kind is valid.
func (b BindingKind) Validate() error {
	switch b {
	case BindingIngress, BindingTLS, BindingDNS, BindingPolicy, BindingLB:
		return nil
	default:
		return fmt.Errorf("invalid binding kind: %s", b)
	}
}

// GateKind is the kind of a declarative gate predicate on a step.
type GateKind string

const (
	// GateDeploymentReady waits for a deployment to report all replicas ready.
	GateDeploymentReady GateKind = "deployment-ready"

	// GateDaemonsetReady waits for a daemonset to be scheduled and ready on all nodes.
	GateDaemonsetReady GateKind = "daemonset-ready"

	// GateStatefulsetReady waits for a statefulset to report all replicas ready.
	GateStatefulsetReady GateKind = "statefulset-ready"

	// GateCRDEstablished waits for a custom resource definition to be established.
	GateCRDEstablished GateKind = "crd-established"
)

// Validate checks if the gate kind is valid.
func (g GateKind) Validate() error {
	switch g {
	case GateDeploymentReady, GateDaemonsetReady, GateStatefulsetReady, GateCRDEstablished:
		return nil
	default:
		return fmt.Errorf("invalid gate kind: %s", g)
	}
}

// TriggerCause identifies what produced a reconcile trigger.
type TriggerCause string

const (
	// TriggerClusterEvent is a cluster-change notification.
	TriggerClusterEvent TriggerCause = "cluster-event"

	// TriggerTimer is the periodic fallback timer.
	TriggerTimer TriggerCause = "timer"

	// TriggerPlanChange is a change to the declarative plan file.
	TriggerPlanChange TriggerCause = "plan-change"

	// TriggerManual is an operator-initiated trigger.
	TriggerManual TriggerCause = "manual"
)
