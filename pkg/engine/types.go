package engine

import (
	"fmt"
	"sort"
	"time"
)

// Step represents one deployable unit in the plan graph.
type Step struct {
	// ID is the unique identifier for this step within a plan.
	ID string `json:"id" yaml:"id"`

	// Kind is the unit kind used to select a driver (e.g., "helm", "manifest").
	Kind string `json:"kind" yaml:"kind"`

	// Namespace is the cluster namespace this step deploys into, if any.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// DependsOn lists step IDs that must be verified or skipped first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Requires lists capability names whose latest fact must be available.
	Requires []string `json:"requires,omitempty" yaml:"requires,omitempty"`

	// Provides lists capability names this step publishes once verified.
	Provides []string `json:"provides,omitempty" yaml:"provides,omitempty"`

	// Gates are additional declarative readiness predicates for this step.
	Gates []GateSpec `json:"gates,omitempty" yaml:"gates,omitempty"`

	// Driver is the name of the driver that deploys this step.
	Driver string `json:"driver" yaml:"driver"`

	// Timeout bounds a single apply or verify attempt for this step.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Status is the current convergence status of this step.
	Status StepStatus `json:"status" yaml:"-"`

	// Reason records why the step holds its current status.
	Reason string `json:"reason,omitempty" yaml:"-"`
}

// UnitRef identifies a deployable unit handed to a driver.
type UnitRef struct {
	// ID is the step ID or rotation target key.
	ID string `json:"id"`

	// Kind is the unit kind the driver was registered for.
	Kind string `json:"kind"`

	// Namespace is the cluster namespace, if any.
	Namespace string `json:"namespace,omitempty"`
}

// GateSpec is a declarative readiness predicate evaluated against a
// workload snapshot. Evaluation never performs I/O.
type GateSpec struct {
	// Kind is the predicate kind.
	Kind GateKind `json:"kind" yaml:"kind"`

	// Namespace is the workload namespace. Empty for cluster-scoped kinds.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// Name is the workload or CRD name.
	Name string `json:"name" yaml:"name"`
}

// Key returns the stable lookup key for this gate in a workload snapshot.
func (g GateSpec) Key() string {
	return fmt.Sprintf("%s/%s/%s", g.Kind, g.Namespace, g.Name)
}

// CapabilityFact records the detected availability of a named capability.
type CapabilityFact struct {
	// Name is the capability name (e.g., "ingress-controller").
	Name string `json:"name"`

	// Available reports whether the capability is currently present.
	// Meaningful only when Known is true.
	Available bool `json:"available"`

	// Known is false when detection timed out or both sources were
	// inconclusive. Unknown facts are treated as unavailable by gates.
	Known bool `json:"known"`

	// Source identifies which detection source produced this fact.
	Source DetectionSource `json:"source"`

	// DetectedAt is when the fact was produced.
	DetectedAt time.Time `json:"detected_at"`

	// Detail carries a human-readable diagnostic from the source.
	Detail string `json:"detail,omitempty"`
}

// FactSet is an immutable view of the capability fact cache handed to
// the gate evaluator and the rotation engine.
type FactSet map[string]CapabilityFact

// Available reports whether the named capability has a known, available fact.
func (f FactSet) Available(name string) bool {
	fact, ok := f[name]
	return ok && fact.Known && fact.Available
}

// Names returns the capability names in the set, sorted.
func (f FactSet) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkloadSnapshot maps gate keys (see GateSpec.Key) to readiness.
// A missing key means the workload state is unknown and the gate stays closed.
type WorkloadSnapshot map[string]bool

// Readiness is the gate evaluator's verdict for a single step.
type Readiness struct {
	// Ready is true when every dependency, capability, and gate is satisfied.
	Ready bool `json:"ready"`

	// Reason names the first blocking condition, or "ready" when open.
	Reason string `json:"reason"`
}

// Result is the outcome of a driver apply or verify call.
type Result struct {
	// OK reports whether the operation succeeded.
	OK bool `json:"ok"`

	// Detail carries driver output for diagnostics.
	Detail string `json:"detail,omitempty"`

	// StartedAt is when the operation began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the operation finished.
	CompletedAt time.Time `json:"completed_at"`
}

// Duration returns the elapsed time of the operation.
func (r *Result) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Preview is the outcome of a driver dry run.
type Preview struct {
	// Changes lists the mutations the driver would perform.
	Changes []string `json:"changes,omitempty"`

	// Detail carries driver output for diagnostics.
	Detail string `json:"detail,omitempty"`
}

// Binding is one applied capability binding on a rotation target.
type Binding struct {
	// Kind is the binding kind.
	Kind BindingKind `json:"kind"`

	// Capability is the capability name the binding was derived from.
	Capability string `json:"capability"`

	// Value is the deterministic binding value. Empty means unbound.
	Value string `json:"value"`
}

// BindingSet maps binding kinds to their current bindings for one target.
type BindingSet map[BindingKind]Binding

// Equal reports whether two binding sets hold identical bindings.
func (b BindingSet) Equal(other BindingSet) bool {
	if len(b) != len(other) {
		return false
	}
	for kind, binding := range b {
		if other[kind] != binding {
			return false
		}
	}
	return true
}

// RotationTarget identifies a deployed unit in rotation scope together
// with the bindings it opted into.
type RotationTarget struct {
	// Name is the unit name.
	Name string `json:"name"`

	// Namespace is the unit namespace.
	Namespace string `json:"namespace"`

	// Kind is the unit kind used to select a driver.
	Kind string `json:"kind"`

	// Driver is the name of the driver that owns this unit.
	Driver string `json:"driver"`

	// Managed reports the managed_by_bootstrappo flag. Targets without it
	// are permanently outside rotation scope.
	Managed bool `json:"managed"`

	// ExposeEnabled reports the expose.enabled flag. Targets without it
	// are permanently outside rotation scope.
	ExposeEnabled bool `json:"expose_enabled"`

	// OptIn lists the binding kinds this unit opted into.
	OptIn []BindingKind `json:"opt_in,omitempty"`

	// Capabilities overrides the default capability name per binding kind.
	Capabilities map[BindingKind]string `json:"capabilities,omitempty"`
}

// Key returns the stable identity of the target for state bookkeeping.
func (t RotationTarget) Key() string {
	return fmt.Sprintf("%s/%s", t.Namespace, t.Name)
}

// Eligible reports whether the target is inside rotation scope.
// Both flags are required; this is a hard safety invariant.
func (t RotationTarget) Eligible() bool {
	return t.Managed && t.ExposeEnabled
}

// Trigger is one reconcile trigger delivered to the loop.
type Trigger struct {
	// Cause identifies what produced the trigger.
	Cause TriggerCause `json:"cause"`

	// Steps optionally hints which steps the event maps to.
	// Empty means re-evaluate everything.
	Steps []string `json:"steps,omitempty"`

	// Targets optionally hints which rotation targets the event maps to.
	Targets []string `json:"targets,omitempty"`

	// RetryFailed signals that failed steps should be re-evaluated as
	// candidates this pass.
	RetryFailed bool `json:"retry_failed"`

	// At is when the trigger was produced.
	At time.Time `json:"at"`
}

// PassSummary provides step statistics for one reconcile pass.
type PassSummary struct {
	// Total is the number of steps in the plan.
	Total int `json:"total"`

	// Verified is the number of verified steps.
	Verified int `json:"verified"`

	// Failed is the number of failed steps.
	Failed int `json:"failed"`

	// Skipped is the number of skipped steps.
	Skipped int `json:"skipped"`

	// Pending is the number of steps still pending or ready.
	Pending int `json:"pending"`
}

// PassReport is the outcome of one reconcile pass.
type PassReport struct {
	// ID is the unique pass identifier.
	ID string `json:"id"`

	// Generation is the plan generation the pass ran against.
	Generation int64 `json:"generation"`

	// Phase is the terminal phase the pass reached.
	Phase Phase `json:"phase"`

	// Summary provides step statistics.
	Summary PassSummary `json:"summary"`

	// Applies is the number of driver apply calls performed for steps.
	Applies int `json:"applies"`

	// RotationApplies is the number of binding deltas applied.
	RotationApplies int `json:"rotation_applies"`

	// StartedAt is when the pass started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the pass finished.
	CompletedAt time.Time `json:"completed_at"`
}

// Snapshot is the persisted reconcile state for one plan generation.
// It is the single source of truth for statuses, facts, and bindings.
type Snapshot struct {
	// SchemaVersion identifies the snapshot layout. Mismatches are
	// treated as an empty baseline on load, never an error.
	SchemaVersion int `json:"schema_version"`

	// Generation is the plan generation the snapshot belongs to.
	Generation int64 `json:"generation"`

	// Steps maps step IDs to their last persisted status and reason.
	Steps map[string]StepRecord `json:"steps"`

	// Facts is the persisted capability fact cache.
	Facts []CapabilityFact `json:"facts"`

	// Bindings maps rotation target keys to their last-applied bindings.
	Bindings map[string]BindingSet `json:"bindings"`
}

// StepRecord is the persisted status of one step.
type StepRecord struct {
	// Status is the last persisted status.
	Status StepStatus `json:"status"`

	// Reason records why the step holds the status.
	Reason string `json:"reason,omitempty"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotSchemaVersion is the current persisted snapshot layout version.
const SnapshotSchemaVersion = 1

// NewSnapshot returns an empty all-pending baseline snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		Steps:         make(map[string]StepRecord),
		Facts:         nil,
		Bindings:      make(map[string]BindingSet),
	}
}
