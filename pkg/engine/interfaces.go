package engine

import (
	"context"
)

// Driver deploys and verifies units of one kind. Drivers are supplied by
// external collaborators and injected by name; the engine never inspects
// driver internals.
type Driver interface {
	// Apply converges the unit toward its desired state. For rotation
	// targets, bindings carries the delta to apply; for plan steps it is nil.
	Apply(ctx context.Context, unit UnitRef, bindings BindingSet) (*Result, error)

	// Verify checks that the unit reached its desired state.
	Verify(ctx context.Context, unit UnitRef) (*Result, error)

	// DryRun previews the mutations Apply would perform without applying them.
	DryRun(ctx context.Context, unit UnitRef) (*Preview, error)
}

// PlanSource produces the declarative step list a plan graph is built from.
// It is rebuilt once per reconcile generation.
type PlanSource interface {
	// LoadPlan returns the declared steps.
	LoadPlan(ctx context.Context) ([]Step, error)
}

// TargetSource enumerates deployed units that may be in rotation scope.
// The rotation engine filters the result by the safety flags.
type TargetSource interface {
	// ListTargets returns all deployed units with their rotation flags.
	ListTargets(ctx context.Context) ([]RotationTarget, error)
}

// Reading is a single raw observation from a capability detection source.
type Reading struct {
	// Available reports whether the source saw the capability present.
	Available bool

	// Conclusive is false when the source could not decide (API error,
	// insufficient permission, ambiguous readiness signal).
	Conclusive bool

	// Detail carries a human-readable diagnostic from the source.
	Detail string
}

// APIReader is the primary capability detection source: an in-process
// read against the cluster API.
type APIReader interface {
	// ReadCapability reports whether the named capability is present.
	ReadCapability(ctx context.Context, name string) (Reading, error)

	// ReadWorkload reports whether the workload behind a gate is ready.
	ReadWorkload(ctx context.Context, gate GateSpec) (Reading, error)
}

// SubprocessVerifier is the tie-breaking detection source: an external
// cluster CLI invocation. Its conclusive readings override stale or
// error-bearing API reads.
type SubprocessVerifier interface {
	// VerifyCapability reports whether the named capability is present.
	VerifyCapability(ctx context.Context, name string) (Reading, error)
}

// StateStore persists the reconcile snapshot. It is exclusively mutated
// by the reconcile loop and the rotation engine; implementations must not
// be shared across concurrent passes.
type StateStore interface {
	// LoadSnapshot returns the persisted snapshot, or an empty all-pending
	// baseline when the snapshot is absent, corrupt, or version-mismatched.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)

	// SaveStepStatus persists one step transition.
	SaveStepStatus(ctx context.Context, generation int64, stepID string, status StepStatus, reason string) error

	// UpsertFact persists one capability fact.
	UpsertFact(ctx context.Context, fact CapabilityFact) error

	// SaveBindings persists the last-applied bindings for one target.
	SaveBindings(ctx context.Context, targetKey string, bindings BindingSet) error

	// RecordPass persists the outcome of one reconcile pass.
	RecordPass(ctx context.Context, report *PassReport) error
}
