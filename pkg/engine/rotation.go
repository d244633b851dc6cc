package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bootstrappo/bootstrappo/pkg/telemetry"
)

// DefaultCapabilityForKind maps each binding kind to the capability name it
// is derived from when a target declares no override.
var DefaultCapabilityForKind = map[BindingKind]string{
	BindingIngress: "ingress-controller",
	BindingTLS:     "tls-issuer",
	BindingDNS:     "dns-provider",
	BindingPolicy:  "network-policy",
	BindingLB:      "load-balancer",
}

// RotationOptions configures a RotationEngine.
type RotationOptions struct {
	// Logger receives rotation diagnostics. Nil means a no-op logger.
	Logger *telemetry.Logger

	// Metrics receives rotation counters. Nil disables them.
	Metrics *telemetry.Metrics
}

// RotationEngine backfills capability bindings onto already-deployed
// targets when capabilities appear or disappear. It only ever touches
// targets carrying both safety flags, and only the binding kinds they
// opted into; everything else on a target is out of bounds.
type RotationEngine struct {
	executor *Executor
	store    StateStore
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewRotationEngine creates a rotation engine over the given executor and
// state store.
func NewRotationEngine(executor *Executor, store StateStore, opts RotationOptions) *RotationEngine {
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}
	return &RotationEngine{
		executor: executor,
		store:    store,
		log:      opts.Logger.NewComponentLogger("rotation"),
		metrics:  opts.Metrics,
	}
}

// Rotate reconciles bindings for every eligible target against the current
// facts. Targets whose desired bindings already match their applied
// bindings cost zero driver calls. A failure on one target is recorded and
// the remaining targets still rotate; the aggregated error is returned.
// Returns the number of targets a delta was applied to.
func (r *RotationEngine) Rotate(
	ctx context.Context,
	targets []RotationTarget,
	facts FactSet,
	applied map[string]BindingSet,
) (int, error) {
	applies := 0
	var errs []error

	for _, target := range targets {
		if !target.Eligible() {
			r.log.WithField("target", target.Key()).
				Debugf("target outside rotation scope: managed=%t expose=%t",
					target.Managed, target.ExposeEnabled)
			continue
		}

		desired := r.desiredBindings(target, facts)
		current := applied[target.Key()]

		delta := bindingDelta(current, desired)
		if len(delta) == 0 {
			continue
		}

		log := r.log.WithField("target", target.Key())
		log.Infof("applying binding delta: %s", describeDelta(delta))

		if err := r.executor.ApplyBindings(ctx, target, delta); err != nil {
			log.WithError(err).Error("binding apply failed")
			r.recordRotation(delta, "failed")
			errs = append(errs, fmt.Errorf("target %s: %w", target.Key(), err))
			continue
		}

		if err := r.store.SaveBindings(ctx, target.Key(), desired); err != nil {
			log.WithError(err).Error("binding state save failed")
			errs = append(errs, fmt.Errorf("target %s: save bindings: %w", target.Key(), err))
			continue
		}

		r.recordRotation(delta, "succeeded")
		applies++
	}

	return applies, errors.Join(errs...)
}

// desiredBindings computes the bindings a target should hold given the
// current facts. Each opted-in kind resolves to a bound value when its
// capability is available, and an unbound value when it is not. Kinds the
// target did not opt into never appear.
func (r *RotationEngine) desiredBindings(target RotationTarget, facts FactSet) BindingSet {
	desired := make(BindingSet, len(target.OptIn))
	for _, kind := range target.OptIn {
		capability := DefaultCapabilityForKind[kind]
		if override, ok := target.Capabilities[kind]; ok {
			capability = override
		}

		binding := Binding{Kind: kind, Capability: capability}
		if facts.Available(capability) {
			binding.Value = bindingValue(kind, capability, target)
		}
		desired[kind] = binding
	}
	return desired
}

// bindingValue derives the deterministic value for a bound binding.
// The same capability and target identity always produce the same value.
func bindingValue(kind BindingKind, capability string, target RotationTarget) string {
	return fmt.Sprintf("%s://%s/%s", kind, capability, target.Key())
}

// bindingDelta returns the bindings in desired that differ from applied,
// plus unbinds for applied kinds that are no longer desired at all. A kind
// that is unbound on both sides is never a delta: a target whose capability
// has not appeared yet must cost zero driver calls.
func bindingDelta(applied, desired BindingSet) BindingSet {
	delta := make(BindingSet)

	for kind, binding := range desired {
		if binding.Value == "" && applied[kind].Value == "" {
			continue
		}
		if applied[kind] != binding {
			delta[kind] = binding
		}
	}

	// Kinds previously applied but no longer opted into are unbound.
	for kind, binding := range applied {
		if _, stillDesired := desired[kind]; !stillDesired && binding.Value != "" {
			delta[kind] = Binding{Kind: kind, Capability: binding.Capability, Value: ""}
		}
	}

	return delta
}

// describeDelta renders a delta for logs, sorted by kind for stable output.
func describeDelta(delta BindingSet) string {
	kinds := make([]string, 0, len(delta))
	for kind := range delta {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	out := ""
	for i, kind := range kinds {
		if i > 0 {
			out += ", "
		}
		binding := delta[BindingKind(kind)]
		if binding.Value == "" {
			out += fmt.Sprintf("%s=unbind", kind)
		} else {
			out += fmt.Sprintf("%s=%s", kind, binding.Value)
		}
	}
	return out
}

// recordRotation records one rotation outcome per binding kind.
func (r *RotationEngine) recordRotation(delta BindingSet, status string) {
	if r.metrics == nil {
		return
	}
	for kind := range delta {
		r.metrics.RecordRotationApply(string(kind), status)
	}
}
