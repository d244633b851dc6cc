package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory StateStore for engine tests.
type memStore struct {
	mu       sync.Mutex
	steps    map[string]StepRecord
	gen      int64
	facts    map[string]CapabilityFact
	bindings map[string]BindingSet
	passes   []*PassReport

	saveBindingsErr error
}

func newMemStore() *memStore {
	return &memStore{
		steps:    make(map[string]StepRecord),
		facts:    make(map[string]CapabilityFact),
		bindings: make(map[string]BindingSet),
	}
}

func (s *memStore) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := NewSnapshot()
	snapshot.Generation = s.gen
	for id, record := range s.steps {
		snapshot.Steps[id] = record
	}
	for _, fact := range s.facts {
		snapshot.Facts = append(snapshot.Facts, fact)
	}
	for key, set := range s.bindings {
		copied := make(BindingSet, len(set))
		for kind, binding := range set {
			copied[kind] = binding
		}
		snapshot.Bindings[key] = copied
	}
	return snapshot, nil
}

func (s *memStore) SaveStepStatus(ctx context.Context, generation int64, stepID string, status StepStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation > s.gen {
		s.gen = generation
	}
	s.steps[stepID] = StepRecord{Status: status, Reason: reason, UpdatedAt: time.Now()}
	return nil
}

func (s *memStore) UpsertFact(ctx context.Context, fact CapabilityFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[fact.Name] = fact
	return nil
}

func (s *memStore) SaveBindings(ctx context.Context, targetKey string, bindings BindingSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveBindingsErr != nil {
		return s.saveBindingsErr
	}
	copied := make(BindingSet, len(bindings))
	for kind, binding := range bindings {
		copied[kind] = binding
	}
	s.bindings[targetKey] = copied
	return nil
}

func (s *memStore) RecordPass(ctx context.Context, report *PassReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if report.Generation > s.gen {
		s.gen = report.Generation
	}
	s.passes = append(s.passes, report)
	return nil
}

func (s *memStore) savedBindings(targetKey string) (BindingSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.bindings[targetKey]
	return set, ok
}

func newTestRotation(t *testing.T, driver Driver, store StateStore) *RotationEngine {
	t.Helper()
	executor := newTestExecutor(t, map[string]Driver{"helm": driver})
	return NewRotationEngine(executor, store, RotationOptions{})
}

func eligibleTarget(name string, optIn ...BindingKind) RotationTarget {
	return RotationTarget{
		Name:          name,
		Namespace:     "apps",
		Kind:          "helm-release",
		Driver:        "helm",
		Managed:       true,
		ExposeEnabled: true,
		OptIn:         optIn,
	}
}

func TestRotateBindsAvailableCapability(t *testing.T) {
	driver := &fakeDriver{}
	store := newMemStore()
	rotation := newTestRotation(t, driver, store)

	target := eligibleTarget("web", BindingIngress, BindingTLS)
	facts := FactSet{
		"ingress-controller": {Name: "ingress-controller", Known: true, Available: true},
		// tls-issuer absent: the tls binding stays unbound.
	}

	applies, err := rotation.Rotate(context.Background(), []RotationTarget{target}, facts, nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if applies != 1 {
		t.Errorf("expected 1 apply, got %d", applies)
	}

	saved, ok := store.savedBindings("apps/web")
	if !ok {
		t.Fatal("expected bindings saved")
	}
	if saved[BindingIngress].Value != "ingress://ingress-controller/apps/web" {
		t.Errorf("unexpected ingress binding: %+v", saved[BindingIngress])
	}
	if saved[BindingTLS].Value != "" {
		t.Errorf("expected tls unbound, got %+v", saved[BindingTLS])
	}
}

func TestRotateSkipsIneligibleTargets(t *testing.T) {
	driver := &fakeDriver{}
	rotation := newTestRotation(t, driver, newMemStore())

	targets := []RotationTarget{
		{Name: "legacy", Namespace: "apps", Driver: "helm", Managed: false, ExposeEnabled: true, OptIn: []BindingKind{BindingIngress}},
		{Name: "internal", Namespace: "apps", Driver: "helm", Managed: true, ExposeEnabled: false, OptIn: []BindingKind{BindingIngress}},
	}
	facts := FactSet{
		"ingress-controller": {Name: "ingress-controller", Known: true, Available: true},
	}

	applies, err := rotation.Rotate(context.Background(), targets, facts, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if applies != 0 {
		t.Errorf("expected 0 applies, got %d", applies)
	}

	applyCalls, _ := driver.counts()
	if applyCalls != 0 {
		t.Errorf("ineligible targets must cost zero driver calls, got %d", applyCalls)
	}
}

func TestRotateZeroDiffCostsNothing(t *testing.T) {
	driver := &fakeDriver{}
	store := newMemStore()
	rotation := newTestRotation(t, driver, store)

	target := eligibleTarget("web", BindingIngress)
	facts := FactSet{
		"ingress-controller": {Name: "ingress-controller", Known: true, Available: true},
	}
	applied := map[string]BindingSet{
		"apps/web": {
			BindingIngress: {
				Kind:       BindingIngress,
				Capability: "ingress-controller",
				Value:      "ingress://ingress-controller/apps/web",
			},
		},
	}

	applies, err := rotation.Rotate(context.Background(), []RotationTarget{target}, facts, applied)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if applies != 0 {
		t.Errorf("expected 0 applies for converged target, got %d", applies)
	}

	applyCalls, _ := driver.counts()
	if applyCalls != 0 {
		t.Errorf("expected zero driver calls, got %d", applyCalls)
	}
}

func TestRotateUnbindsOnCapabilityLoss(t *testing.T) {
	driver := &fakeDriver{}
	store := newMemStore()
	rotation := newTestRotation(t, driver, store)

	target := eligibleTarget("web", BindingDNS)
	facts := FactSet{
		"dns-provider": {Name: "dns-provider", Known: true, Available: false},
	}
	applied := map[string]BindingSet{
		"apps/web": {
			BindingDNS: {
				Kind:       BindingDNS,
				Capability: "dns-provider",
				Value:      "dns://dns-provider/apps/web",
			},
		},
	}

	applies, err := rotation.Rotate(context.Background(), []RotationTarget{target}, facts, applied)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if applies != 1 {
		t.Errorf("expected 1 apply, got %d", applies)
	}

	if driver.lastDelta[BindingDNS].Value != "" {
		t.Errorf("expected unbind delta, got %+v", driver.lastDelta[BindingDNS])
	}
	saved, _ := store.savedBindings("apps/web")
	if saved[BindingDNS].Value != "" {
		t.Errorf("expected unbound binding persisted, got %+v", saved[BindingDNS])
	}
}

func TestRotateCapabilityOverride(t *testing.T) {
	driver := &fakeDriver{}
	store := newMemStore()
	rotation := newTestRotation(t, driver, store)

	target := eligibleTarget("web", BindingIngress)
	target.Capabilities = map[BindingKind]string{
		BindingIngress: "internal-ingress",
	}
	facts := FactSet{
		"internal-ingress": {Name: "internal-ingress", Known: true, Available: true},
	}

	applies, err := rotation.Rotate(context.Background(), []RotationTarget{target}, facts, nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if applies != 1 {
		t.Fatalf("expected 1 apply, got %d", applies)
	}

	saved, _ := store.savedBindings("apps/web")
	if saved[BindingIngress].Capability != "internal-ingress" {
		t.Errorf("expected capability override honored, got %+v", saved[BindingIngress])
	}
	if saved[BindingIngress].Value != "ingress://internal-ingress/apps/web" {
		t.Errorf("unexpected binding value: %s", saved[BindingIngress].Value)
	}
}

func TestRotateUnknownFactStaysUnbound(t *testing.T) {
	// Fail-closed: an unknown fact never produces a bound value, and a
	// never-bound kind has nothing to clear either.
	driver := &fakeDriver{}
	store := newMemStore()
	rotation := newTestRotation(t, driver, store)

	target := eligibleTarget("web", BindingLB)
	facts := FactSet{
		"load-balancer": {Name: "load-balancer", Known: false, Available: true},
	}

	applies, err := rotation.Rotate(context.Background(), []RotationTarget{target}, facts, nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if applies != 0 {
		t.Fatalf("expected 0 applies for an unbound kind, got %d", applies)
	}
	applyCalls, _ := driver.counts()
	if applyCalls != 0 {
		t.Errorf("expected zero driver calls, got %d", applyCalls)
	}
	if _, ok := store.savedBindings("apps/web"); ok {
		t.Error("expected no bindings persisted without a delta")
	}
}

func TestRotateFirstSeenUnavailableCostsNothing(t *testing.T) {
	// A target seen for the first time while its opted-in capability is
	// still unavailable must not produce an unbind for a value that was
	// never set.
	driver := &fakeDriver{}
	store := newMemStore()
	rotation := newTestRotation(t, driver, store)

	target := eligibleTarget("web", BindingIngress)
	facts := FactSet{
		"ingress-controller": {Name: "ingress-controller", Known: true, Available: false},
	}

	for pass := 0; pass < 2; pass++ {
		applies, err := rotation.Rotate(context.Background(), []RotationTarget{target}, facts, nil)
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if applies != 0 {
			t.Errorf("expected 0 applies, got %d", applies)
		}
	}

	applyCalls, _ := driver.counts()
	if applyCalls != 0 {
		t.Errorf("expected zero driver calls under a stable capability set, got %d", applyCalls)
	}
}

func TestRotatePartialFailureIsolation(t *testing.T) {
	// The first target's driver apply fails permanently; the second target
	// still rotates and the aggregated error names the failed target.
	driver := &fakeDriver{
		applyErrs: []error{NewPermanentError("webhook rejected patch", nil)},
	}
	store := newMemStore()
	rotation := newTestRotation(t, driver, store)

	targets := []RotationTarget{
		eligibleTarget("broken", BindingIngress),
		eligibleTarget("healthy", BindingIngress),
	}
	facts := FactSet{
		"ingress-controller": {Name: "ingress-controller", Known: true, Available: true},
	}

	applies, err := rotation.Rotate(context.Background(), targets, facts, nil)
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "apps/broken") {
		t.Errorf("expected failed target named, got %v", err)
	}
	if applies != 1 {
		t.Errorf("expected healthy target still applied, got %d", applies)
	}

	if _, ok := store.savedBindings("apps/broken"); ok {
		t.Error("expected no bindings persisted for failed target")
	}
	if _, ok := store.savedBindings("apps/healthy"); !ok {
		t.Error("expected bindings persisted for healthy target")
	}
}

func TestRotateStoreFailureReported(t *testing.T) {
	driver := &fakeDriver{}
	store := newMemStore()
	store.saveBindingsErr = errors.New("disk full")
	rotation := newTestRotation(t, driver, store)

	target := eligibleTarget("web", BindingIngress)
	facts := FactSet{
		"ingress-controller": {Name: "ingress-controller", Known: true, Available: true},
	}

	applies, err := rotation.Rotate(context.Background(), []RotationTarget{target}, facts, nil)
	if err == nil {
		t.Fatal("expected error from state save")
	}
	if !strings.Contains(err.Error(), "save bindings") {
		t.Errorf("unexpected error: %v", err)
	}
	if applies != 0 {
		t.Errorf("expected failed save not counted as apply, got %d", applies)
	}
}

func TestBindingDelta(t *testing.T) {
	bound := Binding{Kind: BindingIngress, Capability: "ingress-controller", Value: "v1"}
	rebound := Binding{Kind: BindingIngress, Capability: "ingress-controller", Value: "v2"}
	tls := Binding{Kind: BindingTLS, Capability: "tls-issuer", Value: "t1"}

	tests := []struct {
		name    string
		applied BindingSet
		desired BindingSet
		want    int
	}{
		{
			name:    "identical sets",
			applied: BindingSet{BindingIngress: bound},
			desired: BindingSet{BindingIngress: bound},
			want:    0,
		},
		{
			name:    "changed value",
			applied: BindingSet{BindingIngress: bound},
			desired: BindingSet{BindingIngress: rebound},
			want:    1,
		},
		{
			name:    "new kind",
			applied: BindingSet{BindingIngress: bound},
			desired: BindingSet{BindingIngress: bound, BindingTLS: tls},
			want:    1,
		},
		{
			name:    "dropped kind gets unbind",
			applied: BindingSet{BindingIngress: bound, BindingTLS: tls},
			desired: BindingSet{BindingIngress: bound},
			want:    1,
		},
		{
			name:    "dropped already-unbound kind is free",
			applied: BindingSet{BindingTLS: {Kind: BindingTLS, Capability: "tls-issuer", Value: ""}},
			desired: BindingSet{},
			want:    0,
		},
		{
			name:    "never-bound unavailable kind is free",
			applied: BindingSet{},
			desired: BindingSet{BindingTLS: {Kind: BindingTLS, Capability: "tls-issuer", Value: ""}},
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta := bindingDelta(tt.applied, tt.desired)
			if len(delta) != tt.want {
				t.Errorf("expected %d delta entries, got %+v", tt.want, delta)
			}
		})
	}
}

func TestBindingValueDeterministic(t *testing.T) {
	target := eligibleTarget("web", BindingIngress)
	first := bindingValue(BindingIngress, "ingress-controller", target)
	second := bindingValue(BindingIngress, "ingress-controller", target)
	if first != second {
		t.Errorf("binding value not deterministic: %s vs %s", first, second)
	}
}
