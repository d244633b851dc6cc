package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fastRetryPolicy keeps executor tests quick.
func fastRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:        3,
		BaseDelay:          time.Millisecond,
		ThrottledBaseDelay: time.Millisecond,
		ConflictBaseDelay:  time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
	}
}

// fakeDriver is a scriptable Driver for executor and rotation tests.
type fakeDriver struct {
	mu sync.Mutex

	// applyErrs is consumed one per Apply call; nil entries succeed.
	applyErrs []error
	// verifyErrs is consumed one per Verify call; nil entries succeed.
	verifyErrs []error

	applyCalls  int
	verifyCalls int
	lastUnit    UnitRef
	lastDelta   BindingSet

	preview *Preview
}

func (d *fakeDriver) Apply(ctx context.Context, unit UnitRef, bindings BindingSet) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.applyCalls++
	d.lastUnit = unit
	d.lastDelta = bindings

	if len(d.applyErrs) > 0 {
		err := d.applyErrs[0]
		d.applyErrs = d.applyErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	now := time.Now()
	return &Result{OK: true, StartedAt: now, CompletedAt: now}, nil
}

func (d *fakeDriver) Verify(ctx context.Context, unit UnitRef) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.verifyCalls++

	if len(d.verifyErrs) > 0 {
		err := d.verifyErrs[0]
		d.verifyErrs = d.verifyErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	now := time.Now()
	return &Result{OK: true, StartedAt: now, CompletedAt: now}, nil
}

func (d *fakeDriver) DryRun(ctx context.Context, unit UnitRef) (*Preview, error) {
	if d.preview != nil {
		return d.preview, nil
	}
	return &Preview{}, nil
}

func (d *fakeDriver) counts() (applies, verifies int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyCalls, d.verifyCalls
}

func newTestExecutor(t *testing.T, drivers map[string]Driver) *Executor {
	t.Helper()
	registry := NewDriverRegistry()
	for name, driver := range drivers {
		if err := registry.Register(name, driver); err != nil {
			t.Fatalf("failed to register driver %s: %v", name, err)
		}
	}
	return NewExecutor(registry, ExecutorOptions{Retry: fastRetryPolicy()})
}

func TestDriverRegistry(t *testing.T) {
	registry := NewDriverRegistry()
	driver := &fakeDriver{}

	if err := registry.Register("helm", driver); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := registry.Register("helm", driver); err == nil {
		t.Error("expected error on duplicate registration")
	}
	if err := registry.Register("", driver); err == nil {
		t.Error("expected error on empty name")
	}
	if err := registry.Register("manifest", nil); err == nil {
		t.Error("expected error on nil driver")
	}

	if _, err := registry.Lookup("helm"); err != nil {
		t.Errorf("expected lookup to succeed: %v", err)
	}
	if _, err := registry.Lookup("kustomize"); err == nil {
		t.Error("expected lookup of unregistered driver to fail")
	}

	if err := registry.Register("manifest", &fakeDriver{}); err != nil {
		t.Fatalf("failed to register second driver: %v", err)
	}
	names := registry.Names()
	if len(names) != 2 || names[0] != "helm" || names[1] != "manifest" {
		t.Errorf("expected sorted names [helm manifest], got %v", names)
	}
}

func TestApplyStepSuccess(t *testing.T) {
	driver := &fakeDriver{}
	executor := newTestExecutor(t, map[string]Driver{"helm": driver})

	step := &Step{ID: "cni", Kind: "helm-release", Namespace: "kube-system", Driver: "helm"}
	if err := executor.ApplyStep(context.Background(), step); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	applies, verifies := driver.counts()
	if applies != 1 || verifies != 1 {
		t.Errorf("expected 1 apply and 1 verify, got %d/%d", applies, verifies)
	}
	if driver.lastUnit.ID != "cni" || driver.lastUnit.Namespace != "kube-system" {
		t.Errorf("unexpected unit ref: %+v", driver.lastUnit)
	}
	if driver.lastDelta != nil {
		t.Error("expected nil bindings for plan step apply")
	}
}

func TestApplyStepRetriesTransient(t *testing.T) {
	driver := &fakeDriver{
		applyErrs: []error{
			NewTransientError("connection refused", nil),
			NewThrottledError("rate limited", nil),
			nil,
		},
	}
	executor := newTestExecutor(t, map[string]Driver{"helm": driver})

	step := &Step{ID: "dns", Kind: "helm-release", Driver: "helm"}
	if err := executor.ApplyStep(context.Background(), step); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}

	applies, _ := driver.counts()
	if applies != 3 {
		t.Errorf("expected 3 apply attempts, got %d", applies)
	}
}

func TestApplyStepPermanentFailsFast(t *testing.T) {
	driver := &fakeDriver{
		applyErrs: []error{
			NewPermanentError("chart not found", nil).WithCode(ErrCodeNotFound),
		},
	}
	executor := newTestExecutor(t, map[string]Driver{"helm": driver})

	step := &Step{ID: "dns", Kind: "helm-release", Driver: "helm"}
	err := executor.ApplyStep(context.Background(), step)
	if err == nil {
		t.Fatal("expected permanent failure")
	}
	if !IsPermanent(err) {
		t.Errorf("expected permanent classification, got %v", err)
	}

	applies, verifies := driver.counts()
	if applies != 1 {
		t.Errorf("expected no retries on permanent error, got %d attempts", applies)
	}
	if verifies != 0 {
		t.Error("expected verify skipped after apply failure")
	}
}

func TestApplyStepExhaustsRetries(t *testing.T) {
	driver := &fakeDriver{
		applyErrs: []error{
			NewTransientError("flaky", nil),
			NewTransientError("flaky", nil),
			NewTransientError("flaky", nil),
		},
	}
	executor := newTestExecutor(t, map[string]Driver{"helm": driver})

	step := &Step{ID: "dns", Kind: "helm-release", Driver: "helm"}
	err := executor.ApplyStep(context.Background(), step)
	if err == nil {
		t.Fatal("expected failure after retries exhausted")
	}
	if !IsTransient(err) {
		t.Errorf("expected transient classification, got %v", err)
	}

	applies, _ := driver.counts()
	if applies != 3 {
		t.Errorf("expected MaxAttempts apply calls, got %d", applies)
	}
}

func TestApplyStepUnclassifiedErrorIsPermanent(t *testing.T) {
	driver := &fakeDriver{
		applyErrs: []error{errors.New("something broke")},
	}
	executor := newTestExecutor(t, map[string]Driver{"helm": driver})

	step := &Step{ID: "dns", Kind: "helm-release", Driver: "helm"}
	err := executor.ApplyStep(context.Background(), step)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !IsPermanent(err) {
		t.Errorf("expected unclassified driver error treated as permanent, got %v", err)
	}
}

func TestApplyStepVerifyFailureRetries(t *testing.T) {
	driver := &fakeDriver{
		verifyErrs: []error{
			NewTransientError("pods not ready", nil),
			nil,
		},
	}
	executor := newTestExecutor(t, map[string]Driver{"helm": driver})

	step := &Step{ID: "dns", Kind: "helm-release", Driver: "helm"}
	if err := executor.ApplyStep(context.Background(), step); err != nil {
		t.Fatalf("expected success after verify retry, got %v", err)
	}

	_, verifies := driver.counts()
	if verifies != 2 {
		t.Errorf("expected 2 verify attempts, got %d", verifies)
	}
}

func TestApplyStepUnknownDriver(t *testing.T) {
	executor := newTestExecutor(t, map[string]Driver{})

	step := &Step{ID: "dns", Kind: "helm-release", Driver: "helm"}
	err := executor.ApplyStep(context.Background(), step)
	if err == nil {
		t.Fatal("expected error for unregistered driver")
	}
	if !strings.Contains(err.Error(), "no driver registered") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestApplyBindingsSafetyRecheck(t *testing.T) {
	driver := &fakeDriver{}
	executor := newTestExecutor(t, map[string]Driver{"helm": driver})

	tests := []struct {
		name   string
		target RotationTarget
	}{
		{
			name:   "not managed",
			target: RotationTarget{Name: "web", Namespace: "apps", Driver: "helm", Managed: false, ExposeEnabled: true},
		},
		{
			name:   "expose disabled",
			target: RotationTarget{Name: "web", Namespace: "apps", Driver: "helm", Managed: true, ExposeEnabled: false},
		},
		{
			name:   "neither flag",
			target: RotationTarget{Name: "web", Namespace: "apps", Driver: "helm"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := executor.ApplyBindings(context.Background(), tt.target, BindingSet{
				BindingIngress: {Kind: BindingIngress, Capability: "ingress-controller", Value: "x"},
			})
			if err == nil {
				t.Fatal("expected safety violation")
			}
			var engineErr *EngineError
			if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeSafetyViolation {
				t.Errorf("expected SAFETY_VIOLATION code, got %v", err)
			}
		})
	}

	applies, _ := driver.counts()
	if applies != 0 {
		t.Errorf("expected no driver calls for ineligible targets, got %d", applies)
	}
}

func TestApplyBindingsPassesDelta(t *testing.T) {
	driver := &fakeDriver{}
	executor := newTestExecutor(t, map[string]Driver{"helm": driver})

	target := RotationTarget{
		Name: "web", Namespace: "apps", Kind: "helm-release", Driver: "helm",
		Managed: true, ExposeEnabled: true,
	}
	delta := BindingSet{
		BindingTLS: {Kind: BindingTLS, Capability: "tls-issuer", Value: "tls://tls-issuer/apps/web"},
	}

	if err := executor.ApplyBindings(context.Background(), target, delta); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !driver.lastDelta.Equal(delta) {
		t.Errorf("expected delta handed to driver, got %+v", driver.lastDelta)
	}
	if driver.lastUnit.ID != "apps/web" {
		t.Errorf("expected target key as unit ID, got %s", driver.lastUnit.ID)
	}
}

func TestResultNotOKIsTransient(t *testing.T) {
	// A driver that reports OK=false without an error: the unit has not
	// converged yet, so the executor retries.
	driver := &notConvergedDriver{failures: 1}
	registry := NewDriverRegistry()
	if err := registry.Register("helm", driver); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	executor := NewExecutor(registry, ExecutorOptions{Retry: fastRetryPolicy()})

	step := &Step{ID: "cni", Kind: "helm-release", Driver: "helm"}
	if err := executor.ApplyStep(context.Background(), step); err != nil {
		t.Fatalf("expected success after not-converged retry, got %v", err)
	}
	if driver.applyCalls != 2 {
		t.Errorf("expected 2 apply attempts, got %d", driver.applyCalls)
	}
}

// notConvergedDriver returns OK=false for the first N apply calls.
type notConvergedDriver struct {
	failures   int
	applyCalls int
}

func (d *notConvergedDriver) Apply(ctx context.Context, unit UnitRef, bindings BindingSet) (*Result, error) {
	d.applyCalls++
	if d.applyCalls <= d.failures {
		return &Result{OK: false, Detail: "0/3 replicas ready"}, nil
	}
	return &Result{OK: true}, nil
}

func (d *notConvergedDriver) Verify(ctx context.Context, unit UnitRef) (*Result, error) {
	return &Result{OK: true}, nil
}

func (d *notConvergedDriver) DryRun(ctx context.Context, unit UnitRef) (*Preview, error) {
	return &Preview{}, nil
}

func TestBackoffGrowthAndClassBase(t *testing.T) {
	policy := DefaultRetryPolicy()

	transient := NewTransientError("x", nil)
	throttled := NewThrottledError("x", nil)

	d0 := policy.backoff(0, transient)
	d1 := policy.backoff(1, transient)
	if d1 <= d0 {
		t.Errorf("expected backoff growth, got %s then %s", d0, d1)
	}

	// Throttled errors start from a larger base.
	if policy.backoff(0, throttled) <= policy.backoff(0, transient) {
		t.Error("expected throttled backoff to exceed transient backoff")
	}

	// Growth is capped.
	capped := policy.backoff(20, transient)
	limit := policy.MaxDelay + time.Duration(float64(policy.MaxDelay)*0.25)
	if capped > limit {
		t.Errorf("expected capped backoff <= %s, got %s", limit, capped)
	}
}

func TestDryRunStep(t *testing.T) {
	driver := &fakeDriver{preview: &Preview{Changes: []string{"install chart cni"}}}
	executor := newTestExecutor(t, map[string]Driver{"helm": driver})

	step := &Step{ID: "cni", Kind: "helm-release", Driver: "helm"}
	preview, err := executor.DryRunStep(context.Background(), step)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(preview.Changes) != 1 || preview.Changes[0] != "install chart cni" {
		t.Errorf("unexpected preview: %+v", preview)
	}
}
