package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bootstrappo/bootstrappo/pkg/telemetry"
)

// DefaultStepTimeout bounds a single apply or verify attempt when the step
// declares no timeout of its own.
const DefaultStepTimeout = 2 * time.Minute

// DriverRegistry holds the drivers available to the executor, keyed by the
// driver name steps reference.
type DriverRegistry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewDriverRegistry creates an empty driver registry.
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{
		drivers: make(map[string]Driver),
	}
}

// Register adds a driver under the given name. Re-registering a name is a
// validation error: driver wiring is static for the process lifetime.
func (r *DriverRegistry) Register(name string, driver Driver) error {
	if name == "" {
		return NewPermanentError("driver name is empty", nil).WithCode(ErrCodeValidation)
	}
	if driver == nil {
		return NewPermanentError("driver is nil", nil).WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[name]; exists {
		return NewPermanentError(fmt.Sprintf("driver already registered: %s", name), nil).
			WithCode(ErrCodeValidation)
	}
	r.drivers[name] = driver
	return nil
}

// Lookup returns the driver registered under the given name.
func (r *DriverRegistry) Lookup(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	driver, exists := r.drivers[name]
	if !exists {
		return nil, NewPermanentError(fmt.Sprintf("no driver registered: %s", name), nil).
			WithCode(ErrCodeNotFound)
	}
	return driver, nil
}

// Names returns the registered driver names, sorted.
func (r *DriverRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RetryPolicy controls how the executor retries classified errors.
// Permanent errors are never retried regardless of policy.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the initial backoff for transient errors.
	BaseDelay time.Duration

	// ThrottledBaseDelay is the initial backoff for throttled errors.
	ThrottledBaseDelay time.Duration

	// ConflictBaseDelay is the initial backoff for conflict errors.
	ConflictBaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the standard retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        4,
		BaseDelay:          1 * time.Second,
		ThrottledBaseDelay: 5 * time.Second,
		ConflictBaseDelay:  2 * time.Second,
		MaxDelay:           1 * time.Minute,
	}
}

// backoff calculates exponential backoff with jitter for the given attempt.
func (p RetryPolicy) backoff(attempt int, err error) time.Duration {
	baseDelay := p.BaseDelay

	// Use different base delays for different error classes
	if IsThrottled(err) {
		baseDelay = p.ThrottledBaseDelay
	} else if IsConflict(err) {
		baseDelay = p.ConflictBaseDelay
	}

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	// Deterministic jitter: stretch the capped delay by an extra 12.5%.
	jitter := time.Duration(float64(delay) * 0.25)
	delay = delay + jitter/2

	return delay
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// Retry overrides the default retry policy.
	Retry *RetryPolicy

	// Logger receives execution diagnostics. Nil means a no-op logger.
	Logger *telemetry.Logger

	// Metrics receives execution counters. Nil disables them.
	Metrics *telemetry.Metrics
}

// Executor dispatches steps and binding deltas to their drivers with
// classified-error retry. It owns no state beyond the registry and policy;
// step statuses are the caller's to record.
type Executor struct {
	registry *DriverRegistry
	retry    RetryPolicy
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewExecutor creates an executor over the given driver registry.
func NewExecutor(registry *DriverRegistry, opts ExecutorOptions) *Executor {
	retry := DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}

	return &Executor{
		registry: registry,
		retry:    retry,
		log:      opts.Logger.NewComponentLogger("executor"),
		metrics:  opts.Metrics,
	}
}

// ApplyStep applies and then verifies one step through its driver, retrying
// retryable failures per the policy. A nil return means the step is
// verified; an error means it failed terminally for this pass.
func (e *Executor) ApplyStep(ctx context.Context, step *Step) error {
	driver, err := e.registry.Lookup(step.Driver)
	if err != nil {
		return err
	}

	unit := UnitRef{ID: step.ID, Kind: step.Kind, Namespace: step.Namespace}
	log := e.log.WithField("step", step.ID)

	start := time.Now()
	err = e.withRetry(ctx, step.ID, "apply", step.Timeout, func(attemptCtx context.Context) error {
		result, applyErr := driver.Apply(attemptCtx, unit, nil)
		return e.resultError(result, applyErr, "apply")
	})
	if err != nil {
		e.recordStep("apply", "failed", time.Since(start), step.Kind, err)
		return err
	}
	e.recordStep("apply", "succeeded", time.Since(start), step.Kind, nil)

	log.Debug("apply succeeded, verifying")

	start = time.Now()
	err = e.withRetry(ctx, step.ID, "verify", step.Timeout, func(attemptCtx context.Context) error {
		result, verifyErr := driver.Verify(attemptCtx, unit)
		return e.resultError(result, verifyErr, "verify")
	})
	if err != nil {
		e.recordStep("verify", "failed", time.Since(start), step.Kind, err)
		return err
	}
	e.recordStep("verify", "succeeded", time.Since(start), step.Kind, nil)

	return nil
}

// DryRunStep previews the mutations applying the step would perform.
func (e *Executor) DryRunStep(ctx context.Context, step *Step) (*Preview, error) {
	driver, err := e.registry.Lookup(step.Driver)
	if err != nil {
		return nil, err
	}

	unit := UnitRef{ID: step.ID, Kind: step.Kind, Namespace: step.Namespace}

	dryCtx, cancel := context.WithTimeout(ctx, e.stepTimeout(step.Timeout))
	defer cancel()

	preview, err := driver.DryRun(dryCtx, unit)
	if err != nil {
		return nil, e.classify(err, "dry-run").WithStep(step.ID)
	}
	return preview, nil
}

// ApplyBindings applies one binding delta to a rotation target. The target
// must still be eligible at apply time; an ineligible target aborts loudly
// regardless of what earlier filtering concluded.
func (e *Executor) ApplyBindings(ctx context.Context, target RotationTarget, delta BindingSet) error {
	if !target.Eligible() {
		return NewPermanentError(
			fmt.Sprintf("rotation target %s is not eligible: managed=%t expose=%t",
				target.Key(), target.Managed, target.ExposeEnabled),
			nil,
		).WithCode(ErrCodeSafetyViolation).WithStep(target.Key())
	}

	driver, err := e.registry.Lookup(target.Driver)
	if err != nil {
		return err
	}

	unit := UnitRef{ID: target.Key(), Kind: target.Kind, Namespace: target.Namespace}

	start := time.Now()
	err = e.withRetry(ctx, target.Key(), "rotate", 0, func(attemptCtx context.Context) error {
		result, applyErr := driver.Apply(attemptCtx, unit, delta)
		return e.resultError(result, applyErr, "rotate")
	})
	if err != nil {
		e.recordStep("rotate", "failed", time.Since(start), target.Kind, err)
		return err
	}
	e.recordStep("rotate", "succeeded", time.Since(start), target.Kind, nil)

	return nil
}

// withRetry runs fn with per-attempt timeouts and classified-error backoff.
func (e *Executor) withRetry(
	ctx context.Context,
	id, operation string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	var lastErr error

	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.stepTimeout(timeout))
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = e.classify(err, operation).WithStep(id)

		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt >= e.retry.MaxAttempts-1 {
			break
		}

		backoff := e.retry.backoff(attempt, lastErr)
		e.log.WithField("step", id).
			Warnf("%s failed, retrying in %s (attempt %d/%d): %v",
				operation, backoff, attempt+1, e.retry.MaxAttempts, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return NewTransientError("execution cancelled", ctx.Err()).
				WithCode(ErrCodeTimeout).WithStep(id).WithOperation(operation)
		}
	}

	return lastErr
}

// resultError folds a driver result and error into a single classified error.
// A failed result without an error is transient: the driver saw no hard
// fault, the unit just has not converged yet.
func (e *Executor) resultError(result *Result, err error, operation string) error {
	if err != nil {
		return err
	}
	if result == nil {
		return NewPermanentError("driver returned no result", nil).
			WithCode(ErrCodeDriverFailed).WithOperation(operation)
	}
	if !result.OK {
		return NewTransientError(fmt.Sprintf("%s not converged: %s", operation, result.Detail), nil).
			WithCode(ErrCodeDriverFailed).WithOperation(operation)
	}
	return nil
}

// classify converts a plain error into a classified engine error.
// Already-classified errors pass through; timeouts and cancellations are
// transient, so an interrupted attempt is never recorded as a step fault;
// everything else is permanent.
func (e *Executor) classify(err error, operation string) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("attempt timed out", err).
			WithCode(ErrCodeTimeout).WithOperation(operation)
	}
	if errors.Is(err, context.Canceled) {
		return NewTransientError("execution cancelled", err).
			WithCode(ErrCodeTimeout).WithOperation(operation)
	}
	return NewPermanentError("driver call failed", err).
		WithCode(ErrCodeDriverFailed).WithOperation(operation)
}

// stepTimeout returns the declared per-attempt timeout or the default.
func (e *Executor) stepTimeout(declared time.Duration) time.Duration {
	if declared > 0 {
		return declared
	}
	return DefaultStepTimeout
}

// recordStep records one driver operation in metrics and error counters.
func (e *Executor) recordStep(operation, status string, duration time.Duration, kind string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordStepExecution(operation, status, duration, kind)
	if err != nil {
		var engineErr *EngineError
		if errors.As(err, &engineErr) {
			e.metrics.RecordError(string(engineErr.Class), engineErr.Code)
		}
	}
}
