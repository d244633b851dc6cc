package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/bootstrappo/bootstrappo/pkg/telemetry"
)

const (
	// DefaultMaxParallel is the default worker count for a ready batch.
	DefaultMaxParallel = 4

	// DefaultDebounce is how long the daemon loop waits after a trigger for
	// follow-up triggers before starting a pass, so event bursts coalesce.
	DefaultDebounce = 500 * time.Millisecond
)

// ReconcileOptions configures a ReconcileLoop.
type ReconcileOptions struct {
	// MaxParallel is the worker count for executing a ready batch.
	// Zero means DefaultMaxParallel.
	MaxParallel int

	// Debounce is the trigger coalescing window in daemon mode.
	// Zero means DefaultDebounce.
	Debounce time.Duration

	// Logger receives loop diagnostics. Nil means a no-op logger.
	Logger *telemetry.Logger

	// Metrics receives pass counters. Nil disables them.
	Metrics *telemetry.Metrics

	// Tracer produces pass and step spans. Nil disables tracing.
	Tracer *telemetry.Tracer

	// Events receives pass lifecycle events. Nil disables them.
	Events *telemetry.EventPublisher
}

// ReconcileLoop drives the pass state machine:
//
//	Idle -> Planning -> Executing -> Rotating -> Converged | Blocked
//
// A pass is the unit of work: build the plan graph, refresh facts, sweep
// gates, execute ready batches until no gate opens, rotate bindings, and
// persist the outcome. Converge runs one pass; Run keeps passing on
// triggers until the context ends.
type ReconcileLoop struct {
	plans    PlanSource
	targets  TargetSource
	detector *CapabilityDetector
	gates    *GateEvaluator
	executor *Executor
	rotation *RotationEngine
	store    StateStore

	maxParallel int
	debounce    time.Duration

	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	mu         sync.RWMutex
	phase      Phase
	generation int64
}

// NewReconcileLoop wires a reconcile loop over its collaborators.
// targets may be nil when rotation is not in scope for this deployment.
func NewReconcileLoop(
	plans PlanSource,
	targets TargetSource,
	detector *CapabilityDetector,
	executor *Executor,
	rotation *RotationEngine,
	store StateStore,
	opts ReconcileOptions,
) *ReconcileLoop {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}

	return &ReconcileLoop{
		plans:       plans,
		targets:     targets,
		detector:    detector,
		gates:       NewGateEvaluator(),
		executor:    executor,
		rotation:    rotation,
		store:       store,
		maxParallel: opts.MaxParallel,
		debounce:    opts.Debounce,
		log:         opts.Logger.NewComponentLogger("reconciler"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		events:      opts.Events,
		phase:       PhaseIdle,
	}
}

// Phase returns the loop's current phase.
func (r *ReconcileLoop) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// Generation returns the current plan generation.
func (r *ReconcileLoop) Generation() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// setPhase records a phase transition.
func (r *ReconcileLoop) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
	r.log.WithField("phase", string(p)).Debug("phase transition")
}

// Converge runs a single pass to its terminal phase. The returned report
// is non-nil whenever a pass actually ran; the error covers setup failures
// and pass-level faults, not individual step failures (those are in the
// report summary).
func (r *ReconcileLoop) Converge(ctx context.Context) (*PassReport, error) {
	return r.ConvergeWith(ctx, Trigger{Cause: TriggerManual})
}

// ConvergeWith runs a single pass driven by the given trigger. Callers use
// it to request failed-step retry or to attribute the pass to a cause other
// than manual.
func (r *ReconcileLoop) ConvergeWith(ctx context.Context, trigger Trigger) (*PassReport, error) {
	if trigger.Cause == "" {
		trigger.Cause = TriggerManual
	}
	if trigger.At.IsZero() {
		trigger.At = time.Now()
	}
	return r.runPass(ctx, trigger)
}

// Run drives the loop in daemon mode until the context ends or the trigger
// channel closes. Triggers arriving in a burst, or during a pass, coalesce
// into a single follow-up pass.
func (r *ReconcileLoop) Run(ctx context.Context, triggers <-chan Trigger) error {
	for {
		r.setPhase(PhaseIdle)

		var trigger Trigger
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-triggers:
			if !ok {
				return nil
			}
			trigger = t
		}

		trigger = r.coalesce(ctx, trigger, triggers)

		report, err := r.runPass(ctx, trigger)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.WithError(err).Error("pass failed")
			continue
		}
		r.log.WithField("pass", report.ID).
			Infof("pass finished: phase=%s verified=%d failed=%d pending=%d",
				report.Phase, report.Summary.Verified, report.Summary.Failed, report.Summary.Pending)
	}
}

// coalesce merges triggers that arrive within the debounce window after
// the first one. RetryFailed is sticky: any trigger in the burst asking
// for failed-step retry makes the merged trigger ask for it.
func (r *ReconcileLoop) coalesce(ctx context.Context, first Trigger, triggers <-chan Trigger) Trigger {
	merged := first
	timer := time.NewTimer(r.debounce)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return merged
		case t, ok := <-triggers:
			if !ok {
				return merged
			}
			merged.RetryFailed = merged.RetryFailed || t.RetryFailed
			merged.Steps = append(merged.Steps, t.Steps...)
			merged.Targets = append(merged.Targets, t.Targets...)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(r.debounce)
		case <-timer.C:
			return merged
		}
	}
}

// runPass executes one full pass of the state machine.
func (r *ReconcileLoop) runPass(ctx context.Context, trigger Trigger) (*PassReport, error) {
	passID := uuid.New().String()
	startedAt := time.Now()

	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.StartPassSpan(ctx, passID, string(trigger.Cause))
		defer span.End()
	}

	r.setPhase(PhasePlanning)
	if r.metrics != nil {
		r.metrics.RecordPassStarted(string(trigger.Cause))
	}
	if r.events != nil {
		_ = r.events.PublishPassStarted(passID, string(trigger.Cause))
	}

	log := r.log.WithField("pass", passID)
	log.Infof("pass started: cause=%s", trigger.Cause)

	steps, err := r.plans.LoadPlan(ctx)
	if err != nil {
		err = NewPermanentError("plan load failed", err).WithCode(ErrCodeValidation)
		return nil, r.failPass(passID, span, err)
	}

	graph, err := NewPlanGraph(steps)
	if err != nil {
		return nil, r.failPass(passID, span, err)
	}

	snapshot, err := r.store.LoadSnapshot(ctx)
	if err != nil {
		return nil, r.failPass(passID, span, fmt.Errorf("load snapshot: %w", err))
	}
	r.detector.Seed(snapshot.Facts)

	// A restarted process resumes the persisted generation sequence
	// instead of restarting at one.
	r.mu.Lock()
	if snapshot.Generation > r.generation {
		r.generation = snapshot.Generation
	}
	r.generation++
	generation := r.generation
	r.mu.Unlock()

	statuses := r.resumeStatuses(graph, snapshot)

	facts := r.detector.Refresh(ctx, graph.RequiredCapabilities())
	workloads := r.detector.SnapshotWorkloads(ctx, graph.GateRefs())

	r.requeueFailed(ctx, graph, snapshot, statuses, facts, trigger, generation)

	r.setPhase(PhaseExecuting)
	applies, execErr := r.executeBatches(ctx, graph, statuses, generation, &facts, &workloads)

	r.setPhase(PhaseRotating)
	rotationApplies := r.rotate(ctx, snapshot, log)

	r.persistFacts(ctx, r.detector.Facts())

	summary := summarize(graph, statuses)
	phase := PhaseConverged
	if summary.Failed > 0 || summary.Pending > 0 {
		phase = PhaseBlocked
	}
	r.setPhase(phase)

	report := &PassReport{
		ID:              passID,
		Generation:      generation,
		Phase:           phase,
		Summary:         summary,
		Applies:         applies,
		RotationApplies: rotationApplies,
		StartedAt:       startedAt,
		CompletedAt:     time.Now(),
	}

	if err := r.store.RecordPass(ctx, report); err != nil {
		log.WithError(err).Warn("pass record save failed")
	}
	if r.events != nil {
		_ = r.events.PublishPassCompleted(passID, string(phase), report.CompletedAt.Sub(startedAt))
	}
	if r.metrics != nil {
		r.metrics.RecordPassCompleted(string(phase), report.CompletedAt.Sub(startedAt))
		for status, count := range map[string]int{
			"verified": summary.Verified,
			"failed":   summary.Failed,
			"skipped":  summary.Skipped,
			"pending":  summary.Pending,
		} {
			r.metrics.SetStepCount(status, float64(count))
		}
	}

	if execErr != nil && ctx.Err() != nil {
		r.recordSpanError(span, ctx.Err())
		return report, ctx.Err()
	}
	if span != nil {
		telemetry.SetAttributes(span,
			telemetry.AttrPassPhase.String(string(phase)),
			telemetry.AttrPassGeneration.Int64(generation),
		)
		telemetry.RecordSuccess(span)
	}
	return report, nil
}

// failPass marks a pass-level fault across the phase, span, and event
// surfaces and hands the error back.
func (r *ReconcileLoop) failPass(passID string, span trace.Span, err error) error {
	r.setPhase(PhaseBlocked)
	r.recordSpanError(span, err)
	if r.events != nil {
		_ = r.events.PublishPassFailed(passID, err.Error())
	}
	return err
}

// recordSpanError records an error on the pass span, if tracing is on.
func (r *ReconcileLoop) recordSpanError(span trace.Span, err error) {
	if span == nil {
		return
	}
	telemetry.RecordError(span, err)
}

// resumeStatuses reconstructs step statuses from the snapshot. Terminal
// records are adopted; anything caught mid-flight by a crash restarts as
// pending.
func (r *ReconcileLoop) resumeStatuses(graph *PlanGraph, snapshot *Snapshot) map[string]StepStatus {
	statuses := make(map[string]StepStatus, graph.Len())
	for _, id := range graph.StepIDs() {
		status := StepStatusPending
		if record, ok := snapshot.Steps[id]; ok && record.Status.IsTerminal() {
			status = record.Status
			graph.Step(id).Reason = record.Reason
		}
		statuses[id] = status
		graph.Step(id).Status = status
	}
	return statuses
}

// requeueFailed resets failed steps back to pending when the trigger asks
// for it, or when a capability the step requires became available after
// the failure was recorded.
func (r *ReconcileLoop) requeueFailed(
	ctx context.Context,
	graph *PlanGraph,
	snapshot *Snapshot,
	statuses map[string]StepStatus,
	facts FactSet,
	trigger Trigger,
	generation int64,
) {
	for _, id := range graph.StepIDs() {
		if statuses[id] != StepStatusFailed {
			continue
		}

		requeue := trigger.RetryFailed
		if !requeue {
			record := snapshot.Steps[id]
			for _, name := range graph.Step(id).Requires {
				fact, ok := facts[name]
				if ok && fact.Known && fact.Available && fact.DetectedAt.After(record.UpdatedAt) {
					requeue = true
					break
				}
			}
		}
		if !requeue {
			continue
		}

		statuses[id] = StepStatusPending
		graph.Step(id).Status = StepStatusPending
		graph.Step(id).Reason = "requeued"
		r.log.WithField("step", id).Info("failed step requeued")
		if err := r.store.SaveStepStatus(ctx, generation, id, StepStatusPending, "requeued"); err != nil {
			r.log.WithField("step", id).WithError(err).Warn("status save failed")
		}
	}
}

// executeBatches sweeps gates and executes ready batches until no gate
// opens. Facts and workloads are re-collected after each batch so steps
// unblocked by freshly published capabilities run in the same pass.
// Returns the number of steps applied.
func (r *ReconcileLoop) executeBatches(
	ctx context.Context,
	graph *PlanGraph,
	statuses map[string]StepStatus,
	generation int64,
	facts *FactSet,
	workloads *WorkloadSnapshot,
) (int, error) {
	applies := 0

	for {
		if ctx.Err() != nil {
			return applies, ctx.Err()
		}

		ready := r.gates.Sweep(graph, statuses, *facts, *workloads)
		if len(ready) == 0 {
			return applies, nil
		}

		r.executeBatch(ctx, graph, statuses, generation, ready)
		applies += len(ready)

		// Verified steps may have published capabilities; re-detect before
		// the next sweep so downstream gates see them.
		*facts = r.detector.Refresh(ctx, graph.RequiredCapabilities())
		*workloads = r.detector.SnapshotWorkloads(ctx, graph.GateRefs())
	}
}

// executeBatch runs one ready batch through a bounded worker pool. The
// whole batch completes before the caller sweeps again.
func (r *ReconcileLoop) executeBatch(
	ctx context.Context,
	graph *PlanGraph,
	statuses map[string]StepStatus,
	generation int64,
	ready []string,
) {
	var mu sync.Mutex
	setStatus := func(id string, status StepStatus, reason string) {
		mu.Lock()
		statuses[id] = status
		step := graph.Step(id)
		step.Status = status
		step.Reason = reason
		mu.Unlock()

		// A cancelled pass still persists its final statuses; the save
		// must not ride the context that was just cancelled.
		saveCtx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			saveCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := r.store.SaveStepStatus(saveCtx, generation, id, status, reason); err != nil {
			r.log.WithField("step", id).WithError(err).Warn("status save failed")
		}
	}

	workerCount := r.maxParallel
	if len(ready) < workerCount {
		workerCount = len(ready)
	}

	workQueue := make(chan string, len(ready))
	for _, id := range ready {
		setStatus(id, StepStatusReady, "gate open")
		workQueue <- id
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range workQueue {
				if ctx.Err() != nil {
					setStatus(id, StepStatusPending, "pass cancelled")
					continue
				}

				step := graph.Step(id)
				setStatus(id, StepStatusRunning, "")

				if err := r.executor.ApplyStep(ctx, step); err != nil {
					if ctx.Err() != nil {
						// Cancellation is not a step fault; the step
						// re-runs on the next pass.
						setStatus(id, StepStatusPending, "pass cancelled")
						continue
					}
					setStatus(id, StepStatusFailed, err.Error())
					r.log.WithField("step", id).WithError(err).Error("step failed")
					continue
				}

				setStatus(id, StepStatusVerified, "")
				if len(step.Provides) > 0 {
					r.detector.Invalidate(step.Provides...)
				}
				r.log.WithField("step", id).Info("step verified")
			}
		}()
	}
	wg.Wait()
}

// rotate runs the rotation engine against the current targets and facts.
func (r *ReconcileLoop) rotate(ctx context.Context, snapshot *Snapshot, log *telemetry.Logger) int {
	if r.targets == nil || r.rotation == nil {
		return 0
	}

	targets, err := r.targets.ListTargets(ctx)
	if err != nil {
		log.WithError(err).Warn("target listing failed, skipping rotation")
		return 0
	}

	// Rotation may reference capabilities no plan step requires.
	names := make(map[string]bool)
	for _, target := range targets {
		if !target.Eligible() {
			continue
		}
		for _, kind := range target.OptIn {
			capability := DefaultCapabilityForKind[kind]
			if override, ok := target.Capabilities[kind]; ok {
				capability = override
			}
			names[capability] = true
		}
	}
	refresh := make([]string, 0, len(names))
	for name := range names {
		refresh = append(refresh, name)
	}
	r.detector.Refresh(ctx, refresh)

	applies, err := r.rotation.Rotate(ctx, targets, r.detector.Facts(), snapshot.Bindings)
	if err != nil {
		log.WithError(err).Error("rotation finished with failures")
	}
	return applies
}

// persistFacts writes the current fact cache through the state store.
func (r *ReconcileLoop) persistFacts(ctx context.Context, facts FactSet) {
	for _, name := range facts.Names() {
		if err := r.store.UpsertFact(ctx, facts[name]); err != nil {
			r.log.WithField("capability", name).WithError(err).Warn("fact save failed")
		}
	}
}

// summarize counts step statuses for the pass report.
func summarize(graph *PlanGraph, statuses map[string]StepStatus) PassSummary {
	summary := PassSummary{Total: graph.Len()}
	for _, id := range graph.StepIDs() {
		switch statuses[id] {
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
