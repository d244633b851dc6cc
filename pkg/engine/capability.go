package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bootstrappo/bootstrappo/pkg/telemetry"
)

const (
	// DefaultFactTTL is how long a detected fact stays fresh before the
	// detector re-consults its sources.
	DefaultFactTTL = 30 * time.Second

	// DefaultDetectionTimeout bounds a single source consultation. A source
	// that exceeds it is treated as inconclusive, never as available.
	DefaultDetectionTimeout = 10 * time.Second
)

// DetectorOptions configures a CapabilityDetector.
type DetectorOptions struct {
	// TTL is the fact freshness window. Zero means DefaultFactTTL.
	TTL time.Duration

	// Timeout bounds each source consultation. Zero means DefaultDetectionTimeout.
	Timeout time.Duration

	// Logger receives detection diagnostics. Nil means a no-op logger.
	Logger *telemetry.Logger

	// Metrics receives detection counters. Nil disables them.
	Metrics *telemetry.Metrics
}

// CapabilityDetector produces capability facts from two sources: a primary
// in-process API read and a subprocess verifier used as tie-breaker. Facts
// are cached with a TTL; detection is fail-closed, so a timeout or an
// inconclusive pair of readings yields an unknown fact, never an available
// one.
type CapabilityDetector struct {
	api      APIReader
	verifier SubprocessVerifier

	ttl     time.Duration
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]CapabilityFact

	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewCapabilityDetector creates a detector over the given sources.
func NewCapabilityDetector(api APIReader, verifier SubprocessVerifier, opts DetectorOptions) *CapabilityDetector {
	if opts.TTL <= 0 {
		opts.TTL = DefaultFactTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDetectionTimeout
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}

	return &CapabilityDetector{
		api:      api,
		verifier: verifier,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		cache:    make(map[string]CapabilityFact),
		log:      opts.Logger.NewComponentLogger("detector"),
		metrics:  opts.Metrics,
	}
}

// Seed primes the fact cache from persisted facts. Seeded facts respect the
// TTL, so stale persisted facts are re-detected on first use.
func (d *CapabilityDetector) Seed(facts []CapabilityFact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fact := range facts {
		d.cache[fact.Name] = fact
	}
}

// Facts returns a copy of the current fact cache.
func (d *CapabilityDetector) Facts() FactSet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	facts := make(FactSet, len(d.cache))
	for name, fact := range d.cache {
		facts[name] = fact
	}
	return facts
}

// Invalidate drops cached facts for the named capabilities so the next
// detection re-consults the sources. Used when a verified step publishes a
// capability: publication is a hint, the detector stays the authority.
func (d *CapabilityDetector) Invalidate(names ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range names {
		delete(d.cache, name)
	}
}

// Detect returns the fact for one capability, consulting the sources when
// the cached fact is missing or stale.
func (d *CapabilityDetector) Detect(ctx context.Context, name string) CapabilityFact {
	d.mu.RLock()
	fact, cached := d.cache[name]
	d.mu.RUnlock()

	if cached && time.Since(fact.DetectedAt) < d.ttl {
		return fact
	}

	fact = d.detect(ctx, name)

	d.mu.Lock()
	d.cache[name] = fact
	d.mu.Unlock()

	return fact
}

// Refresh detects every named capability and returns the resulting fact set.
// Stale cache entries are re-detected; fresh ones are reused.
func (d *CapabilityDetector) Refresh(ctx context.Context, names []string) FactSet {
	facts := make(FactSet, len(names))
	for _, name := range names {
		facts[name] = d.Detect(ctx, name)
	}
	return facts
}

// detect consults both sources and reconciles their readings into one fact.
func (d *CapabilityDetector) detect(ctx context.Context, name string) CapabilityFact {
	start := time.Now()

	apiReading, apiErr := d.readAPI(ctx, name)
	subReading, subErr := d.verify(ctx, name)

	fact := d.reconcileReadings(name, apiReading, apiErr, subReading, subErr)

	if d.metrics != nil {
		outcome := "unknown"
		if fact.Known {
			outcome = "unavailable"
			if fact.Available {
				outcome = "available"
			}
		}
		d.metrics.RecordDetection(string(fact.Source), outcome, time.Since(start))
	}

	return fact
}

// readAPI consults the primary API source under the detection timeout.
func (d *CapabilityDetector) readAPI(ctx context.Context, name string) (Reading, error) {
	if d.api == nil {
		return Reading{}, errors.New("no api reader configured")
	}
	readCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.api.ReadCapability(readCtx, name)
}

// verify consults the subprocess verifier under the detection timeout.
func (d *CapabilityDetector) verify(ctx context.Context, name string) (Reading, error) {
	if d.verifier == nil {
		return Reading{}, errors.New("no subprocess verifier configured")
	}
	verifyCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.verifier.VerifyCapability(verifyCtx, name)
}

// reconcileReadings merges the two source readings under the precedence
// rules: a conclusive subprocess reading overrides the API reading, a
// conclusive API reading is used otherwise, and when neither source is
// conclusive the fact is unknown. Source divergence is logged, never
// silently resolved.
func (d *CapabilityDetector) reconcileReadings(
	name string,
	apiReading Reading, apiErr error,
	subReading Reading, subErr error,
) CapabilityFact {
	apiConclusive := apiErr == nil && apiReading.Conclusive
	subConclusive := subErr == nil && subReading.Conclusive

	now := time.Now()

	switch {
	case subConclusive:
		if apiConclusive && apiReading.Available != subReading.Available {
			d.log.WithField("capability", name).
				Warnf("detection sources diverge: api=%t subprocess=%t, trusting subprocess",
					apiReading.Available, subReading.Available)
			if d.metrics != nil {
				d.metrics.RecordDetectionDivergence(name)
			}
		}
		return CapabilityFact{
			Name:       name,
			Available:  subReading.Available,
			Known:      true,
			Source:     SourceSubprocessVerify,
			DetectedAt: now,
			Detail:     subReading.Detail,
		}

	case apiConclusive:
		return CapabilityFact{
			Name:       name,
			Available:  apiReading.Available,
			Known:      true,
			Source:     SourceAPIRead,
			DetectedAt: now,
			Detail:     apiReading.Detail,
		}

	default:
		detail := "all sources inconclusive"
		if apiErr != nil {
			detail = "api: " + apiErr.Error()
		}
		if subErr != nil {
			if apiErr != nil {
				detail += "; subprocess: " + subErr.Error()
			} else {
				detail = "subprocess: " + subErr.Error()
			}
		}
		d.log.WithField("capability", name).
			Warnf("detection inconclusive, treating capability as unknown: %s", detail)
		return CapabilityFact{
			Name:       name,
			Available:  false,
			Known:      false,
			Source:     SourceAPIRead,
			DetectedAt: now,
			Detail:     detail,
		}
	}
}

// SnapshotWorkloads collects one readiness reading per gate from the API
// source. Gates whose reading errors, times out, or is inconclusive are
// left out of the snapshot, which keeps them closed.
func (d *CapabilityDetector) SnapshotWorkloads(ctx context.Context, gates []GateSpec) WorkloadSnapshot {
	snapshot := make(WorkloadSnapshot, len(gates))
	if d.api == nil {
		return snapshot
	}

	for _, gate := range gates {
		readCtx, cancel := context.WithTimeout(ctx, d.timeout)
		reading, err := d.api.ReadWorkload(readCtx, gate)
		cancel()

		if err != nil || !reading.Conclusive {
			d.log.WithField("gate", gate.Key()).
				Debugf("workload reading inconclusive, gate stays closed")
			continue
		}
		snapshot[gate.Key()] = reading.Available
	}

	return snapshot
}
