package kube

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
	"github.com/bootstrappo/bootstrappo/pkg/telemetry"
)

// DriverConfig configures the kubectl driver.
type DriverConfig struct {
	// Kubectl is the shared kubectl invocation configuration.
	Kubectl KubectlConfig

	// ManifestDir holds one manifest file per step, named <step-id>.yaml.
	ManifestDir string

	// Logger receives driver diagnostics. Nil means a no-op logger.
	Logger *telemetry.Logger
}

// KubectlDriver deploys plan steps by applying manifest files and rotates
// bindings by annotating target workloads. It is the reference driver; other
// drivers plug into the same registry.
type KubectlDriver struct {
	kubectl     *KubectlVerifier
	manifestDir string
	log         *telemetry.Logger
}

// NewKubectlDriver creates a kubectl-backed driver.
func NewKubectlDriver(cfg DriverConfig) *KubectlDriver {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	return &KubectlDriver{
		kubectl:     NewKubectlVerifier(cfg.Kubectl),
		manifestDir: cfg.ManifestDir,
		log:         cfg.Logger.NewComponentLogger("kubectl-driver"),
	}
}

// Apply implements engine.Driver. Plan steps (nil bindings) apply their
// manifest file; rotation targets (non-nil bindings) get their binding
// annotations patched.
func (d *KubectlDriver) Apply(ctx context.Context, unit engine.UnitRef, bindings engine.BindingSet) (*engine.Result, error) {
	if bindings != nil {
		return d.applyBindings(ctx, unit, bindings)
	}

	start := time.Now()
	stdout, stderr, err := d.kubectl.run(ctx, []string{
		"apply", "-f", d.manifestPath(unit.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("kubectl apply %s: %w: %s", unit.ID, err, firstLine(stderr))
	}

	return &engine.Result{
		OK:          true,
		Detail:      strings.TrimSpace(string(stdout)),
		StartedAt:   start,
		CompletedAt: time.Now(),
	}, nil
}

// applyBindings patches one annotation per binding kind on the target.
// An empty value removes the annotation (kubectl's trailing-dash form).
func (d *KubectlDriver) applyBindings(ctx context.Context, unit engine.UnitRef, bindings engine.BindingSet) (*engine.Result, error) {
	start := time.Now()

	args := bindingAnnotateArgs(unit, bindings)
	_, stderr, err := d.kubectl.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("kubectl annotate %s: %w: %s", unit.ID, err, firstLine(stderr))
	}

	return &engine.Result{
		OK:          true,
		Detail:      fmt.Sprintf("annotated %d binding(s)", len(bindings)),
		StartedAt:   start,
		CompletedAt: time.Now(),
	}, nil
}

// Verify implements engine.Driver: the applied objects must still exist.
// Gate predicates cover readiness; verify covers presence.
func (d *KubectlDriver) Verify(ctx context.Context, unit engine.UnitRef) (*engine.Result, error) {
	start := time.Now()
	stdout, stderr, err := d.kubectl.run(ctx, []string{
		"get", "-f", d.manifestPath(unit.ID), "-o", "name",
	})
	if err != nil {
		if isNotFound(stderr) {
			return &engine.Result{
				OK:          false,
				Detail:      firstLine(stderr),
				StartedAt:   start,
				CompletedAt: time.Now(),
			}, nil
		}
		return nil, fmt.Errorf("kubectl get %s: %w: %s", unit.ID, err, firstLine(stderr))
	}

	return &engine.Result{
		OK:          true,
		Detail:      strings.TrimSpace(string(stdout)),
		StartedAt:   start,
		CompletedAt: time.Now(),
	}, nil
}

// DryRun implements engine.Driver via a server-side dry-run apply.
func (d *KubectlDriver) DryRun(ctx context.Context, unit engine.UnitRef) (*engine.Preview, error) {
	stdout, stderr, err := d.kubectl.run(ctx, []string{
		"apply", "-f", d.manifestPath(unit.ID), "--dry-run=server",
	})
	if err != nil {
		return nil, fmt.Errorf("kubectl dry-run %s: %w: %s", unit.ID, err, firstLine(stderr))
	}

	var changes []string
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		if line != "" {
			changes = append(changes, line)
		}
	}
	return &engine.Preview{Changes: changes}, nil
}

// manifestPath maps a step ID to its manifest file.
func (d *KubectlDriver) manifestPath(id string) string {
	return filepath.Join(d.manifestDir, id+".yaml")
}

// bindingAnnotateArgs builds the kubectl annotate invocation for a binding
// delta, with kinds sorted for deterministic command lines.
func bindingAnnotateArgs(unit engine.UnitRef, bindings engine.BindingSet) []string {
	// Rotation unit IDs are target keys: namespace/name.
	name := unit.ID
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	args := []string{"annotate", unit.Kind, name, "--overwrite"}
	if unit.Namespace != "" {
		args = append(args, "-n", unit.Namespace)
	}

	kinds := make([]string, 0, len(bindings))
	for kind := range bindings {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		binding := bindings[engine.BindingKind(kind)]
		key := AnnotationBindingPrefix + kind
		if binding.Value == "" {
			args = append(args, key+"-")
		} else {
			args = append(args, fmt.Sprintf("%s=%s", key, binding.Value))
		}
	}
	return args
}
