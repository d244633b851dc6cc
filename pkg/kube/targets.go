package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
	"github.com/bootstrappo/bootstrappo/pkg/telemetry"
)

// Annotation and label keys rotation targets carry on their workloads.
const (
	// LabelManagedBy marks a workload as managed by bootstrappo.
	LabelManagedBy = "app.kubernetes.io/managed-by"

	// ManagedByValue is the LabelManagedBy value that puts a workload in scope.
	ManagedByValue = "bootstrappo"

	// AnnotationExposeEnabled opts a workload into rotation.
	AnnotationExposeEnabled = "bootstrappo.io/expose.enabled"

	// AnnotationBindingKinds lists opted-in binding kinds, comma separated.
	AnnotationBindingKinds = "bootstrappo.io/expose.bindings"

	// AnnotationDriver names the driver that owns the workload.
	AnnotationDriver = "bootstrappo.io/driver"

	// AnnotationCapabilityPrefix overrides the capability for one binding
	// kind, e.g. bootstrappo.io/capability.ingress: internal-ingress.
	AnnotationCapabilityPrefix = "bootstrappo.io/capability."

	// AnnotationBindingPrefix holds the applied binding value per kind,
	// written by the kubectl driver during rotation.
	AnnotationBindingPrefix = "bootstrappo.io/binding."
)

// DefaultTargetDriver is assumed when a workload carries no driver annotation.
const DefaultTargetDriver = "kubectl"

// workloadList is the slice of a kubectl list response target discovery uses.
type workloadList struct {
	Items []struct {
		Metadata struct {
			Name        string            `json:"name"`
			Namespace   string            `json:"namespace"`
			Labels      map[string]string `json:"labels"`
			Annotations map[string]string `json:"annotations"`
		} `json:"metadata"`
	} `json:"items"`
}

// KubectlTargetSource discovers rotation targets by listing deployments
// across namespaces through kubectl. The safety flags are read from labels
// and annotations; the rotation engine filters on them again.
type KubectlTargetSource struct {
	verifier *KubectlVerifier
	log      *telemetry.Logger
}

// NewKubectlTargetSource creates a target source sharing the verifier's
// kubectl configuration.
func NewKubectlTargetSource(cfg KubectlConfig) *KubectlTargetSource {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	return &KubectlTargetSource{
		verifier: NewKubectlVerifier(cfg),
		log:      cfg.Logger.NewComponentLogger("kube-targets"),
	}
}

// ListTargets implements engine.TargetSource.
func (s *KubectlTargetSource) ListTargets(ctx context.Context) ([]engine.RotationTarget, error) {
	stdout, stderr, err := s.verifier.run(ctx, []string{
		"get", "deployments",
		"--all-namespaces",
		"-l", LabelManagedBy + "=" + ManagedByValue,
		"-o", "json",
	})
	if err != nil {
		return nil, fmt.Errorf("list targets: %w: %s", err, firstLine(stderr))
	}
	return parseTargets(stdout)
}

// parseTargets converts a kubectl deployment list into rotation targets.
func parseTargets(data []byte) ([]engine.RotationTarget, error) {
	var list workloadList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode target list: %w", err)
	}

	targets := make([]engine.RotationTarget, 0, len(list.Items))
	for _, item := range list.Items {
		meta := item.Metadata

		driver := meta.Annotations[AnnotationDriver]
		if driver == "" {
			driver = DefaultTargetDriver
		}

		target := engine.RotationTarget{
			Name:          meta.Name,
			Namespace:     meta.Namespace,
			Kind:          "deployment",
			Driver:        driver,
			Managed:       meta.Labels[LabelManagedBy] == ManagedByValue,
			ExposeEnabled: meta.Annotations[AnnotationExposeEnabled] == "true",
			OptIn:         parseBindingKinds(meta.Annotations[AnnotationBindingKinds]),
		}

		for key, value := range meta.Annotations {
			if !strings.HasPrefix(key, AnnotationCapabilityPrefix) {
				continue
			}
			kind := engine.BindingKind(strings.TrimPrefix(key, AnnotationCapabilityPrefix))
			if kind.Validate() != nil {
				continue
			}
			if target.Capabilities == nil {
				target.Capabilities = make(map[engine.BindingKind]string)
			}
			target.Capabilities[kind] = value
		}

		targets = append(targets, target)
	}
	return targets, nil
}

// parseBindingKinds splits the opt-in annotation into known binding kinds.
// Unknown kinds are dropped rather than failing the whole listing.
func parseBindingKinds(raw string) []engine.BindingKind {
	if raw == "" {
		return nil
	}
	var kinds []engine.BindingKind
	for _, part := range strings.Split(raw, ",") {
		kind := engine.BindingKind(strings.TrimSpace(part))
		if kind.Validate() == nil {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
