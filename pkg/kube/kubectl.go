package kube

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
	"github.com/bootstrappo/bootstrappo/pkg/telemetry"
)

// KubectlConfig configures the kubectl-based collaborators.
type KubectlConfig struct {
	// Path is the kubectl binary. Empty means "kubectl" on PATH.
	Path string

	// Context is the kubeconfig context. Empty uses the current context.
	Context string

	// Probes maps capability names to the workload whose readiness stands
	// for the capability being present.
	Probes map[string]engine.GateSpec

	// Logger receives invocation diagnostics. Nil means a no-op logger.
	Logger *telemetry.Logger
}

// KubectlVerifier is the detection tie-breaker: it shells out to kubectl and
// inspects the same workload objects the API client reads. A clean exit or a
// clean not-found is conclusive; anything else (missing binary, kubeconfig
// trouble, cluster unreachable) is inconclusive.
type KubectlVerifier struct {
	path    string
	context string
	probes  map[string]engine.GateSpec
	log     *telemetry.Logger
}

// NewKubectlVerifier creates a kubectl-backed subprocess verifier.
func NewKubectlVerifier(cfg KubectlConfig) *KubectlVerifier {
	if cfg.Path == "" {
		cfg.Path = "kubectl"
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	return &KubectlVerifier{
		path:    cfg.Path,
		context: cfg.Context,
		probes:  cfg.Probes,
		log:     cfg.Logger.NewComponentLogger("kubectl"),
	}
}

// VerifyCapability implements engine.SubprocessVerifier.
func (v *KubectlVerifier) VerifyCapability(ctx context.Context, name string) (engine.Reading, error) {
	probe, ok := v.probes[name]
	if !ok {
		return engine.Reading{
			Conclusive: false,
			Detail:     fmt.Sprintf("no kubectl probe registered for capability %s", name),
		}, nil
	}

	resource, err := kubectlResource(probe.Kind)
	if err != nil {
		return engine.Reading{}, err
	}

	args := []string{"get", resource, probe.Name, "-o", "json"}
	if probe.Namespace != "" {
		args = append(args, "-n", probe.Namespace)
	}

	stdout, stderr, err := v.run(ctx, args)
	if err != nil {
		if isNotFound(stderr) {
			return engine.Reading{
				Available:  false,
				Conclusive: true,
				Detail:     fmt.Sprintf("%s not found", probe.Key()),
			}, nil
		}
		v.log.WithField("capability", name).
			Warnf("kubectl verify inconclusive: %v: %s", err, firstLine(stderr))
		return engine.Reading{
			Conclusive: false,
			Detail:     fmt.Sprintf("kubectl failed: %s", firstLine(stderr)),
		}, nil
	}

	ready, err := workloadReady(probe.Kind, stdout)
	if err != nil {
		return engine.Reading{}, err
	}
	return engine.Reading{
		Available:  ready,
		Conclusive: true,
		Detail:     fmt.Sprintf("%s ready=%t", probe.Key(), ready),
	}, nil
}

// run executes kubectl with the configured context and captures both streams.
func (v *KubectlVerifier) run(ctx context.Context, args []string) (stdout, stderr []byte, err error) {
	if v.context != "" {
		args = append([]string{"--context", v.context}, args...)
	}

	cmd := exec.CommandContext(ctx, v.path, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// isNotFound recognizes kubectl's not-found error output.
func isNotFound(stderr []byte) bool {
	return bytes.Contains(stderr, []byte("NotFound")) ||
		bytes.Contains(stderr, []byte("not found"))
}

// firstLine trims output to its first line for log and detail fields.
func firstLine(out []byte) string {
	line := strings.TrimSpace(string(out))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return line
}
