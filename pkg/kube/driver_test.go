package kube

import (
	"strings"
	"testing"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
)

func TestBindingAnnotateArgs(t *testing.T) {
	unit := engine.UnitRef{ID: "apps/web", Kind: "deployment", Namespace: "apps"}
	bindings := engine.BindingSet{
		engine.BindingTLS: {
			Kind:       engine.BindingTLS,
			Capability: "tls-issuer",
			Value:      "tls://tls-issuer/apps/web",
		},
		engine.BindingIngress: {
			Kind:       engine.BindingIngress,
			Capability: "ingress-controller",
			Value:      "",
		},
	}

	args := bindingAnnotateArgs(unit, bindings)
	joined := strings.Join(args, " ")

	if !strings.HasPrefix(joined, "annotate deployment web --overwrite -n apps") {
		t.Errorf("unexpected command prefix: %s", joined)
	}
	// Unbinds use kubectl's trailing-dash removal form.
	if !strings.Contains(joined, "bootstrappo.io/binding.ingress-") {
		t.Errorf("expected ingress annotation removal, got %s", joined)
	}
	if !strings.Contains(joined, "bootstrappo.io/binding.tls=tls://tls-issuer/apps/web") {
		t.Errorf("expected tls annotation set, got %s", joined)
	}
	// Kinds are sorted: ingress before tls.
	if strings.Index(joined, "binding.ingress") > strings.Index(joined, "binding.tls") {
		t.Errorf("expected deterministic kind order, got %s", joined)
	}
}

func TestBindingAnnotateArgsClusterScoped(t *testing.T) {
	unit := engine.UnitRef{ID: "gateway", Kind: "deployment"}
	args := bindingAnnotateArgs(unit, engine.BindingSet{
		engine.BindingLB: {Kind: engine.BindingLB, Capability: "load-balancer", Value: "v"},
	})

	joined := strings.Join(args, " ")
	if strings.Contains(joined, "-n ") {
		t.Errorf("expected no namespace flag, got %s", joined)
	}
	if !strings.HasPrefix(joined, "annotate deployment gateway") {
		t.Errorf("unexpected command: %s", joined)
	}
}

func TestManifestPath(t *testing.T) {
	driver := NewKubectlDriver(DriverConfig{ManifestDir: "/etc/bootstrappo/manifests"})
	if got := driver.manifestPath("cni"); got != "/etc/bootstrappo/manifests/cni.yaml" {
		t.Errorf("unexpected manifest path: %s", got)
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		stderr string
		want   bool
	}{
		{`Error from server (NotFound): deployments.apps "x" not found`, true},
		{`error: the server doesn't have a resource type "foo"`, false},
		{`Unable to connect to the server: dial tcp: lookup cluster: no such host`, false},
		{``, false},
	}

	for _, tt := range tests {
		if got := isNotFound([]byte(tt.stderr)); got != tt.want {
			t.Errorf("isNotFound(%q) = %v, expected %v", tt.stderr, got, tt.want)
		}
	}
}
