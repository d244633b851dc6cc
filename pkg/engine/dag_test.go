package engine

import (
	"strings"
	"testing"
)

func TestNewPlanGraphValidation(t *testing.T) {
	tests := []struct {
		name    string
		steps   []Step
		wantErr string
	}{
		{
			name:    "empty ID",
			steps:   []Step{{ID: "", Driver: "helm"}},
			wantErr: "empty ID",
		},
		{
			name: "duplicate ID",
			steps: []Step{
				{ID: "cni", Driver: "helm"},
				{ID: "cni", Driver: "helm"},
			},
			wantErr: "duplicate step ID",
		},
		{
			name: "unknown dependency",
			steps: []Step{
				{ID: "dns", Driver: "helm", DependsOn: []string{"cni"}},
			},
			wantErr: "non-existent step",
		},
		{
			name: "two-step cycle",
			steps: []Step{
				{ID: "a", Driver: "helm", DependsOn: []string{"b"}},
				{ID: "b", Driver: "helm", DependsOn: []string{"a"}},
			},
			wantErr: "circular dependency",
		},
		{
			name: "self cycle",
			steps: []Step{
				{ID: "a", Driver: "helm", DependsOn: []string{"a"}},
			},
			wantErr: "circular dependency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlanGraph(tt.steps)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
			if !IsPermanent(err) {
				t.Errorf("expected permanent error, got %v", err)
			}
		})
	}
}

func TestPlanGraphLevels(t *testing.T) {
	steps := []Step{
		{ID: "cni", Driver: "helm"},
		{ID: "dns", Driver: "helm", DependsOn: []string{"cni"}},
		{ID: "cert-manager", Driver: "helm", DependsOn: []string{"cni"}},
		{ID: "ingress", Driver: "helm", DependsOn: []string{"dns", "cert-manager"}},
	}

	graph, err := NewPlanGraph(steps)
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}

	if graph.Len() != 4 {
		t.Errorf("expected 4 steps, got %d", graph.Len())
	}
	if graph.Depth() != 3 {
		t.Fatalf("expected depth 3, got %d", graph.Depth())
	}

	levels := graph.Levels()
	if len(levels[0]) != 1 || levels[0][0] != "cni" {
		t.Errorf("expected level 0 = [cni], got %v", levels[0])
	}
	// Levels are sorted for determinism.
	if len(levels[1]) != 2 || levels[1][0] != "cert-manager" || levels[1][1] != "dns" {
		t.Errorf("expected level 1 = [cert-manager dns], got %v", levels[1])
	}
	if len(levels[2]) != 1 || levels[2][0] != "ingress" {
		t.Errorf("expected level 2 = [ingress], got %v", levels[2])
	}
}

func TestPlanGraphDependents(t *testing.T) {
	steps := []Step{
		{ID: "cni", Driver: "helm"},
		{ID: "dns", Driver: "helm", DependsOn: []string{"cni"}},
		{ID: "ingress", Driver: "helm", DependsOn: []string{"cni"}},
	}

	graph, err := NewPlanGraph(steps)
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}

	dependents := graph.Dependents("cni")
	if len(dependents) != 2 {
		t.Fatalf("expected 2 dependents of cni, got %v", dependents)
	}
	if len(graph.Dependents("ingress")) != 0 {
		t.Error("expected ingress to have no dependents")
	}
}

func TestPlanGraphCapabilityAndGateUnion(t *testing.T) {
	gate := GateSpec{Kind: GateDeploymentReady, Namespace: "kube-system", Name: "coredns"}
	steps := []Step{
		{ID: "a", Driver: "helm", Requires: []string{"storage-class", "ingress-controller"}},
		{ID: "b", Driver: "helm", Requires: []string{"ingress-controller"}, Gates: []GateSpec{gate}},
		{ID: "c", Driver: "helm", Gates: []GateSpec{gate}},
	}

	graph, err := NewPlanGraph(steps)
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}

	caps := graph.RequiredCapabilities()
	if len(caps) != 2 || caps[0] != "ingress-controller" || caps[1] != "storage-class" {
		t.Errorf("expected sorted capability union, got %v", caps)
	}

	refs := graph.GateRefs()
	if len(refs) != 1 || refs[0].Key() != gate.Key() {
		t.Errorf("expected deduplicated gate refs, got %v", refs)
	}
}

func TestPlanGraphSummary(t *testing.T) {
	steps := []Step{
		{ID: "a", Driver: "helm", Status: StepStatusVerified},
		{ID: "b", Driver: "helm", Status: StepStatusFailed},
		{ID: "c", Driver: "helm", Status: StepStatusSkipped},
		{ID: "d", Driver: "helm"},
	}

	graph, err := NewPlanGraph(steps)
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}

	summary := graph.Summary()
	if summary.Total != 4 || summary.Verified != 1 || summary.Failed != 1 ||
		summary.Skipped != 1 || summary.Pending != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestPlanGraphToDOT(t *testing.T) {
	steps := []Step{
		{ID: "cni", Driver: "helm"},
		{ID: "dns", Driver: "helm", DependsOn: []string{"cni"}},
	}

	graph, err := NewPlanGraph(steps)
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}

	dot := graph.ToDOT()
	for _, want := range []string{"digraph PlanGraph", `"cni" -> "dns"`, "cluster_level_0"} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
