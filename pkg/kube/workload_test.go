package kube

import (
	"testing"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
)

func TestWorkloadReady(t *testing.T) {
	tests := []struct {
		name    string
		kind    engine.GateKind
		data    string
		want    bool
		wantErr bool
	}{
		{
			name: "deployment all replicas ready",
			kind: engine.GateDeploymentReady,
			data: `{"spec":{"replicas":3},"status":{"replicas":3,"readyReplicas":3}}`,
			want: true,
		},
		{
			name: "deployment partially ready",
			kind: engine.GateDeploymentReady,
			data: `{"spec":{"replicas":3},"status":{"replicas":3,"readyReplicas":1}}`,
			want: false,
		},
		{
			name: "deployment scaled to zero is not ready",
			kind: engine.GateDeploymentReady,
			data: `{"spec":{"replicas":0},"status":{}}`,
			want: false,
		},
		{
			name: "deployment default replicas",
			kind: engine.GateDeploymentReady,
			data: `{"spec":{},"status":{"readyReplicas":1}}`,
			want: true,
		},
		{
			name: "statefulset ready",
			kind: engine.GateStatefulsetReady,
			data: `{"spec":{"replicas":2},"status":{"readyReplicas":2}}`,
			want: true,
		},
		{
			name: "daemonset fully scheduled",
			kind: engine.GateDaemonsetReady,
			data: `{"status":{"desiredNumberScheduled":5,"numberReady":5}}`,
			want: true,
		},
		{
			name: "daemonset missing pods",
			kind: engine.GateDaemonsetReady,
			data: `{"status":{"desiredNumberScheduled":5,"numberReady":3}}`,
			want: false,
		},
		{
			name: "daemonset with no nodes is not ready",
			kind: engine.GateDaemonsetReady,
			data: `{"status":{"desiredNumberScheduled":0,"numberReady":0}}`,
			want: false,
		},
		{
			name: "crd established",
			kind: engine.GateCRDEstablished,
			data: `{"status":{"conditions":[{"type":"NamesAccepted","status":"True"},{"type":"Established","status":"True"}]}}`,
			want: true,
		},
		{
			name: "crd not established",
			kind: engine.GateCRDEstablished,
			data: `{"status":{"conditions":[{"type":"Established","status":"False"}]}}`,
			want: false,
		},
		{
			name:    "malformed object",
			kind:    engine.GateDeploymentReady,
			data:    `{"status":`,
			wantErr: true,
		},
		{
			name:    "unsupported kind",
			kind:    engine.GateKind("pod-ready"),
			data:    `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := workloadReady(tt.kind, []byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected ready=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestWorkloadPath(t *testing.T) {
	tests := []struct {
		gate engine.GateSpec
		want string
	}{
		{
			gate: engine.GateSpec{Kind: engine.GateDeploymentReady, Namespace: "kube-system", Name: "coredns"},
			want: "/apis/apps/v1/namespaces/kube-system/deployments/coredns",
		},
		{
			gate: engine.GateSpec{Kind: engine.GateDaemonsetReady, Namespace: "kube-system", Name: "cni"},
			want: "/apis/apps/v1/namespaces/kube-system/daemonsets/cni",
		},
		{
			gate: engine.GateSpec{Kind: engine.GateStatefulsetReady, Namespace: "db", Name: "postgres"},
			want: "/apis/apps/v1/namespaces/db/statefulsets/postgres",
		},
		{
			gate: engine.GateSpec{Kind: engine.GateCRDEstablished, Name: "certificates.cert-manager.io"},
			want: "/apis/apiextensions.k8s.io/v1/customresourcedefinitions/certificates.cert-manager.io",
		},
	}

	for _, tt := range tests {
		got, err := workloadPath(tt.gate)
		if err != nil {
			t.Errorf("unexpected error for %s: %v", tt.gate.Key(), err)
			continue
		}
		if got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}

	if _, err := workloadPath(engine.GateSpec{Kind: "pod-ready", Name: "x"}); err == nil {
		t.Error("expected error for unsupported kind")
	}
}
