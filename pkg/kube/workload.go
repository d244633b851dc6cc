package kube

import (
	"encoding/json"
	"fmt"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
)

// workloadStatus is the slice of a workload object both detection sources
// care about. Everything else in the API response is ignored.
type workloadStatus struct {
	Spec struct {
		Replicas *int `json:"replicas"`
	} `json:"spec"`
	Status struct {
		Replicas               int `json:"replicas"`
		ReadyReplicas          int `json:"readyReplicas"`
		DesiredNumberScheduled int `json:"desiredNumberScheduled"`
		NumberReady            int `json:"numberReady"`
		Conditions             []struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"conditions"`
	} `json:"status"`
}

// workloadReady decides readiness for one gate kind from a raw API object.
func workloadReady(kind engine.GateKind, data []byte) (bool, error) {
	var obj workloadStatus
	if err := json.Unmarshal(data, &obj); err != nil {
		return false, fmt.Errorf("decode workload object: %w", err)
	}

	switch kind {
	case engine.GateDeploymentReady, engine.GateStatefulsetReady:
		want := 1
		if obj.Spec.Replicas != nil {
			want = *obj.Spec.Replicas
		}
		return want > 0 && obj.Status.ReadyReplicas >= want, nil

	case engine.GateDaemonsetReady:
		return obj.Status.DesiredNumberScheduled > 0 &&
			obj.Status.NumberReady >= obj.Status.DesiredNumberScheduled, nil

	case engine.GateCRDEstablished:
		for _, cond := range obj.Status.Conditions {
			if cond.Type == "Established" && cond.Status == "True" {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("unsupported gate kind: %s", kind)
	}
}

// workloadPath returns the API path for a gate's workload object.
func workloadPath(gate engine.GateSpec) (string, error) {
	switch gate.Kind {
	case engine.GateDeploymentReady:
		return fmt.Sprintf("/apis/apps/v1/namespaces/%s/deployments/%s", gate.Namespace, gate.Name), nil
	case engine.GateDaemonsetReady:
		return fmt.Sprintf("/apis/apps/v1/namespaces/%s/daemonsets/%s", gate.Namespace, gate.Name), nil
	case engine.GateStatefulsetReady:
		return fmt.Sprintf("/apis/apps/v1/namespaces/%s/statefulsets/%s", gate.Namespace, gate.Name), nil
	case engine.GateCRDEstablished:
		return fmt.Sprintf("/apis/apiextensions.k8s.io/v1/customresourcedefinitions/%s", gate.Name), nil
	default:
		return "", fmt.Errorf("unsupported gate kind: %s", gate.Kind)
	}
}

// kubectlResource returns the kubectl resource type for a gate kind.
func kubectlResource(kind engine.GateKind) (string, error) {
	switch kind {
	case engine.GateDeploymentReady:
		return "deployment", nil
	case engine.GateDaemonsetReady:
		return "daemonset", nil
	case engine.GateStatefulsetReady:
		return "statefulset", nil
	case engine.GateCRDEstablished:
		return "customresourcedefinition", nil
	default:
		return "", fmt.Errorf("unsupported gate kind: %s", kind)
	}
}
