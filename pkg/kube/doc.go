// Package kube provides the cluster-facing collaborators: an HTTP client
// for cluster API reads, a kubectl-based subprocess verifier and target
// source, and a kubectl driver for applying manifests and rotating binding
// annotations. The convergence core consumes these through the engine
// package's interfaces and never talks to the cluster directly.
package kube
