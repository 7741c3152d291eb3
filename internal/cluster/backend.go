// Package cluster manages per-identifier workspace pods on a Kubernetes
// cluster: one namespace holding a persistent volume, a three-container
// deployment (workspace, terminal, file browser) and a NodePort service.
package cluster

import (
	"context"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Backend is the structured interface to the cluster control plane.
//
// Get methods wrap types.ErrNotFound for missing objects. Ensure methods
// create an object when it is absent and leave an existing one alone.
// Delete methods treat a missing object as success.
type Backend interface {
	Name() string

	GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error)
	EnsureNamespace(ctx context.Context, ns *corev1.Namespace) error
	DeleteNamespace(ctx context.Context, name string) error

	EnsurePersistentVolume(ctx context.Context, pv *corev1.PersistentVolume) error
	DeletePersistentVolume(ctx context.Context, name string) error
	EnsurePersistentVolumeClaim(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error
	DeletePersistentVolumeClaim(ctx context.Context, namespace, name string) error

	GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error)
	EnsureDeployment(ctx context.Context, d *appsv1.Deployment) error
	// PatchDeployment applies a strategic merge patch.
	PatchDeployment(ctx context.Context, namespace, name string, patch []byte) error
	DeleteDeployment(ctx context.Context, namespace, name string) error

	GetService(ctx context.Context, namespace, name string) (*corev1.Service, error)
	// EnsureService wraps types.ErrPortAllocated when a requested node
	// port is taken.
	EnsureService(ctx context.Context, svc *corev1.Service) error
	PatchService(ctx context.Context, namespace, name string, patch []byte) error
	DeleteService(ctx context.Context, namespace, name string) error

	ListPods(ctx context.Context, namespace, selector string) ([]corev1.Pod, error)
	DeletePod(ctx context.Context, namespace, name string) error
	ListEvents(ctx context.Context, namespace string) ([]corev1.Event, error)

	// NodeIP returns an address at which node ports are reachable.
	NodeIP(ctx context.Context) (string, error)

	// Exec runs command in a container and returns its batched output.
	Exec(ctx context.Context, namespace, pod, container string, command []string) (*types.ExecResult, error)
}

// isPortAllocated matches the API server's node port collision message.
func isPortAllocated(msg string) bool {
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "provided port is already allocated")
}

// nodeAddress picks the internal address of the first node that has one,
// falling back to an external address.
func nodeAddress(nodes []corev1.Node) string {
	var external string
	for _, n := range nodes {
		for _, a := range n.Status.Addresses {
			switch a.Type {
			case corev1.NodeInternalIP:
				return a.Address
			case corev1.NodeExternalIP:
				if external == "" {
					external = a.Address
				}
			}
		}
	}
	return external
}
