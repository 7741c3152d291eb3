package cluster

import (
	"context"
	"errors"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/execstream"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// KubeBackend talks to the API server through client-go.
type KubeBackend struct {
	client kubernetes.Interface
	config *rest.Config
}

// NewKubeBackend wraps an existing clientset. restConfig may be nil, in
// which case Exec is unavailable.
func NewKubeBackend(client kubernetes.Interface, restConfig *rest.Config) *KubeBackend {
	return &KubeBackend{client: client, config: restConfig}
}

// RestConfig builds a client configuration from a kubeconfig path, or from
// an API host and bearer token when no kubeconfig is given. An empty path
// and host fall back to the in-cluster configuration.
func RestConfig(kubeconfig, apiHost, token string, insecure bool) (*rest.Config, error) {
	var (
		cfg *rest.Config
		err error
	)
	switch {
	case kubeconfig != "":
		cfg, err = clientcmd.BuildConfigFromFlags(apiHost, kubeconfig)
	case apiHost != "":
		cfg = &rest.Config{Host: apiHost}
	default:
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("build cluster config: %w", err)
	}
	if token != "" {
		cfg.BearerToken = token
	}
	if insecure {
		cfg.TLSClientConfig.Insecure = true
		cfg.TLSClientConfig.CAData = nil
		cfg.TLSClientConfig.CAFile = ""
	}
	return cfg, nil
}

// NewKubeBackendForConfig creates a clientset from cfg.
func NewKubeBackendForConfig(cfg *rest.Config) (*KubeBackend, error) {
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}
	return NewKubeBackend(client, cfg), nil
}

// Name implements Backend.
func (b *KubeBackend) Name() string { return "kube" }

// RestConfig returns the client configuration, or nil.
func (b *KubeBackend) RestConfig() *rest.Config { return b.config }

func notFound(kind, namespace, name string, err error) error {
	if apierrors.IsNotFound(err) {
		if namespace == "" {
			return fmt.Errorf("%s %s: %w", kind, name, types.ErrNotFound)
		}
		return fmt.Errorf("%s %s/%s: %w", kind, namespace, name, types.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, name, err)
}

func ignoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func ignoreExists(err error) error {
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (b *KubeBackend) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	ns, err := b.client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, notFound("namespace", "", name, err)
	}
	return ns, nil
}

func (b *KubeBackend) EnsureNamespace(ctx context.Context, ns *corev1.Namespace) error {
	_, err := b.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	return ignoreExists(err)
}

func (b *KubeBackend) DeleteNamespace(ctx context.Context, name string) error {
	return ignoreNotFound(b.client.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{}))
}

func (b *KubeBackend) EnsurePersistentVolume(ctx context.Context, pv *corev1.PersistentVolume) error {
	_, err := b.client.CoreV1().PersistentVolumes().Create(ctx, pv, metav1.CreateOptions{})
	return ignoreExists(err)
}

func (b *KubeBackend) DeletePersistentVolume(ctx context.Context, name string) error {
	return ignoreNotFound(b.client.CoreV1().PersistentVolumes().Delete(ctx, name, metav1.DeleteOptions{}))
}

func (b *KubeBackend) EnsurePersistentVolumeClaim(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error {
	_, err := b.client.CoreV1().PersistentVolumeClaims(pvc.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
	return ignoreExists(err)
}

func (b *KubeBackend) DeletePersistentVolumeClaim(ctx context.Context, namespace, name string) error {
	return ignoreNotFound(b.client.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, metav1.DeleteOptions{}))
}

func (b *KubeBackend) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	d, err := b.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, notFound("deployment", namespace, name, err)
	}
	return d, nil
}

func (b *KubeBackend) EnsureDeployment(ctx context.Context, d *appsv1.Deployment) error {
	_, err := b.client.AppsV1().Deployments(d.Namespace).Create(ctx, d, metav1.CreateOptions{})
	return ignoreExists(err)
}

func (b *KubeBackend) PatchDeployment(ctx context.Context, namespace, name string, patch []byte) error {
	_, err := b.client.AppsV1().Deployments(namespace).Patch(ctx, name, k8stypes.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return notFound("deployment", namespace, name, err)
	}
	return err
}

func (b *KubeBackend) DeleteDeployment(ctx context.Context, namespace, name string) error {
	return ignoreNotFound(b.client.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{}))
}

func (b *KubeBackend) GetService(ctx context.Context, namespace, name string) (*corev1.Service, error) {
	svc, err := b.client.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, notFound("service", namespace, name, err)
	}
	return svc, nil
}

func (b *KubeBackend) EnsureService(ctx context.Context, svc *corev1.Service) error {
	_, err := b.client.CoreV1().Services(svc.Namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && isPortAllocated(err.Error()) {
		return fmt.Errorf("create service %s/%s: %w: %v", svc.Namespace, svc.Name, types.ErrPortAllocated, err)
	}
	return ignoreExists(err)
}

func (b *KubeBackend) PatchService(ctx context.Context, namespace, name string, patch []byte) error {
	_, err := b.client.CoreV1().Services(namespace).Patch(ctx, name, k8stypes.StrategicMergePatchType, patch, metav1.PatchOptions{})
	switch {
	case err == nil:
		return nil
	case apierrors.IsNotFound(err):
		return notFound("service", namespace, name, err)
	case isPortAllocated(err.Error()):
		return fmt.Errorf("patch service %s/%s: %w: %v", namespace, name, types.ErrPortAllocated, err)
	}
	return err
}

func (b *KubeBackend) DeleteService(ctx context.Context, namespace, name string) error {
	return ignoreNotFound(b.client.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{}))
}

func (b *KubeBackend) ListPods(ctx context.Context, namespace, selector string) ([]corev1.Pod, error) {
	list, err := b.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list pods in %s: %w", namespace, err)
	}
	return list.Items, nil
}

func (b *KubeBackend) DeletePod(ctx context.Context, namespace, name string) error {
	return ignoreNotFound(b.client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{}))
}

func (b *KubeBackend) ListEvents(ctx context.Context, namespace string) ([]corev1.Event, error) {
	list, err := b.client.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list events in %s: %w", namespace, err)
	}
	return list.Items, nil
}

func (b *KubeBackend) NodeIP(ctx context.Context) (string, error) {
	list, err := b.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list nodes: %w", err)
	}
	if ip := nodeAddress(list.Items); ip != "" {
		return ip, nil
	}
	return "", fmt.Errorf("no node address: %w", types.ErrNotFound)
}

func (b *KubeBackend) Exec(ctx context.Context, namespace, pod, container string, command []string) (*types.ExecResult, error) {
	if b.config == nil {
		return nil, errors.New("exec requires a client configuration")
	}
	d := &execstream.Dialer{Config: b.config}
	s, err := d.Dial(ctx, execstream.Target{
		Namespace: namespace,
		Pod:       pod,
		Container: container,
		Command:   command,
	})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return execstream.Collect(ctx, s)
}

var _ Backend = (*KubeBackend)(nil)
