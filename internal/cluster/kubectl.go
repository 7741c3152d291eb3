package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// KubectlBackend drives the cluster by running kubectl on a control host
// through a remote executor. Objects are exchanged as JSON.
type KubectlBackend struct {
	exec       remote.Executor
	binary     string
	kubeconfig string
}

// NewKubectlBackend creates a backend running binary (default "kubectl")
// with an optional --kubeconfig.
func NewKubectlBackend(exec remote.Executor, binary, kubeconfig string) *KubectlBackend {
	if binary == "" {
		binary = "kubectl"
	}
	return &KubectlBackend{exec: exec, binary: binary, kubeconfig: kubeconfig}
}

// Name implements Backend.
func (b *KubectlBackend) Name() string { return "kubectl" }

func (b *KubectlBackend) command(args ...string) string {
	full := []string{b.binary}
	if b.kubeconfig != "" {
		full = append(full, "--kubeconfig", b.kubeconfig)
	}
	return remote.Command(append(full, args...)...)
}

func (b *KubectlBackend) run(ctx context.Context, args ...string) (*types.ExecResult, error) {
	res, err := remote.RunChecked(ctx, b.exec, b.command(args...))
	if err != nil {
		var cerr *remote.CommandError
		if errors.As(err, &cerr) && isNotFoundOutput(cerr.Result.Stderr) {
			return nil, fmt.Errorf("kubectl %s: %w", strings.Join(args[:min(len(args), 3)], " "), types.ErrNotFound)
		}
		if errors.As(err, &cerr) && isPortAllocated(cerr.Result.Stderr) {
			return nil, fmt.Errorf("kubectl %s: %w: %v", args[0], types.ErrPortAllocated, err)
		}
		return nil, err
	}
	return res, nil
}

func (b *KubectlBackend) getJSON(ctx context.Context, out any, args ...string) error {
	res, err := b.run(ctx, append(args, "-o", "json")...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(res.Stdout), out); err != nil {
		return fmt.Errorf("decode kubectl output: %w", err)
	}
	return nil
}

// apply pipes the object's JSON into kubectl apply.
func (b *KubectlBackend) apply(ctx context.Context, obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode object: %w", err)
	}
	cmd := remote.Pipeline("|",
		remote.Command("printf", "%s", string(data)),
		b.command("apply", "-f", "-"),
	)
	if _, err := remote.RunChecked(ctx, b.exec, cmd); err != nil {
		var cerr *remote.CommandError
		if errors.As(err, &cerr) && isPortAllocated(cerr.Result.Stderr) {
			return fmt.Errorf("kubectl apply: %w: %v", types.ErrPortAllocated, err)
		}
		return err
	}
	return nil
}

func (b *KubectlBackend) delete(ctx context.Context, args ...string) error {
	_, err := b.run(ctx, append([]string{"delete"}, append(args, "--ignore-not-found")...)...)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	return err
}

func isNotFoundOutput(stderr string) bool {
	return strings.Contains(stderr, "NotFound") || strings.Contains(stderr, "not found")
}

func (b *KubectlBackend) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	var ns corev1.Namespace
	if err := b.getJSON(ctx, &ns, "get", "namespace", name); err != nil {
		return nil, err
	}
	return &ns, nil
}

func (b *KubectlBackend) EnsureNamespace(ctx context.Context, ns *corev1.Namespace) error {
	return b.apply(ctx, ns)
}

func (b *KubectlBackend) DeleteNamespace(ctx context.Context, name string) error {
	return b.delete(ctx, "namespace", name, "--wait=false")
}

func (b *KubectlBackend) EnsurePersistentVolume(ctx context.Context, pv *corev1.PersistentVolume) error {
	return b.apply(ctx, pv)
}

func (b *KubectlBackend) DeletePersistentVolume(ctx context.Context, name string) error {
	return b.delete(ctx, "pv", name)
}

func (b *KubectlBackend) EnsurePersistentVolumeClaim(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error {
	return b.apply(ctx, pvc)
}

func (b *KubectlBackend) DeletePersistentVolumeClaim(ctx context.Context, namespace, name string) error {
	return b.delete(ctx, "pvc", name, "-n", namespace)
}

func (b *KubectlBackend) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	var d appsv1.Deployment
	if err := b.getJSON(ctx, &d, "get", "deployment", name, "-n", namespace); err != nil {
		return nil, err
	}
	return &d, nil
}

func (b *KubectlBackend) EnsureDeployment(ctx context.Context, d *appsv1.Deployment) error {
	return b.apply(ctx, d)
}

func (b *KubectlBackend) PatchDeployment(ctx context.Context, namespace, name string, patch []byte) error {
	_, err := b.run(ctx, "patch", "deployment", name, "-n", namespace, "--type", "strategic", "-p", string(patch))
	return err
}

func (b *KubectlBackend) DeleteDeployment(ctx context.Context, namespace, name string) error {
	return b.delete(ctx, "deployment", name, "-n", namespace)
}

func (b *KubectlBackend) GetService(ctx context.Context, namespace, name string) (*corev1.Service, error) {
	var svc corev1.Service
	if err := b.getJSON(ctx, &svc, "get", "service", name, "-n", namespace); err != nil {
		return nil, err
	}
	return &svc, nil
}

func (b *KubectlBackend) EnsureService(ctx context.Context, svc *corev1.Service) error {
	return b.apply(ctx, svc)
}

func (b *KubectlBackend) PatchService(ctx context.Context, namespace, name string, patch []byte) error {
	_, err := b.run(ctx, "patch", "service", name, "-n", namespace, "--type", "strategic", "-p", string(patch))
	return err
}

func (b *KubectlBackend) DeleteService(ctx context.Context, namespace, name string) error {
	return b.delete(ctx, "service", name, "-n", namespace)
}

func (b *KubectlBackend) ListPods(ctx context.Context, namespace, selector string) ([]corev1.Pod, error) {
	args := []string{"get", "pods", "-n", namespace}
	if selector != "" {
		args = append(args, "-l", selector)
	}
	var list corev1.PodList
	if err := b.getJSON(ctx, &list, args...); err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (b *KubectlBackend) DeletePod(ctx context.Context, namespace, name string) error {
	return b.delete(ctx, "pod", name, "-n", namespace, "--wait=false")
}

func (b *KubectlBackend) ListEvents(ctx context.Context, namespace string) ([]corev1.Event, error) {
	var list corev1.EventList
	if err := b.getJSON(ctx, &list, "get", "events", "-n", namespace); err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (b *KubectlBackend) NodeIP(ctx context.Context) (string, error) {
	var list corev1.NodeList
	if err := b.getJSON(ctx, &list, "get", "nodes"); err != nil {
		return "", err
	}
	if ip := nodeAddress(list.Items); ip != "" {
		return ip, nil
	}
	return "", fmt.Errorf("no node address: %w", types.ErrNotFound)
}

// Exec runs the command through kubectl exec; kubectl exits with the
// remote command's status.
func (b *KubectlBackend) Exec(ctx context.Context, namespace, pod, container string, command []string) (*types.ExecResult, error) {
	args := []string{"exec", "-n", namespace, pod}
	if container != "" {
		args = append(args, "-c", container)
	}
	args = append(args, "--")
	args = append(args, command...)
	res, err := b.exec.Run(ctx, b.command(args...))
	if err != nil {
		return nil, types.Transient("kubectl.exec", namespace+"/"+pod, err)
	}
	if res.ExitCode != 0 && isNotFoundOutput(res.Stderr) && strings.Contains(res.Stderr, "pods") {
		return nil, fmt.Errorf("pod %s/%s: %w", namespace, pod, types.ErrNotFound)
	}
	return res, nil
}

// ExecCommand returns the kubectl command line attaching an interactive
// shell to a container.
func (b *KubectlBackend) ExecCommand(namespace, pod, container string, shell ...string) string {
	if len(shell) == 0 {
		shell = []string{"/bin/bash"}
	}
	args := []string{"exec", "-it", "-n", namespace, pod}
	if container != "" {
		args = append(args, "-c", container)
	}
	args = append(args, "--")
	return b.command(append(args, shell...)...)
}

// Version reports the client version string, which also proves kubectl is
// installed on the control host.
func (b *KubectlBackend) Version(ctx context.Context) (string, error) {
	res, err := b.run(ctx, "version", "--client", "-o", "json")
	if err != nil {
		return "", err
	}
	var v struct {
		ClientVersion struct {
			GitVersion string `json:"gitVersion"`
			Major      string `json:"major"`
			Minor      string `json:"minor"`
		} `json:"clientVersion"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &v); err != nil {
		return "", fmt.Errorf("decode kubectl version: %w", err)
	}
	if v.ClientVersion.GitVersion != "" {
		return v.ClientVersion.GitVersion, nil
	}
	return "v" + v.ClientVersion.Major + "." + strings.TrimSuffix(v.ClientVersion.Minor, "+"), nil
}

// replicasPatch is the strategic merge patch scaling a deployment.
func replicasPatch(n int32) []byte {
	return []byte(`{"spec":{"replicas":` + strconv.Itoa(int(n)) + `}}`)
}

var _ Backend = (*KubectlBackend)(nil)
