package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote/remotetest"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

func TestKubectlBackend_GetDeploymentNotFound(t *testing.T) {
	exec := remotetest.New()
	exec.On("get deployment", func(string) (*types.ExecResult, error) {
		return &types.ExecResult{
			Stderr:   `Error from server (NotFound): deployments.apps "workspace" not found`,
			ExitCode: 1,
		}, nil
	})
	b := NewKubectlBackend(exec, "", "/etc/kube/config")

	_, err := b.GetDeployment(context.Background(), "ws-p-42", "workspace")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.True(t, exec.Ran("kubectl --kubeconfig /etc/kube/config get deployment workspace -n ws-p-42 -o json"))
}

func TestKubectlBackend_ListPods(t *testing.T) {
	list := corev1.PodList{Items: []corev1.Pod{{
		ObjectMeta: metav1.ObjectMeta{Name: "workspace-abc", Namespace: "ws-p-42", Labels: podLabels()},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}}}
	data, err := json.Marshal(list)
	require.NoError(t, err)

	exec := remotetest.New()
	exec.Reply("get pods", string(data), 0)
	b := NewKubectlBackend(exec, "", "")

	pods, err := b.ListPods(context.Background(), "ws-p-42", podSelector)
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, "workspace-abc", pods[0].Name)
	assert.Equal(t, corev1.PodRunning, pods[0].Status.Phase)
	assert.True(t, exec.Ran("-l app=workspace"))
}

func TestKubectlBackend_ApplyPipesJSON(t *testing.T) {
	exec := remotetest.New()
	var applied string
	exec.On("apply -f -", func(cmd string) (*types.ExecResult, error) {
		applied = cmd
		return &types.ExecResult{Stdout: "service/workspace created"}, nil
	})
	b := NewKubectlBackend(exec, "", "")

	env := newTestEnv(t, nil)
	svc := env.mgr.service("ws-p-42", []*types.PortMapping{{ContainerPort: 7681, HostPort: 30001, Note: noteTerminal}})
	require.NoError(t, b.EnsureService(context.Background(), svc))

	words, err := shellquote.Split(applied)
	require.NoError(t, err)
	require.Len(t, words, 8)
	assert.Equal(t, []string{"printf", "%s"}, words[:2])
	assert.Contains(t, words[2], `"kind":"Service"`)
	assert.Contains(t, words[2], `"nodePort":30001`)
	assert.Equal(t, []string{"|", "kubectl", "apply", "-f", "-"}, words[3:])
}

func TestKubectlBackend_ServicePortCollision(t *testing.T) {
	exec := remotetest.New()
	exec.On("apply -f -", func(string) (*types.ExecResult, error) {
		return &types.ExecResult{
			Stderr:   `The Service "workspace" is invalid: spec.ports[0].nodePort: Invalid value: 30001: provided port is already allocated`,
			ExitCode: 1,
		}, nil
	})
	b := NewKubectlBackend(exec, "", "")

	err := b.EnsureService(context.Background(), &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "workspace", Namespace: "ns"}})
	assert.ErrorIs(t, err, types.ErrPortAllocated)
}

func TestKubectlBackend_DeleteIgnoresMissing(t *testing.T) {
	exec := remotetest.New()
	b := NewKubectlBackend(exec, "", "")

	require.NoError(t, b.DeleteService(context.Background(), "ns", "workspace"))
	assert.True(t, exec.Ran("kubectl delete service workspace -n ns --ignore-not-found"))
}

func TestKubectlBackend_Exec(t *testing.T) {
	exec := remotetest.New()
	exec.On("exec -n ns pod", func(cmd string) (*types.ExecResult, error) {
		return &types.ExecResult{Stdout: "out", ExitCode: 2}, nil
	})
	b := NewKubectlBackend(exec, "", "")

	res, err := b.Exec(context.Background(), "ns", "pod", "workspace", []string{"/bin/sh", "-c", "exit 2"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.True(t, exec.Ran("kubectl exec -n ns pod -c workspace -- /bin/sh -c 'exit 2'"))
}

func TestKubectlBackend_NodeIP(t *testing.T) {
	nodes := corev1.NodeList{Items: []corev1.Node{{
		Status: corev1.NodeStatus{Addresses: []corev1.NodeAddress{
			{Type: corev1.NodeExternalIP, Address: "203.0.113.7"},
		}},
	}}}
	data, _ := json.Marshal(nodes)

	exec := remotetest.New()
	exec.Reply("get nodes", string(data), 0)
	b := NewKubectlBackend(exec, "", "")

	ip, err := b.NodeIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)

	exec.Reply("get nodes", `{"items":[]}`, 0)
	_, err = b.NodeIP(context.Background())
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestKubectlBackend_ExecCommand(t *testing.T) {
	b := NewKubectlBackend(remotetest.New(), "", "")
	assert.Equal(t, "kubectl exec -it -n ws-p-42 workspace-1 -c workspace -- /bin/bash",
		b.ExecCommand("ws-p-42", "workspace-1", "workspace"))
}

func TestKubectlBackend_Version(t *testing.T) {
	exec := remotetest.New()
	exec.Reply("version --client", `{"clientVersion":{"major":"1","minor":"29+","gitVersion":""}}`, 0)
	b := NewKubectlBackend(exec, "", "")

	v, err := b.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.29", v)
}
