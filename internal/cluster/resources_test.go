package cluster

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

func TestDeploymentShape(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := &types.PodRecord{
		ID:        "rec-1",
		Identity:  project("42"),
		Image:     "ubuntu:22.04",
		Resources: types.ResourceLimits{MemoryBytes: 2 << 30, NanoCPUs: 1_500_000_000},
	}
	d := env.mgr.deployment("ws-p-42", rec)

	assert.Equal(t, appsv1.RecreateDeploymentStrategyType, d.Spec.Strategy.Type)
	containers := d.Spec.Template.Spec.Containers
	require.Len(t, containers, 3)
	assert.Equal(t, containerWorkspace, containers[0].Name)
	assert.Equal(t, "2Gi", containers[0].Resources.Limits.Memory().String())
	assert.Equal(t, "1500m", containers[0].Resources.Limits.Cpu().String())
	assert.Equal(t, containerTerminal, containers[1].Name)
	assert.Contains(t, containers[1].Args, "7681")
	assert.Equal(t, containerFiles, containers[2].Name)
	assert.Contains(t, containers[2].Args, "8080")
	assert.Equal(t, claimName, d.Spec.Template.Spec.Volumes[0].PersistentVolumeClaim.ClaimName)
	assert.False(t, env.mgr.terminalDrift(d))

	d.Spec.Template.Spec.Containers[1].Command = []string{"ttyd", "-p", "7681", "sh"}
	assert.True(t, env.mgr.terminalDrift(d))

	d.Spec.Template.Spec.Containers = d.Spec.Template.Spec.Containers[:1]
	assert.True(t, env.mgr.terminalDrift(d), "missing sidecar counts as drift")
}

func TestServicePortsPatch(t *testing.T) {
	patch, err := servicePortsPatch([]*types.PortMapping{
		{ContainerPort: 7681, HostPort: 30001, Note: noteTerminal},
		{ContainerPort: 3000, HostPort: 30009, Note: "dev server"},
	})
	require.NoError(t, err)

	var decoded struct {
		Spec struct {
			Ports []corev1.ServicePort `json:"ports"`
		} `json:"spec"`
	}
	require.NoError(t, json.Unmarshal(patch, &decoded))
	require.Len(t, decoded.Spec.Ports, 2)
	assert.Equal(t, "terminal", decoded.Spec.Ports[0].Name)
	assert.Equal(t, int32(30001), decoded.Spec.Ports[0].NodePort)
	assert.Equal(t, "port-3000", decoded.Spec.Ports[1].Name)
	assert.Equal(t, 3000, decoded.Spec.Ports[1].TargetPort.IntValue())
}

func TestPodReady(t *testing.T) {
	now := metav1.Now()
	tests := []struct {
		name string
		pod  corev1.Pod
		want bool
	}{
		{"pending", corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodPending}}, false},
		{"ready condition", corev1.Pod{Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		}}, true},
		{"not ready condition", corev1.Pod{Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionFalse}},
		}}, false},
		{"container statuses", corev1.Pod{Status: corev1.PodStatus{
			Phase:             corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{Ready: true}, {Ready: true}},
		}}, true},
		{"one container not ready", corev1.Pod{Status: corev1.PodStatus{
			Phase:             corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{Ready: true}, {Ready: false}},
		}}, false},
		{"terminating", corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{DeletionTimestamp: &now},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, podReady(&tt.pod))
		})
	}
}

func TestNewestPod(t *testing.T) {
	at := func(sec int) metav1.Time { return metav1.NewTime(time.Unix(int64(sec), 0)) }
	now := metav1.Now()
	pods := []corev1.Pod{
		{ObjectMeta: metav1.ObjectMeta{Name: "a", CreationTimestamp: at(1)}},
		{ObjectMeta: metav1.ObjectMeta{Name: "b", CreationTimestamp: at(3)}},
		{ObjectMeta: metav1.ObjectMeta{Name: "c", CreationTimestamp: at(5), DeletionTimestamp: &now}},
		{ObjectMeta: metav1.ObjectMeta{Name: "d", CreationTimestamp: at(2)}},
	}
	assert.Equal(t, "b", newestPod(pods, "").Name)
	assert.Equal(t, "d", newestPod(pods, "b").Name)
	assert.Nil(t, newestPod(nil, ""))
}

func TestRolledOut(t *testing.T) {
	replicas := int32(1)
	d := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Generation: 2},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
		Status:     appsv1.DeploymentStatus{ObservedGeneration: 1, UpdatedReplicas: 1, AvailableReplicas: 1},
	}
	assert.False(t, rolledOut(d))
	d.Status.ObservedGeneration = 2
	assert.True(t, rolledOut(d))
	d.Status.AvailableReplicas = 0
	assert.False(t, rolledOut(d))
}
