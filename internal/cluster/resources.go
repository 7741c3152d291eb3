package cluster

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

const (
	deploymentName = "workspace"
	serviceName    = "workspace"
	claimName      = "workspace-data"
	volumeName     = "data"

	containerWorkspace = "workspace"
	containerTerminal  = "terminal"
	containerFiles     = "files"

	mountPath      = "/workspace"
	filesMountPath = "/srv"

	labelApp           = "app"
	labelManaged       = "app.kubernetes.io/managed-by"
	managedBy          = "sandbox-orchestrator"
	annotationIdentity = "orchestrator/identity"
	annotationRecord   = "orchestrator/record"

	noteTerminal = "terminal"
	noteFiles    = "files"
)

// podSelector selects the workspace pods of a namespace.
var podSelector = labelApp + "=" + deploymentName

func podLabels() map[string]string {
	return map[string]string{labelApp: deploymentName, labelManaged: managedBy}
}

func persistentVolumeName(namespace string) string {
	return namespace + "-data"
}

// portName names a service port after its sidecar or container port.
func portName(note string, containerPort int) string {
	switch note {
	case noteTerminal, noteFiles:
		return note
	}
	return "port-" + strconv.Itoa(containerPort)
}

func (m *Manager) namespaceObject(ns string, rec *types.PodRecord) *corev1.Namespace {
	return &corev1.Namespace{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Namespace"},
		ObjectMeta: metav1.ObjectMeta{
			Name:   ns,
			Labels: map[string]string{labelManaged: managedBy},
			Annotations: map[string]string{
				annotationIdentity: rec.Identity.Key(),
				annotationRecord:   rec.ID,
			},
		},
	}
}

func (m *Manager) persistentVolume(ns, storagePath string) *corev1.PersistentVolume {
	hostPathType := corev1.HostPathDirectoryOrCreate
	return &corev1.PersistentVolume{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolume"},
		ObjectMeta: metav1.ObjectMeta{
			Name:   persistentVolumeName(ns),
			Labels: map[string]string{labelManaged: managedBy},
		},
		Spec: corev1.PersistentVolumeSpec{
			Capacity: corev1.ResourceList{
				corev1.ResourceStorage: m.storageSize(),
			},
			AccessModes:                   []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			PersistentVolumeReclaimPolicy: corev1.PersistentVolumeReclaimRetain,
			StorageClassName:              m.config.StorageClass,
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: storagePath, Type: &hostPathType},
			},
			ClaimRef: &corev1.ObjectReference{Namespace: ns, Name: claimName},
		},
	}
}

func (m *Manager) persistentVolumeClaim(ns string) *corev1.PersistentVolumeClaim {
	storageClass := m.config.StorageClass
	return &corev1.PersistentVolumeClaim{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolumeClaim"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      claimName,
			Namespace: ns,
			Labels:    map[string]string{labelManaged: managedBy},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			StorageClassName: &storageClass,
			VolumeName:       persistentVolumeName(ns),
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: m.storageSize()},
			},
		},
	}
}

func (m *Manager) storageSize() resource.Quantity {
	q, err := resource.ParseQuantity(m.config.StorageSize)
	if err != nil {
		return resource.MustParse("5Gi")
	}
	return q
}

func resourceRequirements(limits types.ResourceLimits) corev1.ResourceRequirements {
	list := corev1.ResourceList{}
	if limits.MemoryBytes > 0 {
		list[corev1.ResourceMemory] = *resource.NewQuantity(limits.MemoryBytes, resource.BinarySI)
	}
	if limits.NanoCPUs > 0 {
		list[corev1.ResourceCPU] = *resource.NewMilliQuantity(limits.NanoCPUs/1_000_000, resource.DecimalSI)
	}
	if len(list) == 0 {
		return corev1.ResourceRequirements{}
	}
	return corev1.ResourceRequirements{Limits: list}
}

// terminalContainer is the expected terminal sidecar. Drift from its
// command or args is repaired on resolve.
func (m *Manager) terminalContainer() corev1.Container {
	port := strconv.Itoa(m.config.TerminalPort)
	return corev1.Container{
		Name:       containerTerminal,
		Image:      m.config.TerminalImage,
		Command:    []string{"ttyd"},
		Args:       []string{"--writable", "--port", port, "--cwd", mountPath, "bash"},
		WorkingDir: mountPath,
		Ports: []corev1.ContainerPort{
			{Name: noteTerminal, ContainerPort: int32(m.config.TerminalPort), Protocol: corev1.ProtocolTCP},
		},
		VolumeMounts: []corev1.VolumeMount{{Name: volumeName, MountPath: mountPath}},
	}
}

func (m *Manager) filesContainer() corev1.Container {
	return corev1.Container{
		Name:  containerFiles,
		Image: m.config.FileBrowserImage,
		Args: []string{
			"--address", "0.0.0.0",
			"--port", strconv.Itoa(m.config.FileBrowserPort),
			"--root", filesMountPath,
			"--database", "/tmp/filebrowser.db",
		},
		Ports: []corev1.ContainerPort{
			{Name: noteFiles, ContainerPort: int32(m.config.FileBrowserPort), Protocol: corev1.ProtocolTCP},
		},
		VolumeMounts: []corev1.VolumeMount{{Name: volumeName, MountPath: filesMountPath}},
	}
}

func (m *Manager) deployment(ns string, rec *types.PodRecord) *appsv1.Deployment {
	replicas := int32(1)
	labels := podLabels()
	return &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:        deploymentName,
			Namespace:   ns,
			Labels:      labels,
			Annotations: map[string]string{annotationIdentity: rec.Identity.Key()},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{labelApp: deploymentName}},
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:         containerWorkspace,
							Image:        rec.Image,
							Command:      []string{"sleep", "infinity"},
							WorkingDir:   mountPath,
							Resources:    resourceRequirements(rec.Resources),
							VolumeMounts: []corev1.VolumeMount{{Name: volumeName, MountPath: mountPath}},
						},
						m.terminalContainer(),
						m.filesContainer(),
					},
					Volumes: []corev1.Volume{{
						Name: volumeName,
						VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claimName},
						},
					}},
				},
			},
		},
	}
}

func servicePorts(mappings []*types.PortMapping) []corev1.ServicePort {
	out := make([]corev1.ServicePort, 0, len(mappings))
	for _, pm := range mappings {
		out = append(out, corev1.ServicePort{
			Name:       portName(pm.Note, pm.ContainerPort),
			Protocol:   corev1.ProtocolTCP,
			Port:       int32(pm.ContainerPort),
			TargetPort: intstr.FromInt32(int32(pm.ContainerPort)),
			NodePort:   int32(pm.HostPort),
		})
	}
	return out
}

func (m *Manager) service(ns string, mappings []*types.PortMapping) *corev1.Service {
	return &corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      serviceName,
			Namespace: ns,
			Labels:    map[string]string{labelManaged: managedBy},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{labelApp: deploymentName},
			Ports:    servicePorts(mappings),
		},
	}
}

// servicePortsPatch is a strategic merge patch adding or updating the
// service ports for mappings; ports are merged by port number.
func servicePortsPatch(mappings []*types.PortMapping) ([]byte, error) {
	return json.Marshal(map[string]any{
		"spec": map[string]any{"ports": servicePorts(mappings)},
	})
}

// terminalDrift reports whether the deployment's terminal sidecar differs
// from the expected command line.
func (m *Manager) terminalDrift(d *appsv1.Deployment) bool {
	want := m.terminalContainer()
	for _, c := range d.Spec.Template.Spec.Containers {
		if c.Name != containerTerminal {
			continue
		}
		return !reflect.DeepEqual(c.Command, want.Command) || !reflect.DeepEqual(c.Args, want.Args)
	}
	return true
}

// terminalPatch replaces the terminal sidecar's command line.
func (m *Manager) terminalPatch() ([]byte, error) {
	want := m.terminalContainer()
	patch := map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"spec": map[string]any{
					"containers": []map[string]any{{
						"name":    want.Name,
						"image":   want.Image,
						"command": want.Command,
						"args":    want.Args,
						"ports":   want.Ports,
					}},
				},
			},
		},
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode terminal patch: %w", err)
	}
	return data, nil
}

// rolledOut reports whether every replica runs the latest template.
func rolledOut(d *appsv1.Deployment) bool {
	want := int32(1)
	if d.Spec.Replicas != nil {
		want = *d.Spec.Replicas
	}
	return d.Status.ObservedGeneration >= d.Generation &&
		d.Status.UpdatedReplicas >= want &&
		d.Status.AvailableReplicas >= want
}

// podReady reports whether every container of a running pod is ready.
func podReady(p *corev1.Pod) bool {
	if p.DeletionTimestamp != nil || p.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	if len(p.Status.ContainerStatuses) == 0 {
		return false
	}
	for _, cs := range p.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return true
}

// newestPod returns the most recently created pod that is not being
// deleted and is not named exclude.
func newestPod(pods []corev1.Pod, exclude string) *corev1.Pod {
	var best *corev1.Pod
	for i := range pods {
		p := &pods[i]
		if p.DeletionTimestamp != nil || p.Name == exclude {
			continue
		}
		if best == nil || best.CreationTimestamp.Before(&p.CreationTimestamp) {
			best = p
		}
	}
	return best
}
