package cluster

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/besteffort"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/execstream"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/lease"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/ports"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/retry"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/store"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/workspace"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// State is the observed condition of an identifier's workload.
type State int

const (
	StateAbsent State = iota
	StateProvisioned
	StateHealthy
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateProvisioned:
		return "provisioned-not-running"
	case StateHealthy:
		return "running-healthy"
	case StateDegraded:
		return "running-degraded"
	default:
		return "unknown"
	}
}

// Config holds pod provisioning settings.
type Config struct {
	NamespacePrefix  string
	WorkspaceImage   string
	TerminalImage    string
	FileBrowserImage string
	TerminalPort     int
	FileBrowserPort  int
	StorageSize      string
	StorageClass     string
	Resources        types.ResourceLimits
	ReadyAttempts    int
	ReadyInterval    time.Duration
	RolloutTimeout   time.Duration
	// NodeIP overrides the address discovered from the cluster's nodes.
	NodeIP string
	// Access and Shell are stamped on every record so terminal bridges can
	// reach the workload.
	Access types.ClusterAccess
	Shell  types.ShellAccess
}

// Pod is the result of a resolve.
type Pod struct {
	Record types.PodRecord
	State  State
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker replaces the in-process per-identifier locker.
func WithLocker(l lease.Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// Manager reconciles pod records against the cluster.
type Manager struct {
	config    Config
	backend   Backend
	store     store.Store
	registry  *ports.Registry
	workspace *workspace.Manager
	locker    lease.Locker
}

// NewManager creates a Manager and registers it as the port binder for pods.
func NewManager(cfg Config, backend Backend, s store.Store, registry *ports.Registry, ws *workspace.Manager, opts ...Option) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("cluster backend is required")
	}
	if cfg.WorkspaceImage == "" {
		return nil, errors.New("workspace image is required")
	}
	if cfg.NamespacePrefix == "" {
		cfg.NamespacePrefix = "ws"
	}
	if cfg.TerminalPort == 0 {
		cfg.TerminalPort = 7681
	}
	if cfg.FileBrowserPort == 0 {
		cfg.FileBrowserPort = 8080
	}
	if cfg.StorageSize == "" {
		cfg.StorageSize = "5Gi"
	}
	if cfg.StorageClass == "" {
		cfg.StorageClass = "manual"
	}
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = 10
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 5 * time.Second
	}
	if cfg.RolloutTimeout <= 0 {
		cfg.RolloutTimeout = 2 * time.Minute
	}

	m := &Manager{
		config:    cfg,
		backend:   backend,
		store:     s,
		registry:  registry,
		workspace: ws,
		locker:    lease.NewLocalLocker(),
	}
	for _, opt := range opts {
		opt(m)
	}
	registry.RegisterBinder(types.OwnerPod, m)
	return m, nil
}

// Backend returns the cluster backend.
func (m *Manager) Backend() Backend { return m.backend }

// Config returns the manager's settings.
func (m *Manager) Config() Config { return m.config }

// Namespace returns the deterministic namespace of an identity.
func (m *Manager) Namespace(id types.Identity) string {
	prefix := workspace.Slug(m.config.NamespacePrefix, 20, "ws-")
	return prefix + "-" + workspace.IdentitySlug(id, 62-len(prefix), "")
}

// checkOwner fails with types.ErrAlreadyExists when ns carries the identity
// annotation of someone other than id. Missing namespaces and namespaces
// without the annotation pass.
func (m *Manager) checkOwner(ctx context.Context, id types.Identity, ns string) error {
	obj, err := m.backend.GetNamespace(ctx, ns)
	switch {
	case errors.Is(err, types.ErrNotFound):
		return nil
	case err != nil:
		return types.Transient("pod.owner", id.Key(), err)
	}
	if owner := obj.Annotations[annotationIdentity]; owner != "" && owner != id.Key() {
		return fmt.Errorf("namespace %s belongs to %s: %w", ns, owner, types.ErrAlreadyExists)
	}
	return nil
}

func (m *Manager) acquire(ctx context.Context, id types.Identity) (func(), error) {
	l, err := m.locker.Acquire(ctx, lease.Key(string(types.OwnerPod), id.Key()))
	if err != nil {
		return nil, types.Transient("pod.lease", id.Key(), err)
	}
	return func() {
		if err := l.Release(context.Background()); err != nil {
			logging.Warn("Failed to release lease", logging.Owner(id.Key()), logging.Err(err))
		}
	}, nil
}

func owner(rec *types.PodRecord) ports.Owner {
	return ports.Owner{Kind: types.OwnerPod, ID: rec.ID, Identity: rec.Identity}
}

// observation is what the cluster currently holds for a namespace.
type observation struct {
	deployment *appsv1.Deployment
	service    *corev1.Service
	pod        *corev1.Pod
}

func (m *Manager) observe(ctx context.Context, ns string) (*observation, error) {
	obs := &observation{}

	d, err := m.backend.GetDeployment(ctx, ns, deploymentName)
	switch {
	case err == nil:
		obs.deployment = d
	case errors.Is(err, types.ErrNotFound):
		return obs, nil
	default:
		return nil, err
	}

	svc, err := m.backend.GetService(ctx, ns, serviceName)
	switch {
	case err == nil:
		obs.service = svc
	case !errors.Is(err, types.ErrNotFound):
		return nil, err
	}

	pods, err := m.backend.ListPods(ctx, ns, podSelector)
	if err != nil {
		return nil, err
	}
	obs.pod = newestPod(pods, "")
	return obs, nil
}

func (m *Manager) state(obs *observation) State {
	switch {
	case obs.deployment == nil:
		return StateAbsent
	case obs.pod == nil || !podReady(obs.pod):
		return StateProvisioned
	case obs.service == nil || m.terminalDrift(obs.deployment):
		return StateDegraded
	default:
		return StateHealthy
	}
}

// ResolveOrCreate returns a running workload for the identifier. It
// reconciles the stored record with the cluster:
//
//   - record and healthy workload: return it, refreshing service URLs
//   - record and a stopped or degraded workload: restart or repair it
//   - no record but a workload exists: adopt it into a new record
//   - neither: provision everything from scratch
//
// Provisioning failures are returned as *types.ProvisioningError carrying
// the namespace's events and pod statuses.
func (m *Manager) ResolveOrCreate(ctx context.Context, id types.Identity) (*Pod, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	release, err := m.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := m.store.GetPod(ctx, id)
	switch {
	case errors.Is(err, types.ErrNotFound):
		rec = nil
	case err != nil:
		return nil, err
	}

	ns := m.Namespace(id)
	if rec != nil && rec.Namespace != "" {
		ns = rec.Namespace
	}
	if rec == nil {
		if err := m.checkOwner(ctx, id, ns); err != nil {
			return nil, err
		}
	}
	obs, err := m.observe(ctx, ns)
	if err != nil {
		return nil, types.Transient("pod.observe", id.Key(), err)
	}
	state := m.state(obs)

	logging.Info("Reconciling pod",
		logging.Owner(id.Key()),
		logging.String("namespace", ns),
		logging.String("state", state.String()),
		logging.Bool("has_record", rec != nil),
	)

	switch {
	case rec == nil && state == StateAbsent:
		return m.provision(ctx, id, ns, nil)
	case state == StateAbsent:
		return m.provision(ctx, id, ns, rec)
	case rec == nil:
		rec, err = m.adopt(ctx, id, ns, obs)
		if err != nil {
			return nil, err
		}
	}
	return m.repair(ctx, rec, obs, state)
}

// adopt creates a record for a workload found in the cluster.
func (m *Manager) adopt(ctx context.Context, id types.Identity, ns string, obs *observation) (*types.PodRecord, error) {
	if owner := obs.deployment.Annotations[annotationIdentity]; owner != "" && owner != id.Key() {
		return nil, fmt.Errorf("workload in %s belongs to %s: %w", ns, owner, types.ErrAlreadyExists)
	}
	image := m.config.WorkspaceImage
	for _, c := range obs.deployment.Spec.Template.Spec.Containers {
		if c.Name == containerWorkspace {
			image = c.Image
		}
	}
	path, err := m.workspace.EnsureStorage(ns)
	if err != nil {
		return nil, err
	}
	rec := m.newRecord(id, ns, image)
	rec.StoragePath = path
	if err := m.store.CreatePod(ctx, rec); err != nil {
		return nil, err
	}
	if obs.service != nil {
		m.recordServicePorts(ctx, rec, obs.service)
	}
	logging.Info("Adopted existing workload",
		logging.Owner(id.Key()),
		logging.String("namespace", ns),
		logging.String("record", rec.ID),
	)
	return rec, nil
}

func (m *Manager) newRecord(id types.Identity, ns, image string) *types.PodRecord {
	return &types.PodRecord{
		ID:        uuid.New().String(),
		Identity:  id,
		Namespace: ns,
		Image:     image,
		Status:    types.StatusCreated,
		Resources: m.config.Resources,
		Cluster:   m.config.Access,
		Shell:     m.config.Shell,
		CreatedAt: time.Now().UTC(),
	}
}

// provision creates every resource of the workload and waits for it.
func (m *Manager) provision(ctx context.Context, id types.Identity, ns string, rec *types.PodRecord) (*Pod, error) {
	if rec == nil {
		rec = m.newRecord(id, ns, m.config.WorkspaceImage)
		if err := m.store.CreatePod(ctx, rec); err != nil {
			return nil, err
		}
	} else if err := m.reopen(ctx, rec); err != nil {
		return nil, err
	}

	logging.Info("Provisioning workload",
		logging.Owner(id.Key()),
		logging.String("namespace", ns),
		logging.String("image", rec.Image),
	)

	path, err := m.workspace.EnsureStorage(ns)
	if err != nil {
		return nil, m.fail(ctx, rec, "storage", err)
	}
	rec.StoragePath = path

	if err := m.backend.EnsureNamespace(ctx, m.namespaceObject(ns, rec)); err != nil {
		return nil, m.fail(ctx, rec, "namespace", err)
	}
	if err := m.backend.EnsurePersistentVolume(ctx, m.persistentVolume(ns, path)); err != nil {
		return nil, m.fail(ctx, rec, "persistent volume", err)
	}
	if err := m.backend.EnsurePersistentVolumeClaim(ctx, m.persistentVolumeClaim(ns)); err != nil {
		return nil, m.fail(ctx, rec, "persistent volume claim", err)
	}
	if err := m.backend.EnsureDeployment(ctx, m.deployment(ns, rec)); err != nil {
		return nil, m.fail(ctx, rec, "deployment", err)
	}
	if err := m.ensureService(ctx, rec); err != nil {
		return nil, m.fail(ctx, rec, "service", err)
	}

	pod, err := m.awaitReady(ctx, rec, "")
	if err != nil {
		return nil, m.fail(ctx, rec, "pod not ready", err)
	}
	return m.publish(ctx, rec, pod)
}

// repair brings an existing workload back to running-healthy.
func (m *Manager) repair(ctx context.Context, rec *types.PodRecord, obs *observation, state State) (*Pod, error) {
	if rec.Status != types.StatusRunning {
		if err := m.reopen(ctx, rec); err != nil {
			return nil, err
		}
	}

	if obs.service == nil {
		if err := m.ensureService(ctx, rec); err != nil {
			return nil, m.fail(ctx, rec, "service", err)
		}
	}

	pod := obs.pod
	drifted := m.terminalDrift(obs.deployment)
	if drifted {
		// a stopped workload cannot finish a rollout; the restart below
		// waits for the replacement pod instead
		if err := m.fixTerminal(ctx, rec, state != StateProvisioned); err != nil {
			return nil, m.fail(ctx, rec, "terminal rollout", err)
		}
	}

	var err error
	switch {
	case state == StateProvisioned:
		pod, err = m.restart(ctx, rec, obs.pod)
		if err != nil {
			return nil, m.fail(ctx, rec, "restart", err)
		}
	case drifted:
		pod, err = m.awaitReady(ctx, rec, "")
		if err != nil {
			return nil, m.fail(ctx, rec, "pod not ready", err)
		}
	}
	return m.publish(ctx, rec, pod)
}

// reopen moves a record back to created: a running record whose workload
// vanished is stopped first.
func (m *Manager) reopen(ctx context.Context, rec *types.PodRecord) error {
	switch rec.Status {
	case types.StatusCreated:
		return nil
	case types.StatusRunning:
		if err := m.setStatus(ctx, rec, types.StatusStopped); err != nil {
			return err
		}
	}
	return m.setStatus(ctx, rec, types.StatusCreated)
}

// restart deletes a stuck pod so its controller replaces it, or scales the
// deployment down and up again when no pod exists.
func (m *Manager) restart(ctx context.Context, rec *types.PodRecord, stuck *corev1.Pod) (*corev1.Pod, error) {
	ns := rec.Namespace
	exclude := ""
	if stuck != nil {
		logging.Info("Restarting pod",
			logging.Owner(rec.Identity.Key()),
			logging.String("pod", stuck.Name),
			logging.String("phase", string(stuck.Status.Phase)),
		)
		if err := m.backend.DeletePod(ctx, ns, stuck.Name); err != nil {
			return nil, err
		}
		exclude = stuck.Name
	} else {
		logging.Info("No pod found, scaling deployment", logging.Owner(rec.Identity.Key()))
		if err := m.backend.PatchDeployment(ctx, ns, deploymentName, replicasPatch(0)); err != nil {
			return nil, err
		}
		if err := m.backend.PatchDeployment(ctx, ns, deploymentName, replicasPatch(1)); err != nil {
			return nil, err
		}
	}
	return m.awaitReady(ctx, rec, exclude)
}

// fixTerminal patches the terminal sidecar back to its expected command
// line, optionally waiting for the rollout.
func (m *Manager) fixTerminal(ctx context.Context, rec *types.PodRecord, wait bool) error {
	patch, err := m.terminalPatch()
	if err != nil {
		return err
	}
	logging.Warn("Terminal sidecar drifted, patching deployment",
		logging.Owner(rec.Identity.Key()),
		logging.String("namespace", rec.Namespace),
	)
	if err := m.backend.PatchDeployment(ctx, rec.Namespace, deploymentName, patch); err != nil {
		return err
	}
	if !wait {
		return nil
	}

	attempts := int(m.config.RolloutTimeout / m.config.ReadyInterval)
	return retry.Poll(ctx, "deployment_rollout", attempts, m.config.ReadyInterval, func(ctx context.Context) (bool, error) {
		d, err := m.backend.GetDeployment(ctx, rec.Namespace, deploymentName)
		if err != nil {
			return false, err
		}
		return rolledOut(d), nil
	})
}

// awaitReady polls until a ready pod other than exclude exists.
func (m *Manager) awaitReady(ctx context.Context, rec *types.PodRecord, exclude string) (*corev1.Pod, error) {
	var ready *corev1.Pod
	err := retry.Poll(ctx, "pod_ready", m.config.ReadyAttempts, m.config.ReadyInterval, func(ctx context.Context) (bool, error) {
		pods, err := m.backend.ListPods(ctx, rec.Namespace, podSelector)
		if err != nil {
			logging.Debug("Listing pods failed", logging.Owner(rec.Identity.Key()), logging.Err(err))
			return false, nil
		}
		p := newestPod(pods, exclude)
		if p == nil || !podReady(p) {
			return false, nil
		}
		ready = p
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return ready, nil
}

// ensureService creates the NodePort service exposing every recorded
// mapping, allocating node ports for the sidecars on first use. An
// existing service is adopted as-is.
func (m *Manager) ensureService(ctx context.Context, rec *types.PodRecord) error {
	if svc, err := m.backend.GetService(ctx, rec.Namespace, serviceName); err == nil {
		m.recordServicePorts(ctx, rec, svc)
		return nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}

	o := owner(rec)
	wanted, err := m.wantedMappings(ctx, o)
	if err != nil {
		return err
	}

	var tried []int
	for attempt := 0; attempt < 2; attempt++ {
		reservations, mappings, err := m.reserveAll(ctx, o, wanted, attempt > 0, tried)
		if err != nil {
			return err
		}
		err = m.backend.EnsureService(ctx, m.service(rec.Namespace, mappings))
		if err == nil {
			var recordErr error
			for i, pm := range mappings {
				if err := m.registry.Record(ctx, o, pm.ContainerPort, reservations[i], pm.Note); err != nil && recordErr == nil {
					recordErr = err
				}
			}
			return recordErr
		}
		for i, res := range reservations {
			tried = append(tried, mappings[i].HostPort)
			res.Release()
		}
		if !errors.Is(err, types.ErrPortAllocated) {
			return err
		}
		logging.Warn("Node port collided, reallocating",
			logging.Owner(rec.Identity.Key()),
			logging.Err(err),
		)
	}
	return fmt.Errorf("service for %s: %w", rec.Identity, types.ErrPortAllocated)
}

// wantedMappings lists the sidecar ports followed by any extra ports
// recorded for the owner, carrying previously recorded node ports.
func (m *Manager) wantedMappings(ctx context.Context, o ports.Owner) ([]*types.PortMapping, error) {
	recorded, err := m.registry.Mappings(ctx, o)
	if err != nil {
		return nil, err
	}
	byPort := make(map[int]*types.PortMapping, len(recorded))
	for _, pm := range recorded {
		byPort[pm.ContainerPort] = pm
	}

	wanted := []*types.PortMapping{
		{OwnerKind: o.Kind, OwnerID: o.ID, ContainerPort: m.config.TerminalPort, Note: noteTerminal},
		{OwnerKind: o.Kind, OwnerID: o.ID, ContainerPort: m.config.FileBrowserPort, Note: noteFiles},
	}
	for _, w := range wanted {
		if pm, ok := byPort[w.ContainerPort]; ok {
			w.HostPort = pm.HostPort
			delete(byPort, w.ContainerPort)
		}
	}
	extra := make([]*types.PortMapping, 0, len(byPort))
	for _, pm := range byPort {
		extra = append(extra, pm)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].ContainerPort < extra[j].ContainerPort })
	return append(wanted, extra...), nil
}

// reserveAll claims each mapping's previous node port, or reserves a fresh
// one when there is none, it is taken, or fresh is set.
func (m *Manager) reserveAll(ctx context.Context, o ports.Owner, wanted []*types.PortMapping, fresh bool, exclude []int) ([]*ports.Reservation, []*types.PortMapping, error) {
	reservations := make([]*ports.Reservation, 0, len(wanted))
	mappings := make([]*types.PortMapping, 0, len(wanted))
	fail := func(err error) ([]*ports.Reservation, []*types.PortMapping, error) {
		for _, r := range reservations {
			r.Release()
		}
		return nil, nil, err
	}

	for _, w := range wanted {
		var (
			res *ports.Reservation
			err error
		)
		if w.HostPort > 0 && !fresh {
			res, err = m.registry.Claim(ctx, o, w.HostPort)
			if errors.Is(err, types.ErrPortAllocated) {
				res, err = m.registry.Reserve(ctx, o.Kind, append(exclude, w.HostPort)...)
			}
		} else {
			res, err = m.registry.Reserve(ctx, o.Kind, exclude...)
		}
		if err != nil {
			return fail(err)
		}
		reservations = append(reservations, res)
		pm := *w
		pm.HostPort = res.Port
		mappings = append(mappings, &pm)
	}
	return reservations, mappings, nil
}

// recordServicePorts persists the node ports an existing service exposes.
func (m *Manager) recordServicePorts(ctx context.Context, rec *types.PodRecord, svc *corev1.Service) {
	o := owner(rec)
	for _, sp := range svc.Spec.Ports {
		if sp.NodePort == 0 {
			continue
		}
		cp := sp.TargetPort.IntValue()
		if cp == 0 {
			cp = int(sp.Port)
		}
		current, err := m.registry.Lookup(ctx, o, cp)
		if err == nil && current == int(sp.NodePort) {
			continue
		}
		res, err := m.registry.Claim(ctx, o, int(sp.NodePort))
		if err != nil {
			logging.Warn("Cannot record service node port",
				logging.Owner(rec.Identity.Key()),
				logging.Int("node_port", int(sp.NodePort)),
				logging.Err(err),
			)
			continue
		}
		note := sp.Name
		if strings.HasPrefix(note, "port-") {
			note = ""
		}
		if err := m.registry.Record(ctx, o, cp, res, note); err != nil {
			logging.Warn("Failed to record node port", logging.Owner(rec.Identity.Key()), logging.Err(err))
		}
	}
}

// serviceInfo reads the service and builds the externally reachable URLs.
func (m *Manager) serviceInfo(ctx context.Context, ns string) (types.ServiceInfo, error) {
	info := types.ServiceInfo{NodePorts: map[string]int32{}, URLs: map[string]string{}}
	svc, err := m.backend.GetService(ctx, ns, serviceName)
	if err != nil {
		return info, err
	}
	info.NodeIP = m.config.NodeIP
	if info.NodeIP == "" {
		if info.NodeIP, err = m.backend.NodeIP(ctx); err != nil {
			return info, err
		}
	}
	for _, sp := range svc.Spec.Ports {
		if sp.NodePort == 0 {
			continue
		}
		info.NodePorts[sp.Name] = sp.NodePort
		info.URLs[sp.Name] = fmt.Sprintf("http://%s:%d", info.NodeIP, sp.NodePort)
	}
	return info, nil
}

// publish records the ready pod and its URLs and marks the record running.
func (m *Manager) publish(ctx context.Context, rec *types.PodRecord, pod *corev1.Pod) (*Pod, error) {
	info, err := m.serviceInfo(ctx, rec.Namespace)
	if err != nil {
		return nil, m.fail(ctx, rec, "service discovery", err)
	}
	rec.PodName = pod.Name
	rec.Service = info
	rec.LastError = ""
	rec.Diagnostics = ""
	if err := m.setStatus(ctx, rec, types.StatusRunning); err != nil {
		return nil, err
	}
	logging.Info("Workload ready",
		logging.Owner(rec.Identity.Key()),
		logging.String("namespace", rec.Namespace),
		logging.String("pod", pod.Name),
		logging.Any("urls", info.URLs),
	)
	return &Pod{Record: *rec, State: StateHealthy}, nil
}

// setStatus persists a status change.
func (m *Manager) setStatus(ctx context.Context, rec *types.PodRecord, status types.Status) error {
	now := time.Now().UTC()
	rec.Status = status
	switch status {
	case types.StatusRunning:
		rec.StartedAt = &now
		rec.StoppedAt = nil
	case types.StatusStopped:
		rec.StoppedAt = &now
	}
	if err := m.store.UpdatePod(ctx, rec); err != nil {
		return fmt.Errorf("update pod %s to %s: %w", rec.Identity, status, err)
	}
	return nil
}

// fail marks the record errored with the namespace's diagnostics and
// returns the provisioning error.
func (m *Manager) fail(ctx context.Context, rec *types.PodRecord, reason string, cause error) error {
	diag := m.Diagnostics(ctx, rec.Namespace)
	rec.LastError = reason + ": " + cause.Error()
	rec.Diagnostics = diag
	if err := m.setStatus(ctx, rec, types.StatusError); err != nil {
		logging.Warn("Failed to mark pod error", logging.Owner(rec.Identity.Key()), logging.Err(err))
	}
	logging.Error("Workload provisioning failed",
		logging.Owner(rec.Identity.Key()),
		logging.String("namespace", rec.Namespace),
		logging.String("reason", reason),
		logging.Err(cause),
	)
	return &types.ProvisioningError{
		Owner:       rec.Identity.Key(),
		Namespace:   rec.Namespace,
		Reason:      reason,
		Diagnostics: diag,
		Err:         cause,
	}
}

// Diagnostics summarizes pod statuses and recent events in a namespace.
func (m *Manager) Diagnostics(ctx context.Context, ns string) string {
	var b strings.Builder

	pods, err := m.backend.ListPods(ctx, ns, podSelector)
	if err != nil {
		fmt.Fprintf(&b, "pods: %v\n", err)
	}
	for _, p := range pods {
		fmt.Fprintf(&b, "pod %s: %s\n", p.Name, p.Status.Phase)
		for _, cs := range p.Status.ContainerStatuses {
			switch {
			case cs.State.Waiting != nil:
				fmt.Fprintf(&b, "  %s waiting: %s %s\n", cs.Name, cs.State.Waiting.Reason, cs.State.Waiting.Message)
			case cs.State.Terminated != nil:
				fmt.Fprintf(&b, "  %s terminated: %s (exit %d)\n", cs.Name, cs.State.Terminated.Reason, cs.State.Terminated.ExitCode)
			default:
				fmt.Fprintf(&b, "  %s ready=%t restarts=%d\n", cs.Name, cs.Ready, cs.RestartCount)
			}
		}
	}

	events, err := m.backend.ListEvents(ctx, ns)
	if err != nil {
		fmt.Fprintf(&b, "events: %v\n", err)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].LastTimestamp.Before(&events[j].LastTimestamp)
	})
	if len(events) > 10 {
		events = events[len(events)-10:]
	}
	for _, e := range events {
		fmt.Fprintf(&b, "event %s %s %s/%s: %s\n", e.Type, e.Reason, e.InvolvedObject.Kind, e.InvolvedObject.Name, e.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Get returns the stored record.
func (m *Manager) Get(ctx context.Context, id types.Identity) (*types.PodRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return m.store.GetPod(ctx, id)
}

// List returns every pod record.
func (m *Manager) List(ctx context.Context) ([]*types.PodRecord, error) {
	return m.store.ListPods(ctx)
}

// ServiceURLs re-reads the service and node address, refreshing the
// record when they changed.
func (m *Manager) ServiceURLs(ctx context.Context, id types.Identity) (*types.ServiceInfo, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	info, err := m.serviceInfo(ctx, rec.Namespace)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		return nil, types.Transient("pod.service_urls", id.Key(), err)
	}
	if !reflect.DeepEqual(info, rec.Service) {
		rec.Service = info
		if err := m.store.UpdatePod(ctx, rec); err != nil {
			logging.Warn("Failed to refresh service info", logging.Owner(id.Key()), logging.Err(err))
		}
	}
	return &info, nil
}

// ReadyPod returns the current ready workspace pod of a running record.
func (m *Manager) ReadyPod(ctx context.Context, rec *types.PodRecord) (*corev1.Pod, error) {
	pods, err := m.backend.ListPods(ctx, rec.Namespace, podSelector)
	if err != nil {
		return nil, types.Transient("pod.lookup", rec.Identity.Key(), err)
	}
	p := newestPod(pods, "")
	if p == nil || !podReady(p) {
		return nil, fmt.Errorf("no ready pod in %s: %w", rec.Namespace, types.ErrNotFound)
	}
	return p, nil
}

// Exec runs command in the workspace container and appends it to the
// command log.
func (m *Manager) Exec(ctx context.Context, id types.Identity, command string) (*types.ExecResult, error) {
	if command == "" {
		return nil, types.InvalidArgument("exec", "command is required")
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.StatusRunning {
		return nil, fmt.Errorf("pod for %s is %s: %w", id, rec.Status, types.ErrNotFound)
	}
	pod, err := m.ReadyPod(ctx, rec)
	if err != nil {
		return nil, err
	}

	res, err := m.backend.Exec(ctx, rec.Namespace, pod.Name, containerWorkspace, []string{"/bin/sh", "-c", command})
	if err != nil {
		return nil, err
	}
	out := res.Combined()
	if len(out) > 64<<10 {
		out = out[:64<<10]
	}
	if err := m.store.AppendCommandLog(ctx, &types.CommandLog{
		OwnerKey: id.Key(),
		Command:  command,
		Output:   out,
		ExitCode: res.ExitCode,
	}); err != nil {
		logging.Warn("Failed to append command log", logging.Owner(id.Key()), logging.Err(err))
	}
	return res, nil
}

// ShellTarget describes an interactive shell in the workspace container of
// the record's ready pod.
func (m *Manager) ShellTarget(ctx context.Context, rec *types.PodRecord, shell string) (execstream.Target, error) {
	pod, err := m.ReadyPod(ctx, rec)
	if err != nil {
		return execstream.Target{}, err
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	return execstream.Target{
		Namespace: rec.Namespace,
		Pod:       pod.Name,
		Container: containerWorkspace,
		Command:   []string{shell},
		TTY:       true,
		Stdin:     true,
	}, nil
}

// AddPort exposes containerPort of the workload on a node port.
func (m *Manager) AddPort(ctx context.Context, id types.Identity, containerPort, nodePort int, note string) (int, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	release, err := m.acquire(ctx, id)
	if err != nil {
		return 0, err
	}
	defer release()

	rec, err := m.store.GetPod(ctx, id)
	if err != nil {
		return 0, err
	}
	return m.registry.AddPort(ctx, owner(rec), containerPort, nodePort, note)
}

// Delete removes the workload. With preserveData the namespace, volume and
// host storage are kept and the record is marked stopped so a later
// resolve reattaches the same data; otherwise everything including the
// record is removed.
func (m *Manager) Delete(ctx context.Context, id types.Identity, preserveData bool) error {
	if err := id.Validate(); err != nil {
		return err
	}
	release, err := m.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	rec, err := m.store.GetPod(ctx, id)
	switch {
	case errors.Is(err, types.ErrNotFound):
		rec = nil
	case err != nil:
		return err
	}
	ns := m.Namespace(id)
	if rec != nil && rec.Namespace != "" {
		ns = rec.Namespace
	}
	if err := m.checkOwner(ctx, id, ns); err != nil {
		return err
	}

	logging.Info("Deleting workload",
		logging.Owner(id.Key()),
		logging.String("namespace", ns),
		logging.Bool("preserve_data", preserveData),
	)

	steps := []besteffort.Step{
		{Name: "deployment", Fn: func() error { return m.backend.DeleteDeployment(ctx, ns, deploymentName) }},
		{Name: "service", Fn: func() error { return m.backend.DeleteService(ctx, ns, serviceName) }},
		{Name: "pods", Fn: func() error { return m.deletePods(ctx, ns) }},
	}
	if !preserveData {
		steps = append(steps,
			besteffort.Step{Name: "claim", Fn: func() error { return m.backend.DeletePersistentVolumeClaim(ctx, ns, claimName) }},
			besteffort.Step{Name: "volume", Fn: func() error { return m.backend.DeletePersistentVolume(ctx, persistentVolumeName(ns)) }},
			besteffort.Step{Name: "namespace", Fn: func() error { return m.backend.DeleteNamespace(ctx, ns) }},
			besteffort.Step{Name: "storage", Fn: func() error { return m.workspace.RemoveStorage(ns) }},
		)
	}
	cleanupErr := besteffort.Run("pod.delete", id.Key(), steps...)

	if rec == nil {
		return cleanupErr
	}
	if !preserveData {
		if err := m.registry.Forget(ctx, owner(rec)); err != nil {
			logging.Warn("Failed to forget port mappings", logging.Owner(id.Key()), logging.Err(err))
		}
		if err := m.store.DeletePod(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
		return cleanupErr
	}

	rec.PodName = ""
	rec.Service = types.ServiceInfo{}
	status := types.StatusStopped
	if !rec.Status.CanTransition(status) {
		status = rec.Status
	}
	if err := m.setStatus(ctx, rec, status); err != nil {
		return err
	}
	return cleanupErr
}

func (m *Manager) deletePods(ctx context.Context, ns string) error {
	pods, err := m.backend.ListPods(ctx, ns, podSelector)
	if err != nil {
		return err
	}
	var errs error
	for _, p := range pods {
		errs = multierr.Append(errs, m.backend.DeletePod(ctx, ns, p.Name))
	}
	return errs
}
