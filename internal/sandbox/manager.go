// Package sandbox manages single-container sandboxes addressed by project or
// conversation id. Each resolve reconciles the stored record against the
// container engine and recreates the container when they disagree.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/besteffort"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/lease"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/ports"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/runtime"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/store"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/workspace"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

const (
	labelIdentity = "orchestrator.identity"
	labelRecord   = "orchestrator.sandbox"
)

// Config holds sandbox defaults.
type Config struct {
	Image         string
	Resources     types.ResourceLimits
	ContainerPort int
	IdleTimeout   time.Duration
	NetworkMode   string
	WorkDir       string
	ExecTimeout   time.Duration
}

// TeardownHook runs before a sandbox's container is removed.
type TeardownHook func(ctx context.Context, sb *Sandbox) error

// Option configures a Manager.
type Option func(*Manager)

// WithBeforeTeardown installs a hook run on every Close.
func WithBeforeTeardown(h TeardownHook) Option {
	return func(m *Manager) { m.beforeTeardown = h }
}

// WithLocker replaces the in-process per-identifier locker.
func WithLocker(l lease.Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// ResolveRequest identifies the sandbox to resolve.
type ResolveRequest struct {
	Identity types.Identity
	// CodeDir is bind-mounted at the working directory. Empty selects a
	// directory under the storage root.
	CodeDir string
	// HostPort requests a specific host port for the primary container
	// port on creation. Zero allocates one.
	HostPort int
}

// Manager owns container sandboxes.
type Manager struct {
	config    Config
	engine    runtime.Engine
	store     store.Store
	registry  *ports.Registry
	workspace *workspace.Manager
	locker    lease.Locker

	beforeTeardown TeardownHook

	mu        sync.Mutex
	sandboxes map[string]*Sandbox // by identity key
}

// NewManager creates a Manager and registers it as the port binder for
// sandboxes.
func NewManager(cfg Config, engine runtime.Engine, s store.Store, registry *ports.Registry, ws *workspace.Manager, opts ...Option) (*Manager, error) {
	if cfg.Image == "" {
		return nil, errors.New("sandbox image is required")
	}
	if cfg.ContainerPort <= 0 {
		cfg.ContainerPort = 8000
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/workspace"
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 5 * time.Minute
	}

	m := &Manager{
		config:    cfg,
		engine:    engine,
		store:     s,
		registry:  registry,
		workspace: ws,
		locker:    lease.NewLocalLocker(),
		sandboxes: make(map[string]*Sandbox),
	}
	for _, opt := range opts {
		opt(m)
	}
	registry.RegisterBinder(types.OwnerSandbox, m)
	return m, nil
}

func (m *Manager) acquire(ctx context.Context, id types.Identity) (func(), error) {
	l, err := m.locker.Acquire(ctx, lease.Key(string(types.OwnerSandbox), id.Key()))
	if err != nil {
		return nil, types.Transient("sandbox.lease", id.Key(), err)
	}
	return func() {
		if err := l.Release(context.Background()); err != nil {
			logging.Warn("Failed to release lease", logging.Owner(id.Key()), logging.Err(err))
		}
	}, nil
}

// ResolveOrCreate returns the live sandbox for the identifier, recreating
// its container when the record and the engine disagree and creating both
// when nothing exists yet. Exactly one identifier must be set.
func (m *Manager) ResolveOrCreate(ctx context.Context, req ResolveRequest) (*Sandbox, error) {
	if err := req.Identity.ValidateExactlyOne(); err != nil {
		return nil, err
	}
	release, err := m.acquire(ctx, req.Identity)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := m.store.GetSandbox(ctx, req.Identity)
	switch {
	case errors.Is(err, types.ErrNotFound):
		return m.create(ctx, req)
	case err != nil:
		return nil, fmt.Errorf("load sandbox record: %w", err)
	}

	if rec.Status == types.StatusRunning {
		live, err := m.containerLive(ctx, rec.ContainerID)
		if err != nil {
			return nil, err
		}
		if live {
			sb := m.attach(rec)
			sb.touch()
			logging.Debug("Reusing live sandbox",
				logging.Owner(rec.Identity.Key()),
				logging.String("container_id", rec.ContainerID),
			)
			return sb, nil
		}
		logging.Info("Sandbox record is running but container is not, recreating",
			logging.Owner(rec.Identity.Key()),
			logging.String("container_id", rec.ContainerID),
		)
	}
	return m.recreate(ctx, rec)
}

func (m *Manager) containerLive(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	st, err := m.engine.Inspect(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, types.Transient("sandbox.inspect", id, err)
	}
	return st.Running, nil
}

// attach returns the in-memory handle for rec, creating one if this process
// has not seen the sandbox yet.
func (m *Manager) attach(rec *types.SandboxRecord) *Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.Identity.Key()
	if sb, ok := m.sandboxes[key]; ok && !sb.Closed() {
		sb.setRecord(rec)
		return sb
	}
	sb := &Sandbox{manager: m, rec: rec}
	m.sandboxes[key] = sb
	return sb
}

func (m *Manager) detach(sb *Sandbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sb.key()
	if cur, ok := m.sandboxes[key]; ok && cur == sb {
		delete(m.sandboxes, key)
	}
}

func (m *Manager) create(ctx context.Context, req ResolveRequest) (*Sandbox, error) {
	codeDir, err := m.workspace.CodeDir(req.Identity, req.CodeDir)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	rec := &types.SandboxRecord{
		ID:            id,
		Identity:      req.Identity,
		ContainerName: containerName(req.Identity, id),
		Image:         m.config.Image,
		CodeDir:       codeDir,
		Status:        types.StatusCreated,
		Resources:     m.config.Resources,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.CreateSandbox(ctx, rec); err != nil {
		return nil, fmt.Errorf("create sandbox record: %w", err)
	}
	logging.Info("Creating sandbox",
		logging.Owner(req.Identity.Key()),
		logging.String("image", rec.Image),
		logging.String("code_dir", codeDir),
	)

	sb := &Sandbox{manager: m, rec: rec}
	if err := m.launch(ctx, sb, req.HostPort); err != nil {
		m.markError(ctx, sb, err)
		return nil, err
	}
	m.mu.Lock()
	m.sandboxes[req.Identity.Key()] = sb
	m.mu.Unlock()
	sb.touch()
	return sb, nil
}

// recreate brings a stopped, failed or drifted record back to running with
// a fresh container, reusing its image, limits, code directory and, when
// still free, its host port.
func (m *Manager) recreate(ctx context.Context, rec *types.SandboxRecord) (*Sandbox, error) {
	if rec.ContainerID != "" {
		m.removeContainer(ctx, rec.Identity.Key(), rec.ContainerID)
		rec.ContainerID = ""
	}
	if rec.Status == types.StatusRunning {
		if err := m.setStatus(ctx, rec, types.StatusStopped); err != nil {
			return nil, err
		}
	}
	if rec.Status != types.StatusCreated {
		if err := m.setStatus(ctx, rec, types.StatusCreated); err != nil {
			return nil, err
		}
	}
	if _, err := m.workspace.CodeDir(rec.Identity, rec.CodeDir); err != nil {
		return nil, err
	}

	owner := ports.Owner{Kind: types.OwnerSandbox, ID: rec.ID, Identity: rec.Identity}
	previous, err := m.registry.Lookup(ctx, owner, m.config.ContainerPort)
	if err != nil {
		return nil, err
	}

	// a handle still held by callers stays valid across the recreate
	sb := m.lookupHandle(rec.Identity)
	reused := sb != nil && !sb.Closed()
	if reused {
		sb.setRecord(rec)
	} else {
		sb = &Sandbox{manager: m, rec: rec}
	}
	if err := m.launch(ctx, sb, previous); err != nil {
		m.markError(ctx, sb, err)
		return nil, err
	}

	m.mu.Lock()
	m.sandboxes[rec.Identity.Key()] = sb
	m.mu.Unlock()
	if reused {
		m.replay(ctx, sb)
	}
	sb.touch()
	return sb, nil
}

// launch creates and starts the sandbox's container, binding the primary
// container port to hostPort or to a freshly allocated port. A start that
// fails on an allocated port is retried once with a new allocation.
func (m *Manager) launch(ctx context.Context, sb *Sandbox, hostPort int) error {
	rec := sb.record()
	owner := sb.owner()

	mappings, err := m.registry.Mappings(ctx, owner)
	if err != nil {
		return err
	}

	var tried []int
	for attempt := 0; attempt < 2; attempt++ {
		var res *ports.Reservation
		if attempt == 0 && hostPort > 0 {
			res, err = m.registry.Claim(ctx, owner, hostPort)
			if errors.Is(err, types.ErrPortAllocated) {
				logging.Warn("Requested host port is held, allocating a new one",
					logging.Owner(rec.Identity.Key()),
					logging.Int("host_port", hostPort),
				)
				tried = append(tried, hostPort)
				res, err = m.registry.Reserve(ctx, types.OwnerSandbox, tried...)
			}
		} else {
			res, err = m.registry.Reserve(ctx, types.OwnerSandbox, tried...)
		}
		if err != nil {
			return err
		}

		bindings := []runtime.PortBinding{{ContainerPort: m.config.ContainerPort, HostPort: res.Port}}
		for _, pm := range mappings {
			if pm.ContainerPort != m.config.ContainerPort {
				bindings = append(bindings, runtime.PortBinding{ContainerPort: pm.ContainerPort, HostPort: pm.HostPort})
			}
		}

		containerID, err := m.startContainer(ctx, rec, bindings)
		if err == nil {
			if err := m.registry.Record(ctx, owner, m.config.ContainerPort, res, "primary"); err != nil {
				m.removeContainer(ctx, rec.Identity.Key(), containerID)
				return err
			}
			rec.ContainerID = containerID
			rec.HostPort = res.Port
			if err := m.setStatus(ctx, rec, types.StatusRunning); err != nil {
				return err
			}
			sb.setRecord(rec)
			logging.Info("Sandbox running",
				logging.Owner(rec.Identity.Key()),
				logging.String("container_id", containerID),
				logging.Int("host_port", res.Port),
			)
			return nil
		}
		res.Release()

		if !errors.Is(err, types.ErrPortAllocated) || attempt == 1 {
			return err
		}
		logging.Warn("Host port already allocated, retrying with a new port",
			logging.Owner(rec.Identity.Key()),
			logging.Int("host_port", res.Port),
		)
		tried = append(tried, res.Port)
	}
	return err
}

func (m *Manager) startContainer(ctx context.Context, rec *types.SandboxRecord, bindings []runtime.PortBinding) (string, error) {
	spec := &runtime.ContainerSpec{
		Name:    containerName(rec.Identity, uuid.NewString()),
		Image:   rec.Image,
		WorkDir: m.config.WorkDir,
		Labels: map[string]string{
			labelIdentity: rec.Identity.Key(),
			labelRecord:   rec.ID,
		},
		Mounts:      []runtime.Mount{{Source: rec.CodeDir, Target: m.config.WorkDir}},
		Ports:       bindings,
		Resources:   rec.Resources,
		NetworkMode: m.config.NetworkMode,
	}
	rec.ContainerName = spec.Name

	id, err := m.engine.Create(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := m.engine.Start(ctx, id); err != nil {
		m.removeContainer(ctx, rec.Identity.Key(), id)
		return "", err
	}
	return id, nil
}

// ensureRunning lazily starts the sandbox's container, recreating it when
// the engine no longer knows it.
func (m *Manager) ensureRunning(ctx context.Context, sb *Sandbox) error {
	live, err := m.containerLive(ctx, sb.ContainerID())
	if err != nil || live {
		return err
	}

	release, err := m.acquire(ctx, sb.Identity())
	if err != nil {
		return err
	}
	defer release()

	if sb.Closed() {
		return types.ErrClosedSandbox
	}
	rec, err := m.store.GetSandbox(ctx, sb.Identity())
	if err != nil {
		return err
	}
	if rec.ID != sb.ID() {
		return types.ErrClosedSandbox
	}
	if live, err := m.containerLive(ctx, rec.ContainerID); err != nil || live {
		sb.setRecord(rec)
		return err
	}

	if rec.ContainerID != "" {
		err := m.engine.Start(ctx, rec.ContainerID)
		if err == nil {
			logging.Info("Sandbox container restarted", logging.Owner(rec.Identity.Key()))
			return nil
		}
		logging.Warn("Failed to restart container, recreating",
			logging.Owner(rec.Identity.Key()),
			logging.Err(err),
		)
		m.removeContainer(ctx, rec.Identity.Key(), rec.ContainerID)
	}

	rec.ContainerID = ""
	if rec.Status == types.StatusRunning {
		if err := m.setStatus(ctx, rec, types.StatusStopped); err != nil {
			return err
		}
	}
	if rec.Status != types.StatusCreated {
		if err := m.setStatus(ctx, rec, types.StatusCreated); err != nil {
			return err
		}
	}
	sb.setRecord(rec)
	if err := m.launch(ctx, sb, rec.HostPort); err != nil {
		m.markError(ctx, sb, err)
		return err
	}
	m.replay(ctx, sb)
	return nil
}

func (m *Manager) teardown(ctx context.Context, sb *Sandbox) {
	rec := sb.record()
	key := rec.Identity.Key()

	steps := []besteffort.Step{}
	if m.beforeTeardown != nil {
		steps = append(steps, besteffort.Step{Name: "before_teardown", Fn: func() error {
			return m.beforeTeardown(ctx, sb)
		}})
	}
	if rec.ContainerID != "" {
		steps = append(steps,
			besteffort.Step{Name: "kill", Fn: func() error { return m.engine.Kill(ctx, rec.ContainerID) }},
			besteffort.Step{Name: "remove", Fn: func() error { return m.engine.Remove(ctx, rec.ContainerID) }},
		)
	}
	steps = append(steps, besteffort.Step{Name: "record", Fn: func() error {
		cur, err := m.store.GetSandbox(ctx, rec.Identity)
		if err != nil {
			return err
		}
		if cur.ID != rec.ID {
			return nil
		}
		switch cur.Status {
		case types.StatusRunning:
			return m.setStatus(ctx, cur, types.StatusStopped)
		case types.StatusCreated:
			// never started: nothing to keep
			if err := m.registry.Forget(ctx, sb.owner()); err != nil {
				return err
			}
			return m.store.DeleteSandbox(ctx, rec.Identity)
		}
		return nil
	}})

	_ = besteffort.Run("sandbox.close", key, steps...)
	m.detach(sb)
	logging.Info("Sandbox closed", logging.Owner(key), logging.String("container_id", rec.ContainerID))
}

func (m *Manager) removeContainer(ctx context.Context, owner, id string) {
	_ = besteffort.Run("sandbox.remove_container", owner,
		besteffort.Step{Name: "kill", Fn: func() error { return m.engine.Kill(ctx, id) }},
		besteffort.Step{Name: "remove", Fn: func() error { return m.engine.Remove(ctx, id) }},
	)
}

func (m *Manager) setStatus(ctx context.Context, rec *types.SandboxRecord, status types.Status) error {
	now := time.Now().UTC()
	rec.Status = status
	switch status {
	case types.StatusRunning:
		rec.StartedAt = &now
		rec.StoppedAt = nil
	case types.StatusStopped:
		rec.StoppedAt = &now
	}
	if err := m.store.UpdateSandbox(ctx, rec); err != nil {
		return fmt.Errorf("update sandbox %s to %s: %w", rec.Identity, status, err)
	}
	return nil
}

func (m *Manager) markError(ctx context.Context, sb *Sandbox, cause error) {
	rec := sb.record()
	logging.Error("Sandbox failed to start",
		logging.Owner(rec.Identity.Key()),
		logging.Err(cause),
	)
	if err := m.setStatus(ctx, rec, types.StatusError); err != nil {
		logging.Warn("Failed to mark sandbox error", logging.Owner(rec.Identity.Key()), logging.Err(err))
	}
	sb.setRecord(rec)
}

func (m *Manager) replay(ctx context.Context, sb *Sandbox) {
	cmds := sb.replayCommands()
	if len(cmds) == 0 {
		return
	}
	steps := make([]besteffort.Step, 0, len(cmds))
	for _, req := range cmds {
		req := req
		steps = append(steps, besteffort.Step{Name: "replay " + req.Command, Fn: func() error {
			_, err := m.engine.Exec(ctx, sb.ContainerID(), &runtime.ExecOptions{
				Command: req.Command,
				WorkDir: firstNonEmpty(req.WorkDir, m.config.WorkDir),
				Env:     req.Env,
				Timeout: m.config.ExecTimeout,
			})
			return err
		}})
	}
	_ = besteffort.Run("sandbox.replay", sb.key(), steps...)
}

func (m *Manager) logCommand(ctx context.Context, owner, command string, result *types.ExecResult) {
	out := result.Combined()
	if len(out) > maxLoggedOutput {
		out = out[:maxLoggedOutput]
	}
	err := m.store.AppendCommandLog(ctx, &types.CommandLog{
		OwnerKey: owner,
		Command:  command,
		Output:   out,
		ExitCode: result.ExitCode,
	})
	if err != nil {
		logging.Warn("Failed to append command log", logging.Owner(owner), logging.Err(err))
	}
}

func (m *Manager) lookupHandle(id types.Identity) *Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sandboxes[id.Key()]
}

// Get returns the live handle for an identifier without creating anything.
// A stopped or failed sandbox yields types.ErrClosedSandbox; resolve it
// again to bring it back.
func (m *Manager) Get(ctx context.Context, id types.Identity) (*Sandbox, error) {
	if sb := m.lookupHandle(id); sb != nil && !sb.Closed() {
		return sb, nil
	}
	rec, err := m.store.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case types.StatusRunning:
		return m.attach(rec), nil
	case types.StatusStopped, types.StatusError:
		return nil, fmt.Errorf("sandbox for %s is %s: %w", id, rec.Status, types.ErrClosedSandbox)
	default:
		return nil, fmt.Errorf("sandbox for %s is %s: %w", id, rec.Status, types.ErrNotFound)
	}
}

// List returns every sandbox record.
func (m *Manager) List(ctx context.Context) ([]*types.SandboxRecord, error) {
	return m.store.ListSandboxes(ctx)
}

// AddPort exposes an additional container port on the sandbox.
func (m *Manager) AddPort(ctx context.Context, id types.Identity, containerPort, hostPort int, note string) (int, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	release, err := m.acquire(ctx, id)
	if err != nil {
		return 0, err
	}
	defer release()

	rec, err := m.store.GetSandbox(ctx, id)
	if err != nil {
		return 0, err
	}
	owner := ports.Owner{Kind: types.OwnerSandbox, ID: rec.ID, Identity: rec.Identity}
	return m.registry.AddPort(ctx, owner, containerPort, hostPort, note)
}

// Delete closes the sandbox and drops its port mappings. The record is
// kept as stopped.
func (m *Manager) Delete(ctx context.Context, id types.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	release, err := m.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	rec, err := m.store.GetSandbox(ctx, id)
	if err != nil {
		return err
	}
	sb := m.lookupHandle(id)
	if sb == nil {
		sb = &Sandbox{manager: m, rec: rec}
	}
	_ = sb.Close(ctx)
	return m.registry.Forget(ctx, ports.Owner{Kind: types.OwnerSandbox, ID: rec.ID, Identity: rec.Identity})
}

// Shutdown closes every sandbox this process holds a handle for.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		handles = append(handles, sb)
	}
	m.mu.Unlock()

	for _, sb := range handles {
		_ = sb.Close(ctx)
	}
}

func containerName(id types.Identity, unique string) string {
	suffix := strings.ReplaceAll(unique, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return workspace.IdentitySlug(id, 50, "sb-") + "-" + suffix
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
