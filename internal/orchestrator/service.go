// Package orchestrator is the management surface over the sandbox and pod
// managers: one method per operation, each addressed by project and/or
// conversation identifier.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/client-go/rest"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/cluster"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/filebridge"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/ports"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/sandbox"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/terminal"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// ErrUnavailable is returned when the manager an operation needs was not
// configured.
var ErrUnavailable = errors.New("backend not configured")

// Service is the set of operations exposed to callers.
type Service interface {
	ResolveSandbox(ctx context.Context, req sandbox.ResolveRequest) (*SandboxInfo, error)
	ExecSandbox(ctx context.Context, id types.Identity, req sandbox.ExecRequest) (*types.ExecResult, error)
	AddSandboxPort(ctx context.Context, id types.Identity, containerPort, hostPort int, note string) (int, error)
	DeleteSandbox(ctx context.Context, id types.Identity) error
	SandboxURLs(ctx context.Context, id types.Identity) (map[string]string, error)

	ResolvePod(ctx context.Context, id types.Identity) (*PodInfo, error)
	ExecPod(ctx context.Context, id types.Identity, command string) (*types.ExecResult, error)
	AddPodPort(ctx context.Context, id types.Identity, containerPort, nodePort int, note string) (int, error)
	DeletePod(ctx context.Context, id types.Identity, preserveData bool) error
	PodURLs(ctx context.Context, id types.Identity) (map[string]string, error)

	Files(ctx context.Context, id types.Identity) (*filebridge.Client, error)
	Terminal(ctx context.Context, client terminal.ClientConn, req TerminalRequest) error
}

// SandboxInfo is what a sandbox resolve returns.
type SandboxInfo struct {
	Record types.SandboxRecord  `json:"record"`
	Ports  []*types.PortMapping `json:"ports"`
	URLs   map[string]string    `json:"urls"`
}

// PodInfo is what a pod resolve returns.
type PodInfo struct {
	Record types.PodRecord `json:"record"`
	State  string          `json:"state"`
}

// Options wires an Orchestrator. Either manager may be nil, in which case
// its operations fail with ErrUnavailable.
type Options struct {
	Sandboxes *sandbox.Manager
	Pods      *cluster.Manager
	Registry  *ports.Registry
	Bridge    *terminal.Bridge

	// PublicHost is the address sandbox host ports are reachable on.
	PublicHost string
	// ResolveTimeout bounds a shared resolve, which runs detached from the
	// cancellation of the caller that started it. Defaults to ten minutes.
	ResolveTimeout time.Duration

	// Files is the template for per-workload file bridge clients. BaseURL,
	// Runner and Owner are filled in per call.
	Files filebridge.Config

	// ClusterConfig resolves the API credentials stamped on a pod record
	// for native terminals. Nil disables the native pod transport.
	ClusterConfig func(types.ClusterAccess) (*rest.Config, error)
	// ShellClient connects to the remote shell stamped on a pod record for
	// fallback terminals. Nil disables the fallback pod transport.
	ShellClient func(types.ShellAccess) (remote.Executor, error)
	// Local runs the container engine CLI for fallback sandbox terminals.
	Local remote.Executor
	// DockerBinary defaults to "docker".
	DockerBinary string
}

// Orchestrator implements Service.
type Orchestrator struct {
	opts  Options
	group singleflight.Group
}

var _ Service = (*Orchestrator)(nil)

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Bridge == nil {
		opts.Bridge = terminal.NewBridge(terminal.Config{})
	}
	if opts.PublicHost == "" {
		opts.PublicHost = "localhost"
	}
	if opts.DockerBinary == "" {
		opts.DockerBinary = "docker"
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 10 * time.Minute
	}
	return &Orchestrator{opts: opts}
}

// shared runs fn once per key across concurrent callers. fn gets a context
// that keeps the caller's values but not its cancellation; a caller that
// gives up returns its own context error and leaves fn running for the
// rest.
func (o *Orchestrator) shared(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	ch := o.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ResolveTimeout)
		defer cancel()
		return fn(ctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (o *Orchestrator) sandboxes() (*sandbox.Manager, error) {
	if o.opts.Sandboxes == nil {
		return nil, fmt.Errorf("sandboxes: %w", ErrUnavailable)
	}
	return o.opts.Sandboxes, nil
}

func (o *Orchestrator) pods() (*cluster.Manager, error) {
	if o.opts.Pods == nil {
		return nil, fmt.Errorf("pods: %w", ErrUnavailable)
	}
	return o.opts.Pods, nil
}

// ResolveSandbox returns the live sandbox for the identifier, creating or
// recreating it as needed. Concurrent resolves of one identifier share a
// single call.
func (o *Orchestrator) ResolveSandbox(ctx context.Context, req sandbox.ResolveRequest) (*SandboxInfo, error) {
	m, err := o.sandboxes()
	if err != nil {
		return nil, err
	}
	if err := req.Identity.ValidateExactlyOne(); err != nil {
		return nil, err
	}
	v, shared, err := o.shared(ctx, "sandbox/"+req.Identity.Key(), func(ctx context.Context) (any, error) {
		sb, err := m.ResolveOrCreate(ctx, req)
		if err != nil {
			return nil, err
		}
		return o.sandboxInfo(ctx, sb.Record())
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.Debug("Shared sandbox resolve", logging.Owner(req.Identity.Key()))
	}
	return v.(*SandboxInfo), nil
}

func (o *Orchestrator) sandboxInfo(ctx context.Context, rec types.SandboxRecord) (*SandboxInfo, error) {
	info := &SandboxInfo{Record: rec, URLs: map[string]string{}}
	if o.opts.Registry == nil {
		if rec.HostPort > 0 {
			info.URLs["primary"] = o.url(rec.HostPort)
		}
		return info, nil
	}
	mappings, err := o.opts.Registry.Mappings(ctx, ports.Owner{Kind: types.OwnerSandbox, ID: rec.ID, Identity: rec.Identity})
	if err != nil {
		return nil, err
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].ContainerPort < mappings[j].ContainerPort })
	info.Ports = mappings
	for _, pm := range mappings {
		info.URLs[urlKey(pm)] = o.url(pm.HostPort)
	}
	return info, nil
}

func (o *Orchestrator) url(port int) string {
	return fmt.Sprintf("http://%s:%d", o.opts.PublicHost, port)
}

func urlKey(pm *types.PortMapping) string {
	if pm.Note != "" {
		return pm.Note
	}
	return fmt.Sprintf("port-%d", pm.ContainerPort)
}

// ExecSandbox runs a command in the identifier's live sandbox.
func (o *Orchestrator) ExecSandbox(ctx context.Context, id types.Identity, req sandbox.ExecRequest) (*types.ExecResult, error) {
	m, err := o.sandboxes()
	if err != nil {
		return nil, err
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	sb, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sb.Exec(ctx, req)
}

// AddSandboxPort maps an extra container port. A zero hostPort allocates
// one.
func (o *Orchestrator) AddSandboxPort(ctx context.Context, id types.Identity, containerPort, hostPort int, note string) (int, error) {
	m, err := o.sandboxes()
	if err != nil {
		return 0, err
	}
	if containerPort <= 0 {
		return 0, types.InvalidArgument("add_port", "container_port is required")
	}
	return m.AddPort(ctx, id, containerPort, hostPort, note)
}

// DeleteSandbox tears the sandbox down and keeps its record as stopped.
func (o *Orchestrator) DeleteSandbox(ctx context.Context, id types.Identity) error {
	m, err := o.sandboxes()
	if err != nil {
		return err
	}
	return m.Delete(ctx, id)
}

// SandboxURLs returns the URL of every mapped port.
func (o *Orchestrator) SandboxURLs(ctx context.Context, id types.Identity) (map[string]string, error) {
	m, err := o.sandboxes()
	if err != nil {
		return nil, err
	}
	sb, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	info, err := o.sandboxInfo(ctx, sb.Record())
	if err != nil {
		return nil, err
	}
	return info.URLs, nil
}

// ResolvePod reconciles the identifier's pod workspace and returns it
// running. Concurrent resolves of one identifier share a single call.
func (o *Orchestrator) ResolvePod(ctx context.Context, id types.Identity) (*PodInfo, error) {
	m, err := o.pods()
	if err != nil {
		return nil, err
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	v, _, err := o.shared(ctx, "pod/"+id.Key(), func(ctx context.Context) (any, error) {
		pod, err := m.ResolveOrCreate(ctx, id)
		if err != nil {
			return nil, err
		}
		return &PodInfo{Record: pod.Record, State: pod.State.String()}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PodInfo), nil
}

// ExecPod runs a command in the workspace container.
func (o *Orchestrator) ExecPod(ctx context.Context, id types.Identity, command string) (*types.ExecResult, error) {
	m, err := o.pods()
	if err != nil {
		return nil, err
	}
	return m.Exec(ctx, id, command)
}

// AddPodPort exposes a container port on a node port. A zero nodePort
// allocates one.
func (o *Orchestrator) AddPodPort(ctx context.Context, id types.Identity, containerPort, nodePort int, note string) (int, error) {
	m, err := o.pods()
	if err != nil {
		return 0, err
	}
	if containerPort <= 0 {
		return 0, types.InvalidArgument("add_port", "container_port is required")
	}
	return m.AddPort(ctx, id, containerPort, nodePort, note)
}

// DeletePod removes the workload, keeping its data when preserveData is
// set.
func (o *Orchestrator) DeletePod(ctx context.Context, id types.Identity, preserveData bool) error {
	m, err := o.pods()
	if err != nil {
		return err
	}
	return m.Delete(ctx, id, preserveData)
}

// PodURLs returns the current service URLs, re-read from the cluster.
func (o *Orchestrator) PodURLs(ctx context.Context, id types.Identity) (map[string]string, error) {
	m, err := o.pods()
	if err != nil {
		return nil, err
	}
	info, err := m.ServiceURLs(ctx, id)
	if err != nil {
		return nil, err
	}
	return info.URLs, nil
}

// Files returns a file bridge client for the pod's file service.
func (o *Orchestrator) Files(ctx context.Context, id types.Identity) (*filebridge.Client, error) {
	m, err := o.pods()
	if err != nil {
		return nil, err
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	base := rec.Service.URLs[filesService]
	if base == "" {
		info, err := m.ServiceURLs(ctx, id)
		if err != nil {
			return nil, err
		}
		base = info.URLs[filesService]
	}
	if base == "" {
		return nil, fmt.Errorf("file service for %s: %w", id, types.ErrNotFound)
	}

	cfg := o.opts.Files
	cfg.BaseURL = base
	cfg.Owner = id.Key()
	cfg.Runner = func(ctx context.Context, command string) (*types.ExecResult, error) {
		return m.Exec(ctx, id, command)
	}
	if cfg.ShellRoot == "" {
		cfg.ShellRoot = workspaceRoot
	}
	return filebridge.New(cfg)
}

const (
	filesService  = "files"
	workspaceRoot = "/workspace"
)
