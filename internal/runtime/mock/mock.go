// Package mock provides an in-memory runtime.Engine for testing.
package mock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote/remotetest"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/runtime"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

type container struct {
	id      string
	spec    runtime.ContainerSpec
	running bool
	status  string
}

// MockEngine is an in-memory runtime.Engine. Host ports behave like the
// Docker daemon: two running containers cannot publish the same host port.
type MockEngine struct {
	mu         sync.RWMutex
	containers map[string]*container
	names      map[string]string
	taken      map[int]bool
	execs      []string
	starts     int

	// Hooks for customizing behavior in tests
	OnCreate func(ctx context.Context, spec *runtime.ContainerSpec) (string, error)
	OnStart  func(ctx context.Context, id string) error
	OnExec   func(ctx context.Context, id string, opts *runtime.ExecOptions) (*types.ExecResult, error)
	OnShell  func(ctx context.Context, id string) (io.ReadWriteCloser, error)
}

// New creates a new MockEngine.
func New() *MockEngine {
	return &MockEngine{
		containers: make(map[string]*container),
		names:      make(map[string]string),
		taken:      make(map[int]bool),
	}
}

// Name returns the name of this engine implementation.
func (m *MockEngine) Name() string {
	return "mock"
}

// TakePort marks a host port as bound by something outside the engine.
func (m *MockEngine) TakePort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taken[port] = true
}

// Create records a container in the created state.
func (m *MockEngine) Create(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	if m.OnCreate != nil {
		return m.OnCreate(ctx, spec)
	}
	if spec.Image == "" {
		return "", fmt.Errorf("image is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if spec.Name != "" {
		if _, ok := m.names[spec.Name]; ok {
			return "", fmt.Errorf("container name %s: %w", spec.Name, types.ErrAlreadyExists)
		}
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	c := &container{id: id, spec: *spec, status: "created"}
	c.spec.Ports = append([]runtime.PortBinding(nil), spec.Ports...)
	m.containers[id] = c
	if spec.Name != "" {
		m.names[spec.Name] = id
	}
	return id, nil
}

// Start runs a created container.
func (m *MockEngine) Start(ctx context.Context, id string) error {
	if m.OnStart != nil {
		return m.OnStart(ctx, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return types.ErrNotFound
	}
	if c.running {
		return nil
	}
	for _, p := range c.spec.Ports {
		if m.portInUse(p.HostPort, id) {
			return fmt.Errorf("Bind for 0.0.0.0:%d failed: %w", p.HostPort, types.ErrPortAllocated)
		}
	}
	c.running = true
	c.status = "running"
	m.starts++
	return nil
}

func (m *MockEngine) portInUse(port int, self string) bool {
	if port == 0 {
		return false
	}
	if m.taken[port] {
		return true
	}
	for id, other := range m.containers {
		if id == self || !other.running {
			continue
		}
		for _, p := range other.spec.Ports {
			if p.HostPort == port {
				return true
			}
		}
	}
	return false
}

// Inspect returns the container's state.
func (m *MockEngine) Inspect(ctx context.Context, id string) (*runtime.ContainerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.containers[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	st := &runtime.ContainerState{
		ID:      c.id,
		Name:    c.spec.Name,
		Image:   c.spec.Image,
		Running: c.running,
		Status:  c.status,
		Ports:   make(map[int]int),
		Labels:  c.spec.Labels,
	}
	if c.running {
		for _, p := range c.spec.Ports {
			st.Ports[p.ContainerPort] = p.HostPort
		}
	}
	return st, nil
}

// Exec records the command and returns an empty successful result unless
// OnExec is set.
func (m *MockEngine) Exec(ctx context.Context, id string, opts *runtime.ExecOptions) (*types.ExecResult, error) {
	m.mu.Lock()
	c, ok := m.containers[id]
	if !ok {
		m.mu.Unlock()
		return nil, types.ErrNotFound
	}
	if !c.running {
		m.mu.Unlock()
		return nil, fmt.Errorf("container %s is not running", id)
	}
	m.execs = append(m.execs, opts.Command)
	m.mu.Unlock()

	start := time.Now()
	var result *types.ExecResult
	if m.OnExec != nil {
		var err error
		result, err = m.OnExec(ctx, id, opts)
		if err != nil {
			return nil, err
		}
	} else {
		result = &types.ExecResult{}
	}
	if opts.Output != nil {
		_, _ = io.WriteString(opts.Output, result.Stdout+result.Stderr)
	}
	result.Duration = time.Since(start)
	return result, nil
}

// Shell returns a scriptable pipe shell unless OnShell is set.
func (m *MockEngine) Shell(ctx context.Context, id string, shell string) (io.ReadWriteCloser, error) {
	if m.OnShell != nil {
		return m.OnShell(ctx, id)
	}
	m.mu.RLock()
	c, ok := m.containers[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.ErrNotFound
	}
	if !c.running {
		return nil, fmt.Errorf("container %s is not running", id)
	}
	return remotetest.NewPipeShell(), nil
}

// Kill stops a container.
func (m *MockEngine) Kill(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.running = false
		c.status = "exited"
	}
	return nil
}

// Remove deletes a container.
func (m *MockEngine) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		delete(m.names, c.spec.Name)
		delete(m.containers, id)
	}
	return nil
}

// Close is a no-op.
func (m *MockEngine) Close() error {
	return nil
}

// Crash stops a container behind the manager's back.
func (m *MockEngine) Crash(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.running = false
		c.status = "exited"
	}
}

// Vanish removes a container behind the manager's back.
func (m *MockEngine) Vanish(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		delete(m.names, c.spec.Name)
		delete(m.containers, id)
	}
}

// Execs returns every command passed to Exec.
func (m *MockEngine) Execs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.execs))
	copy(out, m.execs)
	return out
}

// Starts returns the number of successful starts.
func (m *MockEngine) Starts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.starts
}

// Spec returns the spec a container was created with.
func (m *MockEngine) Spec(id string) (runtime.ContainerSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return runtime.ContainerSpec{}, false
	}
	return c.spec, true
}

// Count returns the number of containers that exist.
func (m *MockEngine) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.containers)
}

var _ runtime.Engine = (*MockEngine)(nil)
