package ports

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/store"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Owner identifies the sandbox or pod a mapping belongs to.
type Owner struct {
	Kind     types.OwnerKind
	ID       string
	Identity types.Identity
}

func (o Owner) String() string {
	return string(o.Kind) + "/" + o.ID
}

// Binder applies mappings to the live sandbox or pod.
type Binder interface {
	// BindingLive reports whether m is currently in effect on the owner.
	BindingLive(ctx context.Context, owner Owner, m *types.PortMapping) (bool, error)
	// Rebind makes the owner expose exactly the given mappings. Collisions
	// on a host port are reported with types.ErrPortAllocated.
	Rebind(ctx context.Context, owner Owner, mappings []*types.PortMapping) error
}

// Registry is the single authority for port assignments. Record fields
// such as SandboxRecord.HostPort only cache what the registry decided.
type Registry struct {
	store      store.Store
	allocators map[types.OwnerKind]*Allocator

	mu      sync.Mutex
	binders map[types.OwnerKind]Binder
	pending map[types.OwnerKind]map[int]bool
}

// NewRegistry creates a registry over s with one allocator per owner kind.
func NewRegistry(s store.Store, allocators map[types.OwnerKind]*Allocator) *Registry {
	return &Registry{
		store:      s,
		allocators: allocators,
		binders:    make(map[types.OwnerKind]Binder),
		pending:    make(map[types.OwnerKind]map[int]bool),
	}
}

// RegisterBinder installs the binder used for owners of kind.
func (r *Registry) RegisterBinder(kind types.OwnerKind, b Binder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.binders[kind] = b
}

func (r *Registry) binder(kind types.OwnerKind) (Binder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.binders[kind]
	if !ok {
		return nil, fmt.Errorf("no port binder registered for %s", kind)
	}
	return b, nil
}

// Reservation holds a port until it is recorded or released.
type Reservation struct {
	Port     int
	kind     types.OwnerKind
	registry *Registry
	once     sync.Once
}

// Release returns the port to the pool if it was never recorded.
func (res *Reservation) Release() {
	if res == nil {
		return
	}
	res.once.Do(func() {
		res.registry.mu.Lock()
		delete(res.registry.pending[res.kind], res.Port)
		res.registry.mu.Unlock()
	})
}

// Reserve picks a free port for kind, excluding ports recorded for live
// owners, ports being reserved concurrently and any in exclude.
func (r *Registry) Reserve(ctx context.Context, kind types.OwnerKind, exclude ...int) (*Reservation, error) {
	alloc, ok := r.allocators[kind]
	if !ok {
		return nil, fmt.Errorf("no allocator for %s", kind)
	}
	used, err := r.store.UsedPorts(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("load used ports: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reserved := make(map[int]bool, len(used)+len(exclude))
	for p := range used {
		reserved[p] = true
	}
	for p := range r.pending[kind] {
		reserved[p] = true
	}
	for _, p := range exclude {
		reserved[p] = true
	}

	port, err := alloc.Allocate(ctx, reserved)
	if err != nil {
		return nil, err
	}
	if r.pending[kind] == nil {
		r.pending[kind] = make(map[int]bool)
	}
	r.pending[kind][port] = true
	return &Reservation{Port: port, kind: kind, registry: r}, nil
}

// Claim reserves a caller-chosen port, failing if a live owner holds it.
func (r *Registry) Claim(ctx context.Context, owner Owner, port int) (*Reservation, error) {
	used, err := r.store.UsedPorts(ctx, owner.Kind)
	if err != nil {
		return nil, fmt.Errorf("load used ports: %w", err)
	}
	if holder, ok := used[port]; ok && holder != owner.ID {
		return nil, fmt.Errorf("port %d held by %s: %w", port, holder, types.ErrPortAllocated)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[owner.Kind][port] {
		return nil, fmt.Errorf("port %d is being reserved: %w", port, types.ErrPortAllocated)
	}
	if r.pending[owner.Kind] == nil {
		r.pending[owner.Kind] = make(map[int]bool)
	}
	r.pending[owner.Kind][port] = true
	return &Reservation{Port: port, kind: owner.Kind, registry: r}, nil
}

// Record persists a mapping and releases its reservation.
func (r *Registry) Record(ctx context.Context, owner Owner, containerPort int, res *Reservation, note string) error {
	defer res.Release()
	return r.store.SavePortMapping(ctx, &types.PortMapping{
		OwnerKind:     owner.Kind,
		OwnerID:       owner.ID,
		ContainerPort: containerPort,
		HostPort:      res.Port,
		Note:          note,
		CreatedAt:     time.Now().UTC(),
	})
}

// Mappings returns the owner's recorded mappings.
func (r *Registry) Mappings(ctx context.Context, owner Owner) ([]*types.PortMapping, error) {
	return r.store.ListPortMappings(ctx, owner.Kind, owner.ID)
}

// Lookup returns the recorded host port for a container port, or 0.
func (r *Registry) Lookup(ctx context.Context, owner Owner, containerPort int) (int, error) {
	m, err := r.store.GetPortMapping(ctx, owner.Kind, owner.ID, containerPort)
	if errors.Is(err, types.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return m.HostPort, nil
}

// Forget drops every mapping of the owner.
func (r *Registry) Forget(ctx context.Context, owner Owner) error {
	return r.store.DeletePortMappings(ctx, owner.Kind, owner.ID)
}

// AddPort ensures containerPort is exposed on the owner and returns the
// host or node port serving it. An existing live mapping is returned
// unchanged. Otherwise hostPort is used when non-zero, or a port is
// allocated, the owner is rebound and the mapping persisted. A collision
// on an allocated port is retried once with a fresh allocation.
func (r *Registry) AddPort(ctx context.Context, owner Owner, containerPort, hostPort int, note string) (int, error) {
	if containerPort <= 0 || containerPort > 65535 {
		return 0, types.InvalidArgument("add_port", fmt.Sprintf("container port %d out of range", containerPort))
	}
	if hostPort < 0 || hostPort > 65535 {
		return 0, types.InvalidArgument("add_port", fmt.Sprintf("host port %d out of range", hostPort))
	}
	binder, err := r.binder(owner.Kind)
	if err != nil {
		return 0, err
	}

	existing, err := r.store.GetPortMapping(ctx, owner.Kind, owner.ID, containerPort)
	switch {
	case err == nil:
		if hostPort == 0 || hostPort == existing.HostPort {
			live, err := binder.BindingLive(ctx, owner, existing)
			if err != nil {
				logging.Warn("Failed to verify port binding",
					logging.String("owner", owner.String()),
					logging.Int("container_port", containerPort),
					logging.Err(err),
				)
			}
			if live {
				return existing.HostPort, nil
			}
			// recorded but not in effect: reapply the same port
			hostPort = existing.HostPort
		}
		if note == "" {
			note = existing.Note
		}
	case errors.Is(err, types.ErrNotFound):
	default:
		return 0, err
	}

	current, err := r.store.ListPortMappings(ctx, owner.Kind, owner.ID)
	if err != nil {
		return 0, err
	}

	allocated := hostPort == 0
	var tried []int
	for attempt := 0; attempt < 2; attempt++ {
		var res *Reservation
		if allocated {
			res, err = r.Reserve(ctx, owner.Kind, tried...)
		} else {
			res, err = r.Claim(ctx, owner, hostPort)
		}
		if err != nil {
			return 0, err
		}

		mapping := &types.PortMapping{
			OwnerKind:     owner.Kind,
			OwnerID:       owner.ID,
			ContainerPort: containerPort,
			HostPort:      res.Port,
			Note:          note,
			CreatedAt:     time.Now().UTC(),
		}
		err = binder.Rebind(ctx, owner, withMapping(current, mapping))
		if err == nil {
			if err := r.store.SavePortMapping(ctx, mapping); err != nil {
				res.Release()
				return 0, err
			}
			res.Release()
			logging.Info("Port mapping added",
				logging.String("owner", owner.String()),
				logging.Int("container_port", containerPort),
				logging.Int("host_port", mapping.HostPort),
			)
			return mapping.HostPort, nil
		}
		res.Release()

		if !allocated || !errors.Is(err, types.ErrPortAllocated) {
			return 0, err
		}
		logging.Warn("Allocated port collided, retrying",
			logging.String("owner", owner.String()),
			logging.Int("host_port", res.Port),
		)
		tried = append(tried, res.Port)
	}
	return 0, err
}

// withMapping returns current with m replacing any mapping for the same
// container port.
func withMapping(current []*types.PortMapping, m *types.PortMapping) []*types.PortMapping {
	out := make([]*types.PortMapping, 0, len(current)+1)
	for _, c := range current {
		if c.ContainerPort != m.ContainerPort {
			out = append(out, c)
		}
	}
	return append(out, m)
}
