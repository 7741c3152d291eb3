// Package store persists sandbox and pod records, port mappings and the
// command audit log. It is the single source of truth for the orchestrator;
// the container runtime and the cluster are mirrors reconciled against it.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Store defines the persistence operations used by the managers.
//
// Records are unique per identity. Updates that would move a record through
// an illegal status transition fail with types.ErrInvalidTransition.
type Store interface {
	CreateSandbox(ctx context.Context, rec *types.SandboxRecord) error
	GetSandbox(ctx context.Context, id types.Identity) (*types.SandboxRecord, error)
	UpdateSandbox(ctx context.Context, rec *types.SandboxRecord) error
	DeleteSandbox(ctx context.Context, id types.Identity) error
	ListSandboxes(ctx context.Context) ([]*types.SandboxRecord, error)

	CreatePod(ctx context.Context, rec *types.PodRecord) error
	GetPod(ctx context.Context, id types.Identity) (*types.PodRecord, error)
	UpdatePod(ctx context.Context, rec *types.PodRecord) error
	DeletePod(ctx context.Context, id types.Identity) error
	ListPods(ctx context.Context) ([]*types.PodRecord, error)

	// SavePortMapping inserts or replaces the mapping for the owner's
	// container port.
	SavePortMapping(ctx context.Context, m *types.PortMapping) error
	GetPortMapping(ctx context.Context, kind types.OwnerKind, ownerID string, containerPort int) (*types.PortMapping, error)
	ListPortMappings(ctx context.Context, kind types.OwnerKind, ownerID string) ([]*types.PortMapping, error)
	DeletePortMappings(ctx context.Context, kind types.OwnerKind, ownerID string) error
	// UsedPorts returns the host/node ports held by live owners of kind.
	UsedPorts(ctx context.Context, kind types.OwnerKind) (map[int]string, error)

	AppendCommandLog(ctx context.Context, entry *types.CommandLog) error
	ListCommandLogs(ctx context.Context, ownerKey string, limit int) ([]*types.CommandLog, error)

	Close() error
}

func validateSandbox(rec *types.SandboxRecord) error {
	if rec == nil {
		return errors.New("sandbox record cannot be nil")
	}
	if rec.ID == "" {
		return errors.New("sandbox record ID cannot be empty")
	}
	return rec.Identity.Validate()
}

func validatePod(rec *types.PodRecord) error {
	if rec == nil {
		return errors.New("pod record cannot be nil")
	}
	if rec.ID == "" {
		return errors.New("pod record ID cannot be empty")
	}
	if rec.Namespace == "" {
		return errors.New("pod namespace cannot be empty")
	}
	return rec.Identity.Validate()
}

func validateMapping(m *types.PortMapping) error {
	if m == nil {
		return errors.New("port mapping cannot be nil")
	}
	if m.OwnerID == "" {
		return errors.New("port mapping owner cannot be empty")
	}
	if m.ContainerPort <= 0 || m.ContainerPort > 65535 || m.HostPort <= 0 || m.HostPort > 65535 {
		return types.InvalidArgument("port mapping", fmt.Sprintf("ports out of range: %d->%d", m.ContainerPort, m.HostPort))
	}
	return nil
}

func checkTransition(from, to types.Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, from, to)
	}
	return nil
}

func prepareLog(entry *types.CommandLog) error {
	if entry == nil {
		return errors.New("command log cannot be nil")
	}
	if entry.OwnerKey == "" {
		return errors.New("command log owner cannot be empty")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return nil
}

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore is an in-memory Store, used for tests and single-process runs.
type MemoryStore struct {
	mu        sync.RWMutex
	sandboxes map[string]*types.SandboxRecord // by identity key
	pods      map[string]*types.PodRecord
	mappings  map[mappingKey]*types.PortMapping
	logs      []*types.CommandLog
}

type mappingKey struct {
	kind          types.OwnerKind
	owner         string
	containerPort int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sandboxes: make(map[string]*types.SandboxRecord),
		pods:      make(map[string]*types.PodRecord),
		mappings:  make(map[mappingKey]*types.PortMapping),
	}
}

func copySandbox(rec *types.SandboxRecord) *types.SandboxRecord {
	c := *rec
	return &c
}

func copyPod(rec *types.PodRecord) *types.PodRecord {
	c := *rec
	c.Service.NodePorts = make(map[string]int32, len(rec.Service.NodePorts))
	for k, v := range rec.Service.NodePorts {
		c.Service.NodePorts[k] = v
	}
	c.Service.URLs = make(map[string]string, len(rec.Service.URLs))
	for k, v := range rec.Service.URLs {
		c.Service.URLs[k] = v
	}
	return &c
}

func (s *MemoryStore) CreateSandbox(ctx context.Context, rec *types.SandboxRecord) error {
	if err := validateSandbox(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Identity.Key()
	if _, exists := s.sandboxes[key]; exists {
		return fmt.Errorf("sandbox for %s: %w", rec.Identity, types.ErrAlreadyExists)
	}
	s.sandboxes[key] = copySandbox(rec)
	return nil
}

func (s *MemoryStore) GetSandbox(ctx context.Context, id types.Identity) (*types.SandboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sandboxes[id.Key()]
	if !ok {
		return nil, types.ErrNotFound
	}
	return copySandbox(rec), nil
}

func (s *MemoryStore) UpdateSandbox(ctx context.Context, rec *types.SandboxRecord) error {
	if err := validateSandbox(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sandboxes[rec.Identity.Key()]
	if !ok {
		return types.ErrNotFound
	}
	if err := checkTransition(cur.Status, rec.Status); err != nil {
		return err
	}
	s.sandboxes[rec.Identity.Key()] = copySandbox(rec)
	return nil
}

func (s *MemoryStore) DeleteSandbox(ctx context.Context, id types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sandboxes[id.Key()]; !ok {
		return types.ErrNotFound
	}
	delete(s.sandboxes, id.Key())
	return nil
}

func (s *MemoryStore) ListSandboxes(ctx context.Context) ([]*types.SandboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.SandboxRecord, 0, len(s.sandboxes))
	for _, rec := range s.sandboxes {
		out = append(out, copySandbox(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreatePod(ctx context.Context, rec *types.PodRecord) error {
	if err := validatePod(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Identity.Key()
	if _, exists := s.pods[key]; exists {
		return fmt.Errorf("pod for %s: %w", rec.Identity, types.ErrAlreadyExists)
	}
	s.pods[key] = copyPod(rec)
	return nil
}

func (s *MemoryStore) GetPod(ctx context.Context, id types.Identity) (*types.PodRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.pods[id.Key()]
	if !ok {
		return nil, types.ErrNotFound
	}
	return copyPod(rec), nil
}

func (s *MemoryStore) UpdatePod(ctx context.Context, rec *types.PodRecord) error {
	if err := validatePod(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.pods[rec.Identity.Key()]
	if !ok {
		return types.ErrNotFound
	}
	if err := checkTransition(cur.Status, rec.Status); err != nil {
		return err
	}
	s.pods[rec.Identity.Key()] = copyPod(rec)
	return nil
}

func (s *MemoryStore) DeletePod(ctx context.Context, id types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pods[id.Key()]; !ok {
		return types.ErrNotFound
	}
	delete(s.pods, id.Key())
	return nil
}

func (s *MemoryStore) ListPods(ctx context.Context) ([]*types.PodRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.PodRecord, 0, len(s.pods))
	for _, rec := range s.pods {
		out = append(out, copyPod(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SavePortMapping(ctx context.Context, m *types.PortMapping) error {
	if err := validateMapping(m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, existing := range s.mappings {
		if k.kind == m.OwnerKind && k.owner == m.OwnerID && k.containerPort != m.ContainerPort && existing.HostPort == m.HostPort {
			return fmt.Errorf("host port %d already mapped for %s: %w", m.HostPort, m.OwnerID, types.ErrAlreadyExists)
		}
	}
	c := *m
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.mappings[mappingKey{m.OwnerKind, m.OwnerID, m.ContainerPort}] = &c
	return nil
}

func (s *MemoryStore) GetPortMapping(ctx context.Context, kind types.OwnerKind, ownerID string, containerPort int) (*types.PortMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[mappingKey{kind, ownerID, containerPort}]
	if !ok {
		return nil, types.ErrNotFound
	}
	c := *m
	return &c, nil
}

func (s *MemoryStore) ListPortMappings(ctx context.Context, kind types.OwnerKind, ownerID string) ([]*types.PortMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.PortMapping
	for k, m := range s.mappings {
		if k.kind == kind && k.owner == ownerID {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerPort < out[j].ContainerPort })
	return out, nil
}

func (s *MemoryStore) DeletePortMappings(ctx context.Context, kind types.OwnerKind, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.mappings {
		if k.kind == kind && k.owner == ownerID {
			delete(s.mappings, k)
		}
	}
	return nil
}

func (s *MemoryStore) UsedPorts(ctx context.Context, kind types.OwnerKind) (map[int]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := make(map[string]bool)
	switch kind {
	case types.OwnerSandbox:
		for _, rec := range s.sandboxes {
			if holdsPorts(rec.Status) {
				live[rec.ID] = true
			}
		}
	case types.OwnerPod:
		for _, rec := range s.pods {
			if holdsPorts(rec.Status) {
				live[rec.ID] = true
			}
		}
	}

	used := make(map[int]string)
	for k, m := range s.mappings {
		if k.kind == kind && live[k.owner] {
			used[m.HostPort] = k.owner
		}
	}
	return used, nil
}

func (s *MemoryStore) AppendCommandLog(ctx context.Context, entry *types.CommandLog) error {
	if err := prepareLog(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *entry
	s.logs = append(s.logs, &c)
	return nil
}

func (s *MemoryStore) ListCommandLogs(ctx context.Context, ownerKey string, limit int) ([]*types.CommandLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.CommandLog
	for _, e := range s.logs {
		if e.OwnerKey == ownerKey {
			c := *e
			out = append(out, &c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// holdsPorts reports whether an owner in status keeps its port reservations.
func holdsPorts(s types.Status) bool {
	return s == types.StatusRunning || s == types.StatusCreated
}

var (
	_ Store = (*MemoryStore)(nil)
)
