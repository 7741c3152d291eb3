package cluster

import (
	"context"
	"fmt"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/ports"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// BindingLive reports whether the workload's service exposes the mapping.
func (m *Manager) BindingLive(ctx context.Context, o ports.Owner, pm *types.PortMapping) (bool, error) {
	rec, err := m.store.GetPod(ctx, o.Identity)
	if err != nil {
		return false, err
	}
	if rec.ID != o.ID {
		return false, nil
	}
	svc, err := m.backend.GetService(ctx, rec.Namespace, serviceName)
	if err != nil {
		return false, nil
	}
	for _, sp := range svc.Spec.Ports {
		if sp.TargetPort.IntValue() == pm.ContainerPort && int(sp.NodePort) == pm.HostPort {
			return true, nil
		}
	}
	return false, nil
}

// Rebind patches the workload's service to expose mappings. Node ports
// are fixed per mapping, so a collision surfaces as types.ErrPortAllocated.
func (m *Manager) Rebind(ctx context.Context, o ports.Owner, mappings []*types.PortMapping) error {
	rec, err := m.store.GetPod(ctx, o.Identity)
	if err != nil {
		return err
	}
	if rec.ID != o.ID {
		return fmt.Errorf("pod %s was replaced: %w", o.ID, types.ErrNotFound)
	}
	patch, err := servicePortsPatch(mappings)
	if err != nil {
		return err
	}
	logging.Info("Patching service ports",
		logging.Owner(rec.Identity.Key()),
		logging.String("namespace", rec.Namespace),
		logging.Int("ports", len(mappings)),
	)
	if err := m.backend.PatchService(ctx, rec.Namespace, serviceName, patch); err != nil {
		return err
	}

	if info, err := m.serviceInfo(ctx, rec.Namespace); err == nil {
		rec.Service = info
		if err := m.store.UpdatePod(ctx, rec); err != nil {
			logging.Warn("Failed to refresh service info", logging.Owner(rec.Identity.Key()), logging.Err(err))
		}
	}
	return nil
}

var _ ports.Binder = (*Manager)(nil)
