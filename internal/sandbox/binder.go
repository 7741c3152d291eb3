package sandbox

import (
	"context"
	"fmt"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/ports"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/runtime"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// BindingLive reports whether the sandbox's container currently publishes
// the mapping.
func (m *Manager) BindingLive(ctx context.Context, owner ports.Owner, pm *types.PortMapping) (bool, error) {
	rec, err := m.store.GetSandbox(ctx, owner.Identity)
	if err != nil {
		return false, err
	}
	if rec.ID != owner.ID || rec.ContainerID == "" {
		return false, nil
	}
	st, err := m.engine.Inspect(ctx, rec.ContainerID)
	if err != nil {
		return false, nil
	}
	return st.Running && st.Ports[pm.ContainerPort] == pm.HostPort, nil
}

// Rebind recreates the sandbox's container publishing exactly mappings.
// Replayable commands that were running in the old container are
// re-issued best-effort.
func (m *Manager) Rebind(ctx context.Context, owner ports.Owner, mappings []*types.PortMapping) error {
	rec, err := m.store.GetSandbox(ctx, owner.Identity)
	if err != nil {
		return err
	}
	if rec.ID != owner.ID {
		return fmt.Errorf("sandbox %s was replaced: %w", owner.ID, types.ErrNotFound)
	}
	if rec.Status != types.StatusRunning {
		return fmt.Errorf("sandbox for %s is %s: %w", rec.Identity, rec.Status, types.ErrClosedSandbox)
	}

	sb := m.attach(rec)

	bindings := make([]runtime.PortBinding, 0, len(mappings))
	for _, pm := range mappings {
		bindings = append(bindings, runtime.PortBinding{ContainerPort: pm.ContainerPort, HostPort: pm.HostPort})
	}

	logging.Info("Recreating sandbox container with new port bindings",
		logging.Owner(rec.Identity.Key()),
		logging.Int("bindings", len(bindings)),
	)
	if rec.ContainerID != "" {
		m.removeContainer(ctx, rec.Identity.Key(), rec.ContainerID)
	}

	containerID, err := m.startContainer(ctx, rec, bindings)
	if err != nil {
		// the record keeps the dead container id; the next resolve recreates it
		return err
	}
	rec.ContainerID = containerID
	for _, pm := range mappings {
		if pm.ContainerPort == m.config.ContainerPort {
			rec.HostPort = pm.HostPort
		}
	}
	if err := m.store.UpdateSandbox(ctx, rec); err != nil {
		return err
	}
	sb.setRecord(rec)
	m.replay(ctx, sb)
	return nil
}

var _ ports.Binder = (*Manager)(nil)
