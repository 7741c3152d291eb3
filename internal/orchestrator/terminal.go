package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/cluster"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/execstream"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/sandbox"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/terminal"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Kind selects which workload a request addresses.
type Kind string

const (
	KindSandbox Kind = "sandbox"
	KindPod     Kind = "pod"
)

// TerminalRequest describes an interactive terminal to open.
type TerminalRequest struct {
	Kind     Kind
	Identity types.Identity
	Size     remote.WindowSize
	// Shell defaults to /bin/bash.
	Shell string
}

// Terminal bridges client to a shell in the addressed workload until
// either side disconnects. The workload is resolved first, so a fresh or
// stopped identifier gets a running environment before the shell opens.
func (o *Orchestrator) Terminal(ctx context.Context, client terminal.ClientConn, req TerminalRequest) error {
	if req.Size.Rows == 0 || req.Size.Cols == 0 {
		req.Size = remote.DefaultWindowSize
	}
	if req.Shell == "" {
		req.Shell = "/bin/bash"
	}
	ep, err := o.endpoint(ctx, req)
	if err != nil {
		_ = client.WriteMessage(terminal.EncodeError(err))
		_ = client.Close()
		return err
	}
	return o.opts.Bridge.Serve(ctx, client, ep, req.Size)
}

func (o *Orchestrator) endpoint(ctx context.Context, req TerminalRequest) (terminal.Endpoint, error) {
	if err := req.Identity.Validate(); err != nil {
		return terminal.Endpoint{}, err
	}
	switch req.Kind {
	case KindPod:
		return o.podEndpoint(ctx, req)
	case KindSandbox, "":
		return o.sandboxEndpoint(ctx, req)
	default:
		return terminal.Endpoint{}, types.InvalidArgument("terminal", fmt.Sprintf("unknown kind %q", req.Kind))
	}
}

func (o *Orchestrator) sandboxEndpoint(ctx context.Context, req TerminalRequest) (terminal.Endpoint, error) {
	m, err := o.sandboxes()
	if err != nil {
		return terminal.Endpoint{}, err
	}
	if _, err := o.ResolveSandbox(ctx, sandbox.ResolveRequest{Identity: req.Identity}); err != nil {
		return terminal.Endpoint{}, err
	}
	sb, err := m.Get(ctx, req.Identity)
	if err != nil {
		return terminal.Endpoint{}, err
	}
	ep := terminal.Endpoint{
		Owner: req.Identity.Key(),
		Native: terminal.Attach(func(ctx context.Context) (io.ReadWriteCloser, error) {
			return sb.Shell(ctx, req.Shell)
		}),
	}
	if o.opts.Local != nil {
		cmd := remote.Command(o.opts.DockerBinary, "exec", "-it", sb.ContainerID(), req.Shell)
		ep.Fallback = terminal.ShellExec(o.opts.Local, false, cmd)
	}
	return ep, nil
}

func (o *Orchestrator) podEndpoint(ctx context.Context, req TerminalRequest) (terminal.Endpoint, error) {
	m, err := o.pods()
	if err != nil {
		return terminal.Endpoint{}, err
	}
	info, err := o.ResolvePod(ctx, req.Identity)
	if err != nil {
		return terminal.Endpoint{}, err
	}
	rec := &info.Record
	if rec.Status != types.StatusRunning {
		return terminal.Endpoint{}, fmt.Errorf("pod for %s is %s: %w", req.Identity, rec.Status, types.ErrNotFound)
	}
	target, err := m.ShellTarget(ctx, rec, req.Shell)
	if err != nil {
		return terminal.Endpoint{}, err
	}

	ep := terminal.Endpoint{Owner: req.Identity.Key()}
	if o.opts.ClusterConfig != nil {
		cfg, err := o.opts.ClusterConfig(rec.Cluster)
		switch {
		case err != nil:
			logging.Warn("Cluster credentials unusable for native terminal",
				logging.Owner(ep.Owner),
				logging.Err(err),
			)
		case cfg != nil:
			ep.Native = terminal.NativeExec(&execstream.Dialer{Config: cfg}, target)
		}
	}
	if o.opts.ShellClient != nil && rec.Shell.Host != "" {
		kubectl := cluster.NewKubectlBackend(nil, "", rec.Cluster.KubeConfig)
		cmd := kubectl.ExecCommand(target.Namespace, target.Pod, target.Container, target.Command...)
		access := rec.Shell
		dial := o.opts.ShellClient
		ep.Fallback = func(ctx context.Context, size remote.WindowSize) (terminal.Upstream, error) {
			exec, err := dial(access)
			if err != nil {
				return nil, err
			}
			return terminal.ShellExec(exec, true, cmd)(ctx, size)
		}
	}
	return ep, nil
}
