package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/sandbox"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Action names a management operation.
type Action string

const (
	ActionResolve Action = "resolve"
	ActionExec    Action = "exec"
	ActionAddPort Action = "add_port"
	ActionDelete  Action = "delete"
	ActionURLs    Action = "urls"
)

// Command is one management request. Which fields matter depends on
// Action.
type Command struct {
	Kind     Kind           `json:"kind"`
	Action   Action         `json:"action"`
	Identity types.Identity `json:"identity"`

	// exec
	Command string            `json:"command,omitempty"`
	WorkDir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int               `json:"timeout_seconds,omitempty"`
	Replay  bool              `json:"replay,omitempty"`

	// resolve (sandbox) and add_port
	CodeDir       string `json:"code_dir,omitempty"`
	ContainerPort int    `json:"container_port,omitempty"`
	HostPort      int    `json:"host_port,omitempty"`
	Note          string `json:"note,omitempty"`

	// delete (pod)
	PreserveData bool `json:"preserve_data,omitempty"`
}

// PortResult is the data of a successful add_port.
type PortResult struct {
	ContainerPort int `json:"container_port"`
	HostPort      int `json:"host_port"`
}

// Dispatch runs cmd against svc and renders the result as an outcome.
// Errors never escape: they become failed outcomes carrying diagnostics
// and a retry suggestion where one applies.
func Dispatch(ctx context.Context, svc Service, cmd Command) types.Outcome {
	out, _ := Execute(ctx, svc, cmd)
	return out
}

// Execute is Dispatch that also returns the underlying error so callers
// can classify it.
func Execute(ctx context.Context, svc Service, cmd Command) (types.Outcome, error) {
	data, msg, err := run(ctx, svc, cmd)
	if err != nil {
		logging.Warn("Command failed",
			logging.Owner(cmd.Identity.Key()),
			logging.String("kind", string(cmd.Kind)),
			logging.String("action", string(cmd.Action)),
			logging.Err(err),
		)
		return types.Failure(err), err
	}
	return types.OK(msg, data), nil
}

func run(ctx context.Context, svc Service, cmd Command) (any, string, error) {
	id := cmd.Identity
	switch {
	case cmd.Kind == KindSandbox || cmd.Kind == "":
		switch cmd.Action {
		case ActionResolve:
			info, err := svc.ResolveSandbox(ctx, sandbox.ResolveRequest{Identity: id, CodeDir: cmd.CodeDir, HostPort: cmd.HostPort})
			return info, "sandbox ready", err
		case ActionExec:
			res, err := svc.ExecSandbox(ctx, id, sandbox.ExecRequest{
				Command: cmd.Command,
				WorkDir: cmd.WorkDir,
				Env:     cmd.Env,
				Timeout: time.Duration(cmd.Timeout) * time.Second,
				Replay:  cmd.Replay,
			})
			return res, execMessage(res), err
		case ActionAddPort:
			port, err := svc.AddSandboxPort(ctx, id, cmd.ContainerPort, cmd.HostPort, cmd.Note)
			return PortResult{ContainerPort: cmd.ContainerPort, HostPort: port}, "port mapped", err
		case ActionDelete:
			return nil, "sandbox deleted", svc.DeleteSandbox(ctx, id)
		case ActionURLs:
			urls, err := svc.SandboxURLs(ctx, id)
			return urls, "sandbox urls", err
		}
	case cmd.Kind == KindPod:
		switch cmd.Action {
		case ActionResolve:
			info, err := svc.ResolvePod(ctx, id)
			return info, "pod ready", err
		case ActionExec:
			res, err := svc.ExecPod(ctx, id, cmd.Command)
			return res, execMessage(res), err
		case ActionAddPort:
			port, err := svc.AddPodPort(ctx, id, cmd.ContainerPort, cmd.HostPort, cmd.Note)
			return PortResult{ContainerPort: cmd.ContainerPort, HostPort: port}, "port mapped", err
		case ActionDelete:
			return nil, "pod deleted", svc.DeletePod(ctx, id, cmd.PreserveData)
		case ActionURLs:
			urls, err := svc.PodURLs(ctx, id)
			return urls, "pod urls", err
		}
	default:
		return nil, "", types.InvalidArgument("dispatch", fmt.Sprintf("unknown kind %q", cmd.Kind))
	}
	return nil, "", types.InvalidArgument("dispatch", fmt.Sprintf("unknown action %q", cmd.Action))
}

func execMessage(res *types.ExecResult) string {
	if res == nil {
		return ""
	}
	if res.Success() {
		return "command succeeded"
	}
	return fmt.Sprintf("command exited with status %d", res.ExitCode)
}
