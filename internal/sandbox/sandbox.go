package sandbox

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/ports"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/runtime"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// maxLoggedOutput caps the output stored with each command log entry.
const maxLoggedOutput = 64 << 10

// ExecRequest describes a command to run in a sandbox.
type ExecRequest struct {
	Command string
	WorkDir string
	Env     map[string]string
	Timeout time.Duration
	// Stream receives output as it is produced. When nil output is only
	// returned batched in the result.
	Stream io.Writer
	// Replay marks a long-running foreground command, such as a dev
	// server, that is re-issued after the container is recreated.
	Replay bool
}

// Sandbox is a live handle on a container sandbox.
type Sandbox struct {
	manager *Manager

	mu     sync.Mutex
	rec    *types.SandboxRecord
	timer  *time.Timer
	closed bool
	replay []ExecRequest
}

// ID returns the record ID.
func (s *Sandbox) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.ID
}

// Identity returns the identifiers the sandbox was resolved for.
func (s *Sandbox) Identity() types.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Identity
}

// Record returns a copy of the sandbox record.
func (s *Sandbox) Record() types.SandboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rec
}

// ContainerID returns the current backing container.
func (s *Sandbox) ContainerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.ContainerID
}

// HostPort returns the cached primary host port.
func (s *Sandbox) HostPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.HostPort
}

// Closed reports whether Close has been called.
func (s *Sandbox) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sandbox) owner() ports.Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ports.Owner{Kind: types.OwnerSandbox, ID: s.rec.ID, Identity: s.rec.Identity}
}

func (s *Sandbox) key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Identity.Key()
}

// Exec runs a command, starting the container first if it is not running.
// A non-zero exit status is logged and reported in the result, not as an
// error.
func (s *Sandbox) Exec(ctx context.Context, req ExecRequest) (*types.ExecResult, error) {
	if req.Command == "" {
		return nil, types.InvalidArgument("exec", "command is required")
	}
	if s.Closed() {
		return nil, types.ErrClosedSandbox
	}
	s.touch()

	if err := s.manager.ensureRunning(ctx, s); err != nil {
		return nil, err
	}

	workDir := req.WorkDir
	if workDir == "" {
		workDir = s.manager.config.WorkDir
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.manager.config.ExecTimeout
	}

	result, err := s.manager.engine.Exec(ctx, s.ContainerID(), &runtime.ExecOptions{
		Command: req.Command,
		WorkDir: workDir,
		Env:     req.Env,
		Timeout: timeout,
		Output:  req.Stream,
	})
	if err != nil {
		if errors.Is(err, types.ErrTimeout) {
			return nil, types.Transient("exec", s.key(), err)
		}
		return nil, err
	}

	if result.ExitCode != 0 {
		logging.Warn("Command exited non-zero",
			logging.Owner(s.key()),
			logging.String("command", req.Command),
			logging.Int("exit_code", result.ExitCode),
		)
	}
	if req.Replay {
		s.mu.Lock()
		s.replay = append(s.replay, req)
		s.mu.Unlock()
	}
	s.manager.logCommand(ctx, s.key(), req.Command, result)
	return result, nil
}

// Shell attaches an interactive shell to the container, starting it first
// when needed.
func (s *Sandbox) Shell(ctx context.Context, shell string) (io.ReadWriteCloser, error) {
	if s.Closed() {
		return nil, types.ErrClosedSandbox
	}
	s.touch()
	if err := s.manager.ensureRunning(ctx, s); err != nil {
		return nil, err
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	return s.manager.engine.Shell(ctx, s.ContainerID(), shell)
}

// Close tears the sandbox down. It is idempotent; teardown failures are
// logged and never returned.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.manager.teardown(ctx, s)
	return nil
}

// touch re-arms the idle timer.
func (s *Sandbox) touch() {
	idle := s.manager.config.IdleTimeout
	if idle <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(idle, func() {
		logging.Info("Sandbox idle timeout expired",
			logging.Owner(s.key()),
			logging.Duration("idle_timeout", idle),
		)
		_ = s.Close(context.Background())
	})
}

func (s *Sandbox) replayCommands() []ExecRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecRequest, len(s.replay))
	copy(out, s.replay)
	return out
}

func (s *Sandbox) setRecord(rec *types.SandboxRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
}

func (s *Sandbox) record() *types.SandboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.rec
	return &c
}
