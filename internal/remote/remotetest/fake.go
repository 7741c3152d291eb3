// Package remotetest provides in-memory remote executors for tests.
package remotetest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Handler produces the result of a command.
type Handler func(command string) (*types.ExecResult, error)

type rule struct {
	substr string
	fn     Handler
}

// Executor records commands and answers them from registered handlers.
// The most recently registered matching handler wins.
type Executor struct {
	mu       sync.Mutex
	rules    []rule
	commands []string
	closed   bool

	// OnShell returns the shell handed out by Shell. Nil fails Shell.
	OnShell func() (remote.Shell, error)
}

// New returns an empty fake executor. Unmatched commands succeed with no output.
func New() *Executor {
	return &Executor{}
}

// On registers fn for commands containing substr.
func (e *Executor) On(substr string, fn Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule{substr: substr, fn: fn})
}

// Reply registers a fixed stdout and exit code for commands containing substr.
func (e *Executor) Reply(substr, stdout string, exitCode int) {
	e.On(substr, func(string) (*types.ExecResult, error) {
		return &types.ExecResult{Stdout: stdout, ExitCode: exitCode}, nil
	})
}

// Commands returns every command run so far.
func (e *Executor) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.commands))
	copy(out, e.commands)
	return out
}

// Ran reports whether any command contained substr.
func (e *Executor) Ran(substr string) bool {
	for _, c := range e.Commands() {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func (e *Executor) Run(ctx context.Context, command string) (*types.ExecResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("executor closed")
	}
	e.commands = append(e.commands, command)
	var fn Handler
	for i := len(e.rules) - 1; i >= 0; i-- {
		if strings.Contains(command, e.rules[i].substr) {
			fn = e.rules[i].fn
			break
		}
	}
	e.mu.Unlock()

	if fn == nil {
		return &types.ExecResult{}, nil
	}
	return fn(command)
}

func (e *Executor) Shell(ctx context.Context, size remote.WindowSize) (remote.Shell, error) {
	if e.OnShell == nil {
		return nil, types.Transient("shell", "", errors.New("no shell available"))
	}
	return e.OnShell()
}

func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// PipeShell is a scriptable interactive shell. Lines written by the code
// under test are passed to Respond, whose return value is emitted as output.
type PipeShell struct {
	Respond func(line string) string

	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	partial string
	lines   []string
	closed  bool
}

// NewPipeShell returns a shell that echoes nothing until Respond is set.
func NewPipeShell() *PipeShell {
	pr, pw := io.Pipe()
	return &PipeShell{pr: pr, pw: pw}
}

func (s *PipeShell) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *PipeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	s.partial += string(p)
	var complete []string
	for {
		i := strings.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		complete = append(complete, s.partial[:i])
		s.partial = s.partial[i+1:]
	}
	s.lines = append(s.lines, complete...)
	respond := s.Respond
	s.mu.Unlock()

	if respond != nil {
		for _, line := range complete {
			if out := respond(line); out != "" {
				go s.Emit(out)
			}
		}
	}
	return len(p), nil
}

// Emit writes output as if the remote shell produced it.
func (s *PipeShell) Emit(out string) {
	_, _ = s.pw.Write([]byte(out))
}

// Lines returns the complete input lines received so far.
func (s *PipeShell) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// Closed reports whether Close was called.
func (s *PipeShell) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *PipeShell) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pw.Close()
	return nil
}

var _ remote.Executor = (*Executor)(nil)
