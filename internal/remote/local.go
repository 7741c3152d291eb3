package remote

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// LocalClient is an Executor that runs on the orchestrator host itself.
// It is used when the orchestrator runs next to the container engine or
// has kubectl configured locally.
type LocalClient struct {
	ShellPath string
	Env       []string
}

// NewLocalClient returns a LocalClient using /bin/sh.
func NewLocalClient() *LocalClient {
	return &LocalClient{ShellPath: "/bin/sh"}
}

// Run executes command through the shell and collects its output.
func (c *LocalClient) Run(ctx context.Context, command string) (*types.ExecResult, error) {
	cmd := exec.CommandContext(ctx, c.ShellPath, "-c", command)
	cmd.Env = append(os.Environ(), c.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &types.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, types.Transient("local.run", "", ctx.Err())
		}
		return nil, err
	}
	return res, nil
}

// Shell starts an interactive shell attached to a new pty.
func (c *LocalClient) Shell(ctx context.Context, size WindowSize) (Shell, error) {
	cmd := exec.Command(c.ShellPath, "-i")
	cmd.Env = append(os.Environ(), append(c.Env, "TERM=xterm")...)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, err
	}
	return &localShell{cmd: cmd, pty: f}, nil
}

// Close is a no-op for the local executor.
func (c *LocalClient) Close() error {
	return nil
}

type localShell struct {
	cmd  *exec.Cmd
	pty  *os.File
	once sync.Once
}

func (s *localShell) Read(p []byte) (int, error)  { return s.pty.Read(p) }
func (s *localShell) Write(p []byte) (int, error) { return s.pty.Write(p) }

func (s *localShell) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pty.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			_, _ = s.cmd.Process.Wait()
		}
	})
	return err
}

var _ Executor = (*LocalClient)(nil)
