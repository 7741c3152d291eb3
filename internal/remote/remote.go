// Package remote runs commands and interactive shells on a control host,
// either over SSH or on the local machine.
package remote

import (
	"context"
	"io"
	"strconv"
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Executor runs commands on a control host.
//
// Run returns an error only when the command could not be executed at all;
// a command that ran and exited non-zero is reported through ExecResult.
type Executor interface {
	Run(ctx context.Context, command string) (*types.ExecResult, error)

	// Shell opens an interactive, pty-backed shell.
	Shell(ctx context.Context, size WindowSize) (Shell, error)

	Close() error
}

// Shell is an interactive session. Reads return merged stdout and stderr.
type Shell interface {
	io.ReadWriteCloser
}

// WindowSize is the pseudo-terminal geometry requested for a shell.
type WindowSize struct {
	Rows uint16
	Cols uint16
}

// DefaultWindowSize is used when callers do not care about geometry.
var DefaultWindowSize = WindowSize{Rows: 40, Cols: 120}

// Command joins args into a single shell-safe command line.
func Command(args ...string) string {
	return shellquote.Join(args...)
}

// Pipeline joins already-quoted commands with a shell operator.
func Pipeline(op string, commands ...string) string {
	return strings.Join(commands, " "+op+" ")
}

// RunChecked runs command and converts a non-zero exit into an error
// carrying stderr.
func RunChecked(ctx context.Context, e Executor, command string) (*types.ExecResult, error) {
	res, err := e.Run(ctx, command)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &CommandError{Command: command, Result: res}
	}
	return res, nil
}

// CommandError reports a command that ran but exited non-zero.
type CommandError struct {
	Command string
	Result  *types.ExecResult
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	return "command exited " + strconv.Itoa(e.Result.ExitCode) + ": " + msg
}
