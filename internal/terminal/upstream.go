package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/besteffort"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/execstream"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote"
)

// Mode is the transport a session is connected through.
type Mode string

const (
	ModeNative   Mode = "native"
	ModeFallback Mode = "fallback"
)

// Upstream is the workload side of a terminal session.
type Upstream interface {
	// Read blocks for the next chunk of client-ready output. Chunks may be
	// empty when everything read was filtered away.
	Read() ([]byte, error)

	// Send forwards client input.
	Send(p []byte) error

	// KeepAlive writes something the workload ignores.
	KeepAlive() error

	// Probe checks that the workload still answers. Read must be running
	// concurrently for the answer to be observed.
	Probe(ctx context.Context) error

	Close() error
}

// Opener connects an upstream with the given terminal geometry.
type Opener func(ctx context.Context, size remote.WindowSize) (Upstream, error)

// ErrSessionEnded is returned by Read once the remote process exited.
var ErrSessionEnded = errors.New("terminal session ended")

// NativeExec opens a channel-framed exec stream to target.
func NativeExec(d *execstream.Dialer, target execstream.Target) Opener {
	return func(ctx context.Context, size remote.WindowSize) (Upstream, error) {
		target.TTY = true
		target.Stdin = true
		s, err := d.Dial(ctx, target)
		if err != nil {
			return nil, err
		}
		u := &nativeUpstream{stream: s, size: size}
		if err := s.Resize(size.Cols, size.Rows); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("initial resize: %w", err)
		}
		return u, nil
	}
}

type nativeUpstream struct {
	stream *execstream.Stream
	size   remote.WindowSize
}

func (u *nativeUpstream) Read() ([]byte, error) {
	for {
		ch, payload, err := u.stream.ReadFrame()
		if err != nil {
			return nil, err
		}
		switch ch {
		case execstream.Stdout, execstream.Stderr:
			return payload, nil
		case execstream.Error:
			code, err := execstream.ExitStatus(payload)
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: exit code %d", ErrSessionEnded, code)
		}
	}
}

func (u *nativeUpstream) Send(p []byte) error {
	return u.stream.WriteStdin(p)
}

// KeepAlive repeats the current geometry, which the remote tty ignores.
func (u *nativeUpstream) KeepAlive() error {
	return u.stream.Resize(u.size.Cols, u.size.Rows)
}

func (u *nativeUpstream) Probe(ctx context.Context) error {
	return u.stream.Ping(ctx)
}

func (u *nativeUpstream) Close() error {
	return u.stream.Close()
}

// ShellExec opens an interactive shell through exec and starts command in
// it. When owned is set the executor is closed with the session.
func ShellExec(exec remote.Executor, owned bool, command string) Opener {
	return func(ctx context.Context, size remote.WindowSize) (Upstream, error) {
		sh, err := exec.Shell(ctx, size)
		if err != nil {
			if owned {
				_ = exec.Close()
			}
			return nil, err
		}
		u := &shellUpstream{
			shell:  sh,
			filter: NewOutputFilter(),
			buf:    make([]byte, 32<<10),
		}
		if owned {
			u.exec = exec
		}
		if _, err := io.WriteString(sh, command+"\n"); err != nil {
			_ = u.Close()
			return nil, fmt.Errorf("start %q: %w", command, err)
		}
		u.filter.Sent(command)
		return u, nil
	}
}

type shellUpstream struct {
	shell  remote.Shell
	exec   remote.Executor
	filter *OutputFilter
	buf    []byte
	// pending holds the start of a multi-byte character split across reads.
	pending []byte
}

func (u *shellUpstream) Read() ([]byte, error) {
	n, err := u.shell.Read(u.buf)
	if n > 0 {
		data := u.buf[:n]
		if len(u.pending) > 0 {
			data = append(u.pending, data...)
			u.pending = nil
		}
		if cut := completeRunes(data); cut < len(data) {
			u.pending = append([]byte(nil), data[cut:]...)
			data = data[:cut]
		}
		return []byte(u.filter.Filter(data)), nil
	}
	if err == nil {
		return nil, nil
	}
	if errors.Is(err, io.EOF) {
		if len(u.pending) > 0 {
			rest := u.pending
			u.pending = nil
			return []byte(u.filter.Filter(rest)), nil
		}
		return nil, ErrSessionEnded
	}
	return nil, err
}

// completeRunes returns the length of p without a trailing incomplete UTF-8
// sequence.
func completeRunes(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}
	return len(p)
}

// Send writes p as a line.
func (u *shellUpstream) Send(p []byte) error {
	line := string(p)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	u.filter.Sent(line)
	_, err := io.WriteString(u.shell, line)
	return err
}

// KeepAlive sends an empty line; the fresh prompt it produces is filtered.
func (u *shellUpstream) KeepAlive() error {
	_, err := io.WriteString(u.shell, "\n")
	return err
}

func (u *shellUpstream) Probe(ctx context.Context) error {
	select {
	case <-u.filter.Alive():
	default:
	}
	if _, err := io.WriteString(u.shell, "echo "+probeMarker+"\n"); err != nil {
		return err
	}
	select {
	case <-u.filter.Alive():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *shellUpstream) Close() error {
	steps := []besteffort.Step{besteffort.Close("shell", u.shell.Close)}
	if u.exec != nil {
		steps = append(steps, besteffort.Close("executor", u.exec.Close))
	}
	return besteffort.Run("terminal.close", "", steps...)
}

// Attach wraps a raw tty stream, such as a container engine shell, whose
// bytes are forwarded unfiltered.
func Attach(open func(ctx context.Context) (io.ReadWriteCloser, error)) Opener {
	return func(ctx context.Context, _ remote.WindowSize) (Upstream, error) {
		rwc, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return &rawUpstream{rwc: rwc, buf: make([]byte, 32<<10)}, nil
	}
}

type rawUpstream struct {
	rwc io.ReadWriteCloser
	buf []byte
}

func (u *rawUpstream) Read() ([]byte, error) {
	n, err := u.rwc.Read(u.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, u.buf[:n])
		return out, nil
	}
	if errors.Is(err, io.EOF) {
		return nil, ErrSessionEnded
	}
	return nil, err
}

func (u *rawUpstream) Send(p []byte) error {
	_, err := u.rwc.Write(p)
	return err
}

// KeepAlive is a no-op: attach streams are local to the engine host.
func (u *rawUpstream) KeepAlive() error { return nil }

func (u *rawUpstream) Probe(ctx context.Context) error { return nil }

func (u *rawUpstream) Close() error { return u.rwc.Close() }
