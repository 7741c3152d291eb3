package remote

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

func TestCommand_Quotes(t *testing.T) {
	args := []string{"kubectl", "exec", "-n", "ws-42", "pod a", "--", "sh", "-c", "echo $HOME"}
	line := Command(args...)

	got, err := shellquote.Split(line)
	if err != nil {
		t.Fatalf("Split(%q) error = %v", line, err)
	}
	if strings.Join(got, "|") != strings.Join(args, "|") {
		t.Errorf("round trip = %q, want %q", got, args)
	}
	if !strings.HasPrefix(line, "kubectl exec -n ws-42 ") {
		t.Errorf("plain words should stay unquoted: %q", line)
	}
}

func TestLocalClient_Run(t *testing.T) {
	c := NewLocalClient()
	ctx := context.Background()

	res, err := c.Run(ctx, "echo hello; echo oops 1>&2")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success() || strings.TrimSpace(res.Stdout) != "hello" || strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = c.Run(ctx, "exit 3")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestLocalClient_RunCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewLocalClient().Run(ctx, "sleep 5")
	if types.KindOf(err) != types.KindTransient {
		t.Errorf("KindOf(%v) = %v, want transient", err, types.KindOf(err))
	}
}

func TestRunChecked(t *testing.T) {
	_, err := RunChecked(context.Background(), NewLocalClient(), "echo nope 1>&2; exit 2")
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("RunChecked() error = %v, want *CommandError", err)
	}
	if !strings.Contains(cerr.Error(), "nope") {
		t.Errorf("error %q does not carry stderr", cerr.Error())
	}
}

func TestLocalClient_Shell(t *testing.T) {
	sh, err := NewLocalClient().Shell(context.Background(), DefaultWindowSize)
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer sh.Close()

	if _, err := io.WriteString(sh, "echo marker-$((40+2))\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	found := make(chan struct{})
	go func() {
		var acc strings.Builder
		buf := make([]byte, 1024)
		for {
			n, err := sh.Read(buf)
			acc.Write(buf[:n])
			if strings.Contains(acc.String(), "marker-42") {
				close(found)
				return
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-found:
	case <-time.After(5 * time.Second):
		t.Fatal("shell output never contained marker-42")
	}
}

func TestNewSSHClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  SSHConfig
	}{
		{"no host", SSHConfig{User: "root", Password: "x"}},
		{"no user", SSHConfig{Host: "h", Password: "x"}},
		{"no auth", SSHConfig{Host: "h", User: "root"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSSHClient(tt.cfg)
			if !errors.Is(err, types.ErrInvalidArgument) {
				t.Errorf("NewSSHClient() error = %v, want ErrInvalidArgument", err)
			}
		})
	}

	c, err := NewSSHClient(SSHConfig{Host: "control", User: "root", Password: "secret"})
	if err != nil {
		t.Fatalf("NewSSHClient() error = %v", err)
	}
	if c.addr() != "control:22" {
		t.Errorf("addr() = %q, want control:22", c.addr())
	}
}

func TestSSHClient_DialFailureIsTransient(t *testing.T) {
	c, err := NewSSHClient(SSHConfig{
		Host: "127.0.0.1", Port: 1, User: "root", Password: "x",
		Timeout: 200 * time.Millisecond, DialAttempts: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Run(context.Background(), "true")
	if types.KindOf(err) != types.KindTransient {
		t.Errorf("KindOf(%v) = %v, want transient", err, types.KindOf(err))
	}
}
