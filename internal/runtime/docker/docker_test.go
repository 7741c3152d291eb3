//go:build integration
// +build integration

package docker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	rt "github.com/ajaxzhan/sandbox-orchestrator/internal/runtime"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// These tests require a running Docker daemon and are tagged as integration tests.
// Run with: go test -tags=integration ./internal/runtime/docker/...

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultConfig())
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func createStarted(t *testing.T, e *Engine, spec *rt.ContainerSpec) string {
	t.Helper()
	ctx := context.Background()
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("orchestrator-test-%d", time.Now().UnixNano())
	}
	if spec.Image == "" {
		spec.Image = "alpine:latest"
	}
	id, err := e.Create(ctx, spec)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { e.Remove(context.Background(), id) })
	if err := e.Start(ctx, id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return id
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestDockerEngine_Name(t *testing.T) {
	e := newEngine(t)
	if e.Name() != "docker" {
		t.Errorf("Expected name 'docker', got '%s'", e.Name())
	}
}

func TestDockerEngine_LifecycleAndInspect(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	port := freePort(t)

	id := createStarted(t, e, &rt.ContainerSpec{
		Labels: map[string]string{"orchestrator.test": "true"},
		Ports:  []rt.PortBinding{{ContainerPort: 8000, HostPort: port}},
	})

	st, err := e.Inspect(ctx, id)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if !st.Running {
		t.Errorf("expected running container, status %q", st.Status)
	}
	if st.Ports[8000] != port {
		t.Errorf("Ports[8000] = %d, want %d", st.Ports[8000], port)
	}
	if st.Labels["orchestrator.test"] != "true" {
		t.Errorf("label missing: %v", st.Labels)
	}

	if err := e.Kill(ctx, id); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if err := e.Kill(ctx, id); err != nil {
		t.Errorf("second Kill() should be a no-op, got %v", err)
	}
	if err := e.Remove(ctx, id); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := e.Inspect(ctx, id); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Inspect after Remove: got %v, want ErrNotFound", err)
	}
}

func TestDockerEngine_Exec(t *testing.T) {
	e := newEngine(t)
	id := createStarted(t, e, &rt.ContainerSpec{})

	result, err := e.Exec(context.Background(), id, &rt.ExecOptions{
		Command: "echo hello; echo oops >&2; exit 3",
		Env:     map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Errorf("Stderr = %q", result.Stderr)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}

	envResult, err := e.Exec(context.Background(), id, &rt.ExecOptions{
		Command: "echo $FOO",
		Env:     map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(envResult.Stdout) != "bar" {
		t.Errorf("env not applied: %q", envResult.Stdout)
	}
}

func TestDockerEngine_PortConflict(t *testing.T) {
	e := newEngine(t)
	port := freePort(t)

	createStarted(t, e, &rt.ContainerSpec{Ports: []rt.PortBinding{{ContainerPort: 80, HostPort: port}}})

	ctx := context.Background()
	id, err := e.Create(ctx, &rt.ContainerSpec{
		Name:  fmt.Sprintf("orchestrator-test-conflict-%d", time.Now().UnixNano()),
		Image: "alpine:latest",
		Ports: []rt.PortBinding{{ContainerPort: 80, HostPort: port}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Remove(ctx, id)

	if err := e.Start(ctx, id); !errors.Is(err, types.ErrPortAllocated) {
		t.Errorf("Start on taken port: got %v, want ErrPortAllocated", err)
	}
}

func TestDockerEngine_Shell(t *testing.T) {
	e := newEngine(t)
	id := createStarted(t, e, &rt.ContainerSpec{})

	sh, err := e.Shell(context.Background(), id, "/bin/sh")
	if err != nil {
		t.Fatalf("Shell() error = %v", err)
	}
	defer sh.Close()

	if _, err := sh.Write([]byte("echo __marker__\n")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var out strings.Builder
	buf := make([]byte, 1024)
	for time.Now().Before(deadline) {
		n, err := sh.Read(buf)
		out.Write(buf[:n])
		if strings.Count(out.String(), "__marker__") >= 2 || err != nil {
			break
		}
	}
	if strings.Count(out.String(), "__marker__") < 2 {
		t.Errorf("shell output missing marker: %q", out.String())
	}
}
