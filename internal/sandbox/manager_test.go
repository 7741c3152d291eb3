package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/ports"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/runtime"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/runtime/mock"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/store"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/workspace"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

type testEnv struct {
	mgr    *Manager
	engine *mock.MockEngine
	store  *store.MemoryStore
}

func newTestEnv(t *testing.T, portMin, portMax int, cfg Config, opts ...Option) *testEnv {
	t.Helper()
	s := store.NewMemoryStore()
	alloc, err := ports.NewAllocator(portMin, portMax, ports.NopProbe{})
	if err != nil {
		t.Fatal(err)
	}
	reg := ports.NewRegistry(s, map[types.OwnerKind]*ports.Allocator{types.OwnerSandbox: alloc})
	ws, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine := mock.New()
	if cfg.Image == "" {
		cfg.Image = "python:3.12-slim"
	}
	mgr, err := NewManager(cfg, engine, s, reg, ws, opts...)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	return &testEnv{mgr: mgr, engine: engine, store: s}
}

func project(id string) ResolveRequest {
	return ResolveRequest{Identity: types.Identity{ProjectID: id}}
}

func TestResolveOrCreate_RequiresExactlyOneIdentifier(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{})
	ctx := context.Background()

	for _, id := range []types.Identity{{}, {ProjectID: "1", ConversationID: "2"}} {
		if _, err := env.mgr.ResolveOrCreate(ctx, ResolveRequest{Identity: id}); !errors.Is(err, types.ErrInvalidArgument) {
			t.Errorf("ResolveOrCreate(%+v) = %v, want ErrInvalidArgument", id, err)
		}
	}
}

func TestResolveOrCreate_CreatesRunningSandbox(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{ContainerPort: 8000})
	ctx := context.Background()

	sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}

	rec, err := env.store.GetSandbox(ctx, types.Identity{ProjectID: "42"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.StatusRunning {
		t.Errorf("Status = %s, want running", rec.Status)
	}
	if rec.StartedAt == nil {
		t.Error("StartedAt should be set")
	}
	if rec.HostPort < 20000 || rec.HostPort > 20100 {
		t.Errorf("HostPort = %d outside range", rec.HostPort)
	}

	spec, ok := env.engine.Spec(sb.ContainerID())
	if !ok {
		t.Fatal("container not found in engine")
	}
	if len(spec.Mounts) != 1 || spec.Mounts[0].Source != rec.CodeDir || spec.Mounts[0].Target != "/workspace" {
		t.Errorf("Mounts = %+v", spec.Mounts)
	}
	if spec.Labels[labelIdentity] != rec.Identity.Key() {
		t.Errorf("Labels = %v", spec.Labels)
	}

	owner := ports.Owner{Kind: types.OwnerSandbox, ID: rec.ID, Identity: rec.Identity}
	m, err := env.store.GetPortMapping(ctx, owner.Kind, owner.ID, 8000)
	if err != nil {
		t.Fatalf("primary mapping not recorded: %v", err)
	}
	if m.HostPort != rec.HostPort {
		t.Errorf("registry port %d differs from cached %d", m.HostPort, rec.HostPort)
	}
}

func TestResolveOrCreate_Idempotent(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{})
	ctx := context.Background()

	first, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}
	if first.ContainerID() != second.ContainerID() {
		t.Errorf("container changed: %s then %s", first.ContainerID(), second.ContainerID())
	}
	if env.engine.Starts() != 1 {
		t.Errorf("Starts = %d, want 1", env.engine.Starts())
	}
}

func TestResolveOrCreate_ConcurrentCallersShareOneSandbox(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = sb.ContainerID()
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent resolves returned different containers: %v", ids)
		}
	}
	if env.engine.Count() != 1 {
		t.Errorf("engine has %d containers, want 1", env.engine.Count())
	}
	recs, _ := env.store.ListSandboxes(ctx)
	if len(recs) != 1 {
		t.Errorf("store has %d records, want 1", len(recs))
	}
}

func TestResolveOrCreate_RecreatesVanishedContainer(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{})
	ctx := context.Background()

	sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}
	oldID, oldPort := sb.ContainerID(), sb.HostPort()
	oldRec := sb.Record()

	env.engine.Vanish(oldID)

	again, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatalf("ResolveOrCreate after drift failed: %v", err)
	}
	if again.ContainerID() == oldID {
		t.Error("expected a new container")
	}
	rec := again.Record()
	if rec.Status != types.StatusRunning {
		t.Errorf("Status = %s", rec.Status)
	}
	if rec.ID != oldRec.ID || rec.CodeDir != oldRec.CodeDir || rec.Image != oldRec.Image {
		t.Errorf("recreate did not reuse the record: %+v vs %+v", rec, oldRec)
	}
	if rec.HostPort != oldPort {
		t.Errorf("HostPort = %d, want previous %d", rec.HostPort, oldPort)
	}
	if sb != again {
		t.Error("caller-held handle should stay valid across recreate")
	}
}

func TestResolveOrCreate_StoppedGoesThroughCreated(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{})
	ctx := context.Background()

	sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.Close(ctx); err != nil {
		t.Fatal(err)
	}

	rec, _ := env.store.GetSandbox(ctx, types.Identity{ProjectID: "42"})
	if rec.Status != types.StatusStopped {
		t.Fatalf("Status after close = %s", rec.Status)
	}

	fresh, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatalf("resolve after close failed: %v", err)
	}
	if fresh == sb {
		t.Error("closed handle must not be reused")
	}
	if fresh.Record().Status != types.StatusRunning {
		t.Errorf("Status = %s", fresh.Record().Status)
	}
}

func TestResolveOrCreate_PortConflictRetriesOnce(t *testing.T) {
	env := newTestEnv(t, 21000, 21001, Config{})
	env.engine.TakePort(21000)

	sb, err := env.mgr.ResolveOrCreate(context.Background(), project("42"))
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if sb.HostPort() != 21001 {
		t.Errorf("HostPort = %d, want 21001", sb.HostPort())
	}
}

func TestResolveOrCreate_PortConflictSurfaces(t *testing.T) {
	env := newTestEnv(t, 21000, 21001, Config{})
	env.engine.TakePort(21000)
	env.engine.TakePort(21001)
	ctx := context.Background()

	_, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err == nil {
		t.Fatal("expected failure when every port is taken")
	}
	if types.KindOf(err) != types.KindTransient {
		t.Errorf("KindOf(%v) = %s, want transient", err, types.KindOf(err))
	}
	rec, _ := env.store.GetSandbox(ctx, types.Identity{ProjectID: "42"})
	if rec == nil || rec.Status != types.StatusError {
		t.Errorf("record = %+v, want status error", rec)
	}
	if env.engine.Count() != 0 {
		t.Errorf("failed containers left behind: %d", env.engine.Count())
	}
}

func TestResolveOrCreate_DistinctPorts(t *testing.T) {
	env := newTestEnv(t, 22000, 22009, Config{})
	ctx := context.Background()

	seen := map[int]string{}
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		sb, err := env.mgr.ResolveOrCreate(ctx, project(id))
		if err != nil {
			t.Fatal(err)
		}
		if other, ok := seen[sb.HostPort()]; ok {
			t.Fatalf("port %d given to %s and %s", sb.HostPort(), other, id)
		}
		seen[sb.HostPort()] = id
	}
}

func TestExec(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{})
	ctx := context.Background()
	env.engine.OnExec = func(_ context.Context, _ string, opts *runtime.ExecOptions) (*types.ExecResult, error) {
		if strings.Contains(opts.Command, "fail") {
			return &types.ExecResult{Stderr: "boom\n", ExitCode: 2}, nil
		}
		return &types.ExecResult{Stdout: "ok\n"}, nil
	}

	sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("batched", func(t *testing.T) {
		res, err := sb.Exec(ctx, ExecRequest{Command: "echo ok"})
		if err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		if res.Stdout != "ok\n" {
			t.Errorf("Stdout = %q", res.Stdout)
		}
	})

	t.Run("streamed", func(t *testing.T) {
		var out strings.Builder
		if _, err := sb.Exec(ctx, ExecRequest{Command: "echo ok", Stream: &out}); err != nil {
			t.Fatal(err)
		}
		if out.String() != "ok\n" {
			t.Errorf("streamed %q", out.String())
		}
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		res, err := sb.Exec(ctx, ExecRequest{Command: "fail"})
		if err != nil {
			t.Fatalf("Exec returned error: %v", err)
		}
		if res.ExitCode != 2 {
			t.Errorf("ExitCode = %d", res.ExitCode)
		}
	})

	t.Run("empty command", func(t *testing.T) {
		if _, err := sb.Exec(ctx, ExecRequest{}); !errors.Is(err, types.ErrInvalidArgument) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("audit log", func(t *testing.T) {
		logs, err := env.store.ListCommandLogs(ctx, sb.Identity().Key(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(logs) != 3 {
			t.Fatalf("got %d log entries, want 3", len(logs))
		}
		if logs[2].Command != "fail" || logs[2].ExitCode != 2 || logs[2].Output != "boom\n" {
			t.Errorf("last entry = %+v", logs[2])
		}
	})
}

func TestExec_StartsStoppedContainer(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{})
	ctx := context.Background()

	sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}
	env.engine.Crash(sb.ContainerID())

	if _, err := sb.Exec(ctx, ExecRequest{Command: "ls"}); err != nil {
		t.Fatalf("Exec on crashed container failed: %v", err)
	}
	if env.engine.Starts() != 2 {
		t.Errorf("Starts = %d, want 2", env.engine.Starts())
	}
}

func TestExec_RecreatesVanishedContainer(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{})
	ctx := context.Background()

	sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}
	old := sb.ContainerID()
	env.engine.Vanish(old)

	if _, err := sb.Exec(ctx, ExecRequest{Command: "ls"}); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if sb.ContainerID() == old {
		t.Error("expected a replacement container")
	}
}

func TestClose(t *testing.T) {
	var hookCalls atomic.Int32
	env := newTestEnv(t, 20000, 20100, Config{}, WithBeforeTeardown(func(ctx context.Context, sb *Sandbox) error {
		hookCalls.Add(1)
		return errors.New("hook failed")
	}))
	ctx := context.Background()

	sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}
	id := sb.ContainerID()

	if err := sb.Close(ctx); err != nil {
		t.Fatalf("Close returned hook error: %v", err)
	}
	if err := sb.Close(ctx); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if hookCalls.Load() != 1 {
		t.Errorf("hook called %d times, want 1", hookCalls.Load())
	}
	if _, ok := env.engine.Spec(id); ok {
		t.Error("container not removed")
	}
	if _, err := sb.Exec(ctx, ExecRequest{Command: "ls"}); !errors.Is(err, types.ErrClosedSandbox) {
		t.Errorf("Exec after Close = %v, want ErrClosedSandbox", err)
	}
	rec, _ := env.store.GetSandbox(ctx, types.Identity{ProjectID: "42"})
	if rec.Status != types.StatusStopped || rec.StoppedAt == nil {
		t.Errorf("record = %s stopped_at=%v", rec.Status, rec.StoppedAt)
	}
}

func TestClose_HookPanicIsContained(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{}, WithBeforeTeardown(func(ctx context.Context, sb *Sandbox) error {
		panic("teardown exploded")
	}))
	ctx := context.Background()

	sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if env.engine.Count() != 0 {
		t.Error("container should be removed despite the hook panic")
	}
}

func TestIdleTimeout(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{IdleTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !sb.Closed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !sb.Closed() {
		t.Fatal("sandbox not closed after idle timeout")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, _ := env.store.GetSandbox(ctx, types.Identity{ProjectID: "42"})
		if rec.Status == types.StatusStopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("record not marked stopped after idle timeout")
}

func TestAddPort(t *testing.T) {
	env := newTestEnv(t, 23000, 23100, Config{})
	ctx := context.Background()
	id := types.Identity{ProjectID: "42"}

	sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sb.Exec(ctx, ExecRequest{Command: "npm run dev &", Replay: true}); err != nil {
		t.Fatal(err)
	}
	primary := sb.HostPort()

	port, err := env.mgr.AddPort(ctx, id, 3000, 0, "vite")
	if err != nil {
		t.Fatalf("AddPort failed: %v", err)
	}
	again, err := env.mgr.AddPort(ctx, id, 3000, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if port != again {
		t.Errorf("AddPort returned %d then %d", port, again)
	}

	st, err := env.engine.Inspect(ctx, sb.ContainerID())
	if err != nil {
		t.Fatal(err)
	}
	if st.Ports[3000] != port {
		t.Errorf("container publishes %v, want 3000->%d", st.Ports, port)
	}
	if st.Ports[8000] != primary {
		t.Errorf("primary binding lost: %v", st.Ports)
	}

	replays := 0
	for _, c := range env.engine.Execs() {
		if c == "npm run dev &" {
			replays++
		}
	}
	if replays != 2 {
		t.Errorf("dev server ran %d times, want original plus one replay", replays)
	}
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t, 20000, 20100, Config{})
	ctx := context.Background()
	id := types.Identity{ProjectID: "42"}

	sb, err := env.mgr.ResolveOrCreate(ctx, project("42"))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.mgr.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !sb.Closed() {
		t.Error("handle should be closed")
	}
	mappings, _ := env.store.ListPortMappings(ctx, types.OwnerSandbox, sb.ID())
	if len(mappings) != 0 {
		t.Errorf("mappings not dropped: %v", mappings)
	}
	if _, err := env.mgr.Get(ctx, id); !errors.Is(err, types.ErrClosedSandbox) {
		t.Errorf("Get after Delete = %v, want ErrClosedSandbox", err)
	}
}
