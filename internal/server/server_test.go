package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/filebridge"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/orchestrator"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/sandbox"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/terminal"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

const bufSize = 1024 * 1024

// stubService records calls and answers from its fields.
type stubService struct {
	mu       sync.Mutex
	calls    []string
	preserve bool
	terminal orchestrator.TerminalRequest

	err      error
	fileBase string
}

func (s *stubService) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return s.err
}

func (s *stubService) ResolveSandbox(_ context.Context, req sandbox.ResolveRequest) (*orchestrator.SandboxInfo, error) {
	if err := s.record("ResolveSandbox " + req.Identity.ProjectID); err != nil {
		return nil, err
	}
	return &orchestrator.SandboxInfo{
		Record: types.SandboxRecord{ID: "sb-1", Identity: req.Identity, Status: types.StatusRunning, HostPort: 20001},
		URLs:   map[string]string{"primary": "http://localhost:20001"},
	}, nil
}

func (s *stubService) ExecSandbox(_ context.Context, _ types.Identity, req sandbox.ExecRequest) (*types.ExecResult, error) {
	if err := s.record("ExecSandbox " + req.Command); err != nil {
		return nil, err
	}
	return &types.ExecResult{Stdout: "ok\n"}, nil
}

func (s *stubService) AddSandboxPort(_ context.Context, _ types.Identity, containerPort, hostPort int, _ string) (int, error) {
	return 20002, s.record("AddSandboxPort")
}

func (s *stubService) DeleteSandbox(context.Context, types.Identity) error {
	return s.record("DeleteSandbox")
}

func (s *stubService) SandboxURLs(context.Context, types.Identity) (map[string]string, error) {
	return map[string]string{"primary": "http://localhost:20001"}, s.record("SandboxURLs")
}

func (s *stubService) ResolvePod(_ context.Context, id types.Identity) (*orchestrator.PodInfo, error) {
	if err := s.record("ResolvePod"); err != nil {
		return nil, err
	}
	return &orchestrator.PodInfo{Record: types.PodRecord{ID: "pod-1", Identity: id}, State: "healthy"}, nil
}

func (s *stubService) ExecPod(context.Context, types.Identity, string) (*types.ExecResult, error) {
	return &types.ExecResult{}, s.record("ExecPod")
}

func (s *stubService) AddPodPort(context.Context, types.Identity, int, int, string) (int, error) {
	return 30005, s.record("AddPodPort")
}

func (s *stubService) DeletePod(_ context.Context, _ types.Identity, preserve bool) error {
	s.mu.Lock()
	s.preserve = preserve
	s.mu.Unlock()
	return s.record("DeletePod")
}

func (s *stubService) PodURLs(context.Context, types.Identity) (map[string]string, error) {
	return nil, s.record("PodURLs")
}

func (s *stubService) Files(context.Context, types.Identity) (*filebridge.Client, error) {
	if err := s.record("Files"); err != nil {
		return nil, err
	}
	return filebridge.New(filebridge.Config{BaseURL: s.fileBase, MaxAttempts: 1})
}

func (s *stubService) Terminal(_ context.Context, client terminal.ClientConn, req orchestrator.TerminalRequest) error {
	s.mu.Lock()
	s.terminal = req
	s.mu.Unlock()
	defer client.Close()
	if err := client.WriteMessage([]byte("welcome\n")); err != nil {
		return err
	}
	msg, err := client.ReadMessage()
	if err != nil {
		return err
	}
	return client.WriteMessage(append([]byte("echo:"), msg...))
}

func newTestServer(t *testing.T, svc *stubService) *httptest.Server {
	t.Helper()
	s, err := New(&Config{}, svc)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) (int, types.Outcome) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out types.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	return resp.StatusCode, out
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, &stubService{}); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := New(&Config{}, nil); err == nil {
		t.Error("expected error for nil service")
	}
}

func TestSandboxRoutes(t *testing.T) {
	svc := &stubService{}
	ts := newTestServer(t, svc)

	code, out := do(t, http.MethodPost, ts.URL+"/v1/sandboxes/resolve", `{"identity":{"project_id":"42"}}`)
	if code != http.StatusOK || !out.Success {
		t.Fatalf("resolve = %d %+v", code, out)
	}
	data := out.Data.(map[string]any)
	if data["urls"].(map[string]any)["primary"] != "http://localhost:20001" {
		t.Errorf("urls = %v", data["urls"])
	}

	code, out = do(t, http.MethodPost, ts.URL+"/v1/sandboxes/exec", `{"identity":{"project_id":"42"},"command":"make test"}`)
	if code != http.StatusOK || out.Data.(map[string]any)["stdout"] != "ok\n" {
		t.Errorf("exec = %d %+v", code, out)
	}

	code, out = do(t, http.MethodPost, ts.URL+"/v1/sandboxes/ports", `{"identity":{"project_id":"42"},"container_port":3000}`)
	if code != http.StatusOK || out.Data.(map[string]any)["host_port"] != float64(20002) {
		t.Errorf("ports = %d %+v", code, out)
	}

	if code, _ := do(t, http.MethodGet, ts.URL+"/v1/sandboxes/urls?project_id=42", ""); code != http.StatusOK {
		t.Errorf("urls status = %d", code)
	}
	if code, _ := do(t, http.MethodDelete, ts.URL+"/v1/sandboxes?project_id=42", ""); code != http.StatusOK {
		t.Errorf("delete status = %d", code)
	}

	want := []string{"ResolveSandbox 42", "ExecSandbox make test", "AddSandboxPort", "SandboxURLs", "DeleteSandbox"}
	if strings.Join(svc.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", svc.calls, want)
	}
}

func TestPodDelete_PreserveFromQuery(t *testing.T) {
	svc := &stubService{}
	ts := newTestServer(t, svc)

	code, out := do(t, http.MethodDelete, ts.URL+"/v1/pods?conversation_id=c1&preserve_data=true", "")
	if code != http.StatusOK || !out.Success {
		t.Fatalf("delete = %d %+v", code, out)
	}
	if !svc.preserve {
		t.Error("preserve_data not passed through")
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		suggestion string
		diag       string
	}{
		{"invalid", types.InvalidArgument("identity", "project_id or conversation_id is required"), http.StatusBadRequest, "", ""},
		{"not found", types.ErrNotFound, http.StatusNotFound, "", ""},
		{"closed", fmt.Errorf("sandbox for project 1 is stopped: %w", types.ErrClosedSandbox), http.StatusGone, "", ""},
		{"transient", types.Transient("ssh", "p:1|c:", errors.New("connection reset")), http.StatusServiceUnavailable, "retry the connection", ""},
		{"auth", types.Auth("ssh", "p:1|c:", errors.New("bad key")), http.StatusBadGateway, "", ""},
		{"provisioning", &types.ProvisioningError{Namespace: "ws-p-1", Reason: "claim never bound", Diagnostics: "events: ..."}, http.StatusInternalServerError, "", "events: ..."},
		{"unavailable", orchestrator.ErrUnavailable, http.StatusNotImplemented, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &stubService{err: tt.err})
			code, out := do(t, http.MethodPost, ts.URL+"/v1/pods/resolve", `{"identity":{"project_id":"1"}}`)
			if code != tt.status {
				t.Errorf("status = %d, want %d", code, tt.status)
			}
			if out.Success {
				t.Error("expected failed outcome")
			}
			if out.Suggestion != tt.suggestion {
				t.Errorf("suggestion = %q, want %q", out.Suggestion, tt.suggestion)
			}
			if out.Diagnostics != tt.diag {
				t.Errorf("diagnostics = %q, want %q", out.Diagnostics, tt.diag)
			}
		})
	}
}

func TestBadBody(t *testing.T) {
	ts := newTestServer(t, &stubService{})
	code, out := do(t, http.MethodPost, ts.URL+"/v1/sandboxes/exec", `{"identity":`)
	if code != http.StatusBadRequest || out.Success {
		t.Errorf("got %d %+v", code, out)
	}
	code, _ = do(t, http.MethodPost, ts.URL+"/v1/sandboxes/exec", `{"bogus":1}`)
	if code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d", code)
	}
}

func TestFileRoutes(t *testing.T) {
	var mu sync.Mutex
	files := map[string][]byte{"notes.txt": []byte("hello")}
	fs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.URL.Path == "/api/login":
			_, _ = io.WriteString(w, "tok")
		case strings.HasPrefix(r.URL.Path, "/api/raw/") && r.Method == http.MethodGet:
			data, ok := files[strings.TrimPrefix(r.URL.Path, "/api/raw/")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(data)
		case strings.HasPrefix(r.URL.Path, "/api/raw/") && r.Method == http.MethodPost:
			data, _ := io.ReadAll(r.Body)
			files[strings.TrimPrefix(r.URL.Path, "/api/raw/")] = data
		default:
			http.NotFound(w, r)
		}
	}))
	defer fs.Close()

	ts := newTestServer(t, &stubService{fileBase: fs.URL})

	code, out := do(t, http.MethodGet, ts.URL+"/v1/pods/files/read?project_id=7&path=notes.txt", "")
	if code != http.StatusOK || out.Data.(map[string]any)["content"] != "hello" {
		t.Fatalf("read = %d %+v", code, out)
	}

	code, out = do(t, http.MethodPost, ts.URL+"/v1/pods/files/write",
		`{"identity":{"project_id":"7"},"path":"bin.dat","content":"AAEC","encoding":"base64"}`)
	if code != http.StatusOK {
		t.Fatalf("write = %d %+v", code, out)
	}
	mu.Lock()
	got := files["bin.dat"]
	mu.Unlock()
	if !bytes.Equal(got, []byte{0, 1, 2}) {
		t.Errorf("stored = %v", got)
	}

	code, _ = do(t, http.MethodGet, ts.URL+"/v1/pods/files/read?project_id=7&path=missing.txt", "")
	if code != http.StatusNotFound {
		t.Errorf("missing read status = %d", code)
	}
}

func TestTerminalWebSocket(t *testing.T) {
	svc := &stubService{}
	ts := newTestServer(t, svc)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/terminal?project_id=7&kind=pod&cols=100&rows=30"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, msg, err := conn.ReadMessage(); err != nil || string(msg) != "welcome\n" {
		t.Fatalf("first message = %q, %v", msg, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ls")); err != nil {
		t.Fatal(err)
	}
	if _, msg, err := conn.ReadMessage(); err != nil || string(msg) != "echo:ls" {
		t.Fatalf("echo = %q, %v", msg, err)
	}

	svc.mu.Lock()
	req := svc.terminal
	svc.mu.Unlock()
	if req.Kind != orchestrator.KindPod || req.Identity.ProjectID != "7" {
		t.Errorf("request = %+v", req)
	}
	if req.Size.Cols != 100 || req.Size.Rows != 30 {
		t.Errorf("size = %+v", req.Size)
	}
}

func TestGRPCHealth(t *testing.T) {
	s, err := New(&Config{}, &stubService{})
	if err != nil {
		t.Fatal(err)
	}
	lis := bufconn.Listen(bufSize)
	go func() { _ = s.grpcServer.Serve(lis) }()
	defer s.grpcServer.GracefulStop()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial bufnet: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.Status)
	}
}
