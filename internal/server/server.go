// Package server exposes the orchestrator over HTTP, a terminal websocket
// and a gRPC health endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/filebridge"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/orchestrator"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/terminal"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// maxBody bounds request bodies, file uploads included.
const maxBody = 32 << 20

// Config holds server configuration.
type Config struct {
	GRPCAddr string
	HTTPAddr string
}

// Server serves the management API.
type Server struct {
	config     *Config
	service    orchestrator.Service
	mux        *runtime.ServeMux
	grpcServer *grpc.Server
	health     *health.Server
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a server and registers its routes.
func New(cfg *Config, svc orchestrator.Service) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if svc == nil {
		return nil, errors.New("service is required")
	}

	s := &Server{
		config:     cfg,
		service:    svc,
		mux:        runtime.NewServeMux(),
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func (s *Server) routes() error {
	routes := []route{
		{http.MethodPost, "/v1/sandboxes/resolve", s.command(orchestrator.KindSandbox, orchestrator.ActionResolve)},
		{http.MethodPost, "/v1/sandboxes/exec", s.command(orchestrator.KindSandbox, orchestrator.ActionExec)},
		{http.MethodPost, "/v1/sandboxes/ports", s.command(orchestrator.KindSandbox, orchestrator.ActionAddPort)},
		{http.MethodDelete, "/v1/sandboxes", s.command(orchestrator.KindSandbox, orchestrator.ActionDelete)},
		{http.MethodGet, "/v1/sandboxes/urls", s.command(orchestrator.KindSandbox, orchestrator.ActionURLs)},

		{http.MethodPost, "/v1/pods/resolve", s.command(orchestrator.KindPod, orchestrator.ActionResolve)},
		{http.MethodPost, "/v1/pods/exec", s.command(orchestrator.KindPod, orchestrator.ActionExec)},
		{http.MethodPost, "/v1/pods/ports", s.command(orchestrator.KindPod, orchestrator.ActionAddPort)},
		{http.MethodDelete, "/v1/pods", s.command(orchestrator.KindPod, orchestrator.ActionDelete)},
		{http.MethodGet, "/v1/pods/urls", s.command(orchestrator.KindPod, orchestrator.ActionURLs)},

		{http.MethodGet, "/v1/pods/files/list", s.files(s.listFiles)},
		{http.MethodGet, "/v1/pods/files/read", s.files(s.readFile)},
		{http.MethodPost, "/v1/pods/files/write", s.files(s.writeFile)},
		{http.MethodPost, "/v1/pods/files/mkdir", s.files(s.mkdir)},
		{http.MethodPost, "/v1/pods/files/rename", s.files(s.rename)},
		{http.MethodDelete, "/v1/pods/files", s.files(s.deleteFile)},

		{http.MethodGet, "/v1/terminal", s.terminal},
		{http.MethodGet, "/healthz", s.healthz},
	}
	for _, rt := range routes {
		if err := s.mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves gRPC and HTTP until either fails or Stop is called.
func (s *Server) Start() error {
	grpcLis, err := net.Listen("tcp", s.config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := s.grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              s.config.HTTPAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	logging.Info("Server listening",
		logging.String("grpc_addr", s.config.GRPCAddr),
		logging.String("http_addr", s.config.HTTPAddr),
	)
	return <-errCh
}

// Stop shuts both servers down.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			logging.Warn("HTTP shutdown incomplete", logging.Err(err))
			_ = httpServer.Close()
		}
	}
	s.grpcServer.GracefulStop()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, types.OK("ok", nil))
}

// identityFromQuery reads project_id and conversation_id.
func identityFromQuery(r *http.Request) types.Identity {
	q := r.URL.Query()
	return types.Identity{
		ProjectID:      q.Get("project_id"),
		ConversationID: q.Get("conversation_id"),
	}
}

// command handles a management route. Bodies decode into a Command; GET
// and DELETE routes take the identity from the query string.
func (s *Server) command(kind orchestrator.Kind, action orchestrator.Action) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		var cmd orchestrator.Command
		if r.Method == http.MethodPost {
			if err := decodeBody(w, r, &cmd); err != nil {
				writeFailure(w, err)
				return
			}
		} else {
			cmd.Identity = identityFromQuery(r)
			cmd.PreserveData, _ = strconv.ParseBool(r.URL.Query().Get("preserve_data"))
		}
		cmd.Kind = kind
		cmd.Action = action
		out, err := orchestrator.Execute(r.Context(), s.service, cmd)
		writeJSON(w, httpStatus(err), out)
	}
}

type fileRequest struct {
	Identity types.Identity `json:"identity"`
	Path     string         `json:"path"`
	From     string         `json:"from,omitempty"`
	To       string         `json:"to,omitempty"`
	Content  string         `json:"content,omitempty"`
	Encoding string         `json:"encoding,omitempty"`
	Depth    int            `json:"depth,omitempty"`
}

type fileHandler func(ctx context.Context, c *filebridge.Client, req *fileRequest) (any, string, error)

// files resolves the file bridge of the addressed pod and runs h.
func (s *Server) files(h fileHandler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		req := &fileRequest{}
		if r.Method == http.MethodPost {
			if err := decodeBody(w, r, req); err != nil {
				writeFailure(w, err)
				return
			}
		} else {
			req.Identity = identityFromQuery(r)
			req.Path = r.URL.Query().Get("path")
			req.Depth, _ = strconv.Atoi(r.URL.Query().Get("depth"))
		}

		client, err := s.service.Files(r.Context(), req.Identity)
		if err != nil {
			writeFailure(w, err)
			return
		}
		data, msg, err := h(r.Context(), client, req)
		if err != nil {
			logging.Warn("File operation failed",
				logging.Owner(req.Identity.Key()),
				logging.String("path", req.Path),
				logging.Err(err),
			)
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.OK(msg, data))
	}
}

func (s *Server) listFiles(ctx context.Context, c *filebridge.Client, req *fileRequest) (any, string, error) {
	entries, err := c.List(ctx, req.Path, req.Depth)
	return entries, "listed", err
}

func (s *Server) readFile(ctx context.Context, c *filebridge.Client, req *fileRequest) (any, string, error) {
	f, err := c.Read(ctx, req.Path)
	return f, "read", err
}

func (s *Server) writeFile(ctx context.Context, c *filebridge.Client, req *fileRequest) (any, string, error) {
	f := filebridge.File{Path: req.Path, Content: req.Content, Encoding: req.Encoding}
	data, err := f.Bytes()
	if err != nil {
		return nil, "", types.InvalidArgument("write", err.Error())
	}
	return nil, "written", c.Write(ctx, req.Path, data)
}

func (s *Server) mkdir(ctx context.Context, c *filebridge.Client, req *fileRequest) (any, string, error) {
	return nil, "created", c.Mkdir(ctx, req.Path)
}

func (s *Server) rename(ctx context.Context, c *filebridge.Client, req *fileRequest) (any, string, error) {
	return nil, "renamed", c.Rename(ctx, req.From, req.To)
}

func (s *Server) deleteFile(ctx context.Context, c *filebridge.Client, req *fileRequest) (any, string, error) {
	return nil, "deleted", c.Delete(ctx, req.Path)
}

// terminal upgrades to a websocket and bridges it to a workload shell.
// Query: project_id, conversation_id, kind (pod|sandbox), cols, rows,
// shell.
func (s *Server) terminal(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	req := orchestrator.TerminalRequest{
		Kind:     orchestrator.Kind(q.Get("kind")),
		Identity: identityFromQuery(r),
		Size:     remote.WindowSize{Cols: parseDim(q.Get("cols")), Rows: parseDim(q.Get("rows"))},
		Shell:    q.Get("shell"),
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Terminal upgrade failed", logging.Err(err))
		return
	}
	client := terminal.NewWebSocketClient(conn)
	if err := s.service.Terminal(r.Context(), client, req); err != nil {
		logging.Info("Terminal session ended",
			logging.Owner(req.Identity.Key()),
			logging.Err(err),
		)
	}
}

func parseDim(v string) uint16 {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.InvalidArgument("decode", "invalid request body: "+err.Error())
	}
	return nil
}

func writeFailure(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), types.Failure(err))
}

// httpStatus maps an error to the HTTP status reported with its outcome.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, types.ErrClosedSandbox):
		return http.StatusGone
	case errors.Is(err, orchestrator.ErrUnavailable):
		return http.StatusNotImplemented
	}
	switch types.KindOf(err) {
	case types.KindInvalidArgument:
		return http.StatusBadRequest
	case types.KindAuth:
		return http.StatusBadGateway
	case types.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", logging.Err(err))
	}
}
