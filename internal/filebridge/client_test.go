package filebridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// fileService is an in-memory file-browser API.
type fileService struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	logins   int
	requests []string

	// drops closes the next n connections without answering.
	drops int
	// rawStatus, when set, is returned by raw uploads.
	rawStatus int
	// mkdirStatus, when set, is returned by directory creation.
	mkdirStatus int
}

const testToken = "tok-123"

func newFileService(t *testing.T) (*fileService, *httptest.Server) {
	t.Helper()
	fs := &fileService{
		files: map[string][]byte{},
		dirs:  map[string]bool{"/": true},
	}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fileService) count(prefix string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, r := range fs.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (fs *fileService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.requests = append(fs.requests, r.Method+" "+r.URL.Path)

	if fs.drops > 0 {
		fs.drops--
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}

	if r.URL.Path == loginPath {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "admin" || creds["password"] != "admin" {
			http.Error(w, "403 Forbidden", http.StatusForbidden)
			return
		}
		fs.logins++
		_, _ = io.WriteString(w, testToken)
		return
	}
	if r.Header.Get(authHeader) != testToken {
		http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, rawPath):
		fs.raw(w, r, strings.TrimPrefix(r.URL.Path, rawPath))
	case strings.HasPrefix(r.URL.Path, resourcesPath):
		fs.resources(w, r, strings.TrimPrefix(r.URL.Path, resourcesPath))
	default:
		http.NotFound(w, r)
	}
}

func (fs *fileService) raw(w http.ResponseWriter, r *http.Request, p string) {
	p = cleanPath(p)
	switch r.Method {
	case http.MethodGet:
		data, ok := fs.files[p]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	case http.MethodPost:
		if fs.rawStatus != 0 {
			http.Error(w, "upload failed", fs.rawStatus)
			return
		}
		fs.store(w, p, r.Body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (fs *fileService) store(w http.ResponseWriter, p string, body io.Reader) {
	if !fs.dirs[path.Dir(p)] {
		http.Error(w, "parent missing", http.StatusNotFound)
		return
	}
	data, _ := io.ReadAll(body)
	fs.files[p] = data
	w.WriteHeader(http.StatusOK)
}

func (fs *fileService) resources(w http.ResponseWriter, r *http.Request, raw string) {
	p := cleanPath(raw)
	switch r.Method {
	case http.MethodGet:
		fs.stat(w, r, p)
	case http.MethodPost:
		if strings.HasSuffix(raw, "/") {
			if fs.mkdirStatus != 0 {
				http.Error(w, "cannot create", fs.mkdirStatus)
				return
			}
			if fs.dirs[p] {
				http.Error(w, "409 Conflict", http.StatusConflict)
				return
			}
			if !fs.dirs[path.Dir(p)] {
				http.Error(w, "parent missing", http.StatusNotFound)
				return
			}
			fs.dirs[p] = true
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		fs.store(w, p, file)
	case http.MethodDelete:
		if _, ok := fs.files[p]; ok {
			delete(fs.files, p)
			return
		}
		if !fs.dirs[p] {
			http.NotFound(w, r)
			return
		}
		for k := range fs.files {
			if strings.HasPrefix(k, p+"/") {
				delete(fs.files, k)
			}
		}
		for k := range fs.dirs {
			if k == p || strings.HasPrefix(k, p+"/") {
				delete(fs.dirs, k)
			}
		}
	case http.MethodPatch:
		q := r.URL.Query()
		dst := cleanPath(q.Get("destination"))
		if q.Get("action") != "rename" {
			http.Error(w, "bad action", http.StatusBadRequest)
			return
		}
		if !fs.dirs[path.Dir(dst)] {
			http.Error(w, "destination parent missing", http.StatusNotFound)
			return
		}
		if _, ok := fs.files[dst]; ok || fs.dirs[dst] {
			http.Error(w, "409 Conflict", http.StatusConflict)
			return
		}
		data, ok := fs.files[p]
		if !ok {
			http.NotFound(w, r)
			return
		}
		delete(fs.files, p)
		fs.files[dst] = data
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (fs *fileService) stat(w http.ResponseWriter, r *http.Request, p string) {
	if data, ok := fs.files[p]; ok {
		_ = json.NewEncoder(w).Encode(resource{Name: path.Base(p), Path: p, Size: int64(len(data))})
		return
	}
	if !fs.dirs[p] {
		http.NotFound(w, r)
		return
	}
	res := resource{Name: path.Base(p), Path: p, IsDir: true}
	for d := range fs.dirs {
		if d != p && path.Dir(d) == p {
			res.Items = append(res.Items, resource{Name: path.Base(d), Path: d, IsDir: true})
		}
	}
	for f, data := range fs.files {
		if path.Dir(f) == p {
			res.Items = append(res.Items, resource{Name: path.Base(f), Path: f, Size: int64(len(data))})
		}
	}
	sort.Slice(res.Items, func(i, j int) bool { return res.Items[i].Name < res.Items[j].Name })
	_ = json.NewEncoder(w).Encode(res)
}

func newClient(t *testing.T, srv *httptest.Server, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:     srv.URL,
		Username:    "admin",
		Password:    "admin",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		ShellRoot:   "/workspace",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = New(Config{BaseURL: "not a url"})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestWriteAndRead(t *testing.T) {
	fs, srv := newFileService(t)
	c := newClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "notes.md", []byte("# hello\n")))
	f, err := c.Read(ctx, "/notes.md")
	require.NoError(t, err)
	assert.Equal(t, EncodingText, f.Encoding)
	assert.Equal(t, "# hello\n", f.Content)
	assert.Equal(t, 8, f.Size)

	binary := []byte{0xff, 0xfe, 0x00, 0x01}
	require.NoError(t, c.Write(ctx, "/blob.bin", binary))
	f, err = c.Read(ctx, "/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, EncodingBase64, f.Encoding)
	decoded, err := f.Bytes()
	require.NoError(t, err)
	assert.Equal(t, binary, decoded)

	assert.Equal(t, 4, fs.logins, "one login per call")
	assert.Zero(t, fs.count("POST /api/resources"), "raw upload succeeded without fallback")
}

func TestWrite_BothPathsFail(t *testing.T) {
	fs, srv := newFileService(t)
	fs.rawStatus = http.StatusInternalServerError
	c := newClient(t, srv)

	err := c.Write(context.Background(), "/missing/main.go", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload failed")
	assert.ErrorIs(t, err, types.ErrNotFound, "multipart answer is kept")
}

func TestWrite_FallsBackToMultipart(t *testing.T) {
	fs, srv := newFileService(t)
	fs.rawStatus = http.StatusInternalServerError
	c := newClient(t, srv)

	require.NoError(t, c.Write(context.Background(), "/main.go", []byte("package main\n")))
	assert.Equal(t, 1, fs.count("POST /api/raw/main.go"), "api errors are not retried")
	assert.Equal(t, 1, fs.count("POST /api/resources/main.go"))
	assert.Equal(t, "package main\n", string(fs.files["/main.go"]))
}

func TestRead_NotFound(t *testing.T) {
	fs, srv := newFileService(t)
	c := newClient(t, srv)

	_, err := c.Read(context.Background(), "/missing.txt")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, 1, fs.count("GET /api/raw/missing.txt"))

	_, err = c.Read(context.Background(), "/")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestRetriesNetworkErrors(t *testing.T) {
	fs, srv := newFileService(t)
	fs.files["/a.txt"] = []byte("a")
	fs.drops = 2
	c := newClient(t, srv)

	f, err := c.Read(context.Background(), "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", f.Content)
	assert.Equal(t, 3, fs.count("POST /api/login"))
}

func TestRetriesAreBounded(t *testing.T) {
	fs, srv := newFileService(t)
	fs.drops = 10
	c := newClient(t, srv)

	_, err := c.Read(context.Background(), "/a.txt")
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, 3, fs.count("POST /api/login"))
}

func TestLogin_BadCredentials(t *testing.T) {
	fs, srv := newFileService(t)
	c := newClient(t, srv, func(cfg *Config) { cfg.Password = "wrong" })

	_, err := c.List(context.Background(), "/", 1)
	assert.ErrorIs(t, err, types.ErrAuth)
	assert.Equal(t, types.KindAuth, types.KindOf(err))
	assert.Equal(t, 1, fs.count("POST /api/login"), "auth failures are not retried")
}

func TestList_DepthIsBounded(t *testing.T) {
	fs, srv := newFileService(t)
	for _, d := range []string{"/src", "/src/pkg", "/src/pkg/deep"} {
		fs.dirs[d] = true
	}
	fs.files["/README.md"] = []byte("readme")
	fs.files["/src/main.go"] = []byte("package main")
	fs.files["/src/pkg/deep/x.go"] = []byte("package deep")
	c := newClient(t, srv)
	ctx := context.Background()

	entries, err := c.List(ctx, "/", 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "README.md", entries[0].Name)
	assert.Equal(t, int64(6), entries[0].Size)
	assert.True(t, entries[1].IsDir)
	assert.Nil(t, entries[1].Children)

	entries, err = c.List(ctx, "/", 10)
	require.NoError(t, err)
	src := entries[1]
	require.Len(t, src.Children, 2)
	assert.Equal(t, "/src/main.go", src.Children[0].Path)
	assert.Equal(t, "/src/pkg", src.Children[1].Path)
	assert.Nil(t, src.Children[1].Children, "depth is capped at two levels")
}

func TestMkdir_Idempotent(t *testing.T) {
	fs, srv := newFileService(t)
	c := newClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Mkdir(ctx, "/build"))
	require.NoError(t, c.Mkdir(ctx, "/build"))
	assert.True(t, fs.dirs["/build"])
	require.NoError(t, c.Mkdir(ctx, "/"))
}

func TestMkdir_ShellFallback(t *testing.T) {
	fs, srv := newFileService(t)
	fs.mkdirStatus = http.StatusInternalServerError

	var ran []string
	c := newClient(t, srv, func(cfg *Config) {
		cfg.Runner = func(ctx context.Context, command string) (*types.ExecResult, error) {
			ran = append(ran, command)
			return &types.ExecResult{}, nil
		}
	})

	require.NoError(t, c.Mkdir(context.Background(), "/my dir/sub"))
	assert.Equal(t, []string{"mkdir -p '/workspace/my dir/sub'"}, ran)
}

func TestMkdir_FailsWithoutRunner(t *testing.T) {
	fs, srv := newFileService(t)
	fs.mkdirStatus = http.StatusInternalServerError
	c := newClient(t, srv)

	err := c.Mkdir(context.Background(), "/x")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestMkdir_ShellFailureSurfaces(t *testing.T) {
	fs, srv := newFileService(t)
	fs.mkdirStatus = http.StatusInternalServerError
	c := newClient(t, srv, func(cfg *Config) {
		cfg.Runner = func(ctx context.Context, command string) (*types.ExecResult, error) {
			return &types.ExecResult{Stderr: "permission denied", ExitCode: 1}, nil
		}
	})

	err := c.Mkdir(context.Background(), "/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestDelete(t *testing.T) {
	fs, srv := newFileService(t)
	fs.dirs["/tmp"] = true
	fs.files["/tmp/a"] = []byte("a")
	c := newClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Delete(ctx, "/tmp"))
	assert.False(t, fs.dirs["/tmp"])
	assert.Empty(t, fs.files)

	assert.ErrorIs(t, c.Delete(ctx, "/tmp"), types.ErrNotFound)
	assert.ErrorIs(t, c.Delete(ctx, "/"), types.ErrInvalidArgument)
}

func TestRename_CreatesParents(t *testing.T) {
	fs, srv := newFileService(t)
	fs.files["/draft.txt"] = []byte("draft")
	c := newClient(t, srv)

	require.NoError(t, c.Rename(context.Background(), "/draft.txt", "/docs/2024/final.txt"))
	assert.True(t, fs.dirs["/docs"])
	assert.True(t, fs.dirs["/docs/2024"])
	assert.Equal(t, "draft", string(fs.files["/docs/2024/final.txt"]))
	_, ok := fs.files["/draft.txt"]
	assert.False(t, ok)
	assert.Equal(t, 1, fs.count("POST /api/login"), "parents are created with the same token")
}

func TestRename_DestinationExists(t *testing.T) {
	fs, srv := newFileService(t)
	fs.files["/a"] = []byte("a")
	fs.files["/b"] = []byte("b")
	c := newClient(t, srv)

	err := c.Rename(context.Background(), "/a", "/b")
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestParents(t *testing.T) {
	assert.Equal(t, []string{"/a", "/a/b"}, parents("/a/b/c.txt"))
	assert.Empty(t, parents("/c.txt"))
}
