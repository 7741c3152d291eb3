// Package filebridge talks to the file-browser sidecar of a pod workspace.
//
// Every operation logs in first and uses the returned token for its
// requests. Transport failures are retried with exponential backoff; any
// response from the API, successful or not, is final.
package filebridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/multierr"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/retry"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

const (
	loginPath     = "/api/login"
	resourcesPath = "/api/resources"
	rawPath       = "/api/raw"
	authHeader    = "X-Auth"

	EncodingText   = "utf-8"
	EncodingBase64 = "base64"
)

// Runner runs a shell command inside the workload.
type Runner func(ctx context.Context, command string) (*types.ExecResult, error)

// Config configures a Client.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// Timeout bounds each HTTP request.
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	// MaxDepth caps recursive listings.
	MaxDepth int
	// Runner and ShellRoot enable the mkdir -p fallback. ShellRoot is where
	// the file service's root is mounted in the workload.
	Runner    Runner
	ShellRoot string
	// Owner is used in log fields.
	Owner string
}

// Client is a file-service client for one workload.
type Client struct {
	config Config
	base   *url.URL
	http   *http.Client
	policy retry.Policy
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, types.InvalidArgument("filebridge", "base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, types.InvalidArgument("filebridge", fmt.Sprintf("invalid base url %q", cfg.BaseURL))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	if cfg.RetryDelay > 0 {
		policy.InitialDelay = cfg.RetryDelay
	}
	policy.Retryable = types.IsRetryable

	return &Client{
		config: cfg,
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		policy: policy,
	}, nil
}

// APIError is a non-2xx answer from the file service.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		body = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s: file service returned %d: %s", e.Op, e.Status, body)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.ErrAuth
	case http.StatusNotFound:
		return types.ErrNotFound
	case http.StatusConflict:
		return types.ErrAlreadyExists
	}
	return nil
}

// Entry is a file or directory in a listing.
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	IsDir    bool      `json:"is_dir"`
	Modified time.Time `json:"modified"`
	Children []Entry   `json:"children,omitempty"`
}

// File is the content of a file. Content is base64 when Encoding says so.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
}

// Bytes decodes the content.
func (f *File) Bytes() ([]byte, error) {
	if f.Encoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(f.Content)
	}
	return []byte(f.Content), nil
}

// resource is the file service's listing format.
type resource struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Size     int64      `json:"size"`
	IsDir    bool       `json:"isDir"`
	Modified time.Time  `json:"modified"`
	Items    []resource `json:"items"`
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

func (c *Client) endpoint(prefix, p string, dir bool, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + prefix + p
	if dir && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// send performs one request with retries. build is called per attempt so
// bodies can be replayed. Non-2xx answers are returned as *APIError.
func (c *Client) send(ctx context.Context, op string, build func() (*http.Request, error)) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, "filebridge."+op, c.policy, func(ctx context.Context) error {
		req, err := build()
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Debug("File service request failed",
				logging.Owner(c.config.Owner),
				logging.Op(op),
				logging.Err(err),
			)
			return types.Transient("filebridge."+op, c.config.Owner, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return types.Transient("filebridge."+op, c.config.Owner, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &APIError{Op: op, Status: resp.StatusCode, Body: string(data)}
		}
		body = data
		return nil
	})
	return body, err
}

func (c *Client) request(ctx context.Context, op, token, method, target string, body []byte, contentType string) ([]byte, error) {
	return c.send(ctx, op, func() (*http.Request, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set(authHeader, token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	})
}

// login obtains a short-lived token.
func (c *Client) login(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username":  c.config.Username,
		"password":  c.config.Password,
		"recaptcha": "",
	})
	if err != nil {
		return "", err
	}
	data, err := c.send(ctx, "login", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(loginPath, "", false, nil), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		if errors.Is(err, types.ErrAuth) {
			return "", types.Auth("filebridge.login", c.config.Owner, err)
		}
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", types.Auth("filebridge.login", c.config.Owner, errors.New("empty token"))
	}
	return token, nil
}

// List returns the tree under dir, descending at most depth levels. depth
// is clamped to [1, MaxDepth].
func (c *Client) List(ctx context.Context, dir string, depth int) ([]Entry, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > c.config.MaxDepth {
		depth = c.config.MaxDepth
	}
	token, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	return c.list(ctx, token, cleanPath(dir), depth)
}

func (c *Client) list(ctx context.Context, token, dir string, depth int) ([]Entry, error) {
	data, err := c.request(ctx, "list", token, http.MethodGet, c.endpoint(resourcesPath, dir, true, nil), nil, "")
	if err != nil {
		return nil, err
	}
	var res resource
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode listing of %s: %w", dir, err)
	}
	if !res.IsDir {
		return nil, types.InvalidArgument("list", dir+" is not a directory")
	}

	entries := make([]Entry, 0, len(res.Items))
	for _, item := range res.Items {
		e := Entry{
			Name:     item.Name,
			Path:     cleanPath(path.Join(dir, item.Name)),
			Size:     item.Size,
			IsDir:    item.IsDir,
			Modified: item.Modified,
		}
		if e.IsDir && depth > 1 {
			children, err := c.list(ctx, token, e.Path, depth-1)
			if err != nil {
				return nil, err
			}
			e.Children = children
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Read returns a file's content, as text when it is valid UTF-8 and as
// base64 otherwise.
func (c *Client) Read(ctx context.Context, p string) (*File, error) {
	p = cleanPath(p)
	if p == "/" {
		return nil, types.InvalidArgument("read", "file path is required")
	}
	token, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	data, err := c.request(ctx, "read", token, http.MethodGet, c.endpoint(rawPath, p, false, nil), nil, "")
	if err != nil {
		return nil, err
	}
	f := &File{Path: p, Size: len(data)}
	if utf8.Valid(data) {
		f.Content = string(data)
		f.Encoding = EncodingText
	} else {
		f.Content = base64.StdEncoding.EncodeToString(data)
		f.Encoding = EncodingBase64
	}
	return f, nil
}

// Write stores content at p, replacing any existing file. A failed raw
// upload is retried as a multipart form upload.
func (c *Client) Write(ctx context.Context, p string, content []byte) error {
	p = cleanPath(p)
	if p == "/" {
		return types.InvalidArgument("write", "file path is required")
	}
	token, err := c.login(ctx)
	if err != nil {
		return err
	}

	override := url.Values{"override": {"true"}}
	_, rawErr := c.request(ctx, "write", token, http.MethodPost, c.endpoint(rawPath, p, false, override), content, "application/octet-stream")
	if rawErr == nil {
		return nil
	}
	logging.Warn("Raw upload failed, retrying as multipart",
		logging.Owner(c.config.Owner),
		logging.String("path", p),
		logging.Err(rawErr),
	)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", path.Base(p))
	if err != nil {
		return err
	}
	if _, err := part.Write(content); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	_, formErr := c.request(ctx, "write_multipart", token, http.MethodPost,
		c.endpoint(resourcesPath, p, false, override), buf.Bytes(), mw.FormDataContentType())
	if formErr != nil {
		return multierr.Combine(rawErr, formErr)
	}
	return nil
}

// Mkdir creates dir. An existing directory is not an error. When the API
// cannot confirm the directory and a Runner is configured, mkdir -p is run
// in the workload instead.
func (c *Client) Mkdir(ctx context.Context, dir string) error {
	dir = cleanPath(dir)
	if dir == "/" {
		return nil
	}
	token, err := c.login(ctx)
	if err != nil {
		return err
	}
	return c.mkdir(ctx, token, dir)
}

func (c *Client) mkdir(ctx context.Context, token, dir string) error {
	_, err := c.request(ctx, "mkdir", token, http.MethodPost, c.endpoint(resourcesPath, dir, true, nil), nil, "")
	if err == nil || alreadyExists(err) {
		return nil
	}
	if types.KindOf(err) == types.KindAuth {
		return err
	}
	if ok, statErr := c.isDir(ctx, token, dir); statErr == nil && ok {
		return nil
	}
	if c.config.Runner == nil {
		return err
	}

	target := path.Join(c.config.ShellRoot, dir)
	logging.Warn("Creating directory through the workload shell",
		logging.Owner(c.config.Owner),
		logging.String("path", target),
		logging.Err(err),
	)
	res, runErr := c.config.Runner(ctx, remote.Command("mkdir", "-p", target))
	if runErr != nil {
		return multierr.Combine(err, runErr)
	}
	if res.ExitCode != 0 {
		return multierr.Combine(err, fmt.Errorf("mkdir -p %s: %s", target, strings.TrimSpace(res.Combined())))
	}
	return nil
}

func alreadyExists(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusConflict || strings.Contains(strings.ToLower(apiErr.Body), "exist")
}

func (c *Client) isDir(ctx context.Context, token, p string) (bool, error) {
	data, err := c.request(ctx, "stat", token, http.MethodGet, c.endpoint(resourcesPath, p, false, nil), nil, "")
	if err != nil {
		return false, err
	}
	var res resource
	if err := json.Unmarshal(data, &res); err != nil {
		return false, err
	}
	return res.IsDir, nil
}

// Delete removes a file or directory tree.
func (c *Client) Delete(ctx context.Context, p string) error {
	p = cleanPath(p)
	if p == "/" {
		return types.InvalidArgument("delete", "refusing to delete the root")
	}
	token, err := c.login(ctx)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, "delete", token, http.MethodDelete, c.endpoint(resourcesPath, p, false, nil), nil, "")
	return err
}

// Rename moves from to to, creating to's missing parent directories first.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	from, to = cleanPath(from), cleanPath(to)
	if from == "/" || to == "/" {
		return types.InvalidArgument("rename", "source and destination are required")
	}
	if from == to {
		return nil
	}
	token, err := c.login(ctx)
	if err != nil {
		return err
	}

	for _, dir := range parents(to) {
		if err := c.mkdir(ctx, token, dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	q := url.Values{
		"action":      {"rename"},
		"destination": {to},
		"override":    {"false"},
	}
	_, err = c.request(ctx, "rename", token, http.MethodPatch, c.endpoint(resourcesPath, from, false, q), nil, "")
	return err
}

// parents lists the ancestors of p below the root, outermost first.
func parents(p string) []string {
	var dirs []string
	for d := path.Dir(p); d != "/" && d != "."; d = path.Dir(d) {
		dirs = append([]string{d}, dirs...)
	}
	return dirs
}
