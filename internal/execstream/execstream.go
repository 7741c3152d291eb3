// Package execstream speaks the cluster API's channel-framed exec protocol
// over a websocket. Every binary message carries a one-byte channel prefix
// followed by the payload.
package execstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"

	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Channel identifiers.
const (
	Stdin  byte = 0
	Stdout byte = 1
	Stderr byte = 2
	Error  byte = 3
	Resize byte = 4
)

// Protocol is the preferred websocket subprotocol.
const Protocol = "v4.channel.k8s.io"

// Protocols lists the subprotocols offered during the handshake, most
// preferred first.
var Protocols = []string{Protocol, "channel.k8s.io"}

var (
	// ErrEmptyFrame is returned when a message carries no channel byte.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrClosed is returned by writes on a closed stream.
	ErrClosed = errors.New("exec stream closed")
)

// EncodeFrame prefixes payload with its channel byte.
func EncodeFrame(channel byte, payload []byte) []byte {
	out := make([]byte, len(payload)+1)
	out[0] = channel
	copy(out[1:], payload)
	return out
}

// DecodeFrame splits a message into its channel and payload.
func DecodeFrame(msg []byte) (byte, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	return msg[0], msg[1:], nil
}

// Target selects the container and command to attach to.
type Target struct {
	Namespace string
	Pod       string
	Container string
	Command   []string
	TTY       bool
	Stdin     bool
}

// ExecURL builds the websocket URL of the pod exec endpoint on host.
func ExecURL(host string, t Target) (*url.URL, error) {
	if t.Namespace == "" || t.Pod == "" {
		return nil, types.InvalidArgument("exec_url", "namespace and pod are required")
	}
	if len(t.Command) == 0 {
		return nil, types.InvalidArgument("exec_url", "command is required")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse api host %q: %w", host, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") +
		"/api/v1/namespaces/" + url.PathEscape(t.Namespace) +
		"/pods/" + url.PathEscape(t.Pod) + "/exec"

	q := url.Values{}
	if t.Container != "" {
		q.Set("container", t.Container)
	}
	for _, c := range t.Command {
		q.Add("command", c)
	}
	q.Set("stdout", "true")
	q.Set("stderr", strconv.FormatBool(!t.TTY))
	q.Set("stdin", strconv.FormatBool(t.Stdin))
	q.Set("tty", strconv.FormatBool(t.TTY))
	u.RawQuery = q.Encode()
	return u, nil
}

// Dialer opens exec streams against the API server described by Config.
type Dialer struct {
	Config           *rest.Config
	HandshakeTimeout time.Duration
}

// Dial opens an exec stream. Credential rejections are reported as
// authentication errors; everything else that fails before the upgrade is
// transient.
func (d *Dialer) Dial(ctx context.Context, t Target) (*Stream, error) {
	if d.Config == nil || d.Config.Host == "" {
		return nil, types.InvalidArgument("exec_dial", "api host is required")
	}
	u, err := ExecURL(d.Config.Host, t)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := rest.TLSConfigFor(d.Config)
	if err != nil {
		return nil, fmt.Errorf("build tls config: %w", err)
	}

	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  tlsConfig,
		Subprotocols:     Protocols,
		HandshakeTimeout: timeout,
	}
	header := http.Header{}
	if d.Config.BearerToken != "" {
		header.Set("Authorization", "Bearer "+d.Config.BearerToken)
	}

	owner := t.Namespace + "/" + t.Pod
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, types.Auth("exec_dial", owner, fmt.Errorf("api server returned %s", resp.Status))
		}
		return nil, types.Transient("exec_dial", owner, err)
	}
	return NewStream(conn), nil
}

// Stream is an open exec session. Writes are serialized; reads must come
// from a single goroutine.
type Stream struct {
	conn  *websocket.Conn
	pongs chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewStream wraps an already-upgraded connection.
func NewStream(conn *websocket.Conn) *Stream {
	s := &Stream{conn: conn, pongs: make(chan struct{}, 1)}
	conn.SetPongHandler(func(string) error {
		select {
		case s.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	return s
}

// Ping sends a ping and waits for the pong. Pongs are only observed while
// another goroutine is blocked in ReadFrame.
func (s *Stream) Ping(ctx context.Context) error {
	select {
	case <-s.pongs:
	default:
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	err := s.conn.WriteControl(websocket.PingMessage, nil, deadline)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-s.pongs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subprotocol returns the protocol negotiated with the server.
func (s *Stream) Subprotocol() string {
	return s.conn.Subprotocol()
}

func (s *Stream) write(channel byte, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(channel, payload))
}

// WriteStdin sends input to the remote process.
func (s *Stream) WriteStdin(p []byte) error {
	return s.write(Stdin, p)
}

// Resize sends a terminal resize event.
func (s *Stream) Resize(cols, rows uint16) error {
	payload, err := json.Marshal(struct {
		Width  uint16
		Height uint16
	}{cols, rows})
	if err != nil {
		return err
	}
	return s.write(Resize, payload)
}

// ReadFrame blocks for the next message.
func (s *Stream) ReadFrame() (byte, []byte, error) {
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	return DecodeFrame(msg)
}

// SetReadDeadline bounds the next ReadFrame.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close closes the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.mu.Unlock()
	return s.conn.Close()
}

// ExitStatus decodes an error-channel payload into an exit code. A nil
// error with a non-zero code means the command ran and failed.
func ExitStatus(payload []byte) (int, error) {
	var st metav1.Status
	if err := json.Unmarshal(payload, &st); err != nil {
		return -1, fmt.Errorf("decode exec status: %w", err)
	}
	if st.Status == metav1.StatusSuccess {
		return 0, nil
	}
	if st.Reason == "NonZeroExitCode" && st.Details != nil {
		for _, c := range st.Details.Causes {
			if c.Type == "ExitCode" {
				code, err := strconv.Atoi(c.Message)
				if err == nil {
					return code, nil
				}
			}
		}
	}
	return -1, fmt.Errorf("exec failed: %s", st.Message)
}

// Collect reads the stream to completion and returns the batched result.
func Collect(ctx context.Context, s *Stream) (*types.ExecResult, error) {
	start := time.Now()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	var stdout, stderr bytes.Buffer
	exit := 0
	sawStatus := false
	for {
		ch, payload, err := s.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("exec: %w", types.ErrTimeout)
			}
			if sawStatus || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return nil, types.Transient("exec", "", err)
		}
		switch ch {
		case Stdout:
			stdout.Write(payload)
		case Stderr:
			stderr.Write(payload)
		case Error:
			code, err := ExitStatus(payload)
			if err != nil {
				return nil, err
			}
			exit = code
			sawStatus = true
		}
	}
	return &types.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exit,
		Duration: time.Since(start),
	}, nil
}
