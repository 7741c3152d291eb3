package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/retry"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// SSHConfig describes how to reach the control host.
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	KeyPath    string
	KnownHosts string
	Timeout    time.Duration
	// DialAttempts bounds connection retries on transient failures.
	DialAttempts int
}

// SSHClient is an Executor backed by a single multiplexed SSH connection.
type SSHClient struct {
	cfg    SSHConfig
	auth   []ssh.AuthMethod
	hostCB ssh.HostKeyCallback

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHClient validates cfg and prepares authentication. The connection is
// established lazily on first use.
func NewSSHClient(cfg SSHConfig) (*SSHClient, error) {
	if cfg.Host == "" {
		return nil, types.InvalidArgument("ssh", "host is required")
	}
	if cfg.User == "" {
		return nil, types.InvalidArgument("ssh", "user is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = 3
	}

	var auth []ssh.AuthMethod
	if cfg.KeyPath != "" {
		pem, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, types.Auth("ssh", cfg.Host, fmt.Errorf("parse ssh key: %w", err))
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		pw := cfg.Password
		auth = append(auth,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}
	if len(auth) == 0 {
		return nil, types.InvalidArgument("ssh", "key_path or password is required")
	}

	hostCB := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostCB = cb
	}

	return &SSHClient{cfg: cfg, auth: auth, hostCB: hostCB}, nil
}

func (c *SSHClient) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// connect returns the live client, dialing if necessary.
func (c *SSHClient) connect(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	clientCfg := &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            c.auth,
		HostKeyCallback: c.hostCB,
		Timeout:         c.cfg.Timeout,
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = c.cfg.DialAttempts
	policy.Retryable = types.IsRetryable

	var client *ssh.Client
	err := retry.Do(ctx, "ssh.dial", policy, func(ctx context.Context) error {
		dialer := net.Dialer{Timeout: c.cfg.Timeout}
		conn, err := dialer.DialContext(ctx, "tcp", c.addr())
		if err != nil {
			return types.Transient("ssh.dial", c.addr(), err)
		}
		sc, chans, reqs, err := ssh.NewClientConn(conn, c.addr(), clientCfg)
		if err != nil {
			conn.Close()
			if isAuthFailure(err) {
				return types.Auth("ssh.handshake", c.addr(), err)
			}
			return types.Transient("ssh.handshake", c.addr(), err)
		}
		client = ssh.NewClient(sc, chans, reqs)
		return nil
	})
	if err != nil {
		logging.Warn("Failed to connect to control host",
			logging.String("addr", c.addr()),
			logging.Err(err),
		)
		return nil, err
	}
	c.client = client
	return client, nil
}

// reset drops a broken connection so the next call redials.
func (c *SSHClient) reset(broken *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == broken {
		c.client.Close()
		c.client = nil
	}
}

func (c *SSHClient) session(ctx context.Context) (*ssh.Session, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err == nil {
		return sess, nil
	}

	// The multiplexed connection may have died underneath us; redial once.
	c.reset(client)
	client, err = c.connect(ctx)
	if err != nil {
		return nil, err
	}
	sess, err = client.NewSession()
	if err != nil {
		return nil, types.Transient("ssh.session", c.addr(), err)
	}
	return sess, nil
}

// Run executes command and collects its output.
func (c *SSHClient) Run(ctx context.Context, command string) (*types.ExecResult, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Signal(ssh.SIGKILL)
			sess.Close()
		case <-done:
		}
	}()

	start := time.Now()
	runErr := sess.Run(command)
	res := &types.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(runErr, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		case errors.As(runErr, &missing):
			res.ExitCode = -1
		case ctx.Err() != nil:
			return nil, types.Transient("ssh.run", c.addr(), ctx.Err())
		default:
			return nil, types.Transient("ssh.run", c.addr(), runErr)
		}
	}
	return res, nil
}

// Shell opens an interactive login shell with a pty.
func (c *SSHClient) Shell(ctx context.Context, size WindowSize) (Shell, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", int(size.Rows), int(size.Cols), modes); err != nil {
		sess.Close()
		return nil, types.Transient("ssh.pty", c.addr(), err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, types.Transient("ssh.shell", c.addr(), err)
	}

	go func() {
		pw.CloseWithError(sess.Wait())
	}()

	return &sshShell{sess: sess, stdin: stdin, out: pr}, nil
}

// Close closes the underlying connection.
func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

type sshShell struct {
	sess  *ssh.Session
	stdin io.WriteCloser
	out   *io.PipeReader
	once  sync.Once
}

func (s *sshShell) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshShell) Close() error {
	var err error
	s.once.Do(func() {
		s.stdin.Close()
		err = s.sess.Close()
		s.out.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

var _ Executor = (*SSHClient)(nil)
