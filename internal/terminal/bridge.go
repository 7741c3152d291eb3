// Package terminal bridges a client connection to an interactive shell in
// a sandbox or pod. A native exec stream is preferred; when it cannot be
// opened the bridge falls back to a remote shell running the cluster CLI's
// exec command and cleans up that shell's output.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/besteffort"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateConnectedNative
	StateConnectedFallback
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnectedNative:
		return "connected(native)"
	case StateConnectedFallback:
		return "connected(fallback)"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RetrySuggestion accompanies every error shown to a terminal client.
const RetrySuggestion = "retry the connection"

// ErrUnresponsive is reported when a liveness probe goes unanswered.
var ErrUnresponsive = errors.New("terminal stopped responding")

// ClientConn is the caller's side of a session. ReadMessage must unblock
// with an error once Close is called.
type ClientConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	Close() error
}

// Endpoint names how to reach one workload's shell. Either opener may be
// nil.
type Endpoint struct {
	Owner    string
	Native   Opener
	Fallback Opener
}

// Config holds the bridge timings.
type Config struct {
	// PollInterval is how often the watchdogs look at the session.
	PollInterval time.Duration
	// IdleKeepAlive is the silence after which a keep-alive is written.
	IdleKeepAlive time.Duration
	// ProbeAfter is the output silence after which the workload is probed.
	ProbeAfter   time.Duration
	ProbeTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.IdleKeepAlive <= 0 {
		c.IdleKeepAlive = 30 * time.Second
	}
	if c.ProbeAfter <= 0 {
		c.ProbeAfter = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// Bridge opens terminal sessions.
type Bridge struct {
	config Config
}

// NewBridge creates a bridge.
func NewBridge(cfg Config) *Bridge {
	cfg.setDefaults()
	return &Bridge{config: cfg}
}

// ErrorMessage is the frame sent to a client when a session fails.
type ErrorMessage struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

// EncodeError renders err as a client error frame.
func EncodeError(err error) []byte {
	data, _ := json.Marshal(ErrorMessage{
		Type:       "error",
		Message:    err.Error(),
		Suggestion: RetrySuggestion,
	})
	return data
}

// Session is one connected terminal.
type Session struct {
	owner    string
	config   Config
	upstream Upstream
	mode     Mode

	state      atomic.Int32
	lastOutput atomic.Int64
	lastInput  atomic.Int64

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Open connects to ep, trying the native opener before the fallback.
func (b *Bridge) Open(ctx context.Context, ep Endpoint, size remote.WindowSize) (*Session, error) {
	s := &Session{owner: ep.Owner, config: b.config}
	s.setState(StateConnecting)

	var errs error
	if ep.Native != nil {
		up, err := ep.Native(ctx, size)
		if err == nil {
			s.attach(up, ModeNative)
			return s, nil
		}
		logging.Warn("Native terminal stream unavailable, falling back",
			logging.Owner(ep.Owner),
			logging.Err(err),
		)
		errs = multierr.Append(errs, fmt.Errorf("native: %w", err))
	}
	if ep.Fallback != nil {
		up, err := ep.Fallback(ctx, size)
		if err == nil {
			s.attach(up, ModeFallback)
			return s, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("fallback: %w", err))
	}
	s.setState(StateClosed)
	if errs == nil {
		return nil, types.InvalidArgument("terminal.open", "no terminal transport configured")
	}
	return nil, types.Transient("terminal.open", ep.Owner, errs)
}

// Serve opens a session for ep and streams it to client until either side
// goes away. Connection failures are reported to the client before the
// connection is closed.
func (b *Bridge) Serve(ctx context.Context, client ClientConn, ep Endpoint, size remote.WindowSize) error {
	s, err := b.Open(ctx, ep, size)
	if err != nil {
		_ = client.WriteMessage(EncodeError(err))
		_ = client.Close()
		return err
	}
	return s.Serve(ctx, client)
}

func (s *Session) attach(up Upstream, mode Mode) {
	s.upstream = up
	s.mode = mode
	now := time.Now().UnixNano()
	s.lastOutput.Store(now)
	s.lastInput.Store(now)
	if mode == ModeNative {
		s.setState(StateConnectedNative)
	} else {
		s.setState(StateConnectedFallback)
	}
	logging.Info("Terminal connected", logging.Owner(s.owner), logging.String("mode", string(mode)))
}

// Mode returns the transport in use.
func (s *Session) Mode() Mode { return s.mode }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Serve pumps upstream output to client and client input to upstream. It
// returns when the client disconnects, the remote shell exits, or the
// watchdog declares the session dead. The returned error is nil for an
// orderly end.
func (s *Session) Serve(ctx context.Context, client ClientConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setState(StateStreaming)

	results := make(chan error, 2)
	go func() { results <- s.readLoop(client) }()
	go func() { results <- s.watchdog(ctx, client) }()
	go func() {
		<-ctx.Done()
		_ = client.Close()
	}()

	for {
		msg, err := client.ReadMessage()
		if err != nil {
			break
		}
		s.lastInput.Store(time.Now().UnixNano())
		if err := s.upstream.Send(msg); err != nil {
			s.report(client, types.Transient("terminal.send", s.owner, err))
			break
		}
	}

	cancel()
	s.Close()

	var errs error
	for i := 0; i < 2; i++ {
		errs = multierr.Append(errs, <-results)
	}
	if errs != nil {
		logging.Info("Terminal closed", logging.Owner(s.owner), logging.Err(errs))
	} else {
		logging.Info("Terminal closed", logging.Owner(s.owner))
	}
	return errs
}

// readLoop forwards output in receipt order. It returns nil when the
// session was closed locally or the remote shell exited.
func (s *Session) readLoop(client ClientConn) error {
	defer client.Close()
	for {
		chunk, err := s.upstream.Read()
		if err != nil {
			if s.State() == StateClosed || errors.Is(err, ErrSessionEnded) {
				return nil
			}
			err = types.Transient("terminal.read", s.owner, err)
			s.report(client, err)
			return err
		}
		s.lastOutput.Store(time.Now().UnixNano())
		if len(chunk) == 0 {
			continue
		}
		if err := s.write(client, chunk); err != nil {
			return nil
		}
	}
}

// watchdog writes keep-alives after idle periods and probes the workload
// when it has been silent for too long.
func (s *Session) watchdog(ctx context.Context, client ClientConn) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		out := time.Since(time.Unix(0, s.lastOutput.Load()))
		in := time.Since(time.Unix(0, s.lastInput.Load()))

		if out >= s.config.ProbeAfter {
			pctx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
			err := s.upstream.Probe(pctx)
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrUnresponsive, err)
				s.report(client, err)
				s.Close()
				return err
			}
			s.lastOutput.Store(time.Now().UnixNano())
			continue
		}

		if out >= s.config.IdleKeepAlive && in >= s.config.IdleKeepAlive {
			if err := s.upstream.KeepAlive(); err != nil {
				logging.Debug("Terminal keep-alive failed", logging.Owner(s.owner), logging.Err(err))
			}
			s.lastInput.Store(time.Now().UnixNano())
		}
	}
}

func (s *Session) write(client ClientConn, p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return client.WriteMessage(p)
}

func (s *Session) report(client ClientConn, err error) {
	logging.Warn("Terminal session error", logging.Owner(s.owner), logging.Err(err))
	_ = s.write(client, EncodeError(err))
}

// Close releases the upstream. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		_ = besteffort.Run("terminal.close", s.owner, besteffort.Close("upstream", s.upstream.Close))
	})
}
