package docker

import (
	"sync"

	dockertypes "github.com/docker/docker/api/types"
)

// hijackedShell adapts a hijacked tty exec attachment to io.ReadWriteCloser.
// With Tty set Docker sends raw bytes, so no stdcopy demultiplexing.
type hijackedShell struct {
	resp dockertypes.HijackedResponse

	mu     sync.Mutex
	closed bool
}

func (s *hijackedShell) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *hijackedShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resp.Conn.Write(p)
}

// Close closes the attachment. The shell process exits on hangup.
func (s *hijackedShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.resp.Close()
	return nil
}
