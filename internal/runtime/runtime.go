// Package runtime defines the container engine used by sandbox managers.
package runtime

import (
	"context"
	"io"
	"time"

	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Mount is a host directory bind-mounted into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// PortBinding publishes a container TCP port on a host port.
type PortBinding struct {
	ContainerPort int
	HostPort      int
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	WorkDir     string
	Env         map[string]string
	Labels      map[string]string
	Mounts      []Mount
	Ports       []PortBinding
	Resources   types.ResourceLimits
	NetworkMode string
}

// ContainerState is the live view of a container.
type ContainerState struct {
	ID      string
	Name    string
	Image   string
	Running bool
	Status  string
	// Ports maps container port to published host port.
	Ports  map[int]int
	Labels map[string]string
}

// ExecOptions configures a command run inside a container.
type ExecOptions struct {
	Command string
	WorkDir string
	Env     map[string]string
	Timeout time.Duration
	// Output receives stdout and stderr as they are produced. When nil the
	// output is only returned in the result.
	Output io.Writer
}

// Engine manages containers. Implementations return types.ErrNotFound for
// containers that no longer exist.
type Engine interface {
	// Name returns the name of this engine implementation.
	Name() string

	// Create creates a container but does not start it, pulling the image
	// if it is not present locally.
	Create(ctx context.Context, spec *ContainerSpec) (string, error)

	// Start starts a created container. A host port conflict is reported
	// wrapping types.ErrPortAllocated.
	Start(ctx context.Context, id string) error

	Inspect(ctx context.Context, id string) (*ContainerState, error)

	// Exec runs a command and waits for it to exit.
	Exec(ctx context.Context, id string, opts *ExecOptions) (*types.ExecResult, error)

	// Shell attaches an interactive tty shell to the container.
	Shell(ctx context.Context, id string, shell string) (io.ReadWriteCloser, error)

	// Kill force-stops a running container.
	Kill(ctx context.Context, id string) error

	// Remove deletes a container, killing it first if needed.
	Remove(ctx context.Context, id string) error

	Close() error
}
