// Package docker implements runtime.Engine on the Docker daemon.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	rt "github.com/ajaxzhan/sandbox-orchestrator/internal/runtime"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Config holds configuration for the Docker engine.
type Config struct {
	// DockerHost is the daemon address (default: DOCKER_HOST or the local socket)
	DockerHost string

	// DefaultTimeout bounds Exec calls that do not set their own timeout
	DefaultTimeout time.Duration

	// PullTimeout bounds an image pull triggered by Create
	PullTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: 5 * time.Minute,
		PullTimeout:    10 * time.Minute,
	}
}

// Engine implements runtime.Engine using the Docker API.
type Engine struct {
	config *Config
	client *client.Client
}

// New connects to the Docker daemon and verifies it answers.
func New(config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}

	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if config.DockerHost != "" {
		opts = append(opts, client.WithHost(config.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, types.Transient("docker.ping", "", fmt.Errorf("failed to connect to Docker daemon: %w", err))
	}

	return &Engine{config: config, client: cli}, nil
}

// Name returns the name of this engine implementation.
func (e *Engine) Name() string {
	return "docker"
}

func buildConfigs(spec *rt.ContainerSpec) (*container.Config, *container.HostConfig, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Tty:        true,
		OpenStdin:  true,
		WorkingDir: spec.WorkDir,
		Labels:     map[string]string{},
	}
	if len(cfg.Cmd) == 0 {
		cfg.Cmd = []string{"sleep", "infinity"}
	}
	for k, v := range spec.Labels {
		cfg.Labels[k] = v
	}
	for k, v := range spec.Env {
		cfg.Env = append(cfg.Env, k+"="+v)
	}

	host := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
	}
	for _, m := range spec.Mounts {
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	if len(spec.Ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		host.PortBindings = nat.PortMap{}
		for _, p := range spec.Ports {
			port, err := nat.NewPort("tcp", strconv.Itoa(p.ContainerPort))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid container port %d: %w", p.ContainerPort, err)
			}
			cfg.ExposedPorts[port] = struct{}{}
			host.PortBindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p.HostPort)}}
		}
	}

	res := spec.Resources
	if res.MemoryBytes > 0 {
		host.Resources.Memory = res.MemoryBytes
	}
	if res.NanoCPUs > 0 {
		host.Resources.NanoCPUs = res.NanoCPUs
	}
	if res.PidsLimit > 0 {
		pids := res.PidsLimit
		host.Resources.PidsLimit = &pids
	}
	return cfg, host, nil
}

// Create creates a container, pulling the image once if it is missing.
func (e *Engine) Create(ctx context.Context, spec *rt.ContainerSpec) (string, error) {
	cfg, host, err := buildConfigs(spec)
	if err != nil {
		return "", err
	}

	resp, err := e.client.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil && (errdefs.IsNotFound(err) || strings.Contains(err.Error(), "No such image")) {
		if pullErr := e.pullImage(spec.Image); pullErr != nil {
			return "", fmt.Errorf("pull image %s: %w", spec.Image, pullErr)
		}
		resp, err = e.client.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	}
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", fmt.Errorf("container name %s: %w", spec.Name, types.ErrAlreadyExists)
		}
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		logging.Warn("Container create warning", logging.String("name", spec.Name), logging.String("warning", w))
	}
	return resp.ID, nil
}

// pullImage uses its own context so a short caller deadline does not
// abort a large pull halfway.
func (e *Engine) pullImage(image string) error {
	if image == "" {
		return fmt.Errorf("image is empty")
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.config.PullTimeout)
	defer cancel()

	logging.Info("Pulling image", logging.String("image", image))
	reader, err := e.client.ImagePull(ctx, image, imagetypes.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Start starts a container.
func (e *Engine) Start(ctx context.Context, id string) error {
	err := e.client.ContainerStart(ctx, id, container.StartOptions{})
	if err == nil {
		return nil
	}
	if isPortConflict(err) {
		return fmt.Errorf("start %s: %w: %v", shortID(id), types.ErrPortAllocated, err)
	}
	if errdefs.IsNotFound(err) {
		return types.ErrNotFound
	}
	return fmt.Errorf("failed to start container: %w", err)
}

func isPortConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
}

// Inspect returns the live state of a container.
func (e *Engine) Inspect(ctx context.Context, id string) (*rt.ContainerState, error) {
	resp, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	state := &rt.ContainerState{
		ID:    resp.ID,
		Name:  strings.TrimPrefix(resp.Name, "/"),
		Ports: make(map[int]int),
	}
	if resp.State != nil {
		state.Running = resp.State.Running
		state.Status = resp.State.Status
	}
	if resp.Config != nil {
		state.Image = resp.Config.Image
		state.Labels = resp.Config.Labels
	}
	if resp.NetworkSettings != nil {
		for port, bindings := range resp.NetworkSettings.Ports {
			for _, b := range bindings {
				hp, err := strconv.Atoi(b.HostPort)
				if err == nil && hp > 0 {
					state.Ports[port.Int()] = hp
					break
				}
			}
		}
	}
	return state, nil
}

// Exec runs a command through /bin/sh and waits for it to exit.
func (e *Engine) Exec(ctx context.Context, id string, opts *rt.ExecOptions) (*types.ExecResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = e.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execConfig := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", opts.Command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   opts.WorkDir,
	}
	for k, v := range opts.Env {
		execConfig.Env = append(execConfig.Env, k+"="+v)
	}

	start := time.Now()
	execResp, err := e.client.ContainerExecCreate(ctx, id, execConfig)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := e.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attachResp.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdout, stderr io.Writer = &stdoutBuf, &stderrBuf
	if opts.Output != nil {
		stdout = io.MultiWriter(&stdoutBuf, opts.Output)
		stderr = io.MultiWriter(&stderrBuf, opts.Output)
	}

	// Docker multiplexes both streams with 8-byte frame headers.
	_, _ = stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
	if ctx.Err() == context.DeadlineExceeded {
		return nil, types.ErrTimeout
	}

	inspectResp, err := e.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &types.ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: inspectResp.ExitCode,
		Duration: time.Since(start),
	}, nil
}

// Shell attaches an interactive tty shell to a running container.
func (e *Engine) Shell(ctx context.Context, id string, shell string) (io.ReadWriteCloser, error) {
	if shell == "" {
		shell = "/bin/sh"
	}
	args := []string{shell, "-i"}
	if strings.Contains(shell, "bash") {
		args = []string{shell, "--login", "-i"}
	}

	execResp, err := e.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          args,
		Env:          []string{"TERM=xterm"},
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	// The hijacked connection outlives the request context.
	attachResp, err := e.client.ContainerExecAttach(context.Background(), execResp.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	return &hijackedShell{resp: attachResp}, nil
}

// Kill force-stops a container. A container that is already gone or
// stopped is not an error.
func (e *Engine) Kill(ctx context.Context, id string) error {
	err := e.client.ContainerKill(ctx, id, "KILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	if strings.Contains(err.Error(), "is not running") {
		return nil
	}
	return fmt.Errorf("failed to kill container: %w", err)
}

// Remove deletes a container and its anonymous volumes.
func (e *Engine) Remove(ctx context.Context, id string) error {
	err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("failed to remove container: %w", err)
}

// Close closes the Docker client.
func (e *Engine) Close() error {
	return e.client.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ rt.Engine = (*Engine)(nil)
