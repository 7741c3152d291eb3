// Package config provides configuration management for the orchestrator.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Config represents the complete orchestrator configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Remote     RemoteConfig     `yaml:"remote"`
	FileBridge FileBridgeConfig `yaml:"filebridge"`
	Terminal   TerminalConfig   `yaml:"terminal"`
	Lease      LeaseConfig      `yaml:"lease"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	// PublicHost is the address clients use to reach mapped sandbox ports.
	PublicHost string `yaml:"public_host"`
	// ResolveTimeout bounds a shared resolve, which outlives the request
	// that started it.
	ResolveTimeout string `yaml:"resolve_timeout"`
}

// StorageConfig holds record store and workspace storage configuration.
type StorageConfig struct {
	Root   string `yaml:"root"`
	Driver string `yaml:"driver"` // memory, sqlite, postgres
	DSN    string `yaml:"dsn"`
}

// SandboxConfig holds container sandbox defaults.
type SandboxConfig struct {
	Image         string `yaml:"image"`
	Memory        string `yaml:"memory"`
	CPUs          string `yaml:"cpus"`
	PidsLimit     int64  `yaml:"pids_limit"`
	PortMin       int    `yaml:"port_min"`
	PortMax       int    `yaml:"port_max"`
	ContainerPort int    `yaml:"container_port"`
	IdleTimeout   string `yaml:"idle_timeout"`
	DockerHost    string `yaml:"docker_host"`
	NetworkMode   string `yaml:"network_mode"`
	Engine        string `yaml:"engine"` // docker, mock
}

// ClusterConfig holds cluster pod manager configuration.
type ClusterConfig struct {
	Backend          string `yaml:"backend"` // kube, kubectl, none
	KubeConfig       string `yaml:"kubeconfig"`
	APIHost          string `yaml:"api_host"`
	Token            string `yaml:"token"`
	Insecure         bool   `yaml:"insecure"`
	NamespacePrefix  string `yaml:"namespace_prefix"`
	WorkspaceImage   string `yaml:"workspace_image"`
	TerminalImage    string `yaml:"terminal_image"`
	FileBrowserImage string `yaml:"filebrowser_image"`
	TerminalPort     int    `yaml:"terminal_port"`
	FileBrowserPort  int    `yaml:"filebrowser_port"`
	NodePortMin      int    `yaml:"node_port_min"`
	NodePortMax      int    `yaml:"node_port_max"`
	NodeIP           string `yaml:"node_ip"`
	StorageSize      string `yaml:"storage_size"`
	StorageClass     string `yaml:"storage_class"`
	Memory           string `yaml:"memory"`
	CPUs             string `yaml:"cpus"`
	ReadyAttempts    int    `yaml:"ready_attempts"`
	ReadyInterval    string `yaml:"ready_interval"`
	RolloutTimeout   string `yaml:"rollout_timeout"`
}

// RemoteConfig holds the remote control-host shell connection.
type RemoteConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	KeyPath        string `yaml:"key_path"`
	KnownHosts     string `yaml:"known_hosts"`
	ConnectTimeout string `yaml:"connect_timeout"`
}

// FileBridgeConfig holds file-service credentials and retry policy.
type FileBridgeConfig struct {
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Timeout     string `yaml:"timeout"`
	MaxAttempts int    `yaml:"max_attempts"`
	MaxDepth    int    `yaml:"max_depth"`
}

// TerminalConfig holds terminal bridge timings.
type TerminalConfig struct {
	PollInterval  string `yaml:"poll_interval"`
	IdleKeepAlive string `yaml:"idle_keepalive"`
	ProbeAfter    string `yaml:"probe_after"`
	ProbeTimeout  string `yaml:"probe_timeout"`
}

// LeaseConfig holds per-identifier lease configuration. An empty RedisAddr
// selects the in-process locker.
type LeaseConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	TTL           string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr:       ":9000",
			HTTPAddr:       ":8080",
			PublicHost:     "localhost",
			ResolveTimeout: "10m",
		},
		Storage: StorageConfig{
			Root:   "/tmp/orchestrator/storage",
			Driver: "sqlite",
			DSN:    "/tmp/orchestrator/records.db",
		},
		Sandbox: SandboxConfig{
			Image:         "ubuntu:22.04",
			Memory:        "2Gi",
			CPUs:          "1",
			PidsLimit:     512,
			PortMin:       20000,
			PortMax:       29999,
			ContainerPort: 8000,
			IdleTimeout:   "30m",
			NetworkMode:   "bridge",
			Engine:        "docker",
		},
		Cluster: ClusterConfig{
			Backend:          "none",
			NamespacePrefix:  "ws",
			WorkspaceImage:   "ubuntu:22.04",
			TerminalImage:    "tsl0922/ttyd:latest",
			FileBrowserImage: "filebrowser/filebrowser:latest",
			TerminalPort:     7681,
			FileBrowserPort:  8080,
			NodePortMin:      30000,
			NodePortMax:      32767,
			StorageSize:      "5Gi",
			Memory:           "2Gi",
			CPUs:             "1",
			ReadyAttempts:    10,
			ReadyInterval:    "5s",
			RolloutTimeout:   "120s",
		},
		Remote: RemoteConfig{
			Port:           22,
			User:           "root",
			ConnectTimeout: "10s",
		},
		FileBridge: FileBridgeConfig{
			Username:    "admin",
			Password:    "admin",
			Timeout:     "15s",
			MaxAttempts: 3,
			MaxDepth:    2,
		},
		Terminal: TerminalConfig{
			PollInterval:  "50ms",
			IdleKeepAlive: "30s",
			ProbeAfter:    "60s",
			ProbeTimeout:  "5s",
		},
		Lease: LeaseConfig{
			TTL: "2m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns default if file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Sandbox.PortMin <= 0 || c.Sandbox.PortMax > 65535 || c.Sandbox.PortMin > c.Sandbox.PortMax {
		return fmt.Errorf("invalid sandbox port range %d-%d", c.Sandbox.PortMin, c.Sandbox.PortMax)
	}
	if c.Cluster.NodePortMin > c.Cluster.NodePortMax {
		return fmt.Errorf("invalid node port range %d-%d", c.Cluster.NodePortMin, c.Cluster.NodePortMax)
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Cluster.Backend {
	case "kube", "kubectl", "none", "":
	default:
		return fmt.Errorf("unknown cluster backend %q", c.Cluster.Backend)
	}
	if _, err := c.Sandbox.Resources(); err != nil {
		return err
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// parseResources converts quantity strings such as "2Gi" and "1.5" into limits.
func parseResources(memory, cpus string, pids int64) (types.ResourceLimits, error) {
	var limits types.ResourceLimits
	if memory != "" {
		q, err := resource.ParseQuantity(memory)
		if err != nil {
			return limits, fmt.Errorf("invalid memory %q: %w", memory, err)
		}
		limits.MemoryBytes = q.Value()
	}
	if cpus != "" {
		q, err := resource.ParseQuantity(cpus)
		if err != nil {
			return limits, fmt.Errorf("invalid cpus %q: %w", cpus, err)
		}
		limits.NanoCPUs = q.MilliValue() * 1_000_000
	}
	limits.PidsLimit = pids
	return limits, nil
}

// Resources returns the configured sandbox resource limits.
func (c *SandboxConfig) Resources() (types.ResourceLimits, error) {
	return parseResources(c.Memory, c.CPUs, c.PidsLimit)
}

// GetIdleTimeout returns the idle teardown delay.
func (c *SandboxConfig) GetIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, 30*time.Minute)
}

// Resources returns the configured pod resource limits.
func (c *ClusterConfig) Resources() (types.ResourceLimits, error) {
	return parseResources(c.Memory, c.CPUs, 0)
}

// GetReadyInterval returns the fixed readiness polling interval.
func (c *ClusterConfig) GetReadyInterval() time.Duration {
	return parseDuration(c.ReadyInterval, 5*time.Second)
}

// GetRolloutTimeout returns the bound on a rollout-status wait.
func (c *ClusterConfig) GetRolloutTimeout() time.Duration {
	return parseDuration(c.RolloutTimeout, 2*time.Minute)
}

// GetConnectTimeout returns the remote shell dial timeout.
func (c *RemoteConfig) GetConnectTimeout() time.Duration {
	return parseDuration(c.ConnectTimeout, 10*time.Second)
}

// GetTimeout returns the per-request file-service timeout.
func (c *ServerConfig) GetResolveTimeout() time.Duration {
	return parseDuration(c.ResolveTimeout, 10*time.Minute)
}

func (c *FileBridgeConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 15*time.Second)
}

func (c *TerminalConfig) GetPollInterval() time.Duration {
	return parseDuration(c.PollInterval, 50*time.Millisecond)
}

func (c *TerminalConfig) GetIdleKeepAlive() time.Duration {
	return parseDuration(c.IdleKeepAlive, 30*time.Second)
}

func (c *TerminalConfig) GetProbeAfter() time.Duration {
	return parseDuration(c.ProbeAfter, time.Minute)
}

func (c *TerminalConfig) GetProbeTimeout() time.Duration {
	return parseDuration(c.ProbeTimeout, 5*time.Second)
}

// GetTTL returns the lease expiry.
func (c *LeaseConfig) GetTTL() time.Duration {
	return parseDuration(c.TTL, 2*time.Minute)
}
