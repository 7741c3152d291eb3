// Package types defines the core domain types for the sandbox orchestrator.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a sandbox or pod record.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// CanTransition reports whether a record may move from s to next.
// Stopped and error records only come back through created, which is
// what a fresh resolve does.
func (s Status) CanTransition(next Status) bool {
	if s == next || next == StatusError {
		return true
	}
	switch s {
	case StatusCreated:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusStopped
	case StatusStopped, StatusError:
		return next == StatusCreated
	default:
		return next == StatusCreated
	}
}

// Live reports whether the status represents a record holding live resources.
func (s Status) Live() bool {
	return s == StatusRunning
}

// Identity addresses a sandbox or pod. At least one field must be set.
type Identity struct {
	ProjectID      string `json:"project_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Empty reports whether neither identifier is set.
func (i Identity) Empty() bool {
	return strings.TrimSpace(i.ProjectID) == "" && strings.TrimSpace(i.ConversationID) == ""
}

// Validate checks that at least one identifier is present.
func (i Identity) Validate() error {
	if i.Empty() {
		return InvalidArgument("identity", "project_id or conversation_id is required")
	}
	return nil
}

// ValidateExactlyOne checks that exactly one identifier is present.
func (i Identity) ValidateExactlyOne() error {
	hasProject := strings.TrimSpace(i.ProjectID) != ""
	hasConversation := strings.TrimSpace(i.ConversationID) != ""
	if hasProject == hasConversation {
		return InvalidArgument("identity", "exactly one of project_id or conversation_id is required")
	}
	return nil
}

// Key returns the stable lookup key for the identity.
func (i Identity) Key() string {
	return fmt.Sprintf("p:%s|c:%s", i.ProjectID, i.ConversationID)
}

func (i Identity) String() string {
	switch {
	case i.ProjectID != "" && i.ConversationID != "":
		return "project " + i.ProjectID + "/conversation " + i.ConversationID
	case i.ProjectID != "":
		return "project " + i.ProjectID
	default:
		return "conversation " + i.ConversationID
	}
}

// ResourceLimits defines resource constraints for a sandbox or pod.
type ResourceLimits struct {
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	NanoCPUs    int64 `json:"nano_cpus,omitempty"`
	PidsLimit   int64 `json:"pids_limit,omitempty"`
}

// SandboxRecord is the persisted state of a container sandbox.
type SandboxRecord struct {
	ID            string         `json:"id"`
	Identity      Identity       `json:"identity"`
	ContainerID   string         `json:"container_id,omitempty"`
	ContainerName string         `json:"container_name"`
	Image         string         `json:"image"`
	CodeDir       string         `json:"code_dir"`
	Status        Status         `json:"status"`
	Resources     ResourceLimits `json:"resources"`
	// HostPort caches the primary mapping; the port registry owns the value.
	HostPort  int        `json:"host_port,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// ServiceInfo holds the externally reachable endpoints of a pod.
type ServiceInfo struct {
	NodeIP    string            `json:"node_ip,omitempty"`
	NodePorts map[string]int32  `json:"node_ports,omitempty"`
	URLs      map[string]string `json:"urls,omitempty"`
}

// ClusterAccess holds credentials for talking to the cluster API directly.
type ClusterAccess struct {
	APIHost    string `json:"api_host,omitempty"`
	Token      string `json:"-"`
	KubeConfig string `json:"-"`
}

// ShellAccess holds the fallback remote-shell connection details.
type ShellAccess struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"-"`
	KeyPath  string `json:"key_path,omitempty"`
}

// PodRecord is the persisted state of a cluster pod workspace.
type PodRecord struct {
	ID          string         `json:"id"`
	Identity    Identity       `json:"identity"`
	PodName     string         `json:"pod_name,omitempty"`
	Namespace   string         `json:"namespace"`
	Image       string         `json:"image"`
	Status      Status         `json:"status"`
	Resources   ResourceLimits `json:"resources"`
	Service     ServiceInfo    `json:"service"`
	Cluster     ClusterAccess  `json:"cluster"`
	Shell       ShellAccess    `json:"shell"`
	StoragePath string         `json:"storage_path"`
	LastError   string         `json:"last_error,omitempty"`
	Diagnostics string         `json:"diagnostics,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	StoppedAt   *time.Time     `json:"stopped_at,omitempty"`
}

// OwnerKind distinguishes what a port mapping belongs to.
type OwnerKind string

const (
	OwnerSandbox OwnerKind = "sandbox"
	OwnerPod     OwnerKind = "pod"
)

// PortMapping maps a container port to a host or node port for one owner.
type PortMapping struct {
	OwnerKind     OwnerKind `json:"owner_kind"`
	OwnerID       string    `json:"owner_id"`
	ContainerPort int       `json:"container_port"`
	HostPort      int       `json:"host_port"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CommandLog is an append-only audit entry for a command run in a sandbox or pod.
type CommandLog struct {
	ID        string    `json:"id"`
	OwnerKey  string    `json:"owner_key"`
	Command   string    `json:"command"`
	Output    string    `json:"output"`
	ExitCode  int       `json:"exit_code"`
	CreatedAt time.Time `json:"created_at"`
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the command exited cleanly.
func (r *ExecResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Combined returns stdout followed by stderr.
func (r *ExecResult) Combined() string {
	if r == nil {
		return ""
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + r.Stderr
}

// Outcome is the structured result returned across the management surface.
type Outcome struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Data        any    `json:"data,omitempty"`
	Diagnostics string `json:"diagnostics,omitempty"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// OK builds a successful outcome.
func OK(message string, data any) Outcome {
	return Outcome{Success: true, Message: message, Data: data}
}

// Failure translates an error into a failed outcome.
func Failure(err error) Outcome {
	out := Outcome{Success: false, Message: err.Error()}
	var perr *ProvisioningError
	if asProvisioning(err, &perr) {
		out.Diagnostics = perr.Diagnostics
	}
	if KindOf(err) == KindTransient {
		out.Suggestion = "retry the connection"
	}
	return out
}
