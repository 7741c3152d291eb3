package docker

import (
	"errors"
	"testing"

	"github.com/docker/go-connections/nat"

	rt "github.com/ajaxzhan/sandbox-orchestrator/internal/runtime"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

func TestBuildConfigs(t *testing.T) {
	spec := &rt.ContainerSpec{
		Name:    "sbx",
		Image:   "python:3.12",
		WorkDir: "/workspace",
		Env:     map[string]string{"A": "1"},
		Labels:  map[string]string{"owner": "p:42|c:"},
		Mounts:  []rt.Mount{{Source: "/srv/code/42", Target: "/workspace"}},
		Ports:   []rt.PortBinding{{ContainerPort: 8000, HostPort: 20001}},
		Resources: types.ResourceLimits{
			MemoryBytes: 512 << 20,
			NanoCPUs:    1e9,
			PidsLimit:   128,
		},
	}

	cfg, host, err := buildConfigs(spec)
	if err != nil {
		t.Fatalf("buildConfigs() error = %v", err)
	}

	if len(cfg.Cmd) != 2 || cfg.Cmd[0] != "sleep" {
		t.Errorf("default Cmd = %v, want sleep infinity", cfg.Cmd)
	}
	if cfg.Env[0] != "A=1" {
		t.Errorf("Env = %v", cfg.Env)
	}
	port := nat.Port("8000/tcp")
	if _, ok := cfg.ExposedPorts[port]; !ok {
		t.Errorf("port %s not exposed", port)
	}
	if b := host.PortBindings[port]; len(b) != 1 || b[0].HostPort != "20001" {
		t.Errorf("PortBindings = %v", host.PortBindings)
	}
	if len(host.Mounts) != 1 || host.Mounts[0].Source != "/srv/code/42" {
		t.Errorf("Mounts = %v", host.Mounts)
	}
	if host.Resources.Memory != 512<<20 || host.Resources.NanoCPUs != 1e9 {
		t.Errorf("Resources = %+v", host.Resources)
	}
	if host.Resources.PidsLimit == nil || *host.Resources.PidsLimit != 128 {
		t.Errorf("PidsLimit = %v", host.Resources.PidsLimit)
	}
}

func TestBuildConfigs_NoLimits(t *testing.T) {
	_, host, err := buildConfigs(&rt.ContainerSpec{Image: "alpine", Cmd: []string{"sh"}})
	if err != nil {
		t.Fatal(err)
	}
	if host.Resources.PidsLimit != nil || host.Resources.Memory != 0 {
		t.Errorf("unexpected limits %+v", host.Resources)
	}
	if host.PortBindings != nil {
		t.Errorf("unexpected bindings %v", host.PortBindings)
	}
}

func TestIsPortConflict(t *testing.T) {
	cases := map[string]bool{
		"driver failed programming external connectivity: Bind for 0.0.0.0:20001 failed: port is already allocated": true,
		"listen tcp4 0.0.0.0:20001: bind: address already in use":                                                   true,
		"No such container: abc": false,
	}
	for msg, want := range cases {
		if got := isPortConflict(errors.New(msg)); got != want {
			t.Errorf("isPortConflict(%q) = %v, want %v", msg, got, want)
		}
	}
}
