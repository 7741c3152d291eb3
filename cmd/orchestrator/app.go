package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/rest"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/besteffort"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/cluster"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/config"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/filebridge"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/lease"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/orchestrator"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/ports"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/runtime"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/runtime/docker"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/runtime/mock"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/sandbox"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/store"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/terminal"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/workspace"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg       *config.Config
	store     store.Store
	engine    runtime.Engine
	sandboxes *sandbox.Manager
	pods      *cluster.Manager
	remote    remote.Executor
	redis     *redis.Client
	service   *orchestrator.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := normalizeStoragePaths(cfg); err != nil {
		return nil, fmt.Errorf("normalize storage paths: %w", err)
	}
	if a.store, err = openStore(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	ws, err := workspace.NewManager(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}

	sandboxPorts, err := ports.NewAllocator(cfg.Sandbox.PortMin, cfg.Sandbox.PortMax, ports.SystemProbe{})
	if err != nil {
		return nil, err
	}
	allocators := map[types.OwnerKind]*ports.Allocator{types.OwnerSandbox: sandboxPorts}
	if cfg.Cluster.NodePortMin > 0 {
		// Node ports are bound on cluster nodes, not this host.
		nodePorts, err := ports.NewAllocator(cfg.Cluster.NodePortMin, cfg.Cluster.NodePortMax, ports.NopProbe{})
		if err != nil {
			return nil, err
		}
		allocators[types.OwnerPod] = nodePorts
	}
	registry := ports.NewRegistry(a.store, allocators)

	locker := a.locker()

	if a.engine, err = createEngine(cfg); err != nil {
		return nil, err
	}
	sandboxRes, err := cfg.Sandbox.Resources()
	if err != nil {
		return nil, err
	}
	a.sandboxes, err = sandbox.NewManager(sandbox.Config{
		Image:         cfg.Sandbox.Image,
		Resources:     sandboxRes,
		ContainerPort: cfg.Sandbox.ContainerPort,
		IdleTimeout:   cfg.Sandbox.GetIdleTimeout(),
		NetworkMode:   cfg.Sandbox.NetworkMode,
	}, a.engine, a.store, registry, ws, sandbox.WithLocker(locker))
	if err != nil {
		return nil, err
	}

	if cfg.Remote.Host != "" {
		client, err := remote.NewSSHClient(a.sshConfig(types.ShellAccess{
			Host:     cfg.Remote.Host,
			Port:     cfg.Remote.Port,
			User:     cfg.Remote.User,
			Password: cfg.Remote.Password,
			KeyPath:  cfg.Remote.KeyPath,
		}))
		if err != nil {
			return nil, err
		}
		a.remote = client
	}

	backend, restCfg, err := a.clusterBackend()
	if err != nil {
		return nil, err
	}
	if backend != nil {
		podRes, err := cfg.Cluster.Resources()
		if err != nil {
			return nil, err
		}
		a.pods, err = cluster.NewManager(cluster.Config{
			NamespacePrefix:  cfg.Cluster.NamespacePrefix,
			WorkspaceImage:   cfg.Cluster.WorkspaceImage,
			TerminalImage:    cfg.Cluster.TerminalImage,
			FileBrowserImage: cfg.Cluster.FileBrowserImage,
			TerminalPort:     cfg.Cluster.TerminalPort,
			FileBrowserPort:  cfg.Cluster.FileBrowserPort,
			StorageSize:      cfg.Cluster.StorageSize,
			StorageClass:     cfg.Cluster.StorageClass,
			Resources:        podRes,
			ReadyAttempts:    cfg.Cluster.ReadyAttempts,
			ReadyInterval:    cfg.Cluster.GetReadyInterval(),
			RolloutTimeout:   cfg.Cluster.GetRolloutTimeout(),
			NodeIP:           cfg.Cluster.NodeIP,
			Access: types.ClusterAccess{
				APIHost:    cfg.Cluster.APIHost,
				Token:      cfg.Cluster.Token,
				KubeConfig: cfg.Cluster.KubeConfig,
			},
			Shell: types.ShellAccess{
				Host:     cfg.Remote.Host,
				Port:     cfg.Remote.Port,
				User:     cfg.Remote.User,
				Password: cfg.Remote.Password,
				KeyPath:  cfg.Remote.KeyPath,
			},
		}, backend, a.store, registry, ws, cluster.WithLocker(locker))
		if err != nil {
			return nil, err
		}
		logging.Info("Cluster backend ready", logging.String("backend", backend.Name()))
	}

	a.service = orchestrator.New(orchestrator.Options{
		Sandboxes:      a.sandboxes,
		Pods:           a.pods,
		Registry:       registry,
		PublicHost:     cfg.Server.PublicHost,
		ResolveTimeout: cfg.Server.GetResolveTimeout(),
		Bridge: terminal.NewBridge(terminal.Config{
			PollInterval:  cfg.Terminal.GetPollInterval(),
			IdleKeepAlive: cfg.Terminal.GetIdleKeepAlive(),
			ProbeAfter:    cfg.Terminal.GetProbeAfter(),
			ProbeTimeout:  cfg.Terminal.GetProbeTimeout(),
		}),
		Files: filebridge.Config{
			Username:    cfg.FileBridge.Username,
			Password:    cfg.FileBridge.Password,
			Timeout:     cfg.FileBridge.GetTimeout(),
			MaxAttempts: cfg.FileBridge.MaxAttempts,
			MaxDepth:    cfg.FileBridge.MaxDepth,
		},
		ClusterConfig: func(access types.ClusterAccess) (*rest.Config, error) {
			if access.APIHost == "" && access.KubeConfig == "" {
				return restCfg, nil
			}
			return cluster.RestConfig(access.KubeConfig, access.APIHost, access.Token, cfg.Cluster.Insecure)
		},
		ShellClient: func(access types.ShellAccess) (remote.Executor, error) {
			return remote.NewSSHClient(a.sshConfig(access))
		},
		Local: remote.NewLocalClient(),
	})
	return a, nil
}

func (a *app) sshConfig(access types.ShellAccess) remote.SSHConfig {
	return remote.SSHConfig{
		Host:       access.Host,
		Port:       access.Port,
		User:       access.User,
		Password:   access.Password,
		KeyPath:    access.KeyPath,
		KnownHosts: a.cfg.Remote.KnownHosts,
		Timeout:    a.cfg.Remote.GetConnectTimeout(),
	}
}

// locker returns the redis-backed locker when configured so several
// orchestrator processes can share one store.
func (a *app) locker() lease.Locker {
	if a.cfg.Lease.RedisAddr == "" {
		return lease.NewLocalLocker()
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Lease.RedisAddr,
		Password: a.cfg.Lease.RedisPassword,
	})
	logging.Info("Using redis leases", logging.String("addr", a.cfg.Lease.RedisAddr))
	return lease.NewRedisLocker(a.redis, a.cfg.Lease.GetTTL())
}

// clusterBackend builds the configured cluster backend. The rest config is
// nil for the kubectl backend.
func (a *app) clusterBackend() (cluster.Backend, *rest.Config, error) {
	cc := a.cfg.Cluster
	switch cc.Backend {
	case "kube":
		restCfg, err := cluster.RestConfig(cc.KubeConfig, cc.APIHost, cc.Token, cc.Insecure)
		if err != nil {
			return nil, nil, err
		}
		b, err := cluster.NewKubeBackendForConfig(restCfg)
		if err != nil {
			return nil, nil, err
		}
		return b, b.RestConfig(), nil
	case "kubectl":
		exec := a.remote
		if exec == nil {
			exec = remote.NewLocalClient()
		}
		return cluster.NewKubectlBackend(exec, "", cc.KubeConfig), nil, nil
	default:
		return nil, nil, nil
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	s, err := openSQL(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// openSQL opens the sql store, applying pending migrations.
func openSQL(ctx context.Context, cfg config.StorageConfig) (*store.SQLStore, error) {
	dialect := store.DialectSQLite
	if cfg.Driver == "postgres" {
		dialect = store.DialectPostgres
	}
	return store.OpenSQL(ctx, store.SQLConfig{Dialect: dialect, DSN: cfg.DSN})
}

// createEngine creates a container engine based on configuration.
func createEngine(cfg *config.Config) (runtime.Engine, error) {
	switch cfg.Sandbox.Engine {
	case "mock":
		return mock.New(), nil
	case "docker", "":
		dockerCfg := docker.DefaultConfig()
		dockerCfg.DockerHost = cfg.Sandbox.DockerHost
		engine, err := docker.New(dockerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker engine: %w", err)
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unknown sandbox engine %q", cfg.Sandbox.Engine)
	}
}

// normalizeStoragePaths converts storage paths to absolute paths, which
// container bind mounts require.
func normalizeStoragePaths(cfg *config.Config) error {
	var err error
	if cfg.Storage.Root != "" && !filepath.IsAbs(cfg.Storage.Root) {
		if cfg.Storage.Root, err = filepath.Abs(cfg.Storage.Root); err != nil {
			return err
		}
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.DSN != "" && !filepath.IsAbs(cfg.Storage.DSN) {
		if cfg.Storage.DSN, err = filepath.Abs(cfg.Storage.DSN); err != nil {
			return err
		}
	}
	return nil
}

// Close releases connections. Live sandboxes are left running.
func (a *app) Close() {
	var steps []besteffort.Step
	if a.engine != nil {
		steps = append(steps, besteffort.Close("engine", a.engine.Close))
	}
	if a.remote != nil {
		steps = append(steps, besteffort.Close("remote", a.remote.Close))
	}
	if a.redis != nil {
		steps = append(steps, besteffort.Close("redis", a.redis.Close))
	}
	if a.store != nil {
		steps = append(steps, besteffort.Close("store", a.store.Close))
	}
	_ = besteffort.Run("app.close", "", steps...)
}
