// Package main provides the entry point for the sandbox orchestrator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/config"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/orchestrator"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/remote"
	"github.com/ajaxzhan/sandbox-orchestrator/internal/server"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	grpcAddr   string
	httpAddr   string

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Ephemeral development sandbox orchestrator",
		Long: `orchestrator provisions per-conversation development environments,
either as local containers or as workspace pods on a cluster, and bridges
terminals and file access to them.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, text)")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC server address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&httpAddr, "http-addr", "", "HTTP server address (overrides config)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newResolveCmd())
	rootCmd.AddCommand(newExecCmd())
	rootCmd.AddCommand(newDeleteCmd())
	return rootCmd
}

// loadConfig loads the configuration, applies flag overrides and
// initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if grpcAddr != "" {
		cfg.Server.GRPCAddr = grpcAddr
	}
	if httpAddr != "" {
		cfg.Server.HTTPAddr = httpAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Init(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			logging.Info("Starting orchestrator...",
				logging.String("version", version),
				logging.String("grpc_addr", cfg.Server.GRPCAddr),
				logging.String("http_addr", cfg.Server.HTTPAddr),
				logging.String("engine", cfg.Sandbox.Engine),
				logging.String("cluster_backend", cfg.Cluster.Backend),
			)

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := server.New(&server.Config{
				GRPCAddr: cfg.Server.GRPCAddr,
				HTTPAddr: cfg.Server.HTTPAddr,
			}, a.service)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case sig := <-sigCh:
				logging.Info("Received shutdown signal", logging.String("signal", sig.String()))
			case err = <-errCh:
				logging.Error("Server failed", logging.Err(err))
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			srv.Stop(ctx)
			a.sandboxes.Shutdown(ctx)
			logging.Info("Server stopped")
			return err
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending record store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()
			if err := normalizeStoragePaths(cfg); err != nil {
				return err
			}
			if cfg.Storage.Driver == "memory" {
				return fmt.Errorf("memory store has no migrations")
			}
			s, err := openSQL(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			logging.Info("Migrations applied", logging.String("driver", cfg.Storage.Driver))
			return s.Close()
		},
	}
}

// identityFlags holds the flags shared by one-shot commands.
type identityFlags struct {
	kind         string
	project      string
	conversation string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "kind", string(orchestrator.KindSandbox), "environment kind (sandbox, pod)")
	cmd.Flags().StringVar(&f.project, "project", "", "project id")
	cmd.Flags().StringVar(&f.conversation, "conversation", "", "conversation id")
}

func (f *identityFlags) command(action orchestrator.Action) orchestrator.Command {
	return orchestrator.Command{
		Kind:   orchestrator.Kind(f.kind),
		Action: action,
		Identity: types.Identity{
			ProjectID:      f.project,
			ConversationID: f.conversation,
		},
	}
}

// runOnce builds the app, dispatches one command and prints its outcome.
// Live sandboxes are left running for later invocations.
func runOnce(ctx context.Context, c orchestrator.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out := orchestrator.Dispatch(ctx, a.service, c)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("%s", out.Message)
	}
	return nil
}

func newResolveCmd() *cobra.Command {
	var (
		ids     identityFlags
		codeDir string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve or create the environment for an identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ids.command(orchestrator.ActionResolve)
			c.CodeDir = codeDir
			return runOnce(cmd.Context(), c)
		},
	}
	ids.register(cmd)
	cmd.Flags().StringVar(&codeDir, "code-dir", "", "host directory mounted as /workspace (sandbox only)")
	return cmd
}

func newExecCmd() *cobra.Command {
	var (
		ids     identityFlags
		workDir string
		timeout int
	)
	cmd := &cobra.Command{
		Use:   "exec -- COMMAND",
		Short: "Run a shell command in an environment",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ids.command(orchestrator.ActionExec)
			c.Command = joinArgs(args)
			c.WorkDir = workDir
			c.Timeout = timeout
			return runOnce(cmd.Context(), c)
		},
	}
	ids.register(cmd)
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory inside the environment")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "timeout in seconds")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var (
		ids          identityFlags
		preserveData bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Tear down an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ids.command(orchestrator.ActionDelete)
			c.PreserveData = preserveData
			return runOnce(cmd.Context(), c)
		},
	}
	ids.register(cmd)
	cmd.Flags().BoolVar(&preserveData, "preserve-data", false, "keep the pod's storage (pod only)")
	return cmd
}

// joinArgs keeps a single argument verbatim so callers can pass a whole
// pipeline, and quotes multiple arguments as separate words.
func joinArgs(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return remote.Command(args...)
}
