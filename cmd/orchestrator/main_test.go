package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	configFile = path
	t.Cleanup(func() { configFile = "" })
	return path
}

func TestRootCmd_Structure(t *testing.T) {
	rootCmd := newRootCmd()
	assert.Equal(t, "orchestrator", rootCmd.Use)

	var names []string
	for _, sub := range rootCmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "migrate", "resolve", "exec", "delete"}, names)
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("grpc-addr"))
}

func TestLoadConfig_Invalid(t *testing.T) {
	writeConfig(t, `
storage:
  driver: "cassandra"
`)
	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	writeConfig(t, `
server:
  grpc_addr: ":1"
`)
	grpcAddr, logLevel = ":9999", "debug"
	defer func() { grpcAddr, logLevel = "", "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.GRPCAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestNormalizeStoragePaths(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Root = "data/storage"
	cfg.Storage.DSN = "data/records.db"

	require.NoError(t, normalizeStoragePaths(cfg))
	assert.True(t, filepath.IsAbs(cfg.Storage.Root))
	assert.True(t, filepath.IsAbs(cfg.Storage.DSN))

	cfg.Storage.Driver = "postgres"
	cfg.Storage.DSN = "postgres://localhost/records"
	require.NoError(t, normalizeStoragePaths(cfg))
	assert.Equal(t, "postgres://localhost/records", cfg.Storage.DSN)
}

func TestCreateEngine_Unknown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sandbox.Engine = "lxc"
	_, err := createEngine(cfg)
	assert.Error(t, err)
}

func TestMigrateCmd_SQLite(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, `
storage:
  driver: sqlite
  root: `+dir+`
  dsn: `+filepath.Join(dir, "records.db")+`
`)
	rootCmd := newRootCmd()
	rootCmd.SetArgs([]string{"migrate"})
	require.NoError(t, rootCmd.Execute())
	assert.FileExists(t, filepath.Join(dir, "records.db"))
}

func TestResolveCmd_MockEngine(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, `
storage:
  driver: memory
  root: `+dir+`
sandbox:
  engine: mock
  port_min: 41000
  port_max: 41100
`)
	rootCmd := newRootCmd()
	rootCmd.SetArgs([]string{"resolve", "--project", "p-1"})
	require.NoError(t, rootCmd.Execute())
}

func TestResolveCmd_RequiresIdentity(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, `
storage:
  driver: memory
  root: `+dir+`
sandbox:
  engine: mock
`)
	rootCmd := newRootCmd()
	rootCmd.SetArgs([]string{"resolve"})
	assert.Error(t, rootCmd.Execute())
}

func TestJoinArgs(t *testing.T) {
	assert.Equal(t, "ls -la | wc -l", joinArgs([]string{"ls -la | wc -l"}))
	assert.Equal(t, "echo 'a b'", joinArgs([]string{"echo", "a b"}))
}
