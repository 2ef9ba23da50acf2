package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Queue.WorkerCount)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.StageTimeout)
	assert.False(t, cfg.Pipeline.DeploymentEnabled)
}

func TestLoad_FileValuesWinOverDefaults(t *testing.T) {
	path := writeConfig(t, `
queue:
  worker_count: 2
  visibility_timeout: 5m
pipeline:
  deployment_enabled: true
store:
  backend: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Queue.WorkerCount)
	assert.Equal(t, 5*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.True(t, cfg.Pipeline.DeploymentEnabled)
	assert.Equal(t, "memory", cfg.Store.Backend)
	// Unset fields still come from defaults.
	assert.Equal(t, 30*time.Second, cfg.Queue.HeartbeatInterval)
	assert.Equal(t, "./workspace", cfg.Pipeline.WorkspaceRoot)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "hunter2")
	path := writeConfig(t, `
store:
  backend: postgres
  password: ${TEST_DB_PASSWORD}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Store.Password)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "queue: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Queue.WorkerCount = 0 },
			wantErr: "worker_count",
		},
		{
			name: "heartbeat above visibility",
			mutate: func(c *Config) {
				c.Queue.HeartbeatInterval = 3 * time.Minute
			},
			wantErr: "heartbeat_interval",
		},
		{
			name: "backoff cap below base",
			mutate: func(c *Config) {
				c.Queue.RetryBackoffCap = time.Second
				c.Queue.RetryBackoffBase = 2 * time.Second
			},
			wantErr: "backoff",
		},
		{
			name:    "zero stage timeout",
			mutate:  func(c *Config) { c.Pipeline.StageTimeout = 0 },
			wantErr: "stage_timeout",
		},
		{
			name:    "empty workspace root",
			mutate:  func(c *Config) { c.Pipeline.WorkspaceRoot = "" },
			wantErr: "workspace_root",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.Backend = "dynamo" },
			wantErr: "backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestStoreDSN(t *testing.T) {
	s := DefaultStoreConfig()
	dsn := s.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "port=5432")
	assert.Contains(t, dsn, "dbname=foundry")
	assert.Contains(t, dsn, "sslmode=disable")
}
