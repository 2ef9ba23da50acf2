// Package config loads and validates foundry configuration: a YAML file
// merged over built-in defaults, with environment variable expansion.
package config

import (
	"fmt"
	"time"
)

// Config is the fully merged, validated runtime configuration.
type Config struct {
	Queue    *QueueConfig    `yaml:"queue"`
	Pipeline *PipelineConfig `yaml:"pipeline"`
	Store    *StoreConfig    `yaml:"store"`
}

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	// Backend is "postgres" or "memory".
	Backend string `yaml:"backend"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DSN builds a pgx-compatible connection string.
func (s *StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.Database, s.SSLMode,
	)
}

// DefaultStoreConfig returns the built-in store defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Backend:         "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "foundry",
		Password:        "foundry",
		Database:        "foundry",
		SSLMode:         "disable",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Default returns the complete built-in configuration.
func Default() *Config {
	return &Config{
		Queue:    DefaultQueueConfig(),
		Pipeline: DefaultPipelineConfig(),
		Store:    DefaultStoreConfig(),
	}
}

// Validate checks invariants the loader cannot default away.
func (c *Config) Validate() error {
	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("queue.worker_count must be at least 1, got %d", c.Queue.WorkerCount)
	}
	if c.Queue.HeartbeatInterval >= c.Queue.VisibilityTimeout {
		return fmt.Errorf("queue.heartbeat_interval (%v) must be below queue.visibility_timeout (%v)",
			c.Queue.HeartbeatInterval, c.Queue.VisibilityTimeout)
	}
	if c.Queue.RetryBackoffBase <= 0 || c.Queue.RetryBackoffCap < c.Queue.RetryBackoffBase {
		return fmt.Errorf("queue retry backoff misconfigured: base=%v cap=%v",
			c.Queue.RetryBackoffBase, c.Queue.RetryBackoffCap)
	}
	if c.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("pipeline.stage_timeout must be positive, got %v", c.Pipeline.StageTimeout)
	}
	if c.Pipeline.WorkspaceRoot == "" {
		return fmt.Errorf("pipeline.workspace_root must not be empty")
	}
	switch c.Store.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("store.backend must be postgres or memory, got %q", c.Store.Backend)
	}
	return nil
}
