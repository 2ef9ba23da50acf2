package config

import "time"

// QueueConfig contains task queue and worker pool configuration.
// These values control how build tasks are polled, claimed, and leased.
type QueueConfig struct {
	// WorkerCount is the number of workflow worker goroutines per pod.
	WorkerCount int `yaml:"worker_count"`

	// MaxQueueDepth rejects new submissions when the ready set exceeds it.
	// Zero disables the limit.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// PollInterval is the base interval for checking ready tasks.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// VisibilityTimeout is the lease duration for a claimed task. A task
	// whose heartbeat lapses past it returns to the ready set.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	// HeartbeatInterval is how often a worker renews its task lease.
	// Must be comfortably below VisibilityTimeout.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxRetries is the default delivery retry budget per task.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoffBase and RetryBackoffCap bound the exponential backoff
	// applied between task retries.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffCap  time.Duration `yaml:"retry_backoff_cap"`

	// OrphanScanInterval is how often to requeue tasks with lapsed leases.
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`

	// GracefulShutdownTimeout is the max time to wait for workers to reach
	// a stage boundary during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             4,
		MaxQueueDepth:           0,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		VisibilityTimeout:       2 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		MaxRetries:              3,
		RetryBackoffBase:        2 * time.Second,
		RetryBackoffCap:         60 * time.Second,
		OrphanScanInterval:      1 * time.Minute,
		GracefulShutdownTimeout: 5 * time.Minute,
	}
}
