package config

import "time"

// PipelineConfig controls stage execution policy.
type PipelineConfig struct {
	// WorkspaceRoot is the directory under which the artifact layout
	// (projects/, agents/, prompts/, tools/) is rooted.
	WorkspaceRoot string `yaml:"workspace_root"`

	// StageTimeout bounds a single stage execution.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// StageMaxRetries is the internal retry budget for transient stage
	// failures. Deterministic failures (validator, schema) never retry.
	StageMaxRetries int `yaml:"stage_max_retries"`

	// StageRetryBackoffBase and StageRetryBackoffCap bound the exponential
	// backoff between stage retry attempts.
	StageRetryBackoffBase time.Duration `yaml:"stage_retry_backoff_base"`
	StageRetryBackoffCap  time.Duration `yaml:"stage_retry_backoff_cap"`

	// DeploymentEnabled opts the agent_deployer stage into the pipeline.
	// When false the stage is recorded as skipped.
	DeploymentEnabled bool `yaml:"deployment_enabled"`

	// MaxRequirementChars bounds the submitted requirement text.
	MaxRequirementChars int `yaml:"max_requirement_chars"`
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		WorkspaceRoot:         "./workspace",
		StageTimeout:          30 * time.Minute,
		StageMaxRetries:       2,
		StageRetryBackoffBase: 2 * time.Second,
		StageRetryBackoffCap:  60 * time.Second,
		DeploymentEnabled:     false,
		MaxRequirementChars:   20000,
	}
}
