// Package config defines the JSON-friendly configuration structs for the
// execution engine and its scheduler.
//
// Configuration follows the initialization-only pattern: structs are
// unmarshaled from JSON (or built in code), merged over defaults, and then
// transformed into domain objects. Observer and Saver fields are strings so
// that JSON documents can select implementations resolved at runtime via
// the observability and checkpoint registries.
package config

import "time"

// CheckpointConfig controls execution state persistence between supersteps.
//
// Configuration fields:
//   - Saver: Name of checkpoint Saver implementation (resolved via registry)
//   - Interval: Save a checkpoint every N supersteps (0 = disabled)
//   - Preserve: Keep checkpoints after successful completion (false = auto-cleanup)
//
// Example enabling checkpointing:
//
//	cfg := config.DefaultEngineConfig("workflow")
//	cfg.Checkpoint.Saver = "memory"
//	cfg.Checkpoint.Interval = 5
//	cfg.Checkpoint.Preserve = true
type CheckpointConfig struct {
	// Saver identifies which checkpoint Saver to use (resolved via registry)
	Saver string `json:"saver"`

	// Interval controls checkpoint frequency (0 = disabled, N = every N supersteps)
	Interval int `json:"interval"`

	// Preserve keeps checkpoints after successful execution (false = auto-cleanup)
	Preserve bool `json:"preserve"`
}

// DefaultCheckpointConfig returns checkpoint configuration with
// checkpointing disabled.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Saver:    "memory",
		Interval: 0,
		Preserve: false,
	}
}

func (c *CheckpointConfig) Merge(source *CheckpointConfig) {
	if source.Saver != "" {
		c.Saver = source.Saver
	}

	if source.Interval > 0 {
		c.Interval = source.Interval
	}

	if source.Preserve {
		c.Preserve = source.Preserve
	}
}

// RetryPolicy controls re-execution of a superstep whose execute phase
// timed out. Each retry re-runs the whole superstep from its read-phase
// snapshot; buffered writes of the failed attempt are discarded first.
type RetryPolicy struct {
	// MaxAttempts is the total number of execute attempts per superstep
	// (1 = no retries).
	MaxAttempts int `json:"max_attempts"`
}

// SchedulerConfig defines worker-pool behavior for task execution.
//
// Example JSON:
//
//	{
//	  "workers": 4,
//	  "queue_capacity": 256,
//	  "max_concurrent": 8,
//	  "short_threshold": 10000000,
//	  "long_threshold": 100000000,
//	  "fail_fast": true
//	}
type SchedulerConfig struct {
	// Workers is the number of worker goroutines, each owning a local
	// queue (0 = runtime.NumCPU()).
	Workers int `json:"workers"`

	// QueueCapacity bounds each worker's local queue.
	QueueCapacity int `json:"queue_capacity"`

	// MaxConcurrent caps simultaneously executing tasks across all
	// workers, independent of Workers (0 = equal to Workers). Values
	// above Workers permit cooperative oversubscription via Suspend.
	MaxConcurrent int64 `json:"max_concurrent"`

	// ShortThreshold and LongThreshold bound the deadline urgency bands:
	// tasks whose deadline is closer than ShortThreshold receive a large
	// priority boost, closer than LongThreshold a moderate one.
	ShortThreshold time.Duration `json:"short_threshold"`
	LongThreshold  time.Duration `json:"long_threshold"`

	// FailFast aborts a whole batch on the first task failure. When
	// false, failures are recorded per task and the rest continue.
	FailFast bool `json:"fail_fast"`
}

// DefaultSchedulerConfig returns scheduler defaults suitable for
// CPU-bound workloads.
//
// Default values:
//   - Workers: 0 (auto-detect from runtime.NumCPU)
//   - QueueCapacity: 256 tasks per worker
//   - MaxConcurrent: 0 (equal to worker count)
//   - ShortThreshold: 10ms, LongThreshold: 100ms
//   - FailFast: true
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:        0,
		QueueCapacity:  256,
		MaxConcurrent:  0,
		ShortThreshold: 10 * time.Millisecond,
		LongThreshold:  100 * time.Millisecond,
		FailFast:       true,
	}
}

func (c *SchedulerConfig) Merge(source *SchedulerConfig) {
	if source.Workers > 0 {
		c.Workers = source.Workers
	}

	if source.QueueCapacity > 0 {
		c.QueueCapacity = source.QueueCapacity
	}

	if source.MaxConcurrent > 0 {
		c.MaxConcurrent = source.MaxConcurrent
	}

	if source.ShortThreshold > 0 {
		c.ShortThreshold = source.ShortThreshold
	}

	if source.LongThreshold > 0 {
		c.LongThreshold = source.LongThreshold
	}

	if source.FailFast {
		c.FailFast = source.FailFast
	}
}

// EngineConfig defines configuration for superstep execution.
//
// Example JSON:
//
//	{
//	  "name": "document-workflow",
//	  "observer": "slog",
//	  "max_supersteps": 500,
//	  "execute_timeout": 30000000000,
//	  "retry": {"max_attempts": 2},
//	  "checkpoint": {"saver": "memory", "interval": 10}
//	}
//
// Example resolution:
//
//	var cfg config.EngineConfig
//	json.Unmarshal(data, &cfg)
//	eng, err := engine.New(compiled, cfg)
type EngineConfig struct {
	// Name identifies the execution for observability
	Name string `json:"name"`

	// Observer specifies which observer implementation to use ("noop", "slog", etc.)
	Observer string `json:"observer"`

	// MaxSupersteps limits execution to prevent infinite loops
	MaxSupersteps int `json:"max_supersteps"`

	// ExecuteTimeout bounds the wall-clock time of one execute phase
	// (0 = unbounded)
	ExecuteTimeout time.Duration `json:"execute_timeout"`

	// Retry controls re-execution of timed-out supersteps
	Retry RetryPolicy `json:"retry"`

	// Scheduler configures the worker pool
	Scheduler SchedulerConfig `json:"scheduler"`

	// Checkpoint configures state persistence between supersteps
	Checkpoint CheckpointConfig `json:"checkpoint"`
}

// DefaultEngineConfig returns sensible defaults for superstep execution.
//
// Default values:
//   - Observer: "slog" for structured logging
//   - MaxSupersteps: 1000 to protect against infinite loops
//   - ExecuteTimeout: 0 (unbounded)
//   - Retry.MaxAttempts: 1 (no retries)
//   - Checkpoint: disabled (Interval=0)
func DefaultEngineConfig(name string) EngineConfig {
	return EngineConfig{
		Name:          name,
		Observer:      "slog",
		MaxSupersteps: 1000,
		Retry:         RetryPolicy{MaxAttempts: 1},
		Scheduler:     DefaultSchedulerConfig(),
		Checkpoint:    DefaultCheckpointConfig(),
	}
}

func (c *EngineConfig) Merge(source *EngineConfig) {
	if source.Name != "" {
		c.Name = source.Name
	}

	if source.Observer != "" {
		c.Observer = source.Observer
	}

	if source.MaxSupersteps > 0 {
		c.MaxSupersteps = source.MaxSupersteps
	}

	if source.ExecuteTimeout > 0 {
		c.ExecuteTimeout = source.ExecuteTimeout
	}

	if source.Retry.MaxAttempts > 0 {
		c.Retry.MaxAttempts = source.Retry.MaxAttempts
	}

	c.Scheduler.Merge(&source.Scheduler)
	c.Checkpoint.Merge(&source.Checkpoint)
}
