// Package config loads and validates agentcore configuration.
package config

import "time"

// Config is the umbrella configuration object for the orchestration core.
// This is the primary object returned by Initialize() and used throughout
// the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Redis       *RedisConfig       `yaml:"redis"`
	Coordinator *CoordinatorConfig `yaml:"coordinator"`
	Events      *EventsConfig      `yaml:"events"`
	Tracker     *TrackerConfig     `yaml:"tracker"`
	Resources   *ResourceConfig    `yaml:"resources"`
	Session     *SessionConfig     `yaml:"session"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// RedisConfig holds connection settings for the shared store and broker.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr"`

	// Password is the Redis AUTH password (empty = no auth).
	Password string `yaml:"password"`

	// DB is the Redis logical database number.
	DB int `yaml:"db"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// CoordinatorConfig configures the message coordinator and state validator.
type CoordinatorConfig struct {
	// KeyPrefix namespaces every key the coordinator writes to the store.
	KeyPrefix string `yaml:"key_prefix"`

	// VisibilityTimeout is the default reservation lifetime. A reserved
	// message not acked or nacked within this window becomes eligible
	// for recovery.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	// NackBackoffBase is the base delay before a transiently-failed
	// message becomes visible again. Actual delay: base * 2^attempts,
	// capped at NackBackoffCap.
	NackBackoffBase time.Duration `yaml:"nack_backoff_base"`

	// NackBackoffCap is the ceiling for the nack backoff schedule.
	NackBackoffCap time.Duration `yaml:"nack_backoff_cap"`

	// RecoverPollInterval is how often the state validator sweeps for
	// expired reservations.
	RecoverPollInterval time.Duration `yaml:"recover_poll_interval"`

	// MaxDeliveryAttempts forces a message to the dead-letter queue after
	// this many reservation cycles. 0 means unlimited.
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts"`
}

// EventsConfig configures the broker-backed event bus.
type EventsConfig struct {
	// ChannelPrefix namespaces every broker channel.
	ChannelPrefix string `yaml:"channel_prefix"`

	// ReadTimeout bounds a single broker read in the subscription loop.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// TrackerConfig configures the workflow progress tracker.
type TrackerConfig struct {
	// CleanupInterval is how often the tracker scans for stale workflows.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// WorkflowTimeout is the maximum wall-clock lifetime of a workflow.
	// Workflows older than this are failed by the cleanup loop.
	WorkflowTimeout time.Duration `yaml:"workflow_timeout"`

	// AutoPublishUpdates controls whether every progress update is
	// published to the event bus. A pointer so the defaults merge can
	// distinguish an explicit false from an unset field.
	AutoPublishUpdates *bool `yaml:"auto_publish_updates"`
}

// PublishUpdates resolves the AutoPublishUpdates setting; unset means
// enabled.
func (c *TrackerConfig) PublishUpdates() bool {
	return c.AutoPublishUpdates == nil || *c.AutoPublishUpdates
}

// ResourceConfig configures the workflow resource manager.
type ResourceConfig struct {
	// MaxConcurrentWorkflows is the capacity of the concurrent_workflows
	// pool and the scheduler's running-set limit.
	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows"`

	// MonitoringInterval is the cadence of the utilization/stale sweep.
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`

	// SchedulingInterval is the cadence of the admission loop.
	SchedulingInterval time.Duration `yaml:"scheduling_interval"`

	// StaleAllocationThreshold is the age at which an allocation with no
	// live tracker record is reclaimed.
	StaleAllocationThreshold time.Duration `yaml:"stale_allocation_threshold"`

	// Pool capacity overrides (zero = built-in default).
	CPUCapacity          float64 `yaml:"cpu_capacity"`
	MemoryCapacity       float64 `yaml:"memory_capacity"`
	NetworkCapacity      float64 `yaml:"network_capacity"`
	AgentSlotCapacity    float64 `yaml:"agent_slot_capacity"`
	QueueCapacity        float64 `yaml:"queue_capacity"`
	UtilizationWarningAt float64 `yaml:"utilization_warning_at"`
}

// SessionConfig configures the gameplay session controller.
type SessionConfig struct {
	// RecoveryWindow is how long a paused session remains resumable.
	RecoveryWindow time.Duration `yaml:"recovery_window"`

	// BreakInterval is the minimum play time before a time-based break
	// point is suggested.
	BreakInterval time.Duration `yaml:"break_interval"`

	// MilestoneBreakThreshold is the scene count that triggers a
	// milestone break point.
	MilestoneBreakThreshold int `yaml:"milestone_break_threshold"`
}
