package config

import "time"

// DefaultRedisConfig returns the built-in Redis connection defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:        "localhost:6379",
		DB:          0,
		DialTimeout: 5 * time.Second,
	}
}

// DefaultCoordinatorConfig returns the built-in coordinator defaults.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		KeyPrefix:           "ao",
		VisibilityTimeout:   5 * time.Second,
		NackBackoffBase:     200 * time.Millisecond,
		NackBackoffCap:      30 * time.Second,
		RecoverPollInterval: time.Second,
		MaxDeliveryAttempts: 0, // unlimited
	}
}

// DefaultEventsConfig returns the built-in event bus defaults.
func DefaultEventsConfig() *EventsConfig {
	return &EventsConfig{
		ChannelPrefix: "ao:events",
		ReadTimeout:   time.Second,
	}
}

// DefaultTrackerConfig returns the built-in progress tracker defaults.
func DefaultTrackerConfig() *TrackerConfig {
	autoPublish := true
	return &TrackerConfig{
		CleanupInterval:    10 * time.Minute,
		WorkflowTimeout:    2 * time.Hour,
		AutoPublishUpdates: &autoPublish,
	}
}

// DefaultResourceConfig returns the built-in resource manager defaults.
func DefaultResourceConfig() *ResourceConfig {
	return &ResourceConfig{
		MaxConcurrentWorkflows:   10,
		MonitoringInterval:       30 * time.Second,
		SchedulingInterval:       time.Second,
		StaleAllocationThreshold: time.Hour,
		CPUCapacity:              100.0,
		MemoryCapacity:           8192.0,
		NetworkCapacity:          1000.0,
		AgentSlotCapacity:        50.0,
		QueueCapacity:            10000.0,
		UtilizationWarningAt:     0.9,
	}
}

// DefaultSessionConfig returns the built-in session controller defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		RecoveryWindow:          30 * time.Minute,
		BreakInterval:           45 * time.Minute,
		MilestoneBreakThreshold: 10,
	}
}
