package config

import "time"

// DispatcherConfig controls queue dispatch and the agent fleet.
type DispatcherConfig struct {
	// TickInterval is the base dispatch loop interval. New-build and
	// heartbeat events also wake the loop.
	TickInterval time.Duration `yaml:"tick_interval"`

	// BatchSize is how many queued builds one tick examines.
	BatchSize int `yaml:"batch_size"`

	// HeartbeatInterval is the expected agent heartbeat cadence. An agent
	// is declared dead after 2x this without a heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// LocalExecution lets the master run builds in-process when no agent
	// is eligible (or when the fleet is empty).
	LocalExecution bool `yaml:"local_execution"`

	// LocalMaxBuilds bounds concurrent in-process builds.
	LocalMaxBuilds int `yaml:"local_max_builds"`

	// Circuit breaker: open after BreakerFailures failures within
	// BreakerWindow; stay open for BreakerCooldown, then allow one probe.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerWindow   time.Duration `yaml:"breaker_window"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	// BreakerMaxCooldown caps the exponential re-open backoff.
	BreakerMaxCooldown time.Duration `yaml:"breaker_max_cooldown"`

	// SendRetries bounds transient retries when sending a build to an agent.
	SendRetries int `yaml:"send_retries"`

	// GracefulShutdownTimeout is how long Stop waits for in-flight
	// local builds before giving up (orphan recovery picks them up).
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultDispatcherConfig returns the built-in dispatcher defaults.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		TickInterval:            500 * time.Millisecond,
		BatchSize:               32,
		HeartbeatInterval:       15 * time.Second,
		LocalExecution:          true,
		LocalMaxBuilds:          4,
		BreakerFailures:         5,
		BreakerWindow:           60 * time.Second,
		BreakerCooldown:         30 * time.Second,
		BreakerMaxCooldown:      10 * time.Minute,
		SendRetries:             3,
		GracefulShutdownTimeout: 10 * time.Minute,
	}
}
