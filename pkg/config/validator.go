package config

import (
	"fmt"
	"os"
)

// validate performs fail-fast validation of the merged configuration.
func validate(cfg *Config) error {
	if err := validateDispatcher(cfg.Dispatcher); err != nil {
		return err
	}
	if err := validateRunner(cfg.Runner); err != nil {
		return err
	}
	if err := validateSecrets(cfg.Secrets); err != nil {
		return err
	}
	if err := validateNotify(cfg.Notify); err != nil {
		return err
	}
	return nil
}

func validateDispatcher(d *DispatcherConfig) error {
	if d.BatchSize < 1 {
		return NewValidationError("dispatcher", "batch_size", fmt.Errorf("must be at least 1"))
	}
	if d.TickInterval <= 0 {
		return NewValidationError("dispatcher", "tick_interval", fmt.Errorf("must be positive"))
	}
	if d.HeartbeatInterval <= 0 {
		return NewValidationError("dispatcher", "heartbeat_interval", fmt.Errorf("must be positive"))
	}
	if d.BreakerFailures < 1 {
		return NewValidationError("dispatcher", "breaker_failures", fmt.Errorf("must be at least 1"))
	}
	if d.LocalExecution && d.LocalMaxBuilds < 1 {
		return NewValidationError("dispatcher", "local_max_builds", fmt.Errorf("must be at least 1 when local_execution is enabled"))
	}
	return nil
}

func validateRunner(r *RunnerConfig) error {
	if r.MaxParallelSteps < 1 {
		return NewValidationError("runner", "max_parallel_steps", fmt.Errorf("must be at least 1"))
	}
	if r.BuildTimeout <= 0 {
		return NewValidationError("runner", "build_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func validateSecrets(s *SecretsConfig) error {
	switch s.Backend {
	case "local":
		// The key itself is checked lazily; an empty env var name is a
		// configuration mistake we can catch now.
		if s.MasterKeyEnv == "" {
			return NewValidationError("secrets", "master_key_env", fmt.Errorf("required for local backend"))
		}
	case "vault":
		if s.VaultAddr == "" {
			return NewValidationError("secrets", "vault_addr", fmt.Errorf("required for vault backend"))
		}
		if s.VaultTokenEnv == "" || os.Getenv(s.VaultTokenEnv) == "" {
			return NewValidationError("secrets", "vault_token_env", fmt.Errorf("env var must be set for vault backend"))
		}
	default:
		return NewValidationError("secrets", "backend", fmt.Errorf("unknown backend %q (want local or vault)", s.Backend))
	}
	return nil
}

func validateNotify(n *NotifyConfig) error {
	if n.Slack != nil && n.Slack.Enabled {
		if n.Slack.TokenEnv == "" {
			return NewValidationError("notifications.slack", "token_env", fmt.Errorf("required when enabled"))
		}
		if n.Slack.Channel == "" {
			return NewValidationError("notifications.slack", "channel", fmt.Errorf("required when enabled"))
		}
	}
	if n.Email != nil && n.Email.Enabled {
		if n.Email.Host == "" {
			return NewValidationError("notifications.email", "host", fmt.Errorf("required when enabled"))
		}
		if n.Email.From == "" {
			return NewValidationError("notifications.email", "from", fmt.Errorf("required when enabled"))
		}
	}
	return nil
}
