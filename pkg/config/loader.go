package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges with defaults, validates, and returns a
// ready-to-use configuration. This is the primary entry point.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply configuration defaults: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"secrets_backend", cfg.Secrets.Backend,
		"local_execution", cfg.Dispatcher.LocalExecution,
		"slack_enabled", cfg.Notify.Slack != nil && cfg.Notify.Slack.Enabled)

	return cfg, nil
}

// load reads chengis.yaml, expands environment variables, and parses it.
// A missing file yields an all-defaults configuration.
func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, "chengis.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("chengis.yaml not found, using built-in defaults", "path", path)
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidYAML, path, err)
	}
	return &cfg, nil
}

// applyDefaults fills nil sections and zero fields with built-in defaults.
func applyDefaults(cfg *Config) error {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.AuthTokenEnv == "" {
		cfg.Server.AuthTokenEnv = "CHENGIS_AUTH_TOKEN"
	}

	// mergo fills zero-valued fields from the defaults, leaving user
	// values intact.
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = DefaultDispatcherConfig()
	} else if err := mergo.Merge(cfg.Dispatcher, DefaultDispatcherConfig()); err != nil {
		return err
	}
	if cfg.Runner == nil {
		cfg.Runner = DefaultRunnerConfig()
	} else if err := mergo.Merge(cfg.Runner, DefaultRunnerConfig()); err != nil {
		return err
	}
	if cfg.Retention == nil {
		cfg.Retention = DefaultRetentionConfig()
	} else if err := mergo.Merge(cfg.Retention, DefaultRetentionConfig()); err != nil {
		return err
	}
	if cfg.Secrets == nil {
		cfg.Secrets = DefaultSecretsConfig()
	} else if err := mergo.Merge(cfg.Secrets, DefaultSecretsConfig()); err != nil {
		return err
	}
	if cfg.Webhooks == nil {
		cfg.Webhooks = DefaultWebhooksConfig()
	} else if err := mergo.Merge(cfg.Webhooks, DefaultWebhooksConfig()); err != nil {
		return err
	}
	if cfg.Workspace == nil {
		cfg.Workspace = DefaultWorkspaceConfig()
	} else if err := mergo.Merge(cfg.Workspace, DefaultWorkspaceConfig()); err != nil {
		return err
	}
	if cfg.Artifacts == nil {
		cfg.Artifacts = DefaultArtifactsConfig()
	} else if err := mergo.Merge(cfg.Artifacts, DefaultArtifactsConfig()); err != nil {
		return err
	}
	if cfg.Notify == nil {
		cfg.Notify = &NotifyConfig{}
	}
	return nil
}
