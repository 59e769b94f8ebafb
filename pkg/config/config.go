// Package config loads, merges, and validates the engine configuration.
//
// Configuration comes from a single chengis.yaml in the config directory,
// with environment variables expanded via {{.VAR}} templates before
// parsing. Missing sections fall back to built-in defaults.
package config

import "time"

// Config is the fully-merged, validated engine configuration.
type Config struct {
	Server     *ServerConfig     `yaml:"server"`
	Dispatcher *DispatcherConfig `yaml:"dispatcher"`
	Runner     *RunnerConfig     `yaml:"runner"`
	Retention  *RetentionConfig  `yaml:"retention"`
	Secrets    *SecretsConfig    `yaml:"secrets"`
	Notify     *NotifyConfig     `yaml:"notifications"`
	Webhooks   *WebhooksConfig   `yaml:"webhooks"`
	Workspace  *WorkspaceConfig  `yaml:"workspace"`
	Artifacts  *ArtifactsConfig  `yaml:"artifacts"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// ExternalURL is the base URL used in notification links.
	ExternalURL string `yaml:"external_url"`
	// AuthTokenEnv names the env var holding the agent/API bearer token.
	AuthTokenEnv string `yaml:"auth_token_env"`
}

// RunnerConfig controls build execution.
type RunnerConfig struct {
	// MaxParallelSteps bounds concurrent steps within a parallel stage.
	MaxParallelSteps int `yaml:"max_parallel_steps"`
	// StageSlack is added to the sum of step timeouts for the stage deadline.
	StageSlack time.Duration `yaml:"stage_slack"`
	// BuildTimeout is the build-level ceiling; the whole build aborts at it.
	BuildTimeout time.Duration `yaml:"build_timeout"`
	// ApprovalPollInterval is how often a suspended build re-checks its gate.
	ApprovalPollInterval time.Duration `yaml:"approval_poll_interval"`
}

// DefaultRunnerConfig returns the built-in runner defaults.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		MaxParallelSteps:     16,
		StageSlack:           10 * time.Second,
		BuildTimeout:         4 * time.Hour,
		ApprovalPollInterval: 5 * time.Second,
	}
}

// SecretsConfig selects and configures the secret backend.
type SecretsConfig struct {
	// Backend is "local" (AES-GCM rows) or "vault" (external KV).
	Backend string `yaml:"backend"`
	// MasterKeyEnv names the env var holding the local master key (>= 32 bytes).
	MasterKeyEnv string `yaml:"master_key_env"`
	// FallbackToLocal continues against the local backend when the external
	// backend errors. Default false: the step fails instead.
	FallbackToLocal bool `yaml:"fallback_to_local"`
	// Vault settings (backend == "vault").
	VaultAddr     string `yaml:"vault_addr"`
	VaultTokenEnv string `yaml:"vault_token_env"`
	VaultMount    string `yaml:"vault_mount"`
}

// DefaultSecretsConfig returns the built-in secrets defaults.
func DefaultSecretsConfig() *SecretsConfig {
	return &SecretsConfig{
		Backend:      "local",
		MasterKeyEnv: "CHENGIS_MASTER_KEY",
		VaultMount:   "secret",
	}
}

// NotifyConfig configures notification delivery.
type NotifyConfig struct {
	Slack *SlackConfig `yaml:"slack"`
	Email *EmailConfig `yaml:"email"`
}

// SlackConfig holds Slack notifier settings. Token is read from the
// named env var, never from YAML.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// EmailConfig holds SMTP notifier settings.
type EmailConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	From        string `yaml:"from"`
	PasswordEnv string `yaml:"password_env"`
}

// WebhooksConfig names the env vars holding webhook signing secrets.
type WebhooksConfig struct {
	GitHubSecretEnv string `yaml:"github_secret_env"`
	GitLabSecretEnv string `yaml:"gitlab_secret_env"`
}

// DefaultWebhooksConfig returns the built-in webhook defaults.
func DefaultWebhooksConfig() *WebhooksConfig {
	return &WebhooksConfig{
		GitHubSecretEnv: "CHENGIS_GITHUB_WEBHOOK_SECRET",
		GitLabSecretEnv: "CHENGIS_GITLAB_WEBHOOK_SECRET",
	}
}

// WorkspaceConfig controls per-build workspaces.
type WorkspaceConfig struct {
	// Root is the directory under which per-build workspaces are created.
	Root string `yaml:"root"`
	// RetainOnFailure keeps the workspace of failed builds for debugging.
	RetainOnFailure bool `yaml:"retain_on_failure"`
}

// DefaultWorkspaceConfig returns the built-in workspace defaults.
func DefaultWorkspaceConfig() *WorkspaceConfig {
	return &WorkspaceConfig{Root: "./var/workspaces"}
}

// ArtifactsConfig controls artifact storage.
type ArtifactsConfig struct {
	// Root is the directory artifacts are copied into.
	Root string `yaml:"root"`
	// MaxPerJob caps retained artifacts per job (0 = unlimited).
	MaxPerJob int `yaml:"max_per_job"`
	// MaxAgeDays deletes artifacts older than this (0 = keep forever).
	MaxAgeDays int `yaml:"max_age_days"`
}

// DefaultArtifactsConfig returns the built-in artifact defaults.
func DefaultArtifactsConfig() *ArtifactsConfig {
	return &ArtifactsConfig{Root: "./var/artifacts"}
}
