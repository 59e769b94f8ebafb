package config

import "time"

// RetentionConfig controls the periodic retention sweeper. Each resource
// is swept by age.
type RetentionConfig struct {
	// BuildRetentionDays keeps terminal builds (and their stage/step/event
	// rows, cascade) for this many days.
	BuildRetentionDays int `yaml:"build_retention_days"`

	// SecretAuditRetentionDays keeps secret_audit rows for this many days.
	SecretAuditRetentionDays int `yaml:"secret_audit_retention_days"`

	// WebhookEventRetentionDays keeps webhook_events rows for this many days.
	WebhookEventRetentionDays int `yaml:"webhook_event_retention_days"`

	// PolicyEvaluationRetentionDays keeps policy_evaluations rows for this
	// many days.
	PolicyEvaluationRetentionDays int `yaml:"policy_evaluation_retention_days"`

	// AuditRetentionDays trims the head of the audit hash chain by age.
	// Verification anchors at the oldest remaining row.
	AuditRetentionDays int `yaml:"audit_retention_days"`

	// GateSweepInterval is how often pending approval gates are checked
	// for timeout.
	GateSweepInterval time.Duration `yaml:"gate_sweep_interval"`

	// CleanupInterval is how often the retention loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		BuildRetentionDays:            90,
		SecretAuditRetentionDays:      365,
		WebhookEventRetentionDays:     30,
		PolicyEvaluationRetentionDays: 90,
		AuditRetentionDays:            365,
		GateSweepInterval:             30 * time.Second,
		CleanupInterval:               12 * time.Hour,
	}
}
