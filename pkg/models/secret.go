package models

import "time"

// SecretScope distinguishes global secrets from job-scoped ones. Job
// scope is encoded as "job-<job-id>".
const SecretScopeGlobal = "global"

// SecretScopeJob returns the scope string for a job-scoped secret.
func SecretScopeJob(jobID string) string { return "job-" + jobID }

// Secret is an encrypted named value. Plaintext is never persisted; the
// value hash allows exact-match masking without decryption.
type Secret struct {
	ID         string    `db:"secret_id" json:"id"`
	OrgID      string    `db:"org_id" json:"org_id"`
	Scope      string    `db:"scope" json:"scope"`
	Name       string    `db:"name" json:"name"`
	Ciphertext []byte    `db:"ciphertext" json:"-"`
	ValueHash  string    `db:"value_hash" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// SecretAuditAction classifies secret accesses.
type SecretAuditAction string

const (
	SecretActionRead      SecretAuditAction = "read"
	SecretActionWrite     SecretAuditAction = "write"
	SecretActionDelete    SecretAuditAction = "delete"
	SecretActionBuildRead SecretAuditAction = "build-read"
	SecretActionFallback  SecretAuditAction = "vault-fallback"
)

// SecretAudit records one secret access. Append-only; retention deletes
// by age only.
type SecretAudit struct {
	ID         string            `db:"audit_id" json:"id"`
	SecretName string            `db:"secret_name" json:"secret_name"`
	Scope      string            `db:"scope" json:"scope"`
	OrgID      string            `db:"org_id" json:"org_id"`
	Action     SecretAuditAction `db:"action" json:"action"`
	UserID     string            `db:"user_id" json:"user_id,omitempty"`
	IP         string            `db:"ip" json:"ip,omitempty"`
	BuildID    string            `db:"build_id" json:"build_id,omitempty"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
}

// WebhookEvent logs every received webhook delivery, accepted or not.
type WebhookEvent struct {
	ID              string    `db:"webhook_id" json:"id"`
	Provider        string    `db:"provider" json:"provider"`
	ProviderEventID string    `db:"provider_event_id" json:"provider_event_id"`
	EventType       string    `db:"event_type" json:"event_type"`
	RepoURL         string    `db:"repo_url" json:"repo_url"`
	Branch          string    `db:"branch" json:"branch"`
	CommitSHA       string    `db:"commit_sha" json:"commit_sha"`
	SignatureValid  bool      `db:"signature_valid" json:"signature_valid"`
	Status          string    `db:"status" json:"status"`
	MatchedJobs     int       `db:"matched_jobs" json:"matched_jobs"`
	TriggeredBuilds int       `db:"triggered_builds" json:"triggered_builds"`
	PayloadSize     int       `db:"payload_size" json:"payload_size"`
	ProcessingMS    int64     `db:"processing_ms" json:"processing_ms"`
	OrgID           *string   `db:"org_id" json:"org_id,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
