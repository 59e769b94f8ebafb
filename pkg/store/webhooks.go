package store

import (
	"context"
	"time"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
)

// RecordWebhookEvent logs a webhook delivery. The UNIQUE
// (provider, provider_event_id) key deduplicates redeliveries:
// ErrAlreadyExists means the delivery was seen before and must not
// trigger builds again.
func (s *Store) RecordWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	if ev.Provider == "" {
		return NewValidationError("provider", "required")
	}
	if ev.ProviderEventID == "" {
		return NewValidationError("provider_event_id", "required")
	}
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO webhook_events (webhook_id, provider, provider_event_id, event_type,
		     repo_url, branch, commit_sha, signature_valid, status,
		     matched_jobs, triggered_builds, payload_size, processing_ms, org_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ev.ID, ev.Provider, ev.ProviderEventID, ev.EventType,
		ev.RepoURL, ev.Branch, ev.CommitSHA, ev.SignatureValid, ev.Status,
		ev.MatchedJobs, ev.TriggeredBuilds, ev.PayloadSize, ev.ProcessingMS, ev.OrgID, ev.CreatedAt)
	return mapRowError(err)
}

// UpdateWebhookOutcome fills in the processing result after the triggers
// have been fanned out.
func (s *Store) UpdateWebhookOutcome(ctx context.Context, webhookID, status string, matchedJobs, triggeredBuilds int, processingMS int64) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE webhook_events SET status = $1, matched_jobs = $2,
		     triggered_builds = $3, processing_ms = $4
		 WHERE webhook_id = $5`,
		status, matchedJobs, triggeredBuilds, processingMS, webhookID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWebhookEvents returns recent deliveries, newest first.
func (s *Store) ListWebhookEvents(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []*models.WebhookEvent
	err := s.reader().SelectContext(ctx, &events,
		`SELECT webhook_id, provider, provider_event_id, event_type, repo_url,
		     branch, commit_sha, signature_valid, status, matched_jobs,
		     triggered_builds, payload_size, processing_ms, org_id, created_at
		 FROM webhook_events ORDER BY created_at DESC LIMIT $1`, limit)
	return events, err
}
