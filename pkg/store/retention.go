package store

import (
	"context"
	"time"
)

// Retention primitives. Each sweep deletes by age and returns the number
// of rows removed so the cleanup loop can report per-resource counts.

// DeleteBuildsOlderThan removes terminal builds (and, by cascade, their
// stages, steps, log chunks, events, gates, and artifacts rows) whose
// completion predates the cutoff. At most limit builds per call.
func (s *Store) DeleteBuildsOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	res, err := s.writer().ExecContext(ctx,
		`DELETE FROM builds WHERE build_id IN (
		     SELECT build_id FROM builds
		     WHERE completed_at IS NOT NULL AND completed_at < $1
		       AND status IN ('success', 'failure', 'aborted', 'timed_out')
		     ORDER BY completed_at LIMIT $2)`, cutoff, limit)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteSecretAuditOlderThan ages out secret access rows.
func (s *Store) DeleteSecretAuditOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.writer().ExecContext(ctx,
		`DELETE FROM secret_audit WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteWebhookEventsOlderThan ages out webhook delivery rows. Dedup only
// needs to cover the provider's redelivery window, so expiring old rows
// is safe.
func (s *Store) DeleteWebhookEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.writer().ExecContext(ctx,
		`DELETE FROM webhook_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteAuditOlderThan trims the head of each org's audit chain by age.
// Verification anchors at the oldest remaining row, so trimming whole
// prefixes keeps the rest of the chain checkable.
func (s *Store) DeleteAuditOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.writer().ExecContext(ctx,
		`DELETE FROM audit_logs WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeletePolicyEvaluationsOlderThan ages out policy decision rows.
func (s *Store) DeletePolicyEvaluationsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.writer().ExecContext(ctx,
		`DELETE FROM policy_evaluations WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
