package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
)

type policyRow struct {
	models.Policy
	RawConfig []byte `db:"config"`
}

func (r *policyRow) toModel() *models.Policy {
	p := r.Policy
	if len(r.RawConfig) > 0 {
		_ = json.Unmarshal(r.RawConfig, &p.Config)
	}
	return &p
}

// CreatePolicy inserts an org policy.
func (s *Store) CreatePolicy(ctx context.Context, p *models.Policy) error {
	if p.OrgID == "" {
		return NewValidationError("org_id", "required")
	}
	if p.Kind == "" {
		return NewValidationError("kind", "required")
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	config, err := json.Marshal(dataOrEmpty(p.Config))
	if err != nil {
		return fmt.Errorf("failed to marshal policy config: %w", err)
	}
	_, err = s.writer().ExecContext(ctx,
		`INSERT INTO policies (policy_id, org_id, kind, priority, enabled, config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.OrgID, p.Kind, p.Priority, p.Enabled, config, p.CreatedAt)
	return mapRowError(err)
}

// ListEnabledPolicies returns an org's active policies in evaluation
// order: ascending priority, ties broken by creation time.
func (s *Store) ListEnabledPolicies(ctx context.Context, orgID string) ([]*models.Policy, error) {
	var rows []policyRow
	err := s.reader().SelectContext(ctx, &rows,
		`SELECT policy_id, org_id, kind, priority, enabled, config, created_at
		 FROM policies WHERE org_id = $1 AND enabled
		 ORDER BY priority, created_at`, orgID)
	if err != nil {
		return nil, err
	}
	policies := make([]*models.Policy, len(rows))
	for i := range rows {
		policies[i] = rows[i].toModel()
	}
	return policies, nil
}

// ListPolicies returns all of an org's policies, disabled included.
func (s *Store) ListPolicies(ctx context.Context, orgID string) ([]*models.Policy, error) {
	var rows []policyRow
	err := s.reader().SelectContext(ctx, &rows,
		`SELECT policy_id, org_id, kind, priority, enabled, config, created_at
		 FROM policies WHERE org_id = $1
		 ORDER BY priority, created_at`, orgID)
	if err != nil {
		return nil, err
	}
	policies := make([]*models.Policy, len(rows))
	for i := range rows {
		policies[i] = rows[i].toModel()
	}
	return policies, nil
}

// SetPolicyEnabled toggles a policy without deleting its config.
func (s *Store) SetPolicyEnabled(ctx context.Context, policyID string, enabled bool) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE policies SET enabled = $1 WHERE policy_id = $2`, enabled, policyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePolicy removes a policy.
func (s *Store) DeletePolicy(ctx context.Context, policyID string) error {
	res, err := s.writer().ExecContext(ctx,
		`DELETE FROM policies WHERE policy_id = $1`, policyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PolicyEvaluation records one policy decision against a build.
type PolicyEvaluation struct {
	ID        string    `db:"evaluation_id" json:"id"`
	PolicyID  string    `db:"policy_id" json:"policy_id"`
	BuildID   string    `db:"build_id" json:"build_id"`
	Decision  string    `db:"decision" json:"decision"`
	Reason    string    `db:"reason" json:"reason,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RecordPolicyEvaluation logs a policy decision for audit.
func (s *Store) RecordPolicyEvaluation(ctx context.Context, ev *PolicyEvaluation) error {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO policy_evaluations (evaluation_id, policy_id, build_id, decision, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.PolicyID, ev.BuildID, ev.Decision, ev.Reason, ev.CreatedAt)
	return err
}

// ListPolicyEvaluations returns the decisions recorded for a build.
func (s *Store) ListPolicyEvaluations(ctx context.Context, buildID string) ([]*PolicyEvaluation, error) {
	var evals []*PolicyEvaluation
	err := s.reader().SelectContext(ctx, &evals,
		`SELECT evaluation_id, policy_id, build_id, decision, reason, created_at
		 FROM policy_evaluations WHERE build_id = $1 ORDER BY created_at`, buildID)
	return evals, err
}
