package store

import (
	"context"
	"time"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
)

// PutSecret inserts or replaces a secret by its (org, scope, name) key.
// Only ciphertext and the masking hash are stored.
func (s *Store) PutSecret(ctx context.Context, sec *models.Secret) error {
	if sec.Name == "" {
		return NewValidationError("name", "required")
	}
	if sec.Scope == "" {
		return NewValidationError("scope", "required")
	}
	if len(sec.Ciphertext) == 0 {
		return NewValidationError("ciphertext", "required")
	}
	if sec.ID == "" {
		sec.ID = ids.New()
	}
	now := time.Now().UTC()
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = now
	}
	sec.UpdatedAt = now
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO secrets (secret_id, org_id, scope, name, ciphertext, value_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (org_id, scope, name) DO UPDATE SET
		     ciphertext = EXCLUDED.ciphertext,
		     value_hash = EXCLUDED.value_hash,
		     updated_at = EXCLUDED.updated_at`,
		sec.ID, sec.OrgID, sec.Scope, sec.Name, sec.Ciphertext, sec.ValueHash,
		sec.CreatedAt, sec.UpdatedAt)
	return err
}

// GetSecret fetches a secret by its (org, scope, name) key.
func (s *Store) GetSecret(ctx context.Context, orgID, scope, name string) (*models.Secret, error) {
	var sec models.Secret
	err := s.reader().GetContext(ctx, &sec,
		`SELECT secret_id, org_id, scope, name, ciphertext, value_hash, created_at, updated_at
		 FROM secrets WHERE org_id = $1 AND scope = $2 AND name = $3`,
		orgID, scope, name)
	if err != nil {
		return nil, mapRowError(err)
	}
	return &sec, nil
}

// ListSecrets returns the secrets in a scope. Rows include ciphertext;
// callers exposing listings must strip it.
func (s *Store) ListSecrets(ctx context.Context, orgID, scope string) ([]*models.Secret, error) {
	var secrets []*models.Secret
	err := s.reader().SelectContext(ctx, &secrets,
		`SELECT secret_id, org_id, scope, name, ciphertext, value_hash, created_at, updated_at
		 FROM secrets WHERE org_id = $1 AND scope = $2 ORDER BY name`, orgID, scope)
	return secrets, err
}

// DeleteSecret removes a secret by key.
func (s *Store) DeleteSecret(ctx context.Context, orgID, scope, name string) error {
	res, err := s.writer().ExecContext(ctx,
		`DELETE FROM secrets WHERE org_id = $1 AND scope = $2 AND name = $3`,
		orgID, scope, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSecretAccess appends a secret audit row. Every read, write,
// delete, and build-time resolution lands here.
func (s *Store) RecordSecretAccess(ctx context.Context, a *models.SecretAudit) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO secret_audit (audit_id, secret_name, scope, org_id, action, user_id, ip, build_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.SecretName, a.Scope, a.OrgID, a.Action, a.UserID, a.IP, a.BuildID, a.CreatedAt)
	return err
}

// ListSecretAccesses returns recent secret audit rows for an org, newest
// first.
func (s *Store) ListSecretAccesses(ctx context.Context, orgID string, limit int) ([]*models.SecretAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []*models.SecretAudit
	err := s.reader().SelectContext(ctx, &rows,
		`SELECT audit_id, secret_name, scope, org_id, action, user_id, ip, build_id, created_at
		 FROM secret_audit WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`,
		orgID, limit)
	return rows, err
}
