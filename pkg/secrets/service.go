package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

// ErrMissingSecret is returned when a referenced secret exists in no
// visible scope.
var ErrMissingSecret = errors.New("missing-secret")

// SecretStore is the persistence surface the service needs. Implemented
// by store.Store.
type SecretStore interface {
	PutSecret(ctx context.Context, sec *models.Secret) error
	GetSecret(ctx context.Context, orgID, scope, name string) (*models.Secret, error)
	ListSecrets(ctx context.Context, orgID, scope string) ([]*models.Secret, error)
	DeleteSecret(ctx context.Context, orgID, scope, name string) error
	RecordSecretAccess(ctx context.Context, a *models.SecretAudit) error
}

// Accessor identifies who is touching a secret, for the audit trail.
type Accessor struct {
	UserID  string
	IP      string
	BuildID string
}

// Service stores and resolves secrets. Resolution order is job scope
// over global scope; a name present in both resolves to the job value.
type Service struct {
	store           SecretStore
	cipher          Cipher
	vault           *VaultClient
	backend         string
	fallbackToLocal bool
}

// NewService builds the service from configuration. The local cipher is
// always constructed: even with the vault backend, fallback and writes
// need it.
func NewService(st SecretStore, cfg *config.SecretsConfig) (*Service, error) {
	key := os.Getenv(cfg.MasterKeyEnv)
	cipher, err := NewAESCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("secrets master key (%s): %w", cfg.MasterKeyEnv, err)
	}
	s := &Service{
		store:           st,
		cipher:          cipher,
		backend:         cfg.Backend,
		fallbackToLocal: cfg.FallbackToLocal,
	}
	if cfg.Backend == "vault" {
		s.vault = NewVaultClient(cfg.VaultAddr, os.Getenv(cfg.VaultTokenEnv), cfg.VaultMount, 10*time.Second)
	}
	return s, nil
}

// Put encrypts and stores a secret, and audits the write.
func (s *Service) Put(ctx context.Context, orgID, scope, name, value string, by Accessor) error {
	ct, err := s.cipher.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}
	err = s.store.PutSecret(ctx, &models.Secret{
		OrgID:      orgID,
		Scope:      scope,
		Name:       name,
		Ciphertext: ct,
		ValueHash:  ValueHash(value),
	})
	if err != nil {
		return err
	}
	s.audit(ctx, orgID, scope, name, models.SecretActionWrite, by)
	return nil
}

// Delete removes a secret and audits the deletion.
func (s *Service) Delete(ctx context.Context, orgID, scope, name string, by Accessor) error {
	if err := s.store.DeleteSecret(ctx, orgID, scope, name); err != nil {
		return err
	}
	s.audit(ctx, orgID, scope, name, models.SecretActionDelete, by)
	return nil
}

// Get decrypts one secret from the given scope and audits the read.
func (s *Service) Get(ctx context.Context, orgID, scope, name string, by Accessor) (string, error) {
	sec, err := s.store.GetSecret(ctx, orgID, scope, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrMissingSecret, name)
		}
		return "", err
	}
	plain, err := s.cipher.Decrypt(sec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	s.audit(ctx, orgID, scope, name, models.SecretActionRead, by)
	return string(plain), nil
}

// ResolveForBuild resolves the named secrets for a build: job scope wins
// over global. Every resolved name writes a build-read audit row. A
// missing name fails the whole resolution with ErrMissingSecret.
func (s *Service) ResolveForBuild(ctx context.Context, orgID, jobID, buildID string, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(names))
	by := Accessor{BuildID: buildID}
	jobScope := models.SecretScopeJob(jobID)

	for _, name := range names {
		value, scope, err := s.lookup(ctx, orgID, jobScope, name)
		if err != nil {
			return nil, err
		}
		out[name] = value
		s.audit(ctx, orgID, scope, name, models.SecretActionBuildRead, by)
	}
	return out, nil
}

// EnvForBuild loads every secret visible to a build as environment
// additions: global scope first, the job scope overlaid on top. Step
// references resolve on top of this base. Each exposed name writes a
// build-read audit row.
func (s *Service) EnvForBuild(ctx context.Context, orgID, jobID, buildID string) (map[string]string, error) {
	out := map[string]string{}
	by := Accessor{BuildID: buildID}
	for _, scope := range []string{models.SecretScopeGlobal, models.SecretScopeJob(jobID)} {
		kv, err := s.scopeValues(ctx, orgID, scope)
		if err != nil {
			return nil, err
		}
		for name, value := range kv {
			out[name] = value
			s.audit(ctx, orgID, scope, name, models.SecretActionBuildRead, by)
		}
	}
	return out, nil
}

// scopeValues decrypts every secret in one scope through the configured
// backend. An absent vault path is an empty scope, not an error.
func (s *Service) scopeValues(ctx context.Context, orgID, scope string) (map[string]string, error) {
	if s.backend == "vault" {
		kv, err := s.vault.Read(ctx, orgID+"/"+scope)
		switch {
		case err == nil:
			return kv, nil
		case errors.Is(err, ErrMissingSecret):
			return map[string]string{}, nil
		case !s.fallbackToLocal:
			return nil, fmt.Errorf("vault scope %s: %w", scope, err)
		default:
			s.recordFallback(ctx, orgID, scope, "", err)
		}
	}
	list, err := s.store.ListSecrets(ctx, orgID, scope)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list))
	for _, sec := range list {
		plain, err := s.cipher.Decrypt(sec.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", sec.Name, err)
		}
		out[sec.Name] = string(plain)
	}
	return out, nil
}

// lookup finds one name in job scope then global, going through the
// configured backend.
func (s *Service) lookup(ctx context.Context, orgID, jobScope, name string) (value, scope string, err error) {
	for _, sc := range []string{jobScope, models.SecretScopeGlobal} {
		v, err := s.fetch(ctx, orgID, sc, name)
		if err == nil {
			return v, sc, nil
		}
		if !errors.Is(err, ErrMissingSecret) {
			return "", "", err
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrMissingSecret, name)
}

func (s *Service) fetch(ctx context.Context, orgID, scope, name string) (string, error) {
	if s.backend == "vault" {
		value, err := s.fetchVault(ctx, orgID, scope, name)
		if err == nil || errors.Is(err, ErrMissingSecret) {
			return value, err
		}
		if !s.fallbackToLocal {
			return "", fmt.Errorf("vault lookup %s/%s: %w", scope, name, err)
		}
		s.recordFallback(ctx, orgID, scope, name, err)
	}
	return s.fetchLocal(ctx, orgID, scope, name)
}

func (s *Service) fetchLocal(ctx context.Context, orgID, scope, name string) (string, error) {
	sec, err := s.store.GetSecret(ctx, orgID, scope, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrMissingSecret
		}
		return "", err
	}
	plain, err := s.cipher.Decrypt(sec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	return string(plain), nil
}

func (s *Service) fetchVault(ctx context.Context, orgID, scope, name string) (string, error) {
	kv, err := s.vault.Read(ctx, orgID+"/"+scope)
	if err != nil {
		if errors.Is(err, ErrMissingSecret) {
			return "", ErrMissingSecret
		}
		return "", err
	}
	value, ok := kv[name]
	if !ok {
		return "", ErrMissingSecret
	}
	return value, nil
}

// recordFallback audits a vault-to-local fallback so the degradation is
// visible beyond the logs.
func (s *Service) recordFallback(ctx context.Context, orgID, scope, name string, cause error) {
	slog.Warn("Vault unavailable, falling back to local secrets",
		"scope", scope, "name", name, "error", cause)
	s.audit(ctx, orgID, scope, name, models.SecretActionFallback, Accessor{})
}

// audit is best-effort: a failed audit write is logged, never fails the
// operation that triggered it.
func (s *Service) audit(ctx context.Context, orgID, scope, name string, action models.SecretAuditAction, by Accessor) {
	err := s.store.RecordSecretAccess(ctx, &models.SecretAudit{
		SecretName: name,
		Scope:      scope,
		OrgID:      orgID,
		Action:     action,
		UserID:     by.UserID,
		IP:         by.IP,
		BuildID:    by.BuildID,
	})
	if err != nil {
		slog.Error("Failed to record secret access",
			"name", name, "scope", scope, "action", action, "error", err)
	}
}
