// Package cleanup enforces data retention in the background.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/metrics"
	"github.com/chengis/chengis/pkg/models"
)

// deleteBatch bounds how many rows one sweep pass removes per resource.
const deleteBatch = 500

// Store is the persistence surface the sweeper needs.
type Store interface {
	DeleteBuildsOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
	DeleteSecretAuditOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	DeleteWebhookEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	DeletePolicyEvaluationsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	DeleteAuditOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	ListExpiredArtifacts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Artifact, error)
	ListArtifactsOverJobCap(ctx context.Context, perJob, limit int) ([]*models.Artifact, error)
}

// ArtifactRemover deletes an artifact's file and metadata row together.
type ArtifactRemover interface {
	Remove(ctx context.Context, a *models.Artifact) error
}

// GateSweeper resolves pending approval gates past their timeout.
type GateSweeper interface {
	SweepTimeouts(ctx context.Context, now time.Time) ([]*models.ApprovalGate, error)
}

// Service periodically enforces retention:
//   - terminal builds past their age (cascades stages, steps, events, gates)
//   - secret audit, webhook, and policy evaluation rows past their age
//   - audit chain heads past their age (verification anchors at the
//     oldest remaining row)
//   - artifacts past their age or over the per-job cap
//
// and, on a faster ticker, times out pending approval gates. All
// operations are idempotent and safe to run from multiple masters.
type Service struct {
	cfg       *config.RetentionConfig
	artCfg    *config.ArtifactsConfig
	store     Store
	artifacts ArtifactRemover
	gates     GateSweeper
	metrics   *metrics.Metrics
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service. artifacts, gates, and m may be
// nil; the corresponding sweep is skipped.
func NewService(cfg *config.RetentionConfig, artCfg *config.ArtifactsConfig,
	st Store, artifacts ArtifactRemover, gates GateSweeper,
	m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = config.DefaultRetentionConfig()
	}
	if artCfg == nil {
		artCfg = config.DefaultArtifactsConfig()
	}
	return &Service{
		cfg:       cfg,
		artCfg:    artCfg,
		store:     st,
		artifacts: artifacts,
		gates:     gates,
		metrics:   m,
		logger:    logger.With("component", "cleanup"),
	}
}

// Start launches the background loops.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("retention service started",
		"build_retention_days", s.cfg.BuildRetentionDays,
		"cleanup_interval", s.cfg.CleanupInterval,
		"gate_sweep_interval", s.cfg.GateSweepInterval)
}

// Stop signals the loops to exit and waits for them to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	retention := time.NewTicker(s.cfg.CleanupInterval)
	defer retention.Stop()
	gates := time.NewTicker(s.cfg.GateSweepInterval)
	defer gates.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-retention.C:
			s.Sweep(ctx)
		case <-gates.C:
			s.sweepGates(ctx)
		}
	}
}

// Sweep runs one full retention pass.
func (s *Service) Sweep(ctx context.Context) {
	s.sweepBuilds(ctx)
	s.sweepRows(ctx, "secret_audit", s.cfg.SecretAuditRetentionDays, s.store.DeleteSecretAuditOlderThan)
	s.sweepRows(ctx, "webhook_events", s.cfg.WebhookEventRetentionDays, s.store.DeleteWebhookEventsOlderThan)
	s.sweepRows(ctx, "policy_evaluations", s.cfg.PolicyEvaluationRetentionDays, s.store.DeletePolicyEvaluationsOlderThan)
	s.sweepRows(ctx, "audit_logs", s.cfg.AuditRetentionDays, s.store.DeleteAuditOlderThan)
	s.sweepArtifacts(ctx)
}

func (s *Service) sweepBuilds(ctx context.Context) {
	if s.cfg.BuildRetentionDays <= 0 {
		return
	}
	cutoff := daysAgo(s.cfg.BuildRetentionDays)
	count, err := s.store.DeleteBuildsOlderThan(ctx, cutoff, deleteBatch)
	if err != nil {
		s.logger.Error("retention: deleting builds failed", "error", err)
		return
	}
	s.record("builds", count)
}

func (s *Service) sweepRows(ctx context.Context, resource string, days int,
	del func(context.Context, time.Time) (int, error)) {
	if days <= 0 {
		return
	}
	count, err := del(ctx, daysAgo(days))
	if err != nil {
		s.logger.Error("retention: deleting rows failed", "resource", resource, "error", err)
		return
	}
	s.record(resource, count)
}

// sweepArtifacts deletes artifacts past the age limit, then everything
// over the per-job cap. Files come off disk before the rows go.
func (s *Service) sweepArtifacts(ctx context.Context) {
	if s.artifacts == nil {
		return
	}
	if s.artCfg.MaxAgeDays > 0 {
		expired, err := s.store.ListExpiredArtifacts(ctx, daysAgo(s.artCfg.MaxAgeDays), deleteBatch)
		if err != nil {
			s.logger.Error("retention: listing expired artifacts failed", "error", err)
		} else {
			s.removeArtifacts(ctx, expired)
		}
	}
	if s.artCfg.MaxPerJob > 0 {
		over, err := s.store.ListArtifactsOverJobCap(ctx, s.artCfg.MaxPerJob, deleteBatch)
		if err != nil {
			s.logger.Error("retention: listing capped artifacts failed", "error", err)
		} else {
			s.removeArtifacts(ctx, over)
		}
	}
}

func (s *Service) removeArtifacts(ctx context.Context, artifacts []*models.Artifact) {
	removed := 0
	for _, a := range artifacts {
		if err := s.artifacts.Remove(ctx, a); err != nil {
			s.logger.Error("retention: removing artifact failed",
				"artifact_id", a.ID, "error", err)
			continue
		}
		removed++
	}
	s.record("artifacts", removed)
}

func (s *Service) sweepGates(ctx context.Context) {
	if s.gates == nil {
		return
	}
	timedOut, err := s.gates.SweepTimeouts(ctx, time.Now())
	if err != nil {
		s.logger.Error("sweeping gate timeouts failed", "error", err)
		return
	}
	for _, g := range timedOut {
		s.logger.Warn("approval gate timed out",
			"gate_id", g.ID, "build_id", g.BuildID, "stage", g.StageName)
	}
}

func (s *Service) record(resource string, count int) {
	if count == 0 {
		return
	}
	if s.metrics != nil {
		s.metrics.RetentionSwept.WithLabelValues(resource).Add(float64(count))
	}
	s.logger.Info("retention: rows removed", "resource", resource, "count", count)
}

func daysAgo(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -days)
}
