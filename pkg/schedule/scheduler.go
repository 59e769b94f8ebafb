// Package schedule turns cron expressions and job dependencies into
// queued builds.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

// refreshInterval is how often the scheduler reconciles its cron entries
// with the database.
const refreshInterval = time.Minute

// Store is the persistence surface the scheduler needs.
type Store interface {
	ListEnabledSchedules(ctx context.Context) ([]*models.CronSchedule, error)
	RecordCronRun(ctx context.Context, scheduleID, buildID string) error
	ListDownstreamJobs(ctx context.Context, upstreamJobID string) ([]*models.JobDependency, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	CreateBuild(ctx context.Context, in store.NewBuild) (*models.Build, error)
}

// Scheduler owns a cron runner whose entries mirror the enabled
// cron_schedules rows. Entries are reconciled periodically so API-side
// schedule changes take effect without a restart.
type Scheduler struct {
	store  Store
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New returns a scheduler; call Run to start it.
func New(st Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   st,
		cron:    cron.New(),
		logger:  logger.With("component", "scheduler"),
		entries: make(map[string]cron.EntryID),
	}
}

// Run starts the cron runner and reconciles entries until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Error("initial schedule load failed", "error", err)
	}
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error("schedule refresh failed", "error", err)
			}
		}
	}
}

// Refresh reconciles cron entries with the enabled schedules: new rows
// are added, deleted or disabled rows are removed. A bad expression is
// logged and skipped, never fatal.
func (s *Scheduler) Refresh(ctx context.Context) error {
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool, len(schedules))
	for _, sc := range schedules {
		current[sc.ID] = true
		if _, ok := s.entries[sc.ID]; ok {
			continue
		}
		sc := sc
		id, err := s.cron.AddFunc(sc.Expression, func() { s.fire(sc) })
		if err != nil {
			s.logger.Warn("invalid cron expression",
				"schedule_id", sc.ID, "expression", sc.Expression, "error", err)
			continue
		}
		s.entries[sc.ID] = id
	}
	for scheduleID, entryID := range s.entries {
		if !current[scheduleID] {
			s.cron.Remove(entryID)
			delete(s.entries, scheduleID)
		}
	}
	return nil
}

// fire creates a scheduled build for the schedule's job. Paused jobs
// record a run with no build so the skip is visible.
func (s *Scheduler) fire(sc *models.CronSchedule) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := s.store.GetJob(ctx, sc.JobID)
	if err != nil {
		s.logger.Error("scheduled job lookup failed", "schedule_id", sc.ID, "job_id", sc.JobID, "error", err)
		return
	}
	if job.Paused {
		s.logger.Info("skipping schedule of paused job", "schedule_id", sc.ID, "job", job.Name)
		if err := s.store.RecordCronRun(ctx, sc.ID, ""); err != nil {
			s.logger.Error("recording skipped cron run failed", "schedule_id", sc.ID, "error", err)
		}
		return
	}

	build, err := s.store.CreateBuild(ctx, store.NewBuild{
		JobID:   job.ID,
		OrgID:   job.OrgID,
		Trigger: models.Trigger{Kind: models.TriggerScheduled},
	})
	if err != nil {
		s.logger.Error("scheduled build failed", "schedule_id", sc.ID, "job", job.Name, "error", err)
		return
	}
	if err := s.store.RecordCronRun(ctx, sc.ID, build.ID); err != nil {
		s.logger.Error("recording cron run failed", "schedule_id", sc.ID, "error", err)
	}
	s.logger.Info("scheduled build queued",
		"schedule_id", sc.ID, "job", job.Name, "build_number", build.BuildNumber)
}

// TriggerDownstream queues dependency builds for every job that depends
// on the given upstream job. Called by the runner after a successful
// build. Paused downstream jobs are skipped.
func (s *Scheduler) TriggerDownstream(ctx context.Context, upstream *models.Build) {
	deps, err := s.store.ListDownstreamJobs(ctx, upstream.JobID)
	if err != nil {
		s.logger.Error("downstream lookup failed", "job_id", upstream.JobID, "error", err)
		return
	}
	for _, dep := range deps {
		job, err := s.store.GetJob(ctx, dep.DownstreamJobID)
		if err != nil {
			s.logger.Error("downstream job lookup failed", "job_id", dep.DownstreamJobID, "error", err)
			continue
		}
		if job.Paused {
			continue
		}
		build, err := s.store.CreateBuild(ctx, store.NewBuild{
			JobID: job.ID,
			OrgID: job.OrgID,
			Trigger: models.Trigger{
				Kind:          models.TriggerDependency,
				ParentBuildID: upstream.ID,
			},
		})
		if err != nil {
			s.logger.Error("dependency build failed", "job", job.Name, "error", err)
			continue
		}
		s.logger.Info("dependency build queued",
			"upstream_build", upstream.ID, "job", job.Name, "build_number", build.BuildNumber)
	}
}
