package store

import (
	"context"
	"time"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
)

// CreateCronSchedule attaches a cron expression to a job.
func (s *Store) CreateCronSchedule(ctx context.Context, sc *models.CronSchedule) error {
	if sc.JobID == "" {
		return NewValidationError("job_id", "required")
	}
	if sc.Expression == "" {
		return NewValidationError("expression", "required")
	}
	if sc.ID == "" {
		sc.ID = ids.New()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO cron_schedules (schedule_id, job_id, org_id, expression, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sc.ID, sc.JobID, sc.OrgID, sc.Expression, sc.Enabled, sc.CreatedAt)
	return mapRowError(err)
}

// ListEnabledSchedules returns all enabled cron schedules.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]*models.CronSchedule, error) {
	var schedules []*models.CronSchedule
	err := s.reader().SelectContext(ctx, &schedules,
		`SELECT schedule_id, job_id, org_id, expression, enabled, last_run_at, created_at
		 FROM cron_schedules WHERE enabled ORDER BY created_at`)
	return schedules, err
}

// DeleteCronSchedule removes a schedule.
func (s *Store) DeleteCronSchedule(ctx context.Context, scheduleID string) error {
	res, err := s.writer().ExecContext(ctx,
		`DELETE FROM cron_schedules WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordCronRun marks a schedule fired and links the build it created.
func (s *Store) RecordCronRun(ctx context.Context, scheduleID, buildID string) error {
	var nullable *string
	if buildID != "" {
		nullable = &buildID
	}
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO cron_runs (run_id, schedule_id, build_id, fired_at)
		 VALUES ($1, $2, $3, now())`, ids.New(), scheduleID, nullable)
	if err != nil {
		return err
	}
	_, err = s.writer().ExecContext(ctx,
		`UPDATE cron_schedules SET last_run_at = now() WHERE schedule_id = $1`, scheduleID)
	return err
}

// CreateJobDependency links a downstream job to an upstream one; the
// downstream job is triggered when an upstream build succeeds.
func (s *Store) CreateJobDependency(ctx context.Context, upstreamJobID, downstreamJobID string) (*models.JobDependency, error) {
	if upstreamJobID == "" || downstreamJobID == "" {
		return nil, NewValidationError("job_id", "both upstream and downstream required")
	}
	if upstreamJobID == downstreamJobID {
		return nil, NewValidationError("downstream_job_id", "cannot depend on itself")
	}
	dep := &models.JobDependency{
		ID:              ids.New(),
		UpstreamJobID:   upstreamJobID,
		DownstreamJobID: downstreamJobID,
		CreatedAt:       time.Now().UTC(),
	}
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO job_dependencies (dependency_id, upstream_job_id, downstream_job_id, created_at)
		 VALUES ($1, $2, $3, $4)`,
		dep.ID, dep.UpstreamJobID, dep.DownstreamJobID, dep.CreatedAt)
	if err != nil {
		return nil, mapRowError(err)
	}
	return dep, nil
}

// ListDownstreamJobs returns the jobs triggered by a successful build of
// the given upstream job.
func (s *Store) ListDownstreamJobs(ctx context.Context, upstreamJobID string) ([]*models.JobDependency, error) {
	var deps []*models.JobDependency
	err := s.reader().SelectContext(ctx, &deps,
		`SELECT dependency_id, upstream_job_id, downstream_job_id, created_at
		 FROM job_dependencies WHERE upstream_job_id = $1 ORDER BY created_at`, upstreamJobID)
	return deps, err
}

// DeleteJobDependency removes a dependency edge.
func (s *Store) DeleteJobDependency(ctx context.Context, dependencyID string) error {
	res, err := s.writer().ExecContext(ctx,
		`DELETE FROM job_dependencies WHERE dependency_id = $1`, dependencyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
