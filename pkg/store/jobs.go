package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
)

// jobRow is the raw DB shape of a job; the pipeline is stored as JSONB.
type jobRow struct {
	ID              string    `db:"job_id"`
	OrgID           string    `db:"org_id"`
	Name            string    `db:"name"`
	Description     string    `db:"description"`
	Pipeline        []byte    `db:"pipeline"`
	NextBuildNumber int       `db:"next_build_number"`
	Paused          bool      `db:"paused"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *jobRow) toModel() (*models.Job, error) {
	var p models.Pipeline
	if err := unmarshalPipeline(r.Pipeline, &p); err != nil {
		return nil, fmt.Errorf("job %s: corrupt pipeline: %w", r.ID, err)
	}
	return &models.Job{
		ID:              r.ID,
		OrgID:           r.OrgID,
		Name:            r.Name,
		Description:     r.Description,
		Pipeline:        &p,
		NextBuildNumber: r.NextBuildNumber,
		Paused:          r.Paused,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

// CreateOrg inserts a new org.
func (s *Store) CreateOrg(ctx context.Context, name string) (*models.Org, error) {
	if name == "" {
		return nil, NewValidationError("name", "required")
	}
	org := &models.Org{ID: ids.New(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO orgs (org_id, name, created_at) VALUES ($1, $2, $3)`,
		org.ID, org.Name, org.CreatedAt)
	if err != nil {
		return nil, mapRowError(err)
	}
	return org, nil
}

// GetOrg fetches an org by id.
func (s *Store) GetOrg(ctx context.Context, orgID string) (*models.Org, error) {
	var org models.Org
	err := s.reader().GetContext(ctx, &org,
		`SELECT org_id, name, created_at FROM orgs WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, mapRowError(err)
	}
	return &org, nil
}

// CreateJob inserts a job with its pipeline. (org_id, name) is unique.
func (s *Store) CreateJob(ctx context.Context, orgID, name, description string, pipeline *models.Pipeline) (*models.Job, error) {
	if name == "" {
		return nil, NewValidationError("name", "required")
	}
	if pipeline == nil {
		return nil, NewValidationError("pipeline", "required")
	}

	raw, err := marshalPipeline(pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pipeline: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:              ids.New(),
		OrgID:           orgID,
		Name:            name,
		Description:     description,
		Pipeline:        pipeline,
		NextBuildNumber: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err = s.writer().ExecContext(ctx,
		`INSERT INTO jobs (job_id, org_id, name, description, pipeline, next_build_number, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 1, $6, $6)`,
		job.ID, orgID, name, description, raw, now)
	if err != nil {
		return nil, mapRowError(err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var row jobRow
	err := s.reader().GetContext(ctx, &row,
		`SELECT job_id, org_id, name, description, pipeline, next_build_number, paused, created_at, updated_at
		 FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel()
}

// GetJobByName fetches a job by its unique (org, name) key.
func (s *Store) GetJobByName(ctx context.Context, orgID, name string) (*models.Job, error) {
	var row jobRow
	err := s.reader().GetContext(ctx, &row,
		`SELECT job_id, org_id, name, description, pipeline, next_build_number, paused, created_at, updated_at
		 FROM jobs WHERE org_id = $1 AND name = $2`, orgID, name)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel()
}

// UpdateJobPipeline replaces a job's stored pipeline.
func (s *Store) UpdateJobPipeline(ctx context.Context, jobID string, pipeline *models.Pipeline) error {
	raw, err := marshalPipeline(pipeline)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline: %w", err)
	}
	res, err := s.writer().ExecContext(ctx,
		`UPDATE jobs SET pipeline = $1, updated_at = now() WHERE job_id = $2`,
		raw, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetJobPaused toggles a job's paused flag. Paused jobs accept new
// builds but the dispatcher never picks them up.
func (s *Store) SetJobPaused(ctx context.Context, jobID string, paused bool) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE jobs SET paused = $1, updated_at = now() WHERE job_id = $2`,
		paused, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NormalizeRepoURL reduces a repository URL to host/path form so jobs
// match webhook deliveries regardless of how the remote is spelled:
// scheme and credentials are stripped, the host lowercased, and a
// trailing slash or ".git" suffix dropped. SSH "git@host:path"
// spellings collapse to the same form as their HTTPS equivalents.
func NormalizeRepoURL(raw string) string {
	u := strings.TrimSpace(raw)
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	host := u
	if slash := strings.IndexByte(u, '/'); slash >= 0 {
		host = u[:slash]
	}
	if at := strings.LastIndexByte(host, '@'); at >= 0 {
		u = u[at+1:]
	}
	// scp-style "host:path" becomes "host/path"; a numeric segment
	// after the colon is a port and stays.
	if colon := strings.IndexByte(u, ':'); colon >= 0 {
		slash := strings.IndexByte(u, '/')
		if slash < 0 || colon < slash {
			seg := u[colon+1:]
			if i := strings.IndexByte(seg, '/'); i >= 0 {
				seg = seg[:i]
			}
			if !isDigits(seg) {
				u = u[:colon] + "/" + u[colon+1:]
			}
		}
	}
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	if slash := strings.IndexByte(u, '/'); slash >= 0 {
		return strings.ToLower(u[:slash]) + u[slash:]
	}
	return strings.ToLower(u)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ListJobsBySourceURL returns unpaused jobs whose pipeline checks out
// the given repository. Webhook fan-out matches on this; URLs compare
// in normalized form, so the clone protocol a job was configured with
// does not matter.
func (s *Store) ListJobsBySourceURL(ctx context.Context, repoURL string) ([]*models.Job, error) {
	var rows []jobRow
	err := s.reader().SelectContext(ctx, &rows,
		`SELECT job_id, org_id, name, description, pipeline, next_build_number, paused, created_at, updated_at
		 FROM jobs WHERE pipeline->'source'->>'url' IS NOT NULL AND NOT paused`)
	if err != nil {
		return nil, err
	}
	want := NormalizeRepoURL(repoURL)
	jobs := make([]*models.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		if job.Pipeline.Source == nil || NormalizeRepoURL(job.Pipeline.Source.URL) != want {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ListJobs returns all jobs in an org, newest first.
func (s *Store) ListJobs(ctx context.Context, orgID string) ([]*models.Job, error) {
	var rows []jobRow
	err := s.reader().SelectContext(ctx, &rows,
		`SELECT job_id, org_id, name, description, pipeline, next_build_number, paused, created_at, updated_at
		 FROM jobs WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	jobs := make([]*models.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DeleteJob removes a job and, by cascade, its builds.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.writer().ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTemplate inserts a reusable pipeline template.
func (s *Store) CreateTemplate(ctx context.Context, orgID, name string, pipeline *models.Pipeline) (*models.Template, error) {
	if name == "" {
		return nil, NewValidationError("name", "required")
	}
	raw, err := marshalPipeline(pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pipeline: %w", err)
	}
	tpl := &models.Template{
		ID:        ids.New(),
		OrgID:     orgID,
		Name:      name,
		Pipeline:  pipeline,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.writer().ExecContext(ctx,
		`INSERT INTO templates (template_id, org_id, name, pipeline, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tpl.ID, orgID, name, raw, tpl.CreatedAt)
	if err != nil {
		return nil, mapRowError(err)
	}
	return tpl, nil
}

// GetTemplateByName fetches a template by its (org, name) key.
func (s *Store) GetTemplateByName(ctx context.Context, orgID, name string) (*models.Template, error) {
	var row struct {
		ID        string    `db:"template_id"`
		OrgID     string    `db:"org_id"`
		Name      string    `db:"name"`
		Pipeline  []byte    `db:"pipeline"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.reader().GetContext(ctx, &row,
		`SELECT template_id, org_id, name, pipeline, created_at
		 FROM templates WHERE org_id = $1 AND name = $2`, orgID, name)
	if err != nil {
		return nil, mapRowError(err)
	}
	var p models.Pipeline
	if err := unmarshalPipeline(row.Pipeline, &p); err != nil {
		return nil, fmt.Errorf("template %s: corrupt pipeline: %w", row.ID, err)
	}
	return &models.Template{
		ID: row.ID, OrgID: row.OrgID, Name: row.Name,
		Pipeline: &p, CreatedAt: row.CreatedAt,
	}, nil
}

// marshalPipeline serialises a pipeline for JSONB storage. Step variants
// are encoded with an explicit "kind" tag (models.Steps) so they round-trip.
func marshalPipeline(p *models.Pipeline) ([]byte, error) {
	return json.Marshal(p)
}

// unmarshalPipeline is the inverse of marshalPipeline.
func unmarshalPipeline(raw []byte, out *models.Pipeline) error {
	return json.Unmarshal(raw, out)
}
