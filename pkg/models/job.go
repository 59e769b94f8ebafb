package models

import "time"

// Org is the tenant boundary. Jobs, secrets, templates, policies, and
// audit rows are all scoped to an org.
type Org struct {
	ID        string    `db:"org_id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Job is a named, versioned pipeline owned by an org. (org_id, name) is
// unique; the job owns the monotonic build-number counter.
type Job struct {
	ID              string    `db:"job_id" json:"id"`
	OrgID           string    `db:"org_id" json:"org_id"`
	Name            string    `db:"name" json:"name"`
	Description     string    `db:"description" json:"description,omitempty"`
	Pipeline        *Pipeline `db:"-" json:"pipeline"`
	NextBuildNumber int       `db:"next_build_number" json:"next_build_number"`
	Paused          bool      `db:"paused" json:"paused"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Template is a reusable pipeline fragment referenced via `extends`.
type Template struct {
	ID        string    `db:"template_id" json:"id"`
	OrgID     string    `db:"org_id" json:"org_id"`
	Name      string    `db:"name" json:"name"`
	Pipeline  *Pipeline `db:"-" json:"pipeline"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CronSchedule triggers builds of a job on a cron expression.
type CronSchedule struct {
	ID         string     `db:"schedule_id" json:"id"`
	JobID      string     `db:"job_id" json:"job_id"`
	OrgID      string     `db:"org_id" json:"org_id"`
	Expression string     `db:"expression" json:"expression"`
	Enabled    bool       `db:"enabled" json:"enabled"`
	LastRunAt  *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// JobDependency triggers a downstream job when an upstream build succeeds.
type JobDependency struct {
	ID              string    `db:"dependency_id" json:"id"`
	UpstreamJobID   string    `db:"upstream_job_id" json:"upstream_job_id"`
	DownstreamJobID string    `db:"downstream_job_id" json:"downstream_job_id"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
