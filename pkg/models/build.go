package models

import "time"

// BuildStatus is the build lifecycle state. Terminal states are absorbing.
type BuildStatus string

const (
	BuildQueued          BuildStatus = "queued"
	BuildWaitingApproval BuildStatus = "waiting_approval"
	BuildRunning         BuildStatus = "running"
	BuildSuccess         BuildStatus = "success"
	BuildFailure         BuildStatus = "failure"
	BuildAborted         BuildStatus = "aborted"
	BuildTimedOut        BuildStatus = "timed_out"
)

// Terminal reports whether the status is absorbing.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildSuccess, BuildFailure, BuildAborted, BuildTimedOut:
		return true
	}
	return false
}

// StepStatus is the terminal status of a step, stage, or post-action.
type StepStatus string

const (
	StepSuccess  StepStatus = "success"
	StepFailure  StepStatus = "failure"
	StepAborted  StepStatus = "aborted"
	StepTimedOut StepStatus = "timed_out"
	StepSkipped  StepStatus = "skipped"
)

// severity orders step statuses for worst-of aggregation:
// success < failure < aborted < timed_out. Skipped never dominates.
func (s StepStatus) severity() int {
	switch s {
	case StepFailure:
		return 1
	case StepAborted:
		return 2
	case StepTimedOut:
		return 3
	default:
		return 0
	}
}

// WorstOf returns the more severe of two step statuses.
func WorstOf(a, b StepStatus) StepStatus {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// TriggerKind identifies what created a build.
type TriggerKind string

const (
	TriggerManual     TriggerKind = "manual"
	TriggerWebhook    TriggerKind = "webhook"
	TriggerScheduled  TriggerKind = "scheduled"
	TriggerDependency TriggerKind = "dependency"
	TriggerRetry      TriggerKind = "retry"
)

// Trigger describes why a build was created.
type Trigger struct {
	Kind          TriggerKind       `json:"kind"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	CommitSHA     string            `json:"commit_sha,omitempty"`
	User          string            `json:"user,omitempty"`
	ParentBuildID string            `json:"parent_build_id,omitempty"`
}

// Build is one execution attempt of a job's pipeline.
type Build struct {
	ID            string            `db:"build_id" json:"id"`
	JobID         string            `db:"job_id" json:"job_id"`
	OrgID         string            `db:"org_id" json:"org_id"`
	BuildNumber   int               `db:"build_number" json:"build_number"`
	Trigger       TriggerKind       `db:"trigger_kind" json:"trigger"`
	Branch        string            `db:"branch" json:"branch,omitempty"`
	CommitSHA     string            `db:"commit_sha" json:"commit_sha,omitempty"`
	Parameters    map[string]string `db:"-" json:"parameters,omitempty"`
	Status        BuildStatus       `db:"status" json:"status"`
	Priority      int               `db:"priority" json:"priority"`
	AgentID       *string           `db:"agent_id" json:"agent_id,omitempty"`
	ParentBuildID *string           `db:"parent_build_id" json:"parent_build_id,omitempty"`
	RootBuildID   string            `db:"root_build_id" json:"root_build_id"`
	AttemptNumber int               `db:"attempt_number" json:"attempt_number"`
	// CancelRequested is the abort intent; the runner observes it at stage
	// boundaries and after each output flush.
	CancelRequested bool `db:"cancel_requested" json:"cancel_requested,omitempty"`
	FailedStep    *string           `db:"failed_step" json:"failed_step,omitempty"`
	ExitCode      *int              `db:"exit_code" json:"exit_code,omitempty"`
	ErrorMessage  *string           `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	StartedAt     *time.Time        `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
}

// StageResult is the persisted outcome of one stage.
type StageResult struct {
	ID           string     `db:"stage_id" json:"id"`
	BuildID      string     `db:"build_id" json:"build_id"`
	StageName    string     `db:"stage_name" json:"stage_name"`
	StageIndex   int        `db:"stage_index" json:"stage_index"`
	Status       StepStatus `db:"status" json:"status"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
}

// StepResult is the persisted outcome of one step.
type StepResult struct {
	ID          string     `db:"step_id" json:"id"`
	BuildID     string     `db:"build_id" json:"build_id"`
	StageName   string     `db:"stage_name" json:"stage_name"`
	StepName    string     `db:"step_name" json:"step_name"`
	StepIndex   int        `db:"step_index" json:"step_index"`
	Status      StepStatus `db:"status" json:"status"`
	ExitCode    int        `db:"exit_code" json:"exit_code"`
	Stdout      string     `db:"stdout" json:"stdout,omitempty"`
	Stderr      string     `db:"stderr" json:"stderr,omitempty"`
	DurationMS  int64      `db:"duration_ms" json:"duration_ms"`
	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt time.Time  `db:"completed_at" json:"completed_at"`
}

// EventType enumerates build lifecycle events.
type EventType string

const (
	EventBuildStarted    EventType = "build-started"
	EventBuildCompleted  EventType = "build-completed"
	EventStageStarted    EventType = "stage-started"
	EventStageCompleted  EventType = "stage-completed"
	EventStageSkipped    EventType = "stage-skipped"
	EventStepStarted     EventType = "step-started"
	EventStepOutput      EventType = "step-output"
	EventStepCompleted   EventType = "step-completed"
	EventApprovalPending EventType = "approval-pending"
	EventApprovalDecided EventType = "approval-decided"
	EventOrphanRecovered EventType = "orphan-recovered"
)

// BuildEvent is one row of the durable per-build event log. Events are
// append-only and strictly ordered by the time-ordered ID within a build.
type BuildEvent struct {
	ID        string         `db:"event_id" json:"id"`
	BuildID   string         `db:"build_id" json:"build_id"`
	Type      EventType      `db:"event_type" json:"type"`
	StageName string         `db:"stage_name" json:"stage_name,omitempty"`
	StepName  string         `db:"step_name" json:"step_name,omitempty"`
	Data      map[string]any `db:"-" json:"data,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// Artifact is a file produced by a build and kept in artifact storage.
type Artifact struct {
	ID          string    `db:"artifact_id" json:"id"`
	BuildID     string    `db:"build_id" json:"build_id"`
	Filename    string    `db:"filename" json:"filename"`
	Path        string    `db:"path" json:"path"`
	Size        int64     `db:"size_bytes" json:"size"`
	ContentType string    `db:"content_type" json:"content_type,omitempty"`
	SHA256      string    `db:"sha256" json:"sha256"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
