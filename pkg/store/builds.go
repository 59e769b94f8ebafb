package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
)

// NewBuild is the input for CreateBuild. BuildNumber is assigned by the
// store; callers never pick one.
type NewBuild struct {
	JobID         string
	OrgID         string
	Trigger       models.Trigger
	Priority      int
	ParentBuildID string // set for retries
	AttemptNumber int    // 0 means first attempt
}

// CreateBuild allocates the next build number for the job and inserts the
// build atomically. Numbers are gapless and strictly increasing per job:
// the transaction takes a job-scoped advisory lock, reads MAX+1, and the
// UNIQUE (job_id, build_number) constraint backstops any races.
func (s *Store) CreateBuild(ctx context.Context, in NewBuild) (*models.Build, error) {
	if in.JobID == "" {
		return nil, NewValidationError("job_id", "required")
	}
	if in.Trigger.Kind == "" {
		return nil, NewValidationError("trigger", "required")
	}

	params, err := json.Marshal(paramsOrEmpty(in.Trigger.Parameters))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameters: %w", err)
	}

	build := &models.Build{
		ID:            ids.New(),
		JobID:         in.JobID,
		OrgID:         in.OrgID,
		Trigger:       in.Trigger.Kind,
		Branch:        in.Trigger.Branch,
		CommitSHA:     in.Trigger.CommitSHA,
		Parameters:    in.Trigger.Parameters,
		Status:        models.BuildQueued,
		Priority:      in.Priority,
		AttemptNumber: max(in.AttemptNumber, 1),
		CreatedAt:     time.Now().UTC(),
	}
	build.RootBuildID = build.ID
	if in.ParentBuildID != "" {
		build.ParentBuildID = &in.ParentBuildID
	}

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.JobID); err != nil {
			return fmt.Errorf("failed to lock job counter: %w", err)
		}

		var next int
		if err := tx.GetContext(ctx, &next,
			`SELECT COALESCE(MAX(build_number), 0) + 1 FROM builds WHERE job_id = $1`,
			in.JobID); err != nil {
			return err
		}
		build.BuildNumber = next

		// Retries inherit the lineage root from the parent.
		if in.ParentBuildID != "" {
			var root string
			err := tx.GetContext(ctx, &root,
				`SELECT root_build_id FROM builds WHERE build_id = $1`, in.ParentBuildID)
			if err != nil {
				return fmt.Errorf("parent build: %w", mapRowError(err))
			}
			build.RootBuildID = root
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO builds (build_id, job_id, org_id, build_number, trigger_kind,
			     branch, commit_sha, parameters, status, priority,
			     parent_build_id, root_build_id, attempt_number, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			build.ID, build.JobID, build.OrgID, build.BuildNumber, build.Trigger,
			build.Branch, build.CommitSHA, params, build.Status, build.Priority,
			build.ParentBuildID, build.RootBuildID, build.AttemptNumber, build.CreatedAt)
		if err != nil {
			return mapRowError(err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET next_build_number = $1 + 1, updated_at = now() WHERE job_id = $2`,
			next, in.JobID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return build, nil
}

func paramsOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

const buildColumns = `build_id, job_id, org_id, build_number, trigger_kind,
	branch, commit_sha, parameters, status, priority, agent_id,
	parent_build_id, root_build_id, attempt_number, cancel_requested,
	failed_step, exit_code, error_message, created_at, started_at, completed_at`

type buildRow struct {
	models.Build
	RawParameters []byte `db:"parameters"`
}

func (r *buildRow) toModel() *models.Build {
	b := r.Build
	if len(r.RawParameters) > 0 {
		_ = json.Unmarshal(r.RawParameters, &b.Parameters)
	}
	return &b
}

// GetBuild fetches a build by id.
func (s *Store) GetBuild(ctx context.Context, buildID string) (*models.Build, error) {
	var row buildRow
	err := s.reader().GetContext(ctx, &row,
		`SELECT `+buildColumns+` FROM builds WHERE build_id = $1`, buildID)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// GetBuildByNumber fetches a build by its per-job number.
func (s *Store) GetBuildByNumber(ctx context.Context, jobID string, number int) (*models.Build, error) {
	var row buildRow
	err := s.reader().GetContext(ctx, &row,
		`SELECT `+buildColumns+` FROM builds WHERE job_id = $1 AND build_number = $2`,
		jobID, number)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// ListBuilds pages over a job's builds, newest first, using keyset
// pagination on (created_at, build_id).
func (s *Store) ListBuilds(ctx context.Context, jobID string, limit int, cursor string) (Page[*models.Build], error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + buildColumns + ` FROM builds WHERE job_id = $1`
	args := []any{jobID}
	if cursor != "" {
		c, err := DecodeCursor(cursor)
		if err != nil {
			return Page[*models.Build]{}, err
		}
		query += ` AND (created_at, build_id) < ($2, $3)`
		args = append(args, c.Timestamp, c.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, build_id DESC LIMIT %d`, limit+1)

	var rows []buildRow
	if err := s.reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return Page[*models.Build]{}, err
	}
	builds := make([]*models.Build, len(rows))
	for i := range rows {
		builds[i] = rows[i].toModel()
	}
	return page(builds, limit, func(b *models.Build) (time.Time, string) {
		return b.CreatedAt, b.ID
	}), nil
}

// ListQueuedBuilds returns up to limit dispatchable builds in priority
// order (higher first), then FIFO by creation time. Builds of paused jobs
// are not eligible.
func (s *Store) ListQueuedBuilds(ctx context.Context, limit int) ([]*models.Build, error) {
	var rows []buildRow
	err := s.reader().SelectContext(ctx, &rows,
		`SELECT `+prefixed("b", buildColumns)+`
		 FROM builds b
		 JOIN jobs j ON j.job_id = b.job_id
		 WHERE b.status = 'queued' AND NOT j.paused
		 ORDER BY b.priority DESC, b.created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	builds := make([]*models.Build, len(rows))
	for i := range rows {
		builds[i] = rows[i].toModel()
	}
	return builds, nil
}

// AssignBuild claims a queued, unassigned build for an agent. Returns
// ErrStaleTransition when another dispatcher won the race or the build
// already left the queue.
func (s *Store) AssignBuild(ctx context.Context, buildID, agentID string) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE builds SET agent_id = $1
		 WHERE build_id = $2 AND status = 'queued' AND agent_id IS NULL`,
		agentID, buildID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// UnassignBuild reverts a claim that never reached the agent, putting
// the build back up for dispatch.
func (s *Store) UnassignBuild(ctx context.Context, buildID, agentID string) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE builds SET agent_id = NULL
		 WHERE build_id = $1 AND status = 'queued' AND agent_id = $2`,
		buildID, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// TransitionBuild performs a compare-and-set status transition. The update
// applies only when the current status matches from; otherwise
// ErrStaleTransition is returned and the caller re-reads. started_at and
// completed_at are stamped on entry to running and terminal states.
func (s *Store) TransitionBuild(ctx context.Context, buildID string, from, to models.BuildStatus) error {
	return s.finalize(ctx, buildID, from, to, nil)
}

// BuildOutcome carries the failure detail recorded with a terminal
// transition.
type BuildOutcome struct {
	FailedStep   string
	ExitCode     *int
	ErrorMessage string
}

// FinalizeBuild is TransitionBuild plus the terminal outcome fields.
func (s *Store) FinalizeBuild(ctx context.Context, buildID string, from, to models.BuildStatus, outcome BuildOutcome) error {
	return s.finalize(ctx, buildID, from, to, &outcome)
}

func (s *Store) finalize(ctx context.Context, buildID string, from, to models.BuildStatus, outcome *BuildOutcome) error {
	set := `status = $1`
	args := []any{to, buildID, from}
	if to == models.BuildRunning {
		set += `, started_at = COALESCE(started_at, now())`
	}
	if to.Terminal() {
		set += `, completed_at = now()`
	}
	if outcome != nil {
		set += fmt.Sprintf(`, failed_step = NULLIF($%d, ''), exit_code = $%d, error_message = NULLIF($%d, '')`,
			len(args)+1, len(args)+2, len(args)+3)
		args = append(args, outcome.FailedStep, outcome.ExitCode, outcome.ErrorMessage)
	}

	res, err := s.writer().ExecContext(ctx,
		`UPDATE builds SET `+set+` WHERE build_id = $2 AND status = $3`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish a missing build from a lost race.
		var exists bool
		if err := s.reader().GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM builds WHERE build_id = $1)`, buildID); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleTransition
	}
	return nil
}

// RequestCancel records abort intent. The runner observes the flag at
// stage boundaries and output flushes; queued builds are aborted directly
// by the caller via TransitionBuild.
func (s *Store) RequestCancel(ctx context.Context, buildID string) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE builds SET cancel_requested = TRUE WHERE build_id = $1`, buildID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelRequested reads the abort flag.
func (s *Store) CancelRequested(ctx context.Context, buildID string) (bool, error) {
	var requested bool
	err := s.reader().GetContext(ctx, &requested,
		`SELECT cancel_requested FROM builds WHERE build_id = $1`, buildID)
	if err != nil {
		return false, mapRowError(err)
	}
	return requested, nil
}

// ListOrphanedBuilds returns running builds whose agent has not sent a
// heartbeat since the cutoff, or whose agent row is gone entirely.
func (s *Store) ListOrphanedBuilds(ctx context.Context, cutoff time.Time) ([]*models.Build, error) {
	var rows []buildRow
	err := s.reader().SelectContext(ctx, &rows,
		`SELECT `+prefixed("b", buildColumns)+`
		 FROM builds b
		 LEFT JOIN agents a ON a.agent_id = b.agent_id
		 WHERE b.status = 'running'
		   AND b.agent_id IS NOT NULL
		   AND (a.agent_id IS NULL OR a.last_heartbeat < $1)`, cutoff)
	if err != nil {
		return nil, err
	}
	builds := make([]*models.Build, len(rows))
	for i := range rows {
		builds[i] = rows[i].toModel()
	}
	return builds, nil
}

// RequeueBuild returns an orphaned running build to the queue, clearing
// its agent assignment. CAS on (status=running, agent_id) so a late
// completion from the presumed-dead agent cannot be clobbered.
func (s *Store) RequeueBuild(ctx context.Context, buildID, fromAgentID string) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE builds SET status = 'queued', agent_id = NULL, started_at = NULL
		 WHERE build_id = $1 AND status = 'running' AND agent_id = $2`,
		buildID, fromAgentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// CountBuildsByStatus returns build counts grouped by status.
func (s *Store) CountBuildsByStatus(ctx context.Context) (map[models.BuildStatus]int, error) {
	rows := []struct {
		Status models.BuildStatus `db:"status"`
		Count  int                `db:"count"`
	}{}
	err := s.reader().SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM builds GROUP BY status`)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.BuildStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// OldestQueuedBuildAge returns how long the oldest queued build has been
// waiting, zero when the queue is empty.
func (s *Store) OldestQueuedBuildAge(ctx context.Context) (time.Duration, error) {
	var seconds sql.NullFloat64
	err := s.reader().GetContext(ctx, &seconds,
		`SELECT EXTRACT(EPOCH FROM now() - MIN(created_at)) FROM builds WHERE status = 'queued'`)
	if err != nil {
		return 0, err
	}
	if !seconds.Valid {
		return 0, nil
	}
	return time.Duration(seconds.Float64 * float64(time.Second)), nil
}

// UpsertStageResult records a stage outcome, replacing any earlier row for
// the same (build, stage_index) so a stage can move started -> completed.
func (s *Store) UpsertStageResult(ctx context.Context, r *models.StageResult) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO build_stages (stage_id, build_id, stage_name, stage_index,
		     status, started_at, completed_at, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (build_id, stage_index) DO UPDATE SET
		     status = EXCLUDED.status,
		     started_at = COALESCE(build_stages.started_at, EXCLUDED.started_at),
		     completed_at = EXCLUDED.completed_at,
		     error_message = EXCLUDED.error_message`,
		r.ID, r.BuildID, r.StageName, r.StageIndex,
		r.Status, r.StartedAt, r.CompletedAt, r.ErrorMessage)
	return err
}

// ListStageResults returns a build's stage rows in pipeline order.
func (s *Store) ListStageResults(ctx context.Context, buildID string) ([]*models.StageResult, error) {
	var results []*models.StageResult
	err := s.reader().SelectContext(ctx, &results,
		`SELECT stage_id, build_id, stage_name, stage_index, status,
		     started_at, completed_at, error_message
		 FROM build_stages WHERE build_id = $1 ORDER BY stage_index`, buildID)
	return results, err
}

// maxInlineOutput bounds the stdout/stderr stored on the step row itself;
// anything beyond rotates into log_chunks.
const maxInlineOutput = 64 * 1024

// logChunkSize is the rotation unit for overflow output.
const logChunkSize = 64 * 1024

// RecordStepResult persists a step outcome. Output beyond maxInlineOutput
// is split into log_chunks rows so no single row grows unbounded.
func (s *Store) RecordStepResult(ctx context.Context, r *models.StepResult) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	inlineOut, chunksOut := splitOutput(r.Stdout)
	inlineErr, chunksErr := splitOutput(r.Stderr)

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO build_steps (step_id, build_id, stage_name, step_name,
			     step_index, status, exit_code, stdout, stderr, duration_ms,
			     started_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			r.ID, r.BuildID, r.StageName, r.StepName,
			r.StepIndex, r.Status, r.ExitCode, inlineOut, inlineErr, r.DurationMS,
			r.StartedAt, r.CompletedAt)
		if err != nil {
			return mapRowError(err)
		}
		if err := insertChunks(ctx, tx, r.ID, "stdout", chunksOut); err != nil {
			return err
		}
		return insertChunks(ctx, tx, r.ID, "stderr", chunksErr)
	})
}

func splitOutput(out string) (inline string, chunks []string) {
	if len(out) <= maxInlineOutput {
		return out, nil
	}
	inline = out[:maxInlineOutput]
	rest := out[maxInlineOutput:]
	for len(rest) > 0 {
		n := min(len(rest), logChunkSize)
		chunks = append(chunks, rest[:n])
		rest = rest[n:]
	}
	return inline, chunks
}

func insertChunks(ctx context.Context, tx *sqlx.Tx, stepID, source string, chunks []string) error {
	for i, content := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO log_chunks (chunk_id, step_id, source, chunk_index, content)
			 VALUES ($1, $2, $3, $4, $5)`,
			ids.New(), stepID, source, i, content)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListStepResults returns a build's step rows in execution order.
func (s *Store) ListStepResults(ctx context.Context, buildID string) ([]*models.StepResult, error) {
	var results []*models.StepResult
	err := s.reader().SelectContext(ctx, &results,
		`SELECT step_id, build_id, stage_name, step_name, step_index, status,
		     exit_code, stdout, stderr, duration_ms, started_at, completed_at
		 FROM build_steps WHERE build_id = $1 ORDER BY started_at, step_index`, buildID)
	return results, err
}

// StepOutput reassembles a step's full output for one source, inline row
// prefix plus any overflow chunks in index order.
func (s *Store) StepOutput(ctx context.Context, stepID, source string) (string, error) {
	var inline string
	col := "stdout"
	if source == "stderr" {
		col = "stderr"
	}
	err := s.reader().GetContext(ctx, &inline,
		`SELECT `+col+` FROM build_steps WHERE step_id = $1`, stepID)
	if err != nil {
		return "", mapRowError(err)
	}
	var chunks []string
	err = s.reader().SelectContext(ctx, &chunks,
		`SELECT content FROM log_chunks
		 WHERE step_id = $1 AND source = $2 ORDER BY chunk_index`, stepID, source)
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}
	out := inline
	for _, c := range chunks {
		out += c
	}
	return out, nil
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	out := ""
	for i, col := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + col
	}
	return out
}

func splitColumns(columns string) []string {
	var cols []string
	field := ""
	for _, r := range columns {
		switch r {
		case ',':
			cols = append(cols, field)
			field = ""
		case ' ', '\n', '\t':
		default:
			field += string(r)
		}
	}
	if field != "" {
		cols = append(cols, field)
	}
	return cols
}
