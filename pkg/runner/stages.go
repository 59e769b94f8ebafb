package runner

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/chengis/chengis/pkg/executor"
	"github.com/chengis/chengis/pkg/models"
)

// runStages drives the stage loop: conditions, approvals, execution,
// and cancellation checks at every stage boundary.
func (r *Runner) runStages(ctx context.Context, st *buildState) outcome {
	for i := range st.pipeline.Stages {
		stage := &st.pipeline.Stages[i]

		if out, stop := r.checkCancelled(ctx, st); stop {
			return out
		}

		if skip, err := evalCondition(stage.Condition, st.build); err != nil {
			return fail(fmt.Sprintf("stage %q condition: %v", stage.Name, err))
		} else if skip {
			r.recordStage(ctx, st, stage.Name, i, models.StepSkipped, nil, nil, "")
			r.recorder.Emit(ctx, st.build.ID, models.EventStageSkipped, stage.Name, "", nil)
			continue
		}

		if stage.Approval != nil {
			if out, stop := r.awaitApproval(ctx, st, stage); stop {
				return out
			}
		}

		started := time.Now().UTC()
		r.recorder.Emit(ctx, st.build.ID, models.EventStageStarted, stage.Name, "", nil)

		status := r.runStage(ctx, st, stage)

		completed := time.Now().UTC()
		msg := ""
		if status != models.StepSuccess {
			msg = fmt.Sprintf("stage %s", status)
		}
		r.recordStage(ctx, st, stage.Name, i, status, &started, &completed, msg)
		r.recorder.Emit(ctx, st.build.ID, models.EventStageCompleted, stage.Name, "",
			map[string]any{"status": status})

		if status != models.StepSuccess {
			return outcome{
				status:  stepStatusToBuild(status),
				from:    models.BuildRunning,
				message: fmt.Sprintf("stage %q %s", stage.Name, status),
			}
		}
	}
	return outcome{status: models.BuildSuccess, from: models.BuildRunning}
}

func (r *Runner) checkCancelled(ctx context.Context, st *buildState) (outcome, bool) {
	if err := ctx.Err(); err != nil {
		status := models.BuildAborted
		msg := "build aborted"
		if errors.Is(err, context.DeadlineExceeded) {
			status = models.BuildTimedOut
			msg = "build timeout exceeded"
		}
		return outcome{status: status, from: models.BuildRunning, message: msg}, true
	}
	cancelled, err := r.store.CancelRequested(ctx, st.build.ID)
	if err != nil {
		st.logger.Error("reading cancel flag failed", "error", err)
		return outcome{}, false
	}
	if cancelled {
		return outcome{status: models.BuildAborted, from: models.BuildRunning, message: "cancelled by user"}, true
	}
	return outcome{}, false
}

// awaitApproval opens the stage's gate and suspends the build until the
// gate resolves. Returns a terminal outcome when the gate does not
// approve.
func (r *Runner) awaitApproval(ctx context.Context, st *buildState, stage *models.StageDef) (outcome, bool) {
	if r.gates == nil {
		return fail(fmt.Sprintf("stage %q requires approval but approvals are not configured", stage.Name)), true
	}
	gate, err := r.gates.Open(ctx, st.build.ID, stage.Name, stage.Approval)
	if err != nil {
		return fail(fmt.Sprintf("opening approval gate: %v", err)), true
	}
	r.recorder.Emit(ctx, st.build.ID, models.EventApprovalPending, stage.Name, "", map[string]any{
		"gate_id":       gate.ID,
		"min_approvals": gate.MinApprovals,
	})

	if gate.Status == models.GatePending {
		if err := r.store.TransitionBuild(ctx, st.build.ID, models.BuildRunning, models.BuildWaitingApproval); err != nil {
			return fail(fmt.Sprintf("suspending for approval: %v", err)), true
		}
		gate, err = r.pollGate(ctx, st, stage.Name)
		if err != nil {
			// Resume so the finalize CAS matches, then classify.
			_ = r.store.TransitionBuild(ctx, st.build.ID, models.BuildWaitingApproval, models.BuildRunning)
			return outcome{status: models.BuildAborted, from: models.BuildRunning,
				message: fmt.Sprintf("approval wait: %v", err)}, true
		}
		if err := r.store.TransitionBuild(ctx, st.build.ID, models.BuildWaitingApproval, models.BuildRunning); err != nil {
			return fail(fmt.Sprintf("resuming after approval: %v", err)), true
		}
	}

	r.recorder.Emit(ctx, st.build.ID, models.EventApprovalDecided, stage.Name, "", map[string]any{
		"gate_id": gate.ID,
		"status":  gate.Status,
	})
	// A gate that does not approve fails the build; only an explicit
	// user cancel during the wait aborts it.
	switch gate.Status {
	case models.GateApproved:
		return outcome{}, false
	case models.GateTimedOut:
		return fail(fmt.Sprintf("approval for stage %q timed out", stage.Name)), true
	default:
		return fail(fmt.Sprintf("approval for stage %q rejected", stage.Name)), true
	}
}

// pollGate re-reads the gate until it resolves, sweeping timeouts as it
// goes. Cancellation aborts the wait.
func (r *Runner) pollGate(ctx context.Context, st *buildState, stageName string) (*models.ApprovalGate, error) {
	ticker := time.NewTicker(r.cfg.ApprovalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if cancelled, err := r.store.CancelRequested(ctx, st.build.ID); err == nil && cancelled {
			return nil, errors.New("cancelled by user")
		}
		if _, err := r.gates.SweepTimeouts(ctx, time.Now()); err != nil {
			st.logger.Error("sweeping gate timeouts failed", "error", err)
		}
		gate, err := r.store.GetGateForStage(ctx, st.build.ID, stageName)
		if err != nil {
			return nil, err
		}
		if gate.Status.Terminal() {
			return gate, nil
		}
	}
}

// runStage executes a stage's steps and returns the stage status by
// worst-of aggregation. Parallel stages run steps concurrently with a
// bounded pool and short-circuit on the first blocking failure.
func (r *Runner) runStage(ctx context.Context, st *buildState, stage *models.StageDef) models.StepStatus {
	if deadline, ok := stageDeadline(stage, r.cfg.StageSlack); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	if !stage.Parallel {
		status := models.StepSuccess
		for i, step := range stage.Steps {
			stepStatus := r.runStep(ctx, st, stage, step, i)
			status = models.WorstOf(status, stepStatus)
			if blocking(stepStatus, step) {
				break
			}
		}
		return status
	}

	// Parallel: bounded fan-out; a blocking failure cancels the rest.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, r.cfg.MaxParallelSteps)
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		status      = models.StepSuccess
		interrupted bool // a blocking step already short-circuited the stage
	)
	for i, step := range stage.Steps {
		wg.Add(1)
		go func(i int, step models.Step) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				r.recordSkipped(context.WithoutCancel(ctx), st, stage.Name, step, i)
				return
			}
			stepStatus := r.runStep(ctx, st, stage, step, i)
			mu.Lock()
			// Siblings aborted by this stage's own short-circuit never
			// outrank the step that triggered it; the triggering status
			// classifies the stage.
			if !interrupted || stepStatus != models.StepAborted {
				status = models.WorstOf(status, stepStatus)
			}
			if blocking(stepStatus, step) && !interrupted {
				interrupted = true
				cancel()
			}
			mu.Unlock()
		}(i, step)
	}
	wg.Wait()
	return status
}

// blocking reports whether a step's failure stops its stage.
func blocking(status models.StepStatus, step models.Step) bool {
	if status == models.StepSuccess || status == models.StepSkipped {
		return false
	}
	return !step.Common().ContinueOnError
}

// stageDeadline sums the step timeouts plus slack. Only meaningful when
// every step carries a timeout; otherwise the build ceiling governs.
func stageDeadline(stage *models.StageDef, slack time.Duration) (time.Duration, bool) {
	var sum time.Duration
	for _, step := range stage.Steps {
		t := step.Common().Timeout
		if t <= 0 {
			return 0, false
		}
		sum += t
	}
	return sum + slack, true
}

// runStep executes one step: condition, secret resolution, execution,
// result persistence, events.
func (r *Runner) runStep(ctx context.Context, st *buildState, stage *models.StageDef, step models.Step, index int) models.StepStatus {
	common := step.Common()

	if skip, err := evalCondition(common.Condition, st.build); err != nil {
		r.recordStep(ctx, st, stage.Name, step, index, &executor.Result{
			Status:  models.StepFailure,
			Message: fmt.Sprintf("condition: %v", err),
		}, nil, time.Now().UTC())
		return models.StepFailure
	} else if skip {
		r.recordSkipped(ctx, st, stage.Name, step, index)
		return models.StepSkipped
	}

	started := time.Now().UTC()
	r.recorder.Emit(ctx, st.build.ID, models.EventStepStarted, stage.Name, common.Name, nil)

	env, err := r.stepEnv(ctx, st, stage, step)
	if err != nil {
		res := &executor.Result{Status: models.StepFailure, Message: err.Error()}
		r.recordStep(ctx, st, stage.Name, step, index, res, nil, started)
		return models.StepFailure
	}

	collector := executor.NewCollector(st.masker, func(source string, chunk []byte) {
		r.recorder.Emit(ctx, st.build.ID, models.EventStepOutput, stage.Name, common.Name,
			map[string]any{"source": source, "chunk": string(chunk)})
	})

	container := stage.Container
	if container == nil {
		container = st.pipeline.Container
	}
	res, err := r.executors.Execute(ctx, &executor.Request{
		Step:      step,
		Workspace: st.workspace,
		Env:       env,
		Container: container,
		Output:    collector,
	})
	if err != nil {
		res = &executor.Result{Status: models.StepFailure, Message: err.Error()}
	}
	r.recordStep(ctx, st, stage.Name, step, index, res, collector, started)
	return res.Status
}

// stepEnv merges env layers (pipeline < stage container < step), then
// overlays the build's scoped secret base and finally the secrets the
// step declares. Resolved values are registered with the masker.
func (r *Runner) stepEnv(ctx context.Context, st *buildState, stage *models.StageDef, step models.Step) (map[string]string, error) {
	common := step.Common()
	var containerEnv map[string]string
	if stage.Container != nil {
		containerEnv = stage.Container.Env
	} else if st.pipeline.Container != nil {
		containerEnv = st.pipeline.Container.Env
	}
	env := executor.MergeEnv(st.pipeline.Env, containerEnv, common.Env, st.build.Parameters)
	for name, value := range st.secretEnv {
		env[name] = value
	}

	if len(common.Secrets) > 0 {
		if r.secrets == nil {
			return nil, fmt.Errorf("step requires secrets but no secret backend is configured")
		}
		resolved, err := r.secrets.ResolveForBuild(ctx, st.build.OrgID, st.build.JobID, st.build.ID, common.Secrets)
		if err != nil {
			return nil, fmt.Errorf("resolving secrets: %w", err)
		}
		st.masker.AddValues(resolved)
		for name, value := range resolved {
			env[name] = value
		}
	}
	return env, nil
}

func (r *Runner) recordStep(ctx context.Context, st *buildState, stageName string, step models.Step, index int, res *executor.Result, collector *executor.Collector, started time.Time) {
	completed := time.Now().UTC()
	common := step.Common()
	result := &models.StepResult{
		BuildID:     st.build.ID,
		StageName:   stageName,
		StepName:    common.Name,
		StepIndex:   index,
		Status:      res.Status,
		ExitCode:    res.ExitCode,
		DurationMS:  completed.Sub(started).Milliseconds(),
		StartedAt:   started,
		CompletedAt: completed,
	}
	if collector != nil {
		result.Stdout = collector.Stdout()
		result.Stderr = collector.Stderr()
	}
	if err := r.store.RecordStepResult(ctx, result); err != nil {
		st.logger.Error("recording step result failed", "step", common.Name, "error", err)
	}
	if res.Status != models.StepSuccess && res.Status != models.StepSkipped && st.failedStep == "" {
		st.failedStep = common.Name
		code := res.ExitCode
		st.exitCode = &code
	}
	if r.metrics != nil {
		r.metrics.StepDuration.Observe(completed.Sub(started).Seconds())
	}
	r.recorder.Emit(ctx, st.build.ID, models.EventStepCompleted, stageName, common.Name, map[string]any{
		"status":    res.Status,
		"exit_code": res.ExitCode,
		"message":   res.Message,
	})
}

func (r *Runner) recordSkipped(ctx context.Context, st *buildState, stageName string, step models.Step, index int) {
	now := time.Now().UTC()
	r.recordStep(ctx, st, stageName, step, index, &executor.Result{Status: models.StepSkipped}, nil, now)
}

func (r *Runner) recordStage(ctx context.Context, st *buildState, name string, index int, status models.StepStatus, started, completed *time.Time, msg string) {
	result := &models.StageResult{
		BuildID:     st.build.ID,
		StageName:   name,
		StageIndex:  index,
		Status:      status,
		StartedAt:   started,
		CompletedAt: completed,
	}
	if msg != "" {
		result.ErrorMessage = &msg
	}
	if err := r.store.UpsertStageResult(ctx, result); err != nil {
		st.logger.Error("recording stage result failed", "stage", name, "error", err)
	}
}

// runPostActions executes always plus the matching on_success/on_failure
// steps. Post failures are recorded and logged, never reclassified into
// the build status.
func (r *Runner) runPostActions(ctx context.Context, st *buildState, status models.BuildStatus) {
	post := st.pipeline.Post
	steps := append(models.Steps{}, post.Always...)
	if status == models.BuildSuccess {
		steps = append(steps, post.OnSuccess...)
	} else {
		steps = append(steps, post.OnFailure...)
	}
	if len(steps) == 0 {
		return
	}
	stage := &models.StageDef{Name: "post", Steps: steps}
	for i, step := range steps {
		// Deliberately ignore the status; keep failedStep untouched too.
		saved := st.failedStep
		if s := r.runStep(ctx, st, stage, step, i); s != models.StepSuccess && s != models.StepSkipped {
			st.logger.Warn("post action failed", "step", step.Common().Name, "status", s)
		}
		st.failedStep = saved
	}
}

// evalCondition decides whether a stage or step is skipped. Branch
// conditions glob-match the build branch; param conditions compare a
// build parameter. Negate inverts. Returns skip=true when the condition
// does not hold.
func evalCondition(cond *models.Condition, build *models.Build) (bool, error) {
	if cond == nil {
		return false, nil
	}
	var holds bool
	switch cond.Kind {
	case models.ConditionBranch:
		holds = matchBranch(cond.Branch, build.Branch)
	case models.ConditionParam:
		holds = build.Parameters[cond.Param] == cond.Equals
	default:
		return false, fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
	if cond.Negate {
		holds = !holds
	}
	return !holds, nil
}

func matchBranch(pattern, branch string) bool {
	if pattern == branch {
		return true
	}
	ok, err := path.Match(pattern, branch)
	return err == nil && ok
}
