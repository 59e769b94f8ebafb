// Package runner executes builds end to end: checkout, policy gate,
// stage and step execution, approvals, post actions, artifacts, and
// notifications. The same engine runs in-process on the master and
// inside remote agents.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chengis/chengis/pkg/artifacts"
	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/events"
	"github.com/chengis/chengis/pkg/executor"
	"github.com/chengis/chengis/pkg/masking"
	"github.com/chengis/chengis/pkg/metrics"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/notify"
	"github.com/chengis/chengis/pkg/pipeline"
	"github.com/chengis/chengis/pkg/policy"
	"github.com/chengis/chengis/pkg/store"
	"github.com/chengis/chengis/pkg/workspace"
)

// Store is the persistence surface the runner needs.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	TransitionBuild(ctx context.Context, buildID string, from, to models.BuildStatus) error
	FinalizeBuild(ctx context.Context, buildID string, from, to models.BuildStatus, outcome store.BuildOutcome) error
	CancelRequested(ctx context.Context, buildID string) (bool, error)
	UpsertStageResult(ctx context.Context, r *models.StageResult) error
	RecordStepResult(ctx context.Context, r *models.StepResult) error
	GetGateForStage(ctx context.Context, buildID, stageName string) (*models.ApprovalGate, error)
}

// TemplateSource looks up pipeline templates for extends resolution.
// Implemented by store.Store; lookups are scoped to the build's org.
type TemplateSource interface {
	GetTemplateByName(ctx context.Context, orgID, name string) (*models.Template, error)
}

// SecretResolver provides secret values to builds: the scoped base
// environment every step receives, plus resolution of the names a step
// declares explicitly.
type SecretResolver interface {
	EnvForBuild(ctx context.Context, orgID, jobID, buildID string) (map[string]string, error)
	ResolveForBuild(ctx context.Context, orgID, jobID, buildID string, names []string) (map[string]string, error)
}

// PolicyGate decides whether a build may run.
type PolicyGate interface {
	Evaluate(ctx context.Context, orgID string, in policy.Input) (policy.Decision, error)
}

// Downstream is notified after successful builds; the scheduler
// implements it to fire dependency builds.
type Downstream interface {
	TriggerDownstream(ctx context.Context, upstream *models.Build)
}

// Runner executes builds with bounded local concurrency.
type Runner struct {
	cfg        *config.RunnerConfig
	store      Store
	executors  *executor.Registry
	formats    *pipeline.Registry
	templates  TemplateSource
	workspaces *workspace.Manager
	artifacts  *artifacts.Manager
	secrets    SecretResolver
	policies   PolicyGate
	gates      *policy.Gatekeeper
	recorder   *events.Recorder
	notifier   *notify.Dispatcher
	downstream Downstream
	metrics    *metrics.Metrics
	logger     *slog.Logger

	slots chan struct{}
}

// Options bundles the runner's collaborators. Store, Executors,
// Workspaces, and Recorder are required; the rest may be nil and the
// corresponding feature is skipped.
type Options struct {
	Config     *config.RunnerConfig
	Store      Store
	Executors  *executor.Registry
	Formats    *pipeline.Registry
	Templates  TemplateSource
	Workspaces *workspace.Manager
	Artifacts  *artifacts.Manager
	Secrets    SecretResolver
	Policies   PolicyGate
	Gates      *policy.Gatekeeper
	Recorder   *events.Recorder
	Notifier   *notify.Dispatcher
	Downstream Downstream
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	// MaxConcurrent bounds builds running in this process.
	MaxConcurrent int
}

// New assembles a Runner.
func New(opts Options) *Runner {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultRunnerConfig()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	formats := opts.Formats
	if formats == nil {
		formats = pipeline.NewRegistry()
	}
	return &Runner{
		cfg:        cfg,
		store:      opts.Store,
		executors:  opts.Executors,
		formats:    formats,
		templates:  opts.Templates,
		workspaces: opts.Workspaces,
		artifacts:  opts.Artifacts,
		secrets:    opts.Secrets,
		policies:   opts.Policies,
		gates:      opts.Gates,
		recorder:   opts.Recorder,
		notifier:   opts.Notifier,
		downstream: opts.Downstream,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "runner"),
		slots:      make(chan struct{}, opts.MaxConcurrent),
	}
}

// Capacity reports free local build slots.
func (r *Runner) Capacity() int {
	return cap(r.slots) - len(r.slots)
}

// Run accepts a build and executes it on a new goroutine. It returns an
// error only when no slot is free.
func (r *Runner) Run(ctx context.Context, build *models.Build) error {
	select {
	case r.slots <- struct{}{}:
	default:
		return fmt.Errorf("no local capacity")
	}
	go func() {
		defer func() { <-r.slots }()
		r.Execute(context.WithoutCancel(ctx), build)
	}()
	return nil
}

// Execute runs one build to a terminal state. Safe to call directly
// (agents do); Run wraps it with slot accounting.
func (r *Runner) Execute(ctx context.Context, build *models.Build) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.BuildTimeout)
	defer cancel()

	logger := r.logger.With("build_id", build.ID, "build_number", build.BuildNumber)
	start := time.Now()

	if err := r.store.TransitionBuild(ctx, build.ID, models.BuildQueued, models.BuildRunning); err != nil {
		// Cancelled or claimed elsewhere while waiting to start.
		logger.Warn("build not started", "error", err)
		return
	}
	r.recorder.Emit(ctx, build.ID, models.EventBuildStarted, "", "", map[string]any{
		"build_number": build.BuildNumber,
		"trigger":      build.Trigger,
	})

	st := &buildState{
		build:  build,
		masker: masking.New(),
		logger: logger,
	}
	outcome := r.execute(ctx, st)
	r.finish(ctx, st, outcome, time.Since(start))
}

// buildState carries everything accumulated while a build runs.
type buildState struct {
	build     *models.Build
	job       *models.Job
	pipeline  *models.Pipeline
	workspace string
	masker    *masking.Masker
	// secretEnv is the global-then-job secret overlay injected into
	// every step's environment.
	secretEnv map[string]string
	logger    *slog.Logger
	// failedStep/exitCode capture the first failure for the outcome.
	failedStep string
	exitCode   *int
}

// outcome is the terminal classification the stage loop produces.
type outcome struct {
	status models.BuildStatus
	// from is the status the finalize CAS expects, normally running.
	from    models.BuildStatus
	message string
}

func fail(msg string) outcome {
	return outcome{status: models.BuildFailure, from: models.BuildRunning, message: msg}
}

func (r *Runner) execute(ctx context.Context, st *buildState) outcome {
	build := st.build

	job, err := r.store.GetJob(ctx, build.JobID)
	if err != nil {
		return fail(fmt.Sprintf("loading job: %v", err))
	}
	st.job = job
	st.pipeline = job.Pipeline

	// Checkout, and prefer the pipeline definition committed in-repo
	// over the stored one when present.
	if st.pipeline != nil && st.pipeline.Source != nil && r.workspaces != nil {
		dir, err := r.workspaces.Prepare(ctx, build, st.pipeline.Source)
		if err != nil {
			return fail(fmt.Sprintf("preparing workspace: %v", err))
		}
		st.workspace = dir
		if p, file, err := r.workspaces.DiscoverPipeline(dir, r.formats); err == nil {
			if p.Source == nil {
				p.Source = st.pipeline.Source
			}
			st.pipeline = p
			st.logger.Info("using in-repo pipeline", "file", file)
		} else if !errors.Is(err, workspace.ErrNoPipelineFile) {
			return fail(fmt.Sprintf("pipeline file: %v", err))
		}
	}
	if st.pipeline == nil {
		return fail("job has no pipeline")
	}

	if st.pipeline.Extends != "" {
		if r.templates == nil {
			return fail(fmt.Sprintf("pipeline extends %q but no templates are available", st.pipeline.Extends))
		}
		lookup := func(ctx context.Context, name string) (*models.Pipeline, error) {
			tpl, err := r.templates.GetTemplateByName(ctx, build.OrgID, name)
			if err != nil {
				return nil, err
			}
			return tpl.Pipeline, nil
		}
		resolved, err := pipeline.Resolve(ctx, st.pipeline, lookup)
		if err != nil {
			return fail(fmt.Sprintf("resolving template: %v", err))
		}
		if err := pipeline.Validate(resolved); err != nil {
			return fail(fmt.Sprintf("resolved pipeline invalid: %v", err))
		}
		st.pipeline = resolved
	}

	if r.policies != nil {
		decision, err := r.policies.Evaluate(ctx, build.OrgID, policy.Input{
			Build:    build,
			Pipeline: st.pipeline,
		})
		if err != nil {
			return fail(fmt.Sprintf("policy evaluation: %v", err))
		}
		if !decision.Allowed {
			return fail("blocked by policy: " + decision.Reason)
		}
	}

	if r.secrets != nil {
		base, err := r.secrets.EnvForBuild(ctx, build.OrgID, build.JobID, build.ID)
		if err != nil {
			return fail(fmt.Sprintf("loading build secrets: %v", err))
		}
		st.masker.AddValues(base)
		st.secretEnv = base
	}

	return r.runStages(ctx, st)
}

// finish finalizes status, runs post actions, saves artifacts, fires
// notifications, and cleans the workspace.
func (r *Runner) finish(ctx context.Context, st *buildState, out outcome, elapsed time.Duration) {
	build := st.build
	// Post actions and cleanup still run after a timeout or abort, on a
	// fresh context.
	ctx = context.WithoutCancel(ctx)

	if st.pipeline != nil && st.pipeline.Post != nil {
		r.runPostActions(ctx, st, out.status)
	}
	if r.artifacts != nil && st.workspace != "" && st.pipeline != nil && len(st.pipeline.Artifacts) > 0 {
		if _, err := r.artifacts.Save(ctx, build, st.workspace, st.pipeline.Artifacts); err != nil {
			st.logger.Error("saving artifacts failed", "error", err)
		}
	}

	err := r.store.FinalizeBuild(ctx, build.ID, out.from, out.status, store.BuildOutcome{
		FailedStep:   st.failedStep,
		ExitCode:     st.exitCode,
		ErrorMessage: out.message,
	})
	if err != nil {
		st.logger.Error("finalizing build failed", "status", out.status, "error", err)
	}
	build.Status = out.status
	r.recorder.Emit(ctx, build.ID, models.EventBuildCompleted, "", "", map[string]any{
		"status":      out.status,
		"duration_ms": elapsed.Milliseconds(),
		"message":     out.message,
	})
	if r.metrics != nil {
		r.metrics.BuildsCompleted.WithLabelValues(string(out.status)).Inc()
	}
	st.logger.Info("build finished", "status", out.status, "duration", elapsed.Round(time.Millisecond))

	if st.pipeline != nil && len(st.pipeline.Notify) > 0 && r.notifier != nil {
		jobName := ""
		if st.job != nil {
			jobName = st.job.Name
		}
		r.notifier.Dispatch(ctx, &notify.BuildResult{
			Build:      build,
			JobName:    jobName,
			OrgID:      build.OrgID,
			Duration:   elapsed,
			FailedStep: st.failedStep,
		}, st.pipeline.Notify)
	}
	if out.status == models.BuildSuccess && r.downstream != nil {
		r.downstream.TriggerDownstream(ctx, build)
	}
	if r.workspaces != nil && st.workspace != "" {
		failed := out.status != models.BuildSuccess
		if err := r.workspaces.Cleanup(build, failed); err != nil {
			st.logger.Error("workspace cleanup failed", "error", err)
		}
	}
}

// stepStatusToBuild maps the worst step status of the stage phase to the
// build's terminal status.
func stepStatusToBuild(s models.StepStatus) models.BuildStatus {
	switch s {
	case models.StepAborted:
		return models.BuildAborted
	case models.StepTimedOut:
		return models.BuildTimedOut
	case models.StepFailure:
		return models.BuildFailure
	default:
		return models.BuildSuccess
	}
}
