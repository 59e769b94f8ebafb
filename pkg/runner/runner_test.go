package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/events"
	"github.com/chengis/chengis/pkg/executor"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/policy"
	"github.com/chengis/chengis/pkg/store"
)

// fakeRunnerStore backs both the runner and the event recorder.
type fakeRunnerStore struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	builds    map[string]*models.Build
	cancelled map[string]bool
	stages    []*models.StageResult
	steps     []*models.StepResult
	events    []*models.BuildEvent
	gates     map[string]*models.ApprovalGate
	outcome   *store.BuildOutcome
}

func newFakeRunnerStore() *fakeRunnerStore {
	return &fakeRunnerStore{
		jobs:      map[string]*models.Job{},
		builds:    map[string]*models.Build{},
		cancelled: map[string]bool{},
		gates:     map[string]*models.ApprovalGate{},
	}
}

func (f *fakeRunnerStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeRunnerStore) TransitionBuild(_ context.Context, buildID string, from, to models.BuildStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[buildID]
	if !ok || b.Status != from {
		return store.ErrStaleTransition
	}
	b.Status = to
	return nil
}

func (f *fakeRunnerStore) FinalizeBuild(_ context.Context, buildID string, from, to models.BuildStatus, out store.BuildOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[buildID]
	if !ok || b.Status != from {
		return store.ErrStaleTransition
	}
	b.Status = to
	f.outcome = &out
	return nil
}

func (f *fakeRunnerStore) CancelRequested(_ context.Context, buildID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[buildID], nil
}

func (f *fakeRunnerStore) UpsertStageResult(_ context.Context, r *models.StageResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, r)
	return nil
}

func (f *fakeRunnerStore) RecordStepResult(_ context.Context, r *models.StepResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, r)
	return nil
}

func (f *fakeRunnerStore) GetGateForStage(_ context.Context, buildID, stageName string) (*models.ApprovalGate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[buildID+"/"+stageName]
	if !ok {
		return nil, store.ErrNotFound
	}
	return g, nil
}

func (f *fakeRunnerStore) AppendEvent(_ context.Context, ev *models.BuildEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRunnerStore) ListEvents(context.Context, string, string, int) ([]*models.BuildEvent, error) {
	return nil, nil
}

func (f *fakeRunnerStore) eventTypes() []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EventType, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

func (f *fakeRunnerStore) stepByName(name string) *models.StepResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.steps {
		if s.StepName == name {
			return s
		}
	}
	return nil
}

func shellStep(name, command string) models.Step {
	return &models.ShellStep{StepCommon: models.StepCommon{Name: name, Command: command}}
}

func testRunner(t *testing.T, fs *fakeRunnerStore) *Runner {
	t.Helper()
	return New(Options{
		Store:     fs,
		Executors: executor.NewRegistry(),
		Recorder:  events.NewRecorder(fs, events.NewBus(64)),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func seedBuild(fs *fakeRunnerStore, pipeline *models.Pipeline) *models.Build {
	fs.jobs["j-1"] = &models.Job{ID: "j-1", Name: "demo", Pipeline: pipeline}
	b := &models.Build{
		ID:          "b-1",
		JobID:       "j-1",
		OrgID:       "org-1",
		BuildNumber: 7,
		Branch:      "main",
		Status:      models.BuildQueued,
	}
	fs.builds[b.ID] = b
	return b
}

func TestExecuteSuccess(t *testing.T) {
	fs := newFakeRunnerStore()
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{Name: "build", Steps: models.Steps{
			shellStep("greet", "echo hello"),
		}}},
	})
	r := testRunner(t, fs)

	r.Execute(context.Background(), build)

	assert.Equal(t, models.BuildSuccess, fs.builds["b-1"].Status)
	step := fs.stepByName("greet")
	require.NotNil(t, step)
	assert.Equal(t, models.StepSuccess, step.Status)
	assert.Equal(t, "hello\n", step.Stdout)
	require.NotNil(t, fs.outcome)
	assert.Empty(t, fs.outcome.FailedStep)
	assert.Contains(t, fs.eventTypes(), models.EventBuildStarted)
	assert.Contains(t, fs.eventTypes(), models.EventBuildCompleted)
}

func TestExecuteStepFailure(t *testing.T) {
	fs := newFakeRunnerStore()
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{Name: "build", Steps: models.Steps{
			shellStep("boom", "exit 3"),
			shellStep("never", "echo unreachable"),
		}}},
	})
	r := testRunner(t, fs)

	r.Execute(context.Background(), build)

	assert.Equal(t, models.BuildFailure, fs.builds["b-1"].Status)
	require.NotNil(t, fs.outcome)
	assert.Equal(t, "boom", fs.outcome.FailedStep)
	require.NotNil(t, fs.outcome.ExitCode)
	assert.Equal(t, 3, *fs.outcome.ExitCode)
	assert.Nil(t, fs.stepByName("never"), "failing step must short-circuit the stage")
}

func TestContinueOnErrorKeepsGoing(t *testing.T) {
	fs := newFakeRunnerStore()
	tolerated := &models.ShellStep{StepCommon: models.StepCommon{
		Name: "flaky", Command: "exit 1", ContinueOnError: true,
	}}
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{Name: "build", Steps: models.Steps{
			tolerated,
			shellStep("after", "echo still here"),
		}}},
	})
	r := testRunner(t, fs)

	r.Execute(context.Background(), build)

	// Worst-of still classifies the build as failed.
	assert.Equal(t, models.BuildFailure, fs.builds["b-1"].Status)
	after := fs.stepByName("after")
	require.NotNil(t, after)
	assert.Equal(t, models.StepSuccess, after.Status)
}

func TestStageConditionSkips(t *testing.T) {
	fs := newFakeRunnerStore()
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{
			{
				Name:      "deploy",
				Condition: &models.Condition{Kind: models.ConditionBranch, Branch: "release/*"},
				Steps:     models.Steps{shellStep("ship", "echo shipping")},
			},
			{Name: "always", Steps: models.Steps{shellStep("ok", "true")}},
		},
	})
	r := testRunner(t, fs)

	r.Execute(context.Background(), build)

	assert.Equal(t, models.BuildSuccess, fs.builds["b-1"].Status)
	assert.Nil(t, fs.stepByName("ship"))
	require.NotEmpty(t, fs.stages)
	assert.Equal(t, models.StepSkipped, fs.stages[0].Status)
	assert.Contains(t, fs.eventTypes(), models.EventStageSkipped)
}

func TestStepConditionParamMatch(t *testing.T) {
	fs := newFakeRunnerStore()
	gated := &models.ShellStep{StepCommon: models.StepCommon{
		Name:    "canary",
		Command: "echo canary",
		Condition: &models.Condition{
			Kind: models.ConditionParam, Param: "deploy_mode", Equals: "canary",
		},
	}}
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{Name: "deploy", Steps: models.Steps{gated}}},
	})
	build.Parameters = map[string]string{"deploy_mode": "full"}
	r := testRunner(t, fs)

	r.Execute(context.Background(), build)

	assert.Equal(t, models.BuildSuccess, fs.builds["b-1"].Status)
	step := fs.stepByName("canary")
	require.NotNil(t, step)
	assert.Equal(t, models.StepSkipped, step.Status)
}

func TestCancelBeforeFirstStage(t *testing.T) {
	fs := newFakeRunnerStore()
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{Name: "build", Steps: models.Steps{
			shellStep("work", "echo working"),
		}}},
	})
	fs.cancelled["b-1"] = true
	r := testRunner(t, fs)

	r.Execute(context.Background(), build)

	assert.Equal(t, models.BuildAborted, fs.builds["b-1"].Status)
	assert.Nil(t, fs.stepByName("work"))
}

func TestParallelStageAggregatesWorst(t *testing.T) {
	fs := newFakeRunnerStore()
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{
			Name:     "checks",
			Parallel: true,
			Steps: models.Steps{
				&models.ShellStep{StepCommon: models.StepCommon{
					Name: "lint", Command: "exit 2", ContinueOnError: true,
				}},
				shellStep("unit", "echo ok"),
			},
		}},
	})
	r := testRunner(t, fs)

	r.Execute(context.Background(), build)

	assert.Equal(t, models.BuildFailure, fs.builds["b-1"].Status)
	require.NotNil(t, fs.stepByName("lint"))
	require.NotNil(t, fs.stepByName("unit"))
}

func TestPostActionsRunOnFailure(t *testing.T) {
	fs := newFakeRunnerStore()
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{Name: "build", Steps: models.Steps{
			shellStep("boom", "exit 1"),
		}}},
		Post: &models.PostActions{
			Always:    models.Steps{shellStep("cleanup", "echo cleaning")},
			OnFailure: models.Steps{shellStep("report", "echo reporting")},
			OnSuccess: models.Steps{shellStep("celebrate", "echo party")},
		},
	})
	r := testRunner(t, fs)

	r.Execute(context.Background(), build)

	assert.Equal(t, models.BuildFailure, fs.builds["b-1"].Status)
	assert.NotNil(t, fs.stepByName("cleanup"))
	assert.NotNil(t, fs.stepByName("report"))
	assert.Nil(t, fs.stepByName("celebrate"))
	require.NotNil(t, fs.outcome)
	assert.Equal(t, "boom", fs.outcome.FailedStep, "post failures never replace the real culprit")
}

func TestApprovalWithoutGatekeeperFails(t *testing.T) {
	fs := newFakeRunnerStore()
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{
			Name:     "deploy",
			Approval: &models.ApprovalSpec{MinApprovals: 1},
			Steps:    models.Steps{shellStep("ship", "echo shipping")},
		}},
	})
	r := testRunner(t, fs)

	r.Execute(context.Background(), build)

	assert.Equal(t, models.BuildFailure, fs.builds["b-1"].Status)
	assert.Nil(t, fs.stepByName("ship"))
}

// fakeGateStore backs a real Gatekeeper in runner tests.
type fakeGateStore struct {
	mu    sync.Mutex
	gates map[string]*models.ApprovalGate
}

func newFakeGateStore() *fakeGateStore {
	return &fakeGateStore{gates: map[string]*models.ApprovalGate{}}
}

func (f *fakeGateStore) CreateGate(_ context.Context, g *models.ApprovalGate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := g.BuildID + "/" + g.StageName
	if _, ok := f.gates[key]; ok {
		return store.ErrAlreadyExists
	}
	g.ID = "gate-" + g.StageName
	g.CreatedAt = time.Now().UTC()
	f.gates[key] = g
	return nil
}

func (f *fakeGateStore) GetGate(_ context.Context, gateID string) (*models.ApprovalGate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.gates {
		if g.ID == gateID {
			return g, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeGateStore) GetGateForStage(_ context.Context, buildID, stageName string) (*models.ApprovalGate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[buildID+"/"+stageName]
	if !ok {
		return nil, store.ErrNotFound
	}
	return g, nil
}

func (f *fakeGateStore) ListPendingGates(context.Context) ([]*models.ApprovalGate, error) {
	return nil, nil
}

func (f *fakeGateStore) RecordResponse(context.Context, *models.ApprovalResponse) error {
	return nil
}

func (f *fakeGateStore) ResolveGate(_ context.Context, gateID string, to models.GateStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.gates {
		if g.ID == gateID {
			g.Status = to
			return nil
		}
	}
	return store.ErrNotFound
}

func TestRejectedApprovalFailsBuild(t *testing.T) {
	fs := newFakeRunnerStore()
	// Min approvals above the (empty) group size rejects the gate at
	// open time.
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{
			Name:     "deploy",
			Approval: &models.ApprovalSpec{MinApprovals: 2},
			Steps:    models.Steps{shellStep("ship", "echo shipping")},
		}},
	})
	r := testRunner(t, fs)
	r.gates = policy.NewGatekeeper(newFakeGateStore())

	r.Execute(context.Background(), build)

	// A gate that does not approve fails the build; aborted is reserved
	// for user cancellation.
	assert.Equal(t, models.BuildFailure, fs.builds["b-1"].Status)
	assert.Nil(t, fs.stepByName("ship"))
	require.NotNil(t, fs.outcome)
	assert.Contains(t, fs.outcome.ErrorMessage, "rejected")
}

func TestParallelShortCircuitClassifiesFailure(t *testing.T) {
	fs := newFakeRunnerStore()
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{
			Name:     "checks",
			Parallel: true,
			Steps: models.Steps{
				shellStep("slow", "sleep 1"),
				shellStep("boom", "exit 7"),
			},
		}},
	})
	r := testRunner(t, fs)

	r.Execute(context.Background(), build)

	// The sibling the short-circuit aborts must not outrank the failing
	// step that triggered it.
	assert.Equal(t, models.BuildFailure, fs.builds["b-1"].Status)
	require.NotNil(t, fs.outcome)
	assert.Equal(t, "boom", fs.outcome.FailedStep)
	require.NotNil(t, fs.outcome.ExitCode)
	assert.Equal(t, 7, *fs.outcome.ExitCode)
}

func TestRunRespectsCapacity(t *testing.T) {
	fs := newFakeRunnerStore()
	r := New(Options{
		Store:         fs,
		Executors:     executor.NewRegistry(),
		Recorder:      events.NewRecorder(fs, events.NewBus(64)),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxConcurrent: 2,
	})
	assert.Equal(t, 2, r.Capacity())
	r.slots <- struct{}{}
	r.slots <- struct{}{}
	assert.Equal(t, 0, r.Capacity())

	err := r.Run(context.Background(), &models.Build{ID: "b-x"})
	require.Error(t, err)
}

func TestSecretsInjectedAndMasked(t *testing.T) {
	fs := newFakeRunnerStore()
	secret := &models.ShellStep{StepCommon: models.StepCommon{
		Name:    "use-secret",
		Command: "echo token is $API_TOKEN",
		Secrets: []string{"API_TOKEN"},
	}}
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{Name: "build", Steps: models.Steps{secret}}},
	})
	r := testRunner(t, fs)
	r.secrets = staticSecrets{"API_TOKEN": "hunter2"}

	r.Execute(context.Background(), build)

	assert.Equal(t, models.BuildSuccess, fs.builds["b-1"].Status)
	step := fs.stepByName("use-secret")
	require.NotNil(t, step)
	assert.NotContains(t, step.Stdout, "hunter2")
	assert.Contains(t, step.Stdout, "token is ***")
}

type staticSecrets map[string]string

func (s staticSecrets) EnvForBuild(context.Context, string, string, string) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for n, v := range s {
		out[n] = v
	}
	return out, nil
}

func (s staticSecrets) ResolveForBuild(_ context.Context, _, _, _ string, names []string) (map[string]string, error) {
	out := map[string]string{}
	for _, n := range names {
		v, ok := s[n]
		if !ok {
			return nil, fmt.Errorf("secret %q not found", n)
		}
		out[n] = v
	}
	return out, nil
}

func TestScopedSecretsInEveryStepEnv(t *testing.T) {
	fs := newFakeRunnerStore()
	// The step declares no secrets: the scoped base alone must supply
	// the value, and output masking must still apply.
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{{Name: "deploy", Steps: models.Steps{
			shellStep("push", "echo key is $DEPLOY_KEY"),
		}}},
	})
	r := testRunner(t, fs)
	r.secrets = staticSecrets{"DEPLOY_KEY": "s3cr3t-v4lue"}

	r.Execute(context.Background(), build)

	assert.Equal(t, models.BuildSuccess, fs.builds["b-1"].Status)
	step := fs.stepByName("push")
	require.NotNil(t, step)
	assert.NotContains(t, step.Stdout, "s3cr3t-v4lue")
	assert.Contains(t, step.Stdout, "key is ***")
}

func TestBuildTimeoutClassifiesTimedOut(t *testing.T) {
	fs := newFakeRunnerStore()
	build := seedBuild(fs, &models.Pipeline{
		Stages: []models.StageDef{
			{Name: "slow", Steps: models.Steps{shellStep("sleep", "sleep 5")}},
			{Name: "after", Steps: models.Steps{shellStep("later", "echo later")}},
		},
	})
	cfg := config.DefaultRunnerConfig()
	cfg.BuildTimeout = 200 * time.Millisecond
	r := New(Options{
		Config:    cfg,
		Store:     fs,
		Executors: executor.NewRegistry(),
		Recorder:  events.NewRecorder(fs, events.NewBus(64)),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	r.Execute(context.Background(), build)

	assert.Equal(t, models.BuildTimedOut, fs.builds["b-1"].Status)
	assert.Nil(t, fs.stepByName("later"))
}
