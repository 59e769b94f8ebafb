package dispatch

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

type fakeDispatchStore struct {
	mu      sync.Mutex
	builds  map[string]*models.Build
	jobs    map[string]*models.Job
	agents  []*models.Agent
	orphans []*models.Build
}

func newFakeDispatchStore() *fakeDispatchStore {
	return &fakeDispatchStore{
		builds: map[string]*models.Build{},
		jobs:   map[string]*models.Job{},
	}
}

func (f *fakeDispatchStore) ListQueuedBuilds(context.Context, int) ([]*models.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Build
	for _, b := range f.builds {
		if b.Status == models.BuildQueued {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDispatchStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeDispatchStore) ListAgents(context.Context) ([]*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Agent, len(f.agents))
	for i, a := range f.agents {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeDispatchStore) GetAgent(_ context.Context, agentID string) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if a.ID == agentID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeDispatchStore) AssignBuild(_ context.Context, buildID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[buildID]
	if !ok || b.Status != models.BuildQueued || b.AgentID != nil {
		return store.ErrStaleTransition
	}
	b.AgentID = &agentID
	return nil
}

func (f *fakeDispatchStore) UnassignBuild(_ context.Context, buildID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[buildID]
	if !ok || b.AgentID == nil || *b.AgentID != agentID {
		return store.ErrStaleTransition
	}
	b.AgentID = nil
	return nil
}

func (f *fakeDispatchStore) AdjustAgentLoad(_ context.Context, agentID string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if a.ID == agentID {
			a.CurrentBuilds += delta
		}
	}
	return nil
}

func (f *fakeDispatchStore) MarkStaleAgentsOffline(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (f *fakeDispatchStore) ListOrphanedBuilds(context.Context, time.Time) ([]*models.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Build{}, f.orphans...), nil
}

func (f *fakeDispatchStore) RequeueBuild(_ context.Context, buildID, fromAgentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[buildID]
	if !ok || b.Status != models.BuildRunning || b.AgentID == nil || *b.AgentID != fromAgentID {
		return store.ErrStaleTransition
	}
	b.Status = models.BuildQueued
	b.AgentID = nil
	return nil
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]error
}

func (f *fakeSender) SendBuild(_ context.Context, agent *models.Agent, a *BuildAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[agent.ID]; ok {
		return err
	}
	f.sent = append(f.sent, a.Build.ID+"->"+agent.ID)
	return nil
}

func (f *fakeSender) SendCancel(context.Context, *models.Agent, string) error { return nil }

func onlineAgent(id string, current, maxBuilds int, heartbeatAge time.Duration, labels ...string) *models.Agent {
	return &models.Agent{
		ID:            id,
		Name:          id,
		URL:           "http://" + id,
		Labels:        labels,
		MaxBuilds:     maxBuilds,
		CurrentBuilds: current,
		Status:        models.AgentOnline,
		LastHeartbeat: time.Now().Add(-heartbeatAge),
	}
}

func queuedBuild(id, jobID string) *models.Build {
	return &models.Build{
		ID:        id,
		JobID:     jobID,
		OrgID:     "org-1",
		Status:    models.BuildQueued,
		CreatedAt: time.Now().Add(-time.Second),
	}
}

func testDispatcher(fs *fakeDispatchStore, sender Sender) *Dispatcher {
	cfg := config.DefaultDispatcherConfig()
	cfg.LocalExecution = false
	return New(cfg, fs, sender, nil, nil, nil,
		slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestDispatchPicksLeastLoadedAgent(t *testing.T) {
	fs := newFakeDispatchStore()
	fs.jobs["j-1"] = &models.Job{ID: "j-1", Pipeline: &models.Pipeline{}}
	fs.builds["b-1"] = queuedBuild("b-1", "j-1")
	fs.agents = []*models.Agent{
		onlineAgent("a-busy", 3, 4, time.Second),
		onlineAgent("a-idle", 0, 4, time.Second),
	}
	sender := &fakeSender{}
	d := testDispatcher(fs, sender)

	d.Tick(context.Background())

	require.Equal(t, []string{"b-1->a-idle"}, sender.sent)
	require.NotNil(t, fs.builds["b-1"].AgentID)
	assert.Equal(t, "a-idle", *fs.builds["b-1"].AgentID)
}

func TestDispatchTieBreaksOnOldestHeartbeat(t *testing.T) {
	fs := newFakeDispatchStore()
	fs.jobs["j-1"] = &models.Job{ID: "j-1", Pipeline: &models.Pipeline{}}
	fs.builds["b-1"] = queuedBuild("b-1", "j-1")
	fs.agents = []*models.Agent{
		onlineAgent("a-fresh", 1, 4, time.Second),
		onlineAgent("a-stale", 1, 4, 10*time.Second),
	}
	sender := &fakeSender{}
	d := testDispatcher(fs, sender)

	d.Tick(context.Background())
	require.Equal(t, []string{"b-1->a-stale"}, sender.sent)
}

func TestDispatchRespectsLabels(t *testing.T) {
	fs := newFakeDispatchStore()
	fs.jobs["j-1"] = &models.Job{ID: "j-1", Pipeline: &models.Pipeline{RequiredLabels: []string{"gpu"}}}
	fs.builds["b-1"] = queuedBuild("b-1", "j-1")
	fs.agents = []*models.Agent{
		onlineAgent("a-cpu", 0, 4, time.Second, "linux"),
		onlineAgent("a-gpu", 2, 4, time.Second, "linux", "gpu"),
	}
	sender := &fakeSender{}
	d := testDispatcher(fs, sender)

	d.Tick(context.Background())
	require.Equal(t, []string{"b-1->a-gpu"}, sender.sent)
}

func TestDispatchSkipsFullAndOfflineAgents(t *testing.T) {
	fs := newFakeDispatchStore()
	fs.jobs["j-1"] = &models.Job{ID: "j-1", Pipeline: &models.Pipeline{}}
	fs.builds["b-1"] = queuedBuild("b-1", "j-1")
	full := onlineAgent("a-full", 4, 4, time.Second)
	offline := onlineAgent("a-off", 0, 4, time.Second)
	offline.Status = models.AgentOffline
	fs.agents = []*models.Agent{full, offline}
	sender := &fakeSender{}
	d := testDispatcher(fs, sender)

	d.Tick(context.Background())
	assert.Empty(t, sender.sent)
	assert.Nil(t, fs.builds["b-1"].AgentID)
}

func TestDispatchRevertsOnSendFailure(t *testing.T) {
	fs := newFakeDispatchStore()
	fs.jobs["j-1"] = &models.Job{ID: "j-1", Pipeline: &models.Pipeline{}}
	fs.builds["b-1"] = queuedBuild("b-1", "j-1")
	fs.agents = []*models.Agent{onlineAgent("a-1", 0, 4, time.Second)}
	sender := &fakeSender{failFor: map[string]error{"a-1": assert.AnError}}
	d := testDispatcher(fs, sender)

	d.Tick(context.Background())

	assert.Nil(t, fs.builds["b-1"].AgentID)
	assert.Equal(t, 0, fs.agents[0].CurrentBuilds)
}

type fakeLocalRunner struct {
	mu       sync.Mutex
	capacity int
	ran      []string
}

func (f *fakeLocalRunner) Run(_ context.Context, b *models.Build) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, b.ID)
	return nil
}

func (f *fakeLocalRunner) Capacity() int { return f.capacity }

func gatedJob(id string) *models.Job {
	return &models.Job{ID: id, Pipeline: &models.Pipeline{
		Stages: []models.StageDef{{
			Name:     "deploy",
			Approval: &models.ApprovalSpec{MinApprovals: 1},
		}},
	}}
}

func TestApprovalStagesPinToLocalRunner(t *testing.T) {
	fs := newFakeDispatchStore()
	fs.jobs["j-1"] = gatedJob("j-1")
	fs.builds["b-1"] = queuedBuild("b-1", "j-1")
	fs.agents = []*models.Agent{onlineAgent("a-idle", 0, 4, time.Second)}
	sender := &fakeSender{}
	local := &fakeLocalRunner{capacity: 1}
	cfg := config.DefaultDispatcherConfig()
	cfg.LocalExecution = true
	d := New(cfg, fs, sender, local, nil, nil,
		slog.New(slog.NewTextHandler(os.Stderr, nil)))

	d.Tick(context.Background())

	// Gates are opened and polled on the master; the idle remote agent
	// must not receive the build.
	assert.Empty(t, sender.sent)
	assert.Equal(t, []string{"b-1"}, local.ran)
	require.NotNil(t, fs.builds["b-1"].AgentID)
	assert.Equal(t, "local", *fs.builds["b-1"].AgentID)
}

func TestApprovalStagesStayQueuedWithoutLocalCapacity(t *testing.T) {
	fs := newFakeDispatchStore()
	fs.jobs["j-1"] = gatedJob("j-1")
	fs.builds["b-1"] = queuedBuild("b-1", "j-1")
	fs.agents = []*models.Agent{onlineAgent("a-idle", 0, 4, time.Second)}
	sender := &fakeSender{}
	local := &fakeLocalRunner{capacity: 0}
	cfg := config.DefaultDispatcherConfig()
	cfg.LocalExecution = true
	d := New(cfg, fs, sender, local, nil, nil,
		slog.New(slog.NewTextHandler(os.Stderr, nil)))

	d.Tick(context.Background())

	// Better queued than sent to an agent that cannot answer the gate.
	assert.Empty(t, sender.sent)
	assert.Empty(t, local.ran)
	assert.Nil(t, fs.builds["b-1"].AgentID)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	cfg := config.DefaultDispatcherConfig()
	cfg.BreakerFailures = 3
	bs := newBreakerSet(cfg)

	for i := 0; i < 3; i++ {
		_ = bs.execute("a-1", func() error { return assert.AnError })
	}
	assert.False(t, bs.allows("a-1"))
	assert.True(t, bs.allows("a-2"))
}

func TestOrphanRecovery(t *testing.T) {
	fs := newFakeDispatchStore()
	agentID := "a-dead"
	b := &models.Build{ID: "b-1", JobID: "j-1", Status: models.BuildRunning, AgentID: &agentID}
	fs.builds["b-1"] = b
	fs.orphans = []*models.Build{b}
	sender := &fakeSender{}
	d := testDispatcher(fs, sender)

	d.recoverOrphans(context.Background())

	assert.Equal(t, models.BuildQueued, fs.builds["b-1"].Status)
	assert.Nil(t, fs.builds["b-1"].AgentID)
}
