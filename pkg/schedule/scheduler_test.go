package schedule

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

type fakeScheduleStore struct {
	mu        sync.Mutex
	schedules []*models.CronSchedule
	jobs      map[string]*models.Job
	deps      []*models.JobDependency
	builds    []*models.Build
	runs      map[string][]string
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{
		jobs: map[string]*models.Job{},
		runs: map[string][]string{},
	}
}

func (f *fakeScheduleStore) ListEnabledSchedules(context.Context) ([]*models.CronSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.CronSchedule{}, f.schedules...), nil
}

func (f *fakeScheduleStore) RecordCronRun(_ context.Context, scheduleID, buildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[scheduleID] = append(f.runs[scheduleID], buildID)
	return nil
}

func (f *fakeScheduleStore) ListDownstreamJobs(_ context.Context, upstreamJobID string) ([]*models.JobDependency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.JobDependency
	for _, d := range f.deps {
		if d.UpstreamJobID == upstreamJobID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeScheduleStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeScheduleStore) CreateBuild(_ context.Context, in store.NewBuild) (*models.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &models.Build{
		ID:          "b-" + in.JobID,
		JobID:       in.JobID,
		OrgID:       in.OrgID,
		BuildNumber: len(f.builds) + 1,
		Trigger:     in.Trigger.Kind,
		Status:      models.BuildQueued,
	}
	f.builds = append(f.builds, b)
	return b, nil
}

func testScheduler(fs *fakeScheduleStore) *Scheduler {
	return New(fs, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestRefreshAddsAndRemovesEntries(t *testing.T) {
	fs := newFakeScheduleStore()
	fs.schedules = []*models.CronSchedule{
		{ID: "sc-1", JobID: "j-1", Expression: "0 3 * * *", Enabled: true},
		{ID: "sc-2", JobID: "j-2", Expression: "*/5 * * * *", Enabled: true},
	}
	s := testScheduler(fs)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Len(t, s.entries, 2)

	fs.mu.Lock()
	fs.schedules = fs.schedules[:1]
	fs.mu.Unlock()
	require.NoError(t, s.Refresh(context.Background()))
	assert.Len(t, s.entries, 1)
	assert.Contains(t, s.entries, "sc-1")
}

func TestRefreshSkipsBadExpressions(t *testing.T) {
	fs := newFakeScheduleStore()
	fs.schedules = []*models.CronSchedule{
		{ID: "sc-1", JobID: "j-1", Expression: "not a cron", Enabled: true},
		{ID: "sc-2", JobID: "j-2", Expression: "0 3 * * *", Enabled: true},
	}
	s := testScheduler(fs)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Len(t, s.entries, 1)
}

func TestFireCreatesScheduledBuild(t *testing.T) {
	fs := newFakeScheduleStore()
	fs.jobs["j-1"] = &models.Job{ID: "j-1", OrgID: "org-1", Name: "nightly"}
	s := testScheduler(fs)

	s.fire(&models.CronSchedule{ID: "sc-1", JobID: "j-1"})

	require.Len(t, fs.builds, 1)
	assert.Equal(t, models.TriggerScheduled, fs.builds[0].Trigger)
	require.Len(t, fs.runs["sc-1"], 1)
	assert.Equal(t, fs.builds[0].ID, fs.runs["sc-1"][0])
}

func TestFireSkipsPausedJob(t *testing.T) {
	fs := newFakeScheduleStore()
	fs.jobs["j-1"] = &models.Job{ID: "j-1", Name: "nightly", Paused: true}
	s := testScheduler(fs)

	s.fire(&models.CronSchedule{ID: "sc-1", JobID: "j-1"})

	assert.Empty(t, fs.builds)
	// The skip is still recorded as a run without a build.
	require.Len(t, fs.runs["sc-1"], 1)
	assert.Empty(t, fs.runs["sc-1"][0])
}

func TestTriggerDownstream(t *testing.T) {
	fs := newFakeScheduleStore()
	fs.jobs["j-up"] = &models.Job{ID: "j-up", Name: "lib"}
	fs.jobs["j-down"] = &models.Job{ID: "j-down", OrgID: "org-1", Name: "app"}
	fs.jobs["j-paused"] = &models.Job{ID: "j-paused", Name: "old-app", Paused: true}
	fs.deps = []*models.JobDependency{
		{ID: "d-1", UpstreamJobID: "j-up", DownstreamJobID: "j-down"},
		{ID: "d-2", UpstreamJobID: "j-up", DownstreamJobID: "j-paused"},
	}
	s := testScheduler(fs)

	s.TriggerDownstream(context.Background(), &models.Build{ID: "b-up", JobID: "j-up"})

	require.Len(t, fs.builds, 1)
	assert.Equal(t, "j-down", fs.builds[0].JobID)
	assert.Equal(t, models.TriggerDependency, fs.builds[0].Trigger)
}
