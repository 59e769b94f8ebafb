package agentd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/artifacts"
	"github.com/chengis/chengis/pkg/dispatch"
	"github.com/chengis/chengis/pkg/events"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/runner"
	"github.com/chengis/chengis/pkg/store"
)

var (
	_ runner.Store            = (*RemoteStore)(nil)
	_ events.EventStore       = (*RemoteStore)(nil)
	_ artifacts.MetadataStore = (*RemoteStore)(nil)
)

func assignment(buildID, jobID string) *dispatch.BuildAssignment {
	return &dispatch.BuildAssignment{
		Build: &models.Build{ID: buildID, JobID: jobID, Status: models.BuildQueued},
		Job:   &models.Job{ID: jobID, Name: "deploy"},
		Pipeline: &models.Pipeline{
			Stages: []models.StageDef{{Name: "build"}},
		},
	}
}

func TestRemoteStoreTrackServesJob(t *testing.T) {
	s := NewRemoteStore(nil, "agent-1")
	ctx := context.Background()

	_, err := s.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	s.Track(assignment("build-1", "job-1"))

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "deploy", job.Name)
	// Pipeline from the assignment payload backfills a bare job record.
	require.NotNil(t, job.Pipeline)
	assert.Equal(t, "build", job.Pipeline.Stages[0].Name)
}

func TestRemoteStoreReleaseEvictsUnreferencedJobs(t *testing.T) {
	s := NewRemoteStore(nil, "agent-1")
	ctx := context.Background()

	s.Track(assignment("build-1", "job-1"))
	s.Track(assignment("build-2", "job-1"))

	s.Release("build-1")
	_, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err, "job still referenced by build-2")

	s.Release("build-2")
	_, err = s.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoteStoreCancelFlag(t *testing.T) {
	s := NewRemoteStore(nil, "agent-1")
	ctx := context.Background()

	cancelled, err := s.CancelRequested(ctx, "build-1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	s.RequestCancel("build-1")
	cancelled, err = s.CancelRequested(ctx, "build-1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Release clears the flag so a reused build id starts clean.
	s.Track(assignment("build-1", "job-1"))
	s.Release("build-1")
	cancelled, err = s.CancelRequested(ctx, "build-1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestRemoteStoreGatesAlwaysMiss(t *testing.T) {
	s := NewRemoteStore(nil, "agent-1")
	_, err := s.GetGateForStage(context.Background(), "build-1", "deploy")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
