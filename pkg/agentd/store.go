package agentd

import (
	"context"
	"sync"

	"github.com/chengis/chengis/pkg/dispatch"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

// RemoteStore satisfies the runner's persistence surface by forwarding
// every write to the master's agent API. Jobs come from the assignment
// payload, so execution needs no database access on the agent.
type RemoteStore struct {
	client  *MasterClient
	agentID string

	mu        sync.Mutex
	jobs      map[string]*models.Job        // job_id -> job, from assignments
	cancelled map[string]bool               // build_id -> cancel requested
	active    map[string]string             // build_id -> job_id
	artifacts map[string][]*models.Artifact // build_id -> saved artifacts
}

// NewRemoteStore creates a RemoteStore reporting as the given agent.
func NewRemoteStore(client *MasterClient, agentID string) *RemoteStore {
	return &RemoteStore{
		client:    client,
		agentID:   agentID,
		jobs:      map[string]*models.Job{},
		cancelled: map[string]bool{},
		active:    map[string]string{},
		artifacts: map[string][]*models.Artifact{},
	}
}

// Track caches an assignment's job so the runner can load it.
func (s *RemoteStore) Track(a *dispatch.BuildAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := a.Job
	if job.Pipeline == nil {
		job.Pipeline = a.Pipeline
	}
	s.jobs[job.ID] = job
	s.active[a.Build.ID] = job.ID
}

// Release drops a finished build's cached state.
func (s *RemoteStore) Release(buildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID, ok := s.active[buildID]; ok {
		delete(s.active, buildID)
		delete(s.cancelled, buildID)
		// Keep the job only while some build still references it.
		inUse := false
		for _, j := range s.active {
			if j == jobID {
				inUse = true
				break
			}
		}
		if !inUse {
			delete(s.jobs, jobID)
		}
	}
}

// RequestCancel flags a build; the runner observes it at the next stage
// boundary. Called by the /cancel endpoint.
func (s *RemoteStore) RequestCancel(buildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[buildID] = true
}

func (s *RemoteStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (s *RemoteStore) TransitionBuild(ctx context.Context, buildID string, from, to models.BuildStatus) error {
	return s.client.ReportStatus(ctx, s.agentID, buildID, from, to, nil)
}

func (s *RemoteStore) FinalizeBuild(ctx context.Context, buildID string, from, to models.BuildStatus, outcome store.BuildOutcome) error {
	return s.client.ReportStatus(ctx, s.agentID, buildID, from, to, &outcome)
}

func (s *RemoteStore) CancelRequested(_ context.Context, buildID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[buildID], nil
}

func (s *RemoteStore) UpsertStageResult(ctx context.Context, r *models.StageResult) error {
	return s.client.ReportStage(ctx, s.agentID, r)
}

func (s *RemoteStore) RecordStepResult(ctx context.Context, r *models.StepResult) error {
	return s.client.ReportStep(ctx, s.agentID, r)
}

// GetGateForStage always misses: approval gates live on the master, and
// gated pipelines are expected to run there.
func (s *RemoteStore) GetGateForStage(context.Context, string, string) (*models.ApprovalGate, error) {
	return nil, store.ErrNotFound
}

// CreateArtifact registers the artifact with the master and keeps the
// metadata locally so the daemon can serve the file.
func (s *RemoteStore) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	if err := s.client.ReportArtifact(ctx, s.agentID, a); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.BuildID] = append(s.artifacts[a.BuildID], a)
	return nil
}

func (s *RemoteStore) GetArtifact(_ context.Context, buildID, filename string) (*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.artifacts[buildID] {
		if a.Filename == filename {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *RemoteStore) ListArtifacts(_ context.Context, buildID string) ([]*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifacts[buildID], nil
}

// DeleteArtifact drops local metadata only; the master row is swept by
// its own retention.
func (s *RemoteStore) DeleteArtifact(_ context.Context, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for buildID, list := range s.artifacts {
		for i, a := range list {
			if a.ID == artifactID {
				s.artifacts[buildID] = append(list[:i], list[i+1:]...)
				return nil
			}
		}
	}
	return store.ErrNotFound
}

// AppendEvent forwards the event to the master's durable log.
func (s *RemoteStore) AppendEvent(ctx context.Context, ev *models.BuildEvent) error {
	return s.client.ReportEvent(ctx, s.agentID, ev)
}

// ListEvents returns nothing; the agent keeps no local event log.
func (s *RemoteStore) ListEvents(context.Context, string, string, int) ([]*models.BuildEvent, error) {
	return nil, nil
}
