package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

type fakeGateStore struct {
	gates     map[string]*models.ApprovalGate
	responses map[string][]models.ApprovalResponse
}

func newFakeGateStore() *fakeGateStore {
	return &fakeGateStore{
		gates:     make(map[string]*models.ApprovalGate),
		responses: make(map[string][]models.ApprovalResponse),
	}
}

func (f *fakeGateStore) CreateGate(_ context.Context, g *models.ApprovalGate) error {
	for _, existing := range f.gates {
		if existing.BuildID == g.BuildID && existing.StageName == g.StageName {
			return store.ErrAlreadyExists
		}
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	cp := *g
	f.gates[g.ID] = &cp
	return nil
}

func (f *fakeGateStore) GetGate(_ context.Context, gateID string) (*models.ApprovalGate, error) {
	g, ok := f.gates[gateID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	cp.Responses = f.responses[gateID]
	return &cp, nil
}

func (f *fakeGateStore) GetGateForStage(_ context.Context, buildID, stageName string) (*models.ApprovalGate, error) {
	for id, g := range f.gates {
		if g.BuildID == buildID && g.StageName == stageName {
			cp := *g
			cp.Responses = f.responses[id]
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeGateStore) ListPendingGates(_ context.Context) ([]*models.ApprovalGate, error) {
	var out []*models.ApprovalGate
	for id, g := range f.gates {
		if g.Status == models.GatePending {
			cp := *g
			cp.Responses = f.responses[id]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeGateStore) RecordResponse(_ context.Context, r *models.ApprovalResponse) error {
	g, ok := f.gates[r.GateID]
	if !ok {
		return store.ErrNotFound
	}
	if g.Status.Terminal() {
		return store.ErrStaleTransition
	}
	for _, existing := range f.responses[r.GateID] {
		if existing.User == r.User {
			return store.ErrAlreadyExists
		}
	}
	f.responses[r.GateID] = append(f.responses[r.GateID], *r)
	return nil
}

func (f *fakeGateStore) ResolveGate(_ context.Context, gateID string, to models.GateStatus) error {
	g, ok := f.gates[gateID]
	if !ok {
		return store.ErrNotFound
	}
	if g.Status != models.GatePending {
		return store.ErrStaleTransition
	}
	g.Status = to
	now := time.Now().UTC()
	g.ResolvedAt = &now
	return nil
}

func TestGateApprovedAtMinApprovals(t *testing.T) {
	ctx := context.Background()
	k := NewGatekeeper(newFakeGateStore())

	g, err := k.Open(ctx, "b-1", "deploy", &models.ApprovalSpec{
		ApproverGroup: []string{"alice", "bob", "carol"},
		MinApprovals:  2,
	})
	require.NoError(t, err)
	require.Equal(t, models.GatePending, g.Status)

	g, err = k.Respond(ctx, g.ID, "alice", true, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, models.GatePending, g.Status)

	g, err = k.Respond(ctx, g.ID, "bob", true, "")
	require.NoError(t, err)
	assert.Equal(t, models.GateApproved, g.Status)
}

func TestGateRejectedWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	k := NewGatekeeper(newFakeGateStore())

	g, err := k.Open(ctx, "b-1", "deploy", &models.ApprovalSpec{
		ApproverGroup: []string{"alice", "bob", "carol"},
		MinApprovals:  2,
	})
	require.NoError(t, err)

	// Two rejections leave only one possible approver: 3-2 < 2.
	_, err = k.Respond(ctx, g.ID, "alice", false, "no")
	require.NoError(t, err)
	g, err = k.Respond(ctx, g.ID, "bob", false, "also no")
	require.NoError(t, err)
	assert.Equal(t, models.GateRejected, g.Status)
}

func TestGateTerminalStatesAbsorbing(t *testing.T) {
	ctx := context.Background()
	k := NewGatekeeper(newFakeGateStore())

	g, err := k.Open(ctx, "b-1", "deploy", &models.ApprovalSpec{
		ApproverGroup: []string{"alice"},
		MinApprovals:  1,
	})
	require.NoError(t, err)

	g, err = k.Respond(ctx, g.ID, "alice", true, "")
	require.NoError(t, err)
	require.Equal(t, models.GateApproved, g.Status)

	_, err = k.Respond(ctx, g.ID, "alice", false, "changed my mind")
	assert.ErrorIs(t, err, store.ErrStaleTransition)
}

func TestGateOneVotePerUser(t *testing.T) {
	ctx := context.Background()
	k := NewGatekeeper(newFakeGateStore())

	g, err := k.Open(ctx, "b-1", "deploy", &models.ApprovalSpec{
		ApproverGroup: []string{"alice", "bob", "carol"},
		MinApprovals:  2,
	})
	require.NoError(t, err)

	_, err = k.Respond(ctx, g.ID, "alice", true, "")
	require.NoError(t, err)
	_, err = k.Respond(ctx, g.ID, "alice", true, "again")
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestGateOutsiderCannotVote(t *testing.T) {
	ctx := context.Background()
	k := NewGatekeeper(newFakeGateStore())

	g, err := k.Open(ctx, "b-1", "deploy", &models.ApprovalSpec{
		ApproverGroup: []string{"alice"},
	})
	require.NoError(t, err)

	_, err = k.Respond(ctx, g.ID, "mallory", true, "")
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestGateImpossibleApprovalRejectsImmediately(t *testing.T) {
	ctx := context.Background()
	k := NewGatekeeper(newFakeGateStore())

	tests := []struct {
		name string
		spec models.ApprovalSpec
	}{
		{"min above group size", models.ApprovalSpec{ApproverGroup: []string{"alice"}, MinApprovals: 3}},
		{"empty group with min above one", models.ApprovalSpec{MinApprovals: 2}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := k.Open(ctx, "b-"+string(rune('1'+i)), "deploy", &tt.spec)
			require.NoError(t, err)
			assert.Equal(t, models.GateRejected, g.Status)
		})
	}
}

func TestGateEmptyGroupSingleApproval(t *testing.T) {
	ctx := context.Background()
	k := NewGatekeeper(newFakeGateStore())

	// An empty group with min 1 means anyone may approve.
	g, err := k.Open(ctx, "b-1", "deploy", &models.ApprovalSpec{})
	require.NoError(t, err)
	require.Equal(t, models.GatePending, g.Status)

	g, err = k.Respond(ctx, g.ID, "whoever", true, "")
	require.NoError(t, err)
	assert.Equal(t, models.GateApproved, g.Status)
}

func TestSweepTimeouts(t *testing.T) {
	ctx := context.Background()
	fs := newFakeGateStore()
	k := NewGatekeeper(fs)

	g, err := k.Open(ctx, "b-1", "deploy", &models.ApprovalSpec{
		ApproverGroup:  []string{"alice"},
		TimeoutMinutes: 30,
	})
	require.NoError(t, err)
	noDeadline, err := k.Open(ctx, "b-2", "deploy", &models.ApprovalSpec{
		ApproverGroup: []string{"alice"},
	})
	require.NoError(t, err)

	timedOut, err := k.SweepTimeouts(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, g.ID, timedOut[0].ID)
	assert.Equal(t, models.GateTimedOut, timedOut[0].Status)

	// Gates without a timeout never sweep.
	got, err := fs.GetGate(ctx, noDeadline.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GatePending, got.Status)
}
