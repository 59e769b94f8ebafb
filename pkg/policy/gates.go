package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

// ErrNotEligible is returned when a user outside the approver group
// votes on a gate.
var ErrNotEligible = errors.New("user is not in the approver group")

// GateStore is the persistence surface gates need. Implemented by
// store.Store.
type GateStore interface {
	CreateGate(ctx context.Context, g *models.ApprovalGate) error
	GetGate(ctx context.Context, gateID string) (*models.ApprovalGate, error)
	GetGateForStage(ctx context.Context, buildID, stageName string) (*models.ApprovalGate, error)
	ListPendingGates(ctx context.Context) ([]*models.ApprovalGate, error)
	RecordResponse(ctx context.Context, r *models.ApprovalResponse) error
	ResolveGate(ctx context.Context, gateID string, to models.GateStatus) error
}

// Gatekeeper owns approval gate lifecycle. Terminal gate states are
// absorbing: once approved, rejected, or timed out, nothing moves a gate
// back.
type Gatekeeper struct {
	store GateStore
}

// NewGatekeeper creates a Gatekeeper.
func NewGatekeeper(st GateStore) *Gatekeeper {
	return &Gatekeeper{store: st}
}

// Open creates (or finds) the gate for a stage. A gate that can never
// collect enough approvals — min above the group size, including an
// empty group with min > 1 — is rejected immediately rather than left to
// hang until timeout.
func (k *Gatekeeper) Open(ctx context.Context, buildID, stageName string, spec *models.ApprovalSpec) (*models.ApprovalGate, error) {
	g := &models.ApprovalGate{
		BuildID:        buildID,
		StageName:      stageName,
		Status:         models.GatePending,
		RequiredRole:   spec.RequiredRole,
		ApproverGroup:  spec.ApproverGroup,
		MinApprovals:   max(spec.MinApprovals, 1),
		TimeoutMinutes: spec.TimeoutMinutes,
	}
	err := k.store.CreateGate(ctx, g)
	if errors.Is(err, store.ErrAlreadyExists) {
		return k.store.GetGateForStage(ctx, buildID, stageName)
	}
	if err != nil {
		return nil, err
	}

	if g.MinApprovals > 1 && g.MinApprovals > len(g.ApproverGroup) {
		if err := k.store.ResolveGate(ctx, g.ID, models.GateRejected); err != nil {
			return nil, err
		}
		g.Status = models.GateRejected
		slog.Warn("Approval gate can never be satisfied, rejecting",
			"build_id", buildID, "stage", stageName,
			"min_approvals", g.MinApprovals, "group_size", len(g.ApproverGroup))
	}
	return g, nil
}

// Decide computes the state a gate's responses imply. Pure: no I/O.
//   - approved once approvals reach min
//   - rejected once the remaining group members cannot reach min
//   - otherwise pending
func Decide(g *models.ApprovalGate) models.GateStatus {
	if g.Status.Terminal() {
		return g.Status
	}
	if g.Approvals() >= g.MinApprovals {
		return models.GateApproved
	}
	if n := len(g.ApproverGroup); n > 0 && n-g.Rejections() < g.MinApprovals {
		return models.GateRejected
	}
	return models.GatePending
}

// Respond records one user's vote and resolves the gate if the vote
// decides it. The updated gate is returned.
func (k *Gatekeeper) Respond(ctx context.Context, gateID, user string, approved bool, comment string) (*models.ApprovalGate, error) {
	g, err := k.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if g.Status.Terminal() {
		return nil, store.ErrStaleTransition
	}
	if len(g.ApproverGroup) > 0 && !slices.Contains(g.ApproverGroup, user) {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, user)
	}

	err = k.store.RecordResponse(ctx, &models.ApprovalResponse{
		GateID:   gateID,
		User:     user,
		Approved: approved,
		Comment:  comment,
	})
	if err != nil {
		return nil, err
	}

	g, err = k.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if next := Decide(g); next.Terminal() {
		if err := k.store.ResolveGate(ctx, g.ID, next); err != nil && !errors.Is(err, store.ErrStaleTransition) {
			return nil, err
		}
		g.Status = next
	}
	return g, nil
}

// SweepTimeouts times out pending gates whose deadline passed and
// returns them so the runner can fail the waiting builds.
func (k *Gatekeeper) SweepTimeouts(ctx context.Context, now time.Time) ([]*models.ApprovalGate, error) {
	pending, err := k.store.ListPendingGates(ctx)
	if err != nil {
		return nil, err
	}
	var timedOut []*models.ApprovalGate
	for _, g := range pending {
		if g.TimeoutMinutes <= 0 {
			continue
		}
		deadline := g.CreatedAt.Add(time.Duration(g.TimeoutMinutes) * time.Minute)
		if now.Before(deadline) {
			continue
		}
		err := k.store.ResolveGate(ctx, g.ID, models.GateTimedOut)
		if errors.Is(err, store.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return timedOut, err
		}
		g.Status = models.GateTimedOut
		timedOut = append(timedOut, g)
	}
	return timedOut, nil
}
