package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
)

type gateRow struct {
	models.ApprovalGate
	RawGroup []byte `db:"approver_group"`
}

func (r *gateRow) toModel() *models.ApprovalGate {
	g := r.ApprovalGate
	if len(r.RawGroup) > 0 {
		_ = json.Unmarshal(r.RawGroup, &g.ApproverGroup)
	}
	return &g
}

const gateColumns = `gate_id, build_id, stage_name, status, required_role,
	approver_group, min_approvals, timeout_minutes, created_at, resolved_at`

// CreateGate opens an approval gate for a stage. (build_id, stage_name)
// is unique; re-running a suspended build reuses the existing gate.
func (s *Store) CreateGate(ctx context.Context, g *models.ApprovalGate) error {
	if g.BuildID == "" {
		return NewValidationError("build_id", "required")
	}
	if g.StageName == "" {
		return NewValidationError("stage_name", "required")
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	if g.Status == "" {
		g.Status = models.GatePending
	}
	if g.MinApprovals <= 0 {
		g.MinApprovals = 1
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	group, err := json.Marshal(sliceOrEmpty(g.ApproverGroup))
	if err != nil {
		return fmt.Errorf("failed to marshal approver group: %w", err)
	}
	_, err = s.writer().ExecContext(ctx,
		`INSERT INTO approval_gates (gate_id, build_id, stage_name, status, required_role,
		     approver_group, min_approvals, timeout_minutes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID, g.BuildID, g.StageName, g.Status, g.RequiredRole,
		group, g.MinApprovals, g.TimeoutMinutes, g.CreatedAt)
	return mapRowError(err)
}

// GetGate fetches a gate with its responses.
func (s *Store) GetGate(ctx context.Context, gateID string) (*models.ApprovalGate, error) {
	var row gateRow
	err := s.reader().GetContext(ctx, &row,
		`SELECT `+gateColumns+` FROM approval_gates WHERE gate_id = $1`, gateID)
	if err != nil {
		return nil, mapRowError(err)
	}
	return s.attachResponses(ctx, row.toModel())
}

// GetGateForStage fetches the gate for a (build, stage) pair.
func (s *Store) GetGateForStage(ctx context.Context, buildID, stageName string) (*models.ApprovalGate, error) {
	var row gateRow
	err := s.reader().GetContext(ctx, &row,
		`SELECT `+gateColumns+` FROM approval_gates
		 WHERE build_id = $1 AND stage_name = $2`, buildID, stageName)
	if err != nil {
		return nil, mapRowError(err)
	}
	return s.attachResponses(ctx, row.toModel())
}

// ListPendingGates returns all unresolved gates, oldest first. The
// scheduler sweeps these for timeouts.
func (s *Store) ListPendingGates(ctx context.Context) ([]*models.ApprovalGate, error) {
	var rows []gateRow
	err := s.reader().SelectContext(ctx, &rows,
		`SELECT `+gateColumns+` FROM approval_gates
		 WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	gates := make([]*models.ApprovalGate, 0, len(rows))
	for i := range rows {
		g, err := s.attachResponses(ctx, rows[i].toModel())
		if err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	return gates, nil
}

func (s *Store) attachResponses(ctx context.Context, g *models.ApprovalGate) (*models.ApprovalGate, error) {
	var responses []models.ApprovalResponse
	err := s.reader().SelectContext(ctx, &responses,
		`SELECT response_id, gate_id, user_name, approved, comment, created_at
		 FROM approval_responses WHERE gate_id = $1 ORDER BY created_at`, g.ID)
	if err != nil {
		return nil, err
	}
	g.Responses = responses
	return g, nil
}

// RecordResponse appends one user's decision to a pending gate. A user
// votes at most once; a second vote returns ErrAlreadyExists. Votes on a
// resolved gate return ErrStaleTransition.
func (s *Store) RecordResponse(ctx context.Context, r *models.ApprovalResponse) error {
	if r.GateID == "" {
		return NewValidationError("gate_id", "required")
	}
	if r.User == "" {
		return NewValidationError("user", "required")
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var status models.GateStatus
		err := tx.GetContext(ctx, &status,
			`SELECT status FROM approval_gates WHERE gate_id = $1 FOR UPDATE`, r.GateID)
		if err != nil {
			return mapRowError(err)
		}
		if status.Terminal() {
			return ErrStaleTransition
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO approval_responses (response_id, gate_id, user_name, approved, comment, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.GateID, r.User, r.Approved, r.Comment, r.CreatedAt)
		return mapRowError(err)
	})
}

// ResolveGate performs the pending -> terminal transition. Resolution is
// one-way; a second resolve returns ErrStaleTransition.
func (s *Store) ResolveGate(ctx context.Context, gateID string, to models.GateStatus) error {
	if !to.Terminal() {
		return NewValidationError("status", "must be terminal")
	}
	res, err := s.writer().ExecContext(ctx,
		`UPDATE approval_gates SET status = $1, resolved_at = now()
		 WHERE gate_id = $2 AND status = 'pending'`, to, gateID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}
