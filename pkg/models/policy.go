package models

import "time"

// PolicyKind identifies the handler that evaluates a policy. The set is
// open-ended: plugins may register additional kinds.
type PolicyKind string

const (
	PolicyBranchRestriction PolicyKind = "branch-restriction"
	PolicyTimeWindow        PolicyKind = "time-window"
	PolicyDockerImage       PolicyKind = "docker-image"
	PolicyPluginTrust       PolicyKind = "plugin-trust"
)

// Policy is an org-scoped rule evaluated before a build or stage runs.
// Policies evaluate in ascending Priority; ties break by creation order.
type Policy struct {
	ID        string         `db:"policy_id" json:"id"`
	OrgID     string         `db:"org_id" json:"org_id"`
	Kind      PolicyKind     `db:"kind" json:"kind"`
	Priority  int            `db:"priority" json:"priority"`
	Enabled   bool           `db:"enabled" json:"enabled"`
	Config    map[string]any `db:"-" json:"config"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// GateStatus is the approval gate lifecycle state.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
	GateTimedOut GateStatus = "timed_out"
)

// Terminal reports whether the gate can no longer change state.
func (s GateStatus) Terminal() bool { return s != GatePending }

// ApprovalResponse is one user's decision on a gate. A user appears at
// most once per gate.
type ApprovalResponse struct {
	ID        string    `db:"response_id" json:"id"`
	GateID    string    `db:"gate_id" json:"gate_id"`
	User      string    `db:"user_name" json:"user"`
	Approved  bool      `db:"approved" json:"approved"`
	Comment   string    `db:"comment" json:"comment,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ApprovalGate blocks a stage until enough qualified users approve.
// Unique on (build_id, stage_name).
type ApprovalGate struct {
	ID             string             `db:"gate_id" json:"id"`
	BuildID        string             `db:"build_id" json:"build_id"`
	StageName      string             `db:"stage_name" json:"stage_name"`
	Status         GateStatus         `db:"status" json:"status"`
	RequiredRole   string             `db:"required_role" json:"required_role,omitempty"`
	ApproverGroup  []string           `db:"-" json:"approver_group,omitempty"`
	MinApprovals   int                `db:"min_approvals" json:"min_approvals"`
	TimeoutMinutes int                `db:"timeout_minutes" json:"timeout_minutes"`
	Responses      []ApprovalResponse `db:"-" json:"responses,omitempty"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	ResolvedAt     *time.Time         `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Approvals counts approve responses.
func (g *ApprovalGate) Approvals() int {
	n := 0
	for _, r := range g.Responses {
		if r.Approved {
			n++
		}
	}
	return n
}

// Rejections counts reject responses.
func (g *ApprovalGate) Rejections() int {
	n := 0
	for _, r := range g.Responses {
		if !r.Approved {
			n++
		}
	}
	return n
}

// AuditEntry is one row of the hash-chained audit log. For every row but
// the first, PrevHash equals the preceding row's EntryHash.
type AuditEntry struct {
	ID           string    `db:"audit_id" json:"id"`
	Timestamp    time.Time `db:"ts" json:"timestamp"`
	OrgID        string    `db:"org_id" json:"org_id"`
	UserID       string    `db:"user_id" json:"user_id,omitempty"`
	Action       string    `db:"action" json:"action"`
	ResourceType string    `db:"resource_type" json:"resource_type"`
	ResourceID   string    `db:"resource_id" json:"resource_id"`
	Detail       string    `db:"detail" json:"detail,omitempty"`
	PrevHash     string    `db:"prev_hash" json:"prev_hash"`
	EntryHash    string    `db:"entry_hash" json:"entry_hash"`
}
