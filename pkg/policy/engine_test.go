package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

type fakePolicyStore struct {
	policies []*models.Policy
	evals    []*store.PolicyEvaluation
	audits   []*models.AuditEntry
}

func (f *fakePolicyStore) ListEnabledPolicies(_ context.Context, _ string) ([]*models.Policy, error) {
	return f.policies, nil
}

func (f *fakePolicyStore) RecordPolicyEvaluation(_ context.Context, ev *store.PolicyEvaluation) error {
	f.evals = append(f.evals, ev)
	return nil
}

func (f *fakePolicyStore) AppendAudit(_ context.Context, e *models.AuditEntry) error {
	f.audits = append(f.audits, e)
	return nil
}

func TestEngineFirstDenyStops(t *testing.T) {
	fs := &fakePolicyStore{policies: []*models.Policy{
		{ID: "p-1", Kind: models.PolicyBranchRestriction, Config: map[string]any{"allowed": []any{"main"}}},
		{ID: "p-2", Kind: models.PolicyBranchRestriction, Config: map[string]any{"denied": []any{"*"}}},
	}}
	e := NewEngine(fs)

	d, err := e.Evaluate(context.Background(), "org-1", buildInput("feature/x", nil))
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// Only the first (denying) policy was evaluated and recorded.
	require.Len(t, fs.evals, 1)
	assert.Equal(t, "p-1", fs.evals[0].PolicyID)
	assert.Equal(t, "deny", fs.evals[0].Decision)
}

func TestEngineDenyWritesAuditEntry(t *testing.T) {
	fs := &fakePolicyStore{policies: []*models.Policy{
		{ID: "p-1", Kind: models.PolicyBranchRestriction, Config: map[string]any{"allowed": []any{"main"}}},
	}}
	e := NewEngine(fs)

	d, err := e.Evaluate(context.Background(), "org-1", buildInput("feature/x", nil))
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.Len(t, fs.audits, 1)
	entry := fs.audits[0]
	assert.Equal(t, "org-1", entry.OrgID)
	assert.Equal(t, "policy-denied", entry.Action)
	assert.Equal(t, "build", entry.ResourceType)
	assert.Equal(t, "b-1", entry.ResourceID)
	assert.Contains(t, entry.Detail, "p-1")
}

func TestEngineAllowWritesNoAuditEntry(t *testing.T) {
	fs := &fakePolicyStore{policies: []*models.Policy{
		{ID: "p-1", Kind: models.PolicyBranchRestriction, Config: map[string]any{"allowed": []any{"main"}}},
	}}
	e := NewEngine(fs)

	d, err := e.Evaluate(context.Background(), "org-1", buildInput("main", nil))
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Empty(t, fs.audits)
}

func TestEngineAllAllowed(t *testing.T) {
	fs := &fakePolicyStore{policies: []*models.Policy{
		{ID: "p-1", Kind: models.PolicyBranchRestriction, Config: map[string]any{"allowed": []any{"main"}}},
		{ID: "p-2", Kind: models.PolicyDockerImage, Config: map[string]any{}},
	}}
	e := NewEngine(fs)

	d, err := e.Evaluate(context.Background(), "org-1", buildInput("main", nil))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Len(t, fs.evals, 2)
}

func TestEngineUnknownKindFailsClosed(t *testing.T) {
	fs := &fakePolicyStore{policies: []*models.Policy{
		{ID: "p-1", Kind: "made-up-kind", Config: map[string]any{}},
	}}
	e := NewEngine(fs)

	d, err := e.Evaluate(context.Background(), "org-1", buildInput("main", nil))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "no handler")
}

func TestEngineNoPoliciesAllows(t *testing.T) {
	e := NewEngine(&fakePolicyStore{})
	d, err := e.Evaluate(context.Background(), "org-1", buildInput("main", nil))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
