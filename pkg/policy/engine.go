// Package policy evaluates org rules before builds run and manages
// manual approval gates. Policies are ordered by ascending priority; the
// first deny stops evaluation.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

// Decision is the outcome of evaluating one policy or the whole chain.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the decision with no objection.
var Allow = Decision{Allowed: true}

// Deny builds a denying decision.
func Deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Input is what policies see: the build being considered and its
// pipeline.
type Input struct {
	Build    *models.Build
	Pipeline *models.Pipeline
}

// Handler evaluates one policy kind.
type Handler interface {
	Kind() models.PolicyKind
	Evaluate(ctx context.Context, in Input, config map[string]any) (Decision, error)
}

// PolicyStore is the persistence surface the engine needs. Implemented
// by store.Store.
type PolicyStore interface {
	ListEnabledPolicies(ctx context.Context, orgID string) ([]*models.Policy, error)
	RecordPolicyEvaluation(ctx context.Context, ev *store.PolicyEvaluation) error
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
}

// Engine runs an org's enabled policies against a build.
type Engine struct {
	store    PolicyStore
	handlers map[models.PolicyKind]Handler
}

// NewEngine creates an engine with the built-in handlers registered.
func NewEngine(st PolicyStore) *Engine {
	e := &Engine{
		store:    st,
		handlers: make(map[models.PolicyKind]Handler),
	}
	e.Register(&BranchRestriction{})
	e.Register(&TimeWindow{})
	e.Register(&DockerImage{})
	e.Register(&PluginTrust{})
	return e
}

// Register adds a handler; plugins register additional kinds here.
func (e *Engine) Register(h Handler) {
	e.handlers[h.Kind()] = h
}

// Evaluate runs the org's enabled policies in order. Every decision is
// recorded; the first deny ends the run. A policy whose kind has no
// registered handler denies (fail closed).
func (e *Engine) Evaluate(ctx context.Context, orgID string, in Input) (Decision, error) {
	policies, err := e.store.ListEnabledPolicies(ctx, orgID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load policies: %w", err)
	}

	for _, p := range policies {
		h, ok := e.handlers[p.Kind]
		var d Decision
		if !ok {
			d = Deny("no handler registered for policy kind %q", p.Kind)
		} else {
			d, err = h.Evaluate(ctx, in, p.Config)
			if err != nil {
				// Evaluation errors fail closed.
				d = Deny("policy %s evaluation failed: %v", p.ID, err)
			}
		}
		e.record(ctx, p.ID, in.Build.ID, d)
		if !d.Allowed {
			slog.Info("Build denied by policy",
				"build_id", in.Build.ID, "policy_id", p.ID, "kind", p.Kind, "reason", d.Reason)
			e.auditDenial(ctx, orgID, p, in.Build.ID, d.Reason)
			return d, nil
		}
	}
	return Allow, nil
}

// auditDenial appends the hash-chained audit row for a denied build.
// Best-effort: the denial stands even if the audit write fails.
func (e *Engine) auditDenial(ctx context.Context, orgID string, p *models.Policy, buildID, reason string) {
	err := e.store.AppendAudit(ctx, &models.AuditEntry{
		OrgID:        orgID,
		Action:       "policy-denied",
		ResourceType: "build",
		ResourceID:   buildID,
		Detail:       fmt.Sprintf("policy %s (%s): %s", p.ID, p.Kind, reason),
	})
	if err != nil {
		slog.Error("Failed to audit policy denial",
			"policy_id", p.ID, "build_id", buildID, "error", err)
	}
}

func (e *Engine) record(ctx context.Context, policyID, buildID string, d Decision) {
	decision := "allow"
	if !d.Allowed {
		decision = "deny"
	}
	err := e.store.RecordPolicyEvaluation(ctx, &store.PolicyEvaluation{
		PolicyID: policyID,
		BuildID:  buildID,
		Decision: decision,
		Reason:   d.Reason,
	})
	if err != nil {
		slog.Error("Failed to record policy evaluation",
			"policy_id", policyID, "build_id", buildID, "error", err)
	}
}
