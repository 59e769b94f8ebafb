package models

import "time"

// AgentStatus is the fleet state of a remote agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentDraining AgentStatus = "draining"
)

// Agent is a remote executor advertising labels and capacity. The
// dispatcher exclusively mutates CurrentBuilds and Status; the runner
// only reads them. OrgID == nil means the agent is shared across orgs.
type Agent struct {
	ID            string            `db:"agent_id" json:"id"`
	Name          string            `db:"name" json:"name"`
	URL           string            `db:"url" json:"url"`
	Labels        []string          `db:"-" json:"labels"`
	MaxBuilds     int               `db:"max_builds" json:"max_builds"`
	CurrentBuilds int               `db:"current_builds" json:"current_builds"`
	Status        AgentStatus       `db:"status" json:"status"`
	LastHeartbeat time.Time         `db:"last_heartbeat" json:"last_heartbeat"`
	SystemInfo    map[string]string `db:"-" json:"system_info,omitempty"`
	OrgID         *string           `db:"org_id" json:"org_id,omitempty"`
	RegisteredAt  time.Time         `db:"registered_at" json:"registered_at"`
}

// HasLabels reports whether the agent's label set is a superset of required.
func (a *Agent) HasLabels(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Labels))
	for _, l := range a.Labels {
		have[l] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// LoadRatio is current_builds / max_builds, used for least-loaded
// selection. Agents with max_builds <= 0 are treated as fully loaded.
func (a *Agent) LoadRatio() float64 {
	if a.MaxBuilds <= 0 {
		return 1.0
	}
	return float64(a.CurrentBuilds) / float64(a.MaxBuilds)
}
