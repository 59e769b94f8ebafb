package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
)

type agentRow struct {
	models.Agent
	RawLabels     []byte `db:"labels"`
	RawSystemInfo []byte `db:"system_info"`
}

func (r *agentRow) toModel() *models.Agent {
	a := r.Agent
	if len(r.RawLabels) > 0 {
		_ = json.Unmarshal(r.RawLabels, &a.Labels)
	}
	if len(r.RawSystemInfo) > 0 {
		_ = json.Unmarshal(r.RawSystemInfo, &a.SystemInfo)
	}
	return &a
}

const agentColumns = `agent_id, name, url, labels, max_builds, current_builds,
	status, last_heartbeat, system_info, org_id, registered_at`

// RegisterAgent inserts a new agent or refreshes an existing registration
// with the same id (agents re-register after a restart).
func (s *Store) RegisterAgent(ctx context.Context, a *models.Agent) error {
	if a.Name == "" {
		return NewValidationError("name", "required")
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	labels, err := json.Marshal(sliceOrEmpty(a.Labels))
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	sysInfo, err := json.Marshal(paramsOrEmpty(a.SystemInfo))
	if err != nil {
		return fmt.Errorf("failed to marshal system info: %w", err)
	}
	now := time.Now().UTC()
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = now
	}
	a.LastHeartbeat = now
	if a.Status == "" {
		a.Status = models.AgentOnline
	}
	_, err = s.writer().ExecContext(ctx,
		`INSERT INTO agents (agent_id, name, url, labels, max_builds, current_builds,
		     status, last_heartbeat, system_info, org_id, registered_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10)
		 ON CONFLICT (agent_id) DO UPDATE SET
		     name = EXCLUDED.name,
		     url = EXCLUDED.url,
		     labels = EXCLUDED.labels,
		     max_builds = EXCLUDED.max_builds,
		     status = EXCLUDED.status,
		     last_heartbeat = EXCLUDED.last_heartbeat,
		     system_info = EXCLUDED.system_info`,
		a.ID, a.Name, a.URL, labels, a.MaxBuilds,
		a.Status, a.LastHeartbeat, sysInfo, a.OrgID, a.RegisteredAt)
	return err
}

func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var row agentRow
	err := s.reader().GetContext(ctx, &row,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// ListAgents returns the whole fleet.
func (s *Store) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	var rows []agentRow
	err := s.reader().SelectContext(ctx, &rows,
		`SELECT `+agentColumns+` FROM agents ORDER BY registered_at`)
	if err != nil {
		return nil, err
	}
	agents := make([]*models.Agent, len(rows))
	for i := range rows {
		agents[i] = rows[i].toModel()
	}
	return agents, nil
}

// TouchAgentHeartbeat records a heartbeat and the agent's reported load.
func (s *Store) TouchAgentHeartbeat(ctx context.Context, agentID string, currentBuilds int) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = now(), current_builds = $1,
		     status = CASE WHEN status = 'offline' THEN 'online' ELSE status END
		 WHERE agent_id = $2`, currentBuilds, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentStatus moves an agent between online, draining, and offline.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE agents SET status = $1 WHERE agent_id = $2`, status, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustAgentLoad bumps current_builds by delta, clamped at zero.
func (s *Store) AdjustAgentLoad(ctx context.Context, agentID string, delta int) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE agents SET current_builds = GREATEST(current_builds + $1, 0)
		 WHERE agent_id = $2`, delta, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStaleAgentsOffline flips agents whose heartbeat predates the cutoff
// to offline and returns how many changed.
func (s *Store) MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE agents SET status = 'offline'
		 WHERE status <> 'offline' AND last_heartbeat < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteAgent removes an agent registration.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.writer().ExecContext(ctx,
		`DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
