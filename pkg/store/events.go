package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
)

// AppendEvent persists one build event. Event IDs are time-ordered, so
// ordering within a build is the insertion order.
func (s *Store) AppendEvent(ctx context.Context, ev *models.BuildEvent) error {
	if ev.BuildID == "" {
		return NewValidationError("build_id", "required")
	}
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(dataOrEmpty(ev.Data))
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	_, err = s.writer().ExecContext(ctx,
		`INSERT INTO build_events (event_id, build_id, event_type, stage_name, step_name, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.BuildID, ev.Type, ev.StageName, ev.StepName, data, ev.CreatedAt)
	return mapRowError(err)
}

func dataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

type eventRow struct {
	models.BuildEvent
	RawData []byte `db:"data"`
}

func (r *eventRow) toModel() *models.BuildEvent {
	ev := r.BuildEvent
	if len(r.RawData) > 0 {
		_ = json.Unmarshal(r.RawData, &ev.Data)
	}
	return &ev
}

// ListEvents returns a build's events in order, optionally only those
// after the given event id. Late subscribers replay history through this.
func (s *Store) ListEvents(ctx context.Context, buildID, afterEventID string, limit int) ([]*models.BuildEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT event_id, build_id, event_type, stage_name, step_name, data, created_at
	          FROM build_events WHERE build_id = $1`
	args := []any{buildID}
	if afterEventID != "" {
		query += ` AND event_id > $2`
		args = append(args, afterEventID)
	}
	query += fmt.Sprintf(` ORDER BY event_id LIMIT %d`, limit)

	var rows []eventRow
	if err := s.reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	events := make([]*models.BuildEvent, len(rows))
	for i := range rows {
		events[i] = rows[i].toModel()
	}
	return events, nil
}
