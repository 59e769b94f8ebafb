package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
)

// EventStore persists events. Implemented by store.Store.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *models.BuildEvent) error
	ListEvents(ctx context.Context, buildID, afterEventID string, limit int) ([]*models.BuildEvent, error)
}

// Recorder is the write side of the event pipeline: persist first, then
// broadcast. The durable log is the source of truth; the live stream is a
// cache of it, so an event is never visible live before it is replayable.
type Recorder struct {
	store EventStore
	bus   *Bus
}

// NewRecorder creates a Recorder over the given store and bus.
func NewRecorder(store EventStore, bus *Bus) *Recorder {
	return &Recorder{store: store, bus: bus}
}

// Record persists and broadcasts one event. A persistence failure is
// logged and the event is still broadcast, so live watchers keep working
// during a database outage; replay will have a gap.
func (r *Recorder) Record(ctx context.Context, ev *models.BuildEvent) {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		slog.Error("Failed to persist build event",
			"build_id", ev.BuildID, "event_type", ev.Type, "error", err)
	}
	r.bus.Publish(ev)
}

// Emit is a convenience for the common case.
func (r *Recorder) Emit(ctx context.Context, buildID string, t models.EventType, stage, step string, data map[string]any) {
	r.Record(ctx, &models.BuildEvent{
		BuildID:   buildID,
		Type:      t,
		StageName: stage,
		StepName:  step,
		Data:      data,
	})
}
