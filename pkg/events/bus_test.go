package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/models"
)

func TestBusDeliversToBuildSubscribers(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe("b-1")
	other := bus.Subscribe("b-2")
	defer sub.Close()
	defer other.Close()

	bus.Publish(&models.BuildEvent{ID: "e-1", BuildID: "b-1", Type: models.EventBuildStarted})

	ev := <-sub.C
	assert.Equal(t, "e-1", ev.ID)
	assert.Empty(t, other.C)
}

func TestBusDropsOnOverflow(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe("b-1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(&models.BuildEvent{BuildID: "b-1", Type: models.EventStepOutput})
	}

	// Buffer holds 2; the other 3 were dropped, publisher never blocked.
	assert.Equal(t, int64(3), sub.Dropped())
	assert.Equal(t, int64(3), bus.TotalDropped())
	assert.Len(t, sub.C, 2)
}

func TestBusCloseStopsDelivery(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe("b-1")
	sub.Close()

	require.Equal(t, 0, bus.SubscriberCount("b-1"))
	// Publishing after close must not panic on the closed channel.
	bus.Publish(&models.BuildEvent{BuildID: "b-1"})

	_, open := <-sub.C
	assert.False(t, open)
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus(DefaultBufferSize)
	sub := bus.Subscribe("b-1")
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(&models.BuildEvent{BuildID: "b-1"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), sub.Dropped())
	assert.Len(t, sub.C, 800)
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []*models.BuildEvent
	fail   bool
}

func (f *fakeEventStore) AppendEvent(_ context.Context, ev *models.BuildEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEventStore) ListEvents(_ context.Context, buildID, afterEventID string, limit int) ([]*models.BuildEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.BuildEvent
	for _, ev := range f.events {
		if ev.BuildID == buildID && ev.ID > afterEventID {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func TestRecorderPersistsThenBroadcasts(t *testing.T) {
	fs := &fakeEventStore{}
	bus := NewBus(16)
	rec := NewRecorder(fs, bus)
	sub := bus.Subscribe("b-1")
	defer sub.Close()

	rec.Emit(context.Background(), "b-1", models.EventStageStarted, "deploy", "", nil)

	ev := <-sub.C
	assert.Equal(t, models.EventStageStarted, ev.Type)
	assert.NotEmpty(t, ev.ID)
	require.Len(t, fs.events, 1)
	assert.Equal(t, ev.ID, fs.events[0].ID)
}

func TestRecorderBroadcastsDespiteStoreFailure(t *testing.T) {
	fs := &fakeEventStore{fail: true}
	bus := NewBus(16)
	rec := NewRecorder(fs, bus)
	sub := bus.Subscribe("b-1")
	defer sub.Close()

	rec.Emit(context.Background(), "b-1", models.EventBuildCompleted, "", "", map[string]any{"status": "success"})

	ev := <-sub.C
	assert.Equal(t, models.EventBuildCompleted, ev.Type)
}
