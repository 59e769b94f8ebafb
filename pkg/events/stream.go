package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/chengis/chengis/pkg/models"
)

// catchupLimit caps how many stored events are replayed on connect. Past
// that, the client is told to reload over REST instead of paginating.
const catchupLimit = 1000

// StreamServer serves live build event streams over WebSocket. On
// connect it subscribes to the bus FIRST and replays the durable log
// afterwards, deduplicating on event id, so no event falls into the gap
// between replay and live delivery.
type StreamServer struct {
	store        EventStore
	bus          *Bus
	writeTimeout time.Duration
}

// NewStreamServer creates a StreamServer.
func NewStreamServer(store EventStore, bus *Bus, writeTimeout time.Duration) *StreamServer {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &StreamServer{store: store, bus: bus, writeTimeout: writeTimeout}
}

// ServeBuild streams one build's events to an upgraded connection until
// the client disconnects or ctx is cancelled. lastEventID resumes a
// dropped connection; empty means replay from the start.
func (s *StreamServer) ServeBuild(ctx context.Context, conn *websocket.Conn, buildID, lastEventID string) {
	sub := s.bus.Subscribe(buildID)
	defer sub.Close()

	// Replay history. Live events that arrived during the replay sit in
	// the subscription buffer; the id comparison below filters the ones
	// the replay already covered.
	stored, err := s.store.ListEvents(ctx, buildID, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Event replay query failed", "build_id", buildID, "error", err)
		_ = s.sendJSON(ctx, conn, map[string]string{"type": "error", "message": "replay failed"})
		return
	}
	overflow := len(stored) > catchupLimit
	if overflow {
		stored = stored[:catchupLimit]
	}
	lastSent := lastEventID
	for _, ev := range stored {
		if err := s.sendEvent(ctx, conn, ev); err != nil {
			return
		}
		lastSent = ev.ID
	}
	if overflow {
		_ = s.sendJSON(ctx, conn, map[string]any{
			"type":     "catchup.overflow",
			"build_id": buildID,
		})
		return
	}

	// Drain the client's read side so pings and closes are processed.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			// Time-ordered ids make "already replayed" a string compare.
			if ev.ID <= lastSent {
				continue
			}
			if err := s.sendEvent(ctx, conn, ev); err != nil {
				return
			}
			lastSent = ev.ID
		}
	}
}

func (s *StreamServer) sendEvent(ctx context.Context, conn *websocket.Conn, ev *models.BuildEvent) error {
	return s.sendJSON(ctx, conn, ev)
}

func (s *StreamServer) sendJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
