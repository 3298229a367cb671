package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/runbox/internal/events"
	"github.com/jkaninda/runbox/internal/storage"
)

const (
	eventsSubprotocol = "runbox-events-v1"
	streamPing        = 30 * time.Second
	streamWrite       = 10 * time.Second
)

// handleEvents streams the lifecycle events of one execution over a
// websocket. The connection closes after the terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.authorizeStd(w, r)
	if !ok {
		return
	}
	raw, _ := pathID(r.URL.Path, "events")
	exec, err := s.lookup(r.Context(), clientID, raw)
	if err != nil {
		status, msg := s.classify(err)
		writeError(w, status, msg)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.bus.Subscribe(ctx, exec.ID)
	if err != nil {
		s.logger.Error("event subscription failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	// Re-read after subscribing so a run finishing in between is not missed.
	if latest, err := s.store.Get(ctx, exec.ID); err == nil {
		exec = latest
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{eventsSubprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Clients never send data frames; reading only handles control frames
	// and cancels ctx once the peer goes away.
	ctx = conn.CloseRead(ctx)

	log := s.logger.With(slog.String("execution_id", exec.ID.String()))
	if err := s.stream(ctx, conn, exec, sub); err != nil && ctx.Err() == nil {
		log.Debug("event stream ended", slog.String("error", err.Error()))
	}
}

// stream writes the current status, then every event until a terminal one.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, exec *storage.Execution, sub <-chan events.Event) error {
	if err := writeEvent(ctx, conn, snapshot(exec)); err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(streamPing)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWrite)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		case evt, ok := <-sub:
			if !ok {
				return events.ErrClosed
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
			if evt.Type.Terminal() {
				return nil
			}
		}
	}
}

// snapshot reports a stored execution as the event of its current status.
func snapshot(exec *storage.Execution) events.Event {
	switch exec.Status {
	case storage.StatusCompleted:
		evt := events.Finished(exec.ID, exec.Result())
		if exec.FinishedAt != nil {
			evt.Time = *exec.FinishedAt
		}
		return evt
	case storage.StatusFailed:
		evt := events.Rejected(exec.ID, exec.Error)
		if exec.FinishedAt != nil {
			evt.Time = *exec.FinishedAt
		}
		return evt
	case storage.StatusRunning:
		return events.New(exec.ID, events.Running)
	default:
		evt := events.New(exec.ID, events.Queued)
		evt.Time = exec.CreatedAt
		return evt
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, streamWrite)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
