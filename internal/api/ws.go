package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/progress"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMigrationEvents pushes a job's progress events over WebSocket. The
// first message is a job_progress snapshot read from the store; the stream
// closes normally after the terminal event.
func (s *Server) StreamMigrationEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Tickets.Redeem(r.URL.Query().Get("ticket"), id); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	// subscribe before the snapshot so nothing falls between them
	sub := s.Broker.Subscribe(id)
	defer sub.Close()

	job, err := s.Engine.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// the client sends nothing; reading detects a closed peer
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	log := s.Log.With(zap.String("job_id", id))
	snapshot := models.ProgressEvent{Type: models.EventJobProgress, JobID: id, Payload: job.Snapshot()}
	if err := writeEvent(conn, snapshot); err != nil {
		return
	}
	if job.Status.Terminal() {
		final := models.ProgressEvent{Type: models.EventForStatus(job.Status), JobID: id, Payload: job.Snapshot()}
		if err := writeEvent(conn, final); err == nil {
			closeNormal(conn, string(job.Status))
		}
		return
	}

	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, progress.ErrClosed) {
			closeNormal(conn, "stream ended")
			return
		}
		if err != nil {
			return
		}
		if err := writeEvent(conn, ev); err != nil {
			log.Debug("event stream write failed", zap.Error(err))
			return
		}
		if ev.Type.Terminal() {
			closeNormal(conn, string(ev.Type))
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev models.ProgressEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeNormal(conn *websocket.Conn, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
}
