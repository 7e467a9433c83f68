// Package api exposes connections, migrations and progress streams over
// HTTP and WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rflorenc/artifact-migration-workbench/internal/connections"
	"github.com/rflorenc/artifact-migration-workbench/internal/metrics"
	"github.com/rflorenc/artifact-migration-workbench/internal/migration"
	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/progress"
)

// Server holds shared state for all API handlers.
type Server struct {
	Connections *connections.Service
	Engine      *migration.Engine
	Reports     *migration.ReportBuilder
	Broker      *progress.Broker
	Tickets     *progress.Tickets
	Metrics     *metrics.Metrics
	Log         *zap.Logger
}

// NewRouter builds the chi router with all API routes.
func NewRouter(s *Server) http.Handler {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.Log))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", s.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Connections
		r.Post("/connections", s.CreateConnection)
		r.Get("/connections", s.ListConnections)
		r.Get("/connections/{id}", s.GetConnection)
		r.Put("/connections/{id}", s.UpdateConnection)
		r.Delete("/connections/{id}", s.DeleteConnection)
		r.Post("/connections/{id}/test", s.TestConnection)

		// Migrations
		r.Post("/migrations", s.CreateMigration)
		r.Get("/migrations", s.ListMigrations)
		r.Get("/migrations/{id}", s.GetMigration)
		r.Delete("/migrations/{id}", s.DeleteMigration)
		r.Post("/migrations/{id}/start", s.control(s.Engine.Start))
		r.Post("/migrations/{id}/pause", s.control(s.Engine.Pause))
		r.Post("/migrations/{id}/resume", s.control(s.Engine.Resume))
		r.Post("/migrations/{id}/cancel", s.control(s.Engine.Cancel))
		r.Get("/migrations/{id}/items", s.ListItems)
		r.Get("/migrations/{id}/report", s.GetReport)
		r.Post("/migrations/{id}/assessment", s.RunAssessment)
		r.Get("/migrations/{id}/assessment", s.GetAssessment)
		r.Post("/migrations/{id}/stream-ticket", s.IssueStreamTicket)
	})

	// WebSocket (outside /api to avoid JSON content-type assumptions)
	r.Get("/ws/migrations/{id}/events", s.StreamMigrationEvents)

	return r
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	var (
		vErr    *models.ValidationError
		cErr    *models.ConflictError
		nrErr   *models.NotReadyError
		connErr *models.ConnectionError
	)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.As(err, &cErr), errors.As(err, &nrErr):
		return http.StatusConflict
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail writes err with the matching status. Unexpected errors are logged
// and their text is not exposed.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.Log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &models.ValidationError{Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}
