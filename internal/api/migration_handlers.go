package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rflorenc/artifact-migration-workbench/internal/migration"
	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

func (s *Server) CreateMigration(w http.ResponseWriter, r *http.Request) {
	var in migration.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.Engine.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) ListMigrations(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Engine.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) GetMigration(w http.ResponseWriter, r *http.Request) {
	job, err := s.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) DeleteMigration(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// control adapts an asynchronous job operation. The operation only records
// the request, so the answer is 202 with the job as it stands.
func (s *Server) control(op func(context.Context, string) (*models.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := op(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func (s *Server) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := migration.ItemFilter{
		Status:   q.Get("status"),
		ItemType: q.Get("item_type"),
	}
	var err error
	if filter.Page, err = intParam(q.Get("page"), "page"); err != nil {
		s.fail(w, r, err)
		return
	}
	if filter.PageSize, err = intParam(q.Get("page_size"), "page_size"); err != nil {
		s.fail(w, r, err)
		return
	}

	page, err := s.Engine.Tracker().List(r.Context(), chi.URLParam(r, "id"), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &models.ValidationError{Field: name, Reason: "must be an integer"}
	}
	if n < 1 {
		return 0, &models.ValidationError{Field: name, Reason: "must be at least 1"}
	}
	return n, nil
}

func (s *Server) GetReport(w http.ResponseWriter, r *http.Request) {
	out, contentType, err := s.Reports.Build(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// RunAssessment starts an assessment in the background.
func (s *Server) RunAssessment(w http.ResponseWriter, r *http.Request) {
	job, err := s.Engine.Assess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) GetAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := s.Engine.Assessment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// IssueStreamTicket grants a short-lived, single-use ticket for the job's
// event stream.
func (s *Server) IssueStreamTicket(w http.ResponseWriter, r *http.Request) {
	job, err := s.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ticket, err := s.Tickets.Issue(job.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}
