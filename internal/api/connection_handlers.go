package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rflorenc/artifact-migration-workbench/internal/connections"
)

func (s *Server) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var in connections.Input
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := s.Connections.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (s *Server) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.Connections.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.Connections.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// UpdateConnection replaces the connection's fields. Omitted credentials
// keep the stored ones.
func (s *Server) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	var in connections.Input
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := s.Connections.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (s *Server) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.Connections.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestConnection answers 200 whether or not the source is reachable; the
// outcome is in the body.
func (s *Server) TestConnection(w http.ResponseWriter, r *http.Request) {
	result, err := s.Connections.Test(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
