package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/scenario"
)

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("listing scenarios", "error", err)
		writeError(w, http.StatusInternalServerError, "listing scenarios failed")
		return
	}
	if scenarios == nil {
		scenarios = []*scenario.Scenario{}
	}
	writeJSON(w, http.StatusOK, scenarios)
}

func (s *Server) handleCreateScenario(w http.ResponseWriter, r *http.Request) {
	var sc scenario.Scenario
	if msg := readJSON(r, &sc); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	sc.ID = ""

	if err := s.store.CreateScenario(r.Context(), &sc); err != nil {
		// Validation failures carry a precise reason for the client.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.Load(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, scenario.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scenario not found")
		return
	}
	if err != nil {
		s.logger.Error("loading scenario", "error", err)
		writeError(w, http.StatusInternalServerError, "loading scenario failed")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleUpdateScenario(w http.ResponseWriter, r *http.Request) {
	var sc scenario.Scenario
	if msg := readJSON(r, &sc); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	sc.ID = chi.URLParam(r, "id")

	err := s.store.Update(r.Context(), &sc)
	if errors.Is(err, scenario.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scenario not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteScenario(w http.ResponseWriter, r *http.Request) {
	err := s.store.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, scenario.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scenario not found")
		return
	}
	if err != nil {
		s.logger.Error("deleting scenario", "error", err)
		writeError(w, http.StatusInternalServerError, "deleting scenario failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": chi.URLParam(r, "id")})
}

func (s *Server) handleRunScenario(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "scenario runner unavailable")
		return
	}

	var req struct {
		CallID string `json:"call_id"`
	}
	// The body is optional; a bare POST runs the scenario on a fresh call.
	if r.ContentLength > 0 {
		if msg := readJSON(r, &req); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	execID, err := s.runner.Start(r.Context(), chi.URLParam(r, "id"), req.CallID)
	if errors.Is(err, scenario.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scenario not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, scenario.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("loading execution", "error", err)
		writeError(w, http.StatusInternalServerError, "loading execution failed")
		return
	}
	writeJSON(w, http.StatusOK, ex)
}
