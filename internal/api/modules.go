package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-ethrelay/internal/device"
)

// handleListModules returns every module the bridge has identified.
func (s *Server) handleListModules(w http.ResponseWriter, _ *http.Request) {
	if s.inventory == nil {
		fail(w, http.StatusServiceUnavailable, "module inventory not configured")
		return
	}

	modules := s.inventory.List()
	if modules == nil {
		modules = []device.Module{}
	}
	respond(w, http.StatusOK, map[string]any{
		"modules": modules,
		"count":   len(modules),
	})
}

// handleGetModule returns one module by serial number.
func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	if s.inventory == nil {
		fail(w, http.StatusServiceUnavailable, "module inventory not configured")
		return
	}

	serial := chi.URLParam(r, "serial")
	m, err := s.inventory.Get(r.Context(), serial)
	if err != nil {
		if errors.Is(err, device.ErrModuleNotFound) {
			fail(w, http.StatusNotFound, "module not found")
			return
		}
		s.logger.Error("failed to get module", "serial", serial, "request_id", requestID(r.Context()), "error", err)
		fail(w, http.StatusInternalServerError, "failed to get module")
		return
	}
	respond(w, http.StatusOK, m)
}
