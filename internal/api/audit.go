package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-ethrelay/internal/audit"
)

// handleListAuditLogs returns paginated audit log entries with optional filters.
//
// Query parameters:
//   - action: filter by action (connect, disconnect, error, command)
//   - entity_type: filter by entity type (module, relay)
//   - entity_id: filter by entity ID, e.g. "garage-relays/1"
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		fail(w, http.StatusServiceUnavailable, "audit logging not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}

	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fail(w, http.StatusBadRequest, key+" must be a non-negative number")
			return
		}
		*dst = n
	}

	result, err := s.history.History(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit logs", "request_id", requestID(r.Context()), "error", err)
		fail(w, http.StatusInternalServerError, "failed to list audit logs")
		return
	}

	respond(w, http.StatusOK, result)
}
