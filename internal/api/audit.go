package api

import (
	"net/http"
	"strconv"

	"github.com/sudspoint/washtrack-core/internal/audit"
)

// handleListAudit returns paginated audit trail entries with optional filters.
//
// Query parameters:
//   - action: filter by action (login, login_failed, refresh_rotated,
//     reuse_detected, session_expired, logout)
//   - user_id: filter by user
//   - client_type: filter by client type (web, mobile)
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		UserID:     q.Get("user_id"),
		ClientType: q.Get("client_type"),
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
