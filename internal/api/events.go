package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ecodrix/backend/internal/central"
	"github.com/ecodrix/backend/internal/middleware"
)

// handleListEventLogs returns the tenant's trigger audit records, newest
// first. ?limit= and ?offset= page through them.
func (s *Server) handleListEventLogs(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFrom(r.Context())

	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	logs, err := s.central.ListEventLogs(r.Context(), tenant.TenantCode, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to list event logs")
		return
	}
	if logs == nil {
		logs = []*central.EventLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":   logs,
		"limit":  limit,
		"offset": offset,
	})
}

// handleGetEventLog returns one audit record, scoped to the caller.
func (s *Server) handleGetEventLog(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFrom(r.Context())
	id := mux.Vars(r)["id"]

	eventLog, err := s.central.GetEventLog(r.Context(), tenant.TenantCode, id)
	if err != nil {
		writeError(w, statusFor(err), "", "event log not found")
		return
	}
	writeJSON(w, http.StatusOK, eventLog)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
