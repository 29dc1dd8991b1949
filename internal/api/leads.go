package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ecodrix/backend/internal/middleware"
	"github.com/ecodrix/backend/internal/tenantdata"
)

type noteBody struct {
	Body   string `json:"body"`
	Author string `json:"author,omitempty"`
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFrom(r.Context())
	data, err := s.source.Tenant(r.Context(), tenant.TenantCode)
	if err != nil {
		writeError(w, statusFor(err), "", err.Error())
		return
	}

	leadID := mux.Vars(r)["id"]
	if _, err := data.GetLead(r.Context(), leadID); err != nil {
		writeError(w, statusFor(err), "", "lead not found")
		return
	}
	notes, err := data.ListNotes(r.Context(), leadID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to list notes")
		return
	}
	if notes == nil {
		notes = []*tenantdata.LeadNote{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notes": notes})
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFrom(r.Context())

	var body noteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed JSON body")
		return
	}
	if body.Body == "" {
		writeError(w, http.StatusBadRequest, codeMissingRequired, "body is required")
		return
	}

	data, err := s.source.Tenant(r.Context(), tenant.TenantCode)
	if err != nil {
		writeError(w, statusFor(err), "", err.Error())
		return
	}

	leadID := mux.Vars(r)["id"]
	if _, err := data.GetLead(r.Context(), leadID); err != nil {
		writeError(w, statusFor(err), "", "lead not found")
		return
	}

	note := &tenantdata.LeadNote{
		LeadID: leadID,
		Author: body.Author,
		Body:   body.Body,
	}
	if err := data.AddNote(r.Context(), note); err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to add note")
		return
	}
	writeJSON(w, http.StatusCreated, note)
}
