package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ecodrix/backend/internal/central"
)

// handleCreateClient provisions a tenant and returns its API key. The key
// is shown exactly once; only its hash is stored.
func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantCode   string `json:"tenantCode"`
		BusinessName string `json:"businessName"`
		Email        string `json:"email"`
		Status       string `json:"status,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed JSON body")
		return
	}
	if body.TenantCode == "" || body.BusinessName == "" {
		writeError(w, http.StatusBadRequest, "", "tenantCode and businessName are required")
		return
	}

	tenant := &central.Tenant{
		TenantCode:   body.TenantCode,
		BusinessName: body.BusinessName,
		Email:        body.Email,
		Status:       body.Status,
	}
	apiKey, err := s.central.CreateTenant(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to create client")
		return
	}
	s.logger.Printf("✅ Client %s provisioned", tenant.TenantCode)
	writeJSON(w, http.StatusCreated, map[string]string{
		"tenantCode": tenant.TenantCode,
		"apiKey":     apiKey,
	})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	apiKey, err := s.central.RotateAPIKey(r.Context(), code)
	if err != nil {
		writeError(w, statusFor(err), "", "failed to rotate key")
		return
	}
	s.logger.Printf("Key rotated for %s", code)
	writeJSON(w, http.StatusOK, map[string]string{"tenantCode": code, "apiKey": apiKey})
}

// handlePutSecrets stores a tenant's provider credentials; values are
// encrypted before they touch the database.
func (s *Server) handlePutSecrets(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	var sec central.Secrets
	if err := json.NewDecoder(r.Body).Decode(&sec); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed JSON body")
		return
	}
	sec.TenantCode = code

	if err := s.central.PutSecrets(r.Context(), &sec); err != nil {
		writeError(w, statusFor(err), "", "failed to store secrets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenantCode": code, "status": "stored"})
}

// handlePutDataSource registers the tenant's database connection string.
func (s *Server) handlePutDataSource(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	var body struct {
		ConnString string `json:"connString"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed JSON body")
		return
	}
	if body.ConnString == "" {
		writeError(w, http.StatusBadRequest, "", "connString is required")
		return
	}

	if err := s.central.PutDataSource(r.Context(), code, body.ConnString); err != nil {
		writeError(w, statusFor(err), "", "failed to store datasource")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenantCode": code, "status": "stored"})
}
