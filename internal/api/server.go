// Package api is the HTTP surface: the trigger endpoint, event log reads,
// automation rule CRUD and the admin provisioning routes.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecodrix/backend/internal/automation"
	"github.com/ecodrix/backend/internal/callback"
	"github.com/ecodrix/backend/internal/central"
	"github.com/ecodrix/backend/internal/middleware"
	"github.com/ecodrix/backend/internal/providers"
	"github.com/ecodrix/backend/internal/tenantdata"
)

// TenantStore is the tenant-side data surface the handlers need. Satisfied
// by *tenantdata.Store.
type TenantStore interface {
	GetLead(ctx context.Context, id string) (*tenantdata.Lead, error)
	GetLeadByPhone(ctx context.Context, phone string) (*tenantdata.Lead, error)
	CreateLead(ctx context.Context, lead *tenantdata.Lead) error
	AddNote(ctx context.Context, note *tenantdata.LeadNote) error
	ListNotes(ctx context.Context, leadID string, limit int) ([]*tenantdata.LeadNote, error)
	ActiveRulesForTrigger(ctx context.Context, trigger string) ([]*tenantdata.AutomationRule, error)
	ListRules(ctx context.Context) ([]*tenantdata.AutomationRule, error)
	GetRule(ctx context.Context, id string) (*tenantdata.AutomationRule, error)
	CreateRule(ctx context.Context, r *tenantdata.AutomationRule) error
	UpdateRule(ctx context.Context, r *tenantdata.AutomationRule) error
	DeleteRule(ctx context.Context, id string) error
}

// TenantSource resolves the tenant store for a request.
type TenantSource interface {
	Tenant(ctx context.Context, tenantCode string) (TenantStore, error)
}

// CentralStore is the control-plane surface the handlers need. Satisfied by
// *central.Store.
type CentralStore interface {
	middleware.Authenticator
	CreateEventLog(ctx context.Context, e *central.EventLog) error
	UpdateEventLog(ctx context.Context, id string, upd central.EventLogUpdate) error
	GetEventLog(ctx context.Context, tenantCode, id string) (*central.EventLog, error)
	ListEventLogs(ctx context.Context, tenantCode string, limit, offset int) ([]*central.EventLog, error)
	CreateTenant(ctx context.Context, t *central.Tenant) (string, error)
	RotateAPIKey(ctx context.Context, tenantCode string) (string, error)
	PutSecrets(ctx context.Context, sec *central.Secrets) error
	PutDataSource(ctx context.Context, tenantCode, connString string) error
	GetSecrets(ctx context.Context, tenantCode string) (*central.Secrets, error)
	Ping(ctx context.Context) error
}

// CallbackDispatcher fires a callback without blocking the request.
// Satisfied by *callback.Sender.
type CallbackDispatcher interface {
	Dispatch(req callback.Request)
}

// Server wires the handlers.
type Server struct {
	central    CentralStore
	source     TenantSource
	engine     *automation.Engine
	queue      automation.Enqueuer
	queueName  string
	calendar   providers.Calendar
	callbacks  CallbackDispatcher
	limiter    *middleware.RateLimiter
	adminToken string
	logger     *log.Logger
}

// Options collects the server dependencies.
type Options struct {
	Central    CentralStore
	Source     TenantSource
	Engine     *automation.Engine
	Queue      automation.Enqueuer
	QueueName  string
	Calendar   providers.Calendar
	Callbacks  CallbackDispatcher
	Limiter    *middleware.RateLimiter
	AdminToken string
}

// NewServer creates the HTTP server.
func NewServer(opts Options) *Server {
	return &Server{
		central:    opts.Central,
		source:     opts.Source,
		engine:     opts.Engine,
		queue:      opts.Queue,
		queueName:  opts.QueueName,
		calendar:   opts.Calendar,
		callbacks:  opts.Callbacks,
		limiter:    opts.Limiter,
		adminToken: opts.AdminToken,
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Tenant-authenticated surface.
	tenant := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.TenantAuth(s.central, h)
	}
	trigger := tenant(s.handleTrigger)
	if s.limiter != nil {
		trigger = tenant(s.limiter.Limit(s.handleTrigger))
	}
	r.HandleFunc("/workflows/trigger", trigger).Methods("POST")
	r.HandleFunc("/events/logs", tenant(s.handleListEventLogs)).Methods("GET")
	r.HandleFunc("/events/logs/{id}", tenant(s.handleGetEventLog)).Methods("GET")
	r.HandleFunc("/leads/{id}/notes", tenant(s.handleListNotes)).Methods("GET")
	r.HandleFunc("/leads/{id}/notes", tenant(s.handleAddNote)).Methods("POST")
	r.HandleFunc("/automations", tenant(s.handleListRules)).Methods("GET")
	r.HandleFunc("/automations", tenant(s.handleCreateRule)).Methods("POST")
	r.HandleFunc("/automations/{id}", tenant(s.handleGetRule)).Methods("GET")
	r.HandleFunc("/automations/{id}", tenant(s.handleUpdateRule)).Methods("PUT")
	r.HandleFunc("/automations/{id}", tenant(s.handleDeleteRule)).Methods("DELETE")

	// Admin provisioning surface.
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.AdminAuth(s.adminToken, h)
	}
	r.HandleFunc("/admin/clients", admin(s.handleCreateClient)).Methods("POST")
	r.HandleFunc("/admin/clients/{code}/rotate-key", admin(s.handleRotateKey)).Methods("POST")
	r.HandleFunc("/admin/clients/{code}/secrets", admin(s.handlePutSecrets)).Methods("POST")
	r.HandleFunc("/admin/clients/{code}/datasource", admin(s.handlePutDataSource)).Methods("POST")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.central.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": "central db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: code})
}
