package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ecodrix/backend/internal/middleware"
	"github.com/ecodrix/backend/internal/tenantdata"
)

// ruleBody is the request shape for rule create/update.
type ruleBody struct {
	Name          string                     `json:"name"`
	Trigger       string                     `json:"trigger"`
	TriggerConfig tenantdata.TriggerConfig   `json:"triggerConfig"`
	Condition     *tenantdata.RuleCondition  `json:"condition,omitempty"`
	Actions       []tenantdata.RuleAction    `json:"actions"`
	Priority      int                        `json:"priority"`
	IsActive      *bool                      `json:"isActive,omitempty"`
}

func (b *ruleBody) validate() string {
	if b.Name == "" {
		return "name is required"
	}
	if b.Trigger == "" || len(b.Trigger) > 50 || strings.ContainsAny(b.Trigger, " \t") {
		return "trigger must be a non-empty token of at most 50 characters"
	}
	if len(b.Actions) == 0 {
		return "at least one action is required"
	}
	for _, a := range b.Actions {
		switch a.Type {
		case tenantdata.ActionSendWhatsApp, tenantdata.ActionSendEmail,
			tenantdata.ActionMoveStage, tenantdata.ActionAssignTo,
			tenantdata.ActionAddTag, tenantdata.ActionRemoveTag,
			tenantdata.ActionWebhookNotify, tenantdata.ActionCreateMeeting:
		default:
			return "unknown action type: " + a.Type
		}
		if a.DelayMinutes < 0 {
			return "delayMinutes must not be negative"
		}
	}
	if c := b.Condition; c != nil {
		switch c.Operator {
		case tenantdata.OpEq, tenantdata.OpNeq, tenantdata.OpGt, tenantdata.OpGte,
			tenantdata.OpLt, tenantdata.OpLte, tenantdata.OpIn, tenantdata.OpContains:
		default:
			return "unknown condition operator: " + c.Operator
		}
		if c.Field == "" {
			return "condition field is required"
		}
	}
	return ""
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFrom(r.Context())
	data, err := s.source.Tenant(r.Context(), tenant.TenantCode)
	if err != nil {
		writeError(w, statusFor(err), "", err.Error())
		return
	}

	rules, err := data.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to list rules")
		return
	}
	if rules == nil {
		rules = []*tenantdata.AutomationRule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFrom(r.Context())
	data, err := s.source.Tenant(r.Context(), tenant.TenantCode)
	if err != nil {
		writeError(w, statusFor(err), "", err.Error())
		return
	}

	rule, err := data.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), "", "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFrom(r.Context())

	var body ruleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed JSON body")
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "", msg)
		return
	}

	data, err := s.source.Tenant(r.Context(), tenant.TenantCode)
	if err != nil {
		writeError(w, statusFor(err), "", err.Error())
		return
	}

	rule := &tenantdata.AutomationRule{
		Name:          body.Name,
		Trigger:       body.Trigger,
		TriggerConfig: body.TriggerConfig,
		Condition:     body.Condition,
		Actions:       body.Actions,
		Priority:      body.Priority,
		IsActive:      body.IsActive == nil || *body.IsActive,
	}
	if err := data.CreateRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to create rule")
		return
	}
	s.logger.Printf("✅ Rule %q created for %s on trigger %s", rule.Name, tenant.TenantCode, rule.Trigger)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFrom(r.Context())

	var body ruleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed JSON body")
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "", msg)
		return
	}

	data, err := s.source.Tenant(r.Context(), tenant.TenantCode)
	if err != nil {
		writeError(w, statusFor(err), "", err.Error())
		return
	}

	rule, err := data.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), "", "rule not found")
		return
	}

	rule.Name = body.Name
	rule.Trigger = body.Trigger
	rule.TriggerConfig = body.TriggerConfig
	rule.Condition = body.Condition
	rule.Actions = body.Actions
	rule.Priority = body.Priority
	if body.IsActive != nil {
		rule.IsActive = *body.IsActive
	}
	if err := data.UpdateRule(r.Context(), rule); err != nil {
		writeError(w, statusFor(err), "", "failed to update rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFrom(r.Context())
	data, err := s.source.Tenant(r.Context(), tenant.TenantCode)
	if err != nil {
		writeError(w, statusFor(err), "", err.Error())
		return
	}

	if err := data.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), "", "rule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
