package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ecodrix/backend/internal/automation"
	"github.com/ecodrix/backend/internal/callback"
	"github.com/ecodrix/backend/internal/central"
	"github.com/ecodrix/backend/internal/metrics"
	"github.com/ecodrix/backend/internal/middleware"
	"github.com/ecodrix/backend/internal/providers"
	"github.com/ecodrix/backend/internal/queue"
	"github.com/ecodrix/backend/internal/tenantdata"
)

// Validation error codes returned before any side effect.
const (
	codeInvalidTrigger  = "INVALID_TRIGGER"
	codeInvalidPhone    = "INVALID_PHONE"
	codeMissingRequired = "MISSING_REQUIRED"
	codeLeadNotFound    = "LEAD_NOT_FOUND"
)

type meetConfig struct {
	Summary         string   `json:"summary,omitempty"`
	Start           string   `json:"start,omitempty"` // RFC3339; default now+1h
	DurationMinutes int      `json:"durationMinutes,omitempty"`
	Attendees       []string `json:"attendees,omitempty"`
}

type leadData struct {
	FirstName string  `json:"firstName,omitempty"`
	LastName  string  `json:"lastName,omitempty"`
	Email     string  `json:"email,omitempty"`
	Source    string  `json:"source,omitempty"`
	DealValue float64 `json:"dealValue,omitempty"`
}

type triggerRequest struct {
	Trigger             string                 `json:"trigger"`
	Phone               string                 `json:"phone"`
	Email               string                 `json:"email,omitempty"`
	Variables           map[string]string      `json:"variables,omitempty"`
	Data                map[string]interface{} `json:"data,omitempty"`
	RequiresMeet        bool                   `json:"requiresMeet,omitempty"`
	MeetConfig          *meetConfig            `json:"meetConfig,omitempty"`
	CallbackURL         string                 `json:"callbackUrl,omitempty"`
	CallbackMetadata    map[string]interface{} `json:"callbackMetadata,omitempty"`
	DelayMinutes        int                    `json:"delayMinutes,omitempty"`
	CreateLeadIfMissing bool                   `json:"createLeadIfMissing,omitempty"`
	LeadData            *leadData              `json:"leadData,omitempty"`
}

// MeetLink is a pointer so the field serializes as null, not "", when no
// meeting was created.
type triggerResponse struct {
	EventLogID   string  `json:"eventLogId"`
	Trigger      string  `json:"trigger"`
	LeadID       string  `json:"leadId"`
	MeetLink     *string `json:"meetLink"`
	MeetWarning  string  `json:"meetWarning,omitempty"`
	RulesMatched int     `json:"rulesMatched"`
	Scheduled    bool    `json:"scheduled"`
}

// handleTrigger is the universal automation entry point.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFrom(r.Context())
	start := time.Now()
	defer func() {
		metrics.TriggerDuration.WithLabelValues(tenant.TenantCode).Observe(time.Since(start).Seconds())
	}()

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.TriggersTotal.WithLabelValues(tenant.TenantCode, "rejected").Inc()
		writeError(w, http.StatusBadRequest, codeMissingRequired, "malformed JSON body")
		return
	}

	// Validation happens before any side effect.
	if code, msg := validateTrigger(&req); code != "" {
		metrics.TriggersTotal.WithLabelValues(tenant.TenantCode, "rejected").Inc()
		writeError(w, http.StatusBadRequest, code, msg)
		return
	}
	req.Phone = normalizePhone(req.Phone)

	ctx := r.Context()

	// Step 1: persist the audit record.
	payload, _ := json.Marshal(req)
	eventLog := &central.EventLog{
		TenantCode:  tenant.TenantCode,
		Trigger:     req.Trigger,
		Phone:       req.Phone,
		Email:       req.Email,
		Status:      central.EventReceived,
		Payload:     payload,
		CallbackURL: req.CallbackURL,
	}
	if err := s.central.CreateEventLog(ctx, eventLog); err != nil {
		metrics.TriggersTotal.WithLabelValues(tenant.TenantCode, "failed").Inc()
		writeError(w, http.StatusInternalServerError, "", "failed to record event")
		return
	}

	resp, status, err := s.processTrigger(ctx, tenant.TenantCode, eventLog, &req)
	if err != nil {
		s.failEvent(ctx, eventLog.ID, err)
		metrics.TriggersTotal.WithLabelValues(tenant.TenantCode, "failed").Inc()
		code := ""
		if status == http.StatusNotFound {
			code = codeLeadNotFound
		}
		writeError(w, status, code, err.Error())
		return
	}

	metrics.TriggersTotal.WithLabelValues(tenant.TenantCode, "completed").Inc()
	writeJSON(w, http.StatusOK, resp)
}

// processTrigger runs steps 2..8. The returned status is only meaningful on
// error.
func (s *Server) processTrigger(ctx context.Context, tenantCode string, eventLog *central.EventLog, req *triggerRequest) (*triggerResponse, int, error) {
	data, err := s.source.Tenant(ctx, tenantCode)
	if err != nil {
		return nil, statusFor(err), err
	}

	// Step 2: resolve or create the lead.
	lead, err := data.GetLeadByPhone(ctx, req.Phone)
	if errors.Is(err, tenantdata.ErrLeadNotFound) {
		if !req.CreateLeadIfMissing {
			return nil, http.StatusNotFound, fmt.Errorf("no lead with phone %s", req.Phone)
		}
		lead = newLeadFromRequest(tenantCode, req)
		if err := data.CreateLead(ctx, lead); err != nil {
			return nil, statusFor(err), err
		}
		s.logger.Printf("Lead %s created for %s on trigger %s", lead.ID, tenantCode, req.Trigger)
	} else if err != nil {
		return nil, statusFor(err), err
	}

	// Step 3: meeting, best-effort.
	meetLink, meetWarning := "", ""
	if req.RequiresMeet {
		meetLink, meetWarning = s.createMeet(ctx, tenantCode, lead, req)
	}

	// Step 4: count matching rules.
	ev := automation.TriggerEvent{Trigger: req.Trigger, Lead: lead}
	rules, err := data.ActiveRulesForTrigger(ctx, req.Trigger)
	if err != nil {
		return nil, statusFor(err), err
	}
	rulesMatched := 0
	for _, rule := range rules {
		if automation.Matches(rule, &ev) {
			rulesMatched++
		}
	}
	s.updateEvent(ctx, eventLog.ID, central.EventLogUpdate{
		Status:       ptr(central.EventProcessing),
		RulesMatched: &rulesMatched,
		MeetLink:     &meetLink,
	})

	// Step 5: initial callback, never blocking.
	if req.CallbackURL != "" {
		s.dispatchQueuedCallback(ctx, tenantCode, eventLog.ID, req)
	}

	// Step 6: run now or schedule.
	enriched := enrichVariables(req, meetLink)
	scheduled := false
	jobsCreated := 0
	if req.DelayMinutes > 0 {
		env, err := queue.NewEnvelope(tenantCode, queue.TypeAutomationEvent, queue.AutomationEventPayload{
			Trigger:    req.Trigger,
			LeadID:     lead.ID,
			Phone:      req.Phone,
			Email:      req.Email,
			Variables:  enriched,
			EventLogID: eventLog.ID,
		})
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		if _, err := s.queue.Add(ctx, s.queueName, env, queue.AddOptions{
			Delay: time.Duration(req.DelayMinutes) * time.Minute,
		}); err != nil {
			return nil, statusFor(err), err
		}
		scheduled = true
		jobsCreated = 1
	} else {
		ev.Variables = enriched
		executed, err := s.engine.RunAutomations(ctx, tenantCode, ev)
		if err != nil {
			return nil, statusFor(err), err
		}
		jobsCreated = executed
	}

	// Step 7: close the audit record.
	s.updateEvent(ctx, eventLog.ID, central.EventLogUpdate{
		Status:      ptr(central.EventCompleted),
		JobsCreated: &jobsCreated,
	})

	// Step 8.
	resp := &triggerResponse{
		EventLogID:   eventLog.ID,
		Trigger:      req.Trigger,
		LeadID:       lead.ID,
		MeetWarning:  meetWarning,
		RulesMatched: rulesMatched,
		Scheduled:    scheduled,
	}
	if meetLink != "" {
		resp.MeetLink = &meetLink
	}
	return resp, 0, nil
}

// createMeet calls the calendar provider. Failures degrade to a warning on
// the response instead of failing the trigger.
func (s *Server) createMeet(ctx context.Context, tenantCode string, lead *tenantdata.Lead, req *triggerRequest) (link, warning string) {
	mc := req.MeetConfig
	if mc == nil {
		mc = &meetConfig{}
	}
	startAt := time.Now().UTC().Add(time.Hour)
	if mc.Start != "" {
		if t, err := time.Parse(time.RFC3339, mc.Start); err == nil {
			startAt = t
		}
	}
	duration := 30 * time.Minute
	if mc.DurationMinutes > 0 {
		duration = time.Duration(mc.DurationMinutes) * time.Minute
	}
	summary := mc.Summary
	if summary == "" {
		summary = "Meeting: " + req.Trigger
	}
	attendees := mc.Attendees
	if len(attendees) == 0 && req.Email != "" {
		attendees = []string{req.Email}
	}

	result, err := s.calendar.CreateMeeting(ctx, tenantCode, providers.MeetingRequest{
		Summary:   summary,
		Start:     startAt,
		End:       startAt.Add(duration),
		Attendees: attendees,
	})
	if err != nil {
		s.logger.Printf("⚠️ Meet creation errored for %s: %v", tenantCode, err)
		return "", err.Error()
	}
	if !result.Success {
		return "", result.Error
	}
	return result.HangoutLink, ""
}

// dispatchQueuedCallback sends the initial "queued" notification.
func (s *Server) dispatchQueuedCallback(ctx context.Context, tenantCode, eventLogID string, req *triggerRequest) {
	sec, err := s.central.GetSecrets(ctx, tenantCode)
	if err != nil {
		s.logger.Printf("⚠️ No secrets for %s, skipping callback: %v", tenantCode, err)
		return
	}

	body, err := json.Marshal(map[string]interface{}{
		"eventLogId": eventLogID,
		"status":     "queued",
		"trigger":    req.Trigger,
		"phone":      req.Phone,
		"metadata":   req.CallbackMetadata,
	})
	if err != nil {
		return
	}
	s.callbacks.Dispatch(callback.Request{
		TenantCode: tenantCode,
		EventLogID: eventLogID,
		URL:        req.CallbackURL,
		Payload:    body,
		Secret:     sec.WebhookSecret,
	})
	queued := "queued"
	s.updateEvent(ctx, eventLogID, central.EventLogUpdate{CallbackStatus: &queued})
}

func (s *Server) updateEvent(ctx context.Context, id string, upd central.EventLogUpdate) {
	if err := s.central.UpdateEventLog(ctx, id, upd); err != nil {
		s.logger.Printf("⚠️ EventLog %s update failed: %v", id, err)
	}
}

func (s *Server) failEvent(ctx context.Context, id string, cause error) {
	msg := cause.Error()
	s.updateEvent(ctx, id, central.EventLogUpdate{
		Status: ptr(central.EventFailed),
		Error:  &msg,
	})
}

// ============================================================================
// VALIDATION
// ============================================================================

func validateTrigger(req *triggerRequest) (code, msg string) {
	if req.Trigger == "" {
		return codeMissingRequired, "trigger is required"
	}
	if req.Phone == "" {
		return codeMissingRequired, "phone is required"
	}
	if len(req.Trigger) > 50 || strings.ContainsAny(req.Trigger, " \t") {
		return codeInvalidTrigger, "trigger must be at most 50 characters with no spaces"
	}
	if !validPhone(req.Phone) {
		return codeInvalidPhone, "phone must be 10-15 digits, optionally prefixed with +"
	}
	return "", ""
}

// validPhone accepts E.164-style numbers: 10 to 15 digits, optional leading
// plus sign.
func validPhone(phone string) bool {
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 10 || len(digits) > 15 {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func normalizePhone(phone string) string {
	return strings.TrimPrefix(phone, "+")
}

func newLeadFromRequest(tenantCode string, req *triggerRequest) *tenantdata.Lead {
	lead := &tenantdata.Lead{
		TenantCode: tenantCode,
		Phone:      req.Phone,
		Email:      req.Email,
		Source:     req.Trigger,
		Tags:       []string{},
	}
	if ld := req.LeadData; ld != nil {
		lead.FirstName = ld.FirstName
		lead.LastName = ld.LastName
		if ld.Email != "" {
			lead.Email = ld.Email
		}
		if ld.Source != "" {
			lead.Source = ld.Source
		}
		lead.DealValue = ld.DealValue
	}
	return lead
}

// enrichVariables is the variable set rules resolve against: caller
// variables plus the trigger context and stringified data fields.
func enrichVariables(req *triggerRequest, meetLink string) map[string]string {
	out := make(map[string]string, len(req.Variables)+len(req.Data)+4)
	for k, v := range req.Variables {
		out[k] = v
	}
	for k, v := range req.Data {
		out[k] = stringify(v)
	}
	out["trigger"] = req.Trigger
	out["phone"] = req.Phone
	if req.Email != "" {
		out["email"] = req.Email
	}
	if meetLink != "" {
		out["meetLink"] = meetLink
	}
	return out
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}

// statusFor maps error kinds to HTTP statuses: not found → 404, not
// provisioned → 422, everything else → 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tenantdata.ErrLeadNotFound),
		errors.Is(err, central.ErrNotFound),
		errors.Is(err, tenantdata.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, central.ErrNotProvisioned):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func ptr(s string) *string { return &s }
