package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecodrix/backend/internal/automation"
	"github.com/ecodrix/backend/internal/callback"
	"github.com/ecodrix/backend/internal/central"
	"github.com/ecodrix/backend/internal/providers"
	"github.com/ecodrix/backend/internal/queue"
	"github.com/ecodrix/backend/internal/tenantdata"
)

// ============================================================================
// FAKES
// ============================================================================

// fakeTenantData backs both the handler-facing store and the engine's data
// surface for one tenant.
type fakeTenantData struct {
	leads      map[string]*tenantdata.Lead // by phone
	rules      []*tenantdata.AutomationRule
	activities []string
	created    []*tenantdata.Lead
	notes      []*tenantdata.LeadNote
}

func newFakeTenantData() *fakeTenantData {
	return &fakeTenantData{leads: map[string]*tenantdata.Lead{}}
}

func (f *fakeTenantData) GetLeadByPhone(_ context.Context, phone string) (*tenantdata.Lead, error) {
	if l, ok := f.leads[phone]; ok {
		return l, nil
	}
	return nil, tenantdata.ErrLeadNotFound
}

func (f *fakeTenantData) GetLead(_ context.Context, id string) (*tenantdata.Lead, error) {
	for _, l := range f.leads {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, tenantdata.ErrLeadNotFound
}

func (f *fakeTenantData) CreateLead(_ context.Context, lead *tenantdata.Lead) error {
	if lead.ID == "" {
		lead.ID = fmt.Sprintf("lead-%d", len(f.leads)+1)
	}
	lead.PipelineID = "pl-default"
	lead.StageID = "st-default"
	lead.Status = tenantdata.LeadOpen
	f.leads[lead.Phone] = lead
	f.created = append(f.created, lead)
	return nil
}

func (f *fakeTenantData) ActiveRulesForTrigger(_ context.Context, trigger string) ([]*tenantdata.AutomationRule, error) {
	var out []*tenantdata.AutomationRule
	for _, r := range f.rules {
		if r.Trigger == trigger && r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeTenantData) ListRules(context.Context) ([]*tenantdata.AutomationRule, error) {
	return f.rules, nil
}

func (f *fakeTenantData) GetRule(_ context.Context, id string) (*tenantdata.AutomationRule, error) {
	for _, r := range f.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, tenantdata.ErrRuleNotFound
}

func (f *fakeTenantData) CreateRule(_ context.Context, r *tenantdata.AutomationRule) error {
	r.ID = fmt.Sprintf("rule-%d", len(f.rules)+1)
	f.rules = append(f.rules, r)
	return nil
}

func (f *fakeTenantData) UpdateRule(context.Context, *tenantdata.AutomationRule) error { return nil }

func (f *fakeTenantData) DeleteRule(_ context.Context, id string) error {
	for i, r := range f.rules {
		if r.ID == id {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return nil
		}
	}
	return tenantdata.ErrRuleNotFound
}

func (f *fakeTenantData) MarkRuleExecuted(context.Context, string) error { return nil }

func (f *fakeTenantData) GetStage(context.Context, string) (*tenantdata.PipelineStage, error) {
	return nil, tenantdata.ErrStageNotFound
}

func (f *fakeTenantData) MoveLeadToStage(context.Context, string, *tenantdata.PipelineStage) error {
	return nil
}

func (f *fakeTenantData) AssignLead(context.Context, string, string) error { return nil }

func (f *fakeTenantData) AddTag(_ context.Context, leadID, tag string) (bool, error) {
	for _, l := range f.leads {
		if l.ID == leadID {
			if l.HasTag(tag) {
				return false, nil
			}
			l.Tags = append(l.Tags, tag)
			return true, nil
		}
	}
	return false, tenantdata.ErrLeadNotFound
}

func (f *fakeTenantData) RemoveTag(context.Context, string, string) (bool, error) {
	return false, nil
}

func (f *fakeTenantData) TouchLastContacted(context.Context, string, time.Time) error { return nil }

func (f *fakeTenantData) SetMetadataExtra(context.Context, string, string, interface{}) error {
	return nil
}

func (f *fakeTenantData) AppendActivity(_ context.Context, _ string, activityType, _ string) error {
	f.activities = append(f.activities, activityType)
	return nil
}

func (f *fakeTenantData) GetTemplateByName(context.Context, string) (*tenantdata.Template, error) {
	return nil, tenantdata.ErrTemplateNotFound
}

func (f *fakeTenantData) EnsureConversation(context.Context, string, string) (string, error) {
	return "conv-1", nil
}

func (f *fakeTenantData) AppendMessage(context.Context, *tenantdata.Message) error { return nil }

func (f *fakeTenantData) ListInactiveLeads(context.Context, int, int) ([]*tenantdata.Lead, error) {
	return nil, nil
}

func (f *fakeTenantData) AddNote(_ context.Context, note *tenantdata.LeadNote) error {
	if note.ID == "" {
		note.ID = fmt.Sprintf("note-%d", len(f.notes)+1)
	}
	note.CreatedAt = time.Now().UTC()
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeTenantData) ListNotes(_ context.Context, leadID string, _ int) ([]*tenantdata.LeadNote, error) {
	var out []*tenantdata.LeadNote
	for i := len(f.notes) - 1; i >= 0; i-- {
		if f.notes[i].LeadID == leadID {
			out = append(out, f.notes[i])
		}
	}
	return out, nil
}

type apiSource struct{ data *fakeTenantData }

func (s *apiSource) Tenant(context.Context, string) (TenantStore, error) { return s.data, nil }

type engineSource struct{ data *fakeTenantData }

func (s *engineSource) Tenant(context.Context, string) (automation.Data, error) {
	return s.data, nil
}

// fakeCentral is the control-plane store for handler tests.
type fakeCentral struct {
	tenant  *central.Tenant
	events  map[string]*central.EventLog
	updates []central.EventLogUpdate
	secrets *central.Secrets
	nextID  int
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{
		tenant:  &central.Tenant{TenantCode: "ACME", Status: central.TenantActive},
		events:  map[string]*central.EventLog{},
		secrets: &central.Secrets{TenantCode: "ACME", WebhookSecret: "whsec"},
	}
}

func (f *fakeCentral) VerifyAPIKey(_ context.Context, tenantCode, apiKey string) (*central.Tenant, error) {
	if tenantCode == f.tenant.TenantCode && apiKey == "ecx_good" {
		return f.tenant, nil
	}
	return nil, errors.New("invalid credentials")
}

func (f *fakeCentral) CreateEventLog(_ context.Context, e *central.EventLog) error {
	f.nextID++
	e.ID = fmt.Sprintf("evt-%d", f.nextID)
	e.CreatedAt = time.Now()
	f.events[e.ID] = e
	return nil
}

func (f *fakeCentral) UpdateEventLog(_ context.Context, id string, upd central.EventLogUpdate) error {
	e, ok := f.events[id]
	if !ok {
		return central.ErrNotFound
	}
	f.updates = append(f.updates, upd)
	if upd.Status != nil {
		e.Status = *upd.Status
	}
	if upd.RulesMatched != nil {
		e.RulesMatched = *upd.RulesMatched
	}
	if upd.JobsCreated != nil {
		e.JobsCreated = *upd.JobsCreated
	}
	if upd.MeetLink != nil {
		e.MeetLink = *upd.MeetLink
	}
	if upd.Error != nil {
		e.Error = *upd.Error
	}
	return nil
}

func (f *fakeCentral) GetEventLog(_ context.Context, tenantCode, id string) (*central.EventLog, error) {
	e, ok := f.events[id]
	if !ok || e.TenantCode != tenantCode {
		return nil, central.ErrNotFound
	}
	return e, nil
}

func (f *fakeCentral) ListEventLogs(_ context.Context, tenantCode string, limit, offset int) ([]*central.EventLog, error) {
	var out []*central.EventLog
	for _, e := range f.events {
		if e.TenantCode == tenantCode {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeCentral) CreateTenant(_ context.Context, t *central.Tenant) (string, error) {
	return "ecx_newkey", nil
}

func (f *fakeCentral) RotateAPIKey(context.Context, string) (string, error) {
	return "ecx_rotated", nil
}

func (f *fakeCentral) PutSecrets(_ context.Context, sec *central.Secrets) error {
	f.secrets = sec
	return nil
}

func (f *fakeCentral) PutDataSource(context.Context, string, string) error { return nil }

func (f *fakeCentral) GetSecrets(context.Context, string) (*central.Secrets, error) {
	return f.secrets, nil
}

func (f *fakeCentral) Ping(context.Context) error { return nil }

type fakeCalendar struct{ result *providers.MeetingResult }

func (f *fakeCalendar) CreateMeeting(context.Context, string, providers.MeetingRequest) (*providers.MeetingResult, error) {
	if f.result != nil {
		return f.result, nil
	}
	return &providers.MeetingResult{Success: true, HangoutLink: "https://meet.google.com/abc", EventID: "ev1"}, nil
}

type fakeDispatcher struct{ reqs []callback.Request }

func (f *fakeDispatcher) Dispatch(req callback.Request) { f.reqs = append(f.reqs, req) }

type recordingQueue struct{ jobs []queuedAdd }

type queuedAdd struct {
	env  queue.Envelope
	opts queue.AddOptions
}

func (q *recordingQueue) Add(_ context.Context, _ string, env queue.Envelope, opts queue.AddOptions) (*queue.Job, error) {
	q.jobs = append(q.jobs, queuedAdd{env: env, opts: opts})
	return &queue.Job{ID: "job-1", Data: env}, nil
}

type testEnv struct {
	server   *httptest.Server
	data     *fakeTenantData
	centralF *fakeCentral
	queueF   *recordingQueue
	calendar *fakeCalendar
	dispatch *fakeDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	data := newFakeTenantData()
	centralF := newFakeCentral()
	queueF := &recordingQueue{}
	cal := &fakeCalendar{}
	disp := &fakeDispatcher{}

	engine := automation.NewEngine(&engineSource{data: data}, queueF, "crm", automation.Providers{})
	srv := NewServer(Options{
		Central:    centralF,
		Source:     &apiSource{data: data},
		Engine:     engine,
		Queue:      queueF,
		QueueName:  "crm",
		Calendar:   cal,
		Callbacks:  disp,
		AdminToken: "admintok",
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, data: data, centralF: centralF, queueF: queueF, calendar: cal, dispatch: disp}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *testEnv) get(t *testing.T, path string, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func tenantHeaders() map[string]string {
	return map[string]string{"x-client-code": "ACME", "x-api-key": "ecx_good"}
}

// ============================================================================
// TRIGGER ENDPOINT
// ============================================================================

func TestTriggerImmediateRuleMatch(t *testing.T) {
	env := newTestEnv(t)
	env.data.rules = []*tenantdata.AutomationRule{{
		ID: "r1", Name: "welcome", Trigger: "form_submitted", IsActive: true,
		Actions: []tenantdata.RuleAction{
			{Type: tenantdata.ActionAddTag, Config: map[string]interface{}{"tag": "new"}},
			{Type: tenantdata.ActionSendWhatsApp, Config: map[string]interface{}{"templateName": "welcome"}},
		},
	}}

	resp, body := env.post(t, "/workflows/trigger", map[string]interface{}{
		"trigger":             "form_submitted",
		"phone":               "919876543210",
		"variables":           map[string]string{"name": "A"},
		"createLeadIfMissing": true,
	}, tenantHeaders())

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["rulesMatched"])
	assert.Equal(t, false, body["scheduled"])
	assert.NotEmpty(t, body["eventLogId"])
	assert.NotEmpty(t, body["leadId"])

	// Lead was created with the tag applied inline.
	lead := env.data.leads["919876543210"]
	require.NotNil(t, lead)
	assert.True(t, lead.HasTag("new"))

	// Messaging action went through the queue.
	require.Len(t, env.queueF.jobs, 1)
	assert.Equal(t, queue.TypeAutomationAction, env.queueF.jobs[0].env.Type)

	// Audit record reached completed.
	evt := env.centralF.events[body["eventLogId"].(string)]
	require.NotNil(t, evt)
	assert.Equal(t, central.EventCompleted, evt.Status)
	assert.Equal(t, 1, evt.RulesMatched)
}

func TestTriggerDelayedSchedulesEvent(t *testing.T) {
	env := newTestEnv(t)
	env.data.leads["919876543210"] = &tenantdata.Lead{ID: "lead-1", Phone: "919876543210"}

	resp, body := env.post(t, "/workflows/trigger", map[string]interface{}{
		"trigger":      "form_submitted",
		"phone":        "919876543210",
		"delayMinutes": 5,
	}, tenantHeaders())

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["scheduled"])

	require.Len(t, env.queueF.jobs, 1)
	job := env.queueF.jobs[0]
	assert.Equal(t, queue.TypeAutomationEvent, job.env.Type)
	assert.Equal(t, 5*time.Minute, job.opts.Delay)

	var p queue.AutomationEventPayload
	require.NoError(t, json.Unmarshal(job.env.Payload, &p))
	assert.Equal(t, "form_submitted", p.Trigger)
	assert.Equal(t, "lead-1", p.LeadID)
	assert.Equal(t, "919876543210", p.Variables["phone"])
}

func TestTriggerMeetFailureDegradesToWarning(t *testing.T) {
	env := newTestEnv(t)
	env.data.leads["919876543210"] = &tenantdata.Lead{ID: "lead-1", Phone: "919876543210"}
	env.calendar.result = &providers.MeetingResult{Success: false, Error: "quota"}

	resp, body := env.post(t, "/workflows/trigger", map[string]interface{}{
		"trigger":      "demo_booked",
		"phone":        "919876543210",
		"requiresMeet": true,
	}, tenantHeaders())

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["meetLink"])
	assert.Equal(t, "quota", body["meetWarning"])

	evt := env.centralF.events[body["eventLogId"].(string)]
	assert.Equal(t, central.EventCompleted, evt.Status)
}

func TestTriggerMeetSuccessEnrichesVariables(t *testing.T) {
	env := newTestEnv(t)
	env.data.leads["919876543210"] = &tenantdata.Lead{ID: "lead-1", Phone: "919876543210"}

	resp, body := env.post(t, "/workflows/trigger", map[string]interface{}{
		"trigger":      "demo_booked",
		"phone":        "919876543210",
		"requiresMeet": true,
		"delayMinutes": 1,
	}, tenantHeaders())

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://meet.google.com/abc", body["meetLink"])

	var p queue.AutomationEventPayload
	require.NoError(t, json.Unmarshal(env.queueF.jobs[0].env.Payload, &p))
	assert.Equal(t, "https://meet.google.com/abc", p.Variables["meetLink"])
}

func TestTriggerLeadMissingWithoutCreateIs404(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.post(t, "/workflows/trigger", map[string]interface{}{
		"trigger": "form_submitted",
		"phone":   "919876543210",
	}, tenantHeaders())

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, codeLeadNotFound, body["code"])

	// The audit record exists and is failed.
	require.Len(t, env.centralF.events, 1)
	for _, evt := range env.centralF.events {
		assert.Equal(t, central.EventFailed, evt.Status)
		assert.NotEmpty(t, evt.Error)
	}
}

func TestTriggerCallbackDispatched(t *testing.T) {
	env := newTestEnv(t)
	env.data.leads["919876543210"] = &tenantdata.Lead{ID: "lead-1", Phone: "919876543210"}

	resp, body := env.post(t, "/workflows/trigger", map[string]interface{}{
		"trigger":     "form_submitted",
		"phone":       "919876543210",
		"callbackUrl": "https://client.acme.test/hook",
	}, tenantHeaders())

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, env.dispatch.reqs, 1)
	cb := env.dispatch.reqs[0]
	assert.Equal(t, "https://client.acme.test/hook", cb.URL)
	assert.Equal(t, "whsec", cb.Secret)
	assert.Equal(t, body["eventLogId"], cb.EventLogID)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(cb.Payload, &payload))
	assert.Equal(t, "queued", payload["status"])
}

func TestTriggerValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]interface{}
		code string
	}{
		{"missing trigger", map[string]interface{}{"phone": "919876543210"}, codeMissingRequired},
		{"missing phone", map[string]interface{}{"trigger": "x"}, codeMissingRequired},
		{"trigger with spaces", map[string]interface{}{"trigger": "form submitted", "phone": "919876543210"}, codeInvalidTrigger},
		{"trigger too long", map[string]interface{}{"trigger": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "phone": "919876543210"}, codeInvalidTrigger},
		{"phone too short", map[string]interface{}{"trigger": "x", "phone": "12345"}, codeInvalidPhone},
		{"phone too long", map[string]interface{}{"trigger": "x", "phone": "1234567890123456"}, codeInvalidPhone},
		{"phone with letters", map[string]interface{}{"trigger": "x", "phone": "91987abc3210"}, codeInvalidPhone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.post(t, "/workflows/trigger", tc.body, tenantHeaders())
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.code, body["code"])
		})
	}

	// Validation failures never write an audit record.
	assert.Empty(t, env.centralF.events)
}

func TestTriggerAcceptsPlusPrefixedPhone(t *testing.T) {
	env := newTestEnv(t)
	env.data.leads["919876543210"] = &tenantdata.Lead{ID: "lead-1", Phone: "919876543210"}

	resp, _ := env.post(t, "/workflows/trigger", map[string]interface{}{
		"trigger": "x_trigger",
		"phone":   "+919876543210",
	}, tenantHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTriggerRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.post(t, "/workflows/trigger", map[string]interface{}{
		"trigger": "x", "phone": "919876543210",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.post(t, "/workflows/trigger", map[string]interface{}{
		"trigger": "x", "phone": "919876543210",
	}, map[string]string{"x-client-code": "ACME", "x-api-key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ============================================================================
// RULES CRUD
// ============================================================================

func TestRuleCreateAndValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.post(t, "/automations", map[string]interface{}{
		"name":    "tag new leads",
		"trigger": "form_submitted",
		"actions": []map[string]interface{}{
			{"type": "add_tag", "config": map[string]interface{}{"tag": "new"}},
		},
	}, tenantHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, true, body["is_active"])

	resp, body = env.post(t, "/automations", map[string]interface{}{
		"name":    "bad",
		"trigger": "x",
		"actions": []map[string]interface{}{{"type": "launch_rocket"}},
	}, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown action type")

	resp, _ = env.post(t, "/automations", map[string]interface{}{
		"name": "no actions", "trigger": "x",
	}, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ============================================================================
// LEAD NOTES
// ============================================================================

func TestLeadNotesRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.data.leads["919876543210"] = &tenantdata.Lead{
		ID: "lead-1", Phone: "919876543210", Status: tenantdata.LeadOpen,
	}

	resp, body := env.post(t, "/leads/lead-1/notes", map[string]interface{}{
		"body": "asked for pricing in USD", "author": "sales@acme.test",
	}, tenantHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "asked for pricing in USD", body["body"])

	resp, body = env.get(t, "/leads/lead-1/notes", tenantHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	notes := body["notes"].([]interface{})
	require.Len(t, notes, 1)
	note := notes[0].(map[string]interface{})
	assert.Equal(t, "lead-1", note["lead_id"])
	assert.Equal(t, "sales@acme.test", note["author"])
}

func TestLeadNotesValidation(t *testing.T) {
	env := newTestEnv(t)
	env.data.leads["919876543210"] = &tenantdata.Lead{
		ID: "lead-1", Phone: "919876543210", Status: tenantdata.LeadOpen,
	}

	// Empty body is rejected before touching the store.
	resp, _ := env.post(t, "/leads/lead-1/notes", map[string]interface{}{
		"author": "sales@acme.test",
	}, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, env.data.notes)

	// Unknown lead is a 404.
	resp, _ = env.post(t, "/leads/lead-gone/notes", map[string]interface{}{
		"body": "x",
	}, tenantHeaders())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.get(t, "/leads/lead-gone/notes", tenantHeaders())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ============================================================================
// ADMIN
// ============================================================================

func TestAdminProvisioning(t *testing.T) {
	env := newTestEnv(t)

	// Wrong token.
	resp, _ := env.post(t, "/admin/clients", map[string]interface{}{
		"tenantCode": "NEWCO", "businessName": "NewCo",
	}, map[string]string{"x-admin-token": "nope"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Right token returns the one-time API key.
	resp, body := env.post(t, "/admin/clients", map[string]interface{}{
		"tenantCode": "NEWCO", "businessName": "NewCo",
	}, map[string]string{"x-admin-token": "admintok"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ecx_newkey", body["apiKey"])

	resp, _ = env.post(t, "/admin/clients/NEWCO/datasource", map[string]interface{}{
		"connString": "postgres://tenant:pw@db/newco",
	}, map[string]string{"x-admin-token": "admintok"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
