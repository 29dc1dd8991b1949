package automation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecodrix/backend/internal/providers"
	"github.com/ecodrix/backend/internal/queue"
	"github.com/ecodrix/backend/internal/tenantdata"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeData struct {
	lead       *tenantdata.Lead
	rules      map[string][]*tenantdata.AutomationRule
	stages     map[string]*tenantdata.PipelineStage
	templates  map[string]*tenantdata.Template
	executed   []string
	activities []string
	messages   []*tenantdata.Message
	touched    bool
}

func newFakeData(lead *tenantdata.Lead) *fakeData {
	return &fakeData{
		lead:      lead,
		rules:     map[string][]*tenantdata.AutomationRule{},
		stages:    map[string]*tenantdata.PipelineStage{},
		templates: map[string]*tenantdata.Template{},
	}
}

func (f *fakeData) GetLead(_ context.Context, id string) (*tenantdata.Lead, error) {
	if f.lead == nil || f.lead.ID != id {
		return nil, tenantdata.ErrLeadNotFound
	}
	return f.lead, nil
}

func (f *fakeData) ActiveRulesForTrigger(_ context.Context, trigger string) ([]*tenantdata.AutomationRule, error) {
	return f.rules[trigger], nil
}

func (f *fakeData) MarkRuleExecuted(_ context.Context, id string) error {
	f.executed = append(f.executed, id)
	return nil
}

func (f *fakeData) GetStage(_ context.Context, id string) (*tenantdata.PipelineStage, error) {
	st, ok := f.stages[id]
	if !ok {
		return nil, tenantdata.ErrStageNotFound
	}
	return st, nil
}

func (f *fakeData) MoveLeadToStage(_ context.Context, leadID string, stage *tenantdata.PipelineStage) error {
	f.lead.StageID = stage.ID
	return nil
}

func (f *fakeData) AssignLead(_ context.Context, leadID, userID string) error {
	f.lead.AssignedTo = userID
	return nil
}

func (f *fakeData) AddTag(_ context.Context, leadID, tag string) (bool, error) {
	if f.lead.HasTag(tag) {
		return false, nil
	}
	f.lead.Tags = append(f.lead.Tags, tag)
	return true, nil
}

func (f *fakeData) RemoveTag(_ context.Context, leadID, tag string) (bool, error) {
	for i, t := range f.lead.Tags {
		if t == tag {
			f.lead.Tags = append(f.lead.Tags[:i], f.lead.Tags[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeData) TouchLastContacted(_ context.Context, leadID string, at time.Time) error {
	f.touched = true
	return nil
}

func (f *fakeData) SetMetadataExtra(_ context.Context, leadID, key string, value interface{}) error {
	if f.lead.Metadata.Extra == nil {
		f.lead.Metadata.Extra = map[string]interface{}{}
	}
	f.lead.Metadata.Extra[key] = value
	return nil
}

func (f *fakeData) AppendActivity(_ context.Context, leadID, activityType, detail string) error {
	f.activities = append(f.activities, activityType)
	return nil
}

func (f *fakeData) GetTemplateByName(_ context.Context, name string) (*tenantdata.Template, error) {
	t, ok := f.templates[name]
	if !ok {
		return nil, tenantdata.ErrTemplateNotFound
	}
	return t, nil
}

func (f *fakeData) EnsureConversation(_ context.Context, phone, leadID string) (string, error) {
	return "conv-1", nil
}

func (f *fakeData) AppendMessage(_ context.Context, m *tenantdata.Message) error {
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeData) ListInactiveLeads(_ context.Context, days, limit int) ([]*tenantdata.Lead, error) {
	return []*tenantdata.Lead{f.lead}, nil
}

type fakeSource struct{ data *fakeData }

func (s *fakeSource) Tenant(_ context.Context, tenantCode string) (Data, error) {
	return s.data, nil
}

type queuedJob struct {
	env  queue.Envelope
	opts queue.AddOptions
}

type fakeQueue struct{ jobs []queuedJob }

func (q *fakeQueue) Add(_ context.Context, _ string, env queue.Envelope, opts queue.AddOptions) (*queue.Job, error) {
	q.jobs = append(q.jobs, queuedJob{env: env, opts: opts})
	return &queue.Job{ID: "job-1", Data: env}, nil
}

type fakeWhatsApp struct {
	calls  []([]string)
	result *providers.SendResult
}

func (w *fakeWhatsApp) SendTemplated(_ context.Context, tenantCode, to, templateName, language string, variables []string) (*providers.SendResult, error) {
	w.calls = append(w.calls, variables)
	if w.result != nil {
		return w.result, nil
	}
	return &providers.SendResult{Success: true, ProviderMessageID: "wamid.1"}, nil
}

func newTestEngine(data *fakeData) (*Engine, *fakeQueue, *fakeWhatsApp) {
	q := &fakeQueue{}
	wa := &fakeWhatsApp{}
	e := NewEngine(&fakeSource{data: data}, q, "crm", Providers{WhatsApp: wa})
	return e, q, wa
}

func testLead() *tenantdata.Lead {
	return &tenantdata.Lead{
		ID:         "lead-1",
		Phone:      "5215512345678",
		PipelineID: "pl-1",
		StageID:    "st-new",
		Status:     tenantdata.LeadOpen,
		Tags:       []string{},
	}
}

// ============================================================================
// TESTS
// ============================================================================

func TestRunAutomationsInlineTagCascade(t *testing.T) {
	data := newFakeData(testLead())
	data.rules["form_submitted"] = []*tenantdata.AutomationRule{{
		ID: "r1", Name: "tag new form leads", Trigger: "form_submitted", IsActive: true,
		Actions: []tenantdata.RuleAction{
			{Type: tenantdata.ActionAddTag, Config: map[string]interface{}{"tag": "form"}},
		},
	}}
	data.rules[tenantdata.TriggerTagAdded] = []*tenantdata.AutomationRule{{
		ID: "r2", Name: "assign on form tag", Trigger: tenantdata.TriggerTagAdded,
		TriggerConfig: tenantdata.TriggerConfig{TagName: "form"},
		Actions: []tenantdata.RuleAction{
			{Type: tenantdata.ActionAssignTo, Config: map[string]interface{}{"userId": "u-9"}},
		},
	}}
	e, _, _ := newTestEngine(data)

	n, err := e.RunAutomations(context.Background(), "acme", TriggerEvent{Trigger: "form_submitted", Lead: data.lead})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Cascade fired the tag_added rule.
	assert.Equal(t, []string{"form"}, data.lead.Tags)
	assert.Equal(t, "u-9", data.lead.AssignedTo)
	assert.ElementsMatch(t, []string{"r2", "r1"}, data.executed)
}

func TestRunAutomationsReentrancyGuard(t *testing.T) {
	// Two rules that keep toggling each other's tags would loop forever
	// without the executed set.
	data := newFakeData(testLead())
	data.rules[tenantdata.TriggerTagAdded] = []*tenantdata.AutomationRule{
		{
			ID: "ra", Trigger: tenantdata.TriggerTagAdded,
			TriggerConfig: tenantdata.TriggerConfig{TagName: "a"},
			Actions:       []tenantdata.RuleAction{{Type: tenantdata.ActionAddTag, Config: map[string]interface{}{"tag": "b"}}},
		},
		{
			ID: "rb", Trigger: tenantdata.TriggerTagAdded,
			TriggerConfig: tenantdata.TriggerConfig{TagName: "b"},
			Actions:       []tenantdata.RuleAction{{Type: tenantdata.ActionRemoveTag, Config: map[string]interface{}{"tag": "b"}}},
		},
	}
	data.rules[tenantdata.TriggerTagRemoved] = []*tenantdata.AutomationRule{
		{
			ID: "rc", Trigger: tenantdata.TriggerTagRemoved,
			TriggerConfig: tenantdata.TriggerConfig{TagName: "b"},
			Actions:       []tenantdata.RuleAction{{Type: tenantdata.ActionAddTag, Config: map[string]interface{}{"tag": "b"}}},
		},
	}
	e, _, _ := newTestEngine(data)

	_, err := e.RunAutomations(context.Background(), "acme", TriggerEvent{
		Trigger: tenantdata.TriggerTagAdded,
		Lead:    data.lead,
		Tag:     "a",
	})
	require.NoError(t, err)

	// Every rule ran at most once.
	seen := map[string]int{}
	for _, id := range data.executed {
		seen[id]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "rule %s ran %d times", id, count)
	}
}

func TestRunAutomationsSiblingCascadesShareExecutedSet(t *testing.T) {
	// A rule adding two tags fires two tag_added cascades. The second
	// cascade must see what the first one already ran, or an ungated
	// tag_added rule fires once per sibling.
	data := newFakeData(testLead())
	data.rules["form_submitted"] = []*tenantdata.AutomationRule{{
		ID: "r1", Trigger: "form_submitted",
		Actions: []tenantdata.RuleAction{
			{Type: tenantdata.ActionAddTag, Config: map[string]interface{}{"tag": "a"}},
			{Type: tenantdata.ActionAddTag, Config: map[string]interface{}{"tag": "b"}},
		},
	}}
	data.rules[tenantdata.TriggerTagAdded] = []*tenantdata.AutomationRule{{
		ID: "r2", Trigger: tenantdata.TriggerTagAdded,
		Actions: []tenantdata.RuleAction{
			{Type: tenantdata.ActionAssignTo, Config: map[string]interface{}{"userId": "u-1"}},
		},
	}}
	e, _, _ := newTestEngine(data)

	_, err := e.RunAutomations(context.Background(), "acme", TriggerEvent{Trigger: "form_submitted", Lead: data.lead})
	require.NoError(t, err)

	counts := map[string]int{}
	for _, id := range data.executed {
		counts[id]++
	}
	assert.Equal(t, 1, counts["r2"], "rule r2 ran %d times in one chain", counts["r2"])
}

func TestRunAutomationsDepthLimit(t *testing.T) {
	data := newFakeData(testLead())
	e, _, _ := newTestEngine(data)

	n, err := e.RunAutomations(context.Background(), "acme", TriggerEvent{
		Trigger: "form_submitted",
		Lead:    data.lead,
		Depth:   MaxChainDepth,
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunAutomationsGates(t *testing.T) {
	lead := testLead()
	lead.Score.Total = 55

	tests := []struct {
		name string
		rule *tenantdata.AutomationRule
		ev   TriggerEvent
		want int
	}{
		{
			"stage gate match",
			&tenantdata.AutomationRule{ID: "r", Trigger: tenantdata.TriggerStageEnter,
				TriggerConfig: tenantdata.TriggerConfig{StageID: "st-new"}},
			TriggerEvent{Trigger: tenantdata.TriggerStageEnter, Lead: lead},
			1,
		},
		{
			"stage gate miss",
			&tenantdata.AutomationRule{ID: "r", Trigger: tenantdata.TriggerStageEnter,
				TriggerConfig: tenantdata.TriggerConfig{StageID: "st-other"}},
			TriggerEvent{Trigger: tenantdata.TriggerStageEnter, Lead: lead},
			0,
		},
		{
			"pipeline gate miss",
			&tenantdata.AutomationRule{ID: "r", Trigger: "form_submitted",
				TriggerConfig: tenantdata.TriggerConfig{PipelineID: "pl-other"}},
			TriggerEvent{Trigger: "form_submitted", Lead: lead},
			0,
		},
		{
			"score_above met",
			&tenantdata.AutomationRule{ID: "r", Trigger: tenantdata.TriggerScoreAbove,
				TriggerConfig: tenantdata.TriggerConfig{ScoreThreshold: f64(50)}},
			TriggerEvent{Trigger: tenantdata.TriggerScoreAbove, Lead: lead},
			1,
		},
		{
			"score_above unmet",
			&tenantdata.AutomationRule{ID: "r", Trigger: tenantdata.TriggerScoreAbove,
				TriggerConfig: tenantdata.TriggerConfig{ScoreThreshold: f64(60)}},
			TriggerEvent{Trigger: tenantdata.TriggerScoreAbove, Lead: lead},
			0,
		},
		{
			"score_above without threshold never fires",
			&tenantdata.AutomationRule{ID: "r", Trigger: tenantdata.TriggerScoreAbove},
			TriggerEvent{Trigger: tenantdata.TriggerScoreAbove, Lead: lead},
			0,
		},
		{
			"tag gate matches changed tag",
			&tenantdata.AutomationRule{ID: "r", Trigger: tenantdata.TriggerTagAdded,
				TriggerConfig: tenantdata.TriggerConfig{TagName: "vip"}},
			TriggerEvent{Trigger: tenantdata.TriggerTagAdded, Lead: lead, Tag: "vip"},
			1,
		},
		{
			"tag gate ignores other tag",
			&tenantdata.AutomationRule{ID: "r", Trigger: tenantdata.TriggerTagAdded,
				TriggerConfig: tenantdata.TriggerConfig{TagName: "vip"}},
			TriggerEvent{Trigger: tenantdata.TriggerTagAdded, Lead: lead, Tag: "cold"},
			0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := newFakeData(lead)
			tc.rule.Actions = nil
			data.rules[tc.rule.Trigger] = []*tenantdata.AutomationRule{tc.rule}
			e, _, _ := newTestEngine(data)

			n, err := e.RunAutomations(context.Background(), "acme", tc.ev)
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
}

func TestRunAutomationsQueuesDeferredAndMessagingActions(t *testing.T) {
	data := newFakeData(testLead())
	data.rules["form_submitted"] = []*tenantdata.AutomationRule{{
		ID: "r1", Trigger: "form_submitted",
		Actions: []tenantdata.RuleAction{
			{Type: tenantdata.ActionSendWhatsApp, Config: map[string]interface{}{"templateName": "welcome"}},
			{Type: tenantdata.ActionAddTag, DelayMinutes: 30, Config: map[string]interface{}{"tag": "followup"}},
		},
	}}
	e, q, _ := newTestEngine(data)

	_, err := e.RunAutomations(context.Background(), "acme", TriggerEvent{Trigger: "form_submitted", Lead: data.lead})
	require.NoError(t, err)
	require.Len(t, q.jobs, 2)

	// Messaging action queued immediately.
	assert.Equal(t, queue.TypeAutomationAction, q.jobs[0].env.Type)
	assert.Equal(t, "acme", q.jobs[0].env.TenantCode)
	var p0 queue.AutomationActionPayload
	require.NoError(t, json.Unmarshal(q.jobs[0].env.Payload, &p0))
	assert.Equal(t, tenantdata.ActionSendWhatsApp, p0.ActionType)
	assert.Contains(t, p0.Executed, "r1:lead-1")
	assert.Zero(t, q.jobs[0].opts.Delay)

	// Delayed state action carries its delay.
	var p1 queue.AutomationActionPayload
	require.NoError(t, json.Unmarshal(q.jobs[1].env.Payload, &p1))
	assert.Equal(t, tenantdata.ActionAddTag, p1.ActionType)
	assert.Equal(t, 30*time.Minute, q.jobs[1].opts.Delay)

	// Nothing ran inline.
	assert.Empty(t, data.lead.Tags)
}

func TestRunAutomationsWebhookAction(t *testing.T) {
	data := newFakeData(testLead())
	data.rules["form_submitted"] = []*tenantdata.AutomationRule{{
		ID: "r1", Trigger: "form_submitted",
		Actions: []tenantdata.RuleAction{
			{Type: tenantdata.ActionWebhookNotify, Config: map[string]interface{}{"url": "https://hooks.acme.test/crm"}},
		},
	}}
	e, q, _ := newTestEngine(data)

	_, err := e.RunAutomations(context.Background(), "acme", TriggerEvent{Trigger: "form_submitted", Lead: data.lead})
	require.NoError(t, err)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, queue.TypeWebhookNotify, q.jobs[0].env.Type)

	var p queue.WebhookNotifyPayload
	require.NoError(t, json.Unmarshal(q.jobs[0].env.Payload, &p))
	assert.Equal(t, "https://hooks.acme.test/crm", p.URL)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(p.Body, &body))
	assert.Equal(t, "form_submitted", body["event"])
	assert.Equal(t, "lead-1", body["leadId"])
}

func TestExecuteQueuedActionSendWhatsApp(t *testing.T) {
	data := newFakeData(testLead())
	data.templates["welcome"] = &tenantdata.Template{
		Name: "welcome", Language: "es", EmptyPolicy: tenantdata.EmptyUseFallback,
		Variables: []tenantdata.TemplateVariable{
			{Position: 1, Source: tenantdata.VarSourceLeadField, Value: "firstName", Fallback: "there"},
		},
	}
	data.lead.FirstName = "Ana"
	e, _, wa := newTestEngine(data)

	err := e.ExecuteQueuedAction(context.Background(), "acme", queue.AutomationActionPayload{
		ActionType:   tenantdata.ActionSendWhatsApp,
		ActionConfig: json.RawMessage(`{"templateName":"welcome"}`),
		RuleID:       "r1",
		LeadID:       "lead-1",
	})
	require.NoError(t, err)

	require.Len(t, wa.calls, 1)
	assert.Equal(t, []string{"Ana"}, wa.calls[0])
	require.Len(t, data.messages, 1)
	assert.Equal(t, tenantdata.DirectionOut, data.messages[0].Direction)
	assert.Equal(t, "wamid.1", data.messages[0].ProviderMessageID)
	assert.True(t, data.touched)
	assert.Contains(t, data.activities, "whatsapp_sent")
}

func TestExecuteQueuedActionProviderRejectionCompletes(t *testing.T) {
	data := newFakeData(testLead())
	e, _, wa := newTestEngine(data)
	wa.result = &providers.SendResult{Success: false, Error: "template not approved"}

	err := e.ExecuteQueuedAction(context.Background(), "acme", queue.AutomationActionPayload{
		ActionType:   tenantdata.ActionSendWhatsApp,
		ActionConfig: json.RawMessage(`{"templateName":"welcome"}`),
		LeadID:       "lead-1",
	})
	require.NoError(t, err)
	assert.Contains(t, data.activities, "message_rejected")
	assert.Empty(t, data.messages)
	assert.False(t, data.touched)
}

func TestExecuteQueuedActionLeadGoneIsNoop(t *testing.T) {
	data := newFakeData(testLead())
	e, _, _ := newTestEngine(data)

	err := e.ExecuteQueuedAction(context.Background(), "acme", queue.AutomationActionPayload{
		ActionType: tenantdata.ActionAddTag,
		LeadID:     "lead-deleted",
	})
	assert.NoError(t, err)
}

func TestExecuteQueuedActionDeferredStateCascades(t *testing.T) {
	data := newFakeData(testLead())
	data.rules[tenantdata.TriggerTagAdded] = []*tenantdata.AutomationRule{{
		ID: "r2", Trigger: tenantdata.TriggerTagAdded,
		TriggerConfig: tenantdata.TriggerConfig{TagName: "followup"},
		Actions: []tenantdata.RuleAction{
			{Type: tenantdata.ActionAssignTo, Config: map[string]interface{}{"userId": "u-1"}},
		},
	}}
	e, _, _ := newTestEngine(data)

	err := e.ExecuteQueuedAction(context.Background(), "acme", queue.AutomationActionPayload{
		ActionType:   tenantdata.ActionAddTag,
		ActionConfig: json.RawMessage(`{"tag":"followup"}`),
		RuleID:       "r1",
		LeadID:       "lead-1",
		Executed:     []string{"r1:lead-1"},
		Depth:        1,
	})
	require.NoError(t, err)
	assert.True(t, data.lead.HasTag("followup"))
	assert.Equal(t, "u-1", data.lead.AssignedTo)
}

func TestRunNoContactSweep(t *testing.T) {
	data := newFakeData(testLead())
	data.rules[tenantdata.TriggerNoContact] = []*tenantdata.AutomationRule{{
		ID: "r1", Name: "wake dormant leads", Trigger: tenantdata.TriggerNoContact, IsActive: true,
		TriggerConfig: tenantdata.TriggerConfig{InactiveDays: 14},
		Actions: []tenantdata.RuleAction{
			{Type: tenantdata.ActionAddTag, Config: map[string]interface{}{"tag": "dormant"}},
		},
	}}
	e, _, _ := newTestEngine(data)

	ran, err := e.RunNoContactSweep(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.True(t, data.lead.HasTag("dormant"))
}

func TestRunNoContactSweepSkipsUnconfiguredRules(t *testing.T) {
	data := newFakeData(testLead())
	data.rules[tenantdata.TriggerNoContact] = []*tenantdata.AutomationRule{{
		ID: "r1", Trigger: tenantdata.TriggerNoContact, IsActive: true,
		Actions: []tenantdata.RuleAction{
			{Type: tenantdata.ActionAddTag, Config: map[string]interface{}{"tag": "dormant"}},
		},
	}}
	e, _, _ := newTestEngine(data)

	ran, err := e.RunNoContactSweep(context.Background(), "acme")
	require.NoError(t, err)
	assert.Zero(t, ran)
	assert.False(t, data.lead.HasTag("dormant"))
}

func f64(v float64) *float64 { return &v }
