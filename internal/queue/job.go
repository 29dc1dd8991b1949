// Package queue implements the durable central job queue: one jobs table
// across all tenants, an enqueue primitive, and a claim/execute/retry
// worker. The claim transition waiting → active is the only coordination
// primitive between worker goroutines and the store.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job statuses.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Recognized job types. The enumeration is the authoritative contract for
// payload shapes; unknown types fail permanently on first execution.
const (
	TypeAutomationEvent   = "crm.automation_event"
	TypeAutomationAction  = "crm.automation_action"
	TypeEmail             = "crm.email"
	TypeMeeting           = "crm.meeting"
	TypeReminder          = "crm.reminder"
	TypeScoreRefresh      = "crm.score_refresh"
	TypeWebhookNotify     = "crm.webhook_notify"
	TypeWhatsAppBroadcast = "crm.whatsapp_broadcast"
)

// Envelope is the data field of every job: the queue layer treats it as
// opaque, by convention it carries the tenant, the type discriminator and a
// type-specific payload.
type Envelope struct {
	TenantCode string          `json:"tenantCode"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// Job is one durable unit of deferred work.
type Job struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Data        Envelope   `json:"data"`
	Priority    int        `json:"priority"`
	RunAt       time.Time  `json:"run_at"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// ============================================================================
// TYPED PAYLOADS
// ============================================================================

// AutomationEventPayload re-enters the automation engine for a delayed
// trigger event.
type AutomationEventPayload struct {
	Trigger    string            `json:"trigger"`
	LeadID     string            `json:"leadId"`
	Phone      string            `json:"phone"`
	Email      string            `json:"email,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	EventLogID string            `json:"eventLogId,omitempty"`
}

// AutomationActionPayload executes one deferred rule action. Executed
// carries the "ruleID:leadID" pairs already run in this trigger chain so the
// re-entrancy guard survives the queue hop.
type AutomationActionPayload struct {
	ActionType   string            `json:"actionType"`
	ActionConfig json.RawMessage   `json:"actionConfig"`
	RuleID       string            `json:"ruleId"`
	LeadID       string            `json:"leadId"`
	Variables    map[string]string `json:"ctxVariables,omitempty"`
	Executed     []string          `json:"executed,omitempty"`
	Depth        int               `json:"depth,omitempty"`
}

// EmailPayload sends one email through the tenant's SMTP credentials.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
	LeadID  string `json:"leadId,omitempty"`
}

// MeetingPayload creates a calendar meeting and stores the link on the lead.
type MeetingPayload struct {
	LeadID    string    `json:"leadId"`
	Summary   string    `json:"summary"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Attendees []string  `json:"attendees,omitempty"`
}

// ReminderPayload re-enters the engine with the reminder_due trigger.
type ReminderPayload struct {
	LeadID    string            `json:"leadId"`
	Note      string            `json:"note,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// ScoreRefreshPayload recomputes a lead's score components.
type ScoreRefreshPayload struct {
	LeadID string `json:"leadId"`
}

// WebhookNotifyPayload delivers a signed callback from the queue.
type WebhookNotifyPayload struct {
	URL        string          `json:"url"`
	Body       json.RawMessage `json:"body"`
	EventLogID string          `json:"eventLogId,omitempty"`
}

// WhatsAppBroadcastPayload fans a template out to a tag-filtered segment.
type WhatsAppBroadcastPayload struct {
	TemplateName string            `json:"templateName"`
	Language     string            `json:"language"`
	TagFilter    string            `json:"tagFilter,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// NewEnvelope marshals a typed payload into an Envelope.
func NewEnvelope(tenantCode, jobType string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("queue: marshal %s payload: %w", jobType, err)
	}
	return Envelope{TenantCode: tenantCode, Type: jobType, Payload: raw}, nil
}
