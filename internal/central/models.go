package central

import (
	"encoding/json"
	"time"
)

// ============================================================================
// CONTROL-PLANE DATA MODELS
// ============================================================================

// Tenant statuses.
const (
	TenantActive    = "ACTIVE"
	TenantTrial     = "TRIAL"
	TenantSuspended = "SUSPENDED"
)

// Tenant is a provisioned client organization. TenantCode is the uppercase
// identifier every other record hangs off.
type Tenant struct {
	TenantCode   string    `json:"tenant_code"`
	BusinessName string    `json:"business_name"`
	Email        string    `json:"email"`
	Status       string    `json:"status"`
	APIKeyHash   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Secrets holds a tenant's per-integration credentials in decrypted form.
// At rest every field is encrypted; Store.GetSecrets decrypts on read.
type Secrets struct {
	TenantCode           string `json:"tenant_code"`
	WhatsAppToken        string `json:"whatsapp_token"`
	WhatsAppPhoneID      string `json:"whatsapp_phone_id"`
	WhatsAppWebhookToken string `json:"whatsapp_webhook_token"`
	CalendarClientID     string `json:"calendar_client_id"`
	CalendarClientSecret string `json:"calendar_client_secret"`
	CalendarRefreshToken string `json:"calendar_refresh_token"`
	SMTPHost             string `json:"smtp_host"`
	SMTPUser             string `json:"smtp_user"`
	SMTPPassword         string `json:"smtp_password"`
	WebhookSecret        string `json:"webhook_secret"`
}

// DataSource maps a tenant to its isolated database. The connection string
// is stored encrypted and only ever decrypted inside the registry.
type DataSource struct {
	TenantCode          string    `json:"tenant_code"`
	EncryptedConnString string    `json:"-"`
	Active              bool      `json:"active"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Event log statuses.
const (
	EventReceived   = "received"
	EventProcessing = "processing"
	EventCompleted  = "completed"
	EventFailed     = "failed"
)

// EventLog is the per-trigger audit record. One row per call into the
// trigger endpoint, updated as processing advances.
type EventLog struct {
	ID             string          `json:"id"`
	TenantCode     string          `json:"tenant_code"`
	Trigger        string          `json:"trigger"`
	Phone          string          `json:"phone"`
	Email          string          `json:"email,omitempty"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RulesMatched   int             `json:"rules_matched"`
	JobsCreated    int             `json:"jobs_created"`
	MeetLink       string          `json:"meet_link,omitempty"`
	CallbackURL    string          `json:"callback_url,omitempty"`
	CallbackStatus string          `json:"callback_status,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EventLogUpdate carries the mutable fields of an EventLog. Nil pointers
// leave the stored value untouched.
type EventLogUpdate struct {
	Status         *string
	RulesMatched   *int
	JobsCreated    *int
	MeetLink       *string
	CallbackStatus *string
	Error          *string
}

// CallbackLog records one outbound callback delivery attempt.
type CallbackLog struct {
	ID              string    `json:"id"`
	TenantCode      string    `json:"tenant_code"`
	EventLogID      string    `json:"event_log_id,omitempty"`
	URL             string    `json:"url"`
	Attempt         int       `json:"attempt"`
	HTTPStatus      int       `json:"http_status"`
	ResponseSnippet string    `json:"response_snippet,omitempty"`
	Signature       string    `json:"signature"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
