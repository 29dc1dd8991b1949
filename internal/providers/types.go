// Package providers holds the outbound integration clients: WhatsApp
// template messaging, SMTP email, and Google Calendar meetings. The engine
// and the worker depend only on the interfaces here; concrete clients
// resolve per-tenant credentials from the central secrets store on each
// call.
package providers

import (
	"context"
	"time"

	"github.com/ecodrix/backend/internal/central"
)

// SecretsSource supplies decrypted tenant credentials. Satisfied by
// *central.Store.
type SecretsSource interface {
	GetSecrets(ctx context.Context, tenantCode string) (*central.Secrets, error)
}

// SendResult is the outcome of a templated message send.
type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	Error             string `json:"error,omitempty"`
}

// EmailMessage is one outbound email.
type EmailMessage struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// EmailResult is the outcome of an email send.
type EmailResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MeetingRequest describes a calendar meeting to create.
type MeetingRequest struct {
	Summary   string
	Start     time.Time
	End       time.Time
	Attendees []string
}

// MeetingResult is the outcome of a meeting creation.
type MeetingResult struct {
	Success     bool   `json:"success"`
	HangoutLink string `json:"hangoutLink,omitempty"`
	EventID     string `json:"eventId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// WhatsApp sends templated messages through the tenant's messaging account.
type WhatsApp interface {
	SendTemplated(ctx context.Context, tenantCode, to, templateName, language string, variables []string) (*SendResult, error)
}

// Email sends through the tenant's SMTP credentials.
type Email interface {
	SendEmail(ctx context.Context, tenantCode string, msg EmailMessage) (*EmailResult, error)
}

// Calendar creates meetings on the tenant's calendar.
type Calendar interface {
	CreateMeeting(ctx context.Context, tenantCode string, req MeetingRequest) (*MeetingResult, error)
}
