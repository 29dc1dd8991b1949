// Package jobs maps queued job types to their handlers: automation events
// and actions, outbound email, meetings, reminders, score refresh, signed
// callbacks and broadcast fan-out.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ecodrix/backend/internal/automation"
	"github.com/ecodrix/backend/internal/callback"
	"github.com/ecodrix/backend/internal/providers"
	"github.com/ecodrix/backend/internal/queue"
	"github.com/ecodrix/backend/internal/tenantdata"
)

// TenantStore is the full tenant data surface the processors need, the
// engine's slice plus scoring and broadcast queries. Satisfied by
// *tenantdata.Store.
type TenantStore interface {
	automation.Data
	GetLeadByPhone(ctx context.Context, phone string) (*tenantdata.Lead, error)
	UpdateScore(ctx context.Context, leadID string, score tenantdata.Score) error
	StagesForPipeline(ctx context.Context, pipelineID string) ([]*tenantdata.PipelineStage, error)
	CountActivities(ctx context.Context, leadID string, since time.Time) (int, error)
	ListLeadPhonesByTag(ctx context.Context, tag string) ([]string, error)
	RecordBroadcast(ctx context.Context, b *tenantdata.Broadcast) error
}

// Source resolves the tenant store for processors.
type Source interface {
	Tenant(ctx context.Context, tenantCode string) (TenantStore, error)
}

// CallbackSender delivers a signed callback synchronously. Satisfied by
// *callback.Sender.
type CallbackSender interface {
	Send(ctx context.Context, req callback.Request) error
}

// Processor dispatches claimed jobs by their envelope type.
type Processor struct {
	engine    *automation.Engine
	source    Source
	email     providers.Email
	calendar  providers.Calendar
	secrets   providers.SecretsSource
	callbacks CallbackSender
	logger    *log.Logger

	// BroadcastPause spaces consecutive broadcast sends to stay under the
	// provider's rate limit. Zero disables pacing.
	BroadcastPause time.Duration
}

// NewProcessor wires the job handlers.
func NewProcessor(engine *automation.Engine, source Source, email providers.Email, calendar providers.Calendar, secrets providers.SecretsSource, callbacks CallbackSender) *Processor {
	return &Processor{
		engine:    engine,
		source:    source,
		email:     email,
		calendar:  calendar,
		secrets:   secrets,
		callbacks: callbacks,
		logger:    log.New(log.Writer(), "[JOBS] ", log.LstdFlags),
	}
}

// Process implements queue.Processor.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	env := job.Data
	if env.TenantCode == "" {
		return fmt.Errorf("%w: job %s has no tenant", queue.ErrPermanent, job.ID)
	}

	switch env.Type {
	case queue.TypeAutomationEvent:
		return p.automationEvent(ctx, env)
	case queue.TypeAutomationAction:
		return p.automationAction(ctx, env)
	case queue.TypeEmail:
		return p.sendEmail(ctx, env)
	case queue.TypeMeeting:
		return p.createMeeting(ctx, env)
	case queue.TypeReminder:
		return p.reminder(ctx, env)
	case queue.TypeScoreRefresh:
		return p.scoreRefresh(ctx, env)
	case queue.TypeWebhookNotify:
		return p.webhookNotify(ctx, env)
	case queue.TypeWhatsAppBroadcast:
		return p.broadcast(ctx, env)
	}
	return fmt.Errorf("%w: unknown job type %q", queue.ErrPermanent, env.Type)
}

func decode(env queue.Envelope, v interface{}) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", queue.ErrPermanent, env.Type, err)
	}
	return nil
}

func (p *Processor) automationEvent(ctx context.Context, env queue.Envelope) error {
	var pl queue.AutomationEventPayload
	if err := decode(env, &pl); err != nil {
		return err
	}

	data, err := p.source.Tenant(ctx, env.TenantCode)
	if err != nil {
		return err
	}

	lead, err := p.resolveLead(ctx, data, pl.LeadID, pl.Phone)
	if errors.Is(err, tenantdata.ErrLeadNotFound) {
		p.logger.Printf("⚠️ Lead for deferred %s gone, skipping", pl.Trigger)
		return nil
	}
	if err != nil {
		return err
	}

	_, err = p.engine.RunAutomations(ctx, env.TenantCode, automation.TriggerEvent{
		Trigger:   pl.Trigger,
		Lead:      lead,
		Variables: pl.Variables,
	})
	return err
}

func (p *Processor) automationAction(ctx context.Context, env queue.Envelope) error {
	var pl queue.AutomationActionPayload
	if err := decode(env, &pl); err != nil {
		return err
	}
	return p.engine.ExecuteQueuedAction(ctx, env.TenantCode, pl)
}

func (p *Processor) sendEmail(ctx context.Context, env queue.Envelope) error {
	var pl queue.EmailPayload
	if err := decode(env, &pl); err != nil {
		return err
	}

	result, err := p.email.SendEmail(ctx, env.TenantCode, providers.EmailMessage{
		To:      pl.To,
		Subject: pl.Subject,
		HTML:    pl.HTML,
		Text:    pl.Text,
	})
	if err != nil {
		return err
	}
	if !result.Success {
		p.logger.Printf("Email to %s rejected: %s", pl.To, result.Error)
		return nil
	}

	if pl.LeadID != "" {
		data, err := p.source.Tenant(ctx, env.TenantCode)
		if err != nil {
			return err
		}
		if err := data.TouchLastContacted(ctx, pl.LeadID, time.Now().UTC()); err != nil {
			return err
		}
		return data.AppendActivity(ctx, pl.LeadID, "email_sent", pl.Subject)
	}
	return nil
}

func (p *Processor) createMeeting(ctx context.Context, env queue.Envelope) error {
	var pl queue.MeetingPayload
	if err := decode(env, &pl); err != nil {
		return err
	}

	result, err := p.calendar.CreateMeeting(ctx, env.TenantCode, providers.MeetingRequest{
		Summary:   pl.Summary,
		Start:     pl.Start,
		End:       pl.End,
		Attendees: pl.Attendees,
	})
	if err != nil {
		return err
	}

	if pl.LeadID == "" {
		return nil
	}
	data, err := p.source.Tenant(ctx, env.TenantCode)
	if err != nil {
		return err
	}
	if !result.Success {
		return data.AppendActivity(ctx, pl.LeadID, "meeting_failed", result.Error)
	}
	return data.AppendActivity(ctx, pl.LeadID, "meeting_created", result.HangoutLink)
}

func (p *Processor) reminder(ctx context.Context, env queue.Envelope) error {
	var pl queue.ReminderPayload
	if err := decode(env, &pl); err != nil {
		return err
	}

	data, err := p.source.Tenant(ctx, env.TenantCode)
	if err != nil {
		return err
	}
	lead, err := data.GetLead(ctx, pl.LeadID)
	if errors.Is(err, tenantdata.ErrLeadNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if pl.Note != "" {
		if err := data.AppendActivity(ctx, lead.ID, "reminder", pl.Note); err != nil {
			return err
		}
	}
	_, err = p.engine.RunAutomations(ctx, env.TenantCode, automation.TriggerEvent{
		Trigger:   "reminder_due",
		Lead:      lead,
		Variables: pl.Variables,
	})
	return err
}

// scoreRefresh recomputes the score and fires the score triggers when the
// total moved.
func (p *Processor) scoreRefresh(ctx context.Context, env queue.Envelope) error {
	var pl queue.ScoreRefreshPayload
	if err := decode(env, &pl); err != nil {
		return err
	}

	data, err := p.source.Tenant(ctx, env.TenantCode)
	if err != nil {
		return err
	}
	lead, err := data.GetLead(ctx, pl.LeadID)
	if errors.Is(err, tenantdata.ErrLeadNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	stages, err := data.StagesForPipeline(ctx, lead.PipelineID)
	if err != nil {
		return err
	}
	position := 0
	for i, st := range stages {
		if st.ID == lead.StageID {
			position = i
			break
		}
	}

	activityCount, err := data.CountActivities(ctx, lead.ID, time.Now().AddDate(0, 0, -90))
	if err != nil {
		return err
	}

	oldTotal := lead.Score.Total
	score := tenantdata.ComputeScore(lead, position, len(stages), activityCount, time.Now().UTC())
	if err := data.UpdateScore(ctx, lead.ID, score); err != nil {
		return err
	}
	lead.Score = score
	if score.Total == oldTotal {
		return nil
	}

	trigger := tenantdata.TriggerScoreAbove
	if score.Total < oldTotal {
		trigger = tenantdata.TriggerScoreBelow
	}
	_, err = p.engine.RunAutomations(ctx, env.TenantCode, automation.TriggerEvent{
		Trigger: trigger,
		Lead:    lead,
	})
	return err
}

func (p *Processor) webhookNotify(ctx context.Context, env queue.Envelope) error {
	var pl queue.WebhookNotifyPayload
	if err := decode(env, &pl); err != nil {
		return err
	}

	sec, err := p.secrets.GetSecrets(ctx, env.TenantCode)
	if err != nil {
		return err
	}
	return p.callbacks.Send(ctx, callback.Request{
		TenantCode: env.TenantCode,
		EventLogID: pl.EventLogID,
		URL:        pl.URL,
		Payload:    pl.Body,
		Secret:     sec.WebhookSecret,
	})
}

// broadcast fans a template out to every open lead carrying the tag. One
// rejected recipient does not stop the rest; a transport error aborts and
// retries the job, relying on the provider id dedupe downstream.
func (p *Processor) broadcast(ctx context.Context, env queue.Envelope) error {
	var pl queue.WhatsAppBroadcastPayload
	if err := decode(env, &pl); err != nil {
		return err
	}
	if pl.TemplateName == "" {
		return fmt.Errorf("%w: broadcast without templateName", queue.ErrPermanent)
	}

	data, err := p.source.Tenant(ctx, env.TenantCode)
	if err != nil {
		return err
	}
	phones, err := data.ListLeadPhonesByTag(ctx, pl.TagFilter)
	if err != nil {
		return err
	}

	sent, rejected := 0, 0
	for i, phone := range phones {
		if i > 0 && p.BroadcastPause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.BroadcastPause):
			}
		}
		lead, err := data.GetLeadByPhone(ctx, phone)
		if errors.Is(err, tenantdata.ErrLeadNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		result, err := p.engine.SendTemplate(ctx, data, env.TenantCode, pl.TemplateName, pl.Language, lead, pl.Variables)
		if err != nil {
			return err
		}
		if result.Success {
			sent++
		} else {
			rejected++
		}
	}
	if err := data.RecordBroadcast(ctx, &tenantdata.Broadcast{
		TemplateName: pl.TemplateName,
		TagFilter:    pl.TagFilter,
		Recipients:   len(phones),
		Sent:         sent,
		Rejected:     rejected,
	}); err != nil {
		return err
	}
	p.logger.Printf("✅ Broadcast %s for %s: %d sent, %d rejected of %d",
		pl.TemplateName, env.TenantCode, sent, rejected, len(phones))
	return nil
}

func (p *Processor) resolveLead(ctx context.Context, data TenantStore, leadID, phone string) (*tenantdata.Lead, error) {
	if leadID != "" {
		return data.GetLead(ctx, leadID)
	}
	if phone != "" {
		return data.GetLeadByPhone(ctx, phone)
	}
	return nil, tenantdata.ErrLeadNotFound
}
