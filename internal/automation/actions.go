package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ecodrix/backend/internal/providers"
	"github.com/ecodrix/backend/internal/queue"
	"github.com/ecodrix/backend/internal/tenantdata"
)

// runAction executes one action of a matched rule. Lead state changes run
// inline so later actions and conditions in the same chain see them;
// messaging, meetings and callbacks always go through the queue, as does
// anything with a delay.
func (e *Engine) runAction(ctx context.Context, data Data, tenantCode string, rule *tenantdata.AutomationRule, action tenantdata.RuleAction, ev *TriggerEvent) error {
	delay := time.Duration(action.DelayMinutes) * time.Minute

	switch action.Type {
	case tenantdata.ActionMoveStage, tenantdata.ActionAssignTo,
		tenantdata.ActionAddTag, tenantdata.ActionRemoveTag:
		if delay > 0 {
			return e.enqueueAction(ctx, tenantCode, rule, action, ev, delay)
		}
		return e.applyStateAction(ctx, data, tenantCode, action, ev)

	case tenantdata.ActionWebhookNotify:
		return e.enqueueWebhook(ctx, tenantCode, action, ev, delay)

	case tenantdata.ActionSendWhatsApp, tenantdata.ActionSendEmail,
		tenantdata.ActionCreateMeeting:
		return e.enqueueAction(ctx, tenantCode, rule, action, ev, delay)
	}
	return fmt.Errorf("automation: unknown action type %q", action.Type)
}

func (e *Engine) enqueueAction(ctx context.Context, tenantCode string, rule *tenantdata.AutomationRule, action tenantdata.RuleAction, ev *TriggerEvent, delay time.Duration) error {
	env, err := queue.NewEnvelope(tenantCode, queue.TypeAutomationAction, queue.AutomationActionPayload{
		ActionType:   action.Type,
		ActionConfig: marshalConfig(action.Config),
		RuleID:       rule.ID,
		LeadID:       ev.Lead.ID,
		Variables:    ev.Variables,
		Executed:     executedKeys(ev),
		Depth:        ev.Depth,
	})
	if err != nil {
		return err
	}
	_, err = e.queue.Add(ctx, e.queueName, env, queue.AddOptions{Delay: delay})
	return err
}

func (e *Engine) enqueueWebhook(ctx context.Context, tenantCode string, action tenantdata.RuleAction, ev *TriggerEvent, delay time.Duration) error {
	url, _ := action.Config["url"].(string)
	if url == "" {
		return errors.New("automation: webhook_notify action without url")
	}

	body, err := json.Marshal(map[string]interface{}{
		"event":      ev.Trigger,
		"tenantCode": tenantCode,
		"leadId":     ev.Lead.ID,
		"phone":      ev.Lead.Phone,
		"stageId":    ev.Lead.StageID,
		"status":     ev.Lead.Status,
		"score":      ev.Lead.Score.Total,
		"occurredAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	env, err := queue.NewEnvelope(tenantCode, queue.TypeWebhookNotify, queue.WebhookNotifyPayload{
		URL:  url,
		Body: body,
	})
	if err != nil {
		return err
	}
	_, err = e.queue.Add(ctx, e.queueName, env, queue.AddOptions{Delay: delay, MaxAttempts: 1})
	return err
}

// applyStateAction mutates the lead and cascades the resulting trigger with
// the chain's executed set and an incremented depth.
func (e *Engine) applyStateAction(ctx context.Context, data Data, tenantCode string, action tenantdata.RuleAction, ev *TriggerEvent) error {
	lead := ev.Lead

	switch action.Type {
	case tenantdata.ActionMoveStage:
		stageID, _ := action.Config["stageId"].(string)
		if stageID == "" || stageID == lead.StageID {
			return nil
		}
		stage, err := data.GetStage(ctx, stageID)
		if err != nil {
			return err
		}
		prev := lead.StageID
		if err := data.MoveLeadToStage(ctx, lead.ID, stage); err != nil {
			return err
		}
		lead.StageID = stage.ID
		switch {
		case stage.IsWon:
			lead.Status = tenantdata.LeadWon
		case stage.IsLost:
			lead.Status = tenantdata.LeadLost
		}
		if err := e.cascade(ctx, tenantCode, ev, tenantdata.TriggerStageExit, "", prev); err != nil {
			return err
		}
		return e.cascade(ctx, tenantCode, ev, tenantdata.TriggerStageEnter, "", prev)

	case tenantdata.ActionAssignTo:
		userID, _ := action.Config["userId"].(string)
		if userID == "" {
			return errors.New("automation: assign_to action without userId")
		}
		if err := data.AssignLead(ctx, lead.ID, userID); err != nil {
			return err
		}
		lead.AssignedTo = userID
		return nil

	case tenantdata.ActionAddTag:
		tag, _ := action.Config["tag"].(string)
		if tag == "" {
			return errors.New("automation: add_tag action without tag")
		}
		changed, err := data.AddTag(ctx, lead.ID, tag)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		lead.Tags = append(lead.Tags, tag)
		return e.cascade(ctx, tenantCode, ev, tenantdata.TriggerTagAdded, tag, "")

	case tenantdata.ActionRemoveTag:
		tag, _ := action.Config["tag"].(string)
		if tag == "" {
			return errors.New("automation: remove_tag action without tag")
		}
		changed, err := data.RemoveTag(ctx, lead.ID, tag)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		for i, t := range lead.Tags {
			if t == tag {
				lead.Tags = append(lead.Tags[:i], lead.Tags[i+1:]...)
				break
			}
		}
		return e.cascade(ctx, tenantCode, ev, tenantdata.TriggerTagRemoved, tag, "")
	}
	return fmt.Errorf("automation: %q is not a state action", action.Type)
}

// cascade re-enters the engine for a trigger caused by a state action. The
// executed set is shared with the whole chain, so rules a sibling cascade
// already ran stay skipped here too.
func (e *Engine) cascade(ctx context.Context, tenantCode string, parent *TriggerEvent, trigger, tag, prevStageID string) error {
	if parent.seen == nil {
		parent.seen = executedSet(parent.Executed)
	}
	_, err := e.RunAutomations(ctx, tenantCode, TriggerEvent{
		Trigger:     trigger,
		Lead:        parent.Lead,
		Tag:         tag,
		PrevStageID: prevStageID,
		Variables:   parent.Variables,
		Depth:       parent.Depth + 1,
		seen:        parent.seen,
	})
	if err != nil {
		return err
	}
	return nil
}

// ============================================================================
// QUEUED ACTION EXECUTION (worker side)
// ============================================================================

// ExecuteQueuedAction runs one deferred rule action from the job queue.
// A lead deleted between scheduling and execution is a silent no-op.
// Returned errors are retryable; provider rejections are recorded on the
// lead and complete the job.
func (e *Engine) ExecuteQueuedAction(ctx context.Context, tenantCode string, p queue.AutomationActionPayload) error {
	data, err := e.source.Tenant(ctx, tenantCode)
	if err != nil {
		return err
	}

	lead, err := data.GetLead(ctx, p.LeadID)
	if errors.Is(err, tenantdata.ErrLeadNotFound) {
		e.logger.Printf("⚠️ Lead %s gone before deferred %s ran, skipping", p.LeadID, p.ActionType)
		return nil
	}
	if err != nil {
		return err
	}

	var config map[string]interface{}
	if len(p.ActionConfig) > 0 {
		if err := json.Unmarshal(p.ActionConfig, &config); err != nil {
			return fmt.Errorf("automation: decode action config: %w", err)
		}
	}
	action := tenantdata.RuleAction{Type: p.ActionType, Config: config}
	ev := &TriggerEvent{Lead: lead, Variables: p.Variables, Executed: p.Executed, Depth: p.Depth}

	switch p.ActionType {
	case tenantdata.ActionMoveStage, tenantdata.ActionAssignTo,
		tenantdata.ActionAddTag, tenantdata.ActionRemoveTag:
		return e.applyStateAction(ctx, data, tenantCode, action, ev)
	case tenantdata.ActionSendWhatsApp:
		return e.sendWhatsApp(ctx, data, tenantCode, config, ev)
	case tenantdata.ActionSendEmail:
		return e.sendEmail(ctx, data, tenantCode, config, ev)
	case tenantdata.ActionCreateMeeting:
		return e.createMeeting(ctx, data, tenantCode, config, ev)
	}
	return fmt.Errorf("automation: unknown queued action type %q", p.ActionType)
}

// SendTemplate resolves a template against a lead and sends it, recording
// the message and the contact touch. Shared by queued actions, the trigger
// endpoint path and broadcast fan-out.
func (e *Engine) SendTemplate(ctx context.Context, data Data, tenantCode, templateName, language string, lead *tenantdata.Lead, manual map[string]string) (*providers.SendResult, error) {
	tpl, err := data.GetTemplateByName(ctx, templateName)
	if errors.Is(err, tenantdata.ErrTemplateNotFound) {
		// No stored mapping: send the vendor template with no variables.
		tpl = &tenantdata.Template{Name: templateName, Language: language}
	} else if err != nil {
		return nil, err
	}
	if language == "" {
		language = tpl.Language
	}

	vars, err := ResolveVariables(tpl, lead, manual)
	if errors.Is(err, ErrSkipSend) {
		e.logger.Printf("Template %s to lead %s skipped: %v", templateName, lead.ID, err)
		return &providers.SendResult{Success: false, Error: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	result, err := e.providers.WhatsApp.SendTemplated(ctx, tenantCode, lead.Phone, templateName, language, vars)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		_ = data.AppendActivity(ctx, lead.ID, "message_rejected",
			fmt.Sprintf("template %s: %s", templateName, result.Error))
		return result, nil
	}

	convID, err := data.EnsureConversation(ctx, lead.Phone, lead.ID)
	if err != nil {
		return result, err
	}
	if err := data.AppendMessage(ctx, &tenantdata.Message{
		ConversationID:    convID,
		Direction:         tenantdata.DirectionOut,
		Status:            "sent",
		ProviderMessageID: result.ProviderMessageID,
		TemplateName:      templateName,
	}); err != nil {
		return result, err
	}
	if err := data.TouchLastContacted(ctx, lead.ID, time.Now().UTC()); err != nil {
		return result, err
	}
	return result, data.AppendActivity(ctx, lead.ID, "whatsapp_sent", "template "+templateName)
}

func (e *Engine) sendWhatsApp(ctx context.Context, data Data, tenantCode string, config map[string]interface{}, ev *TriggerEvent) error {
	templateName, _ := config["templateName"].(string)
	if templateName == "" {
		return errors.New("automation: send_whatsapp action without templateName")
	}
	language, _ := config["language"].(string)

	_, err := e.SendTemplate(ctx, data, tenantCode, templateName, language, ev.Lead, ev.Variables)
	return err
}

func (e *Engine) sendEmail(ctx context.Context, data Data, tenantCode string, config map[string]interface{}, ev *TriggerEvent) error {
	if ev.Lead.Email == "" {
		e.logger.Printf("Lead %s has no email, skipping send_email", ev.Lead.ID)
		return nil
	}
	subject, _ := config["subject"].(string)
	html, _ := config["html"].(string)
	text, _ := config["text"].(string)

	result, err := e.providers.Email.SendEmail(ctx, tenantCode, providers.EmailMessage{
		To:      ev.Lead.Email,
		Subject: substitutePlaceholders(subject, ev.Lead),
		HTML:    substitutePlaceholders(html, ev.Lead),
		Text:    substitutePlaceholders(text, ev.Lead),
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return data.AppendActivity(ctx, ev.Lead.ID, "email_rejected", result.Error)
	}
	if err := data.TouchLastContacted(ctx, ev.Lead.ID, time.Now().UTC()); err != nil {
		return err
	}
	return data.AppendActivity(ctx, ev.Lead.ID, "email_sent", subject)
}

func (e *Engine) createMeeting(ctx context.Context, data Data, tenantCode string, config map[string]interface{}, ev *TriggerEvent) error {
	summary, _ := config["summary"].(string)
	if summary == "" {
		summary = "Meeting with " + ev.Lead.FirstName
	}
	offsetMin := floatConfig(config, "startOffsetMinutes", 60)
	durationMin := floatConfig(config, "durationMinutes", 30)

	start := time.Now().UTC().Add(time.Duration(offsetMin) * time.Minute)
	req := providers.MeetingRequest{
		Summary: substitutePlaceholders(summary, ev.Lead),
		Start:   start,
		End:     start.Add(time.Duration(durationMin) * time.Minute),
	}
	if ev.Lead.Email != "" {
		req.Attendees = []string{ev.Lead.Email}
	}

	result, err := e.providers.Calendar.CreateMeeting(ctx, tenantCode, req)
	if err != nil {
		return err
	}
	if !result.Success {
		return data.AppendActivity(ctx, ev.Lead.ID, "meeting_failed", result.Error)
	}
	if err := data.SetMetadataExtra(ctx, ev.Lead.ID, "meetLink", result.HangoutLink); err != nil {
		return err
	}
	return data.AppendActivity(ctx, ev.Lead.ID, "meeting_created", result.HangoutLink)
}

func floatConfig(config map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := toFloat(config[key]); ok && v > 0 {
		return v
	}
	return fallback
}

// substitutePlaceholders replaces {{field}} tokens in email subjects and
// bodies with lead field values.
func substitutePlaceholders(s string, lead *tenantdata.Lead) string {
	if s == "" {
		return s
	}
	out := s
	for _, field := range []string{"firstName", "lastName", "email", "phone", "status", "source"} {
		token := "{{" + field + "}}"
		v, _ := lead.FieldValue(field)
		out = strings.ReplaceAll(out, token, toString(v))
	}
	return out
}

func marshalConfig(config map[string]interface{}) json.RawMessage {
	if config == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
