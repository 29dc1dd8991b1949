// Package tenantdata is the data layer for a single tenant's database:
// leads, pipelines, automation rules, conversations, messaging templates
// and the activity ledger. Every query carries the tenant code as a hard
// filter on top of the physical isolation — a tenant-side query without it
// is a bug.
package tenantdata

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Lead statuses.
const (
	LeadOpen     = "open"
	LeadWon      = "won"
	LeadLost     = "lost"
	LeadArchived = "archived"
)

// Automation trigger names with configured gates. Arbitrary business
// triggers (form_submitted, appointment_confirmed, ...) need no gate.
const (
	TriggerStageEnter = "stage_enter"
	TriggerStageExit  = "stage_exit"
	TriggerScoreAbove = "score_above"
	TriggerScoreBelow = "score_below"
	TriggerTagAdded   = "tag_added"
	TriggerTagRemoved = "tag_removed"
	TriggerNoContact  = "no_contact"
)

// Action types.
const (
	ActionSendWhatsApp  = "send_whatsapp"
	ActionSendEmail     = "send_email"
	ActionMoveStage     = "move_stage"
	ActionAssignTo      = "assign_to"
	ActionAddTag        = "add_tag"
	ActionRemoveTag     = "remove_tag"
	ActionWebhookNotify = "webhook_notify"
	ActionCreateMeeting = "create_meeting"
)

// Condition operators.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
)

// Score is the component breakdown of a lead's score.
type Score struct {
	Total         float64 `json:"total"`
	Recency       float64 `json:"recency"`
	Engagement    float64 `json:"engagement"`
	StageDepth    float64 `json:"stageDepth"`
	DealSize      float64 `json:"dealSize"`
	SourceQuality float64 `json:"sourceQuality"`
}

// Metadata holds the tenant-owned open-shape part of a lead. Refs link out
// to tenant-private collections; Extra is free key/value.
type Metadata struct {
	Refs  map[string]string      `json:"refs,omitempty"`
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Lead is a contact moving through a pipeline. (tenantCode, phone,
// pipelineId) uniquely identifies a lead.
type Lead struct {
	ID              string     `json:"id"`
	TenantCode      string     `json:"tenant_code"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	Email           string     `json:"email,omitempty"`
	Phone           string     `json:"phone"`
	PipelineID      string     `json:"pipeline_id"`
	StageID         string     `json:"stage_id"`
	Status          string     `json:"status"`
	DealValue       float64    `json:"deal_value"`
	Source          string     `json:"source,omitempty"`
	AssignedTo      string     `json:"assigned_to,omitempty"`
	Tags            []string   `json:"tags"`
	Metadata        Metadata   `json:"metadata"`
	Score           Score      `json:"score"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
	ConvertedAt     *time.Time `json:"converted_at,omitempty"`
	IsArchived      bool       `json:"is_archived"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasTag reports set membership.
func (l *Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FieldValue resolves a dotted field path against the lead for condition
// evaluation. "metadata.extra.*" reaches into the open key/value map and
// "score.*" into the score components. The second return is false when the
// path resolves to nothing (unset).
func (l *Lead) FieldValue(path string) (interface{}, bool) {
	if rest, ok := strings.CutPrefix(path, "metadata.extra."); ok {
		v, ok := l.Metadata.Extra[rest]
		return v, ok
	}
	if rest, ok := strings.CutPrefix(path, "score."); ok {
		switch rest {
		case "total":
			return l.Score.Total, true
		case "recency":
			return l.Score.Recency, true
		case "engagement":
			return l.Score.Engagement, true
		case "stageDepth":
			return l.Score.StageDepth, true
		case "dealSize":
			return l.Score.DealSize, true
		case "sourceQuality":
			return l.Score.SourceQuality, true
		}
		return nil, false
	}

	switch path {
	case "firstName":
		return l.FirstName, true
	case "lastName":
		return l.LastName, true
	case "email":
		return l.Email, l.Email != ""
	case "phone":
		return l.Phone, true
	case "pipelineId":
		return l.PipelineID, true
	case "stageId":
		return l.StageID, true
	case "status":
		return l.Status, true
	case "dealValue":
		return l.DealValue, true
	case "source":
		return l.Source, l.Source != ""
	case "assignedTo":
		return l.AssignedTo, l.AssignedTo != ""
	case "tags":
		return l.Tags, true
	}
	return nil, false
}

// Pipeline groups ordered stages. Exactly one pipeline per tenant is the
// default.
type Pipeline struct {
	ID         string    `json:"id"`
	TenantCode string    `json:"tenant_code"`
	Name       string    `json:"name"`
	IsDefault  bool      `json:"is_default"`
	CreatedAt  time.Time `json:"created_at"`
}

// PipelineStage is one step of a pipeline. A stage may be flagged won or
// lost, never both; probability is a percentage.
type PipelineStage struct {
	ID          string    `json:"id"`
	TenantCode  string    `json:"tenant_code"`
	PipelineID  string    `json:"pipeline_id"`
	Name        string    `json:"name"`
	Position    int       `json:"position"`
	IsDefault   bool      `json:"is_default"`
	IsWon       bool      `json:"is_won"`
	IsLost      bool      `json:"is_lost"`
	Probability int       `json:"probability"`
	CreatedAt   time.Time `json:"created_at"`
}

// TriggerConfig gates rule selection per trigger kind.
type TriggerConfig struct {
	StageID        string   `json:"stageId,omitempty"`
	PipelineID     string   `json:"pipelineId,omitempty"`
	ScoreThreshold *float64 `json:"scoreThreshold,omitempty"`
	TagName        string   `json:"tagName,omitempty"`
	InactiveDays   int      `json:"inactiveDays,omitempty"`
}

// RuleCondition is an optional extra gate evaluated against the lead.
type RuleCondition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// RuleAction is one effect of a matched rule, executed in declared order.
type RuleAction struct {
	Type         string                 `json:"type"`
	DelayMinutes int                    `json:"delayMinutes"`
	Config       map[string]interface{} `json:"config"`
}

// AutomationRule is a tenant-owned (trigger, condition) → actions mapping.
type AutomationRule struct {
	ID             string         `json:"id"`
	TenantCode     string         `json:"tenant_code"`
	Name           string         `json:"name"`
	Trigger        string         `json:"trigger"`
	TriggerConfig  TriggerConfig  `json:"trigger_config"`
	Condition      *RuleCondition `json:"condition,omitempty"`
	Actions        []RuleAction   `json:"actions"`
	Priority       int            `json:"priority"`
	IsActive       bool           `json:"is_active"`
	ExecutionCount int            `json:"execution_count"`
	LastExecutedAt *time.Time     `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Template variable sources.
const (
	VarSourceLeadField = "lead_field"
	VarSourceStatic    = "static"
	VarSourceFormula   = "formula"
	VarSourceSystem    = "system"
	VarSourceManual    = "manual"
)

// Empty-variable policies.
const (
	EmptySkipSend    = "skip_send"
	EmptyUseFallback = "use_fallback"
	EmptySendAnyway  = "send_anyway"
)

// TemplateVariable maps a positional placeholder {{n}} to its source.
type TemplateVariable struct {
	Position int    `json:"position"`
	Source   string `json:"source"`
	Value    string `json:"value"`
	Fallback string `json:"fallback,omitempty"`
}

// Template references a vendor-side messaging template by name.
type Template struct {
	ID          string             `json:"id"`
	TenantCode  string             `json:"tenant_code"`
	Name        string             `json:"name"`
	Language    string             `json:"language"`
	EmptyPolicy string             `json:"empty_policy"`
	Variables   []TemplateVariable `json:"variables"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Conversation keys off (tenantCode, phone).
type Conversation struct {
	ID            string    `json:"id"`
	TenantCode    string    `json:"tenant_code"`
	Phone         string    `json:"phone"`
	LeadID        string    `json:"lead_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message is one conversation entry.
type Message struct {
	ID                string    `json:"id"`
	TenantCode        string    `json:"tenant_code"`
	ConversationID    string    `json:"conversation_id"`
	Direction         string    `json:"direction"`
	Status            string    `json:"status"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Body              string    `json:"body,omitempty"`
	TemplateName      string    `json:"template_name,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// LeadActivity is one ledger entry on a lead.
type LeadActivity struct {
	ID         string    `json:"id"`
	TenantCode string    `json:"tenant_code"`
	LeadID     string    `json:"lead_id"`
	Type       string    `json:"type"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// LeadNote is a free-form annotation on a lead, written by people rather
// than the automation ledger.
type LeadNote struct {
	ID         string    `json:"id"`
	TenantCode string    `json:"tenant_code"`
	LeadID     string    `json:"lead_id"`
	Author     string    `json:"author,omitempty"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Broadcast is the persisted outcome of one template fan-out.
type Broadcast struct {
	ID           string    `json:"id"`
	TenantCode   string    `json:"tenant_code"`
	TemplateName string    `json:"template_name"`
	TagFilter    string    `json:"tag_filter,omitempty"`
	Recipients   int       `json:"recipients"`
	Sent         int       `json:"sent"`
	Rejected     int       `json:"rejected"`
	CompletedAt  time.Time `json:"completed_at"`
}

// ComputeScore recomputes the lead score components. Weights are fixed
// platform-wide; tenants influence the inputs, not the formula.
func ComputeScore(l *Lead, stagePosition, stageCount, activityCount int, now time.Time) Score {
	var s Score

	// Recency: full marks inside a week of contact, decaying to zero at 90 days.
	if l.LastContactedAt != nil {
		days := now.Sub(*l.LastContactedAt).Hours() / 24
		switch {
		case days <= 7:
			s.Recency = 25
		case days >= 90:
			s.Recency = 0
		default:
			s.Recency = 25 * (90 - days) / 83
		}
	}

	// Engagement: logged activities, capped.
	s.Engagement = float64(activityCount) * 2
	if s.Engagement > 25 {
		s.Engagement = 25
	}

	// Stage depth: progress through the pipeline.
	if stageCount > 1 {
		s.StageDepth = 20 * float64(stagePosition) / float64(stageCount-1)
	}

	// Deal size: saturates at 100k.
	s.DealSize = l.DealValue / 100000 * 20
	if s.DealSize > 20 {
		s.DealSize = 20
	}

	// Source quality: referral beats cold outreach.
	switch l.Source {
	case "referral":
		s.SourceQuality = 10
	case "website", "form":
		s.SourceQuality = 7
	case "import", "manual":
		s.SourceQuality = 4
	default:
		s.SourceQuality = 5
	}

	s.Total = round1(s.Recency + s.Engagement + s.StageDepth + s.DealSize + s.SourceQuality)
	return s
}

func round1(f float64) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(f, 'f', 1, 64), 64)
	return v
}

// marshalJSON is a small helper used by the repositories for JSONB columns.
func marshalJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
