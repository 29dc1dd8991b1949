// Package automation is the rule engine: it matches trigger events against
// tenant-owned rules, evaluates gates and conditions, and executes actions
// either inline (lead state changes) or through the job queue (messaging,
// meetings, callbacks, anything delayed).
package automation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/ecodrix/backend/internal/metrics"
	"github.com/ecodrix/backend/internal/providers"
	"github.com/ecodrix/backend/internal/queue"
	"github.com/ecodrix/backend/internal/tenantdata"
)

// MaxChainDepth caps cascaded trigger chains (a rule moving a stage fires
// stage_enter, whose rules may move again, and so on).
const MaxChainDepth = 5

// Data is what the engine needs from one tenant's database. Satisfied by
// *tenantdata.Store.
type Data interface {
	GetLead(ctx context.Context, id string) (*tenantdata.Lead, error)
	ActiveRulesForTrigger(ctx context.Context, trigger string) ([]*tenantdata.AutomationRule, error)
	MarkRuleExecuted(ctx context.Context, id string) error
	GetStage(ctx context.Context, stageID string) (*tenantdata.PipelineStage, error)
	MoveLeadToStage(ctx context.Context, leadID string, stage *tenantdata.PipelineStage) error
	AssignLead(ctx context.Context, leadID, userID string) error
	AddTag(ctx context.Context, leadID, tag string) (bool, error)
	RemoveTag(ctx context.Context, leadID, tag string) (bool, error)
	TouchLastContacted(ctx context.Context, leadID string, at time.Time) error
	SetMetadataExtra(ctx context.Context, leadID, key string, value interface{}) error
	AppendActivity(ctx context.Context, leadID, activityType, detail string) error
	GetTemplateByName(ctx context.Context, name string) (*tenantdata.Template, error)
	EnsureConversation(ctx context.Context, phone, leadID string) (string, error)
	AppendMessage(ctx context.Context, m *tenantdata.Message) error
	ListInactiveLeads(ctx context.Context, days, limit int) ([]*tenantdata.Lead, error)
}

// DataSource resolves the data layer for a tenant. Satisfied by the wiring
// around the connection registry.
type DataSource interface {
	Tenant(ctx context.Context, tenantCode string) (Data, error)
}

// Enqueuer is the queue surface the engine uses. Satisfied by *queue.Queue.
type Enqueuer interface {
	Add(ctx context.Context, queueName string, data queue.Envelope, opts queue.AddOptions) (*queue.Job, error)
}

// TriggerEvent is one occurrence of a trigger on a lead. Tag carries the
// changed tag for tag triggers and PrevStageID the stage a lead left for
// stage_exit. Executed and Depth thread the re-entrancy guard through
// cascades and queue hops.
type TriggerEvent struct {
	Trigger     string
	Lead        *tenantdata.Lead
	Tag         string
	PrevStageID string
	Variables   map[string]string
	Executed    []string
	Depth       int

	// seen is the live executed set, shared by every cascade within one
	// inline chain. Executed is its serialized form for queue hops.
	seen map[string]bool
}

func executedSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, key := range keys {
		set[key] = true
	}
	return set
}

// executedKeys flattens the live set back into the wire form.
func executedKeys(ev *TriggerEvent) []string {
	if ev.seen == nil {
		return ev.Executed
	}
	keys := make([]string, 0, len(ev.seen))
	for key := range ev.seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Providers bundles the outbound clients queued actions need.
type Providers struct {
	WhatsApp providers.WhatsApp
	Email    providers.Email
	Calendar providers.Calendar
}

// Engine matches trigger events to rules and runs their actions.
type Engine struct {
	source    DataSource
	queue     Enqueuer
	queueName string
	providers Providers
	logger    *log.Logger
}

// NewEngine creates the rule engine.
func NewEngine(source DataSource, q Enqueuer, queueName string, p Providers) *Engine {
	return &Engine{
		source:    source,
		queue:     q,
		queueName: queueName,
		providers: p,
		logger:    log.New(log.Writer(), "[AUTOMATION] ", log.LstdFlags),
	}
}

// RunAutomations processes one trigger event for a tenant. It returns the
// number of rules that executed. A rule that already ran for this lead in
// the current chain is skipped, and chains deeper than MaxChainDepth stop.
func (e *Engine) RunAutomations(ctx context.Context, tenantCode string, ev TriggerEvent) (int, error) {
	if ev.Depth >= MaxChainDepth {
		e.logger.Printf("⚠️ Chain depth limit hit for lead %s on %s, stopping", ev.Lead.ID, ev.Trigger)
		return 0, nil
	}

	data, err := e.source.Tenant(ctx, tenantCode)
	if err != nil {
		return 0, err
	}

	rules, err := data.ActiveRulesForTrigger(ctx, ev.Trigger)
	if err != nil {
		return 0, err
	}
	if len(rules) == 0 {
		return 0, nil
	}

	if ev.seen == nil {
		ev.seen = executedSet(ev.Executed)
	}

	executed := 0
	for _, rule := range rules {
		key := rule.ID + ":" + ev.Lead.ID
		if ev.seen[key] {
			continue
		}
		if !gateMatches(rule, &ev) {
			continue
		}
		if !EvalCondition(ev.Lead, rule.Condition) {
			continue
		}

		ev.seen[key] = true

		if err := e.runRule(ctx, data, tenantCode, rule, &ev); err != nil {
			return executed, fmt.Errorf("automation: rule %s: %w", rule.ID, err)
		}
		metrics.RuleExecutions.WithLabelValues(tenantCode, ev.Trigger).Inc()
		executed++
	}
	return executed, nil
}

func (e *Engine) runRule(ctx context.Context, data Data, tenantCode string, rule *tenantdata.AutomationRule, ev *TriggerEvent) error {
	e.logger.Printf("Rule %q matched lead %s on %s (%d actions)", rule.Name, ev.Lead.ID, ev.Trigger, len(rule.Actions))

	for _, action := range rule.Actions {
		if err := e.runAction(ctx, data, tenantCode, rule, action, ev); err != nil {
			return err
		}
	}

	if err := data.MarkRuleExecuted(ctx, rule.ID); err != nil {
		return err
	}
	return data.AppendActivity(ctx, ev.Lead.ID, "automation",
		fmt.Sprintf("rule %q ran on %s", rule.Name, ev.Trigger))
}

// Matches reports whether a rule fires for an event: active, gate satisfied
// and the optional condition true. The trigger endpoint uses it to report
// the matched-rule count before execution.
func Matches(rule *tenantdata.AutomationRule, ev *TriggerEvent) bool {
	if !rule.IsActive {
		return false
	}
	return gateMatches(rule, ev) && EvalCondition(ev.Lead, rule.Condition)
}

// gateMatches applies the per-trigger gate from the rule's trigger config.
// Unknown trigger names are tenant business triggers with no gate.
func gateMatches(rule *tenantdata.AutomationRule, ev *TriggerEvent) bool {
	cfg := rule.TriggerConfig
	if cfg.PipelineID != "" && cfg.PipelineID != ev.Lead.PipelineID {
		return false
	}

	switch rule.Trigger {
	case tenantdata.TriggerStageEnter:
		return cfg.StageID == "" || cfg.StageID == ev.Lead.StageID
	case tenantdata.TriggerStageExit:
		return cfg.StageID == "" || cfg.StageID == ev.PrevStageID
	case tenantdata.TriggerScoreAbove:
		return cfg.ScoreThreshold != nil && ev.Lead.Score.Total >= *cfg.ScoreThreshold
	case tenantdata.TriggerScoreBelow:
		return cfg.ScoreThreshold != nil && ev.Lead.Score.Total < *cfg.ScoreThreshold
	case tenantdata.TriggerTagAdded, tenantdata.TriggerTagRemoved:
		return cfg.TagName == "" || cfg.TagName == ev.Tag
	case tenantdata.TriggerNoContact:
		// Selection already happened in the inactivity sweep.
		return true
	}
	return true
}

// RunNoContactSweep fires the no_contact trigger for every inactive lead a
// no_contact rule cares about. Intended to be called from a periodic job.
func (e *Engine) RunNoContactSweep(ctx context.Context, tenantCode string) (int, error) {
	data, err := e.source.Tenant(ctx, tenantCode)
	if err != nil {
		return 0, err
	}
	rules, err := data.ActiveRulesForTrigger(ctx, tenantdata.TriggerNoContact)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, rule := range rules {
		days := rule.TriggerConfig.InactiveDays
		if days <= 0 {
			continue
		}
		leads, err := data.ListInactiveLeads(ctx, days, 200)
		if err != nil {
			return total, err
		}
		for _, lead := range leads {
			n, err := e.RunAutomations(ctx, tenantCode, TriggerEvent{
				Trigger: tenantdata.TriggerNoContact,
				Lead:    lead,
			})
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	return total, nil
}
