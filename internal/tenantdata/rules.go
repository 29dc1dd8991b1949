package tenantdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const ruleColumns = `id, tenant_code, name, trigger_name, trigger_config,
	condition, actions, priority, is_active, execution_count,
	last_executed_at, created_at, updated_at`

// ActiveRulesForTrigger returns the tenant's enabled rules for one trigger
// name, highest priority first. Gate matching happens in the engine.
func (s *Store) ActiveRulesForTrigger(ctx context.Context, trigger string) ([]*AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE tenant_code = $1 AND trigger_name = $2 AND is_active
		ORDER BY priority DESC, created_at ASC`,
		s.tenantCode, trigger)
	if err != nil {
		return nil, fmt.Errorf("tenantdata: rules for trigger %s: %w", trigger, err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListRules returns every rule for the tenant.
func (s *Store) ListRules(ctx context.Context) ([]*AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE tenant_code = $1
		ORDER BY priority DESC, created_at ASC`,
		s.tenantCode)
	if err != nil {
		return nil, fmt.Errorf("tenantdata: list rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// GetRule fetches one rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (*AutomationRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE tenant_code = $1 AND id = $2`,
		s.tenantCode, id)
	return scanRule(row)
}

// CreateRule inserts a rule.
func (s *Store) CreateRule(ctx context.Context, r *AutomationRule) error {
	if r.ID == "" {
		r.ID = newID()
	}
	r.TenantCode = s.tenantCode
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	var condition interface{}
	if r.Condition != nil {
		condition = marshalJSON(r.Condition)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_rules (
			id, tenant_code, name, trigger_name, trigger_config, condition,
			actions, priority, is_active, execution_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$10)`,
		r.ID, s.tenantCode, r.Name, r.Trigger, marshalJSON(r.TriggerConfig),
		condition, marshalJSON(r.Actions), r.Priority, r.IsActive, now)
	if err != nil {
		return fmt.Errorf("tenantdata: create rule: %w", err)
	}
	return nil
}

// UpdateRule replaces the mutable parts of a rule.
func (s *Store) UpdateRule(ctx context.Context, r *AutomationRule) error {
	var condition interface{}
	if r.Condition != nil {
		condition = marshalJSON(r.Condition)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET name = $3, trigger_name = $4, trigger_config = $5, condition = $6,
		    actions = $7, priority = $8, is_active = $9, updated_at = now()
		WHERE tenant_code = $1 AND id = $2`,
		s.tenantCode, r.ID, r.Name, r.Trigger, marshalJSON(r.TriggerConfig),
		condition, marshalJSON(r.Actions), r.Priority, r.IsActive)
	if err != nil {
		return fmt.Errorf("tenantdata: update rule %s: %w", r.ID, err)
	}
	return oneRow(res, ErrRuleNotFound)
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM automation_rules
		WHERE tenant_code = $1 AND id = $2`,
		s.tenantCode, id)
	if err != nil {
		return fmt.Errorf("tenantdata: delete rule %s: %w", id, err)
	}
	return oneRow(res, ErrRuleNotFound)
}

// MarkRuleExecuted bumps the execution counter.
func (s *Store) MarkRuleExecuted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET execution_count = execution_count + 1, last_executed_at = now()
		WHERE tenant_code = $1 AND id = $2`,
		s.tenantCode, id)
	if err != nil {
		return fmt.Errorf("tenantdata: mark rule %s executed: %w", id, err)
	}
	return nil
}

func collectRules(rows *sql.Rows) ([]*AutomationRule, error) {
	var rules []*AutomationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (*AutomationRule, error) {
	var (
		r            AutomationRule
		configRaw    []byte
		conditionRaw []byte
		actionsRaw   []byte
		lastExecuted sql.NullTime
	)
	err := row.Scan(&r.ID, &r.TenantCode, &r.Name, &r.Trigger, &configRaw,
		&conditionRaw, &actionsRaw, &r.Priority, &r.IsActive,
		&r.ExecutionCount, &lastExecuted, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenantdata: scan rule: %w", err)
	}

	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &r.TriggerConfig); err != nil {
			return nil, fmt.Errorf("tenantdata: rule %s trigger config: %w", r.ID, err)
		}
	}
	if len(conditionRaw) > 0 {
		var cond RuleCondition
		if err := json.Unmarshal(conditionRaw, &cond); err != nil {
			return nil, fmt.Errorf("tenantdata: rule %s condition: %w", r.ID, err)
		}
		if cond.Field != "" {
			r.Condition = &cond
		}
	}
	if len(actionsRaw) > 0 {
		if err := json.Unmarshal(actionsRaw, &r.Actions); err != nil {
			return nil, fmt.Errorf("tenantdata: rule %s actions: %w", r.ID, err)
		}
	}
	if lastExecuted.Valid {
		t := lastExecuted.Time
		r.LastExecutedAt = &t
	}
	return &r, nil
}
