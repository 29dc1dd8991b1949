package tenantdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// GetTemplateByName fetches the variable mapping for a vendor template.
func (s *Store) GetTemplateByName(ctx context.Context, name string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_code, name, language, empty_policy, variables, created_at
		FROM message_templates
		WHERE tenant_code = $1 AND name = $2`,
		s.tenantCode, name)

	var (
		t            Template
		variablesRaw []byte
	)
	err := row.Scan(&t.ID, &t.TenantCode, &t.Name, &t.Language, &t.EmptyPolicy,
		&variablesRaw, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenantdata: template %s: %w", name, err)
	}

	if len(variablesRaw) > 0 {
		if err := json.Unmarshal(variablesRaw, &t.Variables); err != nil {
			return nil, fmt.Errorf("tenantdata: template %s variables: %w", name, err)
		}
	}
	if t.EmptyPolicy == "" {
		t.EmptyPolicy = EmptyUseFallback
	}
	return &t, nil
}
