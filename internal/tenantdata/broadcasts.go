package tenantdata

import (
	"context"
	"fmt"
	"time"
)

// RecordBroadcast persists the outcome of one fan-out.
func (s *Store) RecordBroadcast(ctx context.Context, b *Broadcast) error {
	if b.ID == "" {
		b.ID = newID()
	}
	b.TenantCode = s.tenantCode
	b.CompletedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcasts (
			id, tenant_code, template_name, tag_filter,
			recipients, sent, rejected, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, s.tenantCode, b.TemplateName, b.TagFilter,
		b.Recipients, b.Sent, b.Rejected, b.CompletedAt)
	if err != nil {
		return fmt.Errorf("tenantdata: record broadcast %s: %w", b.TemplateName, err)
	}
	return nil
}

// ListBroadcasts returns past fan-outs, newest first.
func (s *Store) ListBroadcasts(ctx context.Context, limit int) ([]*Broadcast, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_code, template_name, tag_filter,
		       recipients, sent, rejected, completed_at
		FROM broadcasts
		WHERE tenant_code = $1
		ORDER BY completed_at DESC
		LIMIT $2`,
		s.tenantCode, limit)
	if err != nil {
		return nil, fmt.Errorf("tenantdata: list broadcasts: %w", err)
	}
	defer rows.Close()

	var out []*Broadcast
	for rows.Next() {
		var b Broadcast
		if err := rows.Scan(&b.ID, &b.TenantCode, &b.TemplateName, &b.TagFilter,
			&b.Recipients, &b.Sent, &b.Rejected, &b.CompletedAt); err != nil {
			return nil, fmt.Errorf("tenantdata: scan broadcast: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
