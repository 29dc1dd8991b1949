package tenantdata

import (
	"context"
	"fmt"
	"time"
)

// EnsureConversation finds or creates the conversation for a phone number
// and returns its id. The lead link is filled in on first creation.
func (s *Store) EnsureConversation(ctx context.Context, phone, leadID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, tenant_code, phone, lead_id, last_message_at, created_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (tenant_code, phone)
		DO UPDATE SET last_message_at = now()
		RETURNING id`,
		newID(), s.tenantCode, phone, nullable(leadID)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("tenantdata: ensure conversation for %s: %w", phone, err)
	}
	return id, nil
}

// AppendMessage records one message in a conversation.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = newID()
	}
	m.TenantCode = s.tenantCode
	m.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, tenant_code, conversation_id, direction, status,
			provider_message_id, body, template_name, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, s.tenantCode, m.ConversationID, m.Direction, m.Status,
		nullable(m.ProviderMessageID), nullable(m.Body), nullable(m.TemplateName),
		m.CreatedAt)
	if err != nil {
		return fmt.Errorf("tenantdata: append message: %w", err)
	}
	return nil
}
