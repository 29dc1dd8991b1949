package tenantdata

import (
	"context"
	"fmt"
	"time"
)

// AddNote records a free-form note on a lead.
func (s *Store) AddNote(ctx context.Context, note *LeadNote) error {
	if note.ID == "" {
		note.ID = newID()
	}
	note.TenantCode = s.tenantCode
	note.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lead_notes (id, tenant_code, lead_id, author, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		note.ID, s.tenantCode, note.LeadID, note.Author, note.Body, note.CreatedAt)
	if err != nil {
		return fmt.Errorf("tenantdata: add note for %s: %w", note.LeadID, err)
	}
	return nil
}

// ListNotes returns a lead's notes, newest first.
func (s *Store) ListNotes(ctx context.Context, leadID string, limit int) ([]*LeadNote, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_code, lead_id, author, body, created_at
		FROM lead_notes
		WHERE tenant_code = $1 AND lead_id = $2
		ORDER BY created_at DESC
		LIMIT $3`,
		s.tenantCode, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("tenantdata: list notes for %s: %w", leadID, err)
	}
	defer rows.Close()

	var notes []*LeadNote
	for rows.Next() {
		var n LeadNote
		if err := rows.Scan(&n.ID, &n.TenantCode, &n.LeadID, &n.Author, &n.Body, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("tenantdata: scan note: %w", err)
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}
