package tenantdata

import (
	"context"
	"fmt"
	"time"
)

// AppendActivity records one ledger entry on a lead.
func (s *Store) AppendActivity(ctx context.Context, leadID, activityType, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lead_activities (id, tenant_code, lead_id, type, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		newID(), s.tenantCode, leadID, activityType, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("tenantdata: append activity for %s: %w", leadID, err)
	}
	return nil
}

// CountActivities counts ledger entries for a lead inside a window, used as
// the engagement input of the score.
func (s *Store) CountActivities(ctx context.Context, leadID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM lead_activities
		WHERE tenant_code = $1 AND lead_id = $2 AND created_at >= $3`,
		s.tenantCode, leadID, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("tenantdata: count activities for %s: %w", leadID, err)
	}
	return n, nil
}
