package tenantdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const leadColumns = `id, tenant_code, first_name, last_name, email, phone,
	pipeline_id, stage_id, status, deal_value, source, assigned_to, tags,
	metadata, score, last_contacted_at, converted_at, is_archived,
	created_at, updated_at`

// GetLead fetches one lead by id.
func (s *Store) GetLead(ctx context.Context, id string) (*Lead, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE tenant_code = $1 AND id = $2`,
		s.tenantCode, id)
	return scanLead(row)
}

// GetLeadByPhone resolves the lead a trigger is about. When the same phone
// exists in more than one pipeline the most recently updated lead wins.
func (s *Store) GetLeadByPhone(ctx context.Context, phone string) (*Lead, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE tenant_code = $1 AND phone = $2 AND NOT is_archived
		ORDER BY updated_at DESC
		LIMIT 1`,
		s.tenantCode, phone)
	return scanLead(row)
}

// CreateLead inserts a lead, defaulting pipeline and stage when unset.
func (s *Store) CreateLead(ctx context.Context, lead *Lead) error {
	if lead.ID == "" {
		lead.ID = newID()
	}
	if lead.Status == "" {
		lead.Status = LeadOpen
	}
	if lead.PipelineID == "" {
		p, err := s.EnsureDefaultPipeline(ctx)
		if err != nil {
			return err
		}
		lead.PipelineID = p.ID
	}
	if lead.StageID == "" {
		st, err := s.DefaultStage(ctx, lead.PipelineID)
		if err != nil {
			return err
		}
		lead.StageID = st.ID
	}
	lead.TenantCode = s.tenantCode
	now := time.Now().UTC()
	lead.CreatedAt = now
	lead.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (
			id, tenant_code, first_name, last_name, email, phone,
			pipeline_id, stage_id, status, deal_value, source, assigned_to,
			tags, metadata, score, last_contacted_at, is_archived,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,false,$17,$17)`,
		lead.ID, s.tenantCode, lead.FirstName, lead.LastName, lead.Email, lead.Phone,
		lead.PipelineID, lead.StageID, lead.Status, lead.DealValue, lead.Source,
		lead.AssignedTo, pq.Array(lead.Tags),
		marshalJSON(lead.Metadata), marshalJSON(lead.Score),
		lead.LastContactedAt, now)
	if err != nil {
		return fmt.Errorf("tenantdata: create lead: %w", err)
	}
	return nil
}

// MoveLeadToStage changes the lead's stage and, when the stage is a
// terminal won/lost stage, flips the status with it.
func (s *Store) MoveLeadToStage(ctx context.Context, leadID string, stage *PipelineStage) error {
	status := LeadOpen
	var convertedAt interface{}
	switch {
	case stage.IsWon:
		status = LeadWon
		convertedAt = time.Now().UTC()
	case stage.IsLost:
		status = LeadLost
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET stage_id = $3, status = $4,
		    converted_at = COALESCE($5, converted_at),
		    updated_at = now()
		WHERE tenant_code = $1 AND id = $2`,
		s.tenantCode, leadID, stage.ID, status, convertedAt)
	if err != nil {
		return fmt.Errorf("tenantdata: move lead %s: %w", leadID, err)
	}
	return oneRow(res, ErrLeadNotFound)
}

// AssignLead sets the owner.
func (s *Store) AssignLead(ctx context.Context, leadID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads SET assigned_to = $3, updated_at = now()
		WHERE tenant_code = $1 AND id = $2`,
		s.tenantCode, leadID, userID)
	if err != nil {
		return fmt.Errorf("tenantdata: assign lead %s: %w", leadID, err)
	}
	return oneRow(res, ErrLeadNotFound)
}

// AddTag appends a tag if absent. Adding a tag the lead already carries is
// a no-op and reports false.
func (s *Store) AddTag(ctx context.Context, leadID, tag string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET tags = array_append(tags, $3), updated_at = now()
		WHERE tenant_code = $1 AND id = $2 AND NOT ($3 = ANY(tags))`,
		s.tenantCode, leadID, tag)
	if err != nil {
		return false, fmt.Errorf("tenantdata: add tag to %s: %w", leadID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveTag drops a tag if present, reporting whether anything changed.
func (s *Store) RemoveTag(ctx context.Context, leadID, tag string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET tags = array_remove(tags, $3), updated_at = now()
		WHERE tenant_code = $1 AND id = $2 AND $3 = ANY(tags)`,
		s.tenantCode, leadID, tag)
	if err != nil {
		return false, fmt.Errorf("tenantdata: remove tag from %s: %w", leadID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchLastContacted records an outbound touch.
func (s *Store) TouchLastContacted(ctx context.Context, leadID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leads SET last_contacted_at = $3, updated_at = now()
		WHERE tenant_code = $1 AND id = $2`,
		s.tenantCode, leadID, at.UTC())
	if err != nil {
		return fmt.Errorf("tenantdata: touch lead %s: %w", leadID, err)
	}
	return nil
}

// SetMetadataExtra writes one key of the lead's open metadata map.
func (s *Store) SetMetadataExtra(ctx context.Context, leadID, key string, value interface{}) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET metadata = jsonb_set(
			jsonb_set(COALESCE(metadata, '{}'::jsonb), '{extra}', COALESCE(metadata->'extra', '{}'::jsonb)),
			ARRAY['extra', $3], $4::jsonb),
		    updated_at = now()
		WHERE tenant_code = $1 AND id = $2`,
		s.tenantCode, leadID, key, marshalJSON(value))
	if err != nil {
		return fmt.Errorf("tenantdata: set metadata %s on %s: %w", key, leadID, err)
	}
	return oneRow(res, ErrLeadNotFound)
}

// UpdateScore persists a recomputed score.
func (s *Store) UpdateScore(ctx context.Context, leadID string, score Score) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads SET score = $3, updated_at = now()
		WHERE tenant_code = $1 AND id = $2`,
		s.tenantCode, leadID, marshalJSON(score))
	if err != nil {
		return fmt.Errorf("tenantdata: update score for %s: %w", leadID, err)
	}
	return oneRow(res, ErrLeadNotFound)
}

// ListInactiveLeads returns open leads with no contact for at least the
// given number of days. Used by the no_contact sweep.
func (s *Store) ListInactiveLeads(ctx context.Context, days int, limit int) ([]*Lead, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE tenant_code = $1 AND status = $2 AND NOT is_archived
		  AND (last_contacted_at IS NULL OR last_contacted_at < now() - ($3 || ' days')::interval)
		ORDER BY last_contacted_at ASC NULLS FIRST
		LIMIT $4`,
		s.tenantCode, LeadOpen, days, limit)
	if err != nil {
		return nil, fmt.Errorf("tenantdata: list inactive leads: %w", err)
	}
	defer rows.Close()

	var leads []*Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// ListLeadIDs pages through active lead ids, for score refresh sweeps.
func (s *Store) ListLeadIDs(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM leads
		WHERE tenant_code = $1 AND NOT is_archived
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3`,
		s.tenantCode, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("tenantdata: list lead ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListLeadPhonesByTag returns phone numbers of open leads carrying a tag,
// for broadcast fan-out. An empty tag selects every open lead.
func (s *Store) ListLeadPhonesByTag(ctx context.Context, tag string) ([]string, error) {
	query := `
		SELECT phone FROM leads
		WHERE tenant_code = $1 AND status = $2 AND NOT is_archived`
	args := []interface{}{s.tenantCode, LeadOpen}
	if tag != "" {
		query += ` AND $3 = ANY(tags)`
		args = append(args, tag)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tenantdata: list phones by tag: %w", err)
	}
	defer rows.Close()

	var phones []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		phones = append(phones, p)
	}
	return phones, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLead(row rowScanner) (*Lead, error) {
	var (
		l             Lead
		email, source sql.NullString
		assignedTo    sql.NullString
		tags          pq.StringArray
		metadataRaw   []byte
		scoreRaw      []byte
		lastContacted sql.NullTime
		convertedAt   sql.NullTime
	)
	err := row.Scan(
		&l.ID, &l.TenantCode, &l.FirstName, &l.LastName, &email, &l.Phone,
		&l.PipelineID, &l.StageID, &l.Status, &l.DealValue, &source, &assignedTo,
		&tags, &metadataRaw, &scoreRaw, &lastContacted, &convertedAt,
		&l.IsArchived, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenantdata: scan lead: %w", err)
	}

	l.Email = email.String
	l.Source = source.String
	l.AssignedTo = assignedTo.String
	l.Tags = []string(tags)
	if l.Tags == nil {
		l.Tags = []string{}
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &l.Metadata); err != nil {
			return nil, fmt.Errorf("tenantdata: lead %s metadata: %w", l.ID, err)
		}
	}
	if len(scoreRaw) > 0 {
		if err := json.Unmarshal(scoreRaw, &l.Score); err != nil {
			return nil, fmt.Errorf("tenantdata: lead %s score: %w", l.ID, err)
		}
	}
	if lastContacted.Valid {
		t := lastContacted.Time
		l.LastContactedAt = &t
	}
	if convertedAt.Valid {
		t := convertedAt.Time
		l.ConvertedAt = &t
	}
	return &l, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func oneRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
