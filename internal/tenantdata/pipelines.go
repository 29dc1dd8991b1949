package tenantdata

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultPipeline returns the tenant's default pipeline.
func (s *Store) DefaultPipeline(ctx context.Context) (*Pipeline, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_code, name, is_default, created_at
		FROM pipelines
		WHERE tenant_code = $1 AND is_default
		LIMIT 1`,
		s.tenantCode)

	var p Pipeline
	err := row.Scan(&p.ID, &p.TenantCode, &p.Name, &p.IsDefault, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenantdata: default pipeline: %w", err)
	}
	return &p, nil
}

// EnsureDefaultPipeline returns the tenant's default pipeline, creating a
// minimal one with a single entry stage when the tenant has none yet. New
// tenants get their pipeline lazily on the first lead.
func (s *Store) EnsureDefaultPipeline(ctx context.Context) (*Pipeline, error) {
	p, err := s.DefaultPipeline(ctx)
	if err != ErrPipelineNotFound {
		return p, err
	}

	now := time.Now().UTC()
	p = &Pipeline{
		ID:         newID(),
		TenantCode: s.tenantCode,
		Name:       "Sales Pipeline",
		IsDefault:  true,
		CreatedAt:  now,
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, tenant_code, name, is_default, created_at)
		VALUES ($1,$2,$3,true,$4)`,
		p.ID, s.tenantCode, p.Name, now); err != nil {
		return nil, fmt.Errorf("tenantdata: create default pipeline: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_stages (
			id, tenant_code, pipeline_id, name, position,
			is_default, is_won, is_lost, probability, created_at
		) VALUES ($1,$2,$3,$4,1,true,false,false,10,$5)`,
		newID(), s.tenantCode, p.ID, "New", now); err != nil {
		return nil, fmt.Errorf("tenantdata: create default stage: %w", err)
	}
	return p, nil
}

const stageColumns = `id, tenant_code, pipeline_id, name, position,
	is_default, is_won, is_lost, probability, created_at`

// GetStage fetches one stage by id.
func (s *Store) GetStage(ctx context.Context, stageID string) (*PipelineStage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stageColumns+`
		FROM pipeline_stages
		WHERE tenant_code = $1 AND id = $2`,
		s.tenantCode, stageID)
	return scanStage(row)
}

// DefaultStage returns the entry stage of a pipeline.
func (s *Store) DefaultStage(ctx context.Context, pipelineID string) (*PipelineStage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stageColumns+`
		FROM pipeline_stages
		WHERE tenant_code = $1 AND pipeline_id = $2 AND is_default
		LIMIT 1`,
		s.tenantCode, pipelineID)
	st, err := scanStage(row)
	if err == ErrStageNotFound {
		// No explicit default, fall back to the first by position.
		row = s.db.QueryRowContext(ctx, `
			SELECT `+stageColumns+`
			FROM pipeline_stages
			WHERE tenant_code = $1 AND pipeline_id = $2
			ORDER BY position ASC
			LIMIT 1`,
			s.tenantCode, pipelineID)
		return scanStage(row)
	}
	return st, err
}

// StagesForPipeline lists a pipeline's stages ordered by position.
func (s *Store) StagesForPipeline(ctx context.Context, pipelineID string) ([]*PipelineStage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stageColumns+`
		FROM pipeline_stages
		WHERE tenant_code = $1 AND pipeline_id = $2
		ORDER BY position ASC`,
		s.tenantCode, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("tenantdata: stages for %s: %w", pipelineID, err)
	}
	defer rows.Close()

	var stages []*PipelineStage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

func scanStage(row rowScanner) (*PipelineStage, error) {
	var st PipelineStage
	err := row.Scan(&st.ID, &st.TenantCode, &st.PipelineID, &st.Name, &st.Position,
		&st.IsDefault, &st.IsWon, &st.IsLost, &st.Probability, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenantdata: scan stage: %w", err)
	}
	return &st, nil
}
