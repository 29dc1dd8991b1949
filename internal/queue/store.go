package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists jobs in the central database. All tenants share the one
// jobs table; the envelope's tenantCode scopes the work, not the storage.
type Store struct {
	db *sql.DB
}

// NewStore wraps the central database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, queue, data, priority, run_at, status, attempts, max_attempts,
	last_error, created_at, updated_at, completed_at, failed_at`

// Insert persists a new waiting job.
func (s *Store) Insert(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j.Data)
	if err != nil {
		return fmt.Errorf("queue: marshal job data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, data, priority, run_at, status, attempts, max_attempts,
			last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, '', now(), now())`,
		j.ID, j.Queue, data, j.Priority, j.RunAt.UTC(), j.Status, j.MaxAttempts)
	if err != nil {
		return fmt.Errorf("queue: insert job: %w", err)
	}
	return nil
}

// Claim atomically flips the next due waiting job on the queue to active
// and returns it. Selection order is (priority asc, run_at asc): FIFO
// within a priority class. Returns (nil, nil) when nothing is claimable.
//
// FOR UPDATE SKIP LOCKED keeps concurrent claims within this process from
// grabbing the same row. It does not coordinate across processes beyond
// row safety: a single worker process per queue is the deployment contract.
func (s *Store) Claim(ctx context.Context, queue string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'active', updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = 'waiting' AND run_at <= now()
			ORDER BY priority ASC, run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		queue)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return j, nil
}

// MarkCompleted records a successful execution.
func (s *Store) MarkCompleted(ctx context.Context, id string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', attempts = $2, completed_at = now(), updated_at = now()
		WHERE id = $1`,
		id, attempts)
	if err != nil {
		return fmt.Errorf("queue: mark completed %s: %w", id, err)
	}
	return nil
}

// MarkRetry puts the job back to waiting with the next run time.
func (s *Store) MarkRetry(ctx context.Context, id string, attempts int, lastError string, runAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'waiting', attempts = $2, last_error = $3, run_at = $4, updated_at = now()
		WHERE id = $1`,
		id, attempts, truncateError(lastError), runAt.UTC())
	if err != nil {
		return fmt.Errorf("queue: mark retry %s: %w", id, err)
	}
	return nil
}

// MarkFailed records attempt exhaustion.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', attempts = $2, last_error = $3, failed_at = now(), updated_at = now()
		WHERE id = $1`,
		id, attempts, truncateError(lastError))
	if err != nil {
		return fmt.Errorf("queue: mark failed %s: %w", id, err)
	}
	return nil
}

// Get loads one job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue: job %s not found", id)
	}
	return j, err
}

// CountByStatus reports queue depth per status, used by the health surface.
func (s *Store) CountByStatus(ctx context.Context, queue string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM jobs WHERE queue = $1 GROUP BY status`, queue)
	if err != nil {
		return nil, fmt.Errorf("queue: count by status: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var data []byte
	err := r.Scan(&j.ID, &j.Queue, &data, &j.Priority, &j.RunAt, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt, &j.FailedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &j.Data); err != nil {
		return nil, fmt.Errorf("queue: decode job %s data: %w", j.ID, err)
	}
	return &j, nil
}

// truncateError keeps the retry ledger readable; stack-sized messages are
// cut at 1 KB.
func truncateError(msg string) string {
	if len(msg) > 1024 {
		return msg[:1024]
	}
	return msg
}

// NewJobID generates a job identifier.
func NewJobID() string { return uuid.NewString() }
