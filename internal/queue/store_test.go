package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jobCols = []string{
	"id", "queue", "data", "priority", "run_at", "status", "attempts", "max_attempts",
	"last_error", "created_at", "updated_at", "completed_at", "failed_at",
}

func TestStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-1", "central", sqlmock.AnyArg(), 5, sqlmock.AnyArg(), StatusWaiting, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db)
	err = s.Insert(context.Background(), &Job{
		ID:          "job-1",
		Queue:       "central",
		Data:        Envelope{TenantCode: "ACME", Type: TypeEmail, Payload: json.RawMessage(`{"to":"a@b.c"}`)},
		Priority:    5,
		RunAt:       time.Now(),
		Status:      StatusWaiting,
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Claim_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE jobs SET status = 'active'").
		WithArgs("central").
		WillReturnError(sql.ErrNoRows)

	s := NewStore(db)
	job, err := s.Claim(context.Background(), "central")
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue claims nothing")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Claim_ReturnsDecodedJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	data := `{"tenantCode":"ACME","type":"crm.automation_event","payload":{"trigger":"form_submitted"}}`
	mock.ExpectQuery("UPDATE jobs SET status = 'active'").
		WithArgs("central").
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-1", "central", []byte(data), 5, now, StatusActive, 0, 3, "", now, now, nil, nil))

	s := NewStore(db)
	job, err := s.Claim(context.Background(), "central")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "ACME", job.Data.TenantCode)
	assert.Equal(t, TypeAutomationEvent, job.Data.Type)
	assert.Equal(t, StatusActive, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkRetry_TruncatesError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'e'
	}

	mock.ExpectExec("UPDATE jobs SET status = 'waiting'").
		WithArgs("job-1", 1, string(long[:1024]), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db)
	err = s.MarkRetry(context.Background(), "job-1", 1, string(long), time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CountByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT status, count").
		WithArgs("central").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("waiting", 4).
			AddRow("failed", 1))

	s := NewStore(db)
	counts, err := s.CountByStatus(context.Background(), "central")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"waiting": 4, "failed": 1}, counts)
}

func TestQueue_Add_Defaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(sqlmock.AnyArg(), "central", sqlmock.AnyArg(), 5, sqlmock.AnyArg(), StatusWaiting, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := NewQueue(NewStore(db))
	before := time.Now().UTC()
	job, err := q.Add(context.Background(), "central",
		Envelope{TenantCode: "ACME", Type: TypeEmail, Payload: json.RawMessage(`{}`)},
		AddOptions{})
	require.NoError(t, err)

	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, StatusWaiting, job.Status)
	assert.WithinDuration(t, before, job.RunAt, time.Second, "no delay means runAt ~ now")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_Add_DelaySetsRunAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := NewQueue(NewStore(db))
	job, err := q.Add(context.Background(), "central",
		Envelope{TenantCode: "ACME", Type: TypeAutomationEvent, Payload: json.RawMessage(`{}`)},
		AddOptions{Delay: 5 * time.Minute})
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now().UTC().Add(5*time.Minute), job.RunAt, 2*time.Second)
}

func TestQueue_Add_RejectsMissingType(t *testing.T) {
	q := NewQueue(NewStore(nil))
	_, err := q.Add(context.Background(), "central", Envelope{TenantCode: "ACME"}, AddOptions{})
	assert.Error(t, err)
}
