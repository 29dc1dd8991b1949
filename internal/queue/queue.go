package queue

import (
	"context"
	"fmt"
	"log"
	"time"
)

// AddOptions tunes one enqueue. Zero values take the documented defaults:
// no delay, priority 5, three attempts.
type AddOptions struct {
	Delay       time.Duration
	Priority    int
	MaxAttempts int
}

// Queue is the enqueue primitive over the job store.
type Queue struct {
	store  *Store
	logger *log.Logger
}

// NewQueue creates the enqueue facade.
func NewQueue(store *Store) *Queue {
	return &Queue{
		store:  store,
		logger: log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
}

// Add persists a waiting job. Negative delays are clamped to zero so a
// caller computing "runAt - now" against a stale clock cannot schedule into
// the past beyond "immediately".
func (q *Queue) Add(ctx context.Context, queueName string, data Envelope, opts AddOptions) (*Job, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue: queue name is required")
	}
	if data.Type == "" {
		return nil, fmt.Errorf("queue: envelope type is required")
	}

	if opts.Priority == 0 {
		opts.Priority = 5
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}

	j := &Job{
		ID:          NewJobID(),
		Queue:       queueName,
		Data:        data,
		Priority:    opts.Priority,
		RunAt:       time.Now().UTC().Add(opts.Delay),
		Status:      StatusWaiting,
		MaxAttempts: opts.MaxAttempts,
	}

	if err := q.store.Insert(ctx, j); err != nil {
		return nil, err
	}

	q.logger.Printf("Job %s queued: queue=%s type=%s tenant=%s delay=%s priority=%d",
		j.ID, queueName, data.Type, data.TenantCode, opts.Delay, opts.Priority)
	return j, nil
}
