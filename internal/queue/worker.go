package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ecodrix/backend/internal/metrics"
)

// ErrPermanent marks a processor error that retrying cannot fix (malformed
// payload, unknown job type). The job fails immediately regardless of the
// attempts remaining.
var ErrPermanent = errors.New("permanent job failure")

// Processor executes one claimed job. A returned error triggers the retry
// ledger; processors must be idempotent because a crash between execution
// and the status update re-delivers the job.
type Processor func(ctx context.Context, job *Job) error

// JobStore is the slice of the store the worker needs. *Store satisfies it;
// tests inject fakes.
type JobStore interface {
	Claim(ctx context.Context, queue string) (*Job, error)
	MarkCompleted(ctx context.Context, id string, attempts int) error
	MarkRetry(ctx context.Context, id string, attempts int, lastError string, runAt time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
}

// WorkerOptions configures one polling worker.
type WorkerOptions struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	BaseBackoff  time.Duration
}

// Worker drains one queue: a polling loop claims due jobs up to the
// concurrency budget and runs the processor on each. One worker process per
// queue is assumed; running two duplicates work.
type Worker struct {
	store  JobStore
	proc   Processor
	opts   WorkerOptions
	logger *log.Logger

	slots  chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	clock  func() time.Time
}

// NewWorker creates a stopped worker.
func NewWorker(store JobStore, proc Processor, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 5 * time.Second
	}
	return &Worker{
		store:  store,
		proc:   proc,
		opts:   opts,
		logger: log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
		slots:  make(chan struct{}, opts.Concurrency),
		stop:   make(chan struct{}),
		clock:  time.Now,
	}
}

// Start launches the polling loop.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Printf("🚀 Worker started: queue=%s concurrency=%d poll=%s",
		w.opts.Queue, w.opts.Concurrency, w.opts.PollInterval)
}

// Stop halts polling and waits for in-flight jobs to finish. There is no
// forced cancel: a running processor completes.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
	w.logger.Printf("Worker stopped: queue=%s", w.opts.Queue)
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick claims jobs until the queue is empty or all slots are taken.
func (w *Worker) tick(ctx context.Context) {
	for {
		select {
		case w.slots <- struct{}{}:
		default:
			return // saturated
		}

		job, err := w.store.Claim(ctx, w.opts.Queue)
		if err != nil {
			<-w.slots
			w.logger.Printf("⚠️ Claim failed on %s: %v", w.opts.Queue, err)
			return
		}
		if job == nil {
			<-w.slots
			return
		}

		w.wg.Add(1)
		metrics.JobsInFlight.WithLabelValues(w.opts.Queue).Inc()
		go func(job *Job) {
			defer func() {
				metrics.JobsInFlight.WithLabelValues(w.opts.Queue).Dec()
				<-w.slots
				w.wg.Done()
			}()
			w.execute(ctx, job)
		}(job)
	}
}

func (w *Worker) execute(ctx context.Context, job *Job) {
	start := w.clock()
	err := w.run(ctx, job)
	metrics.JobDuration.WithLabelValues(w.opts.Queue, job.Data.Type).
		Observe(w.clock().Sub(start).Seconds())

	if err == nil {
		if mErr := w.store.MarkCompleted(ctx, job.ID, job.Attempts+1); mErr != nil {
			w.logger.Printf("⚠️ Job %s finished but status update failed: %v", job.ID, mErr)
			return
		}
		metrics.JobsTotal.WithLabelValues(w.opts.Queue, job.Data.Type, "completed").Inc()
		return
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts || errors.Is(err, ErrPermanent) {
		w.logger.Printf("❌ Job %s failed permanently after %d attempts: %v", job.ID, attempts, err)
		if mErr := w.store.MarkFailed(ctx, job.ID, attempts, err.Error()); mErr != nil {
			w.logger.Printf("⚠️ Job %s fail-mark failed: %v", job.ID, mErr)
		}
		metrics.JobsTotal.WithLabelValues(w.opts.Queue, job.Data.Type, "failed").Inc()
		return
	}

	runAt := w.clock().Add(w.Backoff(attempts))
	w.logger.Printf("Job %s attempt %d/%d failed, retry at %s: %v",
		job.ID, attempts, job.MaxAttempts, runAt.Format(time.RFC3339), err)
	if mErr := w.store.MarkRetry(ctx, job.ID, attempts, err.Error(), runAt); mErr != nil {
		w.logger.Printf("⚠️ Job %s retry-mark failed: %v", job.ID, mErr)
	}
	metrics.JobsTotal.WithLabelValues(w.opts.Queue, job.Data.Type, "retried").Inc()
}

// run invokes the processor, converting panics into ordinary errors so a
// broken handler burns its attempts instead of the process.
func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.proc(ctx, job)
}

// Backoff returns the delay before the given attempt count retries:
// base * 2^attempts, exponential from the current attempt count.
func (w *Worker) Backoff(attempts int) time.Duration {
	d := w.opts.BaseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
	}
	return d
}
