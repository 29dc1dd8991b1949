// Package callback delivers HMAC-signed webhook notifications to client
// applications, with retry and a persisted per-attempt ledger.
package callback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ecodrix/backend/internal/central"
	"github.com/ecodrix/backend/internal/metrics"
)

// AttemptLogger persists delivery attempts. Satisfied by *central.Store.
type AttemptLogger interface {
	AppendCallbackLog(ctx context.Context, cl *central.CallbackLog) error
}

// Options tunes the retry policy.
type Options struct {
	MaxAttempts int           // default 5
	BaseBackoff time.Duration // default 1s; doubles per attempt (1s → 16s)
	Timeout     time.Duration // per-request timeout, default 10s
}

// Sender posts signed JSON callbacks.
type Sender struct {
	client *http.Client
	log    AttemptLogger
	opts   Options
	logger *log.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewSender creates a callback sender over the given attempt ledger.
func NewSender(logStore AttemptLogger, opts Options) *Sender {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Sender{
		client: &http.Client{Timeout: opts.Timeout},
		log:    logStore,
		opts:   opts,
		logger: log.New(log.Writer(), "[CALLBACK] ", log.LstdFlags),
		sleep:  time.Sleep,
	}
}

// Request describes one outbound callback.
type Request struct {
	TenantCode string
	EventLogID string
	URL        string
	Payload    []byte // exact bytes to sign and send
	Secret     string
}

// Send delivers the callback, retrying recoverable failures with
// exponential backoff. Every attempt is persisted. Returns the final error,
// nil on 2xx.
func (s *Sender) Send(ctx context.Context, req Request) error {
	signature := "sha256=" + SignPayload(req.Payload, req.Secret)

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		status, snippet, err := s.post(ctx, req, signature)

		entry := &central.CallbackLog{
			TenantCode:      req.TenantCode,
			EventLogID:      req.EventLogID,
			URL:             req.URL,
			Attempt:         attempt,
			HTTPStatus:      status,
			ResponseSnippet: snippet,
			Signature:       signature,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if logErr := s.log.AppendCallbackLog(ctx, entry); logErr != nil {
			s.logger.Printf("⚠️ Callback log write failed: %v", logErr)
		}

		if err == nil && status >= 200 && status < 300 {
			metrics.CallbacksTotal.WithLabelValues(req.TenantCode, "delivered").Inc()
			s.logger.Printf("✅ Callback delivered: %s (attempt %d)", req.URL, attempt)
			return nil
		}

		if err == nil && !retryableStatus(status) {
			metrics.CallbacksTotal.WithLabelValues(req.TenantCode, "failed").Inc()
			s.logger.Printf("❌ Callback rejected with %d, not retrying: %s", status, req.URL)
			return fmt.Errorf("callback: %s returned %d", req.URL, status)
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("callback: %s returned %d", req.URL, status)
		}

		if attempt < s.opts.MaxAttempts {
			metrics.CallbacksTotal.WithLabelValues(req.TenantCode, "retried").Inc()
			s.sleep(s.backoff(attempt))
		}
	}

	metrics.CallbacksTotal.WithLabelValues(req.TenantCode, "failed").Inc()
	s.logger.Printf("❌ Callback exhausted %d attempts: %s (%v)", s.opts.MaxAttempts, req.URL, lastErr)
	return lastErr
}

// Dispatch fires Send on a goroutine; the trigger endpoint never waits on
// callback delivery.
func (s *Sender) Dispatch(req Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.Send(ctx, req); err != nil {
			s.logger.Printf("Callback dispatch gave up: %s: %v", req.URL, err)
		}
	}()
}

func (s *Sender) post(ctx context.Context, req Request, signature string) (int, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("callback: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(SignatureHeader, signature)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, string(snippet), nil
}

func (s *Sender) backoff(attempt int) time.Duration {
	d := s.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// retryableStatus: 5xx, plus the two 4xx codes that signal "try later".
func retryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}
