package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecodrix/backend/internal/central"
)

type memAttemptLog struct {
	mu      sync.Mutex
	entries []*central.CallbackLog
}

func (m *memAttemptLog) AppendCallbackLog(ctx context.Context, cl *central.CallbackLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, cl)
	return nil
}

func (m *memAttemptLog) all() []*central.CallbackLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*central.CallbackLog(nil), m.entries...)
}

func newTestSender(logStore AttemptLogger, attempts int) *Sender {
	s := NewSender(logStore, Options{MaxAttempts: attempts, BaseBackoff: time.Millisecond})
	s.sleep = func(time.Duration) {}
	return s
}

func TestSignPayload_Deterministic(t *testing.T) {
	payload := []byte(`{"status":"queued","eventLogId":"abc"}`)

	a := SignPayload(payload, "secret-1")
	b := SignPayload(payload, "secret-1")
	assert.Equal(t, a, b, "same payload and secret yields the same signature")

	assert.NotEqual(t, a, SignPayload(payload, "secret-2"), "secret change flips signature")

	mutated := append([]byte(nil), payload...)
	mutated[0] = ' '
	assert.NotEqual(t, a, SignPayload(mutated, "secret-1"), "any byte change flips signature")
}

func TestSend_SignsExactBytes(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logStore := &memAttemptLog{}
	s := newTestSender(logStore, 5)

	err := s.Send(context.Background(), Request{
		TenantCode: "ACME", URL: srv.URL, Payload: payload, Secret: "hook-secret",
	})
	require.NoError(t, err)

	assert.Equal(t, payload, gotBody)
	assert.Equal(t, "sha256="+SignPayload(payload, "hook-secret"), gotSig)

	entries := logStore.all()
	require.Len(t, entries, 1)
	assert.Equal(t, http.StatusOK, entries[0].HTTPStatus)
	assert.Equal(t, 1, entries[0].Attempt)
}

func TestSend_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logStore := &memAttemptLog{}
	s := newTestSender(logStore, 5)

	err := s.Send(context.Background(), Request{
		TenantCode: "ACME", URL: srv.URL, Payload: []byte(`{}`), Secret: "s",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, logStore.all(), 3, "every attempt is persisted")
}

func TestSend_TerminalOn4xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s := newTestSender(&memAttemptLog{}, 5)
	err := s.Send(context.Background(), Request{
		TenantCode: "ACME", URL: srv.URL, Payload: []byte(`{}`), Secret: "s",
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "plain 4xx does not retry")
}

func TestSend_429IsRetryable(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := newTestSender(&memAttemptLog{}, 5)
	err := s.Send(context.Background(), Request{
		TenantCode: "ACME", URL: srv.URL, Payload: []byte(`{}`), Secret: "s",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSend_ExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logStore := &memAttemptLog{}
	s := newTestSender(logStore, 3)
	err := s.Send(context.Background(), Request{
		TenantCode: "ACME", URL: srv.URL, Payload: []byte(`{}`), Secret: "s",
	})
	require.Error(t, err)
	assert.Len(t, logStore.all(), 3)
}

func TestBackoffLadder(t *testing.T) {
	s := NewSender(&memAttemptLog{}, Options{BaseBackoff: time.Second, MaxAttempts: 5})

	assert.Equal(t, time.Second, s.backoff(1))
	assert.Equal(t, 2*time.Second, s.backoff(2))
	assert.Equal(t, 16*time.Second, s.backoff(5))
}
