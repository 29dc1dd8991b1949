// Package central is the control-plane store: the one shared database that
// maps tenants to their connection strings and secrets and holds the
// cross-tenant event and callback ledgers.
package central

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ecodrix/backend/internal/crypto"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("central: not found")
	// ErrNotProvisioned is returned when a tenant has no active datasource.
	ErrNotProvisioned = errors.New("central: tenant not provisioned")
)

// Store provides access to all control-plane collections over a single
// shared connection pool.
type Store struct {
	db     *sql.DB
	cipher *crypto.Cipher
}

// NewStore wraps the central database handle. The cipher is used for
// transparent encrypt-on-write / decrypt-on-read of secret columns.
func NewStore(db *sql.DB, cipher *crypto.Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// DB exposes the underlying handle for components that share the central
// pool (the job store).
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// TENANTS
// ============================================================================

// CreateTenant inserts a tenant and returns the generated API key. Only the
// bcrypt hash of the key is persisted.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) (string, error) {
	t.TenantCode = strings.ToUpper(strings.TrimSpace(t.TenantCode))
	if t.TenantCode == "" {
		return "", fmt.Errorf("central: tenant code is required")
	}
	if t.Status == "" {
		t.Status = TenantTrial
	}

	apiKey := "ecx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("central: hash api key: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (tenant_code, business_name, email, status, api_key_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())`,
		t.TenantCode, t.BusinessName, t.Email, t.Status, string(hash))
	if err != nil {
		return "", fmt.Errorf("central: create tenant %s: %w", t.TenantCode, err)
	}
	return apiKey, nil
}

// GetTenant loads a tenant by code.
func (s *Store) GetTenant(ctx context.Context, tenantCode string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_code, business_name, email, status, api_key_hash, created_at, updated_at
		FROM clients WHERE tenant_code = $1`,
		strings.ToUpper(tenantCode)).
		Scan(&t.TenantCode, &t.BusinessName, &t.Email, &t.Status, &t.APIKeyHash, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("central: get tenant %s: %w", tenantCode, err)
	}
	return &t, nil
}

// ListActiveTenantCodes returns the codes of every tenant in a usable
// state, for background sweeps that walk all tenants.
func (s *Store) ListActiveTenantCodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_code FROM clients WHERE status = $1 OR status = $2 ORDER BY tenant_code`,
		TenantActive, TenantTrial)
	if err != nil {
		return nil, fmt.Errorf("central: list active tenants: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("central: scan tenant code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// VerifyAPIKey authenticates a tenant by code + API key and ensures the
// tenant is in a usable state.
func (s *Store) VerifyAPIKey(ctx context.Context, tenantCode, apiKey string) (*Tenant, error) {
	t, err := s.GetTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(t.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, fmt.Errorf("central: invalid api key for %s", t.TenantCode)
	}
	if t.Status != TenantActive && t.Status != TenantTrial {
		return nil, fmt.Errorf("central: tenant %s is %s", t.TenantCode, t.Status)
	}
	return t, nil
}

// RotateAPIKey replaces a tenant's API key, returning the new key.
func (s *Store) RotateAPIKey(ctx context.Context, tenantCode string) (string, error) {
	apiKey := "ecx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("central: hash api key: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET api_key_hash = $2, updated_at = now() WHERE tenant_code = $1`,
		strings.ToUpper(tenantCode), string(hash))
	if err != nil {
		return "", fmt.Errorf("central: rotate api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	return apiKey, nil
}

// ============================================================================
// SECRETS
// ============================================================================

// PutSecrets upserts a tenant's integration credentials, encrypting every
// field before it touches the database.
func (s *Store) PutSecrets(ctx context.Context, sec *Secrets) error {
	enc := make([]string, 0, 10)
	for _, plain := range []string{
		sec.WhatsAppToken, sec.WhatsAppPhoneID, sec.WhatsAppWebhookToken,
		sec.CalendarClientID, sec.CalendarClientSecret, sec.CalendarRefreshToken,
		sec.SMTPHost, sec.SMTPUser, sec.SMTPPassword, sec.WebhookSecret,
	} {
		ct, err := s.cipher.Encrypt(plain)
		if err != nil {
			return fmt.Errorf("central: encrypt secret: %w", err)
		}
		enc = append(enc, ct)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clientsecrets (
			tenant_code, whatsapp_token, whatsapp_phone_id, whatsapp_webhook_token,
			calendar_client_id, calendar_client_secret, calendar_refresh_token,
			smtp_host, smtp_user, smtp_password, webhook_secret, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (tenant_code) DO UPDATE SET
			whatsapp_token = EXCLUDED.whatsapp_token,
			whatsapp_phone_id = EXCLUDED.whatsapp_phone_id,
			whatsapp_webhook_token = EXCLUDED.whatsapp_webhook_token,
			calendar_client_id = EXCLUDED.calendar_client_id,
			calendar_client_secret = EXCLUDED.calendar_client_secret,
			calendar_refresh_token = EXCLUDED.calendar_refresh_token,
			smtp_host = EXCLUDED.smtp_host,
			smtp_user = EXCLUDED.smtp_user,
			smtp_password = EXCLUDED.smtp_password,
			webhook_secret = EXCLUDED.webhook_secret,
			updated_at = now()`,
		strings.ToUpper(sec.TenantCode),
		enc[0], enc[1], enc[2], enc[3], enc[4], enc[5], enc[6], enc[7], enc[8], enc[9])
	if err != nil {
		return fmt.Errorf("central: put secrets for %s: %w", sec.TenantCode, err)
	}
	return nil
}

// GetSecrets loads and decrypts a tenant's integration credentials.
func (s *Store) GetSecrets(ctx context.Context, tenantCode string) (*Secrets, error) {
	var enc [10]string
	err := s.db.QueryRowContext(ctx, `
		SELECT whatsapp_token, whatsapp_phone_id, whatsapp_webhook_token,
		       calendar_client_id, calendar_client_secret, calendar_refresh_token,
		       smtp_host, smtp_user, smtp_password, webhook_secret
		FROM clientsecrets WHERE tenant_code = $1`,
		strings.ToUpper(tenantCode)).
		Scan(&enc[0], &enc[1], &enc[2], &enc[3], &enc[4], &enc[5], &enc[6], &enc[7], &enc[8], &enc[9])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotProvisioned
	}
	if err != nil {
		return nil, fmt.Errorf("central: get secrets for %s: %w", tenantCode, err)
	}

	var dec [10]string
	for i, ct := range enc {
		dec[i], err = s.cipher.Decrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("central: decrypt secret for %s: %w", tenantCode, err)
		}
	}

	return &Secrets{
		TenantCode:           strings.ToUpper(tenantCode),
		WhatsAppToken:        dec[0],
		WhatsAppPhoneID:      dec[1],
		WhatsAppWebhookToken: dec[2],
		CalendarClientID:     dec[3],
		CalendarClientSecret: dec[4],
		CalendarRefreshToken: dec[5],
		SMTPHost:             dec[6],
		SMTPUser:             dec[7],
		SMTPPassword:         dec[8],
		WebhookSecret:        dec[9],
	}, nil
}

// ============================================================================
// DATASOURCES
// ============================================================================

// PutDataSource upserts the encrypted connection string for a tenant.
func (s *Store) PutDataSource(ctx context.Context, tenantCode, connString string) error {
	enc, err := s.cipher.Encrypt(connString)
	if err != nil {
		return fmt.Errorf("central: encrypt datasource: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clientdatasources (tenant_code, conn_string, active, updated_at)
		VALUES ($1, $2, true, now())
		ON CONFLICT (tenant_code) DO UPDATE SET
			conn_string = EXCLUDED.conn_string, active = true, updated_at = now()`,
		strings.ToUpper(tenantCode), enc)
	if err != nil {
		return fmt.Errorf("central: put datasource for %s: %w", tenantCode, err)
	}
	return nil
}

// GetDataSourceDSN returns the decrypted connection string for a tenant's
// active datasource, or ErrNotProvisioned.
func (s *Store) GetDataSourceDSN(ctx context.Context, tenantCode string) (string, error) {
	var enc string
	err := s.db.QueryRowContext(ctx,
		`SELECT conn_string FROM clientdatasources WHERE tenant_code = $1 AND active = true`,
		strings.ToUpper(tenantCode)).Scan(&enc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotProvisioned
	}
	if err != nil {
		return "", fmt.Errorf("central: get datasource for %s: %w", tenantCode, err)
	}
	dsn, err := s.cipher.Decrypt(enc)
	if err != nil {
		return "", fmt.Errorf("central: decrypt datasource for %s: %w", tenantCode, err)
	}
	return dsn, nil
}

// ============================================================================
// EVENT LOGS
// ============================================================================

// CreateEventLog inserts the initial audit record for a trigger request.
func (s *Store) CreateEventLog(ctx context.Context, e *EventLog) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = EventReceived
	}
	if e.Payload == nil {
		e.Payload = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eventlogs (id, tenant_code, trigger, phone, email, status, payload,
			rules_matched, jobs_created, meet_link, callback_url, callback_status, error,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, '', $8, '', '', now(), now())`,
		e.ID, e.TenantCode, e.Trigger, e.Phone, e.Email, e.Status, []byte(e.Payload), e.CallbackURL)
	if err != nil {
		return fmt.Errorf("central: create event log: %w", err)
	}
	return nil
}

// UpdateEventLog applies the non-nil fields of upd to the event log row.
func (s *Store) UpdateEventLog(ctx context.Context, id string, upd EventLogUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []interface{}{id}
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.RulesMatched != nil {
		add("rules_matched", *upd.RulesMatched)
	}
	if upd.JobsCreated != nil {
		add("jobs_created", *upd.JobsCreated)
	}
	if upd.MeetLink != nil {
		add("meet_link", *upd.MeetLink)
	}
	if upd.CallbackStatus != nil {
		add("callback_status", *upd.CallbackStatus)
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}

	q := "UPDATE eventlogs SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("central: update event log %s: %w", id, err)
	}
	return nil
}

// GetEventLog loads one event log scoped to a tenant.
func (s *Store) GetEventLog(ctx context.Context, tenantCode, id string) (*EventLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_code, trigger, phone, email, status, payload,
		       rules_matched, jobs_created, meet_link, callback_url, callback_status, error,
		       created_at, updated_at
		FROM eventlogs WHERE id = $1 AND tenant_code = $2`,
		id, strings.ToUpper(tenantCode))
	e, err := scanEventLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ListEventLogs returns a tenant's event logs newest first.
func (s *Store) ListEventLogs(ctx context.Context, tenantCode string, limit, offset int) ([]*EventLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_code, trigger, phone, email, status, payload,
		       rules_matched, jobs_created, meet_link, callback_url, callback_status, error,
		       created_at, updated_at
		FROM eventlogs WHERE tenant_code = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		strings.ToUpper(tenantCode), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("central: list event logs: %w", err)
	}
	defer rows.Close()

	var out []*EventLog
	for rows.Next() {
		e, err := scanEventLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEventLog(r rowScanner) (*EventLog, error) {
	var e EventLog
	var payload []byte
	err := r.Scan(&e.ID, &e.TenantCode, &e.Trigger, &e.Phone, &e.Email, &e.Status, &payload,
		&e.RulesMatched, &e.JobsCreated, &e.MeetLink, &e.CallbackURL, &e.CallbackStatus, &e.Error,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// ============================================================================
// CALLBACK LOGS
// ============================================================================

// AppendCallbackLog records one delivery attempt. Failures here are logged
// by callers but never abort a delivery.
func (s *Store) AppendCallbackLog(ctx context.Context, cl *CallbackLog) error {
	if cl.ID == "" {
		cl.ID = uuid.NewString()
	}
	if cl.CreatedAt.IsZero() {
		cl.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callbacklogs (id, tenant_code, event_log_id, url, attempt,
			http_status, response_snippet, signature, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cl.ID, cl.TenantCode, cl.EventLogID, cl.URL, cl.Attempt,
		cl.HTTPStatus, cl.ResponseSnippet, cl.Signature, cl.Error, cl.CreatedAt)
	if err != nil {
		return fmt.Errorf("central: append callback log: %w", err)
	}
	return nil
}
