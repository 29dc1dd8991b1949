// Package tenantreg maintains the lazy per-tenant database connection pool.
//
// Connections are never pre-warmed: the first Resolve for a tenant pays the
// handshake cost, and concurrent misses for the same tenant collapse onto a
// single in-flight connect. Entries that fail a health check are evicted so
// the next caller retries from scratch.
package tenantreg

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"golang.org/x/sync/singleflight"

	"github.com/ecodrix/backend/internal/central"
)

// ErrTenantNotProvisioned mirrors the central store sentinel so callers can
// match without importing central.
var ErrTenantNotProvisioned = central.ErrNotProvisioned

const (
	connectTimeout = 30 * time.Second
	socketTimeout  = 45 * time.Second
	poolSize       = 5
)

// TenantConn is a live handle to one tenant's database. The prepared
// statement cache shares the connection's lifetime and dies with it.
type TenantConn struct {
	TenantCode string
	DB         *sql.DB

	mu    sync.Mutex
	stmts map[string]*sql.Stmt
}

// Prepare returns a cached prepared statement for the query, compiling it
// once per connection.
func (tc *TenantConn) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	tc.mu.Lock()
	if st, ok := tc.stmts[query]; ok {
		tc.mu.Unlock()
		return st, nil
	}
	tc.mu.Unlock()

	st, err := tc.DB.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if prior, ok := tc.stmts[query]; ok {
		// Lost the race; keep the first one.
		st.Close()
		return prior, nil
	}
	tc.stmts[query] = st
	return st, nil
}

// Close tears down the statement cache and the underlying pool together.
func (tc *TenantConn) Close() error {
	tc.mu.Lock()
	for _, st := range tc.stmts {
		st.Close()
	}
	tc.stmts = map[string]*sql.Stmt{}
	tc.mu.Unlock()
	return tc.DB.Close()
}

// DSNSource supplies decrypted connection strings. Satisfied by
// *central.Store.
type DSNSource interface {
	GetDataSourceDSN(ctx context.Context, tenantCode string) (string, error)
}

// Registry is the shared in-process map from tenant code to TenantConn.
type Registry struct {
	source DSNSource
	logger *log.Logger

	mu    sync.RWMutex
	conns map[string]*TenantConn

	flight singleflight.Group
}

// NewRegistry creates an empty registry backed by the given DSN source.
func NewRegistry(source DSNSource) *Registry {
	return &Registry{
		source: source,
		logger: log.New(log.Writer(), "[TENANT-REG] ", log.LstdFlags),
		conns:  make(map[string]*TenantConn),
	}
}

// Resolve returns a healthy connection for the tenant, establishing one if
// absent or if the cached entry fails its ping. Safe for concurrent use.
func (r *Registry) Resolve(ctx context.Context, tenantCode string) (*TenantConn, error) {
	code := strings.ToUpper(strings.TrimSpace(tenantCode))
	if code == "" {
		return nil, fmt.Errorf("tenantreg: empty tenant code")
	}

	r.mu.RLock()
	tc, ok := r.conns[code]
	r.mu.RUnlock()

	if ok {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := tc.DB.PingContext(pingCtx)
		cancel()
		if err == nil {
			return tc, nil
		}
		r.logger.Printf("⚠️ Evicting unhealthy connection for %s: %v", code, err)
		r.evict(code, tc)
	}

	// Collapse concurrent misses onto one connect per tenant code.
	v, err, _ := r.flight.Do(code, func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.conns[code]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}
		return r.connect(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TenantConn), nil
}

func (r *Registry) connect(ctx context.Context, code string) (*TenantConn, error) {
	dsn, err := r.source.GetDataSourceDSN(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("tenantreg: resolve %s: %w", code, err)
	}

	db, err := sql.Open("postgres", withConnectTimeout(dsn))
	if err != nil {
		return nil, fmt.Errorf("tenantreg: open %s: %w", code, err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxIdleTime(socketTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("tenantreg: connect %s: %w", code, err)
	}

	tc := &TenantConn{
		TenantCode: code,
		DB:         db,
		stmts:      make(map[string]*sql.Stmt),
	}

	r.mu.Lock()
	r.conns[code] = tc
	r.mu.Unlock()

	r.logger.Printf("✅ Tenant %s connected (pool=%d)", code, poolSize)
	return tc, nil
}

// evict drops the cached entry if it still points at the given conn, then
// closes it.
func (r *Registry) evict(code string, tc *TenantConn) {
	r.mu.Lock()
	if cur, ok := r.conns[code]; ok && cur == tc {
		delete(r.conns, code)
	}
	r.mu.Unlock()
	tc.Close()
}

// CloseAll tears down every cached connection; used at shutdown after the
// worker has drained.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*TenantConn)
	r.mu.Unlock()

	for code, tc := range conns {
		if err := tc.Close(); err != nil {
			r.logger.Printf("⚠️ Close %s: %v", code, err)
		}
	}
}

// withConnectTimeout appends the lib/pq connect_timeout parameter unless the
// DSN already sets one.
func withConnectTimeout(dsn string) string {
	if strings.Contains(dsn, "connect_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "connect_timeout=30"
}
