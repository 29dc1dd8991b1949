// Package middleware holds the HTTP cross-cutting layers: tenant
// authentication and the per-tenant trigger rate limiter.
package middleware

import (
	"context"
	"net/http"

	"github.com/ecodrix/backend/internal/central"
)

type contextKey string

const tenantKey contextKey = "tenant"

// WithTenant injects an authenticated tenant into the request context.
func WithTenant(ctx context.Context, t *central.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// TenantFrom extracts the authenticated tenant, nil when absent.
func TenantFrom(ctx context.Context) *central.Tenant {
	t, _ := ctx.Value(tenantKey).(*central.Tenant)
	return t
}

// Authenticator verifies tenant credentials. Satisfied by *central.Store.
type Authenticator interface {
	VerifyAPIKey(ctx context.Context, tenantCode, apiKey string) (*central.Tenant, error)
}

// TenantAuth authenticates every request by the x-client-code and x-api-key
// header pair and injects the tenant into the context. Both headers are
// required; a bad pair is a plain 401 with no detail about which half
// failed.
func TenantAuth(auth Authenticator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantCode := r.Header.Get("x-client-code")
		apiKey := r.Header.Get("x-api-key")
		if tenantCode == "" || apiKey == "" {
			http.Error(w, "Missing tenant credentials (x-client-code, x-api-key)", http.StatusUnauthorized)
			return
		}

		tenant, err := auth.VerifyAPIKey(r.Context(), tenantCode, apiKey)
		if err != nil {
			http.Error(w, "Invalid tenant credentials", http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(WithTenant(r.Context(), tenant)))
	}
}

// AdminAuth guards the provisioning surface with the static admin token.
func AdminAuth(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token == "" || r.Header.Get("x-admin-token") != token {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
