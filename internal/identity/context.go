package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// TenantHeaderName selects the tenant on ops requests.
const TenantHeaderName = "X-Tenant-ID"

type contextKey int

const tenantIDKey contextKey = iota

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// WithTenant returns ctx carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantFromContext extracts the tenant ID placed by Middleware.
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey).(string); ok {
		return v
	}
	return ""
}

func sanitizeTenantID(id, fallback string) string {
	id = strings.TrimSpace(id)
	if id == "" || !tenantIDPattern.MatchString(id) {
		return fallback
	}
	return id
}

// Middleware puts the request's tenant into the context, falling back to
// defaultTenant when the header is missing or malformed.
func Middleware(defaultTenant string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := sanitizeTenantID(r.Header.Get(TenantHeaderName), defaultTenant)
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
