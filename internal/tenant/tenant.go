// Package tenant resolves the tenant a request belongs to from its host
// name.
package tenant

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/middleware"
	"github.com/patrickwarner/tenantads/internal/models"
)

// Header overrides host based resolution when set.
const Header = "X-Tenant-ID"

// Resolve returns the tenant encoded in host's first sub-domain label.
// With a root domain only hosts under it yield a tenant; without one, a
// host needs at least three labels (two for *.localhost). "www", bare
// domains and IP addresses resolve to the main tenant.
func Resolve(host, rootDomain string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" || net.ParseIP(host) != nil {
		return models.MainTenant
	}

	var sub string
	rootDomain = strings.ToLower(strings.Trim(rootDomain, "."))
	switch {
	case rootDomain != "":
		if !strings.HasSuffix(host, "."+rootDomain) {
			return models.MainTenant
		}
		sub = strings.TrimSuffix(host, "."+rootDomain)
	case strings.HasSuffix(host, ".localhost"):
		sub = strings.TrimSuffix(host, ".localhost")
	default:
		labels := strings.Split(host, ".")
		if len(labels) < 3 {
			return models.MainTenant
		}
		sub = strings.Join(labels[:len(labels)-2], ".")
	}

	first := sub
	if i := strings.IndexByte(sub, '.'); i >= 0 {
		first = sub[:i]
	}
	if first == "" || first == "www" {
		return models.MainTenant
	}
	return first
}

// FromRequest resolves the tenant of r: the X-Tenant-ID header, then the
// tenant query parameter, then the host.
func FromRequest(r *http.Request, rootDomain string) string {
	if v := strings.TrimSpace(r.Header.Get(Header)); v != "" {
		return strings.ToLower(v)
	}
	if v := strings.TrimSpace(r.URL.Query().Get("tenant")); v != "" {
		return strings.ToLower(v)
	}
	return Resolve(r.Host, rootDomain)
}

type ctxKey struct{}

// WithTenant stores the tenant id in ctx.
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the tenant stored by Middleware, or the main tenant.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return models.MainTenant
}

// Middleware resolves the tenant of every request into its context.
func Middleware(rootDomain string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromRequest(r, rootDomain)
			ctx := middleware.WithFields(WithTenant(r.Context(), id), zap.String("tenant", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
