package tenant

import (
	"context"
	"errors"
)

// Scope carries the tenant/user identity a job executes under. It is attached
// to the context at the start of a unit of work and dropped with it, so
// identity never leaks between jobs sharing a worker.
type Scope struct {
	TenantID      string
	UserID        string
	CorrelationID string
}

type scopeKey struct{}

// ErrNoScope indicates code asked for the current tenant outside a scoped
// unit of work. Callers should treat this as fatal, not retryable: executing
// tenant-scoped logic without a tenant risks cross-tenant data access.
var ErrNoScope = errors.New("no tenant scope on context")

// WithScope returns a child context carrying the given scope.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope attached to ctx, or ErrNoScope.
func FromContext(ctx context.Context) (Scope, error) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	if !ok || s.TenantID == "" {
		return Scope{}, ErrNoScope
	}
	return s, nil
}

// MustTenantID returns the current tenant id or an empty string. Intended for
// log fields only, never for data access decisions.
func MustTenantID(ctx context.Context) string {
	s, err := FromContext(ctx)
	if err != nil {
		return ""
	}
	return s.TenantID
}
