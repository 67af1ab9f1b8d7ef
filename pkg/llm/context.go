package llm

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const tenantContextKey contextKey = "llm_tenant"

// WithTenant tags ctx with the tenant an LLM call is made for, so the call is
// charged to that tenant's rate budget.
func WithTenant(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenantID)
}

// TenantFromContext returns the tenant set by WithTenant.
func TenantFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(tenantContextKey).(uuid.UUID)
	return id, ok
}
