package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/llm"
)

// WithLLMTenantWrapper wraps a TenantContextFunc so the returned context also
// names the tenant for per-tenant LLM rate limiting.
func WithLLMTenantWrapper(inner database.TenantContextFunc) database.TenantContextFunc {
	return func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error) {
		tenantCtx, cleanup, err := inner(ctx, tenantID)
		if err != nil {
			return nil, nil, err
		}
		return llm.WithTenant(tenantCtx, tenantID), cleanup, nil
	}
}

// runInTenant runs fn on a connection scoped to tenantID.
func runInTenant(ctx context.Context, tenantCtx database.TenantContextFunc, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	scoped, cleanup, err := tenantCtx(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to acquire tenant scope: %w", err)
	}
	defer cleanup()
	return fn(scoped)
}

// runInSystem runs fn on a connection without tenant scope.
func runInSystem(ctx context.Context, systemCtx database.SystemContextFunc, fn func(ctx context.Context) error) error {
	scoped, cleanup, err := systemCtx(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer cleanup()
	return fn(scoped)
}
