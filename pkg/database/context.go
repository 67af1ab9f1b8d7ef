package database

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// TenantScopeKey is the context key for storing the tenant-scoped database connection.
	TenantScopeKey contextKey = "tenantScope"
)

// GetTenantScope retrieves the tenant-scoped database connection from context.
// Returns nil and false if not present.
func GetTenantScope(ctx context.Context) (*TenantScope, bool) {
	scope, ok := ctx.Value(TenantScopeKey).(*TenantScope)
	return scope, ok
}

// SetTenantScope stores the tenant-scoped database connection in context.
func SetTenantScope(ctx context.Context, scope *TenantScope) context.Context {
	return context.WithValue(ctx, TenantScopeKey, scope)
}

// GetTenantID returns the tenant of the scope stored in ctx, if any.
func GetTenantID(ctx context.Context) (uuid.UUID, bool) {
	scope, ok := GetTenantScope(ctx)
	if !ok || scope.TenantID == uuid.Nil {
		return uuid.Nil, false
	}
	return scope.TenantID, true
}

// TenantContextFunc acquires a tenant-scoped connection and returns a context
// carrying it. The cleanup function must be called when the work is done.
type TenantContextFunc func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error)

// NewTenantContextFunc returns a TenantContextFunc backed by db.
func NewTenantContextFunc(db *DB) TenantContextFunc {
	return func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error) {
		scope, err := db.WithTenant(ctx, tenantID)
		if err != nil {
			return nil, nil, err
		}
		return SetTenantScope(ctx, scope), func() { scope.Close() }, nil
	}
}

// SystemContextFunc acquires a connection without tenant scope. Only
// cross-tenant maintenance queries such as job claiming run on it.
type SystemContextFunc func(ctx context.Context) (context.Context, func(), error)

// NewSystemContextFunc returns a SystemContextFunc backed by db.
func NewSystemContextFunc(db *DB) SystemContextFunc {
	return func(ctx context.Context) (context.Context, func(), error) {
		scope, err := db.WithoutTenant(ctx)
		if err != nil {
			return nil, nil, err
		}
		return SetTenantScope(ctx, scope), func() { scope.Close() }, nil
	}
}
