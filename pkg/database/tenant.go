package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantScope is a pooled connection bound to one tenant through the
// app.current_tenant_id setting that the row-level security policies read.
// A scope with a nil TenantID sees every tenant's rows.
type TenantScope struct {
	Conn     *pgxpool.Conn
	TenantID uuid.UUID
}

// Close clears the tenant binding and returns the connection to the pool.
// Skipping it would leak the binding to the next borrower.
func (s *TenantScope) Close() {
	if s.Conn == nil {
		return
	}
	if s.TenantID != uuid.Nil {
		_, _ = s.Conn.Exec(context.Background(), "RESET app.current_tenant_id")
	}
	s.Conn.Release()
	s.Conn = nil
}

// WithTenant borrows a connection bound to tenantID.
func (db *DB) WithTenant(ctx context.Context, tenantID uuid.UUID) (*TenantScope, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("tenant scope requires a tenant id")
	}
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT set_config('app.current_tenant_id', $1, false)", tenantID.String()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to bind tenant %s: %w", tenantID, err)
	}

	return &TenantScope{Conn: conn, TenantID: tenantID}, nil
}

// WithoutTenant borrows an unbound connection for cross-tenant work such as
// job claiming, due-search scans and retention.
func (db *DB) WithoutTenant(ctx context.Context) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &TenantScope{Conn: conn}, nil
}
