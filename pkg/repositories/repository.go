// Package repositories provides PostgreSQL data access. Every method runs on
// the connection stored in the context by database.SetTenantScope.
package repositories

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-insights/pkg/database"
)

// normalizePageParams clamps pagination to sane bounds.
func normalizePageParams(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func scopeFrom(ctx context.Context) (*database.TenantScope, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}
	return scope, nil
}
