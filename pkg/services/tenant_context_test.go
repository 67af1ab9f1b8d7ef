package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-insights/pkg/llm"
)

func TestWithLLMTenantWrapper_AddsTenant(t *testing.T) {
	tenantID := uuid.New()
	cleanupCalled := false

	inner := func(ctx context.Context, tid uuid.UUID) (context.Context, func(), error) {
		return ctx, func() { cleanupCalled = true }, nil
	}

	resultCtx, cleanup, err := WithLLMTenantWrapper(inner)(context.Background(), tenantID)
	require.NoError(t, err)

	got, ok := llm.TenantFromContext(resultCtx)
	require.True(t, ok)
	assert.Equal(t, tenantID, got)

	cleanup()
	assert.True(t, cleanupCalled)
}

func TestWithLLMTenantWrapper_PropagatesError(t *testing.T) {
	inner := func(ctx context.Context, tid uuid.UUID) (context.Context, func(), error) {
		return nil, nil, errors.New("pool exhausted")
	}

	_, _, err := WithLLMTenantWrapper(inner)(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool exhausted")
}

func TestRunInTenant(t *testing.T) {
	var released bool
	tenantCtx := func(ctx context.Context, tid uuid.UUID) (context.Context, func(), error) {
		return ctx, func() { released = true }, nil
	}

	err := runInTenant(context.Background(), tenantCtx, uuid.New(), func(ctx context.Context) error {
		return errors.New("inner failure")
	})
	require.EqualError(t, err, "inner failure")
	assert.True(t, released)

	failing := func(ctx context.Context, tid uuid.UUID) (context.Context, func(), error) {
		return nil, nil, errors.New("no connection")
	}
	called := false
	err = runInTenant(context.Background(), failing, uuid.New(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}
