package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// TenantRepository provides data access for tenant settings and quota events.
type TenantRepository interface {
	GetSettings(ctx context.Context, tenantID uuid.UUID) (*models.TenantSettings, error)
	UpsertSettings(ctx context.Context, settings *models.TenantSettings) error
	// ListTenantIDs returns every tenant with searches or settings. It must run
	// on a connection without tenant scope.
	ListTenantIDs(ctx context.Context) ([]uuid.UUID, error)
	RecordQuotaEvent(ctx context.Context, event *models.QuotaEvent) error
	CountQuotaEventsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)
	DeleteQuotaEventsBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)
}

type tenantRepository struct{}

// NewTenantRepository creates a TenantRepository.
func NewTenantRepository() TenantRepository {
	return &tenantRepository{}
}

var _ TenantRepository = (*tenantRepository)(nil)

func (r *tenantRepository) GetSettings(ctx context.Context, tenantID uuid.UUID) (*models.TenantSettings, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT tenant_id, default_confidence_threshold, digest_schedule, retention_days,
		       learning_enabled, max_active_searches, max_daily_executions,
		       max_daily_notifications, updated_at
		FROM tenant_settings WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant settings: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get tenant settings: %w", err)
		}
		return nil, nil
	}

	s := &models.TenantSettings{}
	if err := rows.Scan(&s.TenantID, &s.DefaultConfidenceThreshold, &s.DigestSchedule, &s.RetentionDays,
		&s.LearningEnabled, &s.MaxActiveSearches, &s.MaxDailyExecutions,
		&s.MaxDailyNotifications, &s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan tenant settings: %w", err)
	}
	return s, nil
}

func (r *tenantRepository) UpsertSettings(ctx context.Context, s *models.TenantSettings) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	err = scope.Conn.QueryRow(ctx, `
		INSERT INTO tenant_settings (
			tenant_id, default_confidence_threshold, digest_schedule, retention_days,
			learning_enabled, max_active_searches, max_daily_executions, max_daily_notifications
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id) DO UPDATE SET
			default_confidence_threshold = EXCLUDED.default_confidence_threshold,
			digest_schedule = EXCLUDED.digest_schedule,
			retention_days = EXCLUDED.retention_days,
			learning_enabled = EXCLUDED.learning_enabled,
			max_active_searches = EXCLUDED.max_active_searches,
			max_daily_executions = EXCLUDED.max_daily_executions,
			max_daily_notifications = EXCLUDED.max_daily_notifications,
			updated_at = now()
		RETURNING updated_at`,
		s.TenantID, s.DefaultConfidenceThreshold, s.DigestSchedule, s.RetentionDays,
		s.LearningEnabled, s.MaxActiveSearches, s.MaxDailyExecutions, s.MaxDailyNotifications,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save tenant settings: %w", err)
	}
	return nil
}

func (r *tenantRepository) ListTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT tenant_id FROM saved_searches
		UNION
		SELECT tenant_id FROM tenant_settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *tenantRepository) RecordQuotaEvent(ctx context.Context, e *models.QuotaEvent) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	err = scope.Conn.QueryRow(ctx, `
		INSERT INTO quota_events (tenant_id, search_id, metric, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		e.TenantID, e.SearchID, e.Metric, e.Reason, e.OccurredAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to record quota event: %w", err)
	}
	return nil
}

func (r *tenantRepository) CountQuotaEventsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	if err := scope.Conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM quota_events WHERE tenant_id = $1 AND occurred_at >= $2`,
		tenantID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count quota events: %w", err)
	}
	return n, nil
}

func (r *tenantRepository) DeleteQuotaEventsBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := scope.Conn.Exec(ctx, `DELETE FROM quota_events WHERE tenant_id = $1 AND occurred_at < $2`, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete quota events: %w", err)
	}
	return tag.RowsAffected(), nil
}
