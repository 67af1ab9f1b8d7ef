package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

// SettingsUpdate is a tenant admin's change to their tenant settings. Nil
// fields keep the current value. Quota ceilings are not tenant-editable.
type SettingsUpdate struct {
	DefaultConfidenceThreshold *float64          `json:"default_confidence_threshold,omitempty"`
	DigestSchedule             *models.Frequency `json:"digest_schedule,omitempty"`
	RetentionDays              *int              `json:"retention_days,omitempty"`
	LearningEnabled            *bool             `json:"learning_enabled,omitempty"`
}

// TenantService resolves tenant settings against system defaults. It is the
// quota ledger's source of ceilings.
type TenantService interface {
	// Settings returns the effective settings; tenants without a stored row
	// get the system defaults.
	Settings(ctx context.Context, tenantID uuid.UUID) (*models.TenantSettings, error)
	UpdateSettings(ctx context.Context, tenantID uuid.UUID, update *SettingsUpdate) (*models.TenantSettings, error)
	// OverrideQuota is the super-admin path for changing ceilings.
	OverrideQuota(ctx context.Context, tenantID uuid.UUID, override *models.QuotaOverride) (*models.TenantSettings, error)
}

type tenantService struct {
	repo     repositories.TenantRepository
	defaults models.TenantSettings
	logger   *zap.Logger
}

// NewTenantService creates a TenantService. defaults.TenantID is ignored.
func NewTenantService(repo repositories.TenantRepository, defaults models.TenantSettings, logger *zap.Logger) TenantService {
	return &tenantService{
		repo:     repo,
		defaults: defaults,
		logger:   logger.Named("tenant-service"),
	}
}

var _ TenantService = (*tenantService)(nil)

func (s *tenantService) Settings(ctx context.Context, tenantID uuid.UUID) (*models.TenantSettings, error) {
	stored, err := s.repo.GetSettings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant settings: %w", err)
	}
	if stored == nil {
		settings := s.defaults
		settings.TenantID = tenantID
		return &settings, nil
	}
	return s.withDefaults(stored), nil
}

// withDefaults fills zero values left by partially-populated rows.
func (s *tenantService) withDefaults(stored *models.TenantSettings) *models.TenantSettings {
	settings := *stored
	if settings.DefaultConfidenceThreshold <= 0 {
		settings.DefaultConfidenceThreshold = s.defaults.DefaultConfidenceThreshold
	}
	if settings.DigestSchedule == "" {
		settings.DigestSchedule = s.defaults.DigestSchedule
	}
	if settings.RetentionDays <= 0 {
		settings.RetentionDays = s.defaults.RetentionDays
	}
	if settings.MaxActiveSearches <= 0 {
		settings.MaxActiveSearches = s.defaults.MaxActiveSearches
	}
	if settings.MaxDailyExecutions <= 0 {
		settings.MaxDailyExecutions = s.defaults.MaxDailyExecutions
	}
	if settings.MaxDailyNotifications <= 0 {
		settings.MaxDailyNotifications = s.defaults.MaxDailyNotifications
	}
	return &settings
}

func (s *tenantService) UpdateSettings(ctx context.Context, tenantID uuid.UUID, update *SettingsUpdate) (*models.TenantSettings, error) {
	if update == nil {
		return nil, fmt.Errorf("%w: empty settings update", apperrors.ErrInvalidInput)
	}

	settings, err := s.Settings(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if update.DefaultConfidenceThreshold != nil {
		v := *update.DefaultConfidenceThreshold
		if v <= 0 || v > 1 {
			return nil, fmt.Errorf("%w: default_confidence_threshold must be in (0,1], got %v", apperrors.ErrInvalidInput, v)
		}
		settings.DefaultConfidenceThreshold = v
	}
	if update.DigestSchedule != nil {
		switch *update.DigestSchedule {
		case models.FrequencyHourly, models.FrequencyDaily, models.FrequencyWeekly:
			settings.DigestSchedule = *update.DigestSchedule
		default:
			return nil, fmt.Errorf("%w: digest_schedule must be hourly, daily or weekly", apperrors.ErrInvalidInput)
		}
	}
	if update.RetentionDays != nil {
		if *update.RetentionDays < 1 || *update.RetentionDays > 3650 {
			return nil, fmt.Errorf("%w: retention_days must be between 1 and 3650", apperrors.ErrInvalidInput)
		}
		settings.RetentionDays = *update.RetentionDays
	}
	if update.LearningEnabled != nil {
		settings.LearningEnabled = *update.LearningEnabled
	}

	settings.UpdatedAt = time.Now()
	if err := s.repo.UpsertSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("failed to save tenant settings: %w", err)
	}

	s.logger.Info("Tenant settings updated",
		zap.String("tenant_id", tenantID.String()),
		zap.Float64("default_confidence_threshold", settings.DefaultConfidenceThreshold),
		zap.Int("retention_days", settings.RetentionDays),
		zap.Bool("learning_enabled", settings.LearningEnabled))
	return settings, nil
}

func (s *tenantService) OverrideQuota(ctx context.Context, tenantID uuid.UUID, override *models.QuotaOverride) (*models.TenantSettings, error) {
	if override == nil {
		return nil, fmt.Errorf("%w: empty quota override", apperrors.ErrInvalidInput)
	}

	settings, err := s.Settings(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	apply := func(name string, v *int64, dst *int64) error {
		if v == nil {
			return nil
		}
		if *v < 1 {
			return fmt.Errorf("%w: %s must be positive", apperrors.ErrInvalidInput, name)
		}
		*dst = *v
		return nil
	}
	if err := apply("max_active_searches", override.MaxActiveSearches, &settings.MaxActiveSearches); err != nil {
		return nil, err
	}
	if err := apply("max_daily_executions", override.MaxDailyExecutions, &settings.MaxDailyExecutions); err != nil {
		return nil, err
	}
	if err := apply("max_daily_notifications", override.MaxDailyNotifications, &settings.MaxDailyNotifications); err != nil {
		return nil, err
	}

	settings.UpdatedAt = time.Now()
	if err := s.repo.UpsertSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("failed to save quota override: %w", err)
	}

	s.logger.Info("Quota override applied",
		zap.String("tenant_id", tenantID.String()),
		zap.Int64("max_active_searches", settings.MaxActiveSearches),
		zap.Int64("max_daily_executions", settings.MaxDailyExecutions),
		zap.Int64("max_daily_notifications", settings.MaxDailyNotifications))
	return settings, nil
}
