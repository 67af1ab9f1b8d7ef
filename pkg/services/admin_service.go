package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

// feedbackWindow is how far back the dashboard false-positive rate looks.
const feedbackWindow = 30 * 24 * time.Hour

// QuotaUsageReader reports current consumption against ceilings.
type QuotaUsageReader interface {
	Usage(ctx context.Context, tenantID uuid.UUID) ([]models.QuotaUsage, error)
}

// AdminService backs the tenant-admin dashboard.
type AdminService interface {
	Stats(ctx context.Context, tenantID uuid.UUID) (*models.TenantStats, error)
	Usage(ctx context.Context, tenantID uuid.UUID) ([]models.QuotaUsage, error)
	ListDeadLetters(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.DeadLetter, int, error)
}

type adminService struct {
	searchRepo   repositories.SavedSearchRepository
	snapshotRepo repositories.SnapshotRepository
	alertRepo    repositories.AlertRepository
	tenantRepo   repositories.TenantRepository
	jobRepo      repositories.JobRepository
	usage        QuotaUsageReader
	logger       *zap.Logger
	now          func() time.Time
}

func NewAdminService(
	searchRepo repositories.SavedSearchRepository,
	snapshotRepo repositories.SnapshotRepository,
	alertRepo repositories.AlertRepository,
	tenantRepo repositories.TenantRepository,
	jobRepo repositories.JobRepository,
	usage QuotaUsageReader,
	logger *zap.Logger,
) AdminService {
	return &adminService{
		searchRepo:   searchRepo,
		snapshotRepo: snapshotRepo,
		alertRepo:    alertRepo,
		tenantRepo:   tenantRepo,
		jobRepo:      jobRepo,
		usage:        usage,
		logger:       logger.Named("admin-service"),
		now:          time.Now,
	}
}

var _ AdminService = (*adminService)(nil)

func (s *adminService) Stats(ctx context.Context, tenantID uuid.UUID) (*models.TenantStats, error) {
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stats := &models.TenantStats{}

	byStatus, err := s.searchRepo.CountByStatus(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count searches: %w", err)
	}
	stats.ActiveSearches = byStatus[models.SearchStatusActive]
	stats.PausedSearches = byStatus[models.SearchStatusPaused]

	stats.ExecutionsToday, stats.FailedToday, err = s.snapshotRepo.CountSince(ctx, tenantID, today)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	stats.AlertsLast7Days, err = s.alertRepo.CountSince(ctx, tenantID, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}

	counts, err := s.alertRepo.FeedbackCountsSince(ctx, tenantID, now.Add(-feedbackWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count feedback: %w", err)
	}
	stats.FeedbackCount = counts.Relevant + counts.FalsePositive
	if stats.FeedbackCount > 0 {
		stats.FalsePositiveRate = float64(counts.FalsePositive) / float64(stats.FeedbackCount)
	}

	stats.QuotaSkipsToday, err = s.tenantRepo.CountQuotaEventsSince(ctx, tenantID, today)
	if err != nil {
		return nil, fmt.Errorf("failed to count quota events: %w", err)
	}

	_, stats.DeadLetters, err = s.jobRepo.ListDeadLetters(ctx, tenantID, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}

	stats.Quota, err = s.Usage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *adminService) Usage(ctx context.Context, tenantID uuid.UUID) ([]models.QuotaUsage, error) {
	usage, err := s.usage.Usage(ctx, tenantID)
	if err != nil {
		s.logger.Error("Failed to read quota usage",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read quota usage: %w", err)
	}
	return usage, nil
}

func (s *adminService) ListDeadLetters(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.DeadLetter, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	dead, total, err := s.jobRepo.ListDeadLetters(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return dead, total, nil
}
