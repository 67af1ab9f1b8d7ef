package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/quota"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

// DefaultRetentionDays applies when a tenant has no retention setting.
const DefaultRetentionDays = 90

// PruneResult counts the records removed for one tenant.
type PruneResult struct {
	Pages       int64 `json:"pages"`
	Alerts      int64 `json:"alerts"`
	Snapshots   int64 `json:"snapshots"`
	QuotaEvents int64 `json:"quota_events"`
	Jobs        int64 `json:"jobs"`
}

// Total is the number of records removed across all tables.
func (r *PruneResult) Total() int64 {
	return r.Pages + r.Alerts + r.Snapshots + r.QuotaEvents + r.Jobs
}

// RetentionService expires old pipeline data.
type RetentionService interface {
	// PruneTenant removes records older than retentionDays for a tenant. The
	// context must carry the tenant's database scope.
	PruneTenant(ctx context.Context, tenantID uuid.UUID, retentionDays int) (*PruneResult, error)

	// RunScheduler starts a background goroutine that prunes all tenants on
	// the given interval. It runs immediately on startup, then repeats every
	// interval. Cancel the context to stop it.
	RunScheduler(ctx context.Context, interval time.Duration)
}

type retentionService struct {
	tenantRepo   repositories.TenantRepository
	snapshotRepo repositories.SnapshotRepository
	pageRepo     repositories.ScrapedPageRepository
	alertRepo    repositories.AlertRepository
	jobRepo      repositories.JobRepository
	settings     quota.LimitSource
	systemCtx    database.SystemContextFunc
	tenantCtx    database.TenantContextFunc
	logger       *zap.Logger
	now          func() time.Time
}

func NewRetentionService(
	tenantRepo repositories.TenantRepository,
	snapshotRepo repositories.SnapshotRepository,
	pageRepo repositories.ScrapedPageRepository,
	alertRepo repositories.AlertRepository,
	jobRepo repositories.JobRepository,
	settings quota.LimitSource,
	systemCtx database.SystemContextFunc,
	tenantCtx database.TenantContextFunc,
	logger *zap.Logger,
) RetentionService {
	return &retentionService{
		tenantRepo:   tenantRepo,
		snapshotRepo: snapshotRepo,
		pageRepo:     pageRepo,
		alertRepo:    alertRepo,
		jobRepo:      jobRepo,
		settings:     settings,
		systemCtx:    systemCtx,
		tenantCtx:    tenantCtx,
		logger:       logger.Named("retention-service"),
		now:          time.Now,
	}
}

var _ RetentionService = (*retentionService)(nil)

func (s *retentionService) PruneTenant(ctx context.Context, tenantID uuid.UUID, retentionDays int) (*PruneResult, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	res := &PruneResult{}

	// Pages and alerts reference snapshots, so they go first.
	steps := []struct {
		name  string
		count *int64
		fn    func(context.Context, uuid.UUID, time.Time) (int64, error)
	}{
		{"scraped pages", &res.Pages, s.pageRepo.DeleteOlderThan},
		{"alerts", &res.Alerts, s.alertRepo.DeleteOlderThan},
		{"snapshots", &res.Snapshots, s.snapshotRepo.DeleteOlderThan},
		{"quota events", &res.QuotaEvents, s.tenantRepo.DeleteQuotaEventsBefore},
		{"finished jobs", &res.Jobs, s.jobRepo.DeleteFinishedBefore},
	}
	for _, step := range steps {
		n, err := step.fn(ctx, tenantID, cutoff)
		if err != nil {
			s.logger.Error("Failed to prune "+step.name,
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			return res, fmt.Errorf("failed to prune %s: %w", step.name, err)
		}
		*step.count = n
	}

	if res.Total() > 0 {
		s.logger.Info("Retention cleanup completed",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("retention_days", retentionDays),
			zap.Int64("total_deleted", res.Total()),
			zap.Int64("pages_deleted", res.Pages),
			zap.Int64("alerts_deleted", res.Alerts),
			zap.Int64("snapshots_deleted", res.Snapshots),
			zap.Int64("quota_events_deleted", res.QuotaEvents),
			zap.Int64("jobs_deleted", res.Jobs))
	}
	return res, nil
}

func (s *retentionService) RunScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Retention scheduler started",
			zap.Duration("interval", interval),
			zap.Int("default_retention_days", DefaultRetentionDays))

		s.pruneAllTenants(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Retention scheduler stopped")
				return
			case <-ticker.C:
				s.pruneAllTenants(ctx)
			}
		}
	}()
}

// pruneAllTenants prunes every tenant using its configured retention period.
func (s *retentionService) pruneAllTenants(ctx context.Context) {
	var tenantIDs []uuid.UUID
	err := runInSystem(ctx, s.systemCtx, func(ctx context.Context) error {
		var err error
		tenantIDs, err = s.tenantRepo.ListTenantIDs(ctx)
		return err
	})
	if err != nil {
		s.logger.Error("Retention scheduler: failed to list tenants", zap.Error(err))
		return
	}
	if len(tenantIDs) == 0 {
		return
	}

	s.logger.Debug("Retention scheduler: pruning tenants", zap.Int("count", len(tenantIDs)))

	for _, tenantID := range tenantIDs {
		if ctx.Err() != nil {
			return
		}
		err := runInTenant(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
			settings, err := s.settings.Settings(ctx, tenantID)
			if err != nil {
				return err
			}
			_, err = s.PruneTenant(ctx, tenantID, settings.RetentionDays)
			return err
		})
		if err != nil {
			s.logger.Error("Retention scheduler: failed to prune tenant",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
		}
	}
}
