package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
	"github.com/ekaya-inc/ekaya-insights/pkg/schedule"
)

// Leader elects the single replica that runs the scheduler.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// QuotaChecker reports whether a tenant has any of a metric left.
type QuotaChecker interface {
	Exhausted(ctx context.Context, tenantID uuid.UUID, metric models.QuotaMetric) (bool, error)
}

// SchedulerConfig controls the due-search scan.
type SchedulerConfig struct {
	TickInterval time.Duration
	PageSize     int
	// JobMaxAttempts is stamped on every execution job.
	JobMaxAttempts int
}

// TickResult summarises one scheduler pass.
type TickResult struct {
	Due       int
	Enqueued  int
	Skipped   int
	Contended int
	Failed    int
}

// SchedulerService turns due saved searches into execution jobs.
type SchedulerService interface {
	// Tick schedules every search due at the current time. Safe to run
	// concurrently with other replicas: each due time is claimed by
	// compare-and-set.
	Tick(ctx context.Context) (*TickResult, error)
	// Run ticks on the configured interval while this replica is leader.
	// It blocks until ctx is cancelled.
	Run(ctx context.Context)
}

type schedulerService struct {
	cfg        SchedulerConfig
	leader     Leader
	searchRepo repositories.SavedSearchRepository
	tenantRepo repositories.TenantRepository
	quota      QuotaChecker
	systemCtx  database.SystemContextFunc
	onEnqueue  func()
	logger     *zap.Logger
	now        func() time.Time
}

// NewSchedulerService creates the scheduler. onEnqueue, if set, is called
// after a tick that enqueued at least one job.
func NewSchedulerService(
	cfg SchedulerConfig,
	leader Leader,
	searchRepo repositories.SavedSearchRepository,
	tenantRepo repositories.TenantRepository,
	quota QuotaChecker,
	systemCtx database.SystemContextFunc,
	onEnqueue func(),
	logger *zap.Logger,
) SchedulerService {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.JobMaxAttempts <= 0 {
		cfg.JobMaxAttempts = 5
	}
	return &schedulerService{
		cfg:        cfg,
		leader:     leader,
		searchRepo: searchRepo,
		tenantRepo: tenantRepo,
		quota:      quota,
		systemCtx:  systemCtx,
		onEnqueue:  onEnqueue,
		logger:     logger.Named("scheduler"),
		now:        time.Now,
	}
}

var _ SchedulerService = (*schedulerService)(nil)

func (s *schedulerService) Run(ctx context.Context) {
	s.logger.Info("Scheduler started", zap.Duration("tick_interval", s.cfg.TickInterval))

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		s.tickIfLeader(ctx)

		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			s.leader.Release(releaseCtx)
			cancel()
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *schedulerService) tickIfLeader(ctx context.Context) {
	leader, err := s.leader.TryAcquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Failed to check scheduler leadership", zap.Error(err))
		}
		return
	}
	if !leader {
		s.logger.Debug("Not the scheduler leader; skipping tick")
		return
	}

	res, err := s.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Scheduler tick failed", zap.Error(err))
		}
		return
	}
	if res.Due > 0 {
		s.logger.Info("Scheduler tick completed",
			zap.Int("due", res.Due),
			zap.Int("enqueued", res.Enqueued),
			zap.Int("quota_skipped", res.Skipped),
			zap.Int("contended", res.Contended),
			zap.Int("failed", res.Failed))
	}
}

func (s *schedulerService) Tick(ctx context.Context) (*TickResult, error) {
	res := &TickResult{}
	err := runInSystem(ctx, s.systemCtx, func(ctx context.Context) error {
		now := s.now()
		var cursor *repositories.DueCursor
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			due, err := s.searchRepo.ListDue(ctx, now, cursor, s.cfg.PageSize)
			if err != nil {
				return fmt.Errorf("failed to list due searches: %w", err)
			}
			for _, search := range due {
				res.Due++
				s.scheduleOne(ctx, search, now, res)
			}
			if len(due) < s.cfg.PageSize {
				return nil
			}
			last := due[len(due)-1]
			cursor = &repositories.DueCursor{NextDueAt: *last.NextDueAt, ID: last.ID}
		}
	})
	if res.Enqueued > 0 && s.onEnqueue != nil {
		s.onEnqueue()
	}
	return res, err
}

func (s *schedulerService) scheduleOne(ctx context.Context, search *models.SavedSearch, now time.Time, res *TickResult) {
	logger := s.logger.With(
		zap.String("tenant_id", search.TenantID.String()),
		zap.String("search_id", search.ID.String()))

	due := *search.NextDueAt
	next, err := schedule.Following(search.Schedule, due, now)
	if err != nil {
		res.Failed++
		logger.Error("Search has an invalid schedule; leaving it unscheduled", zap.Error(err))
		return
	}

	var job *models.Job
	exhausted, err := s.quota.Exhausted(ctx, search.TenantID, models.QuotaDailyExecutions)
	if err != nil {
		// The executor enforces the quota when the job runs.
		logger.Warn("Failed to check execution quota", zap.Error(err))
	}
	if !exhausted {
		job = &models.Job{
			ID:            uuid.New(),
			TenantID:      search.TenantID,
			SearchID:      search.ID,
			Kind:          models.JobKindExecuteSearch,
			ScheduledTime: due,
			SequenceKey:   search.ID.String(),
			MaxAttempts:   s.cfg.JobMaxAttempts,
			RunAt:         now,
		}
	}

	advanced, err := s.searchRepo.AdvanceDue(ctx, search.ID, due, next, job)
	if err != nil {
		res.Failed++
		logger.Error("Failed to advance search schedule", zap.Error(err))
		return
	}
	if !advanced {
		res.Contended++
		logger.Debug("Search already advanced by another writer")
		return
	}

	if job == nil {
		res.Skipped++
		s.recordSkip(ctx, search, due)
		logger.Warn("Daily execution quota exhausted; run skipped",
			zap.Time("scheduled_time", due),
			zap.Time("next_due_at", next))
		return
	}
	res.Enqueued++
	logger.Debug("Execution job enqueued",
		zap.Time("scheduled_time", due),
		zap.Time("next_due_at", next))
}

func (s *schedulerService) recordSkip(ctx context.Context, search *models.SavedSearch, due time.Time) {
	searchID := search.ID
	event := &models.QuotaEvent{
		TenantID:   search.TenantID,
		SearchID:   &searchID,
		Metric:     models.QuotaDailyExecutions,
		Reason:     fmt.Sprintf("run scheduled for %s skipped: daily execution quota exhausted", due.UTC().Format(time.RFC3339)),
		OccurredAt: s.now(),
	}
	if err := s.tenantRepo.RecordQuotaEvent(ctx, event); err != nil {
		s.logger.Error("Failed to record quota skip", zap.Error(err))
	}
}
