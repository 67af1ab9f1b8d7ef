package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/datasource"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/quota"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
	"github.com/ekaya-inc/ekaya-insights/pkg/worker"
)

var snapshotNamespace = uuid.MustParse("7f1c6a52-3b0e-4d0b-9a57-2f4c1d8e6b31")

// SnapshotID derives the id of the snapshot for one scheduled run, so every
// attempt of the same run writes to the same row.
func SnapshotID(searchID uuid.UUID, scheduledTime time.Time) uuid.UUID {
	return uuid.NewSHA1(snapshotNamespace, []byte(searchID.String()+"|"+scheduledTime.UTC().Format(time.RFC3339Nano)))
}

// QuotaReserver takes and returns quota units.
type QuotaReserver interface {
	TryReserve(ctx context.Context, tenantID uuid.UUID, metric models.QuotaMetric, n int64) (quota.Reservation, error)
	Release(ctx context.Context, r quota.Reservation) error
}

// ExecutorConfig controls search execution.
type ExecutorConfig struct {
	SourceTimeout time.Duration
	MaxResults    int
	// Attempt limits stamped on downstream jobs.
	DeepContentMaxAttempts int
	DetectMaxAttempts      int
	// DetectDelay postpones detection when deep content is being fetched so
	// the analysis can include page text.
	DetectDelay time.Duration
}

// ExecutorService runs execute_search jobs.
type ExecutorService interface {
	worker.Handler
	worker.ExhaustedHandler
}

type executorService struct {
	cfg          ExecutorConfig
	searchRepo   repositories.SavedSearchRepository
	snapshotRepo repositories.SnapshotRepository
	jobRepo      repositories.JobRepository
	tenantRepo   repositories.TenantRepository
	quota        QuotaReserver
	sources      []datasource.Source
	onDeep       func()
	onDetect     func()
	logger       *zap.Logger
	now          func() time.Time
}

// NewExecutorService creates the executor. onDeep and onDetect, if set, wake
// the downstream worker pools after their jobs are enqueued.
func NewExecutorService(
	cfg ExecutorConfig,
	searchRepo repositories.SavedSearchRepository,
	snapshotRepo repositories.SnapshotRepository,
	jobRepo repositories.JobRepository,
	tenantRepo repositories.TenantRepository,
	reserver QuotaReserver,
	sources []datasource.Source,
	onDeep, onDetect func(),
	logger *zap.Logger,
) ExecutorService {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 20 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	if cfg.DeepContentMaxAttempts <= 0 {
		cfg.DeepContentMaxAttempts = 3
	}
	if cfg.DetectMaxAttempts <= 0 {
		cfg.DetectMaxAttempts = 3
	}
	return &executorService{
		cfg:          cfg,
		searchRepo:   searchRepo,
		snapshotRepo: snapshotRepo,
		jobRepo:      jobRepo,
		tenantRepo:   tenantRepo,
		quota:        reserver,
		sources:      sources,
		onDeep:       onDeep,
		onDetect:     onDetect,
		logger:       logger.Named("executor"),
		now:          time.Now,
	}
}

var _ ExecutorService = (*executorService)(nil)

type sourceOutcome struct {
	source models.ResultSource
	items  []models.ResultItem
	err    error
}

func (s *executorService) Handle(ctx context.Context, job *models.Job) error {
	logger := s.logger.With(
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("search_id", job.SearchID.String()),
		zap.Time("scheduled_time", job.ScheduledTime),
		zap.Int("attempt", job.Attempts))

	search, err := s.searchRepo.GetByID(ctx, job.TenantID, job.SearchID)
	if err != nil {
		return retry.Transient(fmt.Errorf("failed to load search: %w", err))
	}
	if search == nil {
		logger.Info("Search no longer exists; dropping execution")
		return nil
	}
	if !search.IsActive() {
		logger.Info("Search is paused; dropping execution", zap.Error(apperrors.ErrSearchPaused))
		return nil
	}

	snapshotID := SnapshotID(search.ID, job.ScheduledTime)
	proceed, err := s.checkOrder(ctx, search, job, snapshotID, logger)
	if err != nil || !proceed {
		return err
	}

	reservation, err := s.reserveExecution(ctx, search, job, logger)
	if err != nil {
		if errors.Is(err, errQuotaDropped) {
			return nil
		}
		return err
	}

	start := s.now()
	outcomes, err := s.querySources(ctx, search)
	if err != nil {
		s.releaseExecution(ctx, reservation, logger)
		return err
	}

	var lists [][]models.ResultItem
	var warnings []string
	for _, o := range outcomes {
		if o.err != nil {
			warnings = append(warnings, fmt.Sprintf("%s source failed: %v", o.source, o.err))
			logger.Warn("Data source failed", zap.String("source", string(o.source)), zap.Error(o.err))
			continue
		}
		lists = append(lists, o.items)
	}

	if len(lists) == 0 {
		s.releaseExecution(ctx, reservation, logger)
		return allSourcesFailed(outcomes)
	}

	status := models.SnapshotStatusCompleted
	if len(warnings) > 0 {
		status = models.SnapshotStatusCompletedWithWarnings
	}
	snapshot := &models.ExecutionSnapshot{
		ID:            snapshotID,
		TenantID:      search.TenantID,
		SearchID:      search.ID,
		ScheduledTime: job.ScheduledTime,
		ExecutedAt:    s.now(),
		Items:         datasource.Merge(search.Filters, lists...),
		Status:        status,
		Warnings:      warnings,
		DurationMs:    s.now().Sub(start).Milliseconds(),
		Attempt:       job.Attempts,
	}

	created, err := s.snapshotRepo.Create(ctx, snapshot)
	if err != nil {
		s.releaseExecution(ctx, reservation, logger)
		return retry.Transient(fmt.Errorf("failed to persist snapshot: %w", err))
	}
	if !created {
		s.releaseExecution(ctx, reservation, logger)
		logger.Info("Snapshot for this run already exists; dropping duplicate execution")
		return nil
	}

	if err := s.searchRepo.IncrementCounter(ctx, search.TenantID, search.ID, models.CounterExecutions); err != nil {
		logger.Warn("Failed to bump execution counter", zap.Error(err))
	}

	logger.Info("Search executed",
		zap.String("snapshot_id", snapshot.ID.String()),
		zap.String("status", string(status)),
		zap.Int("items", len(snapshot.Items)),
		zap.Int64("duration_ms", snapshot.DurationMs))

	return s.handOff(ctx, search, snapshot)
}

// checkOrder rejects runs that are not newer than the latest snapshot. A
// retry of a run whose snapshot was already written re-enqueues the
// downstream jobs instead.
func (s *executorService) checkOrder(ctx context.Context, search *models.SavedSearch, job *models.Job, snapshotID uuid.UUID, logger *zap.Logger) (bool, error) {
	latest, err := s.snapshotRepo.LatestScheduledTime(ctx, search.TenantID, search.ID)
	if err != nil {
		return false, retry.Transient(fmt.Errorf("failed to check snapshot order: %w", err))
	}
	if latest == nil || latest.Before(job.ScheduledTime) {
		return true, nil
	}

	if latest.Equal(job.ScheduledTime) {
		existing, err := s.snapshotRepo.GetByID(ctx, search.TenantID, snapshotID)
		if err != nil {
			return false, retry.Transient(fmt.Errorf("failed to load existing snapshot: %w", err))
		}
		if existing != nil && existing.Usable() {
			logger.Info("Snapshot for this run already exists; ensuring downstream jobs")
			return false, s.handOff(ctx, search, existing)
		}
		logger.Info("Run already recorded; dropping duplicate execution")
		return false, nil
	}

	logger.Warn("Newer snapshot exists; discarding out-of-order execution",
		zap.Time("latest_scheduled_time", *latest),
		zap.Error(apperrors.ErrOutOfOrder))
	return false, nil
}

var errQuotaDropped = errors.New("execution dropped for quota")

// reserveExecution takes one daily execution unit. Refusal requeues the job
// once; a second refusal drops the run and records a quota event.
func (s *executorService) reserveExecution(ctx context.Context, search *models.SavedSearch, job *models.Job, logger *zap.Logger) (quota.Reservation, error) {
	reservation, err := s.quota.TryReserve(ctx, search.TenantID, models.QuotaDailyExecutions, 1)
	if err == nil {
		return reservation, nil
	}
	if !errors.Is(err, apperrors.ErrQuotaExceeded) {
		return quota.Reservation{}, retry.Transient(fmt.Errorf("failed to reserve execution quota: %w", err))
	}
	if job.Attempts <= 1 {
		logger.Warn("Execution quota exhausted; requeueing once", zap.Error(err))
		return quota.Reservation{}, retry.Transient(err)
	}

	searchID := search.ID
	event := &models.QuotaEvent{
		TenantID:   search.TenantID,
		SearchID:   &searchID,
		Metric:     models.QuotaDailyExecutions,
		Reason:     fmt.Sprintf("execution scheduled for %s dropped: %v", job.ScheduledTime.UTC().Format(time.RFC3339), err),
		OccurredAt: s.now(),
	}
	if rerr := s.tenantRepo.RecordQuotaEvent(ctx, event); rerr != nil {
		logger.Error("Failed to record quota event", zap.Error(rerr))
	}
	logger.Warn("Execution quota still exhausted; run dropped", zap.Error(err))
	return quota.Reservation{}, errQuotaDropped
}

func (s *executorService) releaseExecution(ctx context.Context, reservation quota.Reservation, logger *zap.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.quota.Release(releaseCtx, reservation); err != nil {
		logger.Warn("Failed to release execution quota", zap.Error(err))
	}
}

// querySources fans out to every enabled source. Each source gets its own
// timeout; one failing never cancels the others.
func (s *executorService) querySources(ctx context.Context, search *models.SavedSearch) ([]sourceOutcome, error) {
	selected := datasource.Select(s.sources, search.DataSources)
	if len(selected) == 0 {
		return nil, retry.Permanent(fmt.Errorf("no data source available for %q", search.DataSources))
	}

	q := datasource.Query{
		TenantID:   search.TenantID,
		Text:       search.Query,
		Filters:    search.Filters,
		MaxResults: s.cfg.MaxResults,
		Now:        s.now(),
	}

	outcomes := make([]sourceOutcome, len(selected))
	var g errgroup.Group
	for i, src := range selected {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, s.cfg.SourceTimeout)
			defer cancel()
			items, err := src.Search(sctx, q)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				err = retry.Transient(fmt.Errorf("timed out after %s: %w", s.cfg.SourceTimeout, err))
			}
			outcomes[i] = sourceOutcome{source: src.Name(), items: items, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return outcomes, nil
}

func allSourcesFailed(outcomes []sourceOutcome) error {
	msgs := make([]string, 0, len(outcomes))
	retryable := false
	for _, o := range outcomes {
		msgs = append(msgs, fmt.Sprintf("%s: %v", o.source, o.err))
		if retry.IsRetryable(o.err) {
			retryable = true
		}
	}
	err := fmt.Errorf("all data sources failed: %s", strings.Join(msgs, "; "))
	if retryable {
		return retry.Transient(err)
	}
	return retry.Permanent(err)
}

// handOff enqueues deep content fetching and change detection for a snapshot.
// Both enqueues are idempotent.
func (s *executorService) handOff(ctx context.Context, search *models.SavedSearch, snapshot *models.ExecutionSnapshot) error {
	now := s.now()
	detectAt := now

	var deepItems []models.ResultItem
	for _, item := range snapshot.TopItems(search.DeepSearchTopN()) {
		if item.URL != "" {
			deepItems = append(deepItems, item)
		}
	}

	if len(deepItems) > 0 {
		payload, err := json.Marshal(models.DeepContentPayload{SnapshotID: snapshot.ID, Items: deepItems})
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to encode deep content payload: %w", err))
		}
		job := &models.Job{
			ID:            uuid.New(),
			TenantID:      search.TenantID,
			SearchID:      search.ID,
			Kind:          models.JobKindDeepContent,
			ScheduledTime: snapshot.ScheduledTime,
			SequenceKey:   "deep:" + snapshot.ID.String(),
			Payload:       payload,
			MaxAttempts:   s.cfg.DeepContentMaxAttempts,
			RunAt:         now,
		}
		if _, err := s.jobRepo.Enqueue(ctx, job); err != nil {
			return retry.Transient(fmt.Errorf("failed to enqueue deep content job: %w", err))
		}
		detectAt = now.Add(s.cfg.DetectDelay)
		if s.onDeep != nil {
			s.onDeep()
		}
	}

	payload, err := json.Marshal(models.DetectPayload{SnapshotID: snapshot.ID})
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to encode detect payload: %w", err))
	}
	job := &models.Job{
		ID:            uuid.New(),
		TenantID:      search.TenantID,
		SearchID:      search.ID,
		Kind:          models.JobKindDetectChanges,
		ScheduledTime: snapshot.ScheduledTime,
		SequenceKey:   "detect:" + search.ID.String(),
		Payload:       payload,
		MaxAttempts:   s.cfg.DetectMaxAttempts,
		RunAt:         detectAt,
	}
	if _, err := s.jobRepo.Enqueue(ctx, job); err != nil {
		return retry.Transient(fmt.Errorf("failed to enqueue detection job: %w", err))
	}
	if s.onDetect != nil && !detectAt.After(now) {
		s.onDetect()
	}
	return nil
}

// OnExhausted records a failed snapshot so the run is visible in history.
func (s *executorService) OnExhausted(ctx context.Context, job *models.Job, err error) {
	logger := s.logger.With(
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("search_id", job.SearchID.String()),
		zap.Time("scheduled_time", job.ScheduledTime))

	search, gerr := s.searchRepo.GetByID(ctx, job.TenantID, job.SearchID)
	if gerr != nil || search == nil {
		logger.Warn("Cannot record failed snapshot; search unavailable", zap.NamedError("load_error", gerr))
		return
	}

	detail := err.Error()
	snapshot := &models.ExecutionSnapshot{
		ID:            SnapshotID(job.SearchID, job.ScheduledTime),
		TenantID:      job.TenantID,
		SearchID:      job.SearchID,
		ScheduledTime: job.ScheduledTime,
		ExecutedAt:    s.now(),
		Status:        models.SnapshotStatusFailed,
		ErrorDetail:   &detail,
		Attempt:       job.Attempts,
	}
	if _, cerr := s.snapshotRepo.Create(ctx, snapshot); cerr != nil {
		logger.Error("Failed to record failed snapshot", zap.Error(cerr))
		return
	}
	logger.Error("Execution failed permanently; failed snapshot recorded",
		zap.Int("attempts", job.Attempts),
		zap.String("error_detail", detail))
}
