package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/delta"
	"github.com/ekaya-inc/ekaya-insights/pkg/llm"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/prompts"
	"github.com/ekaya-inc/ekaya-insights/pkg/quota"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
	"github.com/ekaya-inc/ekaya-insights/pkg/worker"
)

// AlertDispatcher delivers a newly created alert to the search's recipients.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, search *models.SavedSearch, alert *models.Alert) error
}

// DetectorConfig controls change analysis.
type DetectorConfig struct {
	// LLMRetries is the number of retries after the first analysis call.
	LLMRetries        int
	MaxChunksInPrompt int
	Temperature       float64
	MaxTokens         int
}

// Detection is the outcome of analysing one snapshot pair. It is returned for
// observability and tests; the alert, if any, is already persisted.
type Detection struct {
	Baseline   bool
	Volume     int
	Confidence float64
	Threshold  float64
	Analysed   bool
	Alert      *models.Alert
}

// DetectorService compares a snapshot with its predecessor and raises alerts.
type DetectorService interface {
	worker.Handler
	Detect(ctx context.Context, tenantID, snapshotID uuid.UUID) (*Detection, error)
}

type detectorService struct {
	cfg          DetectorConfig
	searchRepo   repositories.SavedSearchRepository
	snapshotRepo repositories.SnapshotRepository
	pageRepo     repositories.ScrapedPageRepository
	alertRepo    repositories.AlertRepository
	learningRepo repositories.LearningRepository
	settings     quota.LimitSource
	completer    llm.Completer
	dispatcher   AlertDispatcher
	logger       *zap.Logger
	backoff      *retry.Config
}

// NewDetectorService creates the detect_changes job handler.
func NewDetectorService(
	cfg DetectorConfig,
	searchRepo repositories.SavedSearchRepository,
	snapshotRepo repositories.SnapshotRepository,
	pageRepo repositories.ScrapedPageRepository,
	alertRepo repositories.AlertRepository,
	learningRepo repositories.LearningRepository,
	settings quota.LimitSource,
	completer llm.Completer,
	dispatcher AlertDispatcher,
	logger *zap.Logger,
) DetectorService {
	if cfg.LLMRetries < 0 {
		cfg.LLMRetries = 0
	}
	if cfg.MaxChunksInPrompt <= 0 {
		cfg.MaxChunksInPrompt = 12
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.1
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1500
	}
	return &detectorService{
		cfg:          cfg,
		searchRepo:   searchRepo,
		snapshotRepo: snapshotRepo,
		pageRepo:     pageRepo,
		alertRepo:    alertRepo,
		learningRepo: learningRepo,
		settings:     settings,
		completer:    completer,
		dispatcher:   dispatcher,
		logger:       logger.Named("detector"),
		backoff: &retry.Config{
			MaxRetries:   cfg.LLMRetries,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
	}
}

var _ DetectorService = (*detectorService)(nil)

func (s *detectorService) Handle(ctx context.Context, job *models.Job) error {
	var payload models.DetectPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode detect payload: %w", err))
	}
	_, err := s.Detect(ctx, job.TenantID, payload.SnapshotID)
	if errors.Is(err, apperrors.ErrOutOfOrder) || errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}

func (s *detectorService) Detect(ctx context.Context, tenantID, snapshotID uuid.UUID) (*Detection, error) {
	logger := s.logger.With(
		zap.String("tenant_id", tenantID.String()),
		zap.String("snapshot_id", snapshotID.String()))

	current, err := s.snapshotRepo.GetByID(ctx, tenantID, snapshotID)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to load snapshot: %w", err))
	}
	if current == nil || !current.Usable() {
		logger.Info("Snapshot missing or unusable; nothing to analyse")
		return nil, apperrors.ErrNotFound
	}
	logger = logger.With(zap.String("search_id", current.SearchID.String()))

	search, err := s.searchRepo.GetByID(ctx, tenantID, current.SearchID)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to load search: %w", err))
	}
	// Pausing is checked when execution starts. A run that already produced
	// a snapshot finishes detection even if the search was paused since.
	if search == nil {
		logger.Info("Search no longer exists; skipping detection")
		return nil, apperrors.ErrNotFound
	}

	latest, err := s.snapshotRepo.LatestScheduledTime(ctx, tenantID, search.ID)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to check snapshot order: %w", err))
	}
	if latest != nil && latest.After(current.ScheduledTime) {
		logger.Warn("Newer snapshot exists; discarding out-of-order detection",
			zap.Time("scheduled_time", current.ScheduledTime),
			zap.Time("latest_scheduled_time", *latest))
		return nil, apperrors.ErrOutOfOrder
	}

	previous, err := s.snapshotRepo.GetPrevious(ctx, tenantID, search.ID, current.ScheduledTime)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to load previous snapshot: %w", err))
	}
	if previous == nil {
		logger.Info("First usable snapshot recorded as baseline")
		return &Detection{Baseline: true}, nil
	}

	if !search.Alert.Enabled {
		logger.Debug("Alerts disabled for search; skipping analysis")
		return &Detection{}, nil
	}

	patterns, err := s.learningRepo.ListActivePatterns(ctx, tenantID, search.SearchType)
	if err != nil {
		logger.Warn("Failed to load suppression patterns; analysing without them", zap.Error(err))
		patterns = nil
	}

	d := delta.Compute(previous.Items, current.Items, patterns)
	det := &Detection{Volume: d.Volume()}
	if d.Empty() {
		logger.Debug("No changes since previous run", zap.Int("suppressed", d.Suppressed))
		return det, nil
	}

	minCount := max(search.Alert.MinResultCount, 1)
	if det.Volume < minCount {
		logger.Debug("Change volume below minimum; skipping analysis",
			zap.Int("volume", det.Volume),
			zap.Int("min_result_count", minCount))
		return det, nil
	}

	if s.completer == nil {
		logger.Warn("No LLM configured; change analysis skipped")
		return det, nil
	}

	excerpts := s.pageExcerpts(ctx, tenantID, current.ID, d, logger)
	analysis, err := s.analyse(ctx, search, d, excerpts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Error("Change analysis failed; no alert raised",
			zap.String("error_type", string(llm.GetErrorType(err))),
			zap.Error(err))
		return det, nil
	}
	det.Analysed = true
	det.Confidence = analysis.Score()

	threshold, source := s.threshold(ctx, search, logger)
	det.Threshold = threshold

	fire := det.Confidence >= threshold && det.Volume >= minCount
	logger.Info("Change analysed",
		zap.Int("volume", det.Volume),
		zap.Float64("confidence", det.Confidence),
		zap.Float64("threshold", threshold),
		zap.String("threshold_source", source),
		zap.Bool("fire", fire))
	if !fire {
		return det, nil
	}

	itemKeys := analysis.ItemKeys
	if len(itemKeys) == 0 {
		itemKeys = d.Keys()
	}
	alert := &models.Alert{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		SearchID:           search.ID,
		SearchType:         search.SearchType,
		SnapshotID:         current.ID,
		PreviousSnapshotID: previous.ID,
		Confidence:         det.Confidence,
		Threshold:          threshold,
		Summary:            analysis.Summary,
		KeyChanges:         analysis.KeyChanges,
		ItemKeys:           itemKeys,
		Feedback:           models.FeedbackUnset,
	}
	created, err := s.alertRepo.Create(ctx, alert)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to persist alert: %w", err))
	}
	if !created {
		logger.Info("Alert for this snapshot already exists; not dispatching again")
		return det, nil
	}
	det.Alert = alert

	if err := s.searchRepo.IncrementCounter(ctx, tenantID, search.ID, models.CounterAlerts); err != nil {
		logger.Warn("Failed to bump alert counter", zap.Error(err))
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, search, alert); err != nil {
			logger.Error("Alert delivery incomplete", zap.String("alert_id", alert.ID.String()), zap.Error(err))
		}
	}
	return det, nil
}

func (s *detectorService) analyse(ctx context.Context, search *models.SavedSearch, d *delta.Delta, excerpts []prompts.PageExcerpt) (*prompts.DeltaAnalysis, error) {
	req := llm.CompletionRequest{
		System: prompts.BuildDeltaAnalysisSystemMessage(),
		Prompt: prompts.BuildDeltaAnalysisPrompt(prompts.SearchContext{
			Name:               search.Name,
			Query:              search.Query,
			SearchType:         search.SearchType,
			CustomInstructions: search.Alert.CustomInstructions,
		}, d, excerpts),
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		JSONMode:    true,
	}

	return retry.DoIfRetryableWithResult(ctx, s.backoff, func() (*prompts.DeltaAnalysis, error) {
		res, err := s.completer.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		return prompts.ParseDeltaAnalysis(res.Content)
	})
}

// pageExcerpts collects fetched chunks for delta items, in delta order, up to
// the prompt budget.
func (s *detectorService) pageExcerpts(ctx context.Context, tenantID, snapshotID uuid.UUID, d *delta.Delta, logger *zap.Logger) []prompts.PageExcerpt {
	pages, err := s.pageRepo.ListBySnapshot(ctx, tenantID, snapshotID)
	if err != nil {
		logger.Warn("Failed to load page content; analysing results only", zap.Error(err))
		return nil
	}
	if len(pages) == 0 {
		return nil
	}

	byKey := make(map[string]*models.ScrapedPage, len(pages))
	for _, p := range pages {
		if p.Success {
			byKey[p.ItemKey] = p
		}
	}

	var out []prompts.PageExcerpt
	for _, item := range d.Items() {
		if item.Kind == delta.KindRemoved {
			continue
		}
		page, ok := byKey[item.Key]
		if !ok {
			continue
		}
		for _, c := range page.Chunks {
			if len(out) >= s.cfg.MaxChunksInPrompt {
				return out
			}
			out = append(out, prompts.PageExcerpt{ItemKey: item.Key, URL: page.URL, Text: c.Text})
		}
	}
	return out
}

// threshold resolves the effective confidence threshold: learned for the
// search, then learned for the search type, then the search's own setting.
func (s *detectorService) threshold(ctx context.Context, search *models.SavedSearch, logger *zap.Logger) (float64, string) {
	configured := search.Alert.ConfidenceThreshold

	settings, err := s.settings.Settings(ctx, search.TenantID)
	if err != nil {
		logger.Warn("Failed to load tenant settings; using configured threshold", zap.Error(err))
		return configured, "search"
	}
	if configured <= 0 {
		configured = settings.DefaultConfidenceThreshold
	}
	if !settings.LearningEnabled {
		return configured, "search"
	}

	searchID := search.ID
	if sig, err := s.learningRepo.GetSignal(ctx, search.TenantID, search.SearchType, &searchID); err != nil {
		logger.Warn("Failed to load learned search threshold", zap.Error(err))
	} else if sig != nil && sig.Threshold != nil {
		return *sig.Threshold, "learned_search"
	}

	if sig, err := s.learningRepo.GetSignal(ctx, search.TenantID, search.SearchType, nil); err != nil {
		logger.Warn("Failed to load learned type threshold", zap.Error(err))
	} else if sig != nil && sig.Threshold != nil {
		return *sig.Threshold, "learned_type"
	}

	return configured, "search"
}
