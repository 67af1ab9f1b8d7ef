package services

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/delta"
	"github.com/ekaya-inc/ekaya-insights/pkg/llm"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/prompts"
	"github.com/ekaya-inc/ekaya-insights/pkg/quota"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

const (
	maxCitedPatterns   = 5
	maxPatternLength   = 100
	maxFeedbackNoteLen = 2000
	// suppressionWeight is applied to delta items matching an active pattern.
	suppressionWeight = 0.4
)

// LearningConfig controls threshold refinement.
type LearningConfig struct {
	RefineInterval       time.Duration
	WindowDays           int
	MinSamples           int
	FalsePositiveCeiling float64
	RelevantFloor        float64
	ConfidenceZ          float64
	ThresholdStep        float64
	ThresholdFloor       float64
	ThresholdCeiling     float64
	SuppressionMinHits   int
}

// FeedbackInput is a user's verdict on an alert.
type FeedbackInput struct {
	Verdict models.FeedbackVerdict `json:"verdict"`
	Note    string                 `json:"note,omitempty"`
	// Patterns are phrases the user says made the alert noise.
	Patterns []string `json:"patterns,omitempty"`
}

// RefineResult summarises one refinement pass.
type RefineResult struct {
	Tenants         int
	Evaluated       int
	Raised          int
	Lowered         int
	Conflicts       int
	Recommendations int
	Failed          int
}

func (r *RefineResult) add(o *RefineResult) {
	r.Evaluated += o.Evaluated
	r.Raised += o.Raised
	r.Lowered += o.Lowered
	r.Conflicts += o.Conflicts
	r.Recommendations += o.Recommendations
}

// LearningService turns alert feedback into threshold adjustments and
// suppression patterns.
type LearningService interface {
	// SubmitFeedback records a verdict. It succeeds once the alert is marked;
	// aggregate bookkeeping failures are logged and caught up by later
	// feedback rather than surfaced.
	SubmitFeedback(ctx context.Context, tenantID uuid.UUID, userID string, alertID uuid.UUID, input *FeedbackInput) (*models.Alert, error)
	// Refine evaluates every tenant's signals once.
	Refine(ctx context.Context) (*RefineResult, error)
	RefineTenant(ctx context.Context, tenantID uuid.UUID) (*RefineResult, error)
	ListRecommendations(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.LearningRecommendation, error)
	// Run refines on the configured interval until ctx is cancelled.
	Run(ctx context.Context)
}

type learningService struct {
	cfg          LearningConfig
	alertRepo    repositories.AlertRepository
	searchRepo   repositories.SavedSearchRepository
	learningRepo repositories.LearningRepository
	tenantRepo   repositories.TenantRepository
	settings     quota.LimitSource
	completer    llm.Completer
	systemCtx    database.SystemContextFunc
	tenantCtx    database.TenantContextFunc
	logger       *zap.Logger
	now          func() time.Time
}

// NewLearningService creates the learning loop. completer may be nil, in
// which case recommendations are generated deterministically.
func NewLearningService(
	cfg LearningConfig,
	alertRepo repositories.AlertRepository,
	searchRepo repositories.SavedSearchRepository,
	learningRepo repositories.LearningRepository,
	tenantRepo repositories.TenantRepository,
	settings quota.LimitSource,
	completer llm.Completer,
	systemCtx database.SystemContextFunc,
	tenantCtx database.TenantContextFunc,
	logger *zap.Logger,
) LearningService {
	if cfg.RefineInterval <= 0 {
		cfg.RefineInterval = time.Hour
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.ConfidenceZ <= 0 {
		cfg.ConfidenceZ = 1.0
	}
	if cfg.ThresholdStep <= 0 {
		cfg.ThresholdStep = 0.05
	}
	if cfg.ThresholdCeiling <= 0 {
		cfg.ThresholdCeiling = 0.95
	}
	if cfg.SuppressionMinHits <= 0 {
		cfg.SuppressionMinHits = 3
	}
	return &learningService{
		cfg:          cfg,
		alertRepo:    alertRepo,
		searchRepo:   searchRepo,
		learningRepo: learningRepo,
		tenantRepo:   tenantRepo,
		settings:     settings,
		completer:    completer,
		systemCtx:    systemCtx,
		tenantCtx:    tenantCtx,
		logger:       logger.Named("learning"),
		now:          time.Now,
	}
}

var _ LearningService = (*learningService)(nil)

func (s *learningService) SubmitFeedback(ctx context.Context, tenantID uuid.UUID, userID string, alertID uuid.UUID, input *FeedbackInput) (*models.Alert, error) {
	if input == nil {
		return nil, fmt.Errorf("%w: feedback is required", apperrors.ErrInvalidInput)
	}
	switch input.Verdict {
	case models.FeedbackRelevant, models.FeedbackFalsePositive, models.FeedbackUnset:
	default:
		return nil, fmt.Errorf("%w: verdict must be relevant, false_positive or unset", apperrors.ErrInvalidInput)
	}
	if len(input.Note) > maxFeedbackNoteLen {
		return nil, fmt.Errorf("%w: note exceeds %d characters", apperrors.ErrInvalidInput, maxFeedbackNoteLen)
	}

	alert, err := s.alertRepo.GetByID(ctx, tenantID, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	if alert == nil {
		return nil, apperrors.ErrNotFound
	}
	search, err := s.searchRepo.GetByID(ctx, tenantID, alert.SearchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load search: %w", err)
	}
	if search == nil || !slices.Contains(search.Recipients(), userID) {
		return nil, apperrors.ErrNotFound
	}

	patterns := normalizePatterns(input.Patterns)
	fb := &models.AlertFeedback{
		ID:        uuid.New(),
		TenantID:  tenantID,
		AlertID:   alert.ID,
		SearchID:  alert.SearchID,
		UserID:    userID,
		Verdict:   input.Verdict,
		Note:      strings.TrimSpace(input.Note),
		Patterns:  patterns,
		CreatedAt: s.now(),
	}
	previous, err := s.alertRepo.UpsertFeedback(ctx, fb)
	if err != nil {
		return nil, fmt.Errorf("failed to record feedback: %w", err)
	}

	var note *string
	if fb.Note != "" {
		note = &fb.Note
	}
	if err := s.alertRepo.SetFeedback(ctx, tenantID, alert.ID, input.Verdict, note); err != nil {
		return nil, fmt.Errorf("failed to mark alert feedback: %w", err)
	}
	alert.Feedback = input.Verdict
	alert.FeedbackNote = note

	logger := s.logger.With(
		zap.String("tenant_id", tenantID.String()),
		zap.String("alert_id", alert.ID.String()),
		zap.String("search_id", alert.SearchID.String()))

	relDelta := verdictIndicator(input.Verdict, models.FeedbackRelevant) - verdictIndicator(previous, models.FeedbackRelevant)
	fpDelta := verdictIndicator(input.Verdict, models.FeedbackFalsePositive) - verdictIndicator(previous, models.FeedbackFalsePositive)
	if relDelta != 0 || fpDelta != 0 {
		searchID := alert.SearchID
		if err := s.learningRepo.AddCounts(ctx, tenantID, alert.SearchType, nil, relDelta, fpDelta); err != nil {
			logger.Error("Failed to update search type feedback counts", zap.Error(err))
		}
		if err := s.learningRepo.AddCounts(ctx, tenantID, alert.SearchType, &searchID, relDelta, fpDelta); err != nil {
			logger.Error("Failed to update search feedback counts", zap.Error(err))
		}
	}
	if fpDelta > 0 {
		if err := s.searchRepo.IncrementCounter(ctx, tenantID, alert.SearchID, models.CounterFalsePositives); err != nil {
			logger.Error("Failed to bump false positive counter", zap.Error(err))
		}
	}

	if input.Verdict == models.FeedbackFalsePositive && previous != models.FeedbackFalsePositive {
		for _, p := range patterns {
			sp, err := s.learningRepo.RecordPatternHit(ctx, tenantID, alert.SearchType, p, s.cfg.SuppressionMinHits, suppressionWeight)
			if err != nil {
				logger.Error("Failed to record suppression pattern", zap.String("pattern", p), zap.Error(err))
				continue
			}
			if sp.Active && sp.HitCount == s.cfg.SuppressionMinHits {
				logger.Info("Suppression pattern activated",
					zap.String("pattern", p),
					zap.String("search_type", string(alert.SearchType)))
			}
		}
	}

	logger.Info("Alert feedback recorded",
		zap.String("verdict", string(input.Verdict)),
		zap.String("previous", string(previous)))
	return alert, nil
}

func verdictIndicator(v, want models.FeedbackVerdict) int64 {
	if v == want {
		return 1
	}
	return 0
}

func normalizePatterns(in []string) []string {
	var out []string
	for _, p := range in {
		p = delta.Fold(p)
		if p == "" || len(p) > maxPatternLength || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
		if len(out) == maxCitedPatterns {
			break
		}
	}
	return out
}

func (s *learningService) Run(ctx context.Context) {
	s.logger.Info("Learning loop started", zap.Duration("refine_interval", s.cfg.RefineInterval))

	ticker := time.NewTicker(s.cfg.RefineInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Learning loop stopped")
			return
		case <-ticker.C:
			res, err := s.Refine(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("Threshold refinement failed", zap.Error(err))
				}
				continue
			}
			if res.Raised+res.Lowered+res.Conflicts+res.Failed > 0 {
				s.logger.Info("Threshold refinement completed",
					zap.Int("tenants", res.Tenants),
					zap.Int("evaluated", res.Evaluated),
					zap.Int("raised", res.Raised),
					zap.Int("lowered", res.Lowered),
					zap.Int("conflicts", res.Conflicts),
					zap.Int("failed", res.Failed))
			}
		}
	}
}

func (s *learningService) Refine(ctx context.Context) (*RefineResult, error) {
	var tenantIDs []uuid.UUID
	err := runInSystem(ctx, s.systemCtx, func(ctx context.Context) error {
		var err error
		tenantIDs, err = s.tenantRepo.ListTenantIDs(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	total := &RefineResult{}
	for _, tenantID := range tenantIDs {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		total.Tenants++
		var res *RefineResult
		err := runInTenant(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
			var err error
			res, err = s.RefineTenant(ctx, tenantID)
			return err
		})
		if err != nil {
			total.Failed++
			s.logger.Error("Failed to refine tenant thresholds",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			continue
		}
		total.add(res)
	}
	return total, nil
}

func (s *learningService) RefineTenant(ctx context.Context, tenantID uuid.UUID) (*RefineResult, error) {
	res := &RefineResult{}

	settings, err := s.settings.Settings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !settings.LearningEnabled {
		return res, nil
	}

	signals, err := s.learningRepo.ListSignals(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list learning signals: %w", err)
	}

	for _, sig := range signals {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.refineSignal(ctx, sig, settings, res)
	}
	return res, nil
}

type adjustment int

const (
	adjustNone adjustment = iota
	adjustRaise
	adjustLower
	adjustRestart
)

func (s *learningService) refineSignal(ctx context.Context, sig *models.LearningSignal, settings *models.TenantSettings, res *RefineResult) {
	logger := s.logger.With(
		zap.String("tenant_id", sig.TenantID.String()),
		zap.String("search_type", string(sig.SearchType)))
	if sig.SearchID != nil {
		logger = logger.With(zap.String("search_id", sig.SearchID.String()))
	}

	n := sig.RelevantCount + sig.FalsePositiveCount
	if n >= int64(s.cfg.MinSamples) {
		res.Evaluated++
	}
	action := s.evaluate(sig)
	if action == adjustNone {
		return
	}

	base := settings.DefaultConfidenceThreshold
	if sig.Threshold != nil {
		base = *sig.Threshold
	} else if sig.SearchID != nil {
		search, err := s.searchRepo.GetByID(ctx, sig.TenantID, *sig.SearchID)
		if err != nil {
			logger.Warn("Failed to load search for refinement", zap.Error(err))
			return
		}
		if search == nil {
			return
		}
		if search.Alert.ConfidenceThreshold > 0 {
			base = search.Alert.ConfidenceThreshold
		}
	}

	next := base
	switch action {
	case adjustRaise:
		next = math.Min(base+s.cfg.ThresholdStep, s.cfg.ThresholdCeiling)
	case adjustLower:
		next = math.Max(base-s.cfg.ThresholdStep, s.cfg.ThresholdFloor)
	}
	next = math.Round(next*1000) / 1000

	var threshold *float64
	if action != adjustRestart || sig.Threshold != nil {
		threshold = &next
	}

	fpRate := 0.0
	if n > 0 {
		fpRate = float64(sig.FalsePositiveCount) / float64(n)
	}

	ok, err := s.learningRepo.CompareAndSetThreshold(ctx, sig, threshold)
	if err != nil {
		logger.Error("Failed to store refined threshold", zap.Error(err))
		return
	}
	if !ok {
		res.Conflicts++
		logger.Debug("Signal changed during refinement; retrying next run")
		return
	}

	switch action {
	case adjustRaise:
		res.Raised++
	case adjustLower:
		res.Lowered++
	case adjustRestart:
		logger.Debug("Stale feedback window restarted", zap.Int64("samples", n))
		return
	}
	logger.Info("Confidence threshold refined",
		zap.Float64("from", base),
		zap.Float64("to", next),
		zap.Int64("relevant", sig.RelevantCount),
		zap.Int64("false_positive", sig.FalsePositiveCount))

	if action == adjustRaise && sig.SearchID == nil {
		if s.recommend(ctx, sig, fpRate, int(n), logger) {
			res.Recommendations++
		}
	}
}

// evaluate decides what to do with a signal. Too few samples in an expired
// window restarts the window so old feedback does not linger forever.
func (s *learningService) evaluate(sig *models.LearningSignal) adjustment {
	n := sig.RelevantCount + sig.FalsePositiveCount
	if n < int64(s.cfg.MinSamples) {
		if s.cfg.WindowDays > 0 && n > 0 && s.now().Sub(sig.WindowStartedAt) > time.Duration(s.cfg.WindowDays)*24*time.Hour {
			return adjustRestart
		}
		return adjustNone
	}

	// Both rates are judged by their Wilson lower bound, so a handful of
	// false positives in a small window does not move the threshold: with
	// z = 1 and a 0.25 ceiling, 3 of 10 and 6 of 20 hold while 4 of 10 and
	// 8 of 20 raise.
	z := s.cfg.ConfidenceZ
	if wilsonLowerBound(sig.FalsePositiveCount, n, z) > s.cfg.FalsePositiveCeiling {
		return adjustRaise
	}
	if wilsonLowerBound(sig.RelevantCount, n, z) >= s.cfg.RelevantFloor {
		return adjustLower
	}
	return adjustNone
}

// wilsonLowerBound is the lower edge of the Wilson score interval for
// successes out of n trials.
func wilsonLowerBound(successes, n int64, z float64) float64 {
	if n <= 0 {
		return 0
	}
	nf := float64(n)
	p := float64(successes) / nf
	z2 := z * z
	centre := p + z2/(2*nf)
	margin := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))
	return (centre - margin) / (1 + z2/nf)
}

func (s *learningService) recommend(ctx context.Context, sig *models.LearningSignal, fpRate float64, samples int, logger *zap.Logger) bool {
	rc := prompts.RecommendationContext{
		SearchType:        sig.SearchType,
		FalsePositiveRate: fpRate,
		Samples:           samples,
	}
	if patterns, err := s.learningRepo.ListActivePatterns(ctx, sig.TenantID, sig.SearchType); err == nil {
		for _, p := range patterns {
			rc.Patterns = append(rc.Patterns, p.Pattern)
		}
	}

	text := prompts.DeterministicRecommendation(rc)
	if s.completer != nil {
		result, err := s.completer.Complete(ctx, llm.CompletionRequest{
			Prompt:      prompts.BuildRecommendationPrompt(rc),
			Temperature: 0.2,
			MaxTokens:   800,
			JSONMode:    true,
		})
		if err == nil {
			var lines []string
			lines, err = prompts.ParseRecommendations(result.Content)
			if err == nil {
				text = "- " + strings.Join(lines, "\n- ")
			}
		}
		if err != nil {
			logger.Warn("LLM recommendation failed; using deterministic recommendation", zap.Error(err))
		}
	}

	rec := &models.LearningRecommendation{
		ID:                uuid.New(),
		TenantID:          sig.TenantID,
		SearchType:        sig.SearchType,
		Recommendation:    text,
		FalsePositiveRate: fpRate,
		CreatedAt:         s.now(),
	}
	if err := s.learningRepo.CreateRecommendation(ctx, rec); err != nil {
		logger.Error("Failed to store prompt recommendation", zap.Error(err))
		return false
	}
	return true
}

func (s *learningService) ListRecommendations(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.LearningRecommendation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	recs, err := s.learningRepo.ListRecommendations(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	return recs, nil
}
