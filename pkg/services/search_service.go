package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/quota"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
	"github.com/ekaya-inc/ekaya-insights/pkg/schedule"
)

const (
	maxSearchNameLength  = 200
	maxSearchQueryLength = 2000
	maxSharedViewers     = 50
)

// SearchInput holds the user-editable fields of a saved search.
type SearchInput struct {
	Name        string                    `json:"name"`
	Query       string                    `json:"query"`
	SearchType  models.SearchType         `json:"search_type"`
	DataSources models.DataSources        `json:"data_sources"`
	Filters     models.SearchFilters      `json:"filters"`
	Schedule    models.Schedule           `json:"schedule"`
	Alert       models.AlertSettings      `json:"alert"`
	DeepSearch  models.DeepSearchSettings `json:"deep_search"`
	SharedWith  []string                  `json:"shared_with"`
}

// SearchService manages the lifecycle of saved searches.
type SearchService interface {
	Create(ctx context.Context, tenantID uuid.UUID, ownerID string, input *SearchInput) (*models.SavedSearch, error)
	// Get returns a search visible to userID: the owner or a shared viewer.
	Get(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID) (*models.SavedSearch, error)
	List(ctx context.Context, tenantID uuid.UUID, ownerID string, status models.SearchStatus, limit, offset int) ([]*models.SavedSearch, int, error)
	Update(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID, input *SearchInput) (*models.SavedSearch, error)
	// Pause stops future scheduling. Work already running is not interrupted.
	Pause(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID) (*models.SavedSearch, error)
	Resume(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID) (*models.SavedSearch, error)
	Delete(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID) error
	ListExecutions(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID, limit, offset int) ([]*models.ExecutionSnapshot, int, error)
}

type searchService struct {
	searchRepo   repositories.SavedSearchRepository
	snapshotRepo repositories.SnapshotRepository
	tenantRepo   repositories.TenantRepository
	settings     quota.LimitSource
	ledger       *quota.Ledger
	logger       *zap.Logger
	now          func() time.Time
}

func NewSearchService(
	searchRepo repositories.SavedSearchRepository,
	snapshotRepo repositories.SnapshotRepository,
	tenantRepo repositories.TenantRepository,
	settings quota.LimitSource,
	ledger *quota.Ledger,
	logger *zap.Logger,
) SearchService {
	return &searchService{
		searchRepo:   searchRepo,
		snapshotRepo: snapshotRepo,
		tenantRepo:   tenantRepo,
		settings:     settings,
		ledger:       ledger,
		logger:       logger.Named("search-service"),
		now:          time.Now,
	}
}

var _ SearchService = (*searchService)(nil)

func (s *searchService) Create(ctx context.Context, tenantID uuid.UUID, ownerID string, input *SearchInput) (*models.SavedSearch, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", apperrors.ErrInvalidInput)
	}

	search := &models.SavedSearch{
		ID:       uuid.New(),
		TenantID: tenantID,
		OwnerID:  ownerID,
		Status:   models.SearchStatusActive,
	}
	if err := s.apply(ctx, search, input, nil); err != nil {
		return nil, err
	}

	next, err := schedule.NextDue(search.Schedule, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	search.NextDueAt = &next

	if err := s.reserveActiveSlot(ctx, tenantID, &search.ID); err != nil {
		return nil, err
	}

	if err := s.searchRepo.Create(ctx, search); err != nil {
		s.releaseActiveSlot(ctx, tenantID)
		return nil, fmt.Errorf("failed to create saved search: %w", err)
	}

	s.logger.Info("Saved search created",
		zap.String("tenant_id", tenantID.String()),
		zap.String("search_id", search.ID.String()),
		zap.String("search_type", string(search.SearchType)),
		zap.String("frequency", string(search.Schedule.Frequency)),
		zap.Time("next_due_at", next))
	return search, nil
}

// apply validates input and copies it onto search. previous is the stored
// search on update, nil on create.
func (s *searchService) apply(ctx context.Context, search *models.SavedSearch, input *SearchInput, previous *models.SavedSearch) error {
	if input == nil {
		return fmt.Errorf("%w: search definition is required", apperrors.ErrInvalidInput)
	}

	name := strings.TrimSpace(input.Name)
	query := strings.TrimSpace(input.Query)
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", apperrors.ErrInvalidInput)
	case len(name) > maxSearchNameLength:
		return fmt.Errorf("%w: name exceeds %d characters", apperrors.ErrInvalidInput, maxSearchNameLength)
	case query == "":
		return fmt.Errorf("%w: query is required", apperrors.ErrInvalidInput)
	case len(query) > maxSearchQueryLength:
		return fmt.Errorf("%w: query exceeds %d characters", apperrors.ErrInvalidInput, maxSearchQueryLength)
	}

	searchType := input.SearchType
	if searchType == "" {
		searchType = models.SearchTypeCustom
	}
	if !searchType.Valid() {
		return fmt.Errorf("%w: unknown search_type %q", apperrors.ErrInvalidInput, searchType)
	}

	sources := input.DataSources
	if sources == "" {
		sources = models.DataSourcesBoth
	}
	if !sources.Valid() {
		return fmt.Errorf("%w: data_sources must be internal, web or both", apperrors.ErrInvalidInput)
	}

	if err := schedule.Validate(input.Schedule); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}

	if input.Filters.DateRangeDays < 0 {
		return fmt.Errorf("%w: date_range_days must not be negative", apperrors.ErrInvalidInput)
	}

	alert, err := s.resolveAlertSettings(ctx, search.TenantID, input.Alert, previous)
	if err != nil {
		return err
	}

	deep := input.DeepSearch
	if deep.TopN < 0 || deep.TopN > models.MaxDeepSearchTopN {
		return fmt.Errorf("%w: deep_search.top_n must be between 0 and %d", apperrors.ErrInvalidInput, models.MaxDeepSearchTopN)
	}
	if deep.Enabled && deep.TopN == 0 {
		deep.TopN = models.DefaultDeepSearchTopN
	}

	shared := make([]string, 0, len(input.SharedWith))
	seen := map[string]bool{search.OwnerID: true}
	for _, u := range input.SharedWith {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		shared = append(shared, u)
	}
	if len(shared) > maxSharedViewers {
		return fmt.Errorf("%w: a search can be shared with at most %d users", apperrors.ErrInvalidInput, maxSharedViewers)
	}

	search.Name = name
	search.Query = query
	search.SearchType = searchType
	search.DataSources = sources
	search.Filters = input.Filters
	search.Schedule = input.Schedule
	search.Alert = alert
	search.DeepSearch = deep
	search.SharedWith = shared
	return nil
}

// resolveAlertSettings seeds the confidence threshold from the sensitivity
// preset, then from an explicit value, then from the tenant default.
func (s *searchService) resolveAlertSettings(ctx context.Context, tenantID uuid.UUID, in models.AlertSettings, previous *models.SavedSearch) (models.AlertSettings, error) {
	out := in
	if out.MinResultCount < 0 {
		return out, fmt.Errorf("%w: min_result_count must not be negative", apperrors.ErrInvalidInput)
	}
	if out.MinResultCount == 0 {
		out.MinResultCount = 1
	}

	if out.Sensitivity != "" {
		threshold, ok := out.Sensitivity.Threshold()
		if !ok {
			return out, fmt.Errorf("%w: sensitivity must be low, medium or high", apperrors.ErrInvalidInput)
		}
		sensitivityChanged := previous == nil || previous.Alert.Sensitivity != out.Sensitivity
		if sensitivityChanged || out.ConfidenceThreshold == 0 {
			out.ConfidenceThreshold = threshold
		}
	}

	if out.ConfidenceThreshold == 0 {
		settings, err := s.settings.Settings(ctx, tenantID)
		if err != nil {
			return out, err
		}
		out.ConfidenceThreshold = settings.DefaultConfidenceThreshold
	}
	if out.ConfidenceThreshold < 0 || out.ConfidenceThreshold > 1 {
		return out, fmt.Errorf("%w: confidence_threshold must be within [0,1]", apperrors.ErrInvalidInput)
	}
	return out, nil
}

func (s *searchService) Get(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID) (*models.SavedSearch, error) {
	search, err := s.load(ctx, tenantID, searchID)
	if err != nil {
		return nil, err
	}
	if !canView(search, userID) {
		return nil, fmt.Errorf("saved search %s: %w", searchID, apperrors.ErrNotFound)
	}
	return search, nil
}

func (s *searchService) List(ctx context.Context, tenantID uuid.UUID, ownerID string, status models.SearchStatus, limit, offset int) ([]*models.SavedSearch, int, error) {
	if status != "" && status != models.SearchStatusActive && status != models.SearchStatusPaused {
		return nil, 0, fmt.Errorf("%w: unknown status %q", apperrors.ErrInvalidInput, status)
	}
	searches, total, err := s.searchRepo.List(ctx, tenantID, ownerID, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list saved searches: %w", err)
	}
	return searches, total, nil
}

func (s *searchService) Update(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID, input *SearchInput) (*models.SavedSearch, error) {
	search, err := s.loadOwned(ctx, tenantID, userID, searchID)
	if err != nil {
		return nil, err
	}
	previous := *search

	if err := s.apply(ctx, search, input, &previous); err != nil {
		return nil, err
	}

	if search.IsActive() && !reflect.DeepEqual(search.Schedule, previous.Schedule) {
		next, err := schedule.NextDue(search.Schedule, s.now())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
		}
		search.NextDueAt = &next
	}

	if err := s.searchRepo.Update(ctx, search); err != nil {
		return nil, fmt.Errorf("failed to update saved search: %w", err)
	}

	s.logger.Info("Saved search updated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("search_id", searchID.String()))
	return search, nil
}

func (s *searchService) Pause(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID) (*models.SavedSearch, error) {
	search, err := s.loadOwned(ctx, tenantID, userID, searchID)
	if err != nil {
		return nil, err
	}
	if !search.IsActive() {
		return search, nil
	}

	if err := s.searchRepo.SetStatus(ctx, tenantID, searchID, models.SearchStatusPaused, nil); err != nil {
		return nil, fmt.Errorf("failed to pause saved search: %w", err)
	}
	s.releaseActiveSlot(ctx, tenantID)

	search.Status = models.SearchStatusPaused
	search.NextDueAt = nil
	s.logger.Info("Saved search paused",
		zap.String("tenant_id", tenantID.String()),
		zap.String("search_id", searchID.String()))
	return search, nil
}

func (s *searchService) Resume(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID) (*models.SavedSearch, error) {
	search, err := s.loadOwned(ctx, tenantID, userID, searchID)
	if err != nil {
		return nil, err
	}
	if search.IsActive() {
		return search, nil
	}

	next, err := schedule.NextDue(search.Schedule, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}

	if err := s.reserveActiveSlot(ctx, tenantID, &searchID); err != nil {
		return nil, err
	}
	if err := s.searchRepo.SetStatus(ctx, tenantID, searchID, models.SearchStatusActive, &next); err != nil {
		s.releaseActiveSlot(ctx, tenantID)
		return nil, fmt.Errorf("failed to resume saved search: %w", err)
	}

	search.Status = models.SearchStatusActive
	search.NextDueAt = &next
	s.logger.Info("Saved search resumed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("search_id", searchID.String()),
		zap.Time("next_due_at", next))
	return search, nil
}

func (s *searchService) Delete(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID) error {
	search, err := s.loadOwned(ctx, tenantID, userID, searchID)
	if err != nil {
		return err
	}

	deleted, err := s.searchRepo.Delete(ctx, tenantID, searchID)
	if err != nil {
		return fmt.Errorf("failed to delete saved search: %w", err)
	}
	if !deleted {
		return fmt.Errorf("saved search %s: %w", searchID, apperrors.ErrNotFound)
	}
	if search.IsActive() {
		s.releaseActiveSlot(ctx, tenantID)
	}

	s.logger.Info("Saved search deleted",
		zap.String("tenant_id", tenantID.String()),
		zap.String("search_id", searchID.String()))
	return nil
}

func (s *searchService) ListExecutions(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID, limit, offset int) ([]*models.ExecutionSnapshot, int, error) {
	if _, err := s.Get(ctx, tenantID, userID, searchID); err != nil {
		return nil, 0, err
	}
	snapshots, total, err := s.snapshotRepo.ListBySearch(ctx, tenantID, searchID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	return snapshots, total, nil
}

func (s *searchService) load(ctx context.Context, tenantID, searchID uuid.UUID) (*models.SavedSearch, error) {
	search, err := s.searchRepo.GetByID(ctx, tenantID, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load saved search: %w", err)
	}
	if search == nil {
		return nil, fmt.Errorf("saved search %s: %w", searchID, apperrors.ErrNotFound)
	}
	return search, nil
}

func (s *searchService) loadOwned(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID) (*models.SavedSearch, error) {
	search, err := s.load(ctx, tenantID, searchID)
	if err != nil {
		return nil, err
	}
	if search.OwnerID == userID {
		return search, nil
	}
	if canView(search, userID) {
		return nil, fmt.Errorf("only the owner can modify saved search %s: %w", searchID, apperrors.ErrForbidden)
	}
	return nil, fmt.Errorf("saved search %s: %w", searchID, apperrors.ErrNotFound)
}

func canView(search *models.SavedSearch, userID string) bool {
	for _, r := range search.Recipients() {
		if r == userID {
			return true
		}
	}
	return false
}

// reserveActiveSlot takes one active-search slot. The counter is seeded from
// the database only when the store has none, so slots reserved by creates
// that have not committed yet stay counted.
func (s *searchService) reserveActiveSlot(ctx context.Context, tenantID uuid.UUID, searchID *uuid.UUID) error {
	counts, err := s.searchRepo.CountByStatus(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to count active searches: %w", err)
	}
	if _, err := s.ledger.Seed(ctx, tenantID, models.QuotaActiveSearches, int64(counts[models.SearchStatusActive])); err != nil {
		return fmt.Errorf("failed to seed active search quota: %w", err)
	}

	_, err = s.ledger.TryReserve(ctx, tenantID, models.QuotaActiveSearches, 1)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrQuotaExceeded) {
		event := &models.QuotaEvent{
			TenantID:   tenantID,
			SearchID:   searchID,
			Metric:     models.QuotaActiveSearches,
			Reason:     "active search limit reached",
			OccurredAt: s.now(),
		}
		if rerr := s.tenantRepo.RecordQuotaEvent(ctx, event); rerr != nil {
			s.logger.Error("Failed to record quota event", zap.Error(rerr))
		}
	}
	return err
}

func (s *searchService) releaseActiveSlot(ctx context.Context, tenantID uuid.UUID) {
	slot := quota.Reservation{TenantID: tenantID, Metric: models.QuotaActiveSearches, N: 1}
	if err := s.ledger.Release(ctx, slot); err != nil {
		s.logger.Warn("Failed to release active search quota",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
	}
}
