package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

// MaxSnooze bounds how far ahead an alert can be snoozed.
const MaxSnooze = 90 * 24 * time.Hour

// AlertService provides read-side operations on alerts for their recipients.
type AlertService interface {
	ListAlerts(ctx context.Context, tenantID uuid.UUID, userID string, filters models.AlertFilters) ([]*models.Alert, int, error)
	GetAlert(ctx context.Context, tenantID uuid.UUID, userID string, alertID uuid.UUID) (*models.Alert, error)
	MarkRead(ctx context.Context, tenantID uuid.UUID, userID string, alertID uuid.UUID, read bool) error
	// Snooze hides the alert until the given time; nil clears the snooze.
	Snooze(ctx context.Context, tenantID uuid.UUID, userID string, alertID uuid.UUID, until *time.Time) error
}

type alertService struct {
	repo       repositories.AlertRepository
	searchRepo repositories.SavedSearchRepository
	logger     *zap.Logger
	now        func() time.Time
}

func NewAlertService(repo repositories.AlertRepository, searchRepo repositories.SavedSearchRepository, logger *zap.Logger) AlertService {
	return &alertService{
		repo:       repo,
		searchRepo: searchRepo,
		logger:     logger.Named("alert-service"),
		now:        time.Now,
	}
}

var _ AlertService = (*alertService)(nil)

func (s *alertService) ListAlerts(ctx context.Context, tenantID uuid.UUID, userID string, filters models.AlertFilters) ([]*models.Alert, int, error) {
	if filters.Limit <= 0 || filters.Limit > 200 {
		filters.Limit = 50
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	if filters.SearchID != nil {
		if _, err := s.visibleSearch(ctx, tenantID, userID, *filters.SearchID); err != nil {
			return nil, 0, err
		}
	}

	filters.RecipientID = userID
	alerts, total, err := s.repo.List(ctx, tenantID, filters)
	if err != nil {
		s.logger.Error("Failed to list alerts",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, 0, err
	}
	return alerts, total, nil
}

func (s *alertService) GetAlert(ctx context.Context, tenantID uuid.UUID, userID string, alertID uuid.UUID) (*models.Alert, error) {
	alert, err := s.repo.GetByID(ctx, tenantID, alertID)
	if err != nil {
		s.logger.Error("Failed to get alert",
			zap.String("tenant_id", tenantID.String()),
			zap.String("alert_id", alertID.String()),
			zap.Error(err))
		return nil, err
	}
	if alert == nil {
		return nil, apperrors.ErrNotFound
	}
	if _, err := s.visibleSearch(ctx, tenantID, userID, alert.SearchID); err != nil {
		return nil, err
	}
	return alert, nil
}

func (s *alertService) MarkRead(ctx context.Context, tenantID uuid.UUID, userID string, alertID uuid.UUID, read bool) error {
	if _, err := s.GetAlert(ctx, tenantID, userID, alertID); err != nil {
		return err
	}
	if err := s.repo.MarkRead(ctx, tenantID, alertID, read); err != nil {
		return fmt.Errorf("failed to mark alert read: %w", err)
	}
	return nil
}

func (s *alertService) Snooze(ctx context.Context, tenantID uuid.UUID, userID string, alertID uuid.UUID, until *time.Time) error {
	if until != nil {
		now := s.now()
		if !until.After(now) {
			return fmt.Errorf("%w: snooze time must be in the future", apperrors.ErrInvalidInput)
		}
		if until.Sub(now) > MaxSnooze {
			return fmt.Errorf("%w: snooze cannot exceed %d days", apperrors.ErrInvalidInput, int(MaxSnooze.Hours()/24))
		}
	}
	if _, err := s.GetAlert(ctx, tenantID, userID, alertID); err != nil {
		return err
	}
	if err := s.repo.Snooze(ctx, tenantID, alertID, until); err != nil {
		return fmt.Errorf("failed to snooze alert: %w", err)
	}

	s.logger.Debug("Alert snoozed",
		zap.String("alert_id", alertID.String()),
		zap.Timep("until", until))
	return nil
}

// visibleSearch returns the search when userID is one of its recipients.
func (s *alertService) visibleSearch(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID) (*models.SavedSearch, error) {
	search, err := s.searchRepo.GetByID(ctx, tenantID, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load search: %w", err)
	}
	if search == nil || !slices.Contains(search.Recipients(), userID) {
		return nil, apperrors.ErrNotFound
	}
	return search, nil
}
