package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
)

// withIdentity mimics the tenant middleware.
func withIdentity(r *http.Request, tenantID uuid.UUID, userID string) *http.Request {
	ctx := database.SetTenantScope(r.Context(), &database.TenantScope{TenantID: tenantID})
	ctx = database.SetUserID(ctx, userID)
	return r.WithContext(ctx)
}

// passthrough stands in for middleware in route tests.
func passthrough(next http.HandlerFunc) http.HandlerFunc { return next }

// identityMiddleware injects a fixed caller for route tests.
func identityMiddleware(tenantID uuid.UUID, userID string) TenantMiddleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			next(w, withIdentity(r, tenantID, userID))
		}
	}
}

type mockSearchService struct {
	search     *models.SavedSearch
	searches   []*models.SavedSearch
	snapshots  []*models.ExecutionSnapshot
	err        error
	lastInput  *services.SearchInput
	lastUser   string
	lastStatus models.SearchStatus
	lastLimit  int
	lastOffset int
	calls      []string
}

func (m *mockSearchService) Create(_ context.Context, _ uuid.UUID, ownerID string, input *services.SearchInput) (*models.SavedSearch, error) {
	m.calls = append(m.calls, "create")
	m.lastUser, m.lastInput = ownerID, input
	return m.search, m.err
}

func (m *mockSearchService) Get(_ context.Context, _ uuid.UUID, userID string, _ uuid.UUID) (*models.SavedSearch, error) {
	m.calls = append(m.calls, "get")
	m.lastUser = userID
	return m.search, m.err
}

func (m *mockSearchService) List(_ context.Context, _ uuid.UUID, ownerID string, status models.SearchStatus, limit, offset int) ([]*models.SavedSearch, int, error) {
	m.calls = append(m.calls, "list")
	m.lastUser, m.lastStatus, m.lastLimit, m.lastOffset = ownerID, status, limit, offset
	return m.searches, len(m.searches), m.err
}

func (m *mockSearchService) Update(_ context.Context, _ uuid.UUID, userID string, _ uuid.UUID, input *services.SearchInput) (*models.SavedSearch, error) {
	m.calls = append(m.calls, "update")
	m.lastUser, m.lastInput = userID, input
	return m.search, m.err
}

func (m *mockSearchService) Pause(_ context.Context, _ uuid.UUID, userID string, _ uuid.UUID) (*models.SavedSearch, error) {
	m.calls = append(m.calls, "pause")
	m.lastUser = userID
	return m.search, m.err
}

func (m *mockSearchService) Resume(_ context.Context, _ uuid.UUID, userID string, _ uuid.UUID) (*models.SavedSearch, error) {
	m.calls = append(m.calls, "resume")
	m.lastUser = userID
	return m.search, m.err
}

func (m *mockSearchService) Delete(_ context.Context, _ uuid.UUID, userID string, _ uuid.UUID) error {
	m.calls = append(m.calls, "delete")
	m.lastUser = userID
	return m.err
}

func (m *mockSearchService) ListExecutions(_ context.Context, _ uuid.UUID, _ string, _ uuid.UUID, limit, offset int) ([]*models.ExecutionSnapshot, int, error) {
	m.calls = append(m.calls, "executions")
	m.lastLimit, m.lastOffset = limit, offset
	return m.snapshots, len(m.snapshots), m.err
}

type mockAlertService struct {
	alert       *models.Alert
	alerts      []*models.Alert
	err         error
	lastFilters models.AlertFilters
	lastRead    *bool
	lastSnooze  *time.Time
	snoozed     bool
}

func (m *mockAlertService) ListAlerts(_ context.Context, _ uuid.UUID, _ string, filters models.AlertFilters) ([]*models.Alert, int, error) {
	m.lastFilters = filters
	return m.alerts, len(m.alerts), m.err
}

func (m *mockAlertService) GetAlert(context.Context, uuid.UUID, string, uuid.UUID) (*models.Alert, error) {
	return m.alert, m.err
}

func (m *mockAlertService) MarkRead(_ context.Context, _ uuid.UUID, _ string, _ uuid.UUID, read bool) error {
	m.lastRead = &read
	return m.err
}

func (m *mockAlertService) Snooze(_ context.Context, _ uuid.UUID, _ string, _ uuid.UUID, until *time.Time) error {
	m.snoozed = true
	m.lastSnooze = until
	return m.err
}

type mockLearningService struct {
	alert     *models.Alert
	recs      []*models.LearningRecommendation
	err       error
	lastInput *services.FeedbackInput
	lastLimit int
}

func (m *mockLearningService) SubmitFeedback(_ context.Context, _ uuid.UUID, _ string, _ uuid.UUID, input *services.FeedbackInput) (*models.Alert, error) {
	m.lastInput = input
	return m.alert, m.err
}

func (m *mockLearningService) Refine(context.Context) (*services.RefineResult, error) {
	return &services.RefineResult{}, nil
}

func (m *mockLearningService) RefineTenant(context.Context, uuid.UUID) (*services.RefineResult, error) {
	return &services.RefineResult{}, nil
}

func (m *mockLearningService) ListRecommendations(_ context.Context, _ uuid.UUID, limit int) ([]*models.LearningRecommendation, error) {
	m.lastLimit = limit
	return m.recs, m.err
}

func (m *mockLearningService) Run(context.Context) {}

type mockAdminService struct {
	stats *models.TenantStats
	usage []models.QuotaUsage
	dead  []*models.DeadLetter
	err   error
}

func (m *mockAdminService) Stats(context.Context, uuid.UUID) (*models.TenantStats, error) {
	return m.stats, m.err
}

func (m *mockAdminService) Usage(context.Context, uuid.UUID) ([]models.QuotaUsage, error) {
	return m.usage, m.err
}

func (m *mockAdminService) ListDeadLetters(context.Context, uuid.UUID, int, int) ([]*models.DeadLetter, int, error) {
	return m.dead, len(m.dead), m.err
}

type mockTenantService struct {
	settings     *models.TenantSettings
	err          error
	lastTenant   uuid.UUID
	lastUpdate   *services.SettingsUpdate
	lastOverride *models.QuotaOverride
}

func (m *mockTenantService) Settings(_ context.Context, tenantID uuid.UUID) (*models.TenantSettings, error) {
	m.lastTenant = tenantID
	return m.settings, m.err
}

func (m *mockTenantService) UpdateSettings(_ context.Context, tenantID uuid.UUID, update *services.SettingsUpdate) (*models.TenantSettings, error) {
	m.lastTenant, m.lastUpdate = tenantID, update
	return m.settings, m.err
}

func (m *mockTenantService) OverrideQuota(_ context.Context, tenantID uuid.UUID, override *models.QuotaOverride) (*models.TenantSettings, error) {
	m.lastTenant, m.lastOverride = tenantID, override
	return m.settings, m.err
}

type mockNotificationService struct {
	pref           *models.NotificationPreference
	inbox          []*models.InAppNotification
	err            error
	lastUpdate     *services.PreferenceUpdate
	lastUnreadOnly bool
}

func (m *mockNotificationService) Dispatch(context.Context, *models.SavedSearch, *models.Alert) error {
	return nil
}

func (m *mockNotificationService) CompileDigests(context.Context) (*services.DigestResult, error) {
	return &services.DigestResult{}, nil
}

func (m *mockNotificationService) GetPreference(context.Context, uuid.UUID, string) (*models.NotificationPreference, error) {
	return m.pref, m.err
}

func (m *mockNotificationService) UpdatePreference(_ context.Context, _ uuid.UUID, _ string, update *services.PreferenceUpdate) (*models.NotificationPreference, error) {
	m.lastUpdate = update
	return m.pref, m.err
}

func (m *mockNotificationService) ListInbox(_ context.Context, _ uuid.UUID, _ string, unreadOnly bool, _, _ int) ([]*models.InAppNotification, int, error) {
	m.lastUnreadOnly = unreadOnly
	return m.inbox, len(m.inbox), m.err
}

func (m *mockNotificationService) Run(context.Context) {}

var (
	_ services.SearchService       = (*mockSearchService)(nil)
	_ services.AlertService        = (*mockAlertService)(nil)
	_ services.LearningService     = (*mockLearningService)(nil)
	_ services.AdminService        = (*mockAdminService)(nil)
	_ services.TenantService       = (*mockTenantService)(nil)
	_ services.NotificationService = (*mockNotificationService)(nil)
)
