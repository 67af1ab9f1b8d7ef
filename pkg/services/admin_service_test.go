package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

func TestAdminService_Stats(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	jobs := &fakeJobRepo{}
	searches := newFakeSearchRepo(jobs)
	snapshots := newFakeSnapshotRepo()
	alerts := newFakeAlertRepo()
	tenants := newFakeTenantRepo(tenantID)
	ledger := newTestLedger(tenants)

	active := &models.SavedSearch{ID: uuid.New(), TenantID: tenantID, Status: models.SearchStatusActive}
	searches.put(active)
	searches.put(&models.SavedSearch{ID: uuid.New(), TenantID: tenantID, Status: models.SearchStatusActive})
	searches.put(&models.SavedSearch{ID: uuid.New(), TenantID: tenantID, Status: models.SearchStatusPaused})
	searches.put(&models.SavedSearch{ID: uuid.New(), TenantID: uuid.New(), Status: models.SearchStatusActive})

	now := time.Now()
	for i, status := range []models.SnapshotStatus{models.SnapshotStatusCompleted, models.SnapshotStatusCompletedWithWarnings, models.SnapshotStatusFailed} {
		_, err := snapshots.Create(ctx, &models.ExecutionSnapshot{
			TenantID: tenantID, SearchID: active.ID,
			ScheduledTime: now.Add(time.Duration(i) * time.Second), ExecutedAt: now, Status: status,
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		a := &models.Alert{TenantID: tenantID, SearchID: active.ID, SnapshotID: uuid.New()}
		_, err := alerts.Create(ctx, a)
		require.NoError(t, err)
		verdict := models.FeedbackRelevant
		if i == 0 {
			verdict = models.FeedbackFalsePositive
		}
		_, err = alerts.UpsertFeedback(ctx, &models.AlertFeedback{AlertID: a.ID, UserID: "owner", Verdict: verdict})
		require.NoError(t, err)
	}

	require.NoError(t, tenants.RecordQuotaEvent(ctx, &models.QuotaEvent{TenantID: tenantID, Metric: models.QuotaDailyExecutions, OccurredAt: now}))
	require.NoError(t, jobs.Bury(ctx, &models.Job{ID: uuid.New(), TenantID: tenantID}, "boom"))
	_, err := ledger.TryReserve(ctx, tenantID, models.QuotaDailyExecutions, 3)
	require.NoError(t, err)

	svc := NewAdminService(searches, snapshots, alerts, tenants, jobs, ledger, zap.NewNop())
	stats, err := svc.Stats(ctx, tenantID)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.ActiveSearches)
	assert.Equal(t, 1, stats.PausedSearches)
	assert.Equal(t, 3, stats.ExecutionsToday)
	assert.Equal(t, 1, stats.FailedToday)
	assert.Equal(t, 4, stats.AlertsLast7Days)
	assert.Equal(t, 4, stats.FeedbackCount)
	assert.InDelta(t, 0.25, stats.FalsePositiveRate, 1e-9)
	assert.Equal(t, 1, stats.QuotaSkipsToday)
	assert.Equal(t, 1, stats.DeadLetters)

	require.Len(t, stats.Quota, len(models.AllQuotaMetrics))
	for _, u := range stats.Quota {
		if u.Metric == models.QuotaDailyExecutions {
			assert.Equal(t, int64(3), u.Used)
			assert.Equal(t, int64(100), u.Limit)
		}
	}
}

func TestAdminService_StatsWithoutFeedback(t *testing.T) {
	tenantID := uuid.New()
	jobs := &fakeJobRepo{}
	tenants := newFakeTenantRepo(tenantID)
	svc := NewAdminService(newFakeSearchRepo(jobs), newFakeSnapshotRepo(), newFakeAlertRepo(), tenants, jobs, newTestLedger(tenants), zap.NewNop())

	stats, err := svc.Stats(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Zero(t, stats.FeedbackCount)
	assert.Zero(t, stats.FalsePositiveRate)
}

func TestAdminService_ListDeadLetters(t *testing.T) {
	tenantID := uuid.New()
	jobs := &fakeJobRepo{}
	for i := 0; i < 3; i++ {
		require.NoError(t, jobs.Bury(context.Background(), &models.Job{ID: uuid.New(), TenantID: tenantID, Kind: models.JobKindExecuteSearch}, "timed out"))
	}
	require.NoError(t, jobs.Bury(context.Background(), &models.Job{ID: uuid.New(), TenantID: uuid.New()}, "other tenant"))

	tenants := newFakeTenantRepo(tenantID)
	svc := NewAdminService(newFakeSearchRepo(jobs), newFakeSnapshotRepo(), newFakeAlertRepo(), tenants, jobs, newTestLedger(tenants), zap.NewNop())

	dead, total, err := svc.ListDeadLetters(context.Background(), tenantID, 0, -5)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, dead, 3)
	assert.Equal(t, "timed out", dead[0].Error)
}
