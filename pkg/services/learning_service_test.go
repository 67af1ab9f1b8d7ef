package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/llm"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

func testLearningConfig() LearningConfig {
	return LearningConfig{
		RefineInterval:       time.Hour,
		WindowDays:           30,
		MinSamples:           10,
		FalsePositiveCeiling: 0.25,
		RelevantFloor:        0.9,
		ConfidenceZ:          1.0,
		ThresholdStep:        0.05,
		ThresholdFloor:       0.3,
		ThresholdCeiling:     0.95,
		SuppressionMinHits:   3,
	}
}

type learningFixture struct {
	tenantID uuid.UUID
	search   *models.SavedSearch
	alert    *models.Alert
	searches *fakeSearchRepo
	alerts   *fakeAlertRepo
	learning *fakeLearningRepo
	tenants  *fakeTenantRepo
	llm      *llm.MockCompleter
	svc      *learningService
}

func newLearningFixture(t *testing.T, completer llm.Completer) *learningFixture {
	t.Helper()
	f := &learningFixture{tenantID: uuid.New()}
	f.searches = newFakeSearchRepo(&fakeJobRepo{})
	f.alerts = newFakeAlertRepo()
	f.learning = newFakeLearningRepo()
	f.tenants = newFakeTenantRepo(f.tenantID)

	f.search = &models.SavedSearch{
		ID:         uuid.New(),
		TenantID:   f.tenantID,
		OwnerID:    "owner",
		SharedWith: []string{"viewer"},
		Name:       "Supplier risk",
		SearchType: models.SearchTypeRiskMonitoring,
		Status:     models.SearchStatusActive,
		Alert:      models.AlertSettings{Enabled: true, ConfidenceThreshold: 0.7, MinResultCount: 1},
	}
	f.searches.put(f.search)
	f.alert = f.newAlert(t)

	settings := NewTenantService(f.tenants, testDefaults(), zap.NewNop())
	f.svc = NewLearningService(testLearningConfig(), f.alerts, f.searches, f.learning, f.tenants, settings,
		completer, passthroughSystem, passthroughTenant, zap.NewNop()).(*learningService)
	return f
}

func (f *learningFixture) newAlert(t *testing.T) *models.Alert {
	t.Helper()
	a := &models.Alert{
		TenantID:   f.tenantID,
		SearchID:   f.search.ID,
		SearchType: f.search.SearchType,
		SnapshotID: uuid.New(),
		Confidence: 0.8,
		Threshold:  0.7,
		Summary:    "Recall notice",
	}
	_, err := f.alerts.Create(context.Background(), a)
	require.NoError(t, err)
	return a
}

func (f *learningFixture) signal(searchID *uuid.UUID) *models.LearningSignal {
	s, _ := f.learning.GetSignal(context.Background(), f.tenantID, f.search.SearchType, searchID)
	return s
}

func TestSubmitFeedback_CountsAndMarksAlert(t *testing.T) {
	f := newLearningFixture(t, nil)
	ctx := context.Background()

	alert, err := f.svc.SubmitFeedback(ctx, f.tenantID, "owner", f.alert.ID, &FeedbackInput{Verdict: models.FeedbackFalsePositive, Note: "  old news  "})
	require.NoError(t, err)
	assert.Equal(t, models.FeedbackFalsePositive, alert.Feedback)
	require.NotNil(t, alert.FeedbackNote)
	assert.Equal(t, "old news", *alert.FeedbackNote)

	searchID := f.search.ID
	typeSig := f.signal(nil)
	require.NotNil(t, typeSig)
	assert.Equal(t, int64(1), typeSig.FalsePositiveCount)
	searchSig := f.signal(&searchID)
	require.NotNil(t, searchSig)
	assert.Equal(t, int64(1), searchSig.FalsePositiveCount)
	assert.Equal(t, int64(1), f.searches.counter(f.search.ID, models.CounterFalsePositives))

	stored, _ := f.alerts.GetByID(ctx, f.tenantID, f.alert.ID)
	assert.Equal(t, models.FeedbackFalsePositive, stored.Feedback)
}

func TestSubmitFeedback_ChangedVerdictMovesCounts(t *testing.T) {
	f := newLearningFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SubmitFeedback(ctx, f.tenantID, "viewer", f.alert.ID, &FeedbackInput{Verdict: models.FeedbackFalsePositive})
	require.NoError(t, err)
	_, err = f.svc.SubmitFeedback(ctx, f.tenantID, "viewer", f.alert.ID, &FeedbackInput{Verdict: models.FeedbackRelevant})
	require.NoError(t, err)
	_, err = f.svc.SubmitFeedback(ctx, f.tenantID, "viewer", f.alert.ID, &FeedbackInput{Verdict: models.FeedbackRelevant})
	require.NoError(t, err)

	sig := f.signal(nil)
	assert.Equal(t, int64(1), sig.RelevantCount)
	assert.Equal(t, int64(0), sig.FalsePositiveCount)
}

func TestSubmitFeedback_Validation(t *testing.T) {
	f := newLearningFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SubmitFeedback(ctx, f.tenantID, "owner", f.alert.ID, &FeedbackInput{Verdict: "meh"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.svc.SubmitFeedback(ctx, f.tenantID, "stranger", f.alert.ID, &FeedbackInput{Verdict: models.FeedbackRelevant})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.svc.SubmitFeedback(ctx, f.tenantID, "owner", uuid.New(), &FeedbackInput{Verdict: models.FeedbackRelevant})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSubmitFeedback_PatternActivatesAfterMinHits(t *testing.T) {
	f := newLearningFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a := f.newAlert(t)
		_, err := f.svc.SubmitFeedback(ctx, f.tenantID, "owner", a.ID, &FeedbackInput{
			Verdict:  models.FeedbackFalsePositive,
			Patterns: []string{"  Press   Release ", "press release", ""},
		})
		require.NoError(t, err)

		active, err := f.learning.ListActivePatterns(ctx, f.tenantID, f.search.SearchType)
		require.NoError(t, err)
		if i < 2 {
			assert.Empty(t, active)
		} else {
			require.Len(t, active, 1)
			assert.Equal(t, "press release", active[0].Pattern)
		}
	}
}

func TestWilsonLowerBound(t *testing.T) {
	assert.InDelta(t, 0.179, wilsonLowerBound(3, 10, 1), 0.001)
	assert.InDelta(t, 0.261, wilsonLowerBound(4, 10, 1), 0.001)
	assert.InDelta(t, 0.909, wilsonLowerBound(10, 10, 1), 0.001)
	assert.InDelta(t, 0.766, wilsonLowerBound(9, 10, 1), 0.001)
	assert.InDelta(t, 0.209, wilsonLowerBound(6, 20, 1), 0.001)
	assert.InDelta(t, 0.298, wilsonLowerBound(8, 20, 1), 0.001)
	assert.Equal(t, 0.0, wilsonLowerBound(0, 0, 1))
}

func TestRefine_RiskMonitoringFalsePositiveRates(t *testing.T) {
	tests := []struct {
		name          string
		falsePositive int64
		total         int64
		wantThreshold *float64
	}{
		{"3 of 10 does not raise", 3, 10, nil},
		{"4 of 10 raises one step", 4, 10, ptrFloat(0.75)},
		{"6 of 20 stays within the bound", 6, 20, nil},
		{"8 of 20 raises one step", 8, 20, ptrFloat(0.75)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLearningFixture(t, nil)
			f.learning.setSignal(&models.LearningSignal{
				TenantID:           f.tenantID,
				SearchType:         models.SearchTypeRiskMonitoring,
				RelevantCount:      tt.total - tt.falsePositive,
				FalsePositiveCount: tt.falsePositive,
				WindowStartedAt:    time.Now(),
			})

			res, err := f.svc.Refine(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, res.Evaluated)

			sig := f.signal(nil)
			if tt.wantThreshold == nil {
				assert.Nil(t, sig.Threshold)
				assert.Equal(t, 0, res.Raised)
				return
			}
			require.NotNil(t, sig.Threshold)
			assert.InDelta(t, *tt.wantThreshold, *sig.Threshold, 1e-9)
			assert.Equal(t, 1, res.Raised)
			assert.Equal(t, int64(0), sig.FalsePositiveCount, "window restarts after an update")
			assert.Equal(t, 1, res.Recommendations)
		})
	}
}

func TestRefine_LowersSearchThresholdWhenConsistentlyRelevant(t *testing.T) {
	f := newLearningFixture(t, nil)
	searchID := f.search.ID
	f.learning.setSignal(&models.LearningSignal{
		TenantID:        f.tenantID,
		SearchType:      f.search.SearchType,
		SearchID:        &searchID,
		RelevantCount:   10,
		WindowStartedAt: time.Now(),
	})

	res, err := f.svc.Refine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Lowered)

	sig := f.signal(&searchID)
	require.NotNil(t, sig.Threshold)
	assert.InDelta(t, 0.65, *sig.Threshold, 1e-9)
	assert.Equal(t, 0, res.Recommendations, "only type-level raises produce recommendations")
}

func TestRefine_ClampsToBounds(t *testing.T) {
	f := newLearningFixture(t, nil)
	current := 0.93
	f.learning.setSignal(&models.LearningSignal{
		TenantID:           f.tenantID,
		SearchType:         f.search.SearchType,
		FalsePositiveCount: 10,
		Threshold:          &current,
		WindowStartedAt:    time.Now(),
	})

	_, err := f.svc.Refine(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.95, *f.signal(nil).Threshold, 1e-9)
}

func TestRefine_ConflictLeavesSignalForNextRun(t *testing.T) {
	f := newLearningFixture(t, nil)
	f.learning.setSignal(&models.LearningSignal{
		TenantID:           f.tenantID,
		SearchType:         f.search.SearchType,
		FalsePositiveCount: 8,
		RelevantCount:      2,
		WindowStartedAt:    time.Now(),
	})
	f.learning.casConflicts = 1

	res, err := f.svc.Refine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Nil(t, f.signal(nil).Threshold)

	res, err = f.svc.Refine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Raised)
	assert.NotNil(t, f.signal(nil).Threshold)
}

func TestRefine_SkipsTenantsWithLearningDisabled(t *testing.T) {
	f := newLearningFixture(t, nil)
	settings := testDefaults()
	settings.TenantID = f.tenantID
	settings.LearningEnabled = false
	f.tenants.settings[f.tenantID] = &settings
	f.learning.setSignal(&models.LearningSignal{
		TenantID:           f.tenantID,
		SearchType:         f.search.SearchType,
		FalsePositiveCount: 10,
		WindowStartedAt:    time.Now(),
	})

	res, err := f.svc.Refine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Evaluated)
	assert.Nil(t, f.signal(nil).Threshold)
}

func TestRefine_RestartsStaleWindow(t *testing.T) {
	f := newLearningFixture(t, nil)
	f.learning.setSignal(&models.LearningSignal{
		TenantID:           f.tenantID,
		SearchType:         f.search.SearchType,
		FalsePositiveCount: 2,
		RelevantCount:      1,
		WindowStartedAt:    time.Now().AddDate(0, 0, -45),
	})

	_, err := f.svc.Refine(context.Background())
	require.NoError(t, err)

	sig := f.signal(nil)
	assert.Nil(t, sig.Threshold)
	assert.Equal(t, int64(0), sig.FalsePositiveCount)
	assert.Equal(t, int64(0), sig.RelevantCount)
}

func TestRefine_RecommendationUsesLLMWhenAvailable(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
		return &llm.CompletionResult{Content: `{"recommendations": ["Ignore routine earnings coverage", "Require a named supplier"]}`}, nil
	}
	f := newLearningFixture(t, mock)
	f.learning.setSignal(&models.LearningSignal{
		TenantID:           f.tenantID,
		SearchType:         f.search.SearchType,
		FalsePositiveCount: 6,
		RelevantCount:      4,
		WindowStartedAt:    time.Now(),
	})

	_, err := f.svc.Refine(context.Background())
	require.NoError(t, err)

	recs, err := f.svc.ListRecommendations(context.Background(), f.tenantID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Recommendation, "Require a named supplier")
	assert.InDelta(t, 0.6, recs[0].FalsePositiveRate, 1e-9)
}

func TestRefine_RecommendationFallsBackWhenLLMFails(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
		return nil, errors.New("provider down")
	}
	f := newLearningFixture(t, mock)
	f.learning.setSignal(&models.LearningSignal{
		TenantID:           f.tenantID,
		SearchType:         f.search.SearchType,
		FalsePositiveCount: 6,
		RelevantCount:      4,
		WindowStartedAt:    time.Now(),
	})

	_, err := f.svc.Refine(context.Background())
	require.NoError(t, err)

	recs, _ := f.svc.ListRecommendations(context.Background(), f.tenantID, 10)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Recommendation, "false positives")
}

func ptrFloat(v float64) *float64 { return &v }
