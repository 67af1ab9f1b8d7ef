package services

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/quota"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

func passthroughTenant(ctx context.Context, _ uuid.UUID) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func passthroughSystem(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func testDefaults() models.TenantSettings {
	return models.TenantSettings{
		DefaultConfidenceThreshold: 0.7,
		DigestSchedule:             models.FrequencyDaily,
		RetentionDays:              90,
		LearningEnabled:            true,
		MaxActiveSearches:          10,
		MaxDailyExecutions:         100,
		MaxDailyNotifications:      100,
	}
}

func newTestLedger(tenants repositories.TenantRepository) *quota.Ledger {
	return quota.NewLedger(quota.NewMemoryStore(), NewTenantService(tenants, testDefaults(), zap.NewNop()), zap.NewNop())
}

// ---------------------------------------------------------------------------
// saved searches

type fakeSearchRepo struct {
	mu       sync.Mutex
	searches map[uuid.UUID]*models.SavedSearch
	jobs     *fakeJobRepo
	counters map[uuid.UUID]map[models.SearchCounter]int64
}

func newFakeSearchRepo(jobs *fakeJobRepo) *fakeSearchRepo {
	return &fakeSearchRepo{
		searches: make(map[uuid.UUID]*models.SavedSearch),
		jobs:     jobs,
		counters: make(map[uuid.UUID]map[models.SearchCounter]int64),
	}
}

func (r *fakeSearchRepo) put(s *models.SavedSearch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *s
	r.searches[s.ID] = &copied
}

func (r *fakeSearchRepo) Create(_ context.Context, s *models.SavedSearch) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	r.put(s)
	return nil
}

func (r *fakeSearchRepo) GetByID(_ context.Context, tenantID, searchID uuid.UUID) (*models.SavedSearch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.searches[searchID]
	if !ok || s.TenantID != tenantID {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (r *fakeSearchRepo) List(_ context.Context, tenantID uuid.UUID, ownerID string, status models.SearchStatus, limit, offset int) ([]*models.SavedSearch, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SavedSearch
	for _, s := range r.searches {
		if s.TenantID != tenantID || (ownerID != "" && s.OwnerID != ownerID) || (status != "" && s.Status != status) {
			continue
		}
		copied := *s
		out = append(out, &copied)
	}
	return out, len(out), nil
}

func (r *fakeSearchRepo) Update(_ context.Context, s *models.SavedSearch) error {
	r.put(s)
	return nil
}

func (r *fakeSearchRepo) SetStatus(_ context.Context, tenantID, searchID uuid.UUID, status models.SearchStatus, nextDueAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.searches[searchID]; ok && s.TenantID == tenantID {
		s.Status = status
		s.NextDueAt = nextDueAt
	}
	return nil
}

func (r *fakeSearchRepo) Delete(_ context.Context, tenantID, searchID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.searches[searchID]
	if !ok || s.TenantID != tenantID {
		return false, nil
	}
	delete(r.searches, searchID)
	return true, nil
}

func (r *fakeSearchRepo) CountByStatus(_ context.Context, tenantID uuid.UUID) (map[models.SearchStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[models.SearchStatus]int{}
	for _, s := range r.searches {
		if s.TenantID == tenantID {
			counts[s.Status]++
		}
	}
	return counts, nil
}

func (r *fakeSearchRepo) IncrementCounter(_ context.Context, _ uuid.UUID, searchID uuid.UUID, counter models.SearchCounter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters[searchID] == nil {
		r.counters[searchID] = map[models.SearchCounter]int64{}
	}
	r.counters[searchID][counter]++
	return nil
}

func (r *fakeSearchRepo) counter(searchID uuid.UUID, counter models.SearchCounter) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[searchID][counter]
}

func (r *fakeSearchRepo) ListDue(_ context.Context, now time.Time, after *repositories.DueCursor, limit int) ([]*models.SavedSearch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*models.SavedSearch
	for _, s := range r.searches {
		if s.Status != models.SearchStatusActive || s.NextDueAt == nil || s.NextDueAt.After(now) {
			continue
		}
		if after != nil {
			if s.NextDueAt.Before(after.NextDueAt) ||
				(s.NextDueAt.Equal(after.NextDueAt) && s.ID.String() <= after.ID.String()) {
				continue
			}
		}
		copied := *s
		due = append(due, &copied)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextDueAt.Equal(*due[j].NextDueAt) {
			return due[i].NextDueAt.Before(*due[j].NextDueAt)
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *fakeSearchRepo) AdvanceDue(ctx context.Context, searchID uuid.UUID, expectedDue, nextDue time.Time, job *models.Job) (bool, error) {
	r.mu.Lock()
	s, ok := r.searches[searchID]
	if !ok || s.NextDueAt == nil || !s.NextDueAt.Equal(expectedDue) {
		r.mu.Unlock()
		return false, nil
	}
	s.NextDueAt = &nextDue
	last := expectedDue
	s.LastScheduledAt = &last
	r.mu.Unlock()

	if job != nil {
		if _, err := r.jobs.Enqueue(ctx, job); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// jobs

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs []*models.Job
	dead []*models.DeadLetter
}

func (r *fakeJobRepo) Enqueue(_ context.Context, job *models.Job) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.SearchID == job.SearchID && j.Kind == job.Kind && j.ScheduledTime.Equal(job.ScheduledTime) {
			return false, nil
		}
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = models.JobStatusPending
	copied := *job
	r.jobs = append(r.jobs, &copied)
	return true, nil
}

func (r *fakeJobRepo) ofKind(kind models.JobKind) []*models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Job
	for _, j := range r.jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

func (r *fakeJobRepo) Claim(context.Context, models.JobKind, time.Duration) (*models.Job, error) {
	return nil, nil
}
func (r *fakeJobRepo) Complete(context.Context, uuid.UUID) error { return nil }
func (r *fakeJobRepo) Retry(context.Context, uuid.UUID, time.Time, string) error {
	return nil
}
func (r *fakeJobRepo) Bury(_ context.Context, job *models.Job, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = append(r.dead, &models.DeadLetter{ID: uuid.New(), JobID: job.ID, TenantID: job.TenantID, SearchID: job.SearchID, Kind: job.Kind, Error: lastErr})
	return nil
}

func (r *fakeJobRepo) ListDeadLetters(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.DeadLetter, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DeadLetter
	for _, d := range r.dead {
		if d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	return out, len(out), nil
}

func (r *fakeJobRepo) DeleteFinishedBefore(context.Context, uuid.UUID, time.Time) (int64, error) {
	return 2, nil
}

// ---------------------------------------------------------------------------
// snapshots and pages

type fakeSnapshotRepo struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID]*models.ExecutionSnapshot
}

func newFakeSnapshotRepo() *fakeSnapshotRepo {
	return &fakeSnapshotRepo{snapshots: make(map[uuid.UUID]*models.ExecutionSnapshot)}
}

func (r *fakeSnapshotRepo) Create(_ context.Context, s *models.ExecutionSnapshot) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.snapshots {
		if existing.SearchID == s.SearchID && existing.ScheduledTime.Equal(s.ScheduledTime) {
			return false, nil
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	copied := *s
	r.snapshots[s.ID] = &copied
	return true, nil
}

func (r *fakeSnapshotRepo) GetByID(_ context.Context, tenantID, snapshotID uuid.UUID) (*models.ExecutionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snapshots[snapshotID]
	if !ok || s.TenantID != tenantID {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (r *fakeSnapshotRepo) GetPrevious(_ context.Context, tenantID, searchID uuid.UUID, before time.Time) (*models.ExecutionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.ExecutionSnapshot
	for _, s := range r.snapshots {
		if s.TenantID != tenantID || s.SearchID != searchID || !s.Usable() || !s.ScheduledTime.Before(before) {
			continue
		}
		if best == nil || s.ScheduledTime.After(best.ScheduledTime) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (r *fakeSnapshotRepo) LatestScheduledTime(_ context.Context, tenantID, searchID uuid.UUID) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *time.Time
	for _, s := range r.snapshots {
		if s.TenantID != tenantID || s.SearchID != searchID {
			continue
		}
		if latest == nil || s.ScheduledTime.After(*latest) {
			t := s.ScheduledTime
			latest = &t
		}
	}
	return latest, nil
}

func (r *fakeSnapshotRepo) ListBySearch(_ context.Context, tenantID, searchID uuid.UUID, limit, offset int) ([]*models.ExecutionSnapshot, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ExecutionSnapshot
	for _, s := range r.snapshots {
		if s.TenantID == tenantID && s.SearchID == searchID {
			copied := *s
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.After(out[j].ScheduledTime) })
	return out, len(out), nil
}

func (r *fakeSnapshotRepo) CountSince(_ context.Context, tenantID uuid.UUID, since time.Time) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total, failed int
	for _, s := range r.snapshots {
		if s.TenantID == tenantID && !s.ExecutedAt.Before(since) {
			total++
			if s.Status == models.SnapshotStatusFailed {
				failed++
			}
		}
	}
	return total, failed, nil
}

func (r *fakeSnapshotRepo) DeleteOlderThan(_ context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := make(map[uuid.UUID]time.Time)
	for _, s := range r.snapshots {
		if s.ScheduledTime.After(latest[s.SearchID]) {
			latest[s.SearchID] = s.ScheduledTime
		}
	}
	var n int64
	for id, s := range r.snapshots {
		if s.TenantID == tenantID && s.ExecutedAt.Before(cutoff) && s.ScheduledTime.Before(latest[s.SearchID]) {
			delete(r.snapshots, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeSnapshotRepo) all() []*models.ExecutionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ExecutionSnapshot
	for _, s := range r.snapshots {
		out = append(out, s)
	}
	return out
}

type fakePageRepo struct {
	mu    sync.Mutex
	pages []*models.ScrapedPage
}

func (r *fakePageRepo) Save(_ context.Context, p *models.ScrapedPage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.pages {
		if existing.SnapshotID == p.SnapshotID && existing.ItemKey == p.ItemKey {
			return false, nil
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.pages = append(r.pages, p)
	return true, nil
}

func (r *fakePageRepo) ListBySnapshot(_ context.Context, tenantID, snapshotID uuid.UUID) ([]*models.ScrapedPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ScrapedPage
	for _, p := range r.pages {
		if p.TenantID == tenantID && p.SnapshotID == snapshotID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *fakePageRepo) DeleteOlderThan(context.Context, uuid.UUID, time.Time) (int64, error) {
	return 3, nil
}

// ---------------------------------------------------------------------------
// alerts

type feedbackKey struct {
	alertID uuid.UUID
	userID  string
}

type fakeAlertRepo struct {
	mu       sync.Mutex
	alerts   map[uuid.UUID]*models.Alert
	feedback map[feedbackKey]models.FeedbackVerdict
	// recipients maps search ids to users who may see their alerts.
	recipients map[uuid.UUID][]string
}

func newFakeAlertRepo() *fakeAlertRepo {
	return &fakeAlertRepo{
		alerts:   make(map[uuid.UUID]*models.Alert),
		feedback: make(map[feedbackKey]models.FeedbackVerdict),
	}
}

func (r *fakeAlertRepo) Create(_ context.Context, a *models.Alert) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.alerts {
		if existing.SnapshotID == a.SnapshotID {
			return false, nil
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Feedback == "" {
		a.Feedback = models.FeedbackUnset
	}
	a.CreatedAt = time.Now()
	copied := *a
	r.alerts[a.ID] = &copied
	return true, nil
}

func (r *fakeAlertRepo) GetByID(_ context.Context, tenantID, alertID uuid.UUID) (*models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[alertID]
	if !ok || a.TenantID != tenantID {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

func (r *fakeAlertRepo) GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*models.Alert, error) {
	var out []*models.Alert
	for _, id := range ids {
		a, _ := r.GetByID(ctx, tenantID, id)
		if a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeAlertRepo) List(_ context.Context, tenantID uuid.UUID, filters models.AlertFilters) ([]*models.Alert, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Alert
	for _, a := range r.alerts {
		if a.TenantID != tenantID || (filters.SearchID != nil && a.SearchID != *filters.SearchID) || (filters.UnreadOnly && a.Read) {
			continue
		}
		if filters.RecipientID != "" && !slices.Contains(r.recipients[a.SearchID], filters.RecipientID) {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	return out, len(out), nil
}

func (r *fakeAlertRepo) MarkRead(_ context.Context, _ uuid.UUID, alertID uuid.UUID, read bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.alerts[alertID]; ok {
		a.Read = read
	}
	return nil
}

func (r *fakeAlertRepo) Snooze(_ context.Context, _ uuid.UUID, alertID uuid.UUID, until *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.alerts[alertID]; ok {
		a.SnoozedUntil = until
	}
	return nil
}

func (r *fakeAlertRepo) SetFeedback(_ context.Context, _ uuid.UUID, alertID uuid.UUID, verdict models.FeedbackVerdict, note *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.alerts[alertID]; ok {
		a.Feedback = verdict
		a.FeedbackNote = note
	}
	return nil
}

func (r *fakeAlertRepo) CountSince(_ context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.TenantID == tenantID && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeAlertRepo) DeleteOlderThan(context.Context, uuid.UUID, time.Time) (int64, error) {
	return 1, nil
}

func (r *fakeAlertRepo) UpsertFeedback(_ context.Context, fb *models.AlertFeedback) (models.FeedbackVerdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := feedbackKey{fb.AlertID, fb.UserID}
	previous, ok := r.feedback[key]
	if !ok {
		previous = models.FeedbackUnset
	}
	r.feedback[key] = fb.Verdict
	return previous, nil
}

func (r *fakeAlertRepo) FeedbackCountsSince(context.Context, uuid.UUID, time.Time) (models.FeedbackCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c models.FeedbackCounts
	for _, v := range r.feedback {
		switch v {
		case models.FeedbackRelevant:
			c.Relevant++
		case models.FeedbackFalsePositive:
			c.FalsePositive++
		}
	}
	return c, nil
}

func (r *fakeAlertRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

// ---------------------------------------------------------------------------
// learning

type signalKey struct {
	searchType models.SearchType
	searchID   uuid.UUID
}

type fakeLearningRepo struct {
	mu       sync.Mutex
	signals  map[signalKey]*models.LearningSignal
	patterns map[string]*models.SuppressionPattern
	recs     []*models.LearningRecommendation
	// casConflicts makes the next CompareAndSetThreshold calls lose the race.
	casConflicts int
}

func newFakeLearningRepo() *fakeLearningRepo {
	return &fakeLearningRepo{
		signals:  make(map[signalKey]*models.LearningSignal),
		patterns: make(map[string]*models.SuppressionPattern),
	}
}

func keyFor(searchType models.SearchType, searchID *uuid.UUID) signalKey {
	k := signalKey{searchType: searchType}
	if searchID != nil {
		k.searchID = *searchID
	}
	return k
}

func (r *fakeLearningRepo) AddCounts(_ context.Context, tenantID uuid.UUID, searchType models.SearchType, searchID *uuid.UUID, rel, fp int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyFor(searchType, searchID)
	s, ok := r.signals[k]
	if !ok {
		s = &models.LearningSignal{TenantID: tenantID, SearchType: searchType, SearchID: searchID, WindowStartedAt: time.Now()}
		r.signals[k] = s
	}
	s.RelevantCount = max(0, s.RelevantCount+rel)
	s.FalsePositiveCount = max(0, s.FalsePositiveCount+fp)
	return nil
}

func (r *fakeLearningRepo) setSignal(s *models.LearningSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *s
	r.signals[keyFor(s.SearchType, s.SearchID)] = &copied
}

func (r *fakeLearningRepo) GetSignal(_ context.Context, _ uuid.UUID, searchType models.SearchType, searchID *uuid.UUID) (*models.LearningSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[keyFor(searchType, searchID)]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (r *fakeLearningRepo) ListSignals(_ context.Context, tenantID uuid.UUID) ([]*models.LearningSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.LearningSignal
	for _, s := range r.signals {
		if s.TenantID == tenantID {
			copied := *s
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SearchID == nil && out[j].SearchID != nil })
	return out, nil
}

func (r *fakeLearningRepo) CompareAndSetThreshold(_ context.Context, s *models.LearningSignal, threshold *float64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.casConflicts > 0 {
		r.casConflicts--
		return false, nil
	}
	stored, ok := r.signals[keyFor(s.SearchType, s.SearchID)]
	if !ok || stored.Version != s.Version {
		return false, nil
	}
	stored.Threshold = threshold
	stored.RelevantCount = 0
	stored.FalsePositiveCount = 0
	stored.Version++
	s.Threshold = threshold
	s.Version = stored.Version
	return true, nil
}

func (r *fakeLearningRepo) RecordPatternHit(_ context.Context, tenantID uuid.UUID, searchType models.SearchType, pattern string, minHits int, weight float64) (*models.SuppressionPattern, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := string(searchType) + "|" + pattern
	p, ok := r.patterns[k]
	if !ok {
		p = &models.SuppressionPattern{ID: uuid.New(), TenantID: tenantID, SearchType: searchType, Pattern: pattern, Weight: weight}
		r.patterns[k] = p
	}
	p.HitCount++
	if p.HitCount >= minHits {
		p.Active = true
	}
	copied := *p
	return &copied, nil
}

func (r *fakeLearningRepo) ListActivePatterns(_ context.Context, _ uuid.UUID, searchType models.SearchType) ([]*models.SuppressionPattern, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SuppressionPattern
	for _, p := range r.patterns {
		if p.SearchType == searchType && p.Active {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeLearningRepo) CreateRecommendation(_ context.Context, rec *models.LearningRecommendation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = uuid.New()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *fakeLearningRepo) ListRecommendations(_ context.Context, _ uuid.UUID, limit int) ([]*models.LearningRecommendation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.LearningRecommendation(nil), r.recs...), nil
}

// ---------------------------------------------------------------------------
// tenants

type fakeTenantRepo struct {
	mu       sync.Mutex
	settings map[uuid.UUID]*models.TenantSettings
	events   []*models.QuotaEvent
	tenants  []uuid.UUID
}

func newFakeTenantRepo(tenants ...uuid.UUID) *fakeTenantRepo {
	return &fakeTenantRepo{settings: make(map[uuid.UUID]*models.TenantSettings), tenants: tenants}
}

func (r *fakeTenantRepo) GetSettings(_ context.Context, tenantID uuid.UUID) (*models.TenantSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[tenantID]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (r *fakeTenantRepo) UpsertSettings(_ context.Context, s *models.TenantSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *s
	r.settings[s.TenantID] = &copied
	return nil
}

func (r *fakeTenantRepo) ListTenantIDs(context.Context) ([]uuid.UUID, error) {
	return r.tenants, nil
}

func (r *fakeTenantRepo) RecordQuotaEvent(_ context.Context, e *models.QuotaEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = uuid.New()
	r.events = append(r.events, e)
	return nil
}

func (r *fakeTenantRepo) CountQuotaEventsSince(_ context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.TenantID == tenantID && !e.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeTenantRepo) DeleteQuotaEventsBefore(context.Context, uuid.UUID, time.Time) (int64, error) {
	return 4, nil
}

func (r *fakeTenantRepo) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// ---------------------------------------------------------------------------
// notifications

type prefKey struct {
	tenantID uuid.UUID
	userID   string
}

type fakeNotificationRepo struct {
	mu      sync.Mutex
	prefs   map[prefKey]*models.NotificationPreference
	entries []*models.DigestEntry
	inApp   []*models.InAppNotification
}

func newFakeNotificationRepo() *fakeNotificationRepo {
	return &fakeNotificationRepo{prefs: make(map[prefKey]*models.NotificationPreference)}
}

func (r *fakeNotificationRepo) GetPreference(_ context.Context, tenantID uuid.UUID, userID string) (*models.NotificationPreference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prefs[prefKey{tenantID, userID}]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (r *fakeNotificationRepo) UpsertPreference(_ context.Context, p *models.NotificationPreference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *p
	r.prefs[prefKey{p.TenantID, p.UserID}] = &copied
	return nil
}

func (r *fakeNotificationRepo) ListDueDigests(_ context.Context, now time.Time, limit int) ([]*models.NotificationPreference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.NotificationPreference
	for _, p := range r.prefs {
		if p.Mode == models.DeliveryDigest && p.NextDigestAt != nil && !p.NextDigestAt.After(now) {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeNotificationRepo) AdvanceDigest(_ context.Context, tenantID uuid.UUID, userID string, expected, next time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prefs[prefKey{tenantID, userID}]
	if !ok || p.NextDigestAt == nil || !p.NextDigestAt.Equal(expected) {
		return false, nil
	}
	p.NextDigestAt = &next
	return true, nil
}

func (r *fakeNotificationRepo) AddDigestEntry(_ context.Context, e *models.DigestEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = uuid.New()
	r.entries = append(r.entries, e)
	return nil
}

func (r *fakeNotificationRepo) ListDigestEntries(_ context.Context, tenantID uuid.UUID, userID string) ([]*models.DigestEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DigestEntry
	for _, e := range r.entries {
		if e.TenantID == tenantID && e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeNotificationRepo) DeleteDigestEntries(_ context.Context, _ uuid.UUID, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop := map[uuid.UUID]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	kept := r.entries[:0]
	for _, e := range r.entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	r.entries = kept
	return nil
}

func (r *fakeNotificationRepo) CreateInApp(_ context.Context, n *models.InAppNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.ID = uuid.New()
	n.CreatedAt = time.Now()
	r.inApp = append(r.inApp, n)
	return nil
}

func (r *fakeNotificationRepo) ListInApp(_ context.Context, tenantID uuid.UUID, userID string, unreadOnly bool, limit, offset int) ([]*models.InAppNotification, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.InAppNotification
	for _, n := range r.inApp {
		if n.TenantID == tenantID && n.UserID == userID && (!unreadOnly || !n.Read) {
			out = append(out, n)
		}
	}
	return out, len(out), nil
}

func (r *fakeNotificationRepo) entryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

var (
	_ repositories.SavedSearchRepository  = (*fakeSearchRepo)(nil)
	_ repositories.JobRepository          = (*fakeJobRepo)(nil)
	_ repositories.SnapshotRepository     = (*fakeSnapshotRepo)(nil)
	_ repositories.ScrapedPageRepository  = (*fakePageRepo)(nil)
	_ repositories.AlertRepository        = (*fakeAlertRepo)(nil)
	_ repositories.LearningRepository     = (*fakeLearningRepo)(nil)
	_ repositories.TenantRepository       = (*fakeTenantRepo)(nil)
	_ repositories.NotificationRepository = (*fakeNotificationRepo)(nil)
)
